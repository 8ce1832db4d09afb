// vaultctl seals a signing keypair file for use by the trading service and
// can unseal one for inspection. Input keypairs are accepted either as the
// JSON integer array produced by solana-keygen or as raw 64 bytes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"tradegate/internal/vault"
)

func main() {
	var (
		encryptMode = flag.Bool("encrypt", false, "seal a keypair file")
		decryptMode = flag.Bool("decrypt", false, "unseal a vault file (prints key length only unless -raw)")
		inPath      = flag.String("in", "", "input file")
		outPath     = flag.String("out", "", "output file")
		raw         = flag.Bool("raw", false, "with -decrypt, write the raw keypair bytes to -out")
	)
	flag.Parse()

	if *encryptMode == *decryptMode {
		log.Fatal("exactly one of -encrypt or -decrypt is required")
	}
	if *inPath == "" {
		log.Fatal("-in is required")
	}

	passphrase := os.Getenv("VAULT_PASSPHRASE")
	if passphrase == "" {
		log.Fatal("VAULT_PASSPHRASE must be set")
	}

	if *encryptMode {
		if *outPath == "" {
			log.Fatal("-out is required with -encrypt")
		}
		if err := encrypt(*inPath, *outPath, passphrase); err != nil {
			log.Fatalf("encrypt failed: %v", err)
		}
		fmt.Printf("sealed keypair written to %s\n", *outPath)
		return
	}

	if err := decrypt(*inPath, *outPath, passphrase, *raw); err != nil {
		log.Fatalf("decrypt failed: %v", err)
	}
}

func encrypt(inPath, outPath, passphrase string) error {
	keypair, err := readKeypair(inPath)
	if err != nil {
		return err
	}
	defer vault.Zero(keypair)

	blob, err := vault.Encrypt(keypair, passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, blob, 0600)
}

func decrypt(inPath, outPath, passphrase string, raw bool) error {
	blob, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	keypair, err := vault.Decrypt(blob, passphrase)
	if err != nil {
		return err
	}
	defer vault.Zero(keypair)

	if !raw {
		fmt.Printf("vault opens cleanly; keypair is %d bytes\n", len(keypair))
		return nil
	}
	if outPath == "" {
		return fmt.Errorf("-out is required with -raw")
	}
	return os.WriteFile(outPath, keypair, 0600)
}

// readKeypair loads either a solana-keygen JSON array or raw keypair bytes.
func readKeypair(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ints []int
	if json.Unmarshal(data, &ints) == nil {
		keypair := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("keypair array entry %d out of byte range", i)
			}
			keypair[i] = byte(v)
		}
		return keypair, nil
	}
	return data, nil
}
