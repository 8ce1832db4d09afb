// Package vault holds the signing key encrypted at rest and in memory,
// exposing only a scoped signing capability. Decrypted key bytes exist for
// the duration of a single Sign call and are zeroed before it returns.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"tradegate/internal/ports"
)

const (
	formatVersion = 1
	nonceSize     = 12 // 96 bits for GCM
	keySize       = 32 // 256 bits for AES-256
	headerSize    = 16 // version (4) + nonce (12)
	kdfIterations = 100000
	keypairSize   = ed25519.PrivateKeySize // 64 bytes, same layout as a chain keypair file
)

var kdfSalt = []byte("tradegate_vault_v1")

// DeriveKey derives the AES-256 key from an operator passphrase.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, keySize, sha256.New)
}

// Encrypt seals plaintext under the passphrase-derived key. The output is
// version || nonce || ciphertext and is what the vault file on disk contains.
func Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	key := DeriveKey(passphrase)
	defer Zero(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := make([]byte, 4, headerSize)
	binary.LittleEndian.PutUint32(header, formatVersion)
	header = append(header, nonce...)

	return append(header, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise GCM: %w", err)
	}
	return aead, nil
}

// Decrypt opens a sealed blob with the passphrase. Intended for the keypair
// management tool; the running service only decrypts through Vault.
func Decrypt(blob []byte, passphrase string) ([]byte, error) {
	key := DeriveKey(passphrase)
	defer Zero(key)
	return decrypt(blob, key)
}

func decrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("vault blob too short: %d bytes", len(blob))
	}
	if v := binary.LittleEndian.Uint32(blob[:4]); v != formatVersion {
		return nil, fmt.Errorf("unsupported vault format version %d", v)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, blob[4:headerSize], blob[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// Vault keeps the encrypted keypair blob and the derived key in memory. The
// raw signing key is never stored decrypted between operations.
type Vault struct {
	mu   sync.Mutex // one signing call outstanding at a time
	key  []byte
	blob []byte
	pub  ed25519.PublicKey
}

// Open reads the encrypted keypair file and validates the passphrase by a
// trial decryption. The decrypted bytes from the trial are zeroed before
// Open returns. A wrong passphrase or malformed file yields
// ports.ErrVaultLocked so startup can fail fast.
func Open(path, passphrase string) (*Vault, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ports.ErrVaultLocked, path, err)
	}
	key := DeriveKey(passphrase)

	keypair, err := decrypt(blob, key)
	if err != nil {
		Zero(key)
		return nil, fmt.Errorf("%w: %v", ports.ErrVaultLocked, err)
	}
	defer Zero(keypair)

	if len(keypair) != keypairSize {
		Zero(key)
		return nil, fmt.Errorf("%w: keypair is %d bytes, want %d", ports.ErrVaultLocked, len(keypair), keypairSize)
	}

	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, ed25519.PrivateKey(keypair).Public().(ed25519.PublicKey))

	return &Vault{key: key, blob: blob, pub: pub}, nil
}

// PublicKey returns the signing identity. Safe to expose and log.
func (v *Vault) PublicKey() ed25519.PublicKey {
	return v.pub
}

// Sign decrypts the keypair, signs the message and zeroes the decrypted bytes
// before returning. This is the vault's only operation on the raw key.
func (v *Vault) Sign(message []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return nil, ports.ErrVaultLocked
	}
	keypair, err := decrypt(v.blob, v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrVaultLocked, err)
	}
	defer Zero(keypair)

	return ed25519.Sign(ed25519.PrivateKey(keypair), message), nil
}

// Close wipes the derived key. Subsequent Sign calls fail.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	Zero(v.key)
	v.key = nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
