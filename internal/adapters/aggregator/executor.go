// Package aggregator implements the live execution variant against a DEX
// aggregator quote API and a chain JSON-RPC node.
package aggregator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mr-tron/base58"

	"tradegate/internal/domain"
	"tradegate/internal/ports"
)

// Signer is the scoped signing capability the executor borrows per build.
// The credential vault satisfies it; the executor never sees key material.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// Config holds the live executor's endpoints and bounds.
type Config struct {
	AggregatorBase          string
	RPCURL                  string
	MaxSlippageBps          int
	UnsafeAllowHighSlippage bool
	QuoteTTL                time.Duration
	HTTPTimeout             time.Duration
	Logger                  ports.Logger
	Signer                  Signer
}

// Executor is the live variant of the execution contract. Every stage is a
// real network call.
type Executor struct {
	cfg    Config
	http   *resty.Client
	logger ports.Logger

	mu        sync.Mutex
	rpcSeq    int
	sentQuote map[domain.Signature]*domain.Quote // fill pricing context per sent signature
}

// New creates the live executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("live executor requires a signer")
	}
	if cfg.AggregatorBase == "" || cfg.RPCURL == "" {
		return nil, fmt.Errorf("live executor requires aggregator and RPC endpoints")
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 2 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	client := resty.New()
	client.SetTimeout(cfg.HTTPTimeout)

	return &Executor{
		cfg:       cfg,
		http:      client,
		logger:    cfg.Logger,
		sentQuote: make(map[domain.Signature]*domain.Quote),
	}, nil
}

// quoteResponse is the subset of the aggregator quote payload the pipeline
// needs; the full route is carried opaquely for the swap build.
type quoteResponse struct {
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
}

// usdcMint is the quote-side asset for USD-denominated trades.
const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Quote fetches a route estimate from the aggregator.
func (e *Executor) Quote(ctx context.Context, signal *domain.TradeSignal) (*domain.Quote, error) {
	inputMint, outputMint := usdcMint, signal.Instrument
	if signal.Side == domain.Sell {
		inputMint, outputMint = signal.Instrument, usdcMint
	}
	amount := int64(signal.NotionalUSD * 1_000_000) // USDC has 6 decimals

	resp, err := e.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":   inputMint,
			"outputMint":  outputMint,
			"amount":      strconv.FormatInt(amount, 10),
			"slippageBps": strconv.Itoa(e.cfg.MaxSlippageBps),
		}).
		Get(e.cfg.AggregatorBase + "/quote")
	if err != nil {
		return nil, fmt.Errorf("%w: aggregator quote: %v", ports.ErrTransient, err)
	}
	if err := classifyHTTP(resp, "quote"); err != nil {
		return nil, err
	}

	var qr quoteResponse
	if err := json.Unmarshal(resp.Body(), &qr); err != nil {
		return nil, fmt.Errorf("decoding quote response: %w", err)
	}
	if qr.OutAmount == "" || qr.OutAmount == "0" {
		return nil, fmt.Errorf("%w: instrument %s", ports.ErrNoRoute, signal.Instrument)
	}

	outAmount, err := strconv.ParseFloat(qr.OutAmount, 64)
	if err != nil || outAmount <= 0 {
		return nil, fmt.Errorf("%w: bad outAmount %q", ports.ErrNoRoute, qr.OutAmount)
	}
	impactPct, _ := strconv.ParseFloat(qr.PriceImpactPct, 64)

	now := time.Now().UTC()
	quote := &domain.Quote{
		Instrument:     signal.Instrument,
		Side:           signal.Side,
		InAmountUSD:    signal.NotionalUSD,
		OutAmount:      outAmount,
		PriceUSD:       signal.NotionalUSD / outAmount,
		PriceImpactBps: int(impactPct * 100),
		Route:          string(resp.Body()), // full quote payload, handed back on swap build
		FetchedAt:      now,
		ExpiresAt:      now.Add(e.cfg.QuoteTTL),
	}

	e.logger.Debug(ctx, "Aggregator quote received", map[string]interface{}{
		"instrument":  signal.Instrument,
		"outAmount":   outAmount,
		"priceImpact": quote.PriceImpactBps,
	})
	return quote, nil
}

// Build asks the aggregator for the swap transaction and signs it through the
// vault's scoped capability. Key material is never retained past the call.
func (e *Executor) Build(ctx context.Context, quote *domain.Quote) (*domain.SignedTransaction, error) {
	if time.Now().After(quote.ExpiresAt) {
		return nil, fmt.Errorf("%w: quote fetched %s ago", ports.ErrStaleQuote, time.Since(quote.FetchedAt))
	}

	body := map[string]interface{}{
		"quoteResponse":    json.RawMessage(quote.Route),
		"userPublicKey":    base58.Encode(e.cfg.Signer.PublicKey()),
		"wrapAndUnwrapSol": true,
	}
	resp, err := e.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(e.cfg.AggregatorBase + "/swap")
	if err != nil {
		return nil, fmt.Errorf("%w: aggregator swap build: %v", ports.ErrTransient, err)
	}
	if err := classifyHTTP(resp, "swap"); err != nil {
		return nil, err
	}

	var sr struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(resp.Body(), &sr); err != nil {
		return nil, fmt.Errorf("decoding swap response: %w", err)
	}
	txBytes, err := base64.StdEncoding.DecodeString(sr.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decoding swap transaction: %w", err)
	}

	sig, err := e.cfg.Signer.Sign(txBytes)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	return &domain.SignedTransaction{
		Quote:    quote,
		Payload:  append(sig, txBytes...),
		SignedAt: time.Now().UTC(),
	}, nil
}

// Simulate runs the authoritative pre-flight check against network state.
// A predicted revert or a projected slippage over the bound is deterministic
// and must never be sent.
func (e *Executor) Simulate(ctx context.Context, tx *domain.SignedTransaction) (*domain.Simulation, error) {
	if tx.Quote.PriceImpactBps > e.cfg.MaxSlippageBps && !e.cfg.UnsafeAllowHighSlippage {
		return &domain.Simulation{
				WouldSucceed:         false,
				EstimatedSlippageBps: tx.Quote.PriceImpactBps,
				RevertReason:         "projected slippage over bound",
			}, fmt.Errorf("%w: %dbps > %dbps",
				ports.ErrSlippageExceeded, tx.Quote.PriceImpactBps, e.cfg.MaxSlippageBps)
	}

	result, err := e.rpcCall(ctx, "simulateTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(tx.Payload),
		map[string]interface{}{
			"encoding":               "base64",
			"commitment":             "processed",
			"replaceRecentBlockhash": true,
		},
	})
	if err != nil {
		return nil, err
	}

	var sim struct {
		Value struct {
			Err           interface{} `json:"err"`
			UnitsConsumed int64       `json:"unitsConsumed"`
			Logs          []string    `json:"logs"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &sim); err != nil {
		return nil, fmt.Errorf("decoding simulation result: %w", err)
	}
	if sim.Value.Err != nil {
		reason := fmt.Sprintf("%v", sim.Value.Err)
		return &domain.Simulation{
				WouldSucceed:         false,
				EstimatedSlippageBps: tx.Quote.PriceImpactBps,
				RevertReason:         reason,
				UnitsConsumed:        sim.Value.UnitsConsumed,
			}, fmt.Errorf("%w: %s", ports.ErrWouldRevert, reason)
	}
	return &domain.Simulation{
		WouldSucceed:         true,
		EstimatedSlippageBps: tx.Quote.PriceImpactBps,
		UnitsConsumed:        sim.Value.UnitsConsumed,
	}, nil
}

// Send submits the signed transaction. The signature is derived locally from
// the payload before submission, so an ambiguous transport outcome can still
// hand the caller an idempotence key to resolve against. Callers own the
// at-most-once contract per recorded signature; this method performs no
// retries of its own.
func (e *Executor) Send(ctx context.Context, tx *domain.SignedTransaction) (domain.Signature, error) {
	if len(tx.Payload) < ed25519.SignatureSize {
		return "", fmt.Errorf("malformed transaction payload")
	}
	signature := domain.Signature(base58.Encode(tx.Payload[:ed25519.SignatureSize]))
	e.mu.Lock()
	e.sentQuote[signature] = tx.Quote
	e.mu.Unlock()

	_, err := e.rpcCall(ctx, "sendTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(tx.Payload),
		map[string]interface{}{
			"encoding":            "base64",
			"skipPreflight":       true, // the pipeline's simulate stage is the preflight
			"preflightCommitment": "processed",
		},
	})
	if err != nil {
		// A transport-level failure (connection reset, deadline) means the
		// request may still have reached the network. Hand back the derived
		// signature so the caller can resolve its fate. A node error
		// response, in contrast, means the submission was not accepted.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isTransportErr(err) {
			return signature, fmt.Errorf("%w: %v", ports.ErrSendUnresolved, err)
		}
		return "", err
	}

	e.logger.Info(ctx, "Transaction sent", map[string]interface{}{
		"signature":  string(signature),
		"instrument": tx.Quote.Instrument,
	})
	return signature, nil
}

// Confirm performs one idempotent status query for a signature.
func (e *Executor) Confirm(ctx context.Context, sig domain.Signature) (*domain.Confirmation, error) {
	result, err := e.rpcCall(ctx, "getSignatureStatuses", []interface{}{
		[]string{string(sig)},
		map[string]interface{}{"searchTransactionHistory": true},
	})
	if err != nil {
		return nil, err
	}

	var statuses struct {
		Value []*struct {
			Err                interface{} `json:"err"`
			ConfirmationStatus string      `json:"confirmationStatus"`
			Slot               int64       `json:"slot"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &statuses); err != nil {
		return nil, fmt.Errorf("decoding signature statuses: %w", err)
	}
	if len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return &domain.Confirmation{Status: domain.ConfirmNotFound}, nil
	}

	status := statuses.Value[0]
	if status.Err != nil {
		// Terminal: the fill context is no longer needed.
		e.mu.Lock()
		delete(e.sentQuote, sig)
		e.mu.Unlock()
		return &domain.Confirmation{Status: domain.ConfirmFailedOnChain, Slot: status.Slot}, nil
	}

	switch status.ConfirmationStatus {
	case "confirmed", "finalized":
		conf := &domain.Confirmation{Status: domain.ConfirmSettled, Slot: status.Slot}
		e.mu.Lock()
		if quote, ok := e.sentQuote[sig]; ok {
			conf.FillPriceUSD = quote.PriceUSD
			conf.ActualSlippageBps = quote.PriceImpactBps
			delete(e.sentQuote, sig)
		}
		e.mu.Unlock()
		return conf, nil
	default:
		return &domain.Confirmation{Status: domain.ConfirmPending, Slot: status.Slot}, nil
	}
}

// rpcCall issues one JSON-RPC request and maps transport and node errors onto
// the pipeline's error taxonomy.
func (e *Executor) rpcCall(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	e.mu.Lock()
	e.rpcSeq++
	id := e.rpcSeq
	e.mu.Unlock()

	resp, err := e.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  method,
			"params":  params,
		}).
		Post(e.cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w (%w): %v", method, ports.ErrTransient, errTransport, err)
	}
	if err := classifyHTTP(resp, method); err != nil {
		return nil, err
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding rpc response for %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		if retryableRPCCode(rpcResp.Error.Code) {
			return nil, fmt.Errorf("%w: rpc %s: %d %s", ports.ErrTransient, method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return nil, fmt.Errorf("rpc %s failed: %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// errTransport marks failures where the request never received a response.
// Only these make a send outcome ambiguous; an error response from the node
// means the submission was definitively not accepted.
var errTransport = errors.New("no response from endpoint")

func isTransportErr(err error) bool {
	return errors.Is(err, errTransport)
}

// retryableRPCCode covers node-side conditions that clear on their own.
func retryableRPCCode(code int) bool {
	switch code {
	case -32603, // internal error
		-32005, // node is unhealthy
		-32004, // slot was skipped
		429: // too many requests
		return true
	}
	return false
}

// classifyHTTP maps HTTP status classes onto the error taxonomy.
func classifyHTTP(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ports.ErrRateLimited, op)
	case code >= 500:
		return fmt.Errorf("%w: %s returned %d", ports.ErrTransient, op, code)
	case code >= 400:
		return fmt.Errorf("%s rejected with %d: %s", op, code, resp.String())
	}
	return nil
}
