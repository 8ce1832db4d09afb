// Package executor contains the paper trading variant of the execution
// contract. The live variant lives with the aggregator adapter.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/domain"
	"tradegate/internal/ports"
)

// PaperConfig tunes the deterministic fill model.
type PaperConfig struct {
	MaxSlippageBps          int
	UnsafeAllowHighSlippage bool
	FeeBps                  int // venue fee applied to simulated fills
	QuoteTTL                time.Duration
}

// Paper is the dry-run executor. It has no network side effects beyond
// reading feed snapshots; send and confirm are synchronous no-ops that settle
// immediately at the simulated price.
type Paper struct {
	cfg    PaperConfig
	feed   ports.FeedSource
	logger ports.Logger
	nowFn  func() time.Time

	mu    sync.Mutex
	fills map[domain.Signature]*domain.Confirmation
}

// NewPaper creates the paper executor.
func NewPaper(cfg PaperConfig, feed ports.FeedSource, logger ports.Logger, nowFn func() time.Time) *Paper {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 2 * time.Second
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Paper{
		cfg:    cfg,
		feed:   feed,
		logger: logger,
		nowFn:  nowFn,
		fills:  make(map[domain.Signature]*domain.Confirmation),
	}
}

// Quote prices the signal off the latest feed snapshot.
func (p *Paper) Quote(ctx context.Context, signal *domain.TradeSignal) (*domain.Quote, error) {
	snap, err := p.feed.Snapshot(ctx, signal.Instrument)
	if err != nil {
		return nil, fmt.Errorf("feed snapshot for %s: %w", signal.Instrument, err)
	}
	if snap.PriceUSD <= 0 {
		return nil, fmt.Errorf("%w: snapshot price %.6f", ports.ErrStaleQuote, snap.PriceUSD)
	}

	impact := snap.EstimatedSlippageBps
	if impact == 0 && snap.LiquidityUSD > 0 {
		// Feeds that report pool depth but no impact estimate get a crude
		// notional-over-liquidity approximation.
		impact = int(signal.NotionalUSD / snap.LiquidityUSD * 10000)
	}

	now := p.nowFn()
	return &domain.Quote{
		Instrument:     signal.Instrument,
		Side:           signal.Side,
		InAmountUSD:    signal.NotionalUSD,
		OutAmount:      signal.NotionalUSD / execPrice(snap.PriceUSD, impact, signal.Side),
		PriceUSD:       snap.PriceUSD,
		PriceImpactBps: impact,
		Route:          "paper",
		FetchedAt:      now,
		ExpiresAt:      now.Add(p.cfg.QuoteTTL),
	}, nil
}

// execPrice applies the snapshot's slippage estimate to the mid price: a buy
// pays up, a sell receives less.
func execPrice(mid float64, slippageBps int, side domain.Side) float64 {
	adj := float64(slippageBps) / 10000.0
	if side == domain.Buy {
		return mid * (1 + adj)
	}
	return mid * (1 - adj)
}

// Build produces a deterministic stand-in payload. No signing key is involved
// in paper mode.
func (p *Paper) Build(ctx context.Context, quote *domain.Quote) (*domain.SignedTransaction, error) {
	payload, err := json.Marshal(quote)
	if err != nil {
		return nil, fmt.Errorf("encoding paper payload: %w", err)
	}
	return &domain.SignedTransaction{Quote: quote, Payload: payload, SignedAt: p.nowFn()}, nil
}

// Simulate always succeeds unless the configured slippage bound would be
// exceeded given the feed snapshot captured at quote time.
func (p *Paper) Simulate(ctx context.Context, tx *domain.SignedTransaction) (*domain.Simulation, error) {
	impact := tx.Quote.PriceImpactBps
	if impact > p.cfg.MaxSlippageBps && !p.cfg.UnsafeAllowHighSlippage {
		return &domain.Simulation{
			WouldSucceed:         false,
			EstimatedSlippageBps: impact,
			RevertReason:         fmt.Sprintf("slippage %dbps over bound %dbps", impact, p.cfg.MaxSlippageBps),
		}, fmt.Errorf("%w: %dbps > %dbps", ports.ErrSlippageExceeded, impact, p.cfg.MaxSlippageBps)
	}
	return &domain.Simulation{WouldSucceed: true, EstimatedSlippageBps: impact}, nil
}

// Send records an immediate fill under a synthetic signature.
func (p *Paper) Send(ctx context.Context, tx *domain.SignedTransaction) (domain.Signature, error) {
	sig := domain.Signature("paper-" + uuid.NewString())
	fill := &domain.Confirmation{
		Status:            domain.ConfirmSettled,
		FillPriceUSD:      execPrice(tx.Quote.PriceUSD, tx.Quote.PriceImpactBps, tx.Quote.Side),
		ActualSlippageBps: tx.Quote.PriceImpactBps + p.cfg.FeeBps,
	}

	p.mu.Lock()
	p.fills[sig] = fill
	p.mu.Unlock()

	p.logger.Debug(ctx, "Paper fill recorded", map[string]interface{}{
		"signature":  string(sig),
		"instrument": tx.Quote.Instrument,
		"fillPrice":  fill.FillPriceUSD,
	})
	return sig, nil
}

// Confirm returns the recorded fill. Re-querying the same signature returns
// the identical confirmation; unknown signatures report not-found.
func (p *Paper) Confirm(ctx context.Context, sig domain.Signature) (*domain.Confirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fill, ok := p.fills[sig]
	if !ok {
		return &domain.Confirmation{Status: domain.ConfirmNotFound}, nil
	}
	return fill, nil
}
