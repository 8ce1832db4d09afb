package domain

import (
	"time"

	"github.com/google/uuid"
)

// Side represents the direction of a proposed trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Network labels which chain environment a signal targets.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkDevnet  Network = "devnet"
)

// TradeSignal is a proposed trade produced by an external signal source.
// It is immutable once created; quotes derived from it are time-bound, so the
// signal itself carries an expiry.
type TradeSignal struct {
	ID          string    // Unique signal identifier
	Instrument  string    // Token mint address of the tradable instrument
	Side        Side      // Proposed direction
	NotionalUSD float64   // Proposed size in USD
	SlippageBps int       // Slippage tolerance requested by the signal source
	Network     Network   // Chain environment the signal targets
	CreatedAt   time.Time // Source timestamp
	ExpiresAt   time.Time // After this instant the signal must be rejected
}

// NewTradeSignal builds a signal with a generated ID and the given time-to-live.
func NewTradeSignal(instrument string, side Side, notionalUSD float64, ttl time.Duration) *TradeSignal {
	now := time.Now().UTC()
	return &TradeSignal{
		ID:          uuid.NewString(),
		Instrument:  instrument,
		Side:        side,
		NotionalUSD: notionalUSD,
		Network:     NetworkMainnet,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Expired reports whether the signal's quote window has passed.
func (s *TradeSignal) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
