package ports

import (
	"context"
	"time"

	"tradegate/internal/domain"
)

// AttemptRecord is the persisted shape of one execution attempt. The pipeline
// writes a record at admission and updates it at every state transition so
// that a crash can be reconciled against it on restart.
type AttemptRecord struct {
	ID          string
	Instrument  string
	Side        domain.Side
	NotionalUSD float64
	SignalTime  time.Time
	Decision    string // "admit" or the reject reason
	ReservedUSD float64
	State       domain.AttemptState
	Signature   domain.Signature // empty until a send has been issued
	RealizedUSD float64
	FailReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AttemptRepository stores execution attempt records.
type AttemptRepository interface {
	// CreateAttempt inserts a new record.
	CreateAttempt(ctx context.Context, rec *AttemptRecord) error
	// UpdateAttempt rewrites the mutable fields (state, signature, realized
	// amount, fail reason) of an existing record.
	UpdateAttempt(ctx context.Context, rec *AttemptRecord) error
	// FindUnresolved returns attempts whose state is not terminal, oldest
	// first. Used by the startup reconciliation pass.
	FindUnresolved(ctx context.Context) ([]*AttemptRecord, error)
	// SumRealizedSince totals realized USD over settled attempts with
	// UpdatedAt >= since. Positive values are losses.
	SumRealizedSince(ctx context.Context, since time.Time) (float64, error)
	// LastTradeTimes returns the most recent settled-attempt time per
	// instrument at or after since. Used to rebuild cooldowns on restart.
	LastTradeTimes(ctx context.Context, since time.Time) (map[string]time.Time, error)
}
