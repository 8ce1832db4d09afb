package ports

import (
	"context"

	"tradegate/internal/domain"
)

// Executor carries one admitted trade through the venue-facing stages.
// Two implementations exist: a deterministic paper variant and a live variant
// that talks to the aggregator and the chain. Exactly one is selected at
// startup; the coordinator never switches variants mid-run.
type Executor interface {
	// Quote obtains a time-bound price/route estimate for the signal.
	Quote(ctx context.Context, signal *domain.TradeSignal) (*domain.Quote, error)

	// Build turns a quote into a fully signed transaction. The live variant
	// requests the signature through the credential vault's scoped capability
	// and retains no key material past the call.
	Build(ctx context.Context, quote *domain.Quote) (*domain.SignedTransaction, error)

	// Simulate performs a pre-flight check of the built transaction without
	// moving funds. A deterministic failure (would-revert, slippage bound)
	// must surface as ErrWouldRevert or ErrSlippageExceeded so the pipeline
	// never sends it.
	Simulate(ctx context.Context, tx *domain.SignedTransaction) (*domain.Simulation, error)

	// Send submits the signed transaction. This is the single point where
	// funds risk is incurred: callers must invoke it at most once per
	// signature actually recorded. When the outcome is ambiguous (the
	// request may or may not have reached the network) Send returns the
	// transaction's signature together with ErrSendUnresolved so the caller
	// can resolve its fate through Confirm.
	Send(ctx context.Context, tx *domain.SignedTransaction) (domain.Signature, error)

	// Confirm performs one idempotent status query for a signature.
	// Re-querying the same signature never produces a second fill.
	Confirm(ctx context.Context, sig domain.Signature) (*domain.Confirmation, error)
}

// FeedSource looks up market snapshots for instruments. Feed ingestion is an
// external collaborator; the core only reads from it.
type FeedSource interface {
	Snapshot(ctx context.Context, instrument string) (*domain.FeedSnapshot, error)
}

// SignalSource delivers proposed trades to the pipeline.
type SignalSource interface {
	// Signals returns the channel the source publishes on. The source closes
	// it when no further signals will arrive.
	Signals() <-chan *domain.TradeSignal
}

// AlertSink delivers operator-facing notifications. Failed-unresolved
// outcomes are pushed through PushUrgent and form a distinct, higher-urgency
// class.
type AlertSink interface {
	Push(ctx context.Context, message string) error
	PushUrgent(ctx context.Context, message string) error
}
