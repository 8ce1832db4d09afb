package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so the pipeline
// can classify a failure without knowing the transport that produced it.
var (
	// Transient-class errors: retryable within a stage's bounded count.
	ErrTransient   = errors.New("transient failure")
	ErrTimeout     = errors.New("operation timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrStaleQuote  = errors.New("quote is stale")

	// Deterministic rejections: never retried.
	ErrWouldRevert      = errors.New("simulation predicts the transaction would revert")
	ErrSlippageExceeded = errors.New("projected slippage exceeds the configured bound")
	ErrNoRoute          = errors.New("no route available for the requested trade")

	// Ambiguous outcome: a send whose fate is unknown. Must be resolved via
	// an idempotent status query before any further action.
	ErrSendUnresolved = errors.New("sent transaction outcome unresolved")

	// Fatal/configuration errors: abort startup, no retry.
	ErrVaultLocked         = errors.New("credential vault cannot decrypt the signing key")
	ErrConfigContradiction = errors.New("contradictory safety configuration")

	// Pipeline control errors.
	ErrHalted         = errors.New("kill switch is not armed")
	ErrInstrumentBusy = errors.New("instrument already has an execution in flight")

	// Repository errors.
	ErrNotFound    = errors.New("record not found")
	ErrQueryFailed = errors.New("database query failed")
)

// IsTransient reports whether err belongs to the retryable class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrStaleQuote)
}
