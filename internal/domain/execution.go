package domain

import "time"

// Signature is the unique identifier of a sent transaction. It is the
// idempotence key for resolving the fate of a send whose outcome is unknown.
type Signature string

// Quote is a time-bound price/route estimate for a proposed trade.
type Quote struct {
	Instrument     string
	Side           Side
	InAmountUSD    float64
	OutAmount      float64 // base units of the instrument
	PriceUSD       float64 // effective price implied by the route
	PriceImpactBps int
	Route          string // opaque route descriptor from the aggregator
	FetchedAt      time.Time
	ExpiresAt      time.Time
}

// SignedTransaction is a fully signed transaction ready for submission.
// Live builds obtain the signature through the credential vault's scoped
// signing capability; the raw key never appears here.
type SignedTransaction struct {
	Quote    *Quote
	Payload  []byte // wire bytes, ready for the RPC submit call
	SignedAt time.Time
}

// Simulation is the result of a pre-flight check of a built transaction.
type Simulation struct {
	WouldSucceed         bool
	EstimatedSlippageBps int
	RevertReason         string // populated when WouldSucceed is false
	UnitsConsumed        int64
}

// ConfirmationStatus classifies a single idempotent status query for a
// signature. NotFound means the network has no record of it (yet).
type ConfirmationStatus string

const (
	ConfirmSettled       ConfirmationStatus = "settled"
	ConfirmPending       ConfirmationStatus = "pending"
	ConfirmFailedOnChain ConfirmationStatus = "failed-on-chain"
	ConfirmNotFound      ConfirmationStatus = "not-found"
)

// Confirmation is the answer to one status query for a sent transaction.
type Confirmation struct {
	Status            ConfirmationStatus
	FillPriceUSD      float64 // set when Settled
	ActualSlippageBps int     // set when Settled
	Slot              int64
}

// AttemptState is the execution state machine position of one attempt.
type AttemptState string

const (
	StateQuoting    AttemptState = "quoting"
	StateBuilding   AttemptState = "building"
	StateSimulating AttemptState = "simulating"
	StateSending    AttemptState = "sending"
	StateConfirming AttemptState = "confirming"
	StateSettled    AttemptState = "settled"
	StateFailed     AttemptState = "failed"
)

// Terminal reports whether the state machine has finished.
func (s AttemptState) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// FundsAtRisk reports whether a funds-moving action may already have occurred
// in this state. Aborts from these states must resolve the fate of the sent
// transaction instead of retrying blindly.
func (s AttemptState) FundsAtRisk() bool {
	return s == StateSending || s == StateConfirming
}

// Failure reason codes recorded on attempts that end in StateFailed.
const (
	FailStageTimeout     = "stage-timeout"
	FailKillSwitch       = "kill-switch"
	FailWouldRevert      = "would-revert"
	FailSlippage         = "slippage-exceeded"
	FailRetriesExhausted = "retries-exhausted"
	FailSendUnresolved   = "send-unresolved"
	FailCrashBeforeSend  = "crash-before-send"
	FailOnChain          = "failed-on-chain"
	FailNoRoute          = "no-route"
	FailStorage          = "storage-failure"
	FailExecution        = "execution-error"
)

// Attempt is one execution run through the state machine. It is owned
// exclusively by the coordinator run that created it and is persisted at each
// state transition so a crash can be reconciled on restart.
type Attempt struct {
	ID           string
	Signal       *TradeSignal
	ReservedUSD  float64
	State        AttemptState
	Signature    Signature // most recent send; replaced only after the prior send's fate is definitively resolved
	FillPriceUSD float64
	RealizedUSD  float64 // realized loss (+) or gain (-) in USD, set on Settled
	FailReason   string  // set on Failed
	LastErr      string
	StartedAt    time.Time
	FinishedAt   time.Time
	Retries      map[AttemptState]int
}

// Result is the terminal outcome handed back to the caller of a run.
type Result struct {
	Attempt *Attempt
	// Unresolved marks a Failed attempt whose sent transaction could not be
	// confirmed or ruled out within the resolution budget. These require
	// operator attention and are alerted at higher urgency.
	Unresolved bool
}

// FeedSnapshot is a point-in-time market observation for one instrument,
// supplied by an external feed collaborator. The paper executor prices
// fills off these.
type FeedSnapshot struct {
	Instrument           string
	PriceUSD             float64
	LiquidityUSD         float64
	Volume5mUSD          float64
	EstimatedSlippageBps int
	ObservedAt           time.Time
}
