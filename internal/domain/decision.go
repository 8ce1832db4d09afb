package domain

// RejectReason identifies which admission check turned a signal away.
// The strings are stable: they are persisted, exported as metric labels and
// shown to the operator.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectKillSwitch     RejectReason = "kill-switch"
	RejectExpired        RejectReason = "signal-expired"
	RejectDevnet         RejectReason = "devnet-not-allowed"
	RejectHighSlippage   RejectReason = "high-slippage-not-allowed"
	RejectPositionSize   RejectReason = "position-size-exceeded"
	RejectBudget         RejectReason = "budget-exceeded"
	RejectCooldown       RejectReason = "cooldown-active"
	RejectInstrumentBusy RejectReason = "instrument-busy"
)

// RiskDecision is the outcome of admission control for one signal.
// On admission the proposed notional has already been reserved against the
// daily loss budget and the instrument lock is held; the caller owns the
// obligation to finalize the decision exactly once.
type RiskDecision struct {
	Signal      *TradeSignal
	Admitted    bool
	Reason      RejectReason // set only on rejection
	ReservedUSD float64      // set only on admission
}
