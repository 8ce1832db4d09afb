package risk

import (
	"context"
	"sync"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/killswitch"
	"tradegate/internal/ports"
)

// GateConfig holds the admission-control limits.
type GateConfig struct {
	PositionSizeUSD         float64
	DailyMaxLossUSD         float64
	MaxSlippageBps          int
	Cooldown                time.Duration
	AllowDevnet             bool
	UnsafeAllowHighSlippage bool
}

// Gate is the admission-control layer. Every Evaluate call runs under one
// mutex together with ledger mutation and lock state, so concurrent calls
// observe a consistent, monotonically-updated ledger: admission N+1 always
// sees admission N's reservation.
type Gate struct {
	cfg    GateConfig
	ks     *killswitch.Switch
	logger ports.Logger
	nowFn  func() time.Time

	mu     sync.Mutex
	ledger *Ledger
	locks  map[string]struct{} // live instrument locks
}

// NewGate creates a gate with a fresh ledger.
func NewGate(cfg GateConfig, ks *killswitch.Switch, logger ports.Logger, nowFn func() time.Time) *Gate {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Gate{
		cfg:    cfg,
		ks:     ks,
		logger: logger,
		nowFn:  nowFn,
		ledger: NewLedger(cfg.DailyMaxLossUSD, cfg.Cooldown, nowFn),
		locks:  make(map[string]struct{}),
	}
}

// Evaluate runs the admission checks in order, short-circuiting on the first
// failure. On success the proposed notional is reserved against the daily
// budget and the instrument lock is acquired; the caller must hand the
// decision to exactly one coordinator run, which finalizes it.
func (g *Gate) Evaluate(ctx context.Context, signal *domain.TradeSignal) *domain.RiskDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	reject := func(reason domain.RejectReason) *domain.RiskDecision {
		g.logger.Info(ctx, "Signal rejected", map[string]interface{}{
			"signalID":   signal.ID,
			"instrument": signal.Instrument,
			"reason":     string(reason),
		})
		return &domain.RiskDecision{Signal: signal, Admitted: false, Reason: reason}
	}

	// 1. Kill switch must be armed: no exceptions, draining included.
	if !g.ks.Armed() {
		return reject(domain.RejectKillSwitch)
	}

	// 2. The quote window must still be open.
	if signal.Expired(g.nowFn()) {
		return reject(domain.RejectExpired)
	}

	// 3. Safety posture: overrides must be explicitly enabled.
	if signal.Network == domain.NetworkDevnet && !g.cfg.AllowDevnet {
		return reject(domain.RejectDevnet)
	}
	if signal.SlippageBps > g.cfg.MaxSlippageBps && !g.cfg.UnsafeAllowHighSlippage {
		return reject(domain.RejectHighSlippage)
	}

	// 4. Per-trade size cap.
	if signal.NotionalUSD > g.cfg.PositionSizeUSD {
		return reject(domain.RejectPositionSize)
	}

	// 5. Remaining daily-loss budget.
	if signal.NotionalUSD > g.ledger.RemainingBudget() {
		return reject(domain.RejectBudget)
	}

	// 6. Per-instrument cooldown.
	if g.ledger.CooldownRemaining(signal.Instrument) > 0 {
		return reject(domain.RejectCooldown)
	}

	// 7. One concurrent execution per instrument.
	if _, held := g.locks[signal.Instrument]; held {
		return reject(domain.RejectInstrumentBusy)
	}

	g.ledger.Reserve(signal.NotionalUSD)
	g.locks[signal.Instrument] = struct{}{}

	g.logger.Info(ctx, "Signal admitted", map[string]interface{}{
		"signalID":        signal.ID,
		"instrument":      signal.Instrument,
		"reservedUSD":     signal.NotionalUSD,
		"remainingBudget": g.ledger.RemainingBudget(),
	})
	return &domain.RiskDecision{Signal: signal, Admitted: true, ReservedUSD: signal.NotionalUSD}
}

// Finalize releases the instrument lock and reconciles the reservation of an
// admitted decision. A failed attempt realizes nothing and its reservation is
// returned in full; a settled attempt realizes the actual loss or gain and
// stamps the instrument's cooldown clock. Must be called exactly once per
// admitted decision.
func (g *Gate) Finalize(ctx context.Context, decision *domain.RiskDecision, settled bool, realizedUSD float64) {
	if !decision.Admitted {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.locks, decision.Signal.Instrument)
	g.ledger.Release(decision.ReservedUSD)
	if settled {
		g.ledger.Realize(realizedUSD)
		g.ledger.RecordTradeTime(decision.Signal.Instrument)
	}

	g.logger.Info(ctx, "Decision finalized", map[string]interface{}{
		"signalID":        decision.Signal.ID,
		"instrument":      decision.Signal.Instrument,
		"settled":         settled,
		"realizedUSD":     realizedUSD,
		"remainingBudget": g.ledger.RemainingBudget(),
	})
}

// FinalizeUnresolved reconciles an admitted decision whose sent transaction
// could not be confirmed or ruled out. The transaction may still land, so the
// full notional is realized as a worst-case loss and the instrument's
// cooldown is stamped; the next startup's reconciliation replaces this
// conservative charge with the transaction's actual fate.
func (g *Gate) FinalizeUnresolved(ctx context.Context, decision *domain.RiskDecision) {
	if !decision.Admitted {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.locks, decision.Signal.Instrument)
	g.ledger.Release(decision.ReservedUSD)
	g.ledger.Realize(decision.Signal.NotionalUSD)
	g.ledger.RecordTradeTime(decision.Signal.Instrument)

	g.logger.Warn(ctx, "Decision finalized as unresolved, charging full notional until reconciled", map[string]interface{}{
		"signalID":        decision.Signal.ID,
		"instrument":      decision.Signal.Instrument,
		"notionalUSD":     decision.Signal.NotionalUSD,
		"remainingBudget": g.ledger.RemainingBudget(),
	})
}

// RemainingBudget exposes the current budget headroom.
func (g *Gate) RemainingBudget() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger.RemainingBudget()
}

// HoldsLock reports whether the instrument currently has a live lock.
func (g *Gate) HoldsLock(instrument string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.locks[instrument]
	return held
}

// SeedRealized replays persisted realized loss for the current day into the
// ledger. Used by the startup reconciliation pass so a restart does not
// double-grant budget already spent.
func (g *Gate) SeedRealized(amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger.Realize(amount)
}

// SeedTradeTimes replays persisted last-trade timestamps into the cooldown map.
func (g *Gate) SeedTradeTimes(times map[string]time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for instrument, at := range times {
		g.ledger.SeedTradeTime(instrument, at)
	}
}
