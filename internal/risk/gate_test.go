package risk

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/adapters/logger"
	"tradegate/internal/domain"
	"tradegate/internal/killswitch"
)

func testGate(t *testing.T, cfg GateConfig, nowFn func() time.Time) (*Gate, *killswitch.Switch) {
	t.Helper()
	log := logger.NewStdLoggerTo(io.Discard, logger.LevelError)
	ks := killswitch.New(log)
	return NewGate(cfg, ks, log, nowFn), ks
}

func testSignal(instrument string, notional float64, now time.Time) *domain.TradeSignal {
	return &domain.TradeSignal{
		ID:          "sig-" + instrument,
		Instrument:  instrument,
		Side:        domain.Buy,
		NotionalUSD: notional,
		Network:     domain.NetworkMainnet,
		CreatedAt:   now,
		ExpiresAt:   now.Add(30 * time.Second),
	}
}

func defaultGateConfig() GateConfig {
	return GateConfig{
		PositionSizeUSD: 150,
		DailyMaxLossUSD: 200,
		MaxSlippageBps:  100,
		Cooldown:        60 * time.Second,
	}
}

func TestGateAdmitsWithinLimits(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	decision := gate.Evaluate(context.Background(), testSignal("MINT_A", 100, now))
	require.True(t, decision.Admitted)
	assert.Equal(t, 100.0, decision.ReservedUSD)
	assert.Equal(t, 100.0, gate.RemainingBudget())
	assert.True(t, gate.HoldsLock("MINT_A"))
}

func TestGateRejectsKillSwitchTripped(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, ks := testGate(t, defaultGateConfig(), func() time.Time { return now })

	ks.Trip(context.Background(), "test")
	decision := gate.Evaluate(context.Background(), testSignal("MINT_A", 100, now))
	require.False(t, decision.Admitted)
	assert.Equal(t, domain.RejectKillSwitch, decision.Reason)
}

func TestGateRejectsExpiredSignal(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	sig := testSignal("MINT_A", 100, now.Add(-time.Minute))
	decision := gate.Evaluate(context.Background(), sig)
	require.False(t, decision.Admitted)
	assert.Equal(t, domain.RejectExpired, decision.Reason)
}

func TestGateRejectsDevnetWithoutOverride(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	sig := testSignal("MINT_A", 100, now)
	sig.Network = domain.NetworkDevnet
	decision := gate.Evaluate(context.Background(), sig)
	require.False(t, decision.Admitted)
	assert.Equal(t, domain.RejectDevnet, decision.Reason)

	// Explicit enablement admits the same signal.
	cfg := defaultGateConfig()
	cfg.AllowDevnet = true
	gate, _ = testGate(t, cfg, func() time.Time { return now })
	assert.True(t, gate.Evaluate(context.Background(), sig).Admitted)
}

func TestGateRejectsHighSlippageWithoutOverride(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	sig := testSignal("MINT_A", 100, now)
	sig.SlippageBps = 500
	decision := gate.Evaluate(context.Background(), sig)
	require.False(t, decision.Admitted)
	assert.Equal(t, domain.RejectHighSlippage, decision.Reason)

	cfg := defaultGateConfig()
	cfg.UnsafeAllowHighSlippage = true
	gate, _ = testGate(t, cfg, func() time.Time { return now })
	assert.True(t, gate.Evaluate(context.Background(), sig).Admitted)
}

func TestGateRejectsOversizedPosition(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	decision := gate.Evaluate(context.Background(), testSignal("MINT_A", 151, now))
	require.False(t, decision.Admitted)
	assert.Equal(t, domain.RejectPositionSize, decision.Reason)
}

// Two sequential 150 USD trades against a 200 USD daily limit: the first
// reserves 150 leaving 50, so the second must be turned away.
func TestGateBudgetScenario(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	first := gate.Evaluate(context.Background(), testSignal("MINT_A", 150, now))
	require.True(t, first.Admitted)
	assert.Equal(t, 150.0, first.ReservedUSD)
	assert.Equal(t, 50.0, gate.RemainingBudget())

	second := gate.Evaluate(context.Background(), testSignal("MINT_B", 150, now))
	require.False(t, second.Admitted)
	assert.Equal(t, domain.RejectBudget, second.Reason)
}

// Same instrument, 60s cooldown, second signal 10s after the first settles.
func TestGateCooldownScenario(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	first := gate.Evaluate(context.Background(), testSignal("MINT_A", 100, now))
	require.True(t, first.Admitted)
	gate.Finalize(context.Background(), first, true, 5)

	now = now.Add(10 * time.Second)
	second := gate.Evaluate(context.Background(), testSignal("MINT_A", 100, now))
	require.False(t, second.Admitted)
	assert.Equal(t, domain.RejectCooldown, second.Reason)

	now = now.Add(51 * time.Second)
	third := gate.Evaluate(context.Background(), testSignal("MINT_A", 90, now))
	assert.True(t, third.Admitted)
}

func TestGateRejectsBusyInstrument(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := defaultGateConfig()
	cfg.DailyMaxLossUSD = 500
	gate, _ := testGate(t, cfg, func() time.Time { return now })

	first := gate.Evaluate(context.Background(), testSignal("MINT_A", 100, now))
	require.True(t, first.Admitted)

	second := gate.Evaluate(context.Background(), testSignal("MINT_A", 100, now))
	require.False(t, second.Admitted)
	assert.Equal(t, domain.RejectInstrumentBusy, second.Reason)

	// Releasing the lock makes the instrument eligible again (failed attempt,
	// so no cooldown is stamped).
	gate.Finalize(context.Background(), first, false, 0)
	third := gate.Evaluate(context.Background(), testSignal("MINT_A", 100, now))
	assert.True(t, third.Admitted)
}

// Concurrent evaluations for one instrument must admit exactly one.
func TestGateRacingEvaluationsAdmitOne(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := defaultGateConfig()
	cfg.DailyMaxLossUSD = 10000
	cfg.PositionSizeUSD = 100
	gate, _ := testGate(t, cfg, func() time.Time { return now })

	const racers = 32
	var wg sync.WaitGroup
	decisions := make([]*domain.RiskDecision, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i] = gate.Evaluate(context.Background(), testSignal("MINT_A", 50, now))
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, d := range decisions {
		if d.Admitted {
			admitted++
		} else {
			assert.Equal(t, domain.RejectInstrumentBusy, d.Reason)
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestGateFinalizeSettledRealizesLoss(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	decision := gate.Evaluate(context.Background(), testSignal("MINT_A", 150, now))
	require.True(t, decision.Admitted)
	assert.Equal(t, 50.0, gate.RemainingBudget())

	gate.Finalize(context.Background(), decision, true, 30)
	assert.Equal(t, 170.0, gate.RemainingBudget())
	assert.False(t, gate.HoldsLock("MINT_A"))
}

// An attempt whose sent transaction was never confirmed or ruled out may
// still land, so its full notional stays charged against the budget and the
// instrument's cooldown is stamped.
func TestGateFinalizeUnresolvedChargesFullNotional(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	decision := gate.Evaluate(context.Background(), testSignal("MINT_A", 150, now))
	require.True(t, decision.Admitted)

	gate.FinalizeUnresolved(context.Background(), decision)
	assert.Equal(t, 50.0, gate.RemainingBudget())
	assert.False(t, gate.HoldsLock("MINT_A"))

	now = now.Add(10 * time.Second)
	second := gate.Evaluate(context.Background(), testSignal("MINT_A", 50, now))
	require.False(t, second.Admitted)
	assert.Equal(t, domain.RejectCooldown, second.Reason)
}

func TestGateFinalizeUnresolvedIgnoresRejectedDecision(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	decision := gate.Evaluate(context.Background(), testSignal("MINT_A", 151, now))
	require.False(t, decision.Admitted)

	gate.FinalizeUnresolved(context.Background(), decision)
	assert.Equal(t, 200.0, gate.RemainingBudget())
}

func TestGateSeedsFromPersistedState(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate, _ := testGate(t, defaultGateConfig(), func() time.Time { return now })

	gate.SeedRealized(120)
	assert.Equal(t, 80.0, gate.RemainingBudget())

	gate.SeedTradeTimes(map[string]time.Time{"MINT_A": now.Add(-10 * time.Second)})
	decision := gate.Evaluate(context.Background(), testSignal("MINT_A", 50, now))
	require.False(t, decision.Admitted)
	assert.Equal(t, domain.RejectCooldown, decision.Reason)
}
