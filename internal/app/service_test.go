package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/adapters/logger"
	"tradegate/internal/domain"
	"tradegate/internal/killswitch"
	"tradegate/internal/pipeline"
	"tradegate/internal/ports"
	"tradegate/internal/risk"
)

// Mock implementations

type mockRepo struct {
	mu         sync.Mutex
	unresolved []*ports.AttemptRecord
	realized   float64
	tradeTimes map[string]time.Time
	created    []*ports.AttemptRecord
	updates    []ports.AttemptRecord
}

func (m *mockRepo) CreateAttempt(ctx context.Context, rec *ports.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.created = append(m.created, &cp)
	return nil
}

func (m *mockRepo) UpdateAttempt(ctx context.Context, rec *ports.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, *rec)
	return nil
}

func (m *mockRepo) FindUnresolved(ctx context.Context) ([]*ports.AttemptRecord, error) {
	return m.unresolved, nil
}

func (m *mockRepo) SumRealizedSince(ctx context.Context, since time.Time) (float64, error) {
	return m.realized, nil
}

func (m *mockRepo) LastTradeTimes(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	return m.tradeTimes, nil
}

func (m *mockRepo) updatesFor(id string) []ports.AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.AttemptRecord
	for _, u := range m.updates {
		if u.ID == id {
			out = append(out, u)
		}
	}
	return out
}

type mockExecutor struct {
	confirmFn func(sig domain.Signature) (*domain.Confirmation, error)
}

func (m *mockExecutor) Quote(ctx context.Context, signal *domain.TradeSignal) (*domain.Quote, error) {
	now := time.Now().UTC()
	return &domain.Quote{
		Instrument:  signal.Instrument,
		Side:        signal.Side,
		InAmountUSD: signal.NotionalUSD,
		PriceUSD:    0.1,
		FetchedAt:   now,
		ExpiresAt:   now.Add(2 * time.Second),
	}, nil
}

func (m *mockExecutor) Build(ctx context.Context, quote *domain.Quote) (*domain.SignedTransaction, error) {
	return &domain.SignedTransaction{Quote: quote, Payload: []byte("tx"), SignedAt: time.Now().UTC()}, nil
}

func (m *mockExecutor) Simulate(ctx context.Context, tx *domain.SignedTransaction) (*domain.Simulation, error) {
	return &domain.Simulation{WouldSucceed: true}, nil
}

func (m *mockExecutor) Send(ctx context.Context, tx *domain.SignedTransaction) (domain.Signature, error) {
	return "sig-live", nil
}

func (m *mockExecutor) Confirm(ctx context.Context, sig domain.Signature) (*domain.Confirmation, error) {
	if m.confirmFn != nil {
		return m.confirmFn(sig)
	}
	return &domain.Confirmation{Status: domain.ConfirmSettled, FillPriceUSD: 0.1, ActualSlippageBps: 20}, nil
}

type mockAlerts struct {
	mu     sync.Mutex
	normal []string
	urgent []string
}

func (m *mockAlerts) Push(ctx context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.normal = append(m.normal, message)
	return nil
}

func (m *mockAlerts) PushUrgent(ctx context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urgent = append(m.urgent, message)
	return nil
}

type mockSignals struct {
	ch chan *domain.TradeSignal
}

func newMockSignals() *mockSignals {
	return &mockSignals{ch: make(chan *domain.TradeSignal, 8)}
}

func (m *mockSignals) Signals() <-chan *domain.TradeSignal { return m.ch }

type fixture struct {
	service *Service
	repo    *mockRepo
	exec    *mockExecutor
	alerts  *mockAlerts
	signals *mockSignals
	gate    *risk.Gate
	ks      *killswitch.Switch
}

func newFixture(t *testing.T, repo *mockRepo) *fixture {
	t.Helper()
	log := logger.NewStdLoggerTo(io.Discard, logger.LevelError)
	ks := killswitch.New(log)
	gate := risk.NewGate(risk.GateConfig{
		PositionSizeUSD: 150,
		DailyMaxLossUSD: 200,
		MaxSlippageBps:  100,
		Cooldown:        time.Minute,
	}, ks, log, nil)
	exec := &mockExecutor{}
	coord := pipeline.New(pipeline.Config{
		QuoteTimeout:        100 * time.Millisecond,
		BuildTimeout:        100 * time.Millisecond,
		SimulateTimeout:     100 * time.Millisecond,
		SendTimeout:         100 * time.Millisecond,
		ConfirmTimeout:      100 * time.Millisecond,
		OverallTimeout:      time.Second,
		ConfirmPollInterval: 5 * time.Millisecond,
		PreflightSimulate:   true,
	}, exec, ks, repo, log, nil)
	alerts := &mockAlerts{}
	signals := newMockSignals()

	service, err := NewService(log, gate, coord, repo, exec, ks, alerts, signals, time.Minute)
	require.NoError(t, err)
	return &fixture{service: service, repo: repo, exec: exec, alerts: alerts, signals: signals, gate: gate, ks: ks}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil, nil, nil, nil, nil, time.Minute)
	assert.Error(t, err)
}

func TestReconcileSeedsLedgerFromPersistedState(t *testing.T) {
	repo := &mockRepo{
		realized:   180,
		tradeTimes: map[string]time.Time{"MINT_A": time.Now().UTC().Add(-10 * time.Second)},
	}
	f := newFixture(t, repo)

	require.NoError(t, f.service.reconcile(context.Background()))

	assert.InDelta(t, 20, f.gate.RemainingBudget(), 1e-9)

	// MINT_A is inside its cooldown window; a fresh instrument is not.
	cooled := domain.NewTradeSignal("MINT_A", domain.Buy, 10, time.Minute)
	rejected := f.gate.Evaluate(context.Background(), cooled)
	require.False(t, rejected.Admitted)
	assert.Equal(t, domain.RejectCooldown, rejected.Reason)

	fresh := domain.NewTradeSignal("MINT_B", domain.Buy, 10, time.Minute)
	admitted := f.gate.Evaluate(context.Background(), fresh)
	assert.True(t, admitted.Admitted)
}

func TestReconcileFailsAttemptThatNeverSent(t *testing.T) {
	repo := &mockRepo{
		unresolved: []*ports.AttemptRecord{{
			ID:          "a-presend",
			Instrument:  "MINT_A",
			Side:        domain.Buy,
			NotionalUSD: 100,
			State:       domain.StateBuilding,
		}},
	}
	f := newFixture(t, repo)

	require.NoError(t, f.service.reconcile(context.Background()))

	updates := repo.updatesFor("a-presend")
	require.Len(t, updates, 1)
	assert.Equal(t, domain.StateFailed, updates[0].State)
	assert.Equal(t, domain.FailCrashBeforeSend, updates[0].FailReason)
	assert.Empty(t, f.alerts.urgent)
	// No funds moved, so the full budget remains.
	assert.InDelta(t, 200, f.gate.RemainingBudget(), 1e-9)
}

// An attempt that sent before the crash and landed on chain is replayed as
// settled exactly once, with its cost charged to today's budget.
func TestReconcileReplaysSettledOrphan(t *testing.T) {
	sentAt := time.Now().UTC().Add(-5 * time.Second)
	repo := &mockRepo{
		unresolved: []*ports.AttemptRecord{{
			ID:          "a-orphan",
			Instrument:  "MINT_A",
			Side:        domain.Buy,
			NotionalUSD: 100,
			State:       domain.StateConfirming,
			Signature:   "sig-orphan",
			UpdatedAt:   sentAt,
		}},
	}
	f := newFixture(t, repo)
	f.exec.confirmFn = func(sig domain.Signature) (*domain.Confirmation, error) {
		require.Equal(t, domain.Signature("sig-orphan"), sig)
		return &domain.Confirmation{Status: domain.ConfirmSettled, FillPriceUSD: 0.1, ActualSlippageBps: 50}, nil
	}

	require.NoError(t, f.service.reconcile(context.Background()))

	updates := repo.updatesFor("a-orphan")
	require.Len(t, updates, 1)
	assert.Equal(t, domain.StateSettled, updates[0].State)
	assert.InDelta(t, 0.50, updates[0].RealizedUSD, 1e-9)

	// The realized cost counts against today's budget and the instrument
	// cooldown is rebuilt from the persisted send time.
	assert.InDelta(t, 199.50, f.gate.RemainingBudget(), 1e-9)
	cooled := f.gate.Evaluate(context.Background(), domain.NewTradeSignal("MINT_A", domain.Buy, 10, time.Minute))
	assert.Equal(t, domain.RejectCooldown, cooled.Reason)
}

func TestReconcileFailsOrphanFailedOnChain(t *testing.T) {
	repo := &mockRepo{
		unresolved: []*ports.AttemptRecord{{
			ID:        "a-reverted",
			State:     domain.StateConfirming,
			Signature: "sig-reverted",
		}},
	}
	f := newFixture(t, repo)
	f.exec.confirmFn = func(domain.Signature) (*domain.Confirmation, error) {
		return &domain.Confirmation{Status: domain.ConfirmFailedOnChain}, nil
	}

	require.NoError(t, f.service.reconcile(context.Background()))

	updates := repo.updatesFor("a-reverted")
	require.Len(t, updates, 1)
	assert.Equal(t, domain.StateFailed, updates[0].State)
	assert.Equal(t, domain.FailOnChain, updates[0].FailReason)
	assert.Empty(t, f.alerts.urgent)
}

func TestReconcileAlertsOnUnresolvableOrphan(t *testing.T) {
	repo := &mockRepo{
		unresolved: []*ports.AttemptRecord{{
			ID:        "a-unknown",
			State:     domain.StateSending,
			Signature: "sig-unknown",
		}},
	}
	f := newFixture(t, repo)
	f.exec.confirmFn = func(domain.Signature) (*domain.Confirmation, error) {
		return nil, fmt.Errorf("%w: status endpoint down", ports.ErrTransient)
	}

	require.NoError(t, f.service.reconcile(context.Background()))

	updates := repo.updatesFor("a-unknown")
	require.Len(t, updates, 1)
	assert.Equal(t, domain.StateFailed, updates[0].State)
	assert.Equal(t, domain.FailSendUnresolved, updates[0].FailReason)
	require.Len(t, f.alerts.urgent, 1)
	assert.Contains(t, f.alerts.urgent[0], "sig-unknown")
}

func TestDispatchRecordsRejections(t *testing.T) {
	repo := &mockRepo{}
	f := newFixture(t, repo)

	oversized := domain.NewTradeSignal("MINT_A", domain.Buy, 500, time.Minute)
	f.service.dispatch(context.Background(), oversized)

	require.Len(t, repo.created, 1)
	assert.Equal(t, oversized.ID, repo.created[0].ID)
	assert.Equal(t, string(domain.RejectPositionSize), repo.created[0].Decision)
	assert.Equal(t, domain.StateFailed, repo.created[0].State)
}

// End to end through Start: one admitted signal settles, the ledger is
// finalized, and an alert goes out.
func TestStartProcessesSignalAndDrains(t *testing.T) {
	repo := &mockRepo{}
	f := newFixture(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.service.Start(ctx) }()

	f.signals.ch <- domain.NewTradeSignal("MINT_A", domain.Buy, 100, time.Minute)

	require.Eventually(t, func() bool {
		f.alerts.mu.Lock()
		defer f.alerts.mu.Unlock()
		return len(f.alerts.normal) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	f.alerts.mu.Lock()
	assert.Contains(t, f.alerts.normal[0], "settled")
	f.alerts.mu.Unlock()

	// 20bps on a 100 USD notional costs 0.20 USD.
	assert.InDelta(t, 199.80, f.gate.RemainingBudget(), 1e-9)
	assert.False(t, f.gate.HoldsLock("MINT_A"))
}

// A send whose fate never resolves keeps its full notional charged against
// the budget and raises an urgent alert; reconciliation on the next startup
// learns the transaction's real fate.
func TestExecuteUnresolvedSendKeepsNotionalCharged(t *testing.T) {
	repo := &mockRepo{}
	f := newFixture(t, repo)
	f.exec.confirmFn = func(domain.Signature) (*domain.Confirmation, error) {
		return &domain.Confirmation{Status: domain.ConfirmPending}, nil
	}

	signal := domain.NewTradeSignal("MINT_A", domain.Buy, 100, time.Minute)
	decision := f.gate.Evaluate(context.Background(), signal)
	require.True(t, decision.Admitted)

	f.service.execute(context.Background(), decision)

	require.Len(t, f.alerts.urgent, 1)
	assert.Contains(t, f.alerts.urgent[0], "UNRESOLVED")

	// Full notional charged, instrument unlocked but cooling down.
	assert.InDelta(t, 100, f.gate.RemainingBudget(), 1e-9)
	assert.False(t, f.gate.HoldsLock("MINT_A"))
	cooled := f.gate.Evaluate(context.Background(), domain.NewTradeSignal("MINT_A", domain.Buy, 10, time.Minute))
	require.False(t, cooled.Admitted)
	assert.Equal(t, domain.RejectCooldown, cooled.Reason)
}

func TestStartStopsWhenSourceCloses(t *testing.T) {
	repo := &mockRepo{}
	f := newFixture(t, repo)

	done := make(chan error, 1)
	go func() { done <- f.service.Start(context.Background()) }()

	close(f.signals.ch)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after the signal source closed")
	}
}

func TestStatusSummarizesPosture(t *testing.T) {
	repo := &mockRepo{}
	f := newFixture(t, repo)

	status := f.service.Status()
	assert.Contains(t, status, "armed")
	assert.Contains(t, status, "$200.00")

	f.ks.Trip(context.Background(), "operator:test")
	status = f.service.Status()
	assert.Contains(t, status, "tripped")
	assert.Contains(t, status, "operator:test")
}
