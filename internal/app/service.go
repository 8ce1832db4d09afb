// Package app wires the admission gate, the execution coordinator, and the
// persistence and alerting collaborators into the running service.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/killswitch"
	"tradegate/internal/pipeline"
	"tradegate/internal/ports"
	"tradegate/internal/risk"
)

// Service consumes trade signals, gates them, and dispatches admitted ones to
// the coordinator. One goroutine per admitted signal; the gate's instrument
// locks bound the concurrency per instrument to one.
type Service struct {
	logger      ports.Logger
	gate        *risk.Gate
	coordinator *pipeline.Coordinator
	repo        ports.AttemptRepository
	exec        ports.Executor
	ks          *killswitch.Switch
	alerts      ports.AlertSink
	signals     ports.SignalSource
	cooldown    time.Duration

	wg sync.WaitGroup
}

// NewService creates the orchestrating service.
func NewService(
	logger ports.Logger,
	gate *risk.Gate,
	coordinator *pipeline.Coordinator,
	repo ports.AttemptRepository,
	exec ports.Executor,
	ks *killswitch.Switch,
	alerts ports.AlertSink,
	signals ports.SignalSource,
	cooldown time.Duration,
) (*Service, error) {
	if logger == nil || gate == nil || coordinator == nil || repo == nil || exec == nil || ks == nil || alerts == nil || signals == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	return &Service{
		logger:      logger,
		gate:        gate,
		coordinator: coordinator,
		repo:        repo,
		exec:        exec,
		ks:          ks,
		alerts:      alerts,
		signals:     signals,
		cooldown:    cooldown,
	}, nil
}

// Start reconciles persisted state, then consumes signals until the context
// is cancelled, a shutdown signal arrives, or the source closes its channel.
// In-flight attempts are drained before Start returns.
func (s *Service) Start(ctx context.Context) error {
	op := "app.Service.Start"
	s.logger.Info(ctx, "Starting service", map[string]interface{}{"op": op})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Persisted state must be replayed before the first admission.
	if err := s.reconcile(ctx); err != nil {
		s.logger.Error(ctx, err, "Startup reconciliation failed")
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	metricBudgetRemaining.Set(s.gate.RemainingBudget())

	s.logger.Info(ctx, "Accepting signals", map[string]interface{}{"op": op})

intake:
	for {
		select {
		case <-ctx.Done():
			break intake
		case ts, ok := <-s.signals.Signals():
			if !ok {
				s.logger.Info(ctx, "Signal source closed", map[string]interface{}{"op": op})
				break intake
			}
			s.dispatch(ctx, ts)
		}
	}

	s.logger.Info(ctx, "Draining in-flight attempts", map[string]interface{}{"op": op})
	s.wg.Wait()
	s.logger.Info(ctx, "Service stopped", map[string]interface{}{"op": op})
	return nil
}

// dispatch gates one signal and, when admitted, hands it to a dedicated
// coordinator run.
func (s *Service) dispatch(ctx context.Context, sig *domain.TradeSignal) {
	metricSignalsEvaluated.Inc()
	metricKillSwitchState.Set(float64(s.ks.State()))

	decision := s.gate.Evaluate(ctx, sig)
	if !decision.Admitted {
		metricSignalsRejected.WithLabelValues(string(decision.Reason)).Inc()
		s.recordRejection(ctx, sig, decision.Reason)
		return
	}
	metricSignalsAdmitted.Inc()
	metricBudgetRemaining.Set(s.gate.RemainingBudget())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, decision)
	}()
}

// execute runs one admitted decision to its terminal state and reconciles the
// risk ledger with the outcome.
func (s *Service) execute(ctx context.Context, decision *domain.RiskDecision) {
	result := s.coordinator.Run(ctx, decision)
	attempt := result.Attempt

	settled := attempt.State == domain.StateSettled
	if result.Unresolved {
		// The transaction may still land; the gate keeps the notional
		// charged until reconciliation learns its fate.
		s.gate.FinalizeUnresolved(ctx, decision)
	} else {
		s.gate.Finalize(ctx, decision, settled, attempt.RealizedUSD)
	}
	metricBudgetRemaining.Set(s.gate.RemainingBudget())
	for stage, n := range attempt.Retries {
		metricStageRetries.WithLabelValues(string(stage)).Add(float64(n))
	}

	switch {
	case settled:
		metricAttemptsSettled.Inc()
		s.notify(ctx, fmt.Sprintf("settled %s %s for $%.2f at %.6f (cost $%.2f)",
			attempt.Signal.Side, attempt.Signal.Instrument, attempt.Signal.NotionalUSD,
			attempt.FillPriceUSD, attempt.RealizedUSD), false)
	case result.Unresolved:
		metricAttemptsFailed.WithLabelValues(attempt.FailReason).Inc()
		s.notify(ctx, fmt.Sprintf("attempt %s on %s has an UNRESOLVED send (sig %s); operator review required",
			attempt.ID, attempt.Signal.Instrument, attempt.Signature), true)
	default:
		metricAttemptsFailed.WithLabelValues(attempt.FailReason).Inc()
		s.notify(ctx, fmt.Sprintf("attempt %s on %s failed: %s",
			attempt.ID, attempt.Signal.Instrument, attempt.FailReason), false)
	}
}

func (s *Service) notify(ctx context.Context, msg string, urgent bool) {
	var err error
	if urgent {
		err = s.alerts.PushUrgent(ctx, msg)
	} else {
		err = s.alerts.Push(ctx, msg)
	}
	if err != nil {
		s.logger.Error(ctx, err, "Failed to push alert", map[string]interface{}{"urgent": urgent})
	}
}

// recordRejection persists the gate's verdict so rejected signals are
// auditable alongside executed ones.
func (s *Service) recordRejection(ctx context.Context, sig *domain.TradeSignal, reason domain.RejectReason) {
	rec := &ports.AttemptRecord{
		ID:          sig.ID,
		Instrument:  sig.Instrument,
		Side:        sig.Side,
		NotionalUSD: sig.NotionalUSD,
		SignalTime:  sig.CreatedAt,
		Decision:    string(reason),
		State:       domain.StateFailed,
		FailReason:  string(reason),
	}
	if err := s.repo.CreateAttempt(ctx, rec); err != nil {
		s.logger.Error(ctx, err, "Failed to persist rejection record", map[string]interface{}{"signalID": sig.ID})
	}
}

// Status renders a one-line operational summary for operator queries.
func (s *Service) Status() string {
	state := s.ks.State()
	src := s.ks.Source()
	if src == "" {
		src = "n/a"
	}
	return fmt.Sprintf("kill switch: %s (source: %s) | budget remaining: $%.2f",
		state, src, s.gate.RemainingBudget())
}
