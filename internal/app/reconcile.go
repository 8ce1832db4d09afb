package app

import (
	"context"
	"fmt"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/ports"
)

// reconcile replays persisted state into the fresh in-memory risk ledger and
// resolves any attempt a previous process left non-terminal. It must finish
// before the gate admits a single new signal: a restart must never grant
// budget twice or orphan a sent transaction.
func (s *Service) reconcile(ctx context.Context) error {
	op := "app.Service.reconcile"
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	realized, err := s.repo.SumRealizedSince(ctx, dayStart)
	if err != nil {
		return fmt.Errorf("loading today's realized losses: %w", err)
	}
	s.gate.SeedRealized(realized)

	tradeTimes, err := s.repo.LastTradeTimes(ctx, now.Add(-s.cooldown))
	if err != nil {
		return fmt.Errorf("loading recent trade times: %w", err)
	}
	s.gate.SeedTradeTimes(tradeTimes)

	unresolved, err := s.repo.FindUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("loading unresolved attempts: %w", err)
	}
	s.logger.Info(ctx, "Reconciliation started", map[string]interface{}{
		"op":            op,
		"realizedToday": realized,
		"cooldowns":     len(tradeTimes),
		"unresolved":    len(unresolved),
	})

	for _, rec := range unresolved {
		if rec.Signature == "" {
			// Crashed before anything reached the network: no funds moved.
			rec.State = domain.StateFailed
			rec.FailReason = domain.FailCrashBeforeSend
			if err := s.repo.UpdateAttempt(ctx, rec); err != nil {
				return fmt.Errorf("failing attempt %s: %w", rec.ID, err)
			}
			s.logger.Warn(ctx, "Reconciled attempt that never sent", map[string]interface{}{
				"attemptID": rec.ID, "instrument": rec.Instrument,
			})
			continue
		}
		if err := s.resolveOrphan(ctx, rec); err != nil {
			return err
		}
	}

	s.logger.Info(ctx, "Reconciliation complete", map[string]interface{}{"op": op})
	return nil
}

// resolveOrphan settles the fate of an attempt that had already sent when the
// previous process died, by replaying its idempotent status query.
func (s *Service) resolveOrphan(ctx context.Context, rec *ports.AttemptRecord) error {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conf, err := s.exec.Confirm(queryCtx, rec.Signature)
	cancel()

	switch {
	case err == nil && conf.Status == domain.ConfirmSettled:
		rec.State = domain.StateSettled
		rec.RealizedUSD = rec.NotionalUSD * float64(conf.ActualSlippageBps) / 10000
		s.gate.SeedRealized(rec.RealizedUSD)
		s.gate.SeedTradeTimes(map[string]time.Time{rec.Instrument: rec.UpdatedAt})
		s.logger.Info(ctx, "Reconciled orphaned attempt as settled", map[string]interface{}{
			"attemptID": rec.ID, "signature": string(rec.Signature), "realizedUSD": rec.RealizedUSD,
		})
	case err == nil && conf.Status == domain.ConfirmFailedOnChain:
		rec.State = domain.StateFailed
		rec.FailReason = domain.FailOnChain
		s.logger.Warn(ctx, "Reconciled orphaned attempt as failed on chain", map[string]interface{}{
			"attemptID": rec.ID, "signature": string(rec.Signature),
		})
	default:
		// Still pending, unknown to the network, or the query itself failed:
		// never assume either way. Record it for the operator.
		rec.State = domain.StateFailed
		rec.FailReason = domain.FailSendUnresolved
		msg := fmt.Sprintf("restart found attempt %s (sig %s) with unresolved send; operator review required",
			rec.ID, rec.Signature)
		if alertErr := s.alerts.PushUrgent(ctx, msg); alertErr != nil {
			s.logger.Error(ctx, alertErr, "Failed to push urgent reconciliation alert", map[string]interface{}{"attemptID": rec.ID})
		}
		s.logger.Warn(ctx, "Reconciled orphaned attempt as unresolved", map[string]interface{}{
			"attemptID": rec.ID, "signature": string(rec.Signature),
		})
	}

	if err := s.repo.UpdateAttempt(ctx, rec); err != nil {
		return fmt.Errorf("updating reconciled attempt %s: %w", rec.ID, err)
	}
	return nil
}
