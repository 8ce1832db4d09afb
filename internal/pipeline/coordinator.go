// Package pipeline drives one admitted trade through the execution state
// machine: Quoting, Building, Simulating, Sending, Confirming, and finally
// Settled or Failed. Each attempt is owned by exactly one Run call and is
// persisted at every transition so a crash can be reconciled on restart.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"tradegate/internal/domain"
	"tradegate/internal/killswitch"
	"tradegate/internal/ports"
)

// Config holds the per-stage time budgets and retry bounds.
type Config struct {
	QuoteTimeout    time.Duration
	BuildTimeout    time.Duration
	SimulateTimeout time.Duration
	SendTimeout     time.Duration
	// ConfirmTimeout bounds the total confirmation/resolution polling per
	// sent transaction.
	ConfirmTimeout time.Duration
	// OverallTimeout bounds the pre-send stages of one transaction cycle.
	// It never cuts off an attempt whose funds are already at risk.
	OverallTimeout      time.Duration
	ConfirmPollInterval time.Duration
	MaxStageRetries     int
	// PreflightSimulate gates the simulate stage. Skipping it trades safety
	// for latency and must be an explicit choice.
	PreflightSimulate bool
}

// Coordinator executes admitted decisions.
type Coordinator struct {
	cfg    Config
	exec   ports.Executor
	ks     *killswitch.Switch
	repo   ports.AttemptRepository
	logger ports.Logger
	nowFn  func() time.Time
}

// New creates a coordinator. A nil nowFn defaults to time.Now.
func New(cfg Config, exec ports.Executor, ks *killswitch.Switch, repo ports.AttemptRepository, logger ports.Logger, nowFn func() time.Time) *Coordinator {
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	if cfg.MaxStageRetries < 1 {
		cfg.MaxStageRetries = 3
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Coordinator{cfg: cfg, exec: exec, ks: ks, repo: repo, logger: logger, nowFn: nowFn}
}

// Run carries one admitted decision to a terminal state. It always returns a
// terminal result; errors along the way are folded into the attempt's fail
// reason. The caller finalizes the risk decision with the outcome.
func (c *Coordinator) Run(ctx context.Context, decision *domain.RiskDecision) *domain.Result {
	op := "pipeline.Coordinator.Run"
	attempt := &domain.Attempt{
		ID:          uuid.NewString(),
		Signal:      decision.Signal,
		ReservedUSD: decision.ReservedUSD,
		State:       domain.StateQuoting,
		StartedAt:   c.nowFn().UTC(),
		Retries:     make(map[domain.AttemptState]int),
	}
	c.logger.Info(ctx, "Execution attempt started", map[string]interface{}{
		"op":         op,
		"attemptID":  attempt.ID,
		"signalID":   decision.Signal.ID,
		"instrument": decision.Signal.Instrument,
		"side":       string(decision.Signal.Side),
		"notional":   decision.Signal.NotionalUSD,
	})

	if err := c.repo.CreateAttempt(ctx, recordOf(attempt)); err != nil {
		// Without a persisted record a crash could not be reconciled, so no
		// funds-moving stage may run.
		c.logger.Error(ctx, err, "Failed to persist new attempt, aborting before any venue call", map[string]interface{}{"attemptID": attempt.ID})
		attempt.LastErr = err.Error()
		return c.fail(ctx, attempt, domain.FailStorage, false)
	}

	// Each iteration is one transaction cycle: quote, build, simulate, send.
	// A cycle repeats only when the previous send definitively did not land.
	for cycle := 0; ; cycle++ {
		result, retry := c.runCycle(ctx, attempt)
		if !retry {
			return result
		}
		if cycle+1 >= c.cfg.MaxStageRetries {
			attempt.LastErr = "send retries exhausted"
			return c.fail(ctx, attempt, domain.FailRetriesExhausted, true)
		}
		attempt.Retries[domain.StateSending]++
		attempt.Signature = "" // previous send is definitively dead
		c.logger.Warn(ctx, "Transaction did not land, rebuilding with a fresh quote", map[string]interface{}{
			"attemptID": attempt.ID,
			"cycle":     cycle + 1,
		})
	}
}

// runCycle executes one full transaction cycle. retry is true only when the
// sent transaction definitively did not land and a fresh cycle is permitted.
func (c *Coordinator) runCycle(ctx context.Context, attempt *domain.Attempt) (result *domain.Result, retry bool) {
	// The overall budget covers the pre-send stages only. Once funds may be
	// at risk the attempt gets whatever time resolution needs.
	preCtx, cancelPre := context.WithTimeout(ctx, c.cfg.OverallTimeout)
	defer cancelPre()

	var quote *domain.Quote
	if err := c.transition(ctx, attempt, domain.StateQuoting); err != nil {
		return c.fail(ctx, attempt, domain.FailStorage, true), false
	}
	err := c.runStage(preCtx, attempt, c.cfg.QuoteTimeout, func(stageCtx context.Context) error {
		q, stageErr := c.exec.Quote(stageCtx, attempt.Signal)
		if stageErr == nil {
			quote = q
		}
		return stageErr
	})
	if err != nil {
		return c.fail(ctx, attempt, failReasonFor(err), true), false
	}

	var tx *domain.SignedTransaction
	if err := c.transition(ctx, attempt, domain.StateBuilding); err != nil {
		return c.fail(ctx, attempt, domain.FailStorage, true), false
	}
	err = c.runStage(preCtx, attempt, c.cfg.BuildTimeout, func(stageCtx context.Context) error {
		t, stageErr := c.exec.Build(stageCtx, quote)
		if stageErr == nil {
			tx = t
		}
		return stageErr
	})
	if err != nil {
		return c.fail(ctx, attempt, failReasonFor(err), true), false
	}

	if c.cfg.PreflightSimulate {
		if err := c.transition(ctx, attempt, domain.StateSimulating); err != nil {
			return c.fail(ctx, attempt, domain.FailStorage, true), false
		}
		err = c.runStage(preCtx, attempt, c.cfg.SimulateTimeout, func(stageCtx context.Context) error {
			sim, stageErr := c.exec.Simulate(stageCtx, tx)
			if stageErr != nil {
				return stageErr
			}
			if !sim.WouldSucceed {
				return fmt.Errorf("%w: %s", ports.ErrWouldRevert, sim.RevertReason)
			}
			return nil
		})
		if err != nil {
			return c.fail(ctx, attempt, failReasonFor(err), true), false
		}
	}

	// Point of no return. The switch must be armed at the instant the send
	// is committed to, and the sending state must be durable before the
	// venue call so a crash mid-send is visible to reconciliation.
	if !c.ks.Armed() {
		attempt.LastErr = ports.ErrHalted.Error()
		return c.fail(ctx, attempt, domain.FailKillSwitch, true), false
	}
	if err := c.transition(ctx, attempt, domain.StateSending); err != nil {
		return c.fail(ctx, attempt, domain.FailStorage, true), false
	}

	c.ks.EnterSend()
	defer c.ks.ExitSend()

	sendCtx, cancelSend := context.WithTimeout(ctx, c.cfg.SendTimeout)
	sig, sendErr := c.exec.Send(sendCtx, tx)
	cancelSend()

	switch {
	case sendErr == nil:
		// Accepted by the venue; fall through to confirmation.
	case errors.Is(sendErr, ports.ErrSendUnresolved) && sig != "":
		// Ambiguous: the transaction may have reached the network. Resolve
		// its fate by signature before anything else.
		attempt.LastErr = sendErr.Error()
	case ports.IsTransient(sendErr):
		// The venue answered and did not accept the submission. Nothing
		// landed; a fresh cycle may try again.
		attempt.LastErr = sendErr.Error()
		return nil, true
	default:
		attempt.LastErr = sendErr.Error()
		return c.fail(ctx, attempt, failReasonFor(sendErr), true), false
	}

	// The signature is durable before any confirmation poll: from here on a
	// crash leaves enough behind to resolve the send's fate on restart.
	attempt.Signature = sig
	if err := c.transition(ctx, attempt, domain.StateConfirming); err != nil {
		c.logger.Error(ctx, err, "Failed to persist signature before confirmation", map[string]interface{}{
			"attemptID": attempt.ID,
			"signature": string(sig),
		})
	}

	return c.resolve(ctx, attempt)
}

// resolve polls the signature's status until it settles, definitively fails,
// definitively never landed, or the resolution budget runs out.
func (c *Coordinator) resolve(ctx context.Context, attempt *domain.Attempt) (result *domain.Result, retry bool) {
	deadline := c.nowFn().Add(c.cfg.ConfirmTimeout)
	answered := false      // at least one poll got a status back
	pollFailed := false    // at least one poll never got an answer
	seenOnNetwork := false // the network acknowledged the signature

	for {
		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmPollInterval)
		conf, err := c.exec.Confirm(pollCtx, attempt.Signature)
		cancel()

		if err != nil {
			pollFailed = true
			c.logger.Warn(ctx, "Confirmation poll failed", map[string]interface{}{
				"attemptID": attempt.ID,
				"signature": string(attempt.Signature),
				"error":     err.Error(),
			})
		} else {
			answered = true
			switch conf.Status {
			case domain.ConfirmSettled:
				return c.settle(ctx, attempt, conf), false
			case domain.ConfirmFailedOnChain:
				attempt.LastErr = "transaction failed on chain"
				return c.fail(ctx, attempt, domain.FailOnChain, true), false
			case domain.ConfirmPending:
				seenOnNetwork = true
			case domain.ConfirmNotFound:
				// Not definitive on its own; only a full budget of
				// not-found answers proves the send never landed.
			}
		}

		if !c.nowFn().Before(deadline) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.ConfirmPollInterval):
		}
	}

	if ctx.Err() != nil {
		// Shutdown mid-resolution: leave the record non-terminal so the next
		// startup's reconciliation pass picks it up.
		c.logger.Warn(ctx, "Shutdown during confirmation, leaving attempt for restart reconciliation", map[string]interface{}{
			"attemptID": attempt.ID,
			"signature": string(attempt.Signature),
		})
		attempt.State = domain.StateFailed
		attempt.FailReason = domain.FailSendUnresolved
		attempt.FinishedAt = c.nowFn().UTC()
		return &domain.Result{Attempt: attempt, Unresolved: true}, false
	}

	if answered && !pollFailed && !seenOnNetwork {
		// Every poll across the whole budget answered, and every answer was
		// not-found: the send definitively never landed, so a fresh
		// transaction may be issued. Any failed poll withholds that verdict;
		// an unanswered query proves nothing about the signature's fate.
		return nil, true
	}

	attempt.LastErr = "confirmation budget exhausted without a definitive verdict"
	res := c.fail(ctx, attempt, domain.FailSendUnresolved, true)
	res.Unresolved = true
	return res, false
}

// runStage executes one stage with its own deadline and bounded retries.
// Only transient-class failures retry; deterministic failures surface at
// once. The kill switch is consulted before every try.
func (c *Coordinator) runStage(ctx context.Context, attempt *domain.Attempt, timeout time.Duration, fn func(context.Context) error) error {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	var lastErr error

	for try := 0; try < c.cfg.MaxStageRetries; try++ {
		if try > 0 {
			attempt.Retries[attempt.State]++
			select {
			case <-ctx.Done():
				return joinStageErr(ctx, lastErr)
			case <-time.After(b.Duration()):
			}
		}
		if !c.ks.Armed() {
			return ports.ErrHalted
		}

		// A trip mid-call cancels the pending operation instead of letting
		// it run out its deadline.
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		stageDone := make(chan struct{})
		go func() {
			select {
			case <-c.ks.TripSignal():
				cancel()
			case <-stageDone:
			}
		}()
		err := fn(stageCtx)
		close(stageDone)
		cancel()
		if err == nil {
			return nil
		}
		if !c.ks.Armed() {
			return ports.ErrHalted
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: stage %s exceeded %s", ports.ErrTimeout, attempt.State, timeout)
		}
		lastErr = err
		if ctx.Err() != nil {
			return joinStageErr(ctx, lastErr)
		}
		if !ports.IsTransient(err) {
			return err
		}
		c.logger.Warn(ctx, "Stage failed, will retry", map[string]interface{}{
			"attemptID": attempt.ID,
			"stage":     string(attempt.State),
			"try":       try + 1,
			"error":     err.Error(),
		})
	}
	return fmt.Errorf("%w: %w", errRetriesExhausted, lastErr)
}

var errRetriesExhausted = errors.New("stage retries exhausted")

// joinStageErr reports the outer-context expiry while keeping the last stage
// error visible.
func joinStageErr(ctx context.Context, lastErr error) error {
	if lastErr == nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w (last stage error: %v)", ctx.Err(), lastErr)
}

// failReasonFor maps a stage error onto the recorded failure reason.
func failReasonFor(err error) string {
	switch {
	case errors.Is(err, ports.ErrHalted):
		return domain.FailKillSwitch
	case errors.Is(err, ports.ErrWouldRevert):
		return domain.FailWouldRevert
	case errors.Is(err, ports.ErrSlippageExceeded):
		return domain.FailSlippage
	case errors.Is(err, ports.ErrNoRoute):
		return domain.FailNoRoute
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ports.ErrTimeout):
		return domain.FailStageTimeout
	case errors.Is(err, errRetriesExhausted):
		return domain.FailRetriesExhausted
	default:
		// A deterministic failure outside the taxonomy, surfaced on its
		// first try. Nothing was retried.
		return domain.FailExecution
	}
}

func (c *Coordinator) settle(ctx context.Context, attempt *domain.Attempt, conf *domain.Confirmation) *domain.Result {
	attempt.State = domain.StateSettled
	attempt.FillPriceUSD = conf.FillPriceUSD
	// Realized cost of the fill: slippage and fees expressed against the
	// notional. Position-level profit and loss is the ledger collaborator's
	// concern, not this pipeline's.
	attempt.RealizedUSD = attempt.Signal.NotionalUSD * float64(conf.ActualSlippageBps) / 10000
	attempt.FinishedAt = c.nowFn().UTC()

	if err := c.repo.UpdateAttempt(ctx, recordOf(attempt)); err != nil {
		c.logger.Error(ctx, err, "Failed to persist settled attempt", map[string]interface{}{"attemptID": attempt.ID})
	}
	c.logger.Info(ctx, "Attempt settled", map[string]interface{}{
		"attemptID":   attempt.ID,
		"instrument":  attempt.Signal.Instrument,
		"signature":   string(attempt.Signature),
		"fillPrice":   conf.FillPriceUSD,
		"slippageBps": conf.ActualSlippageBps,
		"realizedUSD": attempt.RealizedUSD,
	})
	return &domain.Result{Attempt: attempt}
}

// fail records a terminal failure. persist is false only when the record
// itself could not be created.
func (c *Coordinator) fail(ctx context.Context, attempt *domain.Attempt, reason string, persist bool) *domain.Result {
	attempt.State = domain.StateFailed
	attempt.FailReason = reason
	attempt.FinishedAt = c.nowFn().UTC()

	if persist {
		if err := c.repo.UpdateAttempt(ctx, recordOf(attempt)); err != nil {
			c.logger.Error(ctx, err, "Failed to persist failed attempt", map[string]interface{}{"attemptID": attempt.ID})
		}
	}
	c.logger.Warn(ctx, "Attempt failed", map[string]interface{}{
		"attemptID":  attempt.ID,
		"instrument": attempt.Signal.Instrument,
		"reason":     reason,
		"lastErr":    attempt.LastErr,
	})
	return &domain.Result{Attempt: attempt}
}

// transition persists a state change. Pre-send transitions must be durable;
// callers abort the attempt when this fails before funds are at risk.
func (c *Coordinator) transition(ctx context.Context, attempt *domain.Attempt, state domain.AttemptState) error {
	attempt.State = state
	if err := c.repo.UpdateAttempt(ctx, recordOf(attempt)); err != nil {
		attempt.LastErr = err.Error()
		return err
	}
	c.logger.Debug(ctx, "Attempt transitioned", map[string]interface{}{
		"attemptID": attempt.ID,
		"state":     string(state),
	})
	return nil
}

func recordOf(attempt *domain.Attempt) *ports.AttemptRecord {
	return &ports.AttemptRecord{
		ID:          attempt.ID,
		Instrument:  attempt.Signal.Instrument,
		Side:        attempt.Signal.Side,
		NotionalUSD: attempt.Signal.NotionalUSD,
		SignalTime:  attempt.Signal.CreatedAt,
		Decision:    "admit",
		ReservedUSD: attempt.ReservedUSD,
		State:       attempt.State,
		Signature:   attempt.Signature,
		RealizedUSD: attempt.RealizedUSD,
		FailReason:  attempt.FailReason,
		CreatedAt:   attempt.StartedAt,
	}
}
