package app

import "github.com/prometheus/client_golang/prometheus"

var (
	metricSignalsEvaluated = prometheus.NewCounter(prometheus.CounterOpts{Name: "tradegate_signals_evaluated_total", Help: "Signals run through the admission gate"})
	metricSignalsAdmitted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tradegate_signals_admitted_total", Help: "Signals admitted for execution"})
	metricSignalsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tradegate_signals_rejected_total", Help: "Signals rejected by the gate"}, []string{"reason"})
	metricAttemptsSettled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tradegate_attempts_settled_total", Help: "Attempts that settled on the venue"})
	metricAttemptsFailed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tradegate_attempts_failed_total", Help: "Attempts that ended in failure"}, []string{"reason"})
	metricStageRetries     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tradegate_stage_retries_total", Help: "Stage retries across all attempts"}, []string{"stage"})
	metricKillSwitchState  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tradegate_kill_switch_state", Help: "0=armed, 1=tripped, 2=tripped_draining"})
	metricBudgetRemaining  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tradegate_budget_remaining_usd", Help: "Remaining daily loss budget in USD"})
)

func init() {
	prometheus.MustRegister(
		metricSignalsEvaluated, metricSignalsAdmitted, metricSignalsRejected,
		metricAttemptsSettled, metricAttemptsFailed, metricStageRetries,
		metricKillSwitchState, metricBudgetRemaining,
	)
	metricKillSwitchState.Set(0)
}
