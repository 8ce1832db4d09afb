package risk

import (
	"time"
)

// Ledger is the in-memory accounting of spent daily-loss budget and
// per-instrument last-trade timestamps. It is a pure accounting structure:
// serialization is owned by the Gate, which is the only mutator.
//
// Budget convention: reserved and realized are both expressed as loss in USD.
// A profitable settlement realizes a negative amount and frees budget.
type Ledger struct {
	dailyLimitUSD float64
	cooldown      time.Duration
	nowFn         func() time.Time

	dayStart    time.Time // UTC midnight of the current accounting day
	reservedUSD float64
	realizedUSD float64
	lastTrade   map[string]time.Time
}

// NewLedger creates a ledger. nowFn defaults to time.Now and exists for tests.
func NewLedger(dailyLimitUSD float64, cooldown time.Duration, nowFn func() time.Time) *Ledger {
	if nowFn == nil {
		nowFn = time.Now
	}
	l := &Ledger{
		dailyLimitUSD: dailyLimitUSD,
		cooldown:      cooldown,
		nowFn:         nowFn,
		lastTrade:     make(map[string]time.Time),
	}
	l.dayStart = utcDayStart(l.nowFn())
	return l
}

func utcDayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// rolloverIfNeeded resets the daily totals at the UTC day boundary.
// Cooldown timestamps survive the boundary.
func (l *Ledger) rolloverIfNeeded() {
	day := utcDayStart(l.nowFn())
	if day.After(l.dayStart) {
		l.reservedUSD = 0
		l.realizedUSD = 0
		l.dayStart = day
	}
}

// RemainingBudget returns the unspent portion of the daily loss limit:
// limit minus reserved minus realized loss for the current UTC day.
func (l *Ledger) RemainingBudget() float64 {
	l.rolloverIfNeeded()
	return l.dailyLimitUSD - l.reservedUSD - l.realizedUSD
}

// Reserve optimistically charges amount against the daily budget.
func (l *Ledger) Reserve(amount float64) {
	l.rolloverIfNeeded()
	l.reservedUSD += amount
}

// Release returns a reservation to the budget.
func (l *Ledger) Release(amount float64) {
	l.rolloverIfNeeded()
	l.reservedUSD -= amount
	if l.reservedUSD < 0 {
		l.reservedUSD = 0
	}
}

// Realize records the actual loss (positive) or gain (negative) of a settled
// trade. Callers release the matching reservation separately.
func (l *Ledger) Realize(amount float64) {
	l.rolloverIfNeeded()
	l.realizedUSD += amount
}

// RecordTradeTime stamps the instrument's cooldown clock.
func (l *Ledger) RecordTradeTime(instrument string) {
	l.lastTrade[instrument] = l.nowFn()
}

// SeedTradeTime restores a cooldown timestamp from persisted state.
func (l *Ledger) SeedTradeTime(instrument string, at time.Time) {
	l.lastTrade[instrument] = at
}

// CooldownRemaining returns how long the instrument must still wait.
// An instrument with no recorded trade is immediately eligible.
func (l *Ledger) CooldownRemaining(instrument string) time.Duration {
	last, ok := l.lastTrade[instrument]
	if !ok {
		return 0
	}
	remaining := l.cooldown - l.nowFn().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
