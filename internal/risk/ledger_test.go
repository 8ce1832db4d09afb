package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLedgerReservationArithmetic(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(200, time.Minute, func() time.Time { return now })

	assert.Equal(t, 200.0, l.RemainingBudget())

	l.Reserve(150)
	assert.Equal(t, 50.0, l.RemainingBudget())

	// A failed attempt returns its reservation in full.
	l.Release(150)
	assert.Equal(t, 200.0, l.RemainingBudget())

	// A settled attempt swaps the reservation for the realized loss.
	l.Reserve(150)
	l.Release(150)
	l.Realize(30)
	assert.Equal(t, 170.0, l.RemainingBudget())

	// A profitable settlement frees budget.
	l.Realize(-10)
	assert.Equal(t, 180.0, l.RemainingBudget())

	// Release never drives the reservation negative.
	l.Release(9999)
	assert.Equal(t, 180.0, l.RemainingBudget())
}

func TestLedgerInvariantUnderSequence(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(200, time.Minute, func() time.Time { return now })

	// Simulate a day of admissions: reserve, then settle or fail. At every
	// point reserved + realized must stay within the limit as long as each
	// reservation fit the remaining budget when taken.
	steps := []struct {
		reserve  float64
		realized float64
		settle   bool
	}{
		{50, 20, true},
		{50, 0, false},
		{100, 100, true},
		{80, 15, true},
	}
	for _, step := range steps {
		if step.reserve > l.RemainingBudget() {
			continue
		}
		l.Reserve(step.reserve)
		assert.GreaterOrEqual(t, l.RemainingBudget(), 0.0)
		l.Release(step.reserve)
		if step.settle {
			l.Realize(step.realized)
		}
		assert.GreaterOrEqual(t, l.RemainingBudget(), 0.0)
	}
}

func TestLedgerUTCDayRollover(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC)
	l := NewLedger(200, time.Hour, func() time.Time { return now })

	l.Reserve(120)
	l.Release(120)
	l.Realize(120)
	l.RecordTradeTime("MINT_A")
	assert.Equal(t, 80.0, l.RemainingBudget())

	// Cross the UTC boundary: budget resets, cooldowns do not.
	now = time.Date(2025, 6, 2, 0, 10, 0, 0, time.UTC)
	assert.Equal(t, 200.0, l.RemainingBudget())
	assert.Greater(t, l.CooldownRemaining("MINT_A"), time.Duration(0),
		"cooldown must survive the day rollover")

	// Once the window truly elapses the instrument is eligible again.
	now = now.Add(time.Hour)
	assert.Equal(t, time.Duration(0), l.CooldownRemaining("MINT_A"))
}

func TestLedgerCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(200, 60*time.Second, func() time.Time { return now })

	assert.Equal(t, time.Duration(0), l.CooldownRemaining("MINT_A"))

	l.RecordTradeTime("MINT_A")
	now = now.Add(10 * time.Second)
	assert.Equal(t, 50*time.Second, l.CooldownRemaining("MINT_A"))
	assert.Equal(t, time.Duration(0), l.CooldownRemaining("MINT_B"))

	now = now.Add(51 * time.Second)
	assert.Equal(t, time.Duration(0), l.CooldownRemaining("MINT_A"))
}

func TestLedgerSeedTradeTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(200, time.Minute, func() time.Time { return now })

	l.SeedTradeTime("MINT_A", now.Add(-30*time.Second))
	assert.Equal(t, 30*time.Second, l.CooldownRemaining("MINT_A"))
}
