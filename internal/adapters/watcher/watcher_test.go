package watcher

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/adapters/logger"
	"tradegate/internal/domain"
)

type stubFeed struct {
	snaps map[string]*domain.FeedSnapshot
}

func (f *stubFeed) Snapshot(ctx context.Context, instrument string) (*domain.FeedSnapshot, error) {
	snap, ok := f.snaps[instrument]
	if !ok {
		return nil, fmt.Errorf("no pairs for %s", instrument)
	}
	return snap, nil
}

func testWatcher(feed *stubFeed, watchlist []string) *Watcher {
	return New(Config{
		Watchlist:       watchlist,
		Interval:        5 * time.Millisecond,
		MinLiquidityUSD: 50000,
		MinVolume5mUSD:  10000,
		NotionalUSD:     50,
		SlippageBps:     50,
		SignalTTL:       30 * time.Second,
	}, feed, logger.NewStdLoggerTo(io.Discard, logger.LevelError))
}

func TestWatcherEmitsSignalForHealthyMarket(t *testing.T) {
	feed := &stubFeed{snaps: map[string]*domain.FeedSnapshot{
		"MINT_A": {Instrument: "MINT_A", PriceUSD: 0.5, LiquidityUSD: 80000, Volume5mUSD: 20000},
	}}
	w := testWatcher(feed, []string{"MINT_A"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case sig := <-w.Signals():
		require.NotNil(t, sig)
		assert.Equal(t, "MINT_A", sig.Instrument)
		assert.Equal(t, domain.Buy, sig.Side)
		assert.Equal(t, 50.0, sig.NotionalUSD)
		assert.Equal(t, 50, sig.SlippageBps)
		assert.False(t, sig.Expired(time.Now().UTC()))
	case <-time.After(time.Second):
		t.Fatal("no signal emitted for a market passing all floors")
	}
}

func TestWatcherFiltersThinMarkets(t *testing.T) {
	feed := &stubFeed{snaps: map[string]*domain.FeedSnapshot{
		"MINT_THIN": {Instrument: "MINT_THIN", PriceUSD: 0.5, LiquidityUSD: 1000, Volume5mUSD: 20000},
		"MINT_DEAD": {Instrument: "MINT_DEAD", PriceUSD: 0.5, LiquidityUSD: 80000, Volume5mUSD: 50},
		"MINT_OK":   {Instrument: "MINT_OK", PriceUSD: 0.5, LiquidityUSD: 80000, Volume5mUSD: 20000},
	}}
	w := testWatcher(feed, []string{"MINT_THIN", "MINT_DEAD", "MINT_OK"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case sig := <-w.Signals():
		assert.Equal(t, "MINT_OK", sig.Instrument)
	case <-time.After(time.Second):
		t.Fatal("no signal emitted")
	}
}

func TestWatcherSkipsFailedSnapshots(t *testing.T) {
	feed := &stubFeed{snaps: map[string]*domain.FeedSnapshot{
		"MINT_OK": {Instrument: "MINT_OK", PriceUSD: 0.5, LiquidityUSD: 80000, Volume5mUSD: 20000},
	}}
	w := testWatcher(feed, []string{"MINT_MISSING", "MINT_OK"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case sig := <-w.Signals():
		assert.Equal(t, "MINT_OK", sig.Instrument)
	case <-time.After(time.Second):
		t.Fatal("a failed snapshot must not stop the rest of the watchlist")
	}
}

func TestWatcherClosesChannelOnCancel(t *testing.T) {
	feed := &stubFeed{snaps: map[string]*domain.FeedSnapshot{}}
	w := testWatcher(feed, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	_, ok := <-w.Signals()
	assert.False(t, ok, "signal channel must be closed after Run exits")
}
