// Package watcher produces trade signals by polling market snapshots for a
// configured watchlist and applying liquidity and volume floors. It is a
// deliberately simple signal source; anything smarter plugs in behind the
// same channel contract.
package watcher

import (
	"context"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/ports"
)

// Config holds the watcher's polling cadence and signal parameters.
type Config struct {
	Watchlist       []string
	Interval        time.Duration
	MinLiquidityUSD float64
	MinVolume5mUSD  float64
	NotionalUSD     float64
	SlippageBps     int
	SignalTTL       time.Duration
}

// Watcher polls a feed and emits buy signals for instruments that pass the
// basic market-quality floors.
type Watcher struct {
	cfg    Config
	feed   ports.FeedSource
	logger ports.Logger
	out    chan *domain.TradeSignal
}

// New creates a watcher. Run must be started for signals to flow.
func New(cfg Config, feed ports.FeedSource, logger ports.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Watcher{
		cfg:    cfg,
		feed:   feed,
		logger: logger,
		out:    make(chan *domain.TradeSignal),
	}
}

// Signals returns the channel signals are published on. It is closed when
// Run exits.
func (w *Watcher) Signals() <-chan *domain.TradeSignal {
	return w.out
}

// Run polls the watchlist until the context is cancelled. The admission gate
// downstream owns all risk decisions; the watcher only judges market quality.
func (w *Watcher) Run(ctx context.Context) {
	op := "watcher.Watcher.Run"
	defer close(w.out)

	if len(w.cfg.Watchlist) == 0 {
		w.logger.Info(ctx, "Watchlist empty, no signals will be produced", map[string]interface{}{"op": op})
		<-ctx.Done()
		return
	}
	w.logger.Info(ctx, "Watcher started", map[string]interface{}{
		"op":        op,
		"watchlist": len(w.cfg.Watchlist),
		"interval":  w.cfg.Interval.String(),
	})

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	for _, mint := range w.cfg.Watchlist {
		snap, err := w.feed.Snapshot(ctx, mint)
		if err != nil {
			w.logger.Warn(ctx, "Feed snapshot failed", map[string]interface{}{
				"instrument": mint,
				"error":      err.Error(),
			})
			continue
		}
		if !w.passes(ctx, snap) {
			continue
		}

		sig := domain.NewTradeSignal(mint, domain.Buy, w.cfg.NotionalUSD, w.cfg.SignalTTL)
		sig.SlippageBps = w.cfg.SlippageBps
		select {
		case w.out <- sig:
			w.logger.Info(ctx, "Signal emitted", map[string]interface{}{
				"signalID":   sig.ID,
				"instrument": mint,
				"priceUSD":   snap.PriceUSD,
			})
		case <-ctx.Done():
			return
		}
	}
}

// passes applies the market-quality floors.
func (w *Watcher) passes(ctx context.Context, snap *domain.FeedSnapshot) bool {
	if snap.LiquidityUSD < w.cfg.MinLiquidityUSD {
		w.logger.Debug(ctx, "Instrument below liquidity floor", map[string]interface{}{
			"instrument":   snap.Instrument,
			"liquidityUSD": snap.LiquidityUSD,
		})
		return false
	}
	if snap.Volume5mUSD < w.cfg.MinVolume5mUSD {
		w.logger.Debug(ctx, "Instrument below volume floor", map[string]interface{}{
			"instrument":  snap.Instrument,
			"volume5mUSD": snap.Volume5mUSD,
		})
		return false
	}
	return true
}
