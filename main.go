package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradegate/config"
	"tradegate/internal/adapters/aggregator"
	"tradegate/internal/adapters/dexscreener"
	"tradegate/internal/adapters/logger"
	"tradegate/internal/adapters/sqlite"
	"tradegate/internal/adapters/telegram"
	"tradegate/internal/adapters/watcher"
	"tradegate/internal/app"
	"tradegate/internal/executor"
	"tradegate/internal/killswitch"
	"tradegate/internal/pipeline"
	"tradegate/internal/ports"
	"tradegate/internal/risk"
	"tradegate/internal/vault"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{
		"level":  cfg.LogLevel.String(),
		"dryRun": cfg.DryRun,
	})

	// 3. Initialize Repository
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()

	// 4. Initialize Kill Switch and its pollers. The persisted halt override
	// is honored before anything else starts.
	ks := killswitch.New(appLogger)
	ksPoller := killswitch.NewPoller(ks, cfg.HaltFile, cfg.KillSwitchPoll, appLogger)
	ksPoller.CheckStartupOverride(ctx)

	// 5. Initialize the feed and the executor variant. Live mode requires a
	// working vault; failing to decrypt the signing key aborts startup.
	feed := dexscreener.New(cfg.FeedBase, 10*time.Second, appLogger)

	var exec ports.Executor
	if cfg.DryRun {
		exec = executor.NewPaper(executor.PaperConfig{
			MaxSlippageBps:          cfg.MaxSlippageBps,
			UnsafeAllowHighSlippage: cfg.UnsafeAllowHighSlippage,
		}, feed, appLogger, nil)
		appLogger.Info(ctx, "Paper executor initialized")
	} else {
		v, err := vault.Open(cfg.KeypairPathEnc, cfg.VaultPassphrase)
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Credential vault cannot decrypt the signing key")
			log.Fatalf("FATAL: Credential vault cannot decrypt the signing key: %v", err)
		}
		defer v.Close()

		exec, err = aggregator.New(aggregator.Config{
			AggregatorBase:          cfg.AggregatorBase,
			RPCURL:                  cfg.RPCURL,
			MaxSlippageBps:          cfg.MaxSlippageBps,
			UnsafeAllowHighSlippage: cfg.UnsafeAllowHighSlippage,
			Logger:                  appLogger,
			Signer:                  v,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize live executor")
			log.Fatalf("FATAL: Failed to initialize live executor: %v", err)
		}
		appLogger.Info(ctx, "Live executor initialized", map[string]interface{}{"rpc": cfg.RPCURL})
	}

	// 6. Risk gate and execution coordinator
	gate := risk.NewGate(risk.GateConfig{
		PositionSizeUSD:         cfg.PositionSizeUSD,
		DailyMaxLossUSD:         cfg.DailyMaxLossUSD,
		MaxSlippageBps:          cfg.MaxSlippageBps,
		Cooldown:                cfg.Cooldown,
		AllowDevnet:             cfg.AllowDevnet,
		UnsafeAllowHighSlippage: cfg.UnsafeAllowHighSlippage,
	}, ks, appLogger, nil)

	coordinator := pipeline.New(pipeline.Config{
		QuoteTimeout:      cfg.QuoteTimeout,
		BuildTimeout:      cfg.BuildTimeout,
		SimulateTimeout:   cfg.SimulateTimeout,
		SendTimeout:       cfg.SendTimeout,
		ConfirmTimeout:    cfg.ConfirmTimeout,
		OverallTimeout:    cfg.OverallTimeout,
		MaxStageRetries:   cfg.MaxStageRetries,
		PreflightSimulate: cfg.PreflightSimulate,
	}, exec, ks, repo, appLogger, nil)

	// 7. Alerts, signal watcher, and the service
	alerts := telegram.NewSink(cfg.TelegramBotToken, cfg.TelegramAdminIDs, appLogger)

	sigWatcher := watcher.New(watcher.Config{
		Watchlist:       cfg.Watchlist,
		Interval:        cfg.WatchInterval,
		MinLiquidityUSD: cfg.MinLiquidityUSD,
		MinVolume5mUSD:  cfg.MinVolume5mUSD,
		NotionalUSD:     cfg.PositionSizeUSD,
		SlippageBps:     cfg.SignalSlippageBps,
		SignalTTL:       cfg.SignalTTL,
	}, feed, appLogger)

	service, err := app.NewService(appLogger, gate, coordinator, repo, exec, ks, alerts, sigWatcher, cfg.Cooldown)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize service")
		log.Fatalf("FATAL: Failed to initialize service: %v", err)
	}

	// 8. Background loops: kill-switch polling, operator commands, signal
	// watching, and the metrics endpoint.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ksPoller.Run(runCtx)
	go sigWatcher.Run(runCtx)

	cmdPoller := telegram.NewCommandPoller(alerts, ks, service.Status, appLogger)
	go cmdPoller.Run(runCtx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		appLogger.Info(runCtx, "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			appLogger.Error(runCtx, err, "Metrics endpoint stopped")
		}
	}()

	// 9. Run until shutdown
	if err := service.Start(runCtx); err != nil {
		appLogger.Error(ctx, err, "Service exited with error")
		log.Fatalf("FATAL: Service exited with error: %v", err)
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}
