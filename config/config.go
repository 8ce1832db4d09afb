package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradegate/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Execution mode
	DryRun bool // selects the paper executor when true

	// Risk limits
	PositionSizeUSD float64 // per-trade proposed size cap
	DailyMaxLossUSD float64 // daily loss budget ceiling
	MaxSlippageBps  int     // slippage bound enforced pre-send
	Cooldown        time.Duration

	// Safety posture. These must be explicitly enabled; absence rejects any
	// signal or configuration that would require them.
	AllowDevnet             bool
	UnsafeAllowHighSlippage bool
	PreflightSimulate       bool // when false the simulate stage is skipped

	// Stage budgets
	QuoteTimeout    time.Duration
	BuildTimeout    time.Duration
	SimulateTimeout time.Duration
	SendTimeout     time.Duration
	ConfirmTimeout  time.Duration
	OverallTimeout  time.Duration
	MaxStageRetries int

	// Endpoints
	RPCURL         string
	AggregatorBase string
	FeedBase       string

	// Signal watcher
	Watchlist         []string // instrument mints polled for trade signals
	WatchInterval     time.Duration
	MinLiquidityUSD   float64
	MinVolume5mUSD    float64
	SignalTTL         time.Duration
	SignalSlippageBps int

	// Credentials
	KeypairPathEnc  string
	VaultPassphrase string

	// Kill switch
	HaltFile       string
	KillSwitchPoll time.Duration

	// Alerts
	TelegramBotToken string
	TelegramAdminIDs []int64

	// Database
	DBPath string

	// Observability
	MetricsAddr string
	LogLevel    logger.LogLevel
}

// Endpoint labels used for the live-mode safety contradiction checks.
func looksDevnet(url string) bool {
	return strings.Contains(url, "localhost") ||
		strings.Contains(url, "127.0.0.1") ||
		strings.Contains(url, "devnet")
}

func looksMainnet(url string) bool {
	return strings.Contains(url, "mainnet")
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Execution mode. Default to dry run for safety.
	cfg.DryRun = getEnvAsBool("DRY_RUN", true)

	// Risk limits
	cfg.PositionSizeUSD, err = getEnvAsFloatRequired("POSITION_SIZE_USD", 50.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid POSITION_SIZE_USD: %v", err))
	} else if cfg.PositionSizeUSD <= 0 {
		errs = append(errs, "POSITION_SIZE_USD must be positive")
	}

	cfg.DailyMaxLossUSD, err = getEnvAsFloatRequired("DAILY_MAX_LOSS_USD", 200.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DAILY_MAX_LOSS_USD: %v", err))
	} else if cfg.DailyMaxLossUSD <= 0 {
		errs = append(errs, "DAILY_MAX_LOSS_USD must be positive")
	}

	if cfg.PositionSizeUSD > cfg.DailyMaxLossUSD {
		errs = append(errs, "POSITION_SIZE_USD cannot exceed DAILY_MAX_LOSS_USD; a single trade could breach the daily limit")
	}

	cfg.MaxSlippageBps, err = getEnvAsIntRequired("MAX_SLIPPAGE_BPS", 100)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_SLIPPAGE_BPS: %v", err))
	} else if cfg.MaxSlippageBps <= 0 {
		errs = append(errs, "MAX_SLIPPAGE_BPS must be positive")
	}

	cooldownSeconds := getEnvAsInt("COOLDOWN_SECONDS", 60)
	if cooldownSeconds < 0 {
		errs = append(errs, "COOLDOWN_SECONDS cannot be negative")
	}
	cfg.Cooldown = time.Duration(cooldownSeconds) * time.Second

	// Safety posture
	cfg.AllowDevnet = getEnvAsBool("ALLOW_DEVNET", false)
	cfg.UnsafeAllowHighSlippage = getEnvAsBool("UNSAFE_ALLOW_HIGH_SLIPPAGE", false)
	cfg.PreflightSimulate = getEnvAsBool("PREFLIGHT_SIMULATE", true)

	if cfg.MaxSlippageBps > 1000 && !cfg.UnsafeAllowHighSlippage {
		errs = append(errs, fmt.Sprintf("MAX_SLIPPAGE_BPS %d exceeds 10%%; set UNSAFE_ALLOW_HIGH_SLIPPAGE=true to override (UNSAFE)", cfg.MaxSlippageBps))
	}

	// Stage budgets. Defaults target a ~10s end-to-end round trip.
	cfg.QuoteTimeout = getEnvAsMillis("QUOTE_TIMEOUT_MS", 2000)
	cfg.BuildTimeout = getEnvAsMillis("BUILD_TIMEOUT_MS", 1000)
	cfg.SimulateTimeout = getEnvAsMillis("SIMULATE_TIMEOUT_MS", 3000)
	cfg.SendTimeout = getEnvAsMillis("SEND_TIMEOUT_MS", 5000)
	cfg.ConfirmTimeout = getEnvAsMillis("CONFIRM_TIMEOUT_MS", 30000)
	cfg.OverallTimeout = getEnvAsMillis("OVERALL_TIMEOUT_MS", 10000)
	for _, d := range []time.Duration{cfg.QuoteTimeout, cfg.BuildTimeout, cfg.SimulateTimeout, cfg.SendTimeout, cfg.ConfirmTimeout, cfg.OverallTimeout} {
		if d <= 0 {
			errs = append(errs, "stage timeouts must be positive")
			break
		}
	}

	cfg.MaxStageRetries = getEnvAsInt("MAX_STAGE_RETRIES", 3)
	if cfg.MaxStageRetries < 1 {
		errs = append(errs, "MAX_STAGE_RETRIES must be at least 1")
	}

	// Endpoints
	cfg.RPCURL = getEnv("RPC_URL", "")
	cfg.AggregatorBase = getEnv("AGGREGATOR_BASE", "https://quote-api.jup.ag/v6")
	cfg.FeedBase = getEnv("FEED_BASE", "https://api.dexscreener.com/latest/dex")

	// Signal watcher
	if list := getEnv("WATCHLIST", ""); list != "" {
		for _, part := range strings.Split(list, ",") {
			if mint := strings.TrimSpace(part); mint != "" {
				cfg.Watchlist = append(cfg.Watchlist, mint)
			}
		}
	}
	watchSeconds := getEnvAsInt("WATCH_INTERVAL_SECONDS", 15)
	if watchSeconds <= 0 {
		errs = append(errs, "WATCH_INTERVAL_SECONDS must be positive")
	}
	cfg.WatchInterval = time.Duration(watchSeconds) * time.Second
	cfg.MinLiquidityUSD, err = getEnvAsFloatRequired("MIN_LIQUIDITY_USD", 50000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_LIQUIDITY_USD: %v", err))
	}
	cfg.MinVolume5mUSD, err = getEnvAsFloatRequired("MIN_VOLUME_5M_USD", 10000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_VOLUME_5M_USD: %v", err))
	}
	cfg.SignalTTL = getEnvAsMillis("SIGNAL_TTL_MS", 30000)
	if cfg.SignalTTL <= 0 {
		errs = append(errs, "SIGNAL_TTL_MS must be positive")
	}
	cfg.SignalSlippageBps = getEnvAsInt("SIGNAL_SLIPPAGE_BPS", 50)

	// Credentials (live mode only)
	cfg.KeypairPathEnc = getEnv("KEYPAIR_PATH_ENC", "")
	cfg.VaultPassphrase = getEnv("VAULT_PASSPHRASE", "")

	if !cfg.DryRun {
		if cfg.RPCURL == "" {
			errs = append(errs, "RPC_URL must be set for live trading")
		}
		if cfg.KeypairPathEnc == "" {
			errs = append(errs, "KEYPAIR_PATH_ENC must be set for live trading")
		}
		if cfg.VaultPassphrase == "" {
			errs = append(errs, "VAULT_PASSPHRASE must be set for live trading")
		}

		// Safety contradiction checks. Live trading against a devnet-looking
		// endpoint needs ALLOW_DEVNET; ALLOW_DEVNET against a
		// production-labeled endpoint is a contradiction and is rejected
		// rather than silently resolved.
		if looksDevnet(cfg.RPCURL) && !cfg.AllowDevnet {
			errs = append(errs, fmt.Sprintf("live trading against devnet-looking RPC %q requires ALLOW_DEVNET=true (UNSAFE)", cfg.RPCURL))
		}
		if cfg.AllowDevnet && looksMainnet(cfg.RPCURL) {
			errs = append(errs, fmt.Sprintf("ALLOW_DEVNET=true with production-labeled RPC %q is contradictory", cfg.RPCURL))
		}
	}

	// Kill switch
	cfg.HaltFile = getEnv("HALT_FILE", "./data/HALT")
	pollSeconds := getEnvAsInt("KILL_SWITCH_POLL_SECONDS", 2)
	if pollSeconds <= 0 {
		errs = append(errs, "KILL_SWITCH_POLL_SECONDS must be positive")
	}
	cfg.KillSwitchPoll = time.Duration(pollSeconds) * time.Second

	// Alerts
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	if ids := getEnv("TELEGRAM_ADMIN_IDS", ""); ids != "" {
		for _, part := range strings.Split(ids, ",") {
			id, perr := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if perr != nil {
				errs = append(errs, fmt.Sprintf("invalid TELEGRAM_ADMIN_IDS entry %q", part))
				continue
			}
			cfg.TelegramAdminIDs = append(cfg.TelegramAdminIDs, id)
		}
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/tradegate.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Observability
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9105")
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}
