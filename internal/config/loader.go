package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEEXEC_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEEXEC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Broker credentials are normally injected this way.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEEXEC_MODE")
	setStr(&cfg.LogLevel, "TRADEEXEC_LOG_LEVEL")
	setStr(&cfg.InstanceID, "TRADEEXEC_INSTANCE_ID")

	// ── Risk ──
	setFloat64(&cfg.Risk.StartingCapital, "TRADEEXEC_RISK_STARTING_CAPITAL")
	setFloat64(&cfg.Risk.MaxRiskPerTradePct, "TRADEEXEC_RISK_MAX_RISK_PER_TRADE_PCT")
	setInt(&cfg.Risk.MaxOpenPositions, "TRADEEXEC_RISK_MAX_OPEN_POSITIONS")
	setInt(&cfg.Risk.MaxPositionsPerStrategy, "TRADEEXEC_RISK_MAX_POSITIONS_PER_STRATEGY")
	setFloat64(&cfg.Risk.MaxPositionValue, "TRADEEXEC_RISK_MAX_POSITION_VALUE")
	setFloat64(&cfg.Risk.MaxExposurePct, "TRADEEXEC_RISK_MAX_EXPOSURE_PCT")
	setFloat64(&cfg.Risk.MaxDailyLossAbsolute, "TRADEEXEC_RISK_MAX_DAILY_LOSS_ABSOLUTE")
	setFloat64(&cfg.Risk.MaxDailyLossPct, "TRADEEXEC_RISK_MAX_DAILY_LOSS_PCT")
	setFloat64(&cfg.Risk.MaxDrawdownPct, "TRADEEXEC_RISK_MAX_DRAWDOWN_PCT")
	setInt(&cfg.Risk.ConsecutiveLossLimit, "TRADEEXEC_RISK_CONSECUTIVE_LOSS_LIMIT")
	setDuration(&cfg.Risk.CircuitBreakerCooldown, "TRADEEXEC_RISK_CIRCUIT_BREAKER_COOLDOWN")
	setBool(&cfg.Risk.RequireStopLoss, "TRADEEXEC_RISK_REQUIRE_STOP_LOSS")
	setFloat64(&cfg.Risk.MinRiskRewardRatio, "TRADEEXEC_RISK_MIN_RISK_REWARD_RATIO")

	// ── Execution ──
	setFloat64(&cfg.Execution.SlippagePct, "TRADEEXEC_EXECUTION_SLIPPAGE_PCT")
	setFloat64(&cfg.Execution.CommissionPerTrade, "TRADEEXEC_EXECUTION_COMMISSION_PER_TRADE")
	setFloat64(&cfg.Execution.CommissionPct, "TRADEEXEC_EXECUTION_COMMISSION_PCT")
	setStr(&cfg.Execution.DefaultProductType, "TRADEEXEC_EXECUTION_DEFAULT_PRODUCT_TYPE")
	setFloat64(&cfg.Execution.DefaultTrailingStopDistance, "TRADEEXEC_EXECUTION_DEFAULT_TRAILING_STOP_DISTANCE")
	setDuration(&cfg.Execution.BrokerTimeout, "TRADEEXEC_EXECUTION_BROKER_TIMEOUT")
	setInt(&cfg.Execution.OrderRateLimit, "TRADEEXEC_EXECUTION_ORDER_RATE_LIMIT")
	setDuration(&cfg.Execution.OrderRateWindow, "TRADEEXEC_EXECUTION_ORDER_RATE_WINDOW")
	setDuration(&cfg.Execution.SignalTTL, "TRADEEXEC_EXECUTION_SIGNAL_TTL")

	// ── Session ──
	setStr(&cfg.Session.Timezone, "TRADEEXEC_SESSION_TIMEZONE")
	setStr(&cfg.Session.Open, "TRADEEXEC_SESSION_OPEN")
	setStr(&cfg.Session.Close, "TRADEEXEC_SESSION_CLOSE")
	setStr(&cfg.Session.NoEntryAfter, "TRADEEXEC_SESSION_NO_ENTRY_AFTER")
	setStr(&cfg.Session.AutoSquareOff, "TRADEEXEC_SESSION_AUTO_SQUARE_OFF")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PriceRefreshInterval, "TRADEEXEC_MONITOR_PRICE_REFRESH_INTERVAL")
	setDuration(&cfg.Monitor.ExitCheckInterval, "TRADEEXEC_MONITOR_EXIT_CHECK_INTERVAL")
	setDuration(&cfg.Monitor.ReconcileInterval, "TRADEEXEC_MONITOR_RECONCILE_INTERVAL")
	setDuration(&cfg.Monitor.SquareOffInterval, "TRADEEXEC_MONITOR_SQUARE_OFF_INTERVAL")
	setDuration(&cfg.Monitor.BreakerCheckInterval, "TRADEEXEC_MONITOR_BREAKER_CHECK_INTERVAL")
	setDuration(&cfg.Monitor.ArchiveInterval, "TRADEEXEC_MONITOR_ARCHIVE_INTERVAL")
	setInt(&cfg.Monitor.ArchiveRetentionDays, "TRADEEXEC_MONITOR_ARCHIVE_RETENTION_DAYS")

	// ── Broker ──
	setStr(&cfg.Broker.Name, "TRADEEXEC_BROKER_NAME")
	setStr(&cfg.Broker.APIKey, "TRADEEXEC_BROKER_API_KEY")
	setStr(&cfg.Broker.APISecret, "TRADEEXEC_BROKER_API_SECRET")
	setStr(&cfg.Broker.BaseURL, "TRADEEXEC_BROKER_BASE_URL")
	setStr(&cfg.Broker.DataURL, "TRADEEXEC_BROKER_DATA_URL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRADEEXEC_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRADEEXEC_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRADEEXEC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEEXEC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEEXEC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEEXEC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEEXEC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEEXEC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEEXEC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEEXEC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEEXEC_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "TRADEEXEC_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADEEXEC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADEEXEC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEEXEC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEEXEC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEEXEC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEEXEC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEEXEC_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMax, "TRADEEXEC_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADEEXEC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEEXEC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEEXEC_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEEXEC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEEXEC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEEXEC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEEXEC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEEXEC_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADEEXEC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADEEXEC_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRADEEXEC_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADEEXEC_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEEXEC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEEXEC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEEXEC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEEXEC_NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
