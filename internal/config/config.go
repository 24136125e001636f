// Package config defines the top-level configuration for the execution engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Trading modes.
const (
	ModeLive      = "live"
	ModeSimulated = "simulated"
	ModeDryRun    = "dry_run"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEEXEC_* environment variables.
type Config struct {
	Mode       string          `toml:"mode"`
	LogLevel   string          `toml:"log_level"`
	InstanceID string          `toml:"instance_id"`
	Risk       RiskConfig      `toml:"risk"`
	Execution  ExecutionConfig `toml:"execution"`
	Session    SessionConfig   `toml:"session"`
	Monitor    MonitorConfig   `toml:"monitor"`
	Broker     BrokerConfig    `toml:"broker"`
	Postgres   PostgresConfig  `toml:"postgres"`
	SQLite     SQLiteConfig    `toml:"sqlite"`
	Redis      RedisConfig     `toml:"redis"`
	S3         S3Config        `toml:"s3"`
	Server     ServerConfig    `toml:"server"`
	Notify     NotifyConfig    `toml:"notify"`
}

// RiskConfig holds pre-trade limits and circuit breaker thresholds.
// Percentages are expressed in percent (2 means 2%).
type RiskConfig struct {
	StartingCapital         float64  `toml:"starting_capital"`
	MaxRiskPerTradePct      float64  `toml:"max_risk_per_trade_pct"`
	MaxOpenPositions        int      `toml:"max_open_positions"`
	MaxPositionsPerStrategy int      `toml:"max_positions_per_strategy"`
	MaxPositionValue        float64  `toml:"max_position_value"`
	MaxExposurePct          float64  `toml:"max_exposure_pct"`
	MaxDailyLossAbsolute    float64  `toml:"max_daily_loss_absolute"`
	MaxDailyLossPct         float64  `toml:"max_daily_loss_pct"`
	MaxDrawdownPct          float64  `toml:"max_drawdown_pct"`
	ConsecutiveLossLimit    int      `toml:"consecutive_loss_limit"`
	CircuitBreakerCooldown  duration `toml:"circuit_breaker_cooldown"`
	RequireStopLoss         bool     `toml:"require_stop_loss"`
	MinRiskRewardRatio      float64  `toml:"min_risk_reward_ratio"`
}

// ExecutionConfig holds order placement and fill-model parameters.
type ExecutionConfig struct {
	SlippagePct                 float64  `toml:"slippage_pct"`
	CommissionPerTrade          float64  `toml:"commission_per_trade"`
	CommissionPct               float64  `toml:"commission_pct"`
	DefaultProductType          string   `toml:"default_product_type"`
	DefaultTrailingStopDistance float64  `toml:"default_trailing_stop_distance"`
	BrokerTimeout               duration `toml:"broker_timeout"`
	OrderRateLimit              int      `toml:"order_rate_limit"`
	OrderRateWindow             duration `toml:"order_rate_window"`
	SignalTTL                   duration `toml:"signal_ttl"`
}

// SessionConfig is the trading window, as HH:MM wall-clock times in Timezone.
type SessionConfig struct {
	Timezone      string `toml:"timezone"`
	Open          string `toml:"open"`
	Close         string `toml:"close"`
	NoEntryAfter  string `toml:"no_entry_after"`
	AutoSquareOff string `toml:"auto_square_off"`
}

// MonitorConfig holds the cadence of the periodic loops.
type MonitorConfig struct {
	PriceRefreshInterval duration `toml:"price_refresh_interval"`
	ExitCheckInterval    duration `toml:"exit_check_interval"`
	ReconcileInterval    duration `toml:"reconcile_interval"`
	SquareOffInterval    duration `toml:"square_off_interval"`
	BreakerCheckInterval duration `toml:"breaker_check_interval"`
	ArchiveInterval      duration `toml:"archive_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
}

// BrokerConfig selects and authenticates the venue adapter.
type BrokerConfig struct {
	Name      string `toml:"name"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	BaseURL   string `toml:"base_url"`
	DataURL   string `toml:"data_url"`
	// Quotes seeds the paper broker with static prices when Redis is disabled.
	Quotes map[string]float64 `toml:"quotes"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the local journal location used when Postgres is off.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	StreamMax  int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:       ModeSimulated,
		LogLevel:   "info",
		InstanceID: "default",
		Risk: RiskConfig{
			StartingCapital:         100_000,
			MaxRiskPerTradePct:      2,
			MaxOpenPositions:        5,
			MaxPositionsPerStrategy: 3,
			MaxPositionValue:        0,
			MaxExposurePct:          100,
			MaxDailyLossAbsolute:    5_000,
			MaxDailyLossPct:         5,
			MaxDrawdownPct:          10,
			ConsecutiveLossLimit:    5,
			CircuitBreakerCooldown:  duration{30 * time.Minute},
			RequireStopLoss:         true,
			MinRiskRewardRatio:      1.5,
		},
		Execution: ExecutionConfig{
			SlippagePct:        0.05,
			CommissionPerTrade: 20,
			DefaultProductType: "intraday",
			BrokerTimeout:      duration{10 * time.Second},
			OrderRateLimit:     10,
			OrderRateWindow:    duration{time.Second},
			SignalTTL:          duration{5 * time.Minute},
		},
		Session: SessionConfig{
			Timezone:      "America/New_York",
			Open:          "09:30",
			Close:         "16:00",
			NoEntryAfter:  "15:30",
			AutoSquareOff: "15:50",
		},
		Monitor: MonitorConfig{
			PriceRefreshInterval: duration{2 * time.Second},
			ExitCheckInterval:    duration{2 * time.Second},
			ReconcileInterval:    duration{30 * time.Second},
			SquareOffInterval:    duration{30 * time.Second},
			BreakerCheckInterval: duration{10 * time.Second},
			ArchiveInterval:      duration{24 * time.Hour},
			ArchiveRetentionDays: 90,
		},
		Broker: BrokerConfig{
			Name: "paper",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradeexec",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "data/tradeexec.db",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			StreamMax:  10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradeexec-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"circuit_breaker_triggered", "position_closed", "order_rejected"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeLive:      true,
	ModeSimulated: true,
	ModeDryRun:    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, simulated, dry_run)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if strings.TrimSpace(c.InstanceID) == "" {
		errs = append(errs, "instance_id must not be empty")
	}

	// Risk
	r := c.Risk
	if r.StartingCapital <= 0 {
		errs = append(errs, "risk: starting_capital must be > 0")
	}
	if r.MaxRiskPerTradePct <= 0 || r.MaxRiskPerTradePct > 100 {
		errs = append(errs, "risk: max_risk_per_trade_pct must be in (0, 100]")
	}
	if r.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if r.MaxPositionsPerStrategy < 0 {
		errs = append(errs, "risk: max_positions_per_strategy must be >= 0")
	}
	if r.MaxPositionValue < 0 {
		errs = append(errs, "risk: max_position_value must be >= 0")
	}
	if r.MaxExposurePct < 0 {
		errs = append(errs, "risk: max_exposure_pct must be >= 0")
	}
	if r.MaxDailyLossAbsolute < 0 || r.MaxDailyLossPct < 0 || r.MaxDrawdownPct < 0 {
		errs = append(errs, "risk: loss and drawdown limits must be >= 0")
	}
	if r.ConsecutiveLossLimit < 0 {
		errs = append(errs, "risk: consecutive_loss_limit must be >= 0")
	}
	if r.CircuitBreakerCooldown.Duration < 0 {
		errs = append(errs, "risk: circuit_breaker_cooldown must be >= 0")
	}
	if r.MinRiskRewardRatio < 0 {
		errs = append(errs, "risk: min_risk_reward_ratio must be >= 0")
	}

	// Execution
	e := c.Execution
	if e.SlippagePct < 0 || e.SlippagePct >= 100 {
		errs = append(errs, "execution: slippage_pct must be in [0, 100)")
	}
	if e.CommissionPerTrade < 0 || e.CommissionPct < 0 {
		errs = append(errs, "execution: commissions must be >= 0")
	}
	switch e.DefaultProductType {
	case "intraday", "delivery":
	default:
		errs = append(errs, fmt.Sprintf("execution: default_product_type %q (valid: intraday, delivery)", e.DefaultProductType))
	}
	if e.BrokerTimeout.Duration <= 0 {
		errs = append(errs, "execution: broker_timeout must be > 0")
	}
	if e.OrderRateLimit > 0 && e.OrderRateWindow.Duration <= 0 {
		errs = append(errs, "execution: order_rate_window must be > 0 when order_rate_limit is set")
	}

	// Session
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("session: timezone %q: %v", c.Session.Timezone, err))
	}
	for name, v := range map[string]string{
		"open":            c.Session.Open,
		"close":           c.Session.Close,
		"no_entry_after":  c.Session.NoEntryAfter,
		"auto_square_off": c.Session.AutoSquareOff,
	} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			errs = append(errs, fmt.Sprintf("session: %s %q must be HH:MM", name, v))
		}
	}
	if c.Session.Open != "" && c.Session.Close != "" && c.Session.Open >= c.Session.Close {
		errs = append(errs, "session: open must be before close")
	}

	// Monitor
	m := c.Monitor
	for name, d := range map[string]time.Duration{
		"price_refresh_interval": m.PriceRefreshInterval.Duration,
		"exit_check_interval":    m.ExitCheckInterval.Duration,
		"reconcile_interval":     m.ReconcileInterval.Duration,
		"square_off_interval":    m.SquareOffInterval.Duration,
		"breaker_check_interval": m.BreakerCheckInterval.Duration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("monitor: %s must be > 0", name))
		}
	}

	// Broker
	switch c.Broker.Name {
	case "paper":
		if c.Mode == ModeLive {
			errs = append(errs, "broker: live mode requires a real broker (valid: alpaca)")
		}
	case "alpaca":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			errs = append(errs, "broker: api_key and api_secret are required for alpaca")
		}
	default:
		errs = append(errs, fmt.Sprintf("broker: unknown name %q (valid: paper, alpaca)", c.Broker.Name))
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if !c.Postgres.Enabled && c.SQLite.Path == "" {
			errs = append(errs, "s3: archiving requires postgres or sqlite to be configured")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
