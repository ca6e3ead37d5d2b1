package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/senni000/crypto-data-binance/internal/alert"
	"github.com/senni000/crypto-data-binance/internal/cvd"
	"github.com/senni000/crypto-data-binance/internal/logging"
)

// Role selects which subsystems a process initialises.
type Role string

const (
	RoleIngest    Role = "ingest"
	RoleAggregate Role = "aggregate"
	RoleAlert     Role = "alert"
)

// Config materialises the pipeline configuration.
type Config struct {
	Role    Role
	Logging logging.Config

	Database DatabaseConfig
	Backup   BackupConfig
	Binance  BinanceConfig
	Symbols  SymbolsConfig
	Assets   AssetsConfig
	CVD      CVDConfig
	Queue    QueueConfig
	Alerts   AlertsConfig
}

// DatabaseConfig locates the primary and per-asset stores.
type DatabaseConfig struct {
	Path     string
	AssetDir string
}

// BackupConfig tunes the snapshot scheduler.
type BackupConfig struct {
	Enabled           bool
	Path              string
	Interval          time.Duration
	SingleFile        bool
	ExtendedRetention bool
}

// BinanceConfig carries exchange connectivity.
type BinanceConfig struct {
	SpotRESTURL         string
	USDMRESTURL         string
	CoinMRESTURL        string
	SpotWSURL           string
	USDMWSURL           string
	CoinMWSURL          string
	RateLimitBuffer     float64
	MaxSymbolsPerStream int
}

// SymbolsConfig tunes the catalog registry.
type SymbolsConfig struct {
	UpdateHourUTC int
}

// AssetsConfig locates the ranked-asset list.
type AssetsConfig struct {
	ListPath string
}

// CVDConfig tunes the aggregation worker.
type CVDConfig struct {
	Threshold          float64
	BatchSize          int
	PollInterval       time.Duration
	SuppressionWindow  time.Duration
	Groups             []cvd.GroupConfig
}

// QueueConfig tunes the alert dispatcher.
type QueueConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// AlertsConfig routes outbound alerts.
type AlertsConfig struct {
	Enabled    bool
	WebhookURL string
}

// envBindings maps viper keys onto the literal environment variable names.
var envBindings = map[string]string{
	"role":                       "BINANCE_PROCESS_ROLE",
	"logging.level":              "LOG_LEVEL",
	"logging.format":             "LOG_FORMAT",
	"database.path":              "DATABASE_PATH",
	"database.asset_dir":         "DATABASE_ASSET_DIR",
	"backup.enabled":             "DATABASE_BACKUP_ENABLED",
	"backup.path":                "DATABASE_BACKUP_PATH",
	"backup.interval_ms":         "DATABASE_BACKUP_INTERVAL_MS",
	"backup.single_file":         "DATABASE_BACKUP_SINGLE_FILE",
	"backup.extended_retention":  "DATABASE_BACKUP_EXTENDED_RETENTION",
	"binance.rest_url":           "BINANCE_REST_URL",
	"binance.usdm_rest_url":      "BINANCE_USDM_REST_URL",
	"binance.coinm_rest_url":     "BINANCE_COINM_REST_URL",
	"binance.spot_ws_url":        "BINANCE_SPOT_WS_URL",
	"binance.usdm_ws_url":        "BINANCE_USDM_WS_URL",
	"binance.coinm_ws_url":       "BINANCE_COINM_WS_URL",
	"binance.rate_limit_buffer":  "RATE_LIMIT_BUFFER",
	"binance.ws_max_symbols":     "WS_MAX_SYMBOLS_PER_STREAM",
	"symbols.update_hour_utc":    "SYMBOL_UPDATE_HOUR_UTC",
	"assets.list_path":           "ASSET_LIST_PATH",
	"cvd.zscore_threshold":       "CVD_ZSCORE_THRESHOLD",
	"cvd.batch_size":             "CVD_AGGREGATION_BATCH_SIZE",
	"cvd.poll_interval_ms":       "CVD_AGGREGATION_POLL_INTERVAL_MS",
	"cvd.suppression_minutes":    "CVD_ALERT_SUPPRESSION_MINUTES",
	"cvd.groups":                 "BINANCE_CVD_GROUPS",
	"cvd.groups_file":            "BINANCE_CVD_GROUPS_FILE",
	"queue.poll_interval_ms":     "ALERT_QUEUE_POLL_INTERVAL_MS",
	"queue.batch_size":           "ALERT_QUEUE_BATCH_SIZE",
	"queue.max_attempts":         "ALERT_QUEUE_MAX_ATTEMPTS",
	"alerts.enabled":             "CVD_ALERTS_ENABLED",
	"alerts.webhook_url":         "DISCORD_WEBHOOK_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", string(RoleIngest))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.path", "~/workspace/crypto-data/data/binance.db")
	v.SetDefault("database.asset_dir", "")

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.path", "")
	v.SetDefault("backup.interval_ms", int64((24 * time.Hour).Milliseconds()))
	v.SetDefault("backup.single_file", false)
	v.SetDefault("backup.extended_retention", false)

	v.SetDefault("binance.rate_limit_buffer", 0.1)
	v.SetDefault("binance.ws_max_symbols", 300)

	v.SetDefault("symbols.update_hour_utc", 1)

	v.SetDefault("cvd.zscore_threshold", 2.0)
	v.SetDefault("cvd.batch_size", 500)
	v.SetDefault("cvd.poll_interval_ms", 2000)
	v.SetDefault("cvd.suppression_minutes", 30)

	v.SetDefault("queue.poll_interval_ms", 2000)
	v.SetDefault("queue.batch_size", 20)
	v.SetDefault("queue.max_attempts", 5)

	v.SetDefault("alerts.enabled", true)
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		Role: Role(strings.ToLower(v.GetString("role"))),
		Logging: logging.Config{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Database: DatabaseConfig{
			Path:     expandHome(v.GetString("database.path")),
			AssetDir: expandHome(v.GetString("database.asset_dir")),
		},
		Backup: BackupConfig{
			Enabled:           v.GetBool("backup.enabled"),
			Path:              expandHome(v.GetString("backup.path")),
			Interval:          time.Duration(v.GetInt64("backup.interval_ms")) * time.Millisecond,
			SingleFile:        v.GetBool("backup.single_file"),
			ExtendedRetention: v.GetBool("backup.extended_retention"),
		},
		Binance: BinanceConfig{
			SpotRESTURL:         v.GetString("binance.rest_url"),
			USDMRESTURL:         v.GetString("binance.usdm_rest_url"),
			CoinMRESTURL:        v.GetString("binance.coinm_rest_url"),
			SpotWSURL:           v.GetString("binance.spot_ws_url"),
			USDMWSURL:           v.GetString("binance.usdm_ws_url"),
			CoinMWSURL:          v.GetString("binance.coinm_ws_url"),
			RateLimitBuffer:     v.GetFloat64("binance.rate_limit_buffer"),
			MaxSymbolsPerStream: v.GetInt("binance.ws_max_symbols"),
		},
		Symbols: SymbolsConfig{UpdateHourUTC: v.GetInt("symbols.update_hour_utc")},
		Assets:  AssetsConfig{ListPath: expandHome(v.GetString("assets.list_path"))},
		CVD: CVDConfig{
			Threshold:         v.GetFloat64("cvd.zscore_threshold"),
			BatchSize:         v.GetInt("cvd.batch_size"),
			PollInterval:      time.Duration(v.GetInt64("cvd.poll_interval_ms")) * time.Millisecond,
			SuppressionWindow: time.Duration(v.GetInt64("cvd.suppression_minutes")) * time.Minute,
		},
		Queue: QueueConfig{
			PollInterval: time.Duration(v.GetInt64("queue.poll_interval_ms")) * time.Millisecond,
			BatchSize:    v.GetInt("queue.batch_size"),
			MaxAttempts:  v.GetInt("queue.max_attempts"),
		},
		Alerts: AlertsConfig{
			Enabled:    v.GetBool("alerts.enabled"),
			WebhookURL: v.GetString("alerts.webhook_url"),
		},
	}

	groups, err := loadGroups(v.GetString("cvd.groups"), v.GetString("cvd.groups_file"))
	if err != nil {
		return nil, err
	}
	cfg.CVD.Groups = groups

	if cfg.Database.AssetDir == "" {
		cfg.Database.AssetDir = siblingDir(cfg.Database.Path, "assets")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration a running process cannot recover
// from.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleIngest, RoleAggregate, RoleAlert:
	default:
		return fmt.Errorf("config: unknown process role %q", c.Role)
	}
	if c.Symbols.UpdateHourUTC < 0 || c.Symbols.UpdateHourUTC > 23 {
		return fmt.Errorf("config: SYMBOL_UPDATE_HOUR_UTC must be 0-23, got %d", c.Symbols.UpdateHourUTC)
	}
	if c.Binance.RateLimitBuffer < 0 || c.Binance.RateLimitBuffer >= 1 {
		return fmt.Errorf("config: RATE_LIMIT_BUFFER must be in [0,1), got %v", c.Binance.RateLimitBuffer)
	}
	if c.Binance.MaxSymbolsPerStream <= 0 {
		return fmt.Errorf("config: WS_MAX_SYMBOLS_PER_STREAM must be positive")
	}
	if c.CVD.Threshold <= 0 {
		return fmt.Errorf("config: CVD_ZSCORE_THRESHOLD must be positive, got %v", c.CVD.Threshold)
	}
	if c.CVD.BatchSize <= 0 {
		return fmt.Errorf("config: CVD_AGGREGATION_BATCH_SIZE must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: ALERT_QUEUE_MAX_ATTEMPTS must be positive")
	}
	if c.Role == RoleAlert && c.Alerts.Enabled {
		if err := alert.ValidateWebhookURL(c.Alerts.WebhookURL); err != nil {
			return fmt.Errorf("config: DISCORD_WEBHOOK_URL: %w", err)
		}
	}
	if c.Backup.Enabled && c.Backup.Path == "" {
		return fmt.Errorf("config: DATABASE_BACKUP_PATH required when backups enabled")
	}
	return nil
}

// Retention picks the deployment variant's backup policy.
func (c *Config) Retention() (daily, weekly int) {
	if c.Backup.ExtendedRetention {
		return 30, 12
	}
	return 7, 1
}
