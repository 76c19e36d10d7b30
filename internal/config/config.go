package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Cron       CronConfig       `mapstructure:"cron"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Payout     PayoutConfig     `mapstructure:"payout"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

type CronConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	TelemetrySummary string `mapstructure:"telemetry_summary"`
	AttemptGC        string `mapstructure:"attempt_gc"`
}

// LedgerConfig configures the vault gateway the oracle talks to.
type LedgerConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	WSURL          string        `mapstructure:"ws_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Authority      string        `mapstructure:"authority"`
	WatchEnabled   bool          `mapstructure:"watch_enabled"`
}

type ReconcilerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	ScanInterval         time.Duration `mapstructure:"scan_interval"`
	StaleThreshold       time.Duration `mapstructure:"stale_threshold"`
	Lookback             time.Duration `mapstructure:"lookback"`
	ScanDepth            int           `mapstructure:"scan_depth"`
	MaxVaultConcurrency  int           `mapstructure:"max_vault_concurrency"`
	MaxRetryAttempts     int           `mapstructure:"max_retry_attempts"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	AttemptMaxAge        time.Duration `mapstructure:"attempt_max_age"`
	OrphanAlertThreshold int           `mapstructure:"orphan_alert_threshold"`
	OrphanCandidateLimit int           `mapstructure:"orphan_candidate_limit"`
}

// LookbackWindow is the recency window used to pick vaults for a scan.
// Defaults to twice the stale threshold.
func (c ReconcilerConfig) LookbackWindow() time.Duration {
	if c.Lookback > 0 {
		return c.Lookback
	}
	stale := c.StaleThreshold
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	return 2 * stale
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	Name          string        `mapstructure:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// PayoutConfig holds fee rates in basis points per settlement kind.
type PayoutConfig struct {
	WinnerFeeBps        int64 `mapstructure:"winner_fee_bps"`
	PartialRefundFeeBps int64 `mapstructure:"partial_refund_fee_bps"`
	FullRefundFeeBps    int64 `mapstructure:"full_refund_fee_bps"`
	TimeoutFeeBps       int64 `mapstructure:"timeout_fee_bps"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.slow_query", "500ms")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.telemetry_summary", "@every 5m")
	v.SetDefault("cron.attempt_gc", "@every 10m")

	v.SetDefault("ledger.rpc_url", "http://127.0.0.1:8899")
	v.SetDefault("ledger.ws_url", "")
	v.SetDefault("ledger.timeout", "15s")
	v.SetDefault("ledger.rate_limit_rps", 8)
	v.SetDefault("ledger.rate_limit_burst", 4)
	v.SetDefault("ledger.max_retries", 4)
	v.SetDefault("ledger.backoff_min", "500ms")
	v.SetDefault("ledger.backoff_max", "8s")
	v.SetDefault("ledger.authority", "")
	v.SetDefault("ledger.watch_enabled", false)

	// stale_threshold mirrors the execution monitor's notion of a stuck settlement;
	// the scanner looks back twice as far unless lookback is set explicitly.
	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.scan_interval", "30s")
	v.SetDefault("reconciler.stale_threshold", "30m")
	v.SetDefault("reconciler.lookback", "0s")
	v.SetDefault("reconciler.scan_depth", 20)
	v.SetDefault("reconciler.max_vault_concurrency", 4)
	v.SetDefault("reconciler.max_retry_attempts", 3)
	v.SetDefault("reconciler.retry_backoff", "30s")
	v.SetDefault("reconciler.attempt_max_age", "1h")
	v.SetDefault("reconciler.orphan_alert_threshold", 5)
	v.SetDefault("reconciler.orphan_candidate_limit", 20)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "settlement.executed")
	v.SetDefault("nats.name", "settlementd")
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.max_reconnects", 60)

	v.SetDefault("payout.winner_fee_bps", 500)
	v.SetDefault("payout.partial_refund_fee_bps", 500)
	v.SetDefault("payout.full_refund_fee_bps", 0)
	v.SetDefault("payout.timeout_fee_bps", 500)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
