package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Chain      ChainConfig      `mapstructure:"chain"`
	RateSource RateSourceConfig `mapstructure:"rate_source"`
	Index      IndexConfig      `mapstructure:"index"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Reports    ReportsConfig    `mapstructure:"reports"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Markets    []MarketConfig   `mapstructure:"markets"`
}

type ServerConfig struct {
	Port           string  `mapstructure:"port"`
	Mode           string  `mapstructure:"mode"` // gin mode: debug, release, test
	ReadOnly       bool    `mapstructure:"read_only"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Reconciliation defaults, shared with the reconciler's zero-value fallbacks.
const (
	DefaultReconcileLookbackBlocks uint64 = 5000
	DefaultClaimGracePeriod               = 15 * time.Minute
	DefaultDropAfter                      = 6 * time.Hour
)

type ChainConfig struct {
	RPCURL     string `mapstructure:"rpc_url"`
	ChainID    int64  `mapstructure:"chain_id"`
	PrivateKey string `mapstructure:"private_key"`

	GasPriceMultiplier float64       `mapstructure:"gas_price_multiplier"`
	GasLimitBufferPct  int64         `mapstructure:"gas_limit_buffer_pct"`
	ConfirmTimeout     time.Duration `mapstructure:"confirm_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	Workers            int           `mapstructure:"workers"`

	ReconcileLookbackBlocks uint64        `mapstructure:"reconcile_lookback_blocks"`
	ClaimGracePeriod        time.Duration `mapstructure:"claim_grace_period"`
	DropAfter               time.Duration `mapstructure:"drop_after"`
}

type RateSourceConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	MaxRateBps int64         `mapstructure:"max_rate_bps"`
}

type IndexConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type JobsConfig struct {
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	AccrualHour       int           `mapstructure:"accrual_hour"`
	DisbursementHour  int           `mapstructure:"disbursement_hour"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
}

type ReportsConfig struct {
	BufferSize   int    `mapstructure:"buffer_size"`
	RedisListKey string `mapstructure:"redis_list_key"`
	RedisListMax int64  `mapstructure:"redis_list_max"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MarketConfig seeds the contractual rate cap of a market.
type MarketConfig struct {
	ID         string `mapstructure:"id"`
	RateCapBps int64  `mapstructure:"rate_cap_bps"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// e.g. CAPSETTLE_CHAIN_PRIVATE_KEY
	viper.SetEnvPrefix("capsettle")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_only", false)
	viper.SetDefault("server.rate_limit_rps", 5)
	viper.SetDefault("server.rate_limit_burst", 10)
	viper.SetDefault("auth.admin_key", "")
	viper.SetDefault("log.level", "info")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.max_open_conns", 20)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	viper.SetDefault("database.auto_migrate", true)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")

	viper.SetDefault("chain.chain_id", 1)
	viper.SetDefault("chain.gas_price_multiplier", 1.1)
	viper.SetDefault("chain.gas_limit_buffer_pct", 20)
	viper.SetDefault("chain.confirm_timeout", 2*time.Minute)
	viper.SetDefault("chain.poll_interval", 2*time.Second)
	viper.SetDefault("chain.max_attempts", 3)
	viper.SetDefault("chain.retry_backoff", 2*time.Second)
	viper.SetDefault("chain.workers", 4)
	viper.SetDefault("chain.reconcile_lookback_blocks", DefaultReconcileLookbackBlocks)
	viper.SetDefault("chain.claim_grace_period", DefaultClaimGracePeriod)
	viper.SetDefault("chain.drop_after", DefaultDropAfter)

	viper.SetDefault("rate_source.timeout", 10*time.Second)
	viper.SetDefault("rate_source.rps", 5)
	viper.SetDefault("rate_source.burst", 5)
	viper.SetDefault("rate_source.max_rate_bps", 100_000)

	viper.SetDefault("index.timeout", 30*time.Second)

	viper.SetDefault("jobs.sync_interval", 15*time.Minute)
	viper.SetDefault("jobs.accrual_hour", 1)
	viper.SetDefault("jobs.disbursement_hour", 3)
	viper.SetDefault("jobs.reconcile_interval", time.Hour)
	viper.SetDefault("jobs.lock_ttl", 30*time.Minute)

	viper.SetDefault("reports.buffer_size", 200)
	viper.SetDefault("reports.redis_list_key", "capsettle:run_reports")
	viper.SetDefault("reports.redis_list_max", 1000)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}
