package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"engagement-pricer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Blob        BlobConfig        `mapstructure:"blob"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Aggregate   AggregateConfig   `mapstructure:"aggregate"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata and the live endpoint.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	ListenAddr  string `mapstructure:"listen_addr"`
	StreamPath  string `mapstructure:"stream_path"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig describes the optional shared Redis.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SchedulerConfig governs tick cadence.
type SchedulerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	AlignToBucket    bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	TickTimeout      time.Duration `mapstructure:"tick_timeout"`
	AssetConcurrency int           `mapstructure:"asset_concurrency"`
}

// LedgerConfig covers the asset registry. Without an RPC URL the static
// asset list is used.
type LedgerConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	RegistryAddress string        `mapstructure:"registry_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	Assets          []string      `mapstructure:"assets"`
}

// BlobConfig lists the content store transports in the order they are tried.
type BlobConfig struct {
	Gateways       []string      `mapstructure:"gateways"`
	S3             S3Config      `mapstructure:"s3"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retries        int           `mapstructure:"retries"`
	Backoff        time.Duration `mapstructure:"backoff"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// S3Config configures the S3-compatible transport.
type S3Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// AttestationConfig configures external metric sources.
type AttestationConfig struct {
	Enabled        bool                `mapstructure:"enabled"`
	RequestTimeout time.Duration       `mapstructure:"request_timeout"`
	CacheTTL       time.Duration       `mapstructure:"cache_ttl"`
	Cache          string              `mapstructure:"cache"`
	UserAgent      string              `mapstructure:"user_agent"`
	Sources        []AttestationSource `mapstructure:"sources"`
	AssetNames     map[string]string   `mapstructure:"asset_names"`
}

// AttestationSource is one signed metrics endpoint.
type AttestationSource struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	PublicKey string `mapstructure:"public_key"`
}

// PricingConfig holds derivation parameters.
type PricingConfig struct {
	FloorPrice           int64            `mapstructure:"floor_price"`
	EngagementMultiplier float64          `mapstructure:"engagement_multiplier"`
	ExternalBoostCap     float64          `mapstructure:"external_boost_cap"`
	DropThreshold        float64          `mapstructure:"drop_threshold"`
	StagnationWindow     time.Duration    `mapstructure:"stagnation_window"`
	DecayPerHour         float64          `mapstructure:"decay_per_hour"`
	MaxDecay             float64          `mapstructure:"max_decay"`
	BarPeriod            time.Duration    `mapstructure:"bar_period"`
	HistorySize          int              `mapstructure:"history_size"`
	Weights              map[string]int64 `mapstructure:"weights"`
}

// AggregateConfig tunes aggregation and verification.
type AggregateConfig struct {
	UserWeight        float64       `mapstructure:"user_weight"`
	VerifyConcurrency int           `mapstructure:"verify_concurrency"`
	MetadataTimeout   time.Duration `mapstructure:"metadata_timeout"`
	CommitMetrics     bool          `mapstructure:"commit_metrics"`
}

// BroadcastConfig configures live fan-out.
type BroadcastConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RedisRelay     bool     `mapstructure:"redis_relay"`
	RedisChannel   string   `mapstructure:"redis_channel"`
	SnapshotKey    string   `mapstructure:"snapshot_key"`
}

// AlertingConfig defines failure alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "engagement-pricer")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.listen_addr", ":8080")
	v.SetDefault("app.stream_path", "/v1/stream")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x656e6761))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.tick_timeout", "2m")
	v.SetDefault("scheduler.asset_concurrency", 8)

	v.SetDefault("ledger.request_timeout", "10s")

	v.SetDefault("blob.request_timeout", "10s")
	v.SetDefault("blob.retries", 1)
	v.SetDefault("blob.backoff", "250ms")
	v.SetDefault("blob.user_agent", "engagement-pricer/1.0")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.use_ssl", true)

	v.SetDefault("attestation.enabled", false)
	v.SetDefault("attestation.request_timeout", "10s")
	v.SetDefault("attestation.cache_ttl", "5m")
	v.SetDefault("attestation.cache", "memory")
	v.SetDefault("attestation.user_agent", "engagement-pricer/1.0")

	v.SetDefault("pricing.floor_price", 100)
	v.SetDefault("pricing.engagement_multiplier", 0.1)
	v.SetDefault("pricing.external_boost_cap", 0.1)
	v.SetDefault("pricing.drop_threshold", 0.5)
	v.SetDefault("pricing.stagnation_window", "24h")
	v.SetDefault("pricing.decay_per_hour", 0.001)
	v.SetDefault("pricing.max_decay", 0.5)
	v.SetDefault("pricing.bar_period", "1h")
	v.SetDefault("pricing.history_size", 1000)

	v.SetDefault("aggregate.user_weight", 0.6)
	v.SetDefault("aggregate.verify_concurrency", 0)
	v.SetDefault("aggregate.metadata_timeout", "5s")
	v.SetDefault("aggregate.commit_metrics", true)

	v.SetDefault("broadcast.redis_relay", false)
	v.SetDefault("broadcast.redis_channel", "engagement-pricer:prices")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.AssetConcurrency < 0 {
		return fmt.Errorf("scheduler.asset_concurrency cannot be negative")
	}
	if c.Ledger.RPCURL != "" && c.Ledger.RegistryAddress == "" {
		return fmt.Errorf("ledger.registry_address is required with ledger.rpc_url")
	}
	if c.Pricing.FloorPrice <= 0 {
		return fmt.Errorf("pricing.floor_price must be greater than zero")
	}
	if c.Aggregate.UserWeight < 0 || c.Aggregate.UserWeight > 1 {
		return fmt.Errorf("aggregate.user_weight must be within [0,1]")
	}
	if c.Blob.S3.Enabled && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob.s3.bucket is required when blob.s3.enabled")
	}
	if c.Attestation.Enabled {
		if len(c.Attestation.Sources) == 0 {
			return fmt.Errorf("attestation.sources must not be empty when attestation is enabled")
		}
		switch c.Attestation.Cache {
		case "memory":
		case "redis":
			if !c.Redis.Enabled {
				return fmt.Errorf("attestation.cache=redis requires redis.enabled")
			}
		default:
			return fmt.Errorf("attestation.cache must be memory or redis, got %q", c.Attestation.Cache)
		}
	}
	if c.Broadcast.RedisRelay && !c.Redis.Enabled {
		return fmt.Errorf("broadcast.redis_relay requires redis.enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
