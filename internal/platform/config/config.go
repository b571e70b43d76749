package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the catalog service
type Config struct {
	Source        SourceConfig        `mapstructure:"source"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Redis         RedisConfig         `mapstructure:"redis"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// SourceConfig describes the remote product endpoint
type SourceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxPages  int           `mapstructure:"max_pages"`
	UserAgent string        `mapstructure:"user_agent"`
	OAuth2    OAuth2Config  `mapstructure:"oauth2"`
	Breaker   BreakerConfig `mapstructure:"circuit_breaker"`
}

// OAuth2Config enables client-credentials auth against the source when
// ClientID is set
type OAuth2Config struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// Enabled reports whether OAuth2 is configured
func (o OAuth2Config) Enabled() bool {
	return o.ClientID != ""
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// CatalogConfig holds loader behaviour
type CatalogConfig struct {
	FreshTTL            time.Duration     `mapstructure:"fresh_ttl"`
	MinFetchInterval    time.Duration     `mapstructure:"min_fetch_interval"`
	MemoryMaxAge        time.Duration     `mapstructure:"memory_max_age"` // 0 keeps the memory tier until invalidated
	DefaultCategory     string            `mapstructure:"default_category"`
	DescriptionTemplate string            `mapstructure:"description_template"`
	PlaceholderImage    string            `mapstructure:"placeholder_image"`
	DefaultRating       float64           `mapstructure:"default_rating"`
	ConcurrentMode      string            `mapstructure:"concurrent_mode"` // coalesce or skip
	CategoryAliases     map[string]string `mapstructure:"category_aliases"`
}

// CacheConfig selects the persisted tier
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"` // memory, redis or dynamodb
	KeyPrefix     string        `mapstructure:"key_prefix"`
	PersistTTL    time.Duration `mapstructure:"persist_ttl"`
	MemoryMaxSize int           `mapstructure:"memory_max_size"`
	WatchDeletes  bool          `mapstructure:"watch_deletes"`

	// WatchEchoWindow is how long removal events for keys this process
	// deleted are ignored by the watcher
	WatchEchoWindow time.Duration `mapstructure:"watch_echo_window"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	Region        string `mapstructure:"region"`
	SNSTopicARN   string `mapstructure:"sns_topic_arn"`
	DynamoDBTable string `mapstructure:"dynamodb_table"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"` // empty disables OTLP push
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Sampler  string `mapstructure:"sampler"` // always, never, ratio:<f>
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port                   int           `mapstructure:"port"`
	Warmup                 bool          `mapstructure:"warmup"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	MaxConcurrentRefreshes int64         `mapstructure:"max_concurrent_refreshes"`
}

// Load reads .env files, the config file and CATALOG_* environment
// variables, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	// Missing .env is the normal case outside local development
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// catalog.fresh_ttl <- CATALOG_CATALOG_FRESH_TTL
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	// Source defaults
	v.SetDefault("source.base_url", "http://localhost:8000/api/products/")
	v.SetDefault("source.timeout", "10s")
	v.SetDefault("source.max_pages", 50)
	v.SetDefault("source.user_agent", "storefront-catalog/1.0")
	v.SetDefault("source.circuit_breaker.failure_threshold", 5)
	v.SetDefault("source.circuit_breaker.success_threshold", 1)
	v.SetDefault("source.circuit_breaker.timeout", "30s")

	// Catalog defaults
	v.SetDefault("catalog.fresh_ttl", "60s")
	v.SetDefault("catalog.min_fetch_interval", "2s")
	v.SetDefault("catalog.memory_max_age", "0s")
	v.SetDefault("catalog.default_category", "Другое")
	v.SetDefault("catalog.description_template", "Шоколадные фигурки в категории %s")
	v.SetDefault("catalog.placeholder_image", "https://via.placeholder.com/300")
	v.SetDefault("catalog.default_rating", 5)
	v.SetDefault("catalog.concurrent_mode", ConcurrentCoalesce)
	v.SetDefault("catalog.category_aliases", DefaultCategoryAliases())

	// Cache defaults
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.key_prefix", "")
	v.SetDefault("cache.persist_ttl", "0s")
	v.SetDefault("cache.memory_max_size", 128)
	v.SetDefault("cache.watch_deletes", false)
	v.SetDefault("cache.watch_echo_window", "5s")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// AWS defaults
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.sns_topic_arn", "")
	v.SetDefault("aws.dynamodb_table", "storefront-catalog-cache")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.otlp_endpoint", "")
	v.SetDefault("observability.metrics.export_interval", "15s")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sampler", "always")

	// HTTP defaults
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.warmup", true)
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.max_concurrent_refreshes", 1)
}

// Concurrent load modes
const (
	ConcurrentCoalesce = "coalesce"
	ConcurrentSkip     = "skip"
)

// Persisted tier backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base URL is required")
	}
	if c.Source.MaxPages < 1 {
		return fmt.Errorf("source max pages must be >= 1")
	}
	if c.Source.OAuth2.Enabled() && c.Source.OAuth2.TokenURL == "" {
		return fmt.Errorf("oauth2 token URL is required when client ID is set")
	}

	if c.Catalog.FreshTTL <= 0 {
		return fmt.Errorf("catalog fresh TTL must be > 0")
	}
	if c.Catalog.MinFetchInterval <= 0 {
		return fmt.Errorf("catalog min fetch interval must be > 0")
	}
	if c.Catalog.MemoryMaxAge < 0 {
		return fmt.Errorf("catalog memory max age must be >= 0")
	}
	if c.Catalog.DefaultCategory == "" {
		return fmt.Errorf("catalog default category is required")
	}
	if !strings.Contains(c.Catalog.DescriptionTemplate, "%s") {
		return fmt.Errorf("catalog description template must contain %%s")
	}

	switch c.Catalog.ConcurrentMode {
	case ConcurrentCoalesce, ConcurrentSkip:
	default:
		return fmt.Errorf("invalid concurrent mode: %s", c.Catalog.ConcurrentMode)
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	case BackendDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			return fmt.Errorf("dynamodb table is required")
		}
		if c.AWS.Region == "" {
			return fmt.Errorf("AWS region is required")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}
	if c.Cache.WatchDeletes && c.Cache.Backend != BackendRedis {
		return fmt.Errorf("cache.watch_deletes requires the redis backend")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.HTTP.MaxConcurrentRefreshes < 1 {
		return fmt.Errorf("http max concurrent refreshes must be >= 1")
	}

	return nil
}
