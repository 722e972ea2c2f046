// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for autoheal. It is loaded once at startup and passed
// explicitly to the components that need it.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Resilience ResilienceConfig `mapstructure:"resilience" yaml:"resilience"`
	AI         AIConfig         `mapstructure:"ai" yaml:"ai"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Strategy policies understood by the strategy planner.
const (
	StrategyStructuralOnly     = "structural-only"
	StrategyVisualFirst        = "visual-first"
	StrategyAdaptiveSequential = "adaptive-sequential"
	StrategyParallel           = "parallel"
)

// strategyAliases maps legacy execution strategy names onto policies.
var strategyAliases = map[string]string{
	"dom_only":         StrategyStructuralOnly,
	"structural_only":  StrategyStructuralOnly,
	"visual_first":     StrategyVisualFirst,
	"sequential":       StrategyAdaptiveSequential,
	"smart_sequential": StrategyAdaptiveSequential,
	"adaptive":         StrategyAdaptiveSequential,
}

// NormalizeStrategy returns the canonical policy name for s, or "" if s is unknown.
func NormalizeStrategy(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case StrategyStructuralOnly, StrategyVisualFirst, StrategyAdaptiveSequential, StrategyParallel:
		return s
	}
	return strategyAliases[strings.ReplaceAll(s, "-", "_")]
}

// EngineConfig holds settings for the resolution engine.
type EngineConfig struct {
	Strategy            string        `mapstructure:"strategy" yaml:"strategy"`
	WorkerConcurrency   int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	QueueSize           int           `mapstructure:"queue_size" yaml:"queue_size"`
	AnalysisConcurrency int           `mapstructure:"analysis_concurrency" yaml:"analysis_concurrency"`
	ResolutionTimeout   time.Duration `mapstructure:"resolution_timeout" yaml:"resolution_timeout"`
	DriverTimeout       time.Duration `mapstructure:"driver_timeout" yaml:"driver_timeout"`
	// DriverRetries is how many times a failed driver query is repeated before it is reported.
	DriverRetries       int           `mapstructure:"driver_retries" yaml:"driver_retries"`
	DriverRetryDelay    time.Duration `mapstructure:"driver_retry_delay" yaml:"driver_retry_delay"`
	MaxCandidates       int           `mapstructure:"max_candidates" yaml:"max_candidates"`
	SnapshotMaxBytes    int           `mapstructure:"snapshot_max_bytes" yaml:"snapshot_max_bytes"`
	// CacheOriginal also records hints that resolved without healing.
	CacheOriginal bool `mapstructure:"cache_original" yaml:"cache_original"`
}

// Cache store types.
const (
	StoreNone     = "none"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// CacheConfig configures both cache tiers.
type CacheConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	MaximumSize       int           `mapstructure:"maximum_size" yaml:"maximum_size"`
	ExpireAfterWrite  time.Duration `mapstructure:"expire_after_write" yaml:"expire_after_write"`
	ExpireAfterAccess time.Duration `mapstructure:"expire_after_access" yaml:"expire_after_access"`
	IOTimeout         time.Duration `mapstructure:"io_timeout" yaml:"io_timeout"`
	Store             StoreConfig   `mapstructure:"store" yaml:"store"`
}

// StoreConfig selects and configures the durable tier.
type StoreConfig struct {
	Type     string          `mapstructure:"type" yaml:"type"`
	File     FileStoreConfig `mapstructure:"file" yaml:"file"`
	Redis    RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Postgres PostgresConfig  `mapstructure:"postgres" yaml:"postgres"`
}

// FileStoreConfig configures the flat-file durable tier.
type FileStoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RedisConfig holds the Redis connection details.
type RedisConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// PostgresConfig holds the database connection details.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ResilienceConfig governs how AI backend calls are guarded.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Retry          RetryConfig          `mapstructure:"retry" yaml:"retry"`
	AttemptTimeout time.Duration        `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// CircuitBreakerConfig configures the per-backend breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	// Window clears the failure counts periodically while closed. Zero keeps them until a success.
	Window time.Duration `mapstructure:"window" yaml:"window"`
	// MinRequests and FailureRate enable rate-based tripping within Window.
	MinRequests int     `mapstructure:"min_requests" yaml:"min_requests"`
	FailureRate float64 `mapstructure:"failure_rate" yaml:"failure_rate"`
}

// Retry backoff kinds.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryConfig configures bounded retries of transient failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Backoff     string        `mapstructure:"backoff" yaml:"backoff"`
}

// RateLimitConfig throttles calls to one backend. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// AIProvider identifies an AI backend implementation.
type AIProvider string

const (
	ProviderMock      AIProvider = "mock"
	ProviderGemini    AIProvider = "gemini"
	ProviderAnthropic AIProvider = "anthropic"
	ProviderOpenAI    AIProvider = "openai"
	ProviderOllama    AIProvider = "ollama"
	ProviderDeepSeek  AIProvider = "deepseek"
	ProviderGrok      AIProvider = "grok"
	ProviderLocal     AIProvider = "local"
)

// AIConfig configures the AI backend.
type AIConfig struct {
	Provider    AIProvider    `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// SupportsVisual overrides the provider's default capability when set.
	SupportsVisual *bool      `mapstructure:"supports_visual" yaml:"supports_visual"`
	Cost           CostConfig `mapstructure:"cost" yaml:"cost"`
}

// CostConfig prices token usage in USD per thousand tokens.
type CostConfig struct {
	InputPer1K  float64 `mapstructure:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k" yaml:"output_per_1k"`
}

// Driver kinds.
const (
	DriverHTML       = "html"
	DriverPlaywright = "playwright"
	DriverCDP        = "cdp"
)

// BrowserConfig configures the driver used by the CLI.
type BrowserConfig struct {
	Driver          string `mapstructure:"driver" yaml:"driver"`
	Headless        bool   `mapstructure:"headless" yaml:"headless"`
	TestIDAttribute string `mapstructure:"test_id_attribute" yaml:"test_id_attribute"`
	// Args are extra browser launch flags appended to the defaults.
	Args []string `mapstructure:"args" yaml:"args"`
	// NavigationTimeout bounds page loads performed by the CLI.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// MetricsConfig configures prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// NewDefaultConfig creates a configuration populated with the default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoheal")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Engine --
	v.SetDefault("engine.strategy", StrategyAdaptiveSequential)
	v.SetDefault("engine.worker_concurrency", 8)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.analysis_concurrency", 4)
	v.SetDefault("engine.resolution_timeout", "60s")
	v.SetDefault("engine.driver_timeout", "5s")
	v.SetDefault("engine.driver_retries", 2)
	v.SetDefault("engine.driver_retry_delay", "50ms")
	v.SetDefault("engine.max_candidates", 5)
	v.SetDefault("engine.snapshot_max_bytes", 60000)
	v.SetDefault("engine.cache_original", false)

	// -- Cache --
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.maximum_size", 10000)
	v.SetDefault("cache.expire_after_write", "24h")
	v.SetDefault("cache.expire_after_access", "2h")
	v.SetDefault("cache.io_timeout", "2s")
	v.SetDefault("cache.store.type", StoreFile)
	v.SetDefault("cache.store.file.path", "~/.autoheal/selectors.json")
	v.SetDefault("cache.store.redis.address", "localhost:6379")
	v.SetDefault("cache.store.redis.db", 0)
	v.SetDefault("cache.store.redis.key_prefix", "autoheal:selector:")

	// -- Resilience --
	v.SetDefault("resilience.circuit_breaker.failure_threshold", 5)
	v.SetDefault("resilience.circuit_breaker.cooldown", "5m")
	v.SetDefault("resilience.circuit_breaker.window", "1m")
	v.SetDefault("resilience.circuit_breaker.min_requests", 10)
	v.SetDefault("resilience.circuit_breaker.failure_rate", 0.5)
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.delay", "1s")
	v.SetDefault("resilience.retry.max_delay", "10s")
	v.SetDefault("resilience.retry.multiplier", 2.0)
	v.SetDefault("resilience.retry.backoff", BackoffFixed)
	v.SetDefault("resilience.attempt_timeout", "30s")
	v.SetDefault("resilience.rate_limit.requests_per_second", 0)
	v.SetDefault("resilience.rate_limit.burst", 1)

	// -- AI --
	v.SetDefault("ai.provider", string(ProviderMock))
	v.SetDefault("ai.api_timeout", "30s")
	v.SetDefault("ai.temperature", 0.1)
	v.SetDefault("ai.max_tokens", 1024)

	// -- Browser --
	v.SetDefault("browser.driver", DriverPlaywright)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.test_id_attribute", "data-testid")
	v.SetDefault("browser.navigation_timeout", "30s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "autoheal")
}

// NewConfigFromViper unmarshals and validates a configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment when they are not in the file.
	_ = v.BindEnv("ai.api_key", "AUTOHEAL_AI_API_KEY")
	_ = v.BindEnv("cache.store.redis.password", "AUTOHEAL_REDIS_PASSWORD")
	_ = v.BindEnv("cache.store.postgres.url", "AUTOHEAL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = providerKeyFromEnv(cfg.AI.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// providerKeyFromEnv falls back to the conventional per-provider key variables.
func providerKeyFromEnv(p AIProvider) string {
	switch p {
	case ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderDeepSeek:
		return os.Getenv("DEEPSEEK_API_KEY")
	case ProviderGrok:
		return os.Getenv("XAI_API_KEY")
	}
	return ""
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration invalid: %w", err)
	}
	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("resilience configuration invalid: %w", err)
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("ai configuration invalid: %w", err)
	}
	switch c.Browser.Driver {
	case DriverHTML, DriverPlaywright, DriverCDP:
	default:
		return fmt.Errorf("browser.driver must be one of html, playwright, cdp (got %q)", c.Browser.Driver)
	}
	return nil
}

// Validate checks the engine settings.
func (e *EngineConfig) Validate() error {
	if NormalizeStrategy(e.Strategy) == "" {
		return fmt.Errorf("engine.strategy %q is not a known policy", e.Strategy)
	}
	if e.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if e.AnalysisConcurrency <= 0 {
		return fmt.Errorf("engine.analysis_concurrency must be a positive integer")
	}
	if e.QueueSize < 0 {
		return fmt.Errorf("engine.queue_size cannot be negative")
	}
	if e.ResolutionTimeout <= 0 || e.DriverTimeout <= 0 {
		return fmt.Errorf("engine.resolution_timeout and engine.driver_timeout must be positive")
	}
	if e.MaxCandidates <= 0 {
		return fmt.Errorf("engine.max_candidates must be a positive integer")
	}
	if e.DriverRetries < 0 || e.DriverRetryDelay < 0 {
		return fmt.Errorf("engine.driver_retries and engine.driver_retry_delay cannot be negative")
	}
	return nil
}

// Validate checks the cache settings.
func (c *CacheConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaximumSize <= 0 {
		return fmt.Errorf("cache.maximum_size must be a positive integer")
	}
	if c.ExpireAfterWrite < 0 || c.ExpireAfterAccess < 0 {
		return fmt.Errorf("cache expiry durations cannot be negative")
	}
	switch c.Store.Type {
	case StoreNone, "":
	case StoreFile:
		if c.Store.File.Path == "" {
			return fmt.Errorf("cache.store.file.path is required for the file store")
		}
	case StoreRedis:
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("cache.store.redis.address is required for the redis store")
		}
	case StorePostgres:
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("cache.store.postgres.url is required for the postgres store")
		}
	default:
		return fmt.Errorf("cache.store.type %q is not supported", c.Store.Type)
	}
	return nil
}

// Validate checks the resilience settings.
func (r *ResilienceConfig) Validate() error {
	if r.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("resilience.circuit_breaker.failure_threshold must be a positive integer")
	}
	if r.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("resilience.circuit_breaker.cooldown must be positive")
	}
	if r.CircuitBreaker.FailureRate < 0 || r.CircuitBreaker.FailureRate > 1 {
		return fmt.Errorf("resilience.circuit_breaker.failure_rate must be between 0 and 1")
	}
	if r.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("resilience.retry.max_attempts must be at least 1")
	}
	if r.Retry.Delay < 0 {
		return fmt.Errorf("resilience.retry.delay cannot be negative")
	}
	switch r.Retry.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("resilience.retry.backoff must be %q or %q", BackoffFixed, BackoffExponential)
	}
	if r.AttemptTimeout <= 0 {
		return fmt.Errorf("resilience.attempt_timeout must be positive")
	}
	return nil
}

// Validate checks the AI backend settings.
func (a *AIConfig) Validate() error {
	switch a.Provider {
	case ProviderMock, ProviderOllama, ProviderLocal:
	case ProviderGemini, ProviderAnthropic, ProviderOpenAI, ProviderDeepSeek, ProviderGrok:
		if a.APIKey == "" {
			return fmt.Errorf("ai.api_key is required for provider %q", a.Provider)
		}
	default:
		return fmt.Errorf("unknown or unsupported ai.provider %q", a.Provider)
	}
	if a.Cost.InputPer1K < 0 || a.Cost.OutputPer1K < 0 {
		return fmt.Errorf("ai.cost rates cannot be negative")
	}
	return nil
}
