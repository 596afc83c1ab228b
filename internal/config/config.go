// Package config defines all configuration for the bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fundingbot/internal/resilience"
)

// DefaultPath is used when neither --config nor BOT_CONFIG is set.
const DefaultPath = "configs/config.yaml"

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool                      `mapstructure:"dry_run"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
	Chain     ChainConfig               `mapstructure:"chain"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Store     StoreConfig               `mapstructure:"store"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Dashboard DashboardConfig           `mapstructure:"dashboard"`
}

// ExchangeConfig describes one exchange adapter and the request policy that
// guards it. APIKey/APISecret are normally injected from the environment.
type ExchangeConfig struct {
	BaseURL   string   `mapstructure:"base_url"`
	WSURL     string   `mapstructure:"ws_url"`
	APIKey    string   `mapstructure:"api_key"`
	APISecret string   `mapstructure:"api_secret"`
	Symbols   []string `mapstructure:"symbols"`

	DefaultCategory string                    `mapstructure:"default_category"`
	Categories      map[string]CategoryConfig `mapstructure:"categories"`
	Endpoints       []EndpointConfig          `mapstructure:"endpoints"`
	Routes          RoutesConfig              `mapstructure:"routes"`

	Breaker    BreakerConfig `mapstructure:"breaker"`
	Backoff    BackoffConfig `mapstructure:"backoff"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries *int          `mapstructure:"max_retries"`
}

// CategoryConfig sizes one token bucket.
type CategoryConfig struct {
	Capacity   int     `mapstructure:"capacity"`
	RefillRate float64 `mapstructure:"refill_rate"`
}

// EndpointConfig prices an endpoint. With Prefix set, the rule matches every
// endpoint starting with Path.
type EndpointConfig struct {
	Path     string `mapstructure:"path"`
	Weight   int    `mapstructure:"weight"`
	Category string `mapstructure:"category"`
	Prefix   bool   `mapstructure:"prefix"`
}

// RoutesConfig maps domain calls to exchange paths. {symbol} is substituted.
type RoutesConfig struct {
	Ticker      string `mapstructure:"ticker"`
	FundingRate string `mapstructure:"funding_rate"`
	ServerTime  string `mapstructure:"server_time"`
	PlaceOrder  string `mapstructure:"place_order"`
	CancelOrder string `mapstructure:"cancel_order"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
}

// ChainConfig points at an EVM JSON-RPC node. Balances are read for Watch.
type ChainConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	RPCURL  string         `mapstructure:"rpc_url"`
	Watch   []string       `mapstructure:"watch"`
	Policy  ExchangeConfig `mapstructure:"policy"`
}

// SchedulerConfig controls how often market data is polled.
type SchedulerConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// StoreConfig sets where metrics snapshots are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the HTTP API and event stream.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BOT_<EXCHANGE>_API_KEY, BOT_<EXCHANGE>_API_SECRET, BOT_RPC_URL.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("BOT_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("scheduler.poll_interval", 10*time.Second)
	v.SetDefault("scheduler.snapshot_interval", time.Minute)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8080)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	for name, ex := range cfg.Exchanges {
		prefix := "BOT_" + strings.ToUpper(name) + "_"
		if key := os.Getenv(prefix + "API_KEY"); key != "" {
			ex.APIKey = key
		}
		if secret := os.Getenv(prefix + "API_SECRET"); secret != "" {
			ex.APISecret = secret
		}
		cfg.Exchanges[name] = ex
	}
	if url := os.Getenv("BOT_RPC_URL"); url != "" {
		cfg.Chain.RPCURL = url
	}
	if os.Getenv("BOT_DRY_RUN") == "true" || os.Getenv("BOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured under exchanges")
	}
	for _, name := range c.ExchangeNames() {
		ex := c.Exchanges[name]
		if ex.BaseURL == "" {
			return fmt.Errorf("exchanges.%s.base_url is required", name)
		}
		if err := ex.validatePolicy("exchanges." + name); err != nil {
			return err
		}
	}
	if c.Chain.Enabled {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required when chain.enabled is set (or set BOT_RPC_URL)")
		}
		if err := c.Chain.Policy.validatePolicy("chain.policy"); err != nil {
			return err
		}
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}
	return nil
}

func (ex ExchangeConfig) validatePolicy(path string) error {
	if len(ex.Categories) == 0 {
		return fmt.Errorf("%s.categories needs at least one rate limit category", path)
	}
	for cat, cc := range ex.Categories {
		if cc.Capacity < 1 {
			return fmt.Errorf("%s.categories.%s.capacity must be >= 1", path, cat)
		}
		if cc.RefillRate < 0 {
			return fmt.Errorf("%s.categories.%s.refill_rate must be >= 0", path, cat)
		}
	}
	if ex.MaxRetries != nil && *ex.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be >= 0", path)
	}
	if ex.Backoff.JitterFactor < 0 || ex.Backoff.JitterFactor > 1 {
		return fmt.Errorf("%s.backoff.jitter_factor must be within [0,1]", path)
	}
	if ex.Backoff.Multiplier != 0 && ex.Backoff.Multiplier < 1 {
		return fmt.Errorf("%s.backoff.multiplier must be >= 1", path)
	}
	return nil
}

// ExchangeNames returns the configured exchanges in sorted order.
func (c *Config) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PolicyConfig converts an exchange section into a resilience.Config,
// filling in defaults for anything left unset.
func (c *Config) PolicyConfig(exchange string) (resilience.Config, error) {
	ex, ok := c.Exchanges[exchange]
	if !ok {
		return resilience.Config{}, fmt.Errorf("unknown exchange %q", exchange)
	}
	return ex.PolicyConfig(exchange), nil
}

// Default policy settings applied when the YAML leaves a field at zero.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxRetries       = 3
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 30 * time.Second
	DefaultInitialDelay     = 500 * time.Millisecond
	DefaultMaxDelay         = 30 * time.Second
	DefaultMultiplier       = 2.0
)

// PolicyConfig converts this section into a resilience.Config named name.
func (ex ExchangeConfig) PolicyConfig(name string) resilience.Config {
	categories := make(map[string]resilience.BucketConfig, len(ex.Categories))
	for cat, cc := range ex.Categories {
		categories[cat] = resilience.BucketConfig{Capacity: cc.Capacity, RefillRatePerSecond: cc.RefillRate}
	}
	rules := make([]resilience.EndpointRule, 0, len(ex.Endpoints))
	for _, e := range ex.Endpoints {
		rules = append(rules, resilience.EndpointRule{
			Endpoint: e.Path,
			Weight:   e.Weight,
			Category: e.Category,
			Prefix:   e.Prefix,
		})
	}

	out := resilience.Config{
		Exchange:        name,
		Categories:      categories,
		DefaultCategory: ex.DefaultCategory,
		Endpoints:       rules,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: orInt(ex.Breaker.FailureThreshold, DefaultFailureThreshold),
			SuccessThreshold: orInt(ex.Breaker.SuccessThreshold, DefaultSuccessThreshold),
			ResetTimeout:     orDuration(ex.Breaker.ResetTimeout, DefaultResetTimeout),
			HalfOpenMaxCalls: orInt(ex.Breaker.HalfOpenMaxCalls, 1),
		},
		Backoff: resilience.BackoffConfig{
			InitialDelay: orDuration(ex.Backoff.InitialDelay, DefaultInitialDelay),
			MaxDelay:     orDuration(ex.Backoff.MaxDelay, DefaultMaxDelay),
			Multiplier:   DefaultMultiplier,
			JitterFactor: ex.Backoff.JitterFactor,
		},
		DefaultTimeout: orDuration(ex.Timeout, DefaultTimeout),
		MaxRetries:     DefaultMaxRetries,
	}
	if ex.Backoff.Multiplier > 0 {
		out.Backoff.Multiplier = ex.Backoff.Multiplier
	}
	if ex.MaxRetries != nil {
		out.MaxRetries = *ex.MaxRetries
	}
	return out
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
