package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow     ServiceConfig      `yaml:"tickflow"`
	Logging      LoggingConfig      `yaml:"logging"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Market       MarketConfig       `yaml:"market"`
	Broker       BrokerConfig       `yaml:"broker"`
	Registry     RegistryConfig     `yaml:"registry"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	Processor    ProcessorConfig    `yaml:"processor"`
	Batcher      BatcherConfig      `yaml:"batcher"`
	Publisher    PublisherConfig    `yaml:"publisher"`
	Executor     ExecutorConfig     `yaml:"executor"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Historical   HistoricalConfig   `yaml:"historical"`
	Mock         MockConfig         `yaml:"mock"`
	Rebalancer   RebalancerConfig   `yaml:"rebalancer"`
	Storage      StorageConfig      `yaml:"storage"`
	Database     DatabaseConfig     `yaml:"database"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type ChannelsConfig struct {
	RawBuffer       int `yaml:"raw_buffer"`
	ProcessedBuffer int `yaml:"processed_buffer"`
	ErrorBuffer     int `yaml:"error_buffer"`
}

// MarketConfig describes the trading session the ticker loop switches on.
// Open and Close are wall-clock "HH:MM" strings evaluated in Timezone.
type MarketConfig struct {
	Timezone         string  `yaml:"timezone"`
	Open             string  `yaml:"open"`
	Close            string  `yaml:"close"`
	UnderlyingSymbol string  `yaml:"underlying_symbol"`
	UnderlyingToken  uint32  `yaml:"underlying_token"`
	UnderlyingName   string  `yaml:"underlying_name"`
	StrikeStep       float64 `yaml:"strike_step"`
	ExpiryCutoff     string  `yaml:"expiry_cutoff"`
	MarkMockData     bool    `yaml:"mark_mock_data"`
}

type AccountConfig struct {
	ID          string `yaml:"id"`
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
}

type BrokerConfig struct {
	APIBase          string          `yaml:"api_base"`
	WSURL            string          `yaml:"ws_url"`
	Accounts         []AccountConfig `yaml:"accounts"`
	MaxTokensPerConn int             `yaml:"max_tokens_per_conn"`
	SubscribeBatch   int             `yaml:"subscribe_batch"`
	SubscribeTimeout time.Duration   `yaml:"subscribe_timeout"`
	CloseTimeout     time.Duration   `yaml:"close_timeout"`
	HealthInterval   time.Duration   `yaml:"health_interval"`
	StaleAfter       time.Duration   `yaml:"stale_after"`
	HTTPTimeout      time.Duration   `yaml:"http_timeout"`
	MaxIdleConns     int             `yaml:"max_idle_conns"`
	MaxConnsPerHost  int             `yaml:"max_conns_per_host"`
	IdleConnTimeout  time.Duration   `yaml:"idle_conn_timeout"`
}

type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Segments        []string      `yaml:"segments"`
}

type ReconcilerConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	MinInterval time.Duration `yaml:"min_interval"`
}

type ProcessorConfig struct {
	MaxWorkers    int     `yaml:"max_workers"`
	StrictMode    bool    `yaml:"strict_mode"`
	PriceCeiling  float64 `yaml:"price_ceiling"`
	RiskFreeRate  float64 `yaml:"risk_free_rate"`
	DividendYield float64 `yaml:"dividend_yield"`
	PriceDivisor  float64 `yaml:"price_divisor"`
}

type BatcherConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type PublisherConfig struct {
	Backend         string        `yaml:"backend"`
	UnderlyingTopic string        `yaml:"underlying_topic"`
	OptionsTopic    string        `yaml:"options_topic"`
	Redis           RedisConfig   `yaml:"redis"`
	Kafka           KafkaConfig   `yaml:"kafka"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ExecutorConfig struct {
	MaxAttempts    int                  `yaml:"max_attempts"`
	BaseDelay      time.Duration        `yaml:"base_delay"`
	MaxDelay       time.Duration        `yaml:"max_delay"`
	PollInterval   time.Duration        `yaml:"poll_interval"`
	MaxTasks       int                  `yaml:"max_tasks"`
	TaskMaxAge     time.Duration        `yaml:"task_max_age"`
	CleanupEvery   time.Duration        `yaml:"cleanup_every"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max"`
}

// CategoryLimit is one endpoint category's call budget.
type CategoryLimit struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
	Burst     int `yaml:"burst"`
}

type RateLimitConfig struct {
	Quote       CategoryLimit `yaml:"quote"`
	Historical  CategoryLimit `yaml:"historical"`
	Order       CategoryLimit `yaml:"order"`
	WSSubscribe CategoryLimit `yaml:"ws_subscribe"`
}

type BackpressureConfig struct {
	Window            time.Duration `yaml:"window"`
	WarningRatio      float64       `yaml:"warning_ratio"`
	CriticalRatio     float64       `yaml:"critical_ratio"`
	OverloadRatio     float64       `yaml:"overload_ratio"`
	CriticalSamplePct int           `yaml:"critical_sample_pct"`
}

type HistoricalConfig struct {
	BackfillLookback time.Duration `yaml:"backfill_lookback"`
	BackfillSample   int           `yaml:"backfill_sample"`
	Interval         string        `yaml:"interval"`
}

type MockConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	MaxInstruments int           `yaml:"max_instruments"`
	StateTTL       time.Duration `yaml:"state_ttl"`
	AssumedSpot    float64       `yaml:"assumed_spot"`
	Volatility     float64       `yaml:"volatility"`
}

type RebalancerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	BandStrikes  int           `yaml:"band_strikes"`
	StrikeWindow int           `yaml:"strike_window"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type MetricsConfig struct {
	ChannelSize bool `yaml:"channel_size"`
	PoolGauges  bool `yaml:"pool_gauges"`
}

// LoadConfig reads and validates the YAML configuration at path, applying
// defaults for optional sections.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Market: MarketConfig{
			Timezone:     "Asia/Kolkata",
			Open:         "09:15",
			Close:        "15:30",
			ExpiryCutoff: "15:30",
			MarkMockData: true,
			StrikeStep:   50,
		},
		Broker: BrokerConfig{
			MaxTokensPerConn: 3000,
			SubscribeBatch:   100,
			SubscribeTimeout: 10 * time.Second,
			CloseTimeout:     5 * time.Second,
			HealthInterval:   30 * time.Second,
			StaleAfter:       60 * time.Second,
			HTTPTimeout:      10 * time.Second,
		},
		Registry: RegistryConfig{
			RefreshInterval: 24 * time.Hour,
		},
		Reconciler: ReconcilerConfig{
			Debounce:    time.Second,
			MinInterval: 5 * time.Second,
		},
		Processor: ProcessorConfig{
			MaxWorkers:   1,
			PriceCeiling: 1_000_000,
			RiskFreeRate: 0.07,
			PriceDivisor: 100,
		},
		Batcher: BatcherConfig{
			Enabled:       true,
			BatchSize:     50,
			FlushInterval: 100 * time.Millisecond,
		},
		Publisher: PublisherConfig{
			Backend:         "redis",
			UnderlyingTopic: "ticks.underlying",
			OptionsTopic:    "ticks.options",
			PublishTimeout:  2 * time.Second,
		},
		Executor: ExecutorConfig{
			MaxAttempts:  3,
			BaseDelay:    time.Second,
			MaxDelay:     60 * time.Second,
			PollInterval: 500 * time.Millisecond,
			MaxTasks:     10_000,
			TaskMaxAge:   24 * time.Hour,
			CleanupEvery: 10 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenMax:      3,
			},
		},
		Backpressure: BackpressureConfig{
			Window:            10 * time.Second,
			WarningRatio:      1.5,
			CriticalRatio:     3,
			OverloadRatio:     5,
			CriticalSamplePct: 50,
		},
		Historical: HistoricalConfig{
			BackfillLookback: 48 * time.Hour,
			BackfillSample:   25,
			Interval:         "minute",
		},
		Mock: MockConfig{
			Interval:       time.Second,
			MaxInstruments: 2000,
			StateTTL:       time.Hour,
			AssumedSpot:    24_000,
			Volatility:     0.15,
		},
		Rebalancer: RebalancerConfig{
			Interval:     time.Minute,
			BandStrikes:  2,
			StrikeWindow: 10,
		},
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if len(cfg.Broker.Accounts) == 0 && !cfg.Mock.Enabled {
		return fmt.Errorf("no broker accounts configured and mock data disabled")
	}
	seen := make(map[string]struct{}, len(cfg.Broker.Accounts))
	for _, acc := range cfg.Broker.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("broker account with empty id")
		}
		if _, dup := seen[acc.ID]; dup {
			return fmt.Errorf("duplicate broker account id %q", acc.ID)
		}
		seen[acc.ID] = struct{}{}
	}
	if cfg.Broker.MaxTokensPerConn <= 0 {
		return fmt.Errorf("broker.max_tokens_per_conn must be positive")
	}
	if cfg.Broker.SubscribeBatch <= 0 {
		return fmt.Errorf("broker.subscribe_batch must be positive")
	}
	if _, err := time.LoadLocation(cfg.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone: %w", err)
	}
	open, err := parseClock(cfg.Market.Open)
	if err != nil {
		return fmt.Errorf("market.open: %w", err)
	}
	closeAt, err := parseClock(cfg.Market.Close)
	if err != nil {
		return fmt.Errorf("market.close: %w", err)
	}
	if !open.Before(closeAt) {
		return fmt.Errorf("market.open %s must precede market.close %s", cfg.Market.Open, cfg.Market.Close)
	}
	switch cfg.Publisher.Backend {
	case "redis":
		if cfg.Publisher.Redis.Addr == "" {
			return fmt.Errorf("publisher.redis.addr is required for the redis backend")
		}
	case "kafka":
		if len(cfg.Publisher.Kafka.Brokers) == 0 {
			return fmt.Errorf("publisher.kafka.brokers is required for the kafka backend")
		}
	case "none":
	default:
		return fmt.Errorf("unknown publisher backend %q", cfg.Publisher.Backend)
	}
	if cfg.Batcher.BatchSize <= 0 {
		return fmt.Errorf("batcher.batch_size must be positive")
	}
	if cfg.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts must be positive")
	}
	if cfg.Executor.MaxTasks <= 0 {
		return fmt.Errorf("executor.max_tasks must be positive")
	}
	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when the archive is enabled")
	}
	return nil
}

// ClockTime is a timezone-free wall clock instant ("HH:MM").
type ClockTime struct {
	Hour   int
	Minute int
}

// Before reports whether c precedes other within a day.
func (c ClockTime) Before(other ClockTime) bool {
	if c.Hour != other.Hour {
		return c.Hour < other.Hour
	}
	return c.Minute < other.Minute
}

// Minutes returns the clock time as minutes since midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func parseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("expected HH:MM, got %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MarketClock bundles the parsed session bounds with their location.
type MarketClock struct {
	Location *time.Location
	Open     ClockTime
	Close    ClockTime
}

// Clock builds the parsed market clock from the validated configuration.
func (m MarketConfig) Clock() (MarketClock, error) {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return MarketClock{}, err
	}
	open, err := parseClock(m.Open)
	if err != nil {
		return MarketClock{}, err
	}
	closeAt, err := parseClock(m.Close)
	if err != nil {
		return MarketClock{}, err
	}
	return MarketClock{Location: loc, Open: open, Close: closeAt}, nil
}

// InSession reports whether now falls inside the market session. Weekends
// are always out of session.
func (c MarketClock) InSession(now time.Time) bool {
	local := now.In(c.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= c.Open.Minutes() && minutes < c.Close.Minutes()
}

// Today returns the current trading day (midnight) in the market timezone.
func (c MarketClock) Today(now time.Time) time.Time {
	local := now.In(c.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location)
}

// ExpiryCutoffOn returns the expiry cutoff instant for the given contract
// expiry date, in the market timezone.
func (m MarketConfig) ExpiryCutoffOn(expiry time.Time, loc *time.Location) time.Time {
	cutoff, err := parseClock(m.ExpiryCutoff)
	if err != nil {
		cutoff = ClockTime{Hour: 15, Minute: 30}
	}
	return time.Date(expiry.Year(), expiry.Month(), expiry.Day(), cutoff.Hour, cutoff.Minute, 0, 0, loc)
}
