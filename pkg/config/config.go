package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string           `yaml:"environment" default:"development" validate:"required"`
	Log         LogConfig        `yaml:"log"`
	Server      ServerConfig     `yaml:"server"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Redis       RedisConfig      `yaml:"redis"`
	Store       StoreConfig      `yaml:"store"`
	Cache       CacheConfig      `yaml:"cache"`
	Consensus   ConsensusConfig  `yaml:"consensus"`
	Risk        RiskConfig       `yaml:"risk"`
	Execution   ExecutionConfig  `yaml:"execution"`
	Venues      VenuesConfig     `yaml:"venues"`
}

type LogConfig struct {
	Level          string        `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format         string        `yaml:"format" default:"json" validate:"oneof=json console"`
	Output         string        `yaml:"output" default:"stdout"`
	CollectErrors  bool          `yaml:"collect_errors" default:"true"`
	CollectWindow  time.Duration `yaml:"collect_window" default:"30s"`
	CollectMaxKeys int           `yaml:"collect_max_keys" default:"100"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	RatePerSecond   float64       `yaml:"rate_per_second" default:"50" validate:"gte=0"`
	RateBurst       int           `yaml:"rate_burst" default:"100" validate:"gte=0"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers" validate:"required,min=1"`
	RequiredAcks int      `yaml:"required_acks" default:"-1"`
	Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=gzip snappy lz4 zstd"`
	Producer     struct {
		MaxAttempts    int           `yaml:"max_attempts" default:"3"`
		RetryMax       int           `yaml:"retry_max" default:"3"`
		BackoffMin     time.Duration `yaml:"backoff_min" default:"50ms"`
		BackoffMax     time.Duration `yaml:"backoff_max" default:"1s"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout" default:"5s"`
		Linger         time.Duration `yaml:"linger" default:"5ms"`
		BatchBytes     int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize      int           `yaml:"batch_size" default:"100"`
		WriteTimeout   time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout    time.Duration `yaml:"read_timeout" default:"10s"`
	} `yaml:"producer"`
	Consumer struct {
		GroupPrefix     string        `yaml:"group_prefix" default:"tradecore"`
		AutoOffsetReset string        `yaml:"auto_offset_reset" default:"earliest" validate:"oneof=earliest latest"`
		Workers         int           `yaml:"workers" default:"4" validate:"gte=1"`
		BufferSize      int           `yaml:"buffer_size" default:"64"`
		RetryMax        int           `yaml:"retry_max" default:"3"`
		BackoffMin      time.Duration `yaml:"backoff_min" default:"50ms"`
		BackoffMax      time.Duration `yaml:"backoff_max" default:"2s"`
		PollTimeout     time.Duration `yaml:"poll_timeout" default:"1s"`
		DLQTopic        string        `yaml:"dlq_topic" default:"dead.letter"`
		MinBytes        int           `yaml:"min_bytes" default:"1"`
		MaxBytes        int           `yaml:"max_bytes" default:"10000000"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"tradecore"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert" default:"true"`
	MaxOpenConns     int           `yaml:"max_open_conns" default:"10"`
	MaxIdleConns     int           `yaml:"max_idle_conns" default:"5"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
}

type RedisConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size" default:"20"`
	Prefix   string `yaml:"prefix" default:"tradecore"`

	DialTimeout  time.Duration `yaml:"dial_timeout" default:"2s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"500ms"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"500ms"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend" default:"clickhouse" validate:"oneof=clickhouse memory"`
	InsertTimeout time.Duration `yaml:"insert_timeout" default:"2s"`
	QueryTimeout  time.Duration `yaml:"query_timeout" default:"5s"`
	BatchSize     int           `yaml:"batch_size" default:"500" validate:"gte=1"`
}

type CacheConfig struct {
	Backend      string        `yaml:"backend" default:"redis" validate:"oneof=redis memory"`
	OpTimeout    time.Duration `yaml:"op_timeout" default:"200ms"`
	PortfolioTTL time.Duration `yaml:"portfolio_ttl" default:"0s"`
	StateTTL     time.Duration `yaml:"state_ttl" default:"1h"`
	CASRetries   int           `yaml:"cas_retries" default:"8" validate:"gte=1"`
	MaxEntries   int           `yaml:"max_entries" default:"10000"`
}

type WeightsConfig struct {
	Risk      float64 `yaml:"risk" default:"0.35" validate:"gte=0,lte=1"`
	Trading   float64 `yaml:"trading" default:"0.40" validate:"gte=0,lte=1"`
	Sentiment float64 `yaml:"sentiment" default:"0.25" validate:"gte=0,lte=1"`
}

type ConsensusConfig struct {
	Weights          WeightsConfig `yaml:"weights"`
	SignalWindow     time.Duration `yaml:"signal_window" default:"60s"`
	ExecuteThreshold float64       `yaml:"execute_threshold" default:"0.70" validate:"gt=0,lte=1"`
	HoldThreshold    float64       `yaml:"hold_threshold" default:"0.40" validate:"gte=0,lte=1"`
	HistorySize      int           `yaml:"history_size" default:"100" validate:"gte=1"`
	WeightRefresh    time.Duration `yaml:"weight_refresh" default:"30s"`
	CallbackTimeout  time.Duration `yaml:"callback_timeout" default:"5s"`
}

type RiskConfig struct {
	MaxLeverage        float64 `yaml:"max_leverage" default:"3.0" validate:"gt=0"`
	MaxOpenPositions   int     `yaml:"max_open_positions" default:"5" validate:"gte=1"`
	MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct" default:"0.05" validate:"gt=0,lte=1"`
	MaxCorrelation     float64 `yaml:"max_correlation" default:"0.7" validate:"gt=0,lte=1"`
	MaxPositionPct     float64 `yaml:"max_position_pct" default:"0.10" validate:"gt=0,lte=1"`
	KellyWinRate       float64 `yaml:"kelly_win_rate" default:"0.55" validate:"gt=0,lt=1"`
	KellyWinLossRatio  float64 `yaml:"kelly_win_loss_ratio" default:"1.5" validate:"gt=0"`
	CorrelationWindow  int     `yaml:"correlation_window" default:"120" validate:"gte=3"`
	CorrelationSamples int     `yaml:"correlation_min_samples" default:"20" validate:"gte=3"`

	// CorrelationBucket is the sampling interval both instruments are aligned on.
	CorrelationBucket time.Duration `yaml:"correlation_bucket" default:"1m"`
}

type ExecutionConfig struct {
	UserID         string            `yaml:"user_id" default:"default"`
	InitialBalance float64           `yaml:"initial_balance" default:"10000" validate:"gt=0"`
	SizingMethod   string            `yaml:"sizing_method" default:"fixed_pct" validate:"oneof=fixed_pct kelly"`
	SubmitTimeout  time.Duration     `yaml:"submit_timeout" default:"50ms"`
	SubmitRetries  int               `yaml:"submit_retries" default:"2"`
	DefaultVenue   string            `yaml:"default_venue" default:"paper" validate:"required"`
	Routes         map[string]string `yaml:"routes"`
}

type PaperVenueConfig struct {
	Enabled     bool    `yaml:"enabled" default:"true"`
	SlippageBps float64 `yaml:"slippage_bps" default:"5" validate:"gte=0"`
	FeeRate     float64 `yaml:"fee_rate" default:"0.0004" validate:"gte=0"`
	TickSize    float64 `yaml:"tick_size" default:"0.01" validate:"gt=0"`
}

type RESTVenueConfig struct {
	Name           string        `yaml:"name" validate:"required"`
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"2s"`
	PollInterval   time.Duration `yaml:"poll_interval" default:"500ms"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" default:"2m"`
	RatePerSecond  float64       `yaml:"rate_per_second" default:"10" validate:"gt=0"`
	Burst          int           `yaml:"burst" default:"5" validate:"gte=1"`
}

type VenuesConfig struct {
	Paper PaperVenueConfig  `yaml:"paper"`
	REST  []RESTVenueConfig `yaml:"rest" validate:"dive"`
}

var validate = validator.New()

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Parse decodes YAML and fills unset fields from `default` tags. It does not validate.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// slice elements are created by the decoder, so their defaults are applied afterwards
	for i := range c.Venues.REST {
		if err := defaults.Set(&c.Venues.REST[i]); err != nil {
			return nil, fmt.Errorf("config defaults: %w", err)
		}
	}
	return &c, nil
}

// LoadWithEnv loads .env (if present), then the YAML file, then applies environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := getenv("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_PORT: %w", err)
		}
		c.Redis.Port = port
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	return nil
}

// Validate checks struct constraints plus rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	w := c.Consensus.Weights
	if sum := w.Risk + w.Trading + w.Sentiment; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("consensus.weights must sum to 1.0, got %.6f", sum)
	}
	if c.Consensus.HoldThreshold >= c.Consensus.ExecuteThreshold {
		return fmt.Errorf("consensus.hold_threshold must be below execute_threshold")
	}
	venues := map[string]bool{}
	if c.Venues.Paper.Enabled {
		venues["paper"] = true
	}
	for _, v := range c.Venues.REST {
		if venues[v.Name] {
			return fmt.Errorf("venue %q declared twice", v.Name)
		}
		venues[v.Name] = true
	}
	if !venues[c.Execution.DefaultVenue] {
		return fmt.Errorf("execution.default_venue %q is not configured", c.Execution.DefaultVenue)
	}
	for instrument, venue := range c.Execution.Routes {
		if !venues[venue] {
			return fmt.Errorf("route for %s points to unknown venue %q", instrument, venue)
		}
	}
	return nil
}
