package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Engine    EngineConfig    `koanf:"engine"`
	Telephony TelephonyConfig `koanf:"telephony"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// TelephonyConfig points at the live voice gateway. Unused while the engine
// runs in simulated mode.
type TelephonyConfig struct {
	GatewayURL     string        `koanf:"gateway_url"`
	APIKey         string        `koanf:"api_key"`
	FromNumber     string        `koanf:"from_number"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxConns        int           `koanf:"max_conns" validate:"min=1"`
	MinConns        int           `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `koanf:"addr" validate:"required"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// EngineConfig is the enumerated, typed configuration of the orchestration
// core: no dynamic settings bags, every knob has a name and a type.
type EngineConfig struct {
	// SimulateCalls is the deployment-level mode flag. The runtime override
	// in redis takes precedence; the hard default is simulate.
	SimulateCalls bool `koanf:"simulate_calls"`
	// TestEndpoint is the pre-verified number simulated calls dial.
	TestEndpoint string `koanf:"test_endpoint" validate:"required,e164"`
	// WebhookBaseURL is the public base URL for provider callbacks.
	WebhookBaseURL string `koanf:"webhook_base_url" validate:"required,url"`

	BackoffTable   []time.Duration `koanf:"backoff_table" validate:"min=1"`
	ConcurrencyCap int             `koanf:"concurrency_cap" validate:"min=1"`
	PollInterval   time.Duration   `koanf:"poll_interval"`
	ClaimBatchSize int             `koanf:"claim_batch_size" validate:"min=1"`
	CallTimeout    time.Duration   `koanf:"call_timeout"`

	DialRatePerSecond float64 `koanf:"dial_rate_per_second"`
	MonitorBufferSize int     `koanf:"monitor_buffer_size"`

	SimulatedDelayMin time.Duration `koanf:"simulated_delay_min"`
	SimulatedDelayMax time.Duration `koanf:"simulated_delay_max"`
	OutcomeWeights    OutcomeWeights `koanf:"outcome_weights"`

	OutcomeRules call.OutcomeRules `koanf:"outcome_rules"`
}

type OutcomeWeights struct {
	Verified   int `koanf:"verified"`
	NotFound   int `koanf:"not_found"`
	NeedsHuman int `koanf:"needs_human"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// Load builds the configuration from defaults, an optional yaml file and
// VCE_-prefixed environment variables, in that order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL:             "postgres://localhost:5432/call_verification?sslmode=disable",
			MaxConns:        25,
			MinConns:        5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Engine: EngineConfig{
			// Safe default: never place real calls unless configured to.
			SimulateCalls:     true,
			TestEndpoint:      "+15005550006",
			WebhookBaseURL:    "http://localhost:8080",
			BackoffTable:      []time.Duration{30 * time.Minute, 240 * time.Minute},
			ConcurrencyCap:    1,
			PollInterval:      5 * time.Second,
			ClaimBatchSize:    10,
			CallTimeout:       5 * time.Minute,
			DialRatePerSecond: 1,
			MonitorBufferSize: 64,
			SimulatedDelayMin: 3 * time.Second,
			SimulatedDelayMax: 8 * time.Second,
			OutcomeWeights: OutcomeWeights{
				Verified:   60,
				NotFound:   25,
				NeedsHuman: 15,
			},
			OutcomeRules: call.DefaultOutcomeRules(),
		},
		Telephony: TelephonyConfig{
			GatewayURL:     "http://localhost:9090",
			FromNumber:     "+15005550010",
			RequestTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = "configs/config.yaml"
	}
	// Config file is optional.
	_ = k.Load(file.Provider(path), yaml.Parser())

	// Double underscore separates nesting levels so keys that themselves
	// contain underscores stay addressable: VCE_ENGINE__SIMULATE_CALLS.
	if err := k.Load(env.Provider("VCE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "VCE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces structural constraints on the loaded configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Engine.SimulatedDelayMax < c.Engine.SimulatedDelayMin {
		return fmt.Errorf("invalid configuration: simulated_delay_max below simulated_delay_min")
	}
	for i := 1; i < len(c.Engine.BackoffTable); i++ {
		if c.Engine.BackoffTable[i] <= c.Engine.BackoffTable[i-1] {
			return fmt.Errorf("invalid configuration: backoff_table must strictly increase")
		}
	}
	return nil
}
