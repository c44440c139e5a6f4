// Package config centralises runtime configuration for Outpost services.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Outpost operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// IntegrationStrategy selects how integration events fan out to subscribers.
type IntegrationStrategy string

const (
	// StrategyDispatch invokes subscriber handlers in-process via per-subscriber delivery rows.
	StrategyDispatch IntegrationStrategy = "dispatch"
	// StrategyRelay publishes raw envelopes to an external broker topic.
	StrategyRelay IntegrationStrategy = "relay"
)

// DatabaseSettings configures the Postgres connection shared by all stores.
type DatabaseSettings struct {
	DSN            string `yaml:"dsn"`
	MigrateOnBoot  bool   `yaml:"migrateOnBoot"`
	MaxConnections int32  `yaml:"maxConnections"`
}

// Duration wraps time.Duration so yaml values may use Go duration strings ("30s").
type Duration time.Duration

// UnmarshalYAML accepts both integer nanoseconds and duration strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DispatchSettings tunes the domain and integration dispatcher loops.
type DispatchSettings struct {
	BatchSize       int      `yaml:"batchSize"`
	PollInterval    Duration `yaml:"pollInterval"`
	BatchDelay      Duration `yaml:"batchDelay"`
	MaxAttempts     int      `yaml:"maxAttempts"`
	LeaseDuration   Duration `yaml:"leaseDuration"`
	BackoffCap      Duration `yaml:"backoffCap"`
	BackoffExponent int      `yaml:"backoffExponent"`
	PollRateLimit   float64  `yaml:"pollRateLimit"`
}

// RelaySettings configures the broker transport used by the relay strategy.
type RelaySettings struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topicPrefix"`
}

// IntegrationSettings selects and tunes the integration fan-out strategy.
type IntegrationSettings struct {
	Strategy IntegrationStrategy `yaml:"strategy"`
	Relay    RelaySettings       `yaml:"relay"`
}

// TelemetrySettings configures OpenTelemetry exporters.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the Outpost configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment         `yaml:"environment"`
	Database    DatabaseSettings    `yaml:"database"`
	Dispatch    DispatchSettings    `yaml:"dispatch"`
	Integration IntegrationSettings `yaml:"integration"`
	Telemetry   TelemetrySettings   `yaml:"telemetry"`
}

// Default returns the default Outpost configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Database: DatabaseSettings{
			DSN:            "",
			MigrateOnBoot:  false,
			MaxConnections: 8,
		},
		Dispatch: DispatchSettings{
			BatchSize:       32,
			PollInterval:    Duration(time.Second),
			BatchDelay:      Duration(250 * time.Millisecond),
			MaxAttempts:     10,
			LeaseDuration:   Duration(30 * time.Second),
			BackoffCap:      Duration(5 * time.Minute),
			BackoffExponent: 8,
			PollRateLimit:   10,
		},
		Integration: IntegrationSettings{
			Strategy: StrategyDispatch,
			Relay: RelaySettings{
				Brokers:     nil,
				TopicPrefix: "",
			},
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			OTLPInsecure: false,
			ServiceName:  "outpost-dispatcher",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	return applyEnv(Default())
}

// Load reads the yaml configuration at path, applies environment overrides, and validates.
// When the file does not exist, defaults plus environment overrides are returned with ok=false.
func Load(path string) (Settings, bool, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, false, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = applyEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return Settings{}, false, err
		}
		return cfg, false, nil
	default:
		return Settings{}, false, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, false, err
	}
	return cfg, true, nil
}

func applyEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("OUTPOST_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("OUTPOST_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("OUTPOST_MIGRATE_ON_BOOT")); v != "" {
		cfg.Database.MigrateOnBoot = v == "true"
	}
	if v := strings.TrimSpace(os.Getenv("OUTPOST_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.BatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OUTPOST_POLL_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Dispatch.PollInterval = Duration(d)
		}
	}
	if v := strings.TrimSpace(os.Getenv("OUTPOST_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.MaxAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OUTPOST_LEASE_DURATION")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Dispatch.LeaseDuration = Duration(d)
		}
	}
	if v := strings.TrimSpace(os.Getenv("OUTPOST_INTEGRATION_STRATEGY")); v != "" {
		cfg.Integration.Strategy = IntegrationStrategy(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("OUTPOST_RELAY_BROKERS")); v != "" {
		parts := strings.Split(v, ",")
		brokers := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				brokers = append(brokers, p)
			}
		}
		cfg.Integration.Relay.Brokers = brokers
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg
}

// Validate rejects settings the dispatcher loops cannot run with.
func (s Settings) Validate() error {
	if s.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("config: dispatch.batchSize must be > 0")
	}
	if s.Dispatch.PollInterval <= 0 {
		return fmt.Errorf("config: dispatch.pollInterval must be > 0")
	}
	if s.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("config: dispatch.maxAttempts must be > 0")
	}
	if s.Dispatch.LeaseDuration <= 0 {
		return fmt.Errorf("config: dispatch.leaseDuration must be > 0")
	}
	if s.Dispatch.BackoffExponent < 0 {
		return fmt.Errorf("config: dispatch.backoffExponent must be >= 0")
	}
	switch s.Integration.Strategy {
	case StrategyDispatch:
	case StrategyRelay:
		if len(s.Integration.Relay.Brokers) == 0 {
			return fmt.Errorf("config: integration.relay.brokers required for relay strategy")
		}
	default:
		return fmt.Errorf("config: unknown integration strategy %q", s.Integration.Strategy)
	}
	return nil
}
