package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, loaded, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, Default().Dispatch.BatchSize, cfg.Dispatch.BatchSize)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.yaml")
	body := `
environment: staging
database:
  dsn: postgres://localhost:5432/outpost
  migrateOnBoot: true
dispatch:
  batchSize: 64
  pollInterval: 2s
  maxAttempts: 5
  leaseDuration: 45s
integration:
  strategy: relay
  relay:
    brokers: ["broker-1:9092", "broker-2:9092"]
    topicPrefix: outpost
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.True(t, cfg.Database.MigrateOnBoot)
	require.Equal(t, 64, cfg.Dispatch.BatchSize)
	require.Equal(t, 2*time.Second, cfg.Dispatch.PollInterval.Std())
	require.Equal(t, 45*time.Second, cfg.Dispatch.LeaseDuration.Std())
	require.Equal(t, StrategyRelay, cfg.Integration.Strategy)
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Integration.Relay.Brokers)
	require.Equal(t, "outpost", cfg.Integration.Relay.TopicPrefix)
	// Fields absent from the file keep defaults.
	require.Equal(t, Default().Dispatch.BackoffCap, cfg.Dispatch.BackoffCap)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OUTPOST_ENV", "dev")
	t.Setenv("OUTPOST_BATCH_SIZE", "7")
	t.Setenv("OUTPOST_POLL_INTERVAL", "500ms")
	t.Setenv("OUTPOST_INTEGRATION_STRATEGY", "relay")
	t.Setenv("OUTPOST_RELAY_BROKERS", "a:9092, b:9092")

	cfg := FromEnv()
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, 7, cfg.Dispatch.BatchSize)
	require.Equal(t, 500*time.Millisecond, cfg.Dispatch.PollInterval.Std())
	require.Equal(t, StrategyRelay, cfg.Integration.Strategy)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Integration.Relay.Brokers)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero batch size", func(s *Settings) { s.Dispatch.BatchSize = 0 }},
		{"zero poll interval", func(s *Settings) { s.Dispatch.PollInterval = 0 }},
		{"zero max attempts", func(s *Settings) { s.Dispatch.MaxAttempts = 0 }},
		{"zero lease", func(s *Settings) { s.Dispatch.LeaseDuration = 0 }},
		{"negative exponent", func(s *Settings) { s.Dispatch.BackoffExponent = -1 }},
		{"unknown strategy", func(s *Settings) { s.Integration.Strategy = "carrier-pigeon" }},
		{"relay without brokers", func(s *Settings) { s.Integration.Strategy = StrategyRelay }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestDurationUnmarshalInvalid(t *testing.T) {
	var cfg Settings
	err := yaml.Unmarshal([]byte("dispatch:\n  pollInterval: never\n"), &cfg)
	require.Error(t, err)
}
