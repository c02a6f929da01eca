package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, time.Duration(0), cfg.Escalation.DedupWindow, "dedup is off by default")
	assert.Equal(t, 100, cfg.Tracker.HighFrequencyCalls)
	assert.Equal(t, int64(10000), cfg.Tracker.SlowResponseMs)
	assert.Equal(t, "0 */5 * * * *", cfg.Tracker.SweepSchedule)
	assert.Equal(t, 24*time.Hour, cfg.Scoring.Lookback)
	assert.Equal(t, DefaultDisclaimers, cfg.LLMGate.Disclaimers)
	assert.Equal(t, "*/30 * * * * *", cfg.Dashboard.SnapshotSchedule)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guarddog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
escalation:
  dedup_window: 10m
llm_gate:
  disclaimers:
    - "Unverified."
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Escalation.DedupWindow)
	assert.Equal(t, []string{"Unverified."}, cfg.LLMGate.Disclaimers)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GUARDDOG_SERVER_PORT", "7070")
	t.Setenv("GUARDDOG_DATABASE_DRIVER", "postgres")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Bad Port", func(c *Config) { c.Server.Port = 0 }},
		{"Unknown Driver", func(c *Config) { c.Database.Driver = "mongo" }},
		{"Negative Dedup Window", func(c *Config) { c.Escalation.DedupWindow = -time.Second }},
		{"Redis Dedup Without Redis", func(c *Config) {
			c.Escalation.DedupBackend = "redis"
			c.Escalation.DedupWindow = time.Minute
		}},
		{"No Disclaimers", func(c *Config) { c.LLMGate.Disclaimers = nil }},
		{"Auth Without Secret", func(c *Config) { c.Server.AuthEnabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	cfg.Logging.Level = "shouting"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.DSN())
}
