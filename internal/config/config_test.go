package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beatdrop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ctrl := cfg.Controller()
	assert.Equal(t, uint8(4), ctrl.BeatsPerBar)
	assert.Equal(t, uint8(3), ctrl.TriggerCount)
	assert.Equal(t, uint32(16), ctrl.CooldownBeats)
	assert.Equal(t, 10*time.Second, ctrl.HudThresholds.RetryAfter)
	assert.Equal(t, 30*time.Second, ctrl.HudThresholds.OfflineAfter)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
clock:
  beats_per_bar: 3
  default_bpm: 124
drops:
  cooldown_beats: 32
hud:
  retry_after: 5s
  offline_after: 20s
storage:
  plan_store: sqlite
  plan_path: data/plans.db
dispatch:
  deliver_timeout: 250ms
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint8(3), cfg.Clock.BeatsPerBar)
	assert.Equal(t, 124.0, cfg.Clock.DefaultBPM)
	assert.Equal(t, uint32(32), cfg.Drops.CooldownBeats)
	assert.Equal(t, uint8(3), cfg.Drops.TriggerCount, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Hud.RetryAfter)
	assert.Equal(t, PlanStoreSQLite, cfg.Storage.PlanStore)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.DeliverTimeout)
	assert.Equal(t, "data/drops.wal", cfg.Storage.WALPath)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadRepoDefaultFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.Clock.MinConfidence)
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "clock: [oops"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "drops:\n  cooldown_beats: 8\n")
	t.Setenv("BEATDROP_DROPS_COOLDOWN_BEATS", "24")
	t.Setenv("BEATDROP_DROPS_TRIGGER_COUNT", "6")
	t.Setenv("BEATDROP_HUD_OFFLINE_AFTER", "45s")
	t.Setenv("BEATDROP_SERVER_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("BEATDROP_METRONOME_ENABLED", "true")
	t.Setenv("BEATDROP_METRONOME_BPM", "128")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(24), cfg.Drops.CooldownBeats, "env wins over file")
	assert.Equal(t, uint8(6), cfg.Drops.TriggerCount)
	assert.Equal(t, 45*time.Second, cfg.Hud.OfflineAfter)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.HTTPAddr)
	assert.True(t, cfg.Metronome.Enabled)
	assert.Equal(t, 128.0, cfg.MetronomeBPM())
}

func TestEnvOverrideErrors(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("BEATDROP_DROPS_TRIGGER_COUNT", "300")
	t.Setenv("BEATDROP_METRICS_ENABLED", "maybe")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BEATDROP_DROPS_TRIGGER_COUNT")
	assert.Contains(t, err.Error(), "BEATDROP_METRICS_ENABLED")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero beats per bar", func(c *Config) { c.Clock.BeatsPerBar = 0 }},
		{"zero bpm", func(c *Config) { c.Clock.DefaultBPM = 0 }},
		{"confidence above one", func(c *Config) { c.Clock.MinConfidence = 1.5 }},
		{"no triggers", func(c *Config) { c.Drops.TriggerCount = 0 }},
		{"offline before retry", func(c *Config) { c.Hud.OfflineAfter = c.Hud.RetryAfter }},
		{"unknown plan store", func(c *Config) { c.Storage.PlanStore = "s3" }},
		{"empty wal path", func(c *Config) { c.Storage.WALPath = "" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestMetronomeBPMFallsBackToClock(t *testing.T) {
	cfg := Default()
	cfg.Clock.DefaultBPM = 126
	assert.Equal(t, 126.0, cfg.MetronomeBPM())
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "trigger", 2)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"trigger":2`)
}
