package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/hud"
)

// DefaultPath is the config file read when no path is given. It may be absent.
const DefaultPath = "configs/default.yaml"

// Plan store kinds
const (
	PlanStoreFile   = "file"
	PlanStoreSQLite = "sqlite"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("config: invalid")

// Config is the complete beatdrop configuration.
type Config struct {
	Clock     ClockConfig     `yaml:"clock"`
	Drops     DropsConfig     `yaml:"drops"`
	Hud       HudConfig       `yaml:"hud"`
	Storage   StorageConfig   `yaml:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Metronome MetronomeConfig `yaml:"metronome"`
	Log       LogConfig       `yaml:"log"`
}

type ClockConfig struct {
	BeatsPerBar   uint8   `yaml:"beats_per_bar"`
	DefaultBPM    float64 `yaml:"default_bpm"`
	TickBuffer    int     `yaml:"tick_buffer"`
	MinConfidence float64 `yaml:"min_confidence"`
}

type DropsConfig struct {
	TriggerCount  uint8  `yaml:"trigger_count"`
	CooldownBeats uint32 `yaml:"cooldown_beats"`
}

type HudConfig struct {
	RetryAfter   time.Duration `yaml:"retry_after"`
	OfflineAfter time.Duration `yaml:"offline_after"`
}

type StorageConfig struct {
	WALPath          string        `yaml:"wal_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	PlanStore        string        `yaml:"plan_store"` // file | sqlite
	PlanPath         string        `yaml:"plan_path"`  // JSON file or SQLite database
	PlanName         string        `yaml:"plan_name"`  // sqlite only
}

type DispatchConfig struct {
	Workers        int           `yaml:"workers"`
	Buffer         int           `yaml:"buffer"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetronomeConfig drives the built-in beat source when no detector feeds ticks
type MetronomeConfig struct {
	Enabled bool    `yaml:"enabled"`
	BPM     float64 `yaml:"bpm"` // 0 uses clock.default_bpm
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() Config {
	ctrl := controller.DefaultConfig()
	th := hud.DefaultThresholds()
	return Config{
		Clock: ClockConfig{
			BeatsPerBar: ctrl.BeatsPerBar,
			DefaultBPM:  ctrl.DefaultBPM,
			TickBuffer:  ctrl.TickBuffer,
		},
		Drops: DropsConfig{
			TriggerCount:  ctrl.TriggerCount,
			CooldownBeats: ctrl.CooldownBeats,
		},
		Hud: HudConfig{
			RetryAfter:   th.RetryAfter,
			OfflineAfter: th.OfflineAfter,
		},
		Storage: StorageConfig{
			WALPath:          ctrl.WALPath,
			SnapshotPath:     ctrl.SnapshotPath,
			SnapshotInterval: ctrl.SnapshotInterval,
			PlanStore:        PlanStoreFile,
			PlanPath:         "data/sceneplan.json",
		},
		Dispatch: DispatchConfig{
			Workers:        ctrl.DispatchWorkers,
			Buffer:         ctrl.DispatchBuffer,
			DeliverTimeout: ctrl.DeliverTimeout,
		},
		Server: ServerConfig{
			GRPCAddr: ":50051",
			HTTPAddr: ":8080",
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads defaults, then the YAML file, then BEATDROP_* environment
// overrides. An empty path falls back to BEATDROP_CONFIG and then
// DefaultPath; a missing DefaultPath is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("BEATDROP_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}
	if err := loadFromFile(path, &cfg); err != nil {
		if !(errors.Is(err, fs.ErrNotExist) && path == DefaultPath) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, bits int, set func(uint64)) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, bits)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			set(n)
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	num("BEATDROP_CLOCK_BEATS_PER_BAR", 8, func(n uint64) { cfg.Clock.BeatsPerBar = uint8(n) })
	float("BEATDROP_CLOCK_DEFAULT_BPM", &cfg.Clock.DefaultBPM)
	float("BEATDROP_CLOCK_MIN_CONFIDENCE", &cfg.Clock.MinConfidence)
	num("BEATDROP_DROPS_TRIGGER_COUNT", 8, func(n uint64) { cfg.Drops.TriggerCount = uint8(n) })
	num("BEATDROP_DROPS_COOLDOWN_BEATS", 32, func(n uint64) { cfg.Drops.CooldownBeats = uint32(n) })
	duration("BEATDROP_HUD_RETRY_AFTER", &cfg.Hud.RetryAfter)
	duration("BEATDROP_HUD_OFFLINE_AFTER", &cfg.Hud.OfflineAfter)
	str("BEATDROP_STORAGE_WAL_PATH", &cfg.Storage.WALPath)
	str("BEATDROP_STORAGE_SNAPSHOT_PATH", &cfg.Storage.SnapshotPath)
	str("BEATDROP_STORAGE_PLAN_STORE", &cfg.Storage.PlanStore)
	str("BEATDROP_STORAGE_PLAN_PATH", &cfg.Storage.PlanPath)
	str("BEATDROP_STORAGE_PLAN_NAME", &cfg.Storage.PlanName)
	str("BEATDROP_SERVER_GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("BEATDROP_SERVER_HTTP_ADDR", &cfg.Server.HTTPAddr)
	boolean("BEATDROP_METRICS_ENABLED", &cfg.Metrics.Enabled)
	boolean("BEATDROP_METRONOME_ENABLED", &cfg.Metronome.Enabled)
	float("BEATDROP_METRONOME_BPM", &cfg.Metronome.BPM)
	str("BEATDROP_LOG_LEVEL", &cfg.Log.Level)
	str("BEATDROP_LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// Validate checks ranges and enumerations
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Clock.BeatsPerBar >= 1, "clock.beats_per_bar must be >= 1")
	check(c.Clock.DefaultBPM > 0, "clock.default_bpm must be > 0, got %v", c.Clock.DefaultBPM)
	check(c.Clock.MinConfidence >= 0 && c.Clock.MinConfidence <= 1, "clock.min_confidence must be in 0..1, got %v", c.Clock.MinConfidence)
	check(c.Drops.TriggerCount >= 1, "drops.trigger_count must be >= 1")
	check(c.Hud.RetryAfter > 0 && c.Hud.OfflineAfter > c.Hud.RetryAfter,
		"hud thresholds must satisfy 0 < retry_after < offline_after, got %s / %s", c.Hud.RetryAfter, c.Hud.OfflineAfter)
	check(c.Storage.WALPath != "", "storage.wal_path is required")
	check(c.Storage.SnapshotPath != "", "storage.snapshot_path is required")
	check(c.Storage.PlanStore == PlanStoreFile || c.Storage.PlanStore == PlanStoreSQLite,
		"storage.plan_store must be %q or %q, got %q", PlanStoreFile, PlanStoreSQLite, c.Storage.PlanStore)
	check(c.Storage.PlanPath != "", "storage.plan_path is required")
	check(c.Metronome.BPM >= 0, "metronome.bpm must be >= 0")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// Controller maps the configuration onto controller.Config
func (c Config) Controller() controller.Config {
	return controller.Config{
		BeatsPerBar:   c.Clock.BeatsPerBar,
		DefaultBPM:    c.Clock.DefaultBPM,
		TriggerCount:  c.Drops.TriggerCount,
		CooldownBeats: c.Drops.CooldownBeats,
		MinConfidence: c.Clock.MinConfidence,
		TickBuffer:    c.Clock.TickBuffer,
		HudThresholds: hud.Thresholds{
			RetryAfter:   c.Hud.RetryAfter,
			OfflineAfter: c.Hud.OfflineAfter,
		},
		WALPath:          c.Storage.WALPath,
		SnapshotPath:     c.Storage.SnapshotPath,
		SnapshotInterval: c.Storage.SnapshotInterval,
		DispatchWorkers:  c.Dispatch.Workers,
		DispatchBuffer:   c.Dispatch.Buffer,
		DeliverTimeout:   c.Dispatch.DeliverTimeout,
	}
}

// MetronomeBPM is the metronome tempo, falling back to the clock default
func (c Config) MetronomeBPM() float64 {
	if c.Metronome.BPM > 0 {
		return c.Metronome.BPM
	}
	return c.Clock.DefaultBPM
}

// LogLevel parses log.level
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the slog logger described by the log section
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
