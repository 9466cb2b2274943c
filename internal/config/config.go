// Package config loads tavern settings from YAML with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/engine"
	"github.com/talgya/tavern/internal/footfall"
	"github.com/talgya/tavern/internal/service"
)

// Config is the full tavern configuration.
type Config struct {
	Catalog string        `yaml:"catalog"`
	Seed    int64         `yaml:"seed"`
	Pool    PoolConfig    `yaml:"pool"`
	Queue   QueueConfig   `yaml:"queue"`
	Service ServiceConfig `yaml:"service"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Weather WeatherConfig `yaml:"weather"`
	Log     LogConfig     `yaml:"log"`

	// API keys for outside services. Only ever set from the environment.
	RandomOrgKey string `yaml:"-"` // seeds the day when Seed is zero
	WeatherKey   string `yaml:"-"` // OpenWeatherMap, scales footfall
}

type PoolConfig struct {
	CooldownRequirement int            `yaml:"cooldown_requirement"`
	Footfall            FootfallConfig `yaml:"footfall"`
}

type FootfallConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Amplitude         float64       `yaml:"amplitude"`
	Period            time.Duration `yaml:"period"`
	Octaves           int           `yaml:"octaves"`
	ReputationPerStep int           `yaml:"reputation_per_step"`
	ReputationBonus   float64       `yaml:"reputation_bonus"`
}

type QueueConfig struct {
	Capacity int    `yaml:"capacity"`
	Overflow string `yaml:"overflow"`
}

type ServiceConfig struct {
	FastServeThreshold int           `yaml:"fast_serve_threshold"`
	NormalInterval     time.Duration `yaml:"normal_interval"`
	DrinkMin           time.Duration `yaml:"drink_min"`
	DrinkMax           time.Duration `yaml:"drink_max"`
}

// EngineConfig drives the frame loop and the headless presenter.
type EngineConfig struct {
	FrameInterval    time.Duration `yaml:"frame_interval"`
	Speed            float64       `yaml:"speed"`
	SpawnInterval    time.Duration `yaml:"spawn_interval"`
	PhaseLength      time.Duration `yaml:"phase_length"`
	EntranceDuration time.Duration `yaml:"entrance_duration"`
	ExitDuration     time.Duration `yaml:"exit_duration"`
	OrderDelay       time.Duration `yaml:"order_delay"`
	Autopilot        bool          `yaml:"autopilot"`
	Bartender        bool          `yaml:"bartender"`
	MistakeRate      float64       `yaml:"mistake_rate"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Port     int    `yaml:"port"`
	AdminKey string `yaml:"admin_key"`
	RelayKey string `yaml:"relay_key"`
}

// WeatherConfig locates the real-world weather that scales footfall.
type WeatherConfig struct {
	Location string        `yaml:"location"`
	Refresh  time.Duration `yaml:"refresh"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	svc := service.DefaultConfig()
	ff := footfall.DefaultConfig()
	return &Config{
		Catalog: "configs/catalog.yaml",
		Pool: PoolConfig{
			CooldownRequirement: customers.DefaultCooldownRequirement,
			Footfall: FootfallConfig{
				Enabled:           true,
				Amplitude:         ff.Amplitude,
				Period:            ff.Period,
				Octaves:           ff.Octaves,
				ReputationPerStep: ff.ReputationPerStep,
				ReputationBonus:   ff.ReputationBonus,
			},
		},
		Queue: QueueConfig{
			Capacity: service.DefaultQueueCapacity,
			Overflow: service.OverflowReject.String(),
		},
		Service: ServiceConfig{
			FastServeThreshold: svc.FastServeThreshold,
			NormalInterval:     svc.NormalInterval,
			DrinkMin:           svc.DrinkMin,
			DrinkMax:           svc.DrinkMax,
		},
		Engine: EngineConfig{
			FrameInterval:    100 * time.Millisecond,
			Speed:            1,
			SpawnInterval:    8 * time.Second,
			PhaseLength:      5 * time.Minute,
			EntranceDuration: 2 * time.Second,
			ExitDuration:     2 * time.Second,
			OrderDelay:       3 * time.Second,
			Autopilot:        true,
			Bartender:        true,
		},
		Storage: StorageConfig{Path: "data/tavern.db"},
		API:     APIConfig{Port: 8080},
		Weather: WeatherConfig{Location: "San Diego,US", Refresh: 10 * time.Minute},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Error reports an invalid configuration field.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// Load reads path over the defaults and applies environment overrides.
// An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from TAVERN_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("TAVERN_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := getenv("TAVERN_CATALOG"); v != "" {
		c.Catalog = v
	}
	if v := getenv("TAVERN_ADMIN_KEY"); v != "" {
		c.API.AdminKey = v
	}
	if v := getenv("TAVERN_RELAY_KEY"); v != "" {
		c.API.RelayKey = v
	}
	if v := getenv("RANDOM_ORG_API_KEY"); v != "" {
		c.RandomOrgKey = v
	}
	if v := getenv("OPENWEATHER_API_KEY"); v != "" {
		c.WeatherKey = v
	}
	if v := getenv("TAVERN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Field: "TAVERN_PORT", Message: fmt.Sprintf("not a number: %q", v)}
		}
		c.API.Port = port
	}
	if v := getenv("TAVERN_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &Error{Field: "TAVERN_SEED", Message: fmt.Sprintf("not a number: %q", v)}
		}
		c.Seed = seed
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch {
	case c.Pool.CooldownRequirement < 0:
		return &Error{Field: "pool.cooldown_requirement", Message: "must be >= 0"}
	case c.Pool.Footfall.Amplitude < 0 || c.Pool.Footfall.Amplitude > 1:
		return &Error{Field: "pool.footfall.amplitude", Message: "must be within [0, 1]"}
	case c.Queue.Capacity < 1:
		return &Error{Field: "queue.capacity", Message: "must be >= 1"}
	case c.Service.FastServeThreshold < 0:
		return &Error{Field: "service.fast_serve_threshold", Message: "must be >= 0"}
	case c.Service.NormalInterval < 0:
		return &Error{Field: "service.normal_interval", Message: "must be >= 0"}
	case c.Service.DrinkMin < 0 || c.Service.DrinkMax < c.Service.DrinkMin:
		return &Error{Field: "service.drink_max", Message: "need 0 <= drink_min <= drink_max"}
	case c.Engine.FrameInterval <= 0:
		return &Error{Field: "engine.frame_interval", Message: "must be > 0"}
	case c.Engine.Speed < 0:
		return &Error{Field: "engine.speed", Message: "must be >= 0"}
	case c.Engine.SpawnInterval <= 0:
		return &Error{Field: "engine.spawn_interval", Message: "must be > 0"}
	case c.Engine.PhaseLength <= 0:
		return &Error{Field: "engine.phase_length", Message: "must be > 0"}
	case c.Engine.MistakeRate < 0 || c.Engine.MistakeRate > 1:
		return &Error{Field: "engine.mistake_rate", Message: "must be within [0, 1]"}
	case c.API.Port < 0 || c.API.Port > 65535:
		return &Error{Field: "api.port", Message: "out of range"}
	case c.Weather.Refresh < time.Minute:
		return &Error{Field: "weather.refresh", Message: "must be >= 1m"}
	}
	if _, err := service.ParseOverflowPolicy(c.Queue.Overflow); err != nil {
		return &Error{Field: "queue.overflow", Message: err.Error()}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return &Error{Field: "log.level", Message: err.Error()}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return &Error{Field: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// OverflowPolicy returns the parsed queue overflow policy.
func (c *Config) OverflowPolicy() service.OverflowPolicy {
	p, _ := service.ParseOverflowPolicy(c.Queue.Overflow)
	return p
}

// ServiceConfig converts to the orchestrator's pacing settings.
func (c *Config) ServiceConfig() service.Config {
	return service.Config{
		FastServeThreshold: c.Service.FastServeThreshold,
		NormalInterval:     c.Service.NormalInterval,
		DrinkMin:           c.Service.DrinkMin,
		DrinkMax:           c.Service.DrinkMax,
	}
}

// FootfallConfig converts to the footfall model settings.
func (c *Config) FootfallConfig() footfall.Config {
	f := c.Pool.Footfall
	return footfall.Config{
		Amplitude:         f.Amplitude,
		Period:            f.Period,
		Octaves:           f.Octaves,
		ReputationPerStep: f.ReputationPerStep,
		ReputationBonus:   f.ReputationBonus,
	}
}

// AutopilotConfig returns the headless presenter settings, or nil when the
// autopilot is off and a real presenter drives the animations.
func (c *Config) AutopilotConfig() *engine.AutopilotConfig {
	if !c.Engine.Autopilot {
		return nil
	}
	return &engine.AutopilotConfig{
		EntranceDuration: c.Engine.EntranceDuration,
		ExitDuration:     c.Engine.ExitDuration,
		OrderDelay:       c.Engine.OrderDelay,
		Bartender:        c.Engine.Bartender,
		MistakeRate:      c.Engine.MistakeRate,
	}
}

// SlogLevel maps the level name onto slog.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, err
	}
	return lvl, nil
}

// NewLogger builds the process logger. verbose forces debug level.
func (l LogConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	lvl, _ := l.SlogLevel()
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
