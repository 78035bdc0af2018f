// Package config loads meshctl settings from a YAML file and the
// environment.
//
// Precedence (highest to lowest):
//  1. Environment variables with the DYNMESH_ prefix
//  2. The YAML config file
//  3. Built-in defaults
//
// Environment variables map onto section.field keys by splitting on the
// first underscore after the prefix:
//
//	DYNMESH_MESH_MAX_PATCHES   -> mesh.max_patches
//	DYNMESH_SLICE_THRESHOLD    -> slice.threshold
//	DYNMESH_LOG_LEVEL          -> log.level
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/gogpu/dynmesh"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "DYNMESH_"

const maxConfigFileSize = 1024 * 1024

// Device names accepted by mesh.device.
const (
	DeviceNone = ""
	DeviceNoop = "noop"
)

// Config holds the complete meshctl configuration.
type Config struct {
	Mesh    MeshConfig    `koanf:"mesh"`
	Slice   SliceConfig   `koanf:"slice"`
	Grid    GridConfig    `koanf:"grid"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// MeshConfig maps onto the mesh's functional options.
type MeshConfig struct {
	MaxPatches       uint32  `koanf:"max_patches"`
	PatchAllocFactor float64 `koanf:"patch_alloc_factor"`
	CapacityFactor   float64 `koanf:"capacity_factor"`
	BlockThreads     int     `koanf:"block_threads"`
	Workers          int     `koanf:"workers"`
	Debug            bool    `koanf:"debug"`
	ScratchLimit     int     `koanf:"scratch_limit"`
	Device           string  `koanf:"device"`
}

// SliceConfig controls slicing rounds.
type SliceConfig struct {
	Threshold uint32 `koanf:"threshold"`
	MaxRounds int    `koanf:"max_rounds"`
	Cleanup   bool   `koanf:"cleanup"`
}

// GridConfig describes the generated fixture mesh.
type GridConfig struct {
	Width         int `koanf:"width"`
	Height        int `koanf:"height"`
	FacesPerPatch int `koanf:"faces_per_patch"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Addr     string        `koanf:"addr"`
	Interval time.Duration `koanf:"interval"`
	Linger   time.Duration `koanf:"linger"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

const defaults = `
mesh:
  max_patches: 0
  patch_alloc_factor: 5
  capacity_factor: 1.8
  block_threads: 4
  workers: 0
  debug: false
  scratch_limit: 0
  device: ""
slice:
  threshold: 300
  max_rounds: 16
  cleanup: true
grid:
  width: 32
  height: 32
  faces_per_patch: 512
metrics:
  addr: "127.0.0.1:9464"
  interval: 1s
  linger: 0s
log:
  level: info
  format: text
`

// Load reads the YAML file at path, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadBytes(nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is %d bytes, limit %d", path, info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := LoadBytes(content)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadBytes layers the built-in defaults, the YAML document content (may
// be empty) and the environment, then validates the result.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps DYNMESH_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Mesh.CapacityFactor < 1 {
		return fmt.Errorf("mesh.capacity_factor %v below 1", c.Mesh.CapacityFactor)
	}
	if c.Mesh.MaxPatches == 0 && c.Mesh.PatchAllocFactor < 1 {
		return fmt.Errorf("mesh.patch_alloc_factor %v below 1", c.Mesh.PatchAllocFactor)
	}
	if c.Mesh.BlockThreads < 1 {
		return fmt.Errorf("mesh.block_threads must be positive, got %d", c.Mesh.BlockThreads)
	}
	if c.Mesh.ScratchLimit < 0 {
		return errors.New("mesh.scratch_limit cannot be negative")
	}
	switch c.Mesh.Device {
	case DeviceNone, DeviceNoop:
	default:
		return fmt.Errorf("unknown mesh.device %q (want %q or empty)", c.Mesh.Device, DeviceNoop)
	}

	if c.Slice.Threshold < 2 {
		return fmt.Errorf("slice.threshold must be at least 2, got %d", c.Slice.Threshold)
	}
	if c.Slice.MaxRounds < 1 {
		return fmt.Errorf("slice.max_rounds must be positive, got %d", c.Slice.MaxRounds)
	}

	if c.Grid.Width < 1 || c.Grid.Height < 1 {
		return fmt.Errorf("grid size %dx%d must be positive", c.Grid.Width, c.Grid.Height)
	}
	if c.Grid.FacesPerPatch < 1 {
		return fmt.Errorf("grid.faces_per_patch must be positive, got %d", c.Grid.FacesPerPatch)
	}

	if c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required")
	}
	if c.Metrics.Interval < 0 || c.Metrics.Linger < 0 {
		return errors.New("metrics durations cannot be negative")
	}

	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// Options maps the mesh section onto functional options. The device is
// opened by the caller.
func (c *Config) Options() []dynmesh.Option {
	return []dynmesh.Option{
		dynmesh.WithMaxPatches(c.Mesh.MaxPatches),
		dynmesh.WithPatchAllocFactor(c.Mesh.PatchAllocFactor),
		dynmesh.WithCapacityFactor(c.Mesh.CapacityFactor),
		dynmesh.WithBlockThreads(c.Mesh.BlockThreads),
		dynmesh.WithWorkers(c.Mesh.Workers),
		dynmesh.WithDebug(c.Mesh.Debug),
		dynmesh.WithScratchLimit(c.Mesh.ScratchLimit),
	}
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// Logger builds a logger writing to w in the configured format and level.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
