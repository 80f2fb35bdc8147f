// File: internal/config/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Host configuration. Sources are layered: built-in defaults, then .env files,
// then an optional YAML file, then MEDIAGRID_* environment variables.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/momentics/mediagrid/api"
	"github.com/momentics/mediagrid/bandwidth"
	"github.com/momentics/mediagrid/buffering"
	"github.com/momentics/mediagrid/coordinator"
	"github.com/momentics/mediagrid/fake"
	"github.com/momentics/mediagrid/internal/logging"
	"github.com/momentics/mediagrid/pool"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MEDIAGRID"

// Config is the full host configuration.
type Config struct {
	Slots     int             `yaml:"slots" envconfig:"SLOTS"`
	Policy    string          `yaml:"policy" envconfig:"POLICY"`
	Pool      PoolConfig      `yaml:"pool" envconfig:"POOL"`
	Buffer    BufferConfig    `yaml:"buffer" envconfig:"BUFFER"`
	Bandwidth BandwidthConfig `yaml:"bandwidth" envconfig:"BANDWIDTH"`
	Context   ContextConfig   `yaml:"context" envconfig:"CONTEXT"`
	Audio     AudioConfig     `yaml:"audio" envconfig:"AUDIO"`
	Media     MediaConfig     `yaml:"media" envconfig:"MEDIA"`
	Sim       SimConfig       `yaml:"simulation" envconfig:"SIM"`
	Log       logging.Config  `yaml:"log" envconfig:"LOG"`
	HTTP      HTTPConfig      `yaml:"http" envconfig:"HTTP"`
}

// PoolConfig sizes the segment pools.
type PoolConfig struct {
	SegmentSize   int  `yaml:"segment_size" envconfig:"SEGMENT_SIZE"`
	TrimOnRelease bool `yaml:"trim_on_release" envconfig:"TRIM_ON_RELEASE"`
	MaxSegments   int  `yaml:"max_segments" envconfig:"MAX_SEGMENTS"`
	// MemoryLimit caps the bytes all pools may hold together; 0 is unlimited.
	MemoryLimit int64 `yaml:"memory_limit" envconfig:"MEMORY_LIMIT"`
}

// BufferConfig mirrors buffering.Thresholds.
type BufferConfig struct {
	MinMs                  int64 `yaml:"min_ms" envconfig:"MIN_MS"`
	MaxMs                  int64 `yaml:"max_ms" envconfig:"MAX_MS"`
	PlaybackMs             int64 `yaml:"playback_ms" envconfig:"PLAYBACK_MS"`
	PlaybackAfterRebuffer  int64 `yaml:"playback_after_rebuffer_ms" envconfig:"PLAYBACK_AFTER_REBUFFER_MS"`
	TargetBytes            int64 `yaml:"target_bytes" envconfig:"TARGET_BYTES"`
	PrioritizeTimeOverSize bool  `yaml:"prioritize_time_over_size" envconfig:"PRIORITIZE_TIME"`
}

// BandwidthConfig parametrizes the shared budget and meter.
type BandwidthConfig struct {
	BaseFraction    float64       `yaml:"base_fraction" envconfig:"BASE_FRACTION"`
	InitialEstimate float64       `yaml:"initial_estimate" envconfig:"INITIAL_ESTIMATE"`
	HalfLife        time.Duration `yaml:"half_life" envconfig:"HALF_LIFE"`
}

// ContextConfig parametrizes execution contexts.
type ContextConfig struct {
	Priority    string `yaml:"priority" envconfig:"PRIORITY"`
	DrainOnQuit bool   `yaml:"drain_on_quit" envconfig:"DRAIN_ON_QUIT"`
}

// AudioConfig selects which slot is audible.
type AudioConfig struct {
	Restrict bool `yaml:"restrict" envconfig:"RESTRICT"`
	Owner    int  `yaml:"owner" envconfig:"OWNER"`
}

// MediaConfig describes what every slot plays.
type MediaConfig struct {
	URI                string `yaml:"uri" envconfig:"URI"`
	LicenseURI         string `yaml:"license_uri" envconfig:"LICENSE_URI"`
	DurationMs         int64  `yaml:"duration_ms" envconfig:"DURATION_MS"`
	Loop               bool   `yaml:"loop" envconfig:"LOOP"`
	BaselineDurationMs int64  `yaml:"baseline_duration_ms" envconfig:"BASELINE_DURATION_MS"`
}

// SimConfig shapes the simulated pipelines.
type SimConfig struct {
	MsPerSegment     int64         `yaml:"ms_per_segment" envconfig:"MS_PER_SEGMENT"`
	SegmentsPerFetch int           `yaml:"segments_per_fetch" envconfig:"SEGMENTS_PER_FETCH"`
	Tick             time.Duration `yaml:"tick" envconfig:"TICK"`
}

// HTTPConfig configures the host HTTP surface.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in configuration: nine looping tiles sharing
// everything on one audio-priority context.
func Default() *Config {
	th := buffering.DefaultThresholds()
	sim := fake.DefaultConfig()
	return &Config{
		Slots:  coordinator.DefaultSlots,
		Policy: "shared",
		Pool: PoolConfig{
			SegmentSize: pool.DefaultSegmentSize,
		},
		Buffer: BufferConfig{
			MinMs:                  th.MinBufferMs,
			MaxMs:                  th.MaxBufferMs,
			PlaybackMs:             th.BufferForPlaybackMs,
			PlaybackAfterRebuffer:  th.BufferForPlaybackAfterRebufferMs,
			PrioritizeTimeOverSize: th.PrioritizeTimeOverSize,
		},
		Bandwidth: BandwidthConfig{
			BaseFraction:    bandwidth.DefaultBaseFraction,
			InitialEstimate: bandwidth.DefaultInitialEstimate,
			HalfLife:        bandwidth.DefaultHalfLife,
		},
		Context: ContextConfig{
			Priority:    api.PriorityAudio.String(),
			DrainOnQuit: true,
		},
		Audio: AudioConfig{Restrict: true},
		Media: MediaConfig{
			URI:                "sim://big-buck-bunny",
			DurationMs:         60_000,
			Loop:               true,
			BaselineDurationMs: coordinator.DefaultBaselineDurationMs,
		},
		Sim: SimConfig{
			MsPerSegment:     sim.MsPerSegment,
			SegmentsPerFetch: sim.SegmentsPerFetch,
			Tick:             sim.Tick,
		},
		Log: logging.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration. envFiles default to ".env"; missing env
// files are skipped. path may be empty.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, api.Configurationf("environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return api.Configurationf("%v", err)
	}
	return nil
}

// Validate checks everything the coordinator would reject, up front.
func (c *Config) Validate() error {
	if c.Slots < 1 {
		return api.Configurationf("slots must be at least 1, got %d", c.Slots)
	}
	policy, err := c.SharingPolicy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	if c.Audio.Restrict && c.Audio.Owner >= c.Slots {
		return api.Configurationf("audio owner %d outside [0, %d)", c.Audio.Owner, c.Slots)
	}
	if c.Pool.MemoryLimit < 0 {
		return api.Configurationf("memory limit must not be negative")
	}
	cc, err := c.CoordinatorConfig()
	if err != nil {
		return err
	}
	return cc.Validate()
}

// SharingPolicy resolves the policy preset.
func (c *Config) SharingPolicy() (coordinator.SharingPolicy, error) {
	return coordinator.ParseSharingPolicy(c.Policy)
}

// Thresholds returns the buffering thresholds.
func (c *Config) Thresholds() buffering.Thresholds {
	return buffering.Thresholds{
		MinBufferMs:                      c.Buffer.MinMs,
		MaxBufferMs:                      c.Buffer.MaxMs,
		BufferForPlaybackMs:              c.Buffer.PlaybackMs,
		BufferForPlaybackAfterRebufferMs: c.Buffer.PlaybackAfterRebuffer,
		TargetBufferBytes:                c.Buffer.TargetBytes,
		PrioritizeTimeOverSize:           c.Buffer.PrioritizeTimeOverSize,
	}
}

// CoordinatorConfig converts to the coordinator's configuration.
func (c *Config) CoordinatorConfig() (coordinator.Config, error) {
	prio, err := api.ParsePriorityClass(c.Context.Priority)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		SegmentSize:           c.Pool.SegmentSize,
		TrimOnRelease:         c.Pool.TrimOnRelease,
		MaxSegmentsPerPool:    c.Pool.MaxSegments,
		Thresholds:            c.Thresholds(),
		BaseBandwidthFraction: c.Bandwidth.BaseFraction,
		BaselineDurationMs:    c.Media.BaselineDurationMs,
		Priority:              prio,
		DrainOnQuit:           c.Context.DrainOnQuit,
		EventBuffer:           coordinator.DefaultEventBuffer,
		RestrictAudio:         c.Audio.Restrict,
		AudioOwner:            c.Audio.Owner,
		Source: api.MediaSource{
			URI:        c.Media.URI,
			LicenseURI: c.Media.LicenseURI,
			DurationMs: c.Media.DurationMs,
			Loop:       c.Media.Loop,
		},
	}, nil
}

// Meter builds the shared bandwidth meter.
func (c *Config) Meter() *bandwidth.Meter {
	return bandwidth.NewMeter(c.Bandwidth.InitialEstimate, c.Bandwidth.HalfLife)
}

// MemoryAllocator returns the allocator shared by all pools, or nil for the
// default heap allocator.
func (c *Config) MemoryAllocator() pool.MemoryAllocator {
	if c.Pool.MemoryLimit == 0 {
		return nil
	}
	return pool.NewLimitAllocator(c.Pool.MemoryLimit, nil)
}

// FakeConfig shapes the simulated pipelines.
func (c *Config) FakeConfig() fake.Config {
	return fake.Config{
		MsPerSegment:      c.Sim.MsPerSegment,
		SegmentsPerFetch:  c.Sim.SegmentsPerFetch,
		Tick:              c.Sim.Tick,
		DefaultDurationMs: c.Media.DurationMs,
	}
}
