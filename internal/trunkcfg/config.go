// Package trunkcfg holds the trunk engine's tunable constants and an
// optional YAML override loader.
package trunkcfg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable the trunk-link core reads at startup. The
// zero value is never valid; use Default() and optionally overlay a YAML
// file on top of it with Load.
type Config struct {
	// ResendTimeout is how long an unacked entry waits before its first
	// retransmission.
	ResendTimeout time.Duration `yaml:"resend_timeout_ms"`
	// DeadlineTimeout is how long an unacked entry may live in the cache
	// before it is given up on entirely.
	DeadlineTimeout time.Duration `yaml:"deadline_timeout_ms"`
	// ResendTick is the period of the single cache-wide resend sweep.
	ResendTick time.Duration `yaml:"resend_tick_ms"`

	// ChunkSize is the maximum bytes a single outbound read produces per
	// DataOut/DataIn packet.
	ChunkSize int `yaml:"chunk_size"`
	// MaxChunkAmount bounds the sparse reassembly map before the outbound
	// link gives up on a connection as unrecoverable.
	MaxChunkAmount int `yaml:"max_chunk_amount"`
	// WriteIdleTimeout is how long the outbound write loop waits on an empty
	// queue before re-checking, rather than blocking forever on SendData.
	WriteIdleTimeout time.Duration `yaml:"write_idle_timeout_ms"`

	// ChunkPoolSize is how many chunk buffers the pool preallocates.
	ChunkPoolSize int `yaml:"chunk_pool_size"`
	// PoolDebug enables ringpool's own verbose tracing.
	PoolDebug bool `yaml:"pool_debug"`

	// StatsInterval is the period of the periodic traffic-counter log
	// line. Zero disables it.
	StatsInterval time.Duration `yaml:"stats_interval_ms"`

	// Debug is read from the config file but no package consults it; it
	// does not change what is logged.
	Debug bool `yaml:"debug"`
}

// Default returns the engine's hard-coded tuning, matching the values the
// wire format and the outbound driver were designed around.
func Default() *Config {
	return &Config{
		ResendTimeout:    300 * time.Millisecond,
		DeadlineTimeout:  2000 * time.Millisecond,
		ResendTick:       100 * time.Millisecond,
		ChunkSize:        800,
		MaxChunkAmount:   5000,
		WriteIdleTimeout: 10 * time.Second,
		ChunkPoolSize:    2000,
		PoolDebug:        false,
		StatsInterval:    10 * time.Second,
		Debug:            false,
	}
}

// yamlShadow mirrors Config but with millisecond ints, since the tunables
// are expressed as milliseconds in the config file.
type yamlShadow struct {
	ResendTimeoutMs    *int64 `yaml:"resend_timeout_ms"`
	DeadlineTimeoutMs  *int64 `yaml:"deadline_timeout_ms"`
	ResendTickMs       *int64 `yaml:"resend_tick_ms"`
	ChunkSize          *int   `yaml:"chunk_size"`
	MaxChunkAmount     *int   `yaml:"max_chunk_amount"`
	WriteIdleTimeoutMs *int64 `yaml:"write_idle_timeout_ms"`
	ChunkPoolSize      *int   `yaml:"chunk_pool_size"`
	PoolDebug          *bool  `yaml:"pool_debug"`
	StatsIntervalMs    *int64 `yaml:"stats_interval_ms"`
	Debug              *bool  `yaml:"debug"`
}

// Load starts from Default() and overlays any field present in the YAML
// file at path. Fields absent from the file keep their default. A missing
// file is an error: callers only pass --config when they mean it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trunkcfg: reading %s: %w", path, err)
	}

	var shadow yamlShadow
	if err := yaml.Unmarshal(raw, &shadow); err != nil {
		return nil, fmt.Errorf("trunkcfg: parsing %s: %w", path, err)
	}

	cfg := Default()
	if shadow.ResendTimeoutMs != nil {
		cfg.ResendTimeout = time.Duration(*shadow.ResendTimeoutMs) * time.Millisecond
	}
	if shadow.DeadlineTimeoutMs != nil {
		cfg.DeadlineTimeout = time.Duration(*shadow.DeadlineTimeoutMs) * time.Millisecond
	}
	if shadow.ResendTickMs != nil {
		cfg.ResendTick = time.Duration(*shadow.ResendTickMs) * time.Millisecond
	}
	if shadow.ChunkSize != nil {
		cfg.ChunkSize = *shadow.ChunkSize
	}
	if shadow.MaxChunkAmount != nil {
		cfg.MaxChunkAmount = *shadow.MaxChunkAmount
	}
	if shadow.WriteIdleTimeoutMs != nil {
		cfg.WriteIdleTimeout = time.Duration(*shadow.WriteIdleTimeoutMs) * time.Millisecond
	}
	if shadow.ChunkPoolSize != nil {
		cfg.ChunkPoolSize = *shadow.ChunkPoolSize
	}
	if shadow.PoolDebug != nil {
		cfg.PoolDebug = *shadow.PoolDebug
	}
	if shadow.StatsIntervalMs != nil {
		cfg.StatsInterval = time.Duration(*shadow.StatsIntervalMs) * time.Millisecond
	}
	if shadow.Debug != nil {
		cfg.Debug = *shadow.Debug
	}

	if cfg.ChunkSize <= 0 || cfg.ChunkSize > 800 {
		return nil, fmt.Errorf("trunkcfg: chunk_size must be in (0, 800], got %d", cfg.ChunkSize)
	}

	return cfg, nil
}
