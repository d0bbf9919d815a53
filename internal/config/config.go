// Package config loads the ingress server's tuning knobs from a JSON
// document, the same load/reload shape the teacher proxy uses for its
// routing rules.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// logConfig mirrors the teacher's config.log struct.
type logConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Config holds every tunable named in the server's external interface.
type Config struct {
	Log logConfig `json:"log"`

	GossipHost string `json:"gossip_host"`
	Listen     string `json:"listen"`

	MaxConnectionsPerPeer  int `json:"max_connections_per_peer"`
	MaxStakedConnections   int `json:"max_staked_connections"`
	MaxUnstakedConnections int `json:"max_unstaked_connections"`

	MaxStreamsPerMs    float64 `json:"max_streams_per_ms"`
	SamplingIntervalMs int     `json:"sampling_interval_ms"`
	EMAAlpha           float64 `json:"ema_alpha"`
	BudgetFloorPerMs   float64 `json:"budget_floor_per_ms"`

	WaitForChunkTimeoutMs int `json:"wait_for_chunk_timeout_ms"`
	QUICMaxTimeoutMs      int `json:"quic_max_timeout_ms"`
	CoalesceMs            int `json:"coalesce_ms"`

	ClassifyCacheTTLMs int `json:"classify_cache_ttl_ms"`

	StatsIntervalMs int `json:"stats_interval_ms"`
}

// Defaults returns the conservative defaults called out across spec.md
// and SPEC_FULL.md §9's open question.
func Defaults() *Config {
	return &Config{
		Log: logConfig{Level: "info", Path: "tpuquic.log"},

		MaxConnectionsPerPeer:  8,
		MaxStakedConnections:   2000,
		MaxUnstakedConnections: 500,

		MaxStreamsPerMs:    1,
		SamplingIntervalMs: 10,
		EMAAlpha:           0.25,
		BudgetFloorPerMs:   1,

		WaitForChunkTimeoutMs: 2000,
		QUICMaxTimeoutMs:      2000,
		CoalesceMs:            5,

		ClassifyCacheTTLMs: 2000,

		StatsIntervalMs: 1000,
	}
}

// SamplingInterval returns the configured sampling tick as a Duration.
func (c *Config) SamplingInterval() time.Duration {
	return time.Duration(c.SamplingIntervalMs) * time.Millisecond
}

// WaitForChunkTimeout returns the per-chunk read deadline.
func (c *Config) WaitForChunkTimeout() time.Duration {
	return time.Duration(c.WaitForChunkTimeoutMs) * time.Millisecond
}

// QUICMaxTimeout returns the QUIC idle timeout.
func (c *Config) QUICMaxTimeout() time.Duration {
	return time.Duration(c.QUICMaxTimeoutMs) * time.Millisecond
}

// Coalesce returns the batch coalescing timer.
func (c *Config) Coalesce() time.Duration {
	return time.Duration(c.CoalesceMs) * time.Millisecond
}

// ClassifyCacheTTL returns the TTL for the peer-classification memo cache.
func (c *Config) ClassifyCacheTTL() time.Duration {
	return time.Duration(c.ClassifyCacheTTLMs) * time.Millisecond
}

// StatsInterval returns the periodic stats-report cadence.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMs) * time.Millisecond
}

// GlobalCfg points at the configuration currently in effect.
var GlobalCfg = Defaults()

func init() {
	path := os.Getenv("TPUQUIC_CONFIG")
	if path == "" {
		return
	}
	if err := Reload(path); err != nil {
		// A missing or malformed config at startup falls back to
		// defaults; the teacher's own init() behaves the same way,
		// logging and continuing rather than aborting the process.
		GlobalCfg = Defaults()
	}
}

// Reload reads and validates the configuration at path, replacing
// GlobalCfg on success.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	cfg := Defaults()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return errors.Wrap(err, "parse config")
	}
	if err := verify(cfg); err != nil {
		return errors.Wrap(err, "verify config")
	}
	GlobalCfg = cfg
	return nil
}

func verify(c *Config) error {
	if c.MaxConnectionsPerPeer <= 0 {
		return errors.New("max_connections_per_peer must be positive")
	}
	if c.MaxStakedConnections <= 0 || c.MaxUnstakedConnections <= 0 {
		return errors.New("connection table capacities must be positive")
	}
	if c.MaxStreamsPerMs <= 0 {
		return errors.New("max_streams_per_ms must be positive")
	}
	if c.SamplingIntervalMs <= 0 {
		return errors.New("sampling_interval_ms must be positive")
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return errors.New("ema_alpha must be in (0, 1]")
	}
	return nil
}
