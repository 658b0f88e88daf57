// Package config loads the engine's HCL configuration.
package config

import (
	"time"
)

// SchemaVersion is written into generated configs.
const SchemaVersion = "1.0"

// Config is the top-level configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional"`
	PrivacyLevel  int    `hcl:"privacy_level,optional"`
	LogLevel      string `hcl:"log_level,optional"`
	LogJSON       bool   `hcl:"log_json,optional"`

	Store     *Store     `hcl:"store,block"`
	Overtime  *Overtime  `hcl:"overtime,block"`
	Retention *Retention `hcl:"retention,block"`
	RateLimit *RateLimit `hcl:"rate_limit,block"`
	Metrics   *Metrics   `hcl:"metrics,block"`
}

// Store sizes the record tables and the string arena.
type Store struct {
	BlockSize  int   `hcl:"block_size,optional"`
	MaxRecords int   `hcl:"max_records,optional"`
	ArenaLimit int64 `hcl:"arena_limit,optional"`
	QueryScan  int   `hcl:"query_scan,optional"`
}

// Overtime configures the time-bucketed counters.
type Overtime struct {
	Interval string `hcl:"interval,optional"`
	Window   string `hcl:"window,optional"`
}

// Retention configures query expiry and archiving.
type Retention struct {
	MaxAge   string `hcl:"max_age,optional"`
	Interval string `hcl:"interval,optional"`
	// ArchivePath is the SQLite file retired queries are written to.
	// Empty disables archiving.
	ArchivePath string `hcl:"archive_path,optional"`
	// ArchiveMaxAge is how long archived queries are kept.
	ArchiveMaxAge string `hcl:"archive_max_age,optional"`
}

// RateLimit caps queries per client per interval. Count 0 disables it.
type RateLimit struct {
	Count    int    `hcl:"count,optional"`
	Interval string `hcl:"interval,optional"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `hcl:"enabled,optional"`
	Listen  string `hcl:"listen,optional"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		LogLevel:      "info",
		Store: &Store{
			BlockSize:  4096,
			ArenaLimit: 256 << 20,
			QueryScan:  1000,
		},
		Overtime: &Overtime{
			Interval: "10m",
			Window:   "24h",
		},
		Retention: &Retention{
			MaxAge:        "24h",
			Interval:      "1m",
			ArchiveMaxAge: "2184h",
		},
		RateLimit: &RateLimit{
			Count:    1000,
			Interval: "60s",
		},
		Metrics: &Metrics{
			Enabled: true,
			Listen:  "127.0.0.1:9617",
		},
	}
}

// applyDefaults fills blocks and fields the file left out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.SchemaVersion == "" {
		c.SchemaVersion = d.SchemaVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}

	if c.Store == nil {
		c.Store = d.Store
	} else {
		if c.Store.BlockSize == 0 {
			c.Store.BlockSize = d.Store.BlockSize
		}
		if c.Store.QueryScan == 0 {
			c.Store.QueryScan = d.Store.QueryScan
		}
	}

	if c.Overtime == nil {
		c.Overtime = d.Overtime
	} else {
		if c.Overtime.Interval == "" {
			c.Overtime.Interval = d.Overtime.Interval
		}
		if c.Overtime.Window == "" {
			c.Overtime.Window = d.Overtime.Window
		}
	}

	if c.Retention == nil {
		c.Retention = d.Retention
	} else {
		if c.Retention.MaxAge == "" {
			c.Retention.MaxAge = d.Retention.MaxAge
		}
		if c.Retention.Interval == "" {
			c.Retention.Interval = d.Retention.Interval
		}
		if c.Retention.ArchiveMaxAge == "" {
			c.Retention.ArchiveMaxAge = d.Retention.ArchiveMaxAge
		}
	}

	if c.RateLimit == nil {
		c.RateLimit = d.RateLimit
	} else if c.RateLimit.Interval == "" {
		c.RateLimit.Interval = d.RateLimit.Interval
	}

	if c.Metrics == nil {
		c.Metrics = d.Metrics
	} else if c.Metrics.Listen == "" {
		c.Metrics.Listen = d.Metrics.Listen
	}
}

// IntervalDuration is the bucket width. Call Validate first; unparseable
// values yield zero here and in the other duration accessors.
func (o *Overtime) IntervalDuration() time.Duration { return parseDuration(o.Interval) }

// WindowDuration is the span the buckets cover.
func (o *Overtime) WindowDuration() time.Duration { return parseDuration(o.Window) }

// MaxAgeDuration is how long queries stay in memory.
func (r *Retention) MaxAgeDuration() time.Duration { return parseDuration(r.MaxAge) }

// IntervalDuration is how often retention runs.
func (r *Retention) IntervalDuration() time.Duration { return parseDuration(r.Interval) }

// ArchiveMaxAgeDuration is how long archived queries are kept.
func (r *Retention) ArchiveMaxAgeDuration() time.Duration { return parseDuration(r.ArchiveMaxAge) }

// IntervalDuration is the rate-limit window.
func (r *RateLimit) IntervalDuration() time.Duration { return parseDuration(r.Interval) }

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
