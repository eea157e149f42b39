package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Runtime controls the frame loop and the worker pool.
	Runtime RuntimeConfig `json:"runtime"`

	// Plugins controls dynamic plugin loading and hot reload.
	Plugins PluginsConfig `json:"plugins"`

	// Timed holds cron-style jobs pushed onto the main job queue.
	Timed []TimedJob `json:"timed,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`
}

// RuntimeConfig controls the frame loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 5
//   - frame_interval: "0s" (run frames back to back)
type RuntimeConfig struct {
	Workers int `json:"workers,omitempty"`

	// FrameInterval is the minimum time between main-loop frames.
	// Use "0s" to run uncapped.
	FrameInterval string `json:"frame_interval,omitempty"`

	// StartFocused is a pointer so we can distinguish "omitted" (default
	// true) from an explicit false.
	StartFocused *bool `json:"start_focused,omitempty"`
}

// PluginsConfig controls the plugin lifecycle.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1s"
//   - retry_failed: true
type PluginsConfig struct {
	// Paths are plugin binaries loaded at startup, in order.
	Paths []string `json:"paths,omitempty"`

	// PollInterval is a Go duration string bounding how often plugin files
	// are checked for changes. Use "0s" for the default.
	PollInterval string `json:"poll_interval,omitempty"`

	// RetryFailed retries plugins whose reload failed on later polls.
	RetryFailed *bool `json:"retry_failed,omitempty"`
}

// TimedJob is one cron-triggered job. The expression uses standard cron
// syntax plus the @every form.
type TimedJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Category string `json:"category,omitempty"`
}

// StorageConfig controls the optional audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cadence.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the optional Prometheus endpoint.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9090").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Bus     LoggingBus  `json:"bus"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingBus mirrors warnings and errors onto the event bus so plugins can
// observe them.
type LoggingBus struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// UnmarshalJSON disallows unknown fields so a typo in a timed job entry is
// caught at reload instead of silently scheduling nothing.
func (j *TimedJob) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Category string `json:"category,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*j = TimedJob(t)
	return nil
}
