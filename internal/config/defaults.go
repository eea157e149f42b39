package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultWorkers      = 5
	DefaultPollInterval = time.Second
	DefaultMetricsAddr  = "127.0.0.1:9090"
)

// ParseDurationField parses an optional duration value from the config.
// Empty input means unset and yields zero; negative durations are rejected.
// field names the config key for error messages.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", field, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// values.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// EffectiveWorkers resolves the worker pool size.
func (c *Config) EffectiveWorkers() int {
	if c == nil || c.Runtime.Workers <= 0 {
		return DefaultWorkers
	}
	return c.Runtime.Workers
}

// EffectiveFrameInterval resolves the minimum frame spacing; zero means run
// frames back to back.
func (c *Config) EffectiveFrameInterval() (time.Duration, error) {
	if c == nil {
		return 0, nil
	}
	return ParseDurationField("runtime.frame_interval", c.Runtime.FrameInterval)
}

// EffectiveStartFocused defaults to true.
func (c *Config) EffectiveStartFocused() bool {
	if c == nil || c.Runtime.StartFocused == nil {
		return true
	}
	return *c.Runtime.StartFocused
}

// EffectivePollInterval resolves how often plugin files are checked.
func (c *Config) EffectivePollInterval() (time.Duration, error) {
	if c == nil {
		return DefaultPollInterval, nil
	}
	return ParseDurationOrDefault("plugins.poll_interval", c.Plugins.PollInterval, DefaultPollInterval)
}

// EffectiveRetryFailed defaults to true.
func (c *Config) EffectiveRetryFailed() bool {
	if c == nil || c.Plugins.RetryFailed == nil {
		return true
	}
	return *c.Plugins.RetryFailed
}

// EffectiveMetricsAddr resolves the Prometheus listen address.
func (c *Config) EffectiveMetricsAddr() string {
	if c == nil {
		return DefaultMetricsAddr
	}
	addr := strings.TrimSpace(c.Metrics.Addr)
	if addr == "" {
		return DefaultMetricsAddr
	}
	return addr
}

// Validate checks everything that can be checked without side effects.
// Cron expressions are validated by the timed service when jobs are
// installed; here we only require them to be present.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Runtime.Workers < 0 {
		return fmt.Errorf("runtime.workers must be >= 0")
	}
	if _, err := c.EffectiveFrameInterval(); err != nil {
		return err
	}
	if _, err := c.EffectivePollInterval(); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, p := range c.Plugins.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("plugins.paths[%d] is empty", i)
		}
		if seen[p] {
			return fmt.Errorf("plugins.paths[%d]: duplicate path %q", i, p)
		}
		seen[p] = true
	}
	names := map[string]bool{}
	for i, j := range c.Timed {
		if strings.TrimSpace(j.Name) == "" {
			return fmt.Errorf("timed[%d].name is empty", i)
		}
		if names[j.Name] {
			return fmt.Errorf("timed[%d]: duplicate name %q", i, j.Name)
		}
		names[j.Name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("timed[%d] (%s): schedule is empty", i, j.Name)
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
