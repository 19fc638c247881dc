package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Defaults applied by Normalize when fields are omitted or out of range.
const (
	DefaultTickInterval = 5 * time.Second
	DefaultBaseDuration = 30 * time.Second
	DefaultDedupWindow  = 5 * time.Minute
	DefaultDrainTimeout = 5 * time.Second
	DefaultQueueSize    = 64

	DefaultElevationThreshold = 30.0
	DefaultKpAlertThreshold   = 5.0
	DefaultKpSpikeThreshold   = 2.0

	DefaultRetentionDays = 30
	DefaultMaxEntries    = 10000
)

// Load reads, strictly decodes and normalizes the config file.
// YAML and JSON are both accepted; unknown fields are rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSON(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.Normalize()
	return &cfg, nil
}

// Normalize clamps omitted or misconfigured values to safe defaults.
// Misconfiguration is handled here, once, so detection-time code never
// re-validates thresholds.
func (c *Config) Normalize() {
	if c.Alerts.Satellite.ElevationThreshold <= 0 || c.Alerts.Satellite.ElevationThreshold > 90 {
		c.Alerts.Satellite.ElevationThreshold = DefaultElevationThreshold
	}
	if c.Alerts.SpaceWeather.KpAlertThreshold <= 0 || c.Alerts.SpaceWeather.KpAlertThreshold > 9 {
		c.Alerts.SpaceWeather.KpAlertThreshold = DefaultKpAlertThreshold
	}
	if c.Alerts.SpaceWeather.KpSpikeThreshold <= 0 {
		c.Alerts.SpaceWeather.KpSpikeThreshold = DefaultKpSpikeThreshold
	}
	if len(c.Alerts.SpaceWeather.XrayAlertClasses) == 0 {
		c.Alerts.SpaceWeather.XrayAlertClasses = []string{"M", "X"}
	}

	if c.Router.QueueSize <= 0 {
		c.Router.QueueSize = DefaultQueueSize
	}
	if c.Sinks.History.RetentionDays <= 0 {
		c.Sinks.History.RetentionDays = DefaultRetentionDays
	}
	if c.Sinks.History.MaxEntries <= 0 {
		c.Sinks.History.MaxEntries = DefaultMaxEntries
	}
	if c.Sinks.Mqtt.QoS < 0 || c.Sinks.Mqtt.QoS > 2 {
		c.Sinks.Mqtt.QoS = 1
	}
	if c.Sinks.Mqtt.RetryMax < 0 {
		c.Sinks.Mqtt.RetryMax = 0
	}
	if strings.TrimSpace(c.Sinks.Mqtt.TopicPrefix) == "" {
		c.Sinks.Mqtt.TopicPrefix = "hamclock/alerts"
	}
	if strings.TrimSpace(c.Sinks.WebSocket.Bind) == "" {
		c.Sinks.WebSocket.Bind = "127.0.0.1:8090"
	}
	if c.Sinks.Notify.RatePerMin <= 0 {
		c.Sinks.Notify.RatePerMin = 10
	}
	if c.Sinks.Telegram.RatePerMin <= 0 {
		c.Sinks.Telegram.RatePerMin = 6
	}
}

// TickIntervalDuration returns the parsed tick cadence (clamped to default).
func (c *Config) TickIntervalDuration() time.Duration {
	return durationOrDefault(c.TickInterval, DefaultTickInterval)
}

// BaseDurationDuration returns the parsed base alert display window.
func (c *Config) BaseDurationDuration() time.Duration {
	return durationOrDefault(c.Alerts.BaseDuration, DefaultBaseDuration)
}

// DedupWindowDuration returns the parsed dedup suppression window.
func (c *Config) DedupWindowDuration() time.Duration {
	return durationOrDefault(c.Alerts.DedupWindow, DefaultDedupWindow)
}

// DrainTimeoutDuration returns the parsed router shutdown drain timeout.
func (c *Config) DrainTimeoutDuration() time.Duration {
	return durationOrDefault(c.Router.DrainTimeout, DefaultDrainTimeout)
}

// BusyTimeoutDuration returns the parsed history sqlite busy timeout.
func (c *Config) BusyTimeoutDuration() time.Duration {
	return durationOrDefault(c.Sinks.History.BusyTimeout, 2*time.Second)
}

// durationOrDefault parses a Go duration string, clamping empty, invalid and
// non-positive values to def.
func durationOrDefault(raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ParseDurationField parses a duration config field, rejecting negatives.
// Empty input yields zero (caller applies its default).
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// coerceToJSON converts YAML config to JSON bytes so the strict JSON decoder
// (DisallowUnknownFields) serves both formats.
func coerceToJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
