package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *WatchConfig) Validate() error {
	if err := c.Realtime.validate("realtime"); err != nil {
		return err
	}

	if c.Auth.Token == "" && c.Auth.TokenFile == "" {
		return errors.New("auth.token or auth.token_file is required")
	}

	if c.Cache.Size < 1 {
		return errors.New("cache.size must be >= 1")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}
	if c.Health.Path == c.Health.MetricsPath {
		return fmt.Errorf("health.path and health.metrics_path must differ, both are %q", c.Health.Path)
	}

	for i, t := range c.Watch.Topics {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("watch.topics[%d] is empty", i)
		}
	}
	if c.Watch.BufferLimit < c.Watch.BufferSize {
		return fmt.Errorf("watch.buffer_limit (%d) cannot be below buffer_size (%d)", c.Watch.BufferLimit, c.Watch.BufferSize)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	return nil
}

func (r *RealtimeConfig) validate(prefix string) error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%s.url is invalid: %w", prefix, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%s.url must use ws, wss, http or https, got %q", prefix, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s.url has no host", prefix)
	}

	if r.ReconnectInterval < 0 || r.ReconnectMaxInterval < 0 {
		return fmt.Errorf("%s reconnect intervals must be positive", prefix)
	}
	if r.ReconnectMaxInterval < r.ReconnectInterval {
		return fmt.Errorf("%s.reconnect_max_interval (%s) cannot be below reconnect_interval (%s)",
			prefix, r.ReconnectMaxInterval, r.ReconnectInterval)
	}
	if r.ReconnectJitter < 0 || r.ReconnectJitter >= 1 {
		return fmt.Errorf("%s.reconnect_jitter must be in [0, 1), got %v", prefix, r.ReconnectJitter)
	}
	if r.HeartbeatInterval < 0 {
		return fmt.Errorf("%s.heartbeat_interval must be >= 0", prefix)
	}
	return nil
}
