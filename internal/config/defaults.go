package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultURL                  = "ws://localhost:8000/ws"
	DefaultReconnectInterval    = 5 * time.Second
	DefaultReconnectMaxInterval = 20 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReadLimit            = 1 << 20
	DefaultCacheSize            = 4096
	DefaultHealthPort           = 8081
	DefaultHealthPath           = "/health"
	DefaultMetricsPath          = "/metrics"
	DefaultBufferSize           = 64
	DefaultBufferLimit          = 4096
	DefaultLogLevel             = "info"
)

func (c *WatchConfig) applyDefaults() {
	// Realtime defaults
	if c.Realtime.URL == "" {
		c.Realtime.URL = DefaultURL
	}
	if c.Realtime.ReconnectInterval == 0 {
		c.Realtime.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Realtime.ReconnectMaxInterval == 0 {
		c.Realtime.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = DefaultWriteTimeout
	}
	if c.Realtime.ReadLimit == 0 {
		c.Realtime.ReadLimit = DefaultReadLimit
	}

	if c.Cache.Size == 0 {
		c.Cache.Size = DefaultCacheSize
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
	if c.Health.MetricsPath == "" {
		c.Health.MetricsPath = DefaultMetricsPath
	}

	if c.Watch.BufferSize == 0 {
		c.Watch.BufferSize = DefaultBufferSize
	}
	if c.Watch.BufferLimit == 0 {
		c.Watch.BufferLimit = DefaultBufferLimit
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}
