package config

import "time"

// WatchConfig is the root configuration for the giftwatch client.
type WatchConfig struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	Auth     AuthConfig     `yaml:"auth"`
	Cache    CacheConfig    `yaml:"cache"`
	Health   HealthConfig   `yaml:"health"`
	Watch    TopicsConfig   `yaml:"watch"`
	LogLevel string         `yaml:"log_level"`
}

// RealtimeConfig holds push connection settings.
type RealtimeConfig struct {
	URL                  string        `yaml:"url"`
	Reconnect            *bool         `yaml:"reconnect"` // Defaults to true
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`
	ReconnectJitter      float64       `yaml:"reconnect_jitter"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReadLimit            int64         `yaml:"read_limit"`
	Debug                bool          `yaml:"debug"`
}

// ReconnectEnabled reports whether automatic reconnection is on.
func (r RealtimeConfig) ReconnectEnabled() bool {
	return r.Reconnect == nil || *r.Reconnect
}

// AuthConfig holds the bearer credential. TokenFile wins over Token.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// CacheConfig holds entity cache settings.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// HealthConfig holds the health and metrics HTTP server settings.
type HealthConfig struct {
	Port        int    `yaml:"port"`
	Path        string `yaml:"path"`
	MetricsPath string `yaml:"metrics_path"`
}

// TopicsConfig lists the topics to watch.
type TopicsConfig struct {
	Topics      []string `yaml:"topics"`
	BufferSize  int      `yaml:"buffer_size"`
	BufferLimit int      `yaml:"buffer_limit"`
	SelectPath  string   `yaml:"select"`
}
