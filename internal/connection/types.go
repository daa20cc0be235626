package connection

import (
	"errors"
	"time"

	"github.com/rickgao/giftplan-realtime/internal/backoff"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrConnClosed   = errors.New("connection closed")
	ErrInvalidURL   = errors.New("invalid websocket url")
)

// ConnectionState is the single authoritative connection status.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// AllStates lists every state, in declaration order.
var AllStates = []ConnectionState{
	StateDisconnected,
	StateConnecting,
	StateConnected,
	StateReconnecting,
	StateError,
}

// StateEvent describes one state transition.
type StateEvent struct {
	From ConnectionState
	To   ConnectionState
	Err  error // Cause, if the transition was triggered by a failure
	At   time.Time
}

// Action tags an outbound control message.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionPing        Action = "ping"
)

// ControlMessage is an outbound frame. Topic is omitted for ping.
type ControlMessage struct {
	Action Action `json:"action"`
	Topic  string `json:"topic,omitempty"`
}

// Subscribe builds a subscribe frame.
func Subscribe(topic string) ControlMessage {
	return ControlMessage{Action: ActionSubscribe, Topic: topic}
}

// Unsubscribe builds an unsubscribe frame.
func Unsubscribe(topic string) ControlMessage {
	return ControlMessage{Action: ActionUnsubscribe, Topic: topic}
}

// Ping builds a heartbeat frame.
func Ping() ControlMessage {
	return ControlMessage{Action: ActionPing}
}

// Authenticator supplies the bearer token read at connect time.
type Authenticator interface {
	Token() string
	IsAuthenticated() bool
}

// Config configures the Connection Manager.
type Config struct {
	URL                  string        // Base URL, e.g. ws://localhost:8000/ws
	Reconnect            bool          // Reconnect automatically after failures
	ReconnectInterval    time.Duration // Backoff base
	ReconnectMaxInterval time.Duration // Backoff cap
	ReconnectJitter      float64       // 0 disables jitter
	HeartbeatInterval    time.Duration // Ping period while connected; 0 disables
	HandshakeTimeout     time.Duration // Dial + upgrade timeout
	WriteTimeout         time.Duration // Per-frame write deadline
	ReadLimit            int64         // Max inbound frame size in bytes
	Debug                bool          // Log every frame at debug level
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Reconnect:            true,
		ReconnectInterval:    backoff.DefaultBase,
		ReconnectMaxInterval: backoff.DefaultMax,
		HeartbeatInterval:    30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadLimit:            1 << 20,
	}
}

// withDefaults fills zero durations from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = d.ReconnectMaxInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

// Policy returns the backoff policy described by the config.
func (c Config) Policy() backoff.Policy {
	return backoff.Policy{
		Base:   c.ReconnectInterval,
		Max:    c.ReconnectMaxInterval,
		Jitter: c.ReconnectJitter,
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	State           ConnectionState
	ConnID          string // Empty unless connected
	Attempts        int
	Topics          int
	FramesSent      int64
	FramesReceived  int64
	MalformedFrames int64
	DroppedSends    int64
	HandlerPanics   int64
}

// Observer receives instrumentation callbacks. Implementations must be
// safe for concurrent use and must not call back into the manager.
type Observer interface {
	StateChanged(ev StateEvent)
	FrameSent(action string)
	FrameReceived()
	MalformedFrame()
	HandlerPanicked(topic string)
	ReconnectScheduled(attempt int, delay time.Duration)
}

type nopObserver struct{}

func (nopObserver) StateChanged(StateEvent)               {}
func (nopObserver) FrameSent(string)                      {}
func (nopObserver) FrameReceived()                        {}
func (nopObserver) MalformedFrame()                       {}
func (nopObserver) HandlerPanicked(string)                {}
func (nopObserver) ReconnectScheduled(int, time.Duration) {}
