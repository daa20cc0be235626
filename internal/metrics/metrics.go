package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/giftplan-realtime/internal/connection"
)

const (
	namespace = "giftplan"
	subsystem = "realtime"
)

// Collector records connection activity. It implements connection.Observer.
type Collector struct {
	state           *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	framesReceived  prometheus.Counter
	malformedFrames prometheus.Counter
	handlerPanics   *prometheus.CounterVec
	reconnects      prometheus.Counter
	backoffSeconds  prometheus.Gauge
}

var _ connection.Observer = (*Collector)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "Current connection state (1 for the active state)",
		}, []string{"state"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "State transitions by target state",
		}, []string{"to"}),

		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Frames written to the server by action",
		}, []string{"action"}),

		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Frames read from the server",
		}),

		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped as malformed",
		}),

		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_panics_total",
			Help:      "Event handlers that panicked, by topic",
		}, []string{"topic"}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled",
		}),

		backoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnect_delay_seconds",
			Help:      "Delay of the most recently scheduled reconnect",
		}),
	}

	reg.MustRegister(
		c.state,
		c.transitions,
		c.framesSent,
		c.framesReceived,
		c.malformedFrames,
		c.handlerPanics,
		c.reconnects,
		c.backoffSeconds,
	)

	c.setState(connection.StateDisconnected)
	return c
}

func (c *Collector) setState(current connection.ConnectionState) {
	for _, s := range connection.AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) StateChanged(ev connection.StateEvent) {
	c.setState(ev.To)
	c.transitions.WithLabelValues(ev.To.String()).Inc()
}

func (c *Collector) FrameSent(action string) {
	c.framesSent.WithLabelValues(action).Inc()
}

func (c *Collector) FrameReceived() { c.framesReceived.Inc() }

func (c *Collector) MalformedFrame() { c.malformedFrames.Inc() }

// HandlerPanicked counts a panicking handler. Topics are user-scoped, so
// only the topic family (the part before ':') is used as the label.
func (c *Collector) HandlerPanicked(topicName string) {
	c.handlerPanics.WithLabelValues(family(topicName)).Inc()
}

func (c *Collector) ReconnectScheduled(_ int, delay time.Duration) {
	c.reconnects.Inc()
	c.backoffSeconds.Set(delay.Seconds())
}

func family(topicName string) string {
	f, _, _ := strings.Cut(topicName, ":")
	return f
}
