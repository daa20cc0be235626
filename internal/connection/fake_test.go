package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeClock is the subset of the clockwork fake clock used by tests.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// staticAuth is a fixed credential.
type staticAuth struct {
	token string
	ok    bool
}

func (a staticAuth) Token() string         { return a.token }
func (a staticAuth) IsAuthenticated() bool { return a.ok }

// fakeConn is an in-memory transport.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}

	mu       sync.Mutex
	written  [][]byte
	closeErr error
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	default:
	}

	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.drop(ErrConnClosed)
	return nil
}

// drop simulates the peer going away with err.
func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

// push delivers a frame from the server.
func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

// frames returns the decoded control frames written so far.
func (c *fakeConn) frames(t *testing.T) []ControlMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ControlMessage, 0, len(c.written))
	for _, raw := range c.written {
		var msg ControlMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

// count returns how many written frames carry action.
func (c *fakeConn) count(t *testing.T, action Action) int {
	n := 0
	for _, f := range c.frames(t) {
		if f.Action == action {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeConns and records dialed URLs.
type fakeDialer struct {
	gate chan struct{} // When set, Dial waits for a receive

	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	fail  int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, url)
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("dial tcp: connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// recordingObserver captures instrumentation callbacks.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []StateEvent
	delays      []time.Duration
	malformed   int
	panics      []string
}

func (o *recordingObserver) StateChanged(ev StateEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, ev)
}

func (o *recordingObserver) FrameSent(string) {}
func (o *recordingObserver) FrameReceived()   {}

func (o *recordingObserver) MalformedFrame() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.malformed++
}

func (o *recordingObserver) HandlerPanicked(topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.panics = append(o.panics, topic)
}

func (o *recordingObserver) ReconnectScheduled(_ int, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays = append(o.delays, delay)
}

func (o *recordingObserver) scheduled() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Duration(nil), o.delays...)
}

func (o *recordingObserver) path() []ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ConnectionState, 0, len(o.transitions))
	for _, ev := range o.transitions {
		out = append(out, ev.To)
	}
	return out
}

// harness bundles a manager with its fakes.
type harness struct {
	m      *Manager
	dialer *fakeDialer
	clock  fakeClock
	obs    *recordingObserver
}

func newHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = "ws://push.test/ws"
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		dialer: &fakeDialer{},
		clock:  clockwork.NewFakeClock(),
		obs:    &recordingObserver{},
	}
	opts = append([]Option{
		WithDialer(h.dialer),
		WithClock(h.clock),
		WithObserver(h.obs),
	}, opts...)
	h.m = New(cfg, staticAuth{token: "tok en", ok: true}, opts...)
	t.Cleanup(h.m.Disconnect)
	return h
}

func (h *harness) waitState(t *testing.T, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.State() == want
	}, 2*time.Second, time.Millisecond, "state never became %s (now %s)", want, h.m.State())
}

func (h *harness) waitScheduled(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.obs.scheduled()) >= n
	}, 2*time.Second, time.Millisecond, "reconnect #%d never scheduled", n)
}

// syncBuffer is a bytes.Buffer safe for a logger writing from the read loop.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
