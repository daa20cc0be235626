package connection

import (
	"errors"
	"log/slog"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/giftplan-realtime/internal/topic"
)

func TestManager_InitialState(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Equal(t, 0, h.m.Attempts())
	assert.Equal(t, 0, h.dialer.dials())
}

func TestManager_Connect(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.waitState(t, StateConnected)

	require.Equal(t, 1, h.dialer.dials())

	u, err := url.Parse(h.dialer.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "push.test", u.Host)
	assert.Equal(t, "/ws", u.Path)
	assert.Equal(t, "tok en", u.Query().Get("token"))

	require.Eventually(t, func() bool {
		return len(h.obs.path()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, h.obs.path())

	st := h.m.Stats()
	assert.NotEmpty(t, st.ConnID)
}

func TestManager_ConnectIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.gate = make(chan struct{})

	h.m.Connect()
	h.m.Connect()
	assert.Equal(t, StateConnecting, h.m.State())

	close(h.dialer.gate)
	h.waitState(t, StateConnected)

	h.m.Connect()

	// Give any stray dial goroutine a chance to show up.
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, 1, h.dialer.connCount())
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, h.obs.path())
}

func TestManager_ConnectRequiresCredential(t *testing.T) {
	tests := []struct {
		name string
		auth Authenticator
	}{
		{name: "nil authenticator", auth: nil},
		{name: "not authenticated", auth: staticAuth{token: "tok", ok: false}},
		{name: "empty token", auth: staticAuth{token: "", ok: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{}
			cfg := DefaultConfig()
			cfg.URL = "ws://push.test/ws"
			m := New(cfg, tt.auth, WithDialer(d))
			defer m.Disconnect()

			m.Connect()
			time.Sleep(10 * time.Millisecond)

			assert.Equal(t, StateDisconnected, m.State())
			assert.Equal(t, 0, d.dials())
		})
	}
}

func TestManager_InvalidURL(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.URL = "ftp://push.test/ws" })

	h.m.Connect()

	assert.Equal(t, StateError, h.m.State())
	assert.Equal(t, 0, h.dialer.dials())
}

func TestManager_SubscribeWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Subscribe("x", func(topic.Event) {})
	assert.Equal(t, 0, h.dialer.dials(), "subscribe must not dial")

	h.m.Connect()
	h.waitState(t, StateConnected)

	assert.Equal(t, []ControlMessage{Subscribe("x")}, h.dialer.conn(0).frames(t))
}

func TestManager_SubscribeWhileConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Connect()
	h.waitState(t, StateConnected)
	conn := h.dialer.conn(0)

	unsubA := h.m.Subscribe("list:42", func(topic.Event) {})
	unsubB := h.m.Subscribe("list:42", func(topic.Event) {})
	assert.Equal(t, []ControlMessage{Subscribe("list:42")}, conn.frames(t))

	unsubA()
	unsubA()
	assert.Len(t, conn.frames(t), 1, "topic still has a handler")
	assert.Equal(t, []string{"list:42"}, h.m.Topics())

	unsubB()
	assert.Equal(t, []ControlMessage{
		Subscribe("list:42"),
		Unsubscribe("list:42"),
	}, conn.frames(t))
	assert.Empty(t, h.m.Topics())
}

func TestManager_UnsubscribeTopic(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Subscribe("gift:1", func(topic.Event) {})
	h.m.Subscribe("gift:1", func(topic.Event) {})

	h.m.Connect()
	h.waitState(t, StateConnected)
	conn := h.dialer.conn(0)

	h.m.Unsubscribe("gift:1")
	h.m.Unsubscribe("gift:1")

	assert.Equal(t, []ControlMessage{
		Subscribe("gift:1"),
		Unsubscribe("gift:1"),
	}, conn.frames(t))
	assert.Empty(t, h.m.Topics())
}

func TestManager_UnsubscribeWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)

	unsub := h.m.Subscribe("a", func(topic.Event) {})
	h.m.Subscribe("b", func(topic.Event) {})
	unsub()

	h.m.Connect()
	h.waitState(t, StateConnected)

	assert.Equal(t, []ControlMessage{Subscribe("b")}, h.dialer.conn(0).frames(t))
}

func TestManager_DispatchToHandlersInOrder(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var calls []string
	var got []topic.Event
	record := func(name string) topic.Handler {
		return func(ev topic.Event) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			got = append(got, ev)
		}
	}

	h.m.Subscribe("list:42", record("A"))
	h.m.Subscribe("list:42", record("B"))

	h.m.Connect()
	h.waitState(t, StateConnected)

	h.dialer.conn(0).push(`{"topic":"list:42","event":"UPDATED","data":{"entity_id":"7","payload":{},"user_id":"3","timestamp":"2024-01-01T00:00:00Z"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, calls)

	want := topic.Event{
		Topic: "list:42",
		Kind:  topic.EventUpdated,
		Data: topic.EventData{
			EntityID:  "7",
			Payload:   []byte(`{}`),
			UserID:    "3",
			Timestamp: "2024-01-01T00:00:00Z",
		},
	}
	for _, ev := range got {
		assert.Equal(t, want.Topic, ev.Topic)
		assert.Equal(t, want.Kind, ev.Kind)
		assert.Equal(t, want.Data.EntityID, ev.Data.EntityID)
		assert.Equal(t, want.Data.UserID, ev.Data.UserID)
		assert.JSONEq(t, string(want.Data.Payload), string(ev.Data.Payload))
		assert.Equal(t, want.Data.Timestamp, ev.Data.Timestamp)
	}
	assert.Equal(t, got[0], got[1], "both handlers receive the same event")
}

func TestManager_MalformedFrame(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var kinds []topic.EventKind
	h.m.Subscribe("list:1", func(ev topic.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	})

	h.m.Connect()
	h.waitState(t, StateConnected)
	conn := h.dialer.conn(0)

	conn.push("not json")
	conn.push(`{"topic":"list:1","event":"RENAMED","data":{}}`)
	conn.push(`{"action":"pong"}`)
	conn.push(`{"topic":"list:1","event":"DELETED","data":{"entity_id":"9"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, []topic.EventKind{topic.EventDeleted}, kinds)

	st := h.m.Stats()
	assert.Equal(t, int64(2), st.MalformedFrames)
	assert.Equal(t, int64(4), st.FramesReceived)

	h.obs.mu.Lock()
	assert.Equal(t, 2, h.obs.malformed)
	h.obs.mu.Unlock()
}

func TestManager_TimestampsWithoutOffset(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var stamps []string
	h.m.Subscribe("list:42", func(ev topic.Event) {
		mu.Lock()
		defer mu.Unlock()
		stamps = append(stamps, ev.Data.Timestamp)
	})

	h.m.Connect()
	h.waitState(t, StateConnected)
	conn := h.dialer.conn(0)

	sent := []string{
		"2024-01-01T00:00:00Z",
		"2024-01-01T00:00:00",
		"2024-01-01T00:00:00.123456",
		"2024-01-01T00:00:00+00:00",
		"2024-01-01",
	}
	for _, ts := range sent {
		conn.push(`{"topic":"list:42","event":"UPDATED","data":{"entity_id":"7","payload":{},"user_id":"3","timestamp":"` + ts + `"}}`)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) == len(sent)
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, sent, stamps, "timestamps reach handlers as received")
	mu.Unlock()
	assert.Equal(t, int64(0), h.m.Stats().MalformedFrames)
}

func TestManager_ControlReplyLogged(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newHarness(t, nil, WithLogger(logger))

	h.m.Connect()
	h.waitState(t, StateConnected)

	h.dialer.conn(0).push(`{"action":"error","message":"bad token"}`)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "control reply")
	}, time.Second, time.Millisecond)
	assert.Contains(t, logs.String(), "action=error")
	assert.Equal(t, int64(0), h.m.Stats().MalformedFrames)
	assert.Equal(t, StateConnected, h.m.State())
}

func TestManager_NoDispatchAfterDisconnect(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	calls := 0
	h.m.Subscribe("list:42", func(topic.Event) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	h.m.Connect()
	h.waitState(t, StateConnected)

	h.m.mu.Lock()
	gen := h.m.gen
	h.m.mu.Unlock()

	// A frame read just before Disconnect reaches handleFrame afterwards.
	h.m.Disconnect()
	h.m.handleFrame(gen, []byte(`{"topic":"list:42","event":"ADDED","data":{"entity_id":"1"}}`))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestManager_HandlerPanicIsolated(t *testing.T) {
	h := newHarness(t, nil)

	delivered := make(chan struct{}, 1)
	h.m.Subscribe("occasion:5", func(topic.Event) { panic("render failed") })
	h.m.Subscribe("occasion:5", func(topic.Event) { delivered <- struct{}{} })

	h.m.Connect()
	h.waitState(t, StateConnected)

	h.dialer.conn(0).push(`{"topic":"occasion:5","event":"STATUS_CHANGED","data":{"entity_id":"5"}}`)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("second handler was not invoked")
	}

	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, int64(1), h.m.Stats().HandlerPanics)
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)

	err := h.m.Send(Ping())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, int64(1), h.m.Stats().DroppedSends)

	h.m.Connect()
	h.waitState(t, StateConnected)

	// Nothing queued from the earlier send.
	assert.Empty(t, h.dialer.conn(0).frames(t))

	require.NoError(t, h.m.Send(Ping()))
	assert.Equal(t, []ControlMessage{Ping()}, h.dialer.conn(0).frames(t))
}

func TestManager_SendEncodeError(t *testing.T) {
	h := newHarness(t, nil)

	err := h.m.Send(func() {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)
}

func TestManager_ReconnectReplaysSubscriptions(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Subscribe("a", func(topic.Event) {})
	unsubB := h.m.Subscribe("b", func(topic.Event) {})
	h.m.Subscribe("c", func(topic.Event) {})

	h.m.Connect()
	h.waitState(t, StateConnected)

	unsubB()

	h.dialer.conn(0).drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	h.waitState(t, StateReconnecting)
	assert.Equal(t, 1, h.m.Attempts())

	h.clock.Advance(5 * time.Second)
	h.waitState(t, StateConnected)

	assert.Equal(t, 0, h.m.Attempts(), "successful connect resets attempts")
	assert.Equal(t, []ControlMessage{Subscribe("a"), Subscribe("c")}, h.dialer.conn(1).frames(t))
}

func TestManager_CloseGoesStraightToReconnecting(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.waitState(t, StateConnected)

	h.dialer.conn(0).drop(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "restart"})
	h.waitState(t, StateReconnecting)

	require.Eventually(t, func() bool { return len(h.obs.path()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateReconnecting}, h.obs.path())
}

func TestManager_TransportErrorPassesThroughError(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.waitState(t, StateConnected)

	h.dialer.conn(0).drop(errors.New("read tcp: connection reset by peer"))
	h.waitState(t, StateReconnecting)

	require.Eventually(t, func() bool { return len(h.obs.path()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []ConnectionState{
		StateConnecting,
		StateConnected,
		StateError,
		StateReconnecting,
	}, h.obs.path())
}

func TestManager_BackoffSequence(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail = 4

	h.m.Connect()

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		20 * time.Second,
	}
	for i, d := range want {
		h.waitScheduled(t, i+1)
		h.waitState(t, StateReconnecting)
		assert.Equal(t, d, h.obs.scheduled()[i], "delay for attempt %d", i)
		h.clock.Advance(d)
	}

	h.waitState(t, StateConnected)
	assert.Equal(t, 0, h.m.Attempts())

	// The next drop starts over at the base interval.
	h.dialer.conn(0).drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	h.waitScheduled(t, len(want)+1)
	assert.Equal(t, 5*time.Second, h.obs.scheduled()[len(want)])
}

func TestManager_RetryDoesNotFireEarly(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail = 1

	h.m.Connect()
	h.waitScheduled(t, 1)
	h.waitState(t, StateReconnecting)

	h.clock.Advance(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, StateReconnecting, h.m.State())

	h.clock.Advance(time.Second)
	h.waitState(t, StateConnected)
	assert.Equal(t, 2, h.dialer.dials())
}

func TestManager_NoReconnect(t *testing.T) {
	t.Run("close ends disconnected", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Reconnect = false })

		h.m.Connect()
		h.waitState(t, StateConnected)

		h.dialer.conn(0).drop(&websocket.CloseError{Code: websocket.CloseNormalClosure})
		h.waitState(t, StateDisconnected)

		h.clock.Advance(time.Minute)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 1, h.dialer.dials())
	})

	t.Run("dial failure stays in error", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Reconnect = false })
		h.dialer.fail = 1

		h.m.Connect()
		h.waitState(t, StateError)

		h.clock.Advance(time.Minute)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, StateError, h.m.State())
		assert.Equal(t, 1, h.dialer.dials())

		// Manual reconnect from error.
		h.m.Connect()
		h.waitState(t, StateConnected)
	})
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.waitState(t, StateConnected)

	h.dialer.conn(0).drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	h.waitState(t, StateReconnecting)

	h.m.Disconnect()
	assert.Equal(t, StateDisconnected, h.m.State())

	for i := 0; i < 10; i++ {
		h.clock.Advance(time.Minute)
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, h.dialer.dials(), "no reconnect after manual disconnect")
	assert.Equal(t, StateDisconnected, h.m.State())
}

func TestManager_DisconnectStopsHeartbeat(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.waitState(t, StateConnected)
	conn := h.dialer.conn(0)

	h.m.Disconnect()

	for i := 0; i < 5; i++ {
		h.clock.Advance(30 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, conn.count(t, ActionPing))
	assert.Equal(t, 1, h.dialer.dials())
}

func TestManager_DisconnectDuringDial(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.gate = make(chan struct{})

	h.m.Connect()
	h.m.Disconnect()
	close(h.dialer.gate)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, h.m.State())
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Disconnect()
	h.m.Disconnect()
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Empty(t, h.obs.path())
}

func TestManager_Heartbeat(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.waitState(t, StateConnected)
	conn := h.dialer.conn(0)

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return conn.count(t, ActionPing) == 1
	}, time.Second, time.Millisecond)

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return conn.count(t, ActionPing) == 2
	}, time.Second, time.Millisecond)
}

func TestManager_HeartbeatStopsOnDrop(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.waitState(t, StateConnected)
	conn := h.dialer.conn(0)

	conn.drop(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	h.waitState(t, StateReconnecting)

	// Advancing by less than the backoff only exercises the heartbeat ticker.
	h.clock.Advance(4 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, conn.count(t, ActionPing))
}

func TestManager_ObserveListeners(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var seen []StateEvent
	cancel := h.m.Observe(func(ev StateEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
	})

	h.m.Connect()
	h.waitState(t, StateConnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, StateDisconnected, seen[0].From)
	assert.Equal(t, StateConnecting, seen[0].To)
	assert.Equal(t, StateConnecting, seen[1].From)
	assert.Equal(t, StateConnected, seen[1].To)
	mu.Unlock()

	cancel()
	h.m.Disconnect()

	mu.Lock()
	assert.Len(t, seen, 2, "cancelled listener must not be called")
	mu.Unlock()
}

func TestManager_ListenerMayCallManager(t *testing.T) {
	h := newHarness(t, nil)

	reconnected := make(chan struct{}, 1)
	cancel := h.m.Observe(func(ev StateEvent) {
		if ev.To == StateDisconnected {
			h.m.Connect()
		}
		if ev.From == StateConnecting && ev.To == StateConnected {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		}
	})

	h.m.Connect()
	<-reconnected
	h.m.Disconnect()

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("listener-triggered connect did not complete")
	}
	cancel()
}

func TestManager_WireSubscriptionsMatchRegistry(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Connect()
	h.waitState(t, StateConnected)

	rng := rand.New(rand.NewSource(7<<32 | 42))
	topics := []string{"list:1", "list:2", "person:3", "gift:4", "occasion:5"}
	var unsubs []func()

	for i := 0; i < 300; i++ {
		name := topics[rng.Intn(len(topics))]
		switch rng.Intn(3) {
		case 0:
			unsubs = append(unsubs, h.m.Subscribe(name, func(topic.Event) {}))
		case 1:
			if len(unsubs) > 0 {
				j := rng.Intn(len(unsubs))
				unsubs[j]()
				unsubs = append(unsubs[:j], unsubs[j+1:]...)
			}
		case 2:
			if rng.Intn(10) == 0 {
				h.m.Unsubscribe(name)
			}
		}
	}

	// Replay the wire log into the server's view.
	wire := map[string]int{}
	for _, f := range h.dialer.conn(0).frames(t) {
		switch f.Action {
		case ActionSubscribe:
			wire[f.Topic]++
			assert.Equal(t, 1, wire[f.Topic], "duplicate subscribe for %s", f.Topic)
		case ActionUnsubscribe:
			wire[f.Topic]--
			assert.Equal(t, 0, wire[f.Topic], "unsubscribe without subscribe for %s", f.Topic)
		}
	}

	var onWire []string
	for name, n := range wire {
		if n > 0 {
			onWire = append(onWire, name)
		}
	}
	sort.Strings(onWire)

	want := h.m.Topics()
	if len(want) == 0 {
		want = nil
	}
	assert.Equal(t, want, onWire)
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateError, "error"},
		{ConnectionState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
