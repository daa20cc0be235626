package connection

import "github.com/jonboulle/clockwork"

// heartbeat is the ping driver for one connected phase.
type heartbeat struct {
	ticker clockwork.Ticker
	done   chan struct{}
}

// startHeartbeatLocked begins pinging for connection generation gen.
func (m *Manager) startHeartbeatLocked(gen uint64) {
	m.stopHeartbeatLocked()
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}

	hb := &heartbeat{
		ticker: m.clock.NewTicker(m.cfg.HeartbeatInterval),
		done:   make(chan struct{}),
	}
	m.heartbeat = hb

	go m.heartbeatLoop(gen, hb)
}

// stopHeartbeatLocked stops the current ping driver, if any.
func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat == nil {
		return
	}
	m.heartbeat.ticker.Stop()
	close(m.heartbeat.done)
	m.heartbeat = nil
}

// heartbeatLoop sends a ping on every tick while the phase is live.
// There is no pong deadline; the ping only tells the server we are alive.
func (m *Manager) heartbeatLoop(gen uint64, hb *heartbeat) {
	for {
		select {
		case <-hb.done:
			return
		case <-hb.ticker.Chan():
			m.mu.Lock()
			if gen != m.gen || m.heartbeat != hb || m.state != StateConnected {
				m.mu.Unlock()
				return
			}
			m.writeControlLocked(Ping())
			m.mu.Unlock()
		}
	}
}
