// Package provider owns the one connection manager of a signed-in session
// and hands it to the rest of the program through a context.Context.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/giftplan-realtime/internal/auth"
	"github.com/rickgao/giftplan-realtime/internal/connection"
	"github.com/rickgao/giftplan-realtime/internal/topic"
)

// ErrNoProvider is returned (or panicked with) when the real-time context
// is used outside a provider.
var ErrNoProvider = errors.New("realtime: used outside provider")

// Provider wraps a Manager and keeps it in step with the auth session.
type Provider struct {
	manager *connection.Manager
	session *auth.Session
	logger  *slog.Logger

	mu            sync.Mutex
	started       bool
	cancelSession func()
}

// New creates a provider around an existing manager. session may be nil
// when the credential never changes.
func New(manager *connection.Manager, session *auth.Session, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		manager: manager,
		session: session,
		logger:  logger,
	}
}

// Manager returns the underlying connection manager.
func (p *Provider) Manager() *connection.Manager {
	return p.manager
}

// Start connects and begins following credential changes.
func (p *Provider) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	if p.session != nil {
		p.cancelSession = p.session.OnChange(p.authChanged)
	}
	p.mu.Unlock()

	p.manager.Connect()
}

// Stop disconnects and stops following credential changes.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	if p.cancelSession != nil {
		p.cancelSession()
		p.cancelSession = nil
	}
	p.mu.Unlock()

	p.manager.Disconnect()
}

// authChanged restarts the connection so the new token is presented.
func (p *Provider) authChanged(ch auth.Change) {
	p.logger.Info("credential changed, restarting connection",
		"authenticated", ch.Authenticated,
		"subject", ch.Subject,
	)

	p.manager.Disconnect()
	if ch.Authenticated {
		p.manager.Connect()
	}
}

func (p *Provider) Connect()    { p.manager.Connect() }
func (p *Provider) Disconnect() { p.manager.Disconnect() }

// Reconnect is the manual retry affordance. It only acts when the
// connection has given up (disconnected or error).
func (p *Provider) Reconnect() bool {
	if !canReconnect(p.manager.State()) {
		return false
	}
	p.manager.Connect()
	return true
}

func (p *Provider) Subscribe(topicName string, handler topic.Handler) func() {
	return p.manager.Subscribe(topicName, handler)
}

func (p *Provider) Unsubscribe(topicName string) {
	p.manager.Unsubscribe(topicName)
}

func (p *Provider) Send(msg any) error {
	return p.manager.Send(msg)
}

func (p *Provider) State() connection.ConnectionState {
	return p.manager.State()
}

func (p *Provider) Observe(fn func(connection.StateEvent)) func() {
	return p.manager.Observe(fn)
}

// StatusView is what a connection indicator shows.
type StatusView struct {
	State        string   `json:"state"`
	CanReconnect bool     `json:"can_reconnect"`
	Topics       []string `json:"topics"`
	Attempts     int      `json:"attempts"`
}

// Status returns the current view of the connection.
func (p *Provider) Status() StatusView {
	state := p.manager.State()
	topics := p.manager.Topics()
	if topics == nil {
		topics = []string{}
	}
	return StatusView{
		State:        state.String(),
		CanReconnect: canReconnect(state),
		Topics:       topics,
		Attempts:     p.manager.Attempts(),
	}
}

func canReconnect(s connection.ConnectionState) bool {
	return s == connection.StateDisconnected || s == connection.StateError
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying p.
func NewContext(ctx context.Context, p *Provider) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the provider carried by ctx.
func FromContext(ctx context.Context) (*Provider, error) {
	p, ok := ctx.Value(contextKey{}).(*Provider)
	if !ok || p == nil {
		return nil, ErrNoProvider
	}
	return p, nil
}

// MustFromContext is FromContext for callers that cannot continue
// without a provider. It panics with ErrNoProvider.
func MustFromContext(ctx context.Context) *Provider {
	p, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return p
}
