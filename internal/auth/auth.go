// Package auth holds the bearer credential used to open the push connection.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cristalhq/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Errors
var (
	ErrEmptyToken   = errors.New("token is empty")
	ErrTokenExpired = errors.New("token has expired")
)

// StaticToken is a fixed opaque credential. It is authenticated while
// non-empty.
type StaticToken string

func (t StaticToken) Token() string         { return string(t) }
func (t StaticToken) IsAuthenticated() bool { return t != "" }

// LoadTokenFile reads a token from path. Surrounding whitespace is trimmed.
func LoadTokenFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("token file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmptyToken)
	}
	return token, nil
}

// Claims is what the client reads out of a JWT bearer token. The signature
// is not checked here; the push server does that.
type Claims struct {
	Subject   string
	ExpiresAt time.Time // Zero when the token never expires
}

// ParseClaims extracts claims from a JWT. Opaque tokens return ok=false.
func ParseClaims(token string) (claims Claims, ok bool) {
	parsed, err := jwt.ParseNoVerify([]byte(token))
	if err != nil {
		return Claims{}, false
	}

	var rc jwt.RegisteredClaims
	if err := json.Unmarshal(parsed.Claims(), &rc); err != nil {
		return Claims{}, false
	}

	claims.Subject = rc.Subject
	if rc.ExpiresAt != nil {
		claims.ExpiresAt = rc.ExpiresAt.Time
	}
	return claims, true
}

// Change describes a login, logout or token rotation.
type Change struct {
	Authenticated bool
	Subject       string
}

// Session is the mutable credential for one signed-in user. It satisfies
// connection.Authenticator and tells listeners when the credential changes.
type Session struct {
	clock clockwork.Clock

	mu        sync.RWMutex
	token     string
	claims    Claims
	listeners map[uint64]func(Change)
	nextID    uint64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock sets the clock used for expiry checks.
func WithClock(c clockwork.Clock) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}

// NewSession creates a signed-out session.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		clock:     clockwork.NewRealClock(),
		listeners: make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login stores token and notifies listeners. Logging in again with a new
// token is a rotation. Expired JWTs are rejected.
func (s *Session) Login(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}

	claims, _ := ParseClaims(token)
	if !claims.ExpiresAt.IsZero() && !s.clock.Now().Before(claims.ExpiresAt) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.Format(time.RFC3339))
	}

	s.mu.Lock()
	if s.token == token {
		s.mu.Unlock()
		return nil
	}
	s.token = token
	s.claims = claims
	listeners := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(listeners, Change{Authenticated: true, Subject: claims.Subject})
	return nil
}

// Logout clears the credential. It is a no-op when already signed out.
func (s *Session) Logout() {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return
	}
	s.token = ""
	s.claims = Claims{}
	listeners := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(listeners, Change{})
}

// Token returns the current bearer token, or "" when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// IsAuthenticated reports whether a usable token is held.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return false
	}
	if exp := s.claims.ExpiresAt; !exp.IsZero() && !s.clock.Now().Before(exp) {
		return false
	}
	return true
}

// Claims returns the claims of the current token.
func (s *Session) Claims() Claims {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims
}

// OnChange registers fn for credential changes. The returned func removes it.
func (s *Session) OnChange(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) snapshotLocked() []func(Change) {
	out := make([]func(Change), 0, len(s.listeners))
	for id := uint64(1); id <= s.nextID; id++ {
		if fn, ok := s.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (s *Session) notify(listeners []func(Change), ch Change) {
	for _, fn := range listeners {
		fn(ch)
	}
}
