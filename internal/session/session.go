// Package session tracks authenticated sessions and defines the
// per-connection authentication state machine.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/Nsfr750/remote-control/internal/auth"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = time.Hour

// sweepInterval is how often expired sessions are purged in the
// background. Expiry is also enforced on every Validate, so the sweep only
// bounds memory for tokens that are never used again.
const sweepInterval = time.Minute

// State is a connection's position in the authentication state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthPending
	StateAuthenticated
	StateExpired
	StateLoggedOut
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	case StateLoggedOut:
		return "logged_out"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidToken means the token is unknown or was revoked.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrExpired means the token existed but its lifetime has passed.
	// The session record is purged on first use after expiry.
	ErrExpired = errors.New("session expired")
)

// Session is one authenticated session record. Connections look sessions
// up by token; they never own the record.
type Session struct {
	Token     string
	Identity  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager owns the token table. Multiple connections authenticate and
// validate concurrently, so all access is mutex-guarded.
type Manager struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Session

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a session manager and starts its expiry sweep.
// ttl <= 0 selects DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create issues a new session for identity and returns it.
func (m *Manager) Create(identity string) (*Session, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s := &Session{
		Token:     token,
		Identity:  identity,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.mu.Lock()
	m.sessions[token] = s
	m.mu.Unlock()
	return s, nil
}

// Validate looks up a token. An expired token is purged and rejected; once
// rejected it can never validate again. A valid token is accepted strictly
// before its expiry instant.
func (m *Manager) Validate(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	if !time.Now().Before(s.ExpiresAt) {
		delete(m.sessions, token)
		return nil, ErrExpired
	}
	return s, nil
}

// Revoke destroys a session (logout or disconnect cleanup). Revoking an
// unknown token is a no-op.
func (m *Manager) Revoke(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// Len returns the number of live session records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the expiry sweep. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, token)
		}
	}
}
