package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Nsfr750/remote-control/internal/crypto"
)

var (
	ErrUserExists   = errors.New("username already exists")
	ErrUserNotFound = errors.New("user not found")
)

// User is one credential record. PasswordHash uses the crypto package's
// "salthex:hashhex" format.
type User struct {
	PasswordHash string `json:"password"`
	IsAdmin      bool   `json:"is_admin"`
	CreatedAt    string `json:"created_at,omitempty"`
	LastLogin    string `json:"last_login,omitempty"`
}

// Store is a file-backed credential store (users.json). All methods are
// safe for concurrent use; Verify is called from every connection's auth
// path.
type Store struct {
	mu    sync.Mutex
	path  string
	users map[string]User
}

// OpenStore loads the credential file at path. A missing file yields an
// empty store; users are added with the CLI.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]User)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read credential store: %w", err)
	}
	if err := json.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("parse credential store: %w", err)
	}
	return s, nil
}

// Add creates a new user with a freshly hashed password.
func (s *Store) Add(username, password string, isAdmin bool) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = User{
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	return s.saveLocked()
}

// Verify checks a username/password pair. On success it records the login
// time. A missing user and a wrong password are indistinguishable to the
// caller.
func (s *Store) Verify(username, password string) (bool, error) {
	s.mu.Lock()
	user, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	// Derivation runs outside the lock: PBKDF2 is deliberately slow and
	// must not serialize unrelated connections.
	match, err := crypto.VerifyPassword(user.PasswordHash, password)
	if err != nil || !match {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		u.LastLogin = time.Now().UTC().Format(time.RFC3339)
		s.users[username] = u
		if err := s.saveLocked(); err != nil {
			// Login-time bookkeeping must not fail authentication.
			return true, nil
		}
	}
	return true, nil
}

// IsAdmin reports whether the named user has the admin flag.
func (s *Store) IsAdmin(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	return ok && u.IsAdmin
}

// Usernames returns all usernames, for the CLI listing.
func (s *Store) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	return names
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
