package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCreateAndValidate(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	s, err := m.Create("alice")
	if err != nil {
		t.Fatal(err)
	}
	if s.Token == "" {
		t.Fatal("empty token")
	}

	got, err := m.Validate(s.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity != "alice" {
		t.Fatalf("identity %q, want alice", got.Identity)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	if _, err := m.Validate("no-such-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestExpiredTokenNeverValidatesAgain(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	defer m.Close()

	s, err := m.Create("bob")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := m.Validate(s.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	// The record was purged on first use after expiry; from now on the
	// token is simply unknown.
	if _, err := m.Validate(s.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second use: got %v, want ErrInvalidToken", err)
	}
}

func TestRevoke(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	s, err := m.Create("carol")
	if err != nil {
		t.Fatal(err)
	}
	m.Revoke(s.Token)

	if _, err := m.Validate(s.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
	// Revoking again is a no-op.
	m.Revoke(s.Token)
}

func TestSweepPurgesExpired(t *testing.T) {
	m := NewManager(5 * time.Millisecond)
	defer m.Close()

	for i := 0; i < 10; i++ {
		if _, err := m.Create("user"); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	m.sweep()

	if n := m.Len(); n != 0 {
		t.Fatalf("%d sessions left after sweep, want 0", n)
	}
}

func TestConcurrentSessionsStayIsolated(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	const workers = 50
	tokens := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Create(fmt.Sprintf("user-%d", i))
			if err != nil {
				t.Error(err)
				return
			}
			tokens[i] = s.Token
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, token := range tokens {
		if seen[token] {
			t.Fatal("token issued twice")
		}
		seen[token] = true

		s, err := m.Validate(token)
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("user-%d", i); s.Identity != want {
			t.Fatalf("token leaked between sessions: got %q, want %q", s.Identity, want)
		}
	}
}
