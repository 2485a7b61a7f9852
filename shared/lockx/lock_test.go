package lockx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memLeases struct {
	mu        sync.Mutex
	held      map[string]string
	extends   int
	loseAfter int
}

func newMemLeases() *memLeases {
	return &memLeases{held: map[string]string{}}
}

func (m *memLeases) acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return false, nil
	}
	m.held[key] = token
	return true, nil
}

func (m *memLeases) extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extends++
	if m.loseAfter > 0 && m.extends >= m.loseAfter {
		delete(m.held, key)
	}
	return m.held[key] == token, nil
}

func (m *memLeases) release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
	}
	return nil
}

func (m *memLeases) extendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extends
}

func TestRunReleasesAndPrefixesKey(t *testing.T) {
	leases := newMemLeases()
	l := &Locker{leases: leases, prefix: "worker:"}
	err := l.Run(context.Background(), "scheduled", time.Minute, func(ctx context.Context) error {
		if _, ok := leases.held["worker:scheduled"]; !ok {
			t.Fatalf("expected prefixed key to be held, got %v", leases.held)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(leases.held) != 0 {
		t.Fatalf("expected lease to be released, got %v", leases.held)
	}
}

func TestKeyNormalizesPrefixSeparator(t *testing.T) {
	cases := map[string]string{
		"":        "scheduled",
		"worker":  "worker:scheduled",
		"worker:": "worker:scheduled",
	}
	for prefix, want := range cases {
		l := &Locker{prefix: prefix}
		if got := l.key("scheduled"); got != want {
			t.Fatalf("prefix %q: expected %q, got %q", prefix, want, got)
		}
	}
}

func TestRunReportsContention(t *testing.T) {
	leases := newMemLeases()
	leases.held["k"] = "someone-else"
	l := &Locker{leases: leases}
	called := false
	err := l.Run(context.Background(), "k", time.Minute, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotAcquired) || called {
		t.Fatalf("expected ErrNotAcquired without running fn, got %v (called=%v)", err, called)
	}
	if leases.held["k"] != "someone-else" {
		t.Fatalf("foreign lease must not be released")
	}
}

func TestRunRenewsLongWork(t *testing.T) {
	leases := newMemLeases()
	l := &Locker{leases: leases}
	err := l.Run(context.Background(), "k", 30*time.Millisecond, func(ctx context.Context) error {
		deadline := time.Now().Add(2 * time.Second)
		for leases.extendCount() < 2 {
			if time.Now().After(deadline) {
				t.Fatalf("lease was never renewed")
			}
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunCancelsWorkWhenLeaseIsLost(t *testing.T) {
	leases := newMemLeases()
	leases.loseAfter = 1
	l := &Locker{leases: leases}
	err := l.Run(context.Background(), "k", 30*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			t.Fatalf("work context was not cancelled")
			return nil
		}
	})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}
