// Package locks provides short-lived, per-resource mutual exclusion for
// interaction handlers. Locks live only in process memory: a crash drops
// them all, which is safe because run mutations are conditional writes at
// the storage layer and the lock is only a debounce against double-clicks
// and platform redeliveries.
package locks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrContended is returned when a same-resource operation is already in
// flight. Callers surface it to the user; they must not retry automatically.
var ErrContended = errors.New("an operation is already in progress")

const DefaultTTL = 10 * time.Second

type entry struct {
	holder   string
	acquired time.Time
	deadline time.Time
}

// Manager is a table of time-bounded resource locks keyed by
// "<action>:<runID>".
type Manager struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	held map[string]entry
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:  ttl,
		now:  time.Now,
		held: make(map[string]entry),
	}
}

// SetNow overrides the clock. Test use only.
func (m *Manager) SetNow(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Key builds a resource key for an action kind on a run.
func Key(action string, runID int64) string {
	return fmt.Sprintf("%s:%d", action, runID)
}

// WithLock runs fn while holding an exclusive lock on key. If the lock is
// held by someone else and not yet expired, fn is not invoked and
// ErrContended is returned. The lock is always released when fn returns,
// success or not; a fn outliving the TTL is treated as implicitly released
// for the next acquirer.
func (m *Manager) WithLock(key string, fn func() error) error {
	token, err := m.acquire(key)
	if err != nil {
		return err
	}
	defer m.release(key, token)
	return fn()
}

func (m *Manager) acquire(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.held[key]; ok && now.Before(e.deadline) {
		return "", ErrContended
	}
	token := uuid.New().String()
	m.held[key] = entry{holder: token, acquired: now, deadline: now.Add(m.ttl)}
	return token, nil
}

func (m *Manager) release(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the holder may release; an expired lock may already belong to a
	// new acquirer.
	if e, ok := m.held[key]; ok && e.holder == token {
		delete(m.held, key)
	}
}

// ReleaseRun drops every lock associated with a run. Called when the run
// reaches a terminal status.
func (m *Manager) ReleaseRun(runID int64) {
	suffix := fmt.Sprintf(":%d", runID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.held {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(m.held, key)
		}
	}
}

// Held reports whether key is currently locked and unexpired.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[key]
	return ok && m.now().Before(e.deadline)
}
