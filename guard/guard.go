/*
Package guard provides short-lived duplicate-submission guards.

PURPOSE:
  A guard key is held for a window after the first submission; a second
  Acquire of the same key inside the window fails with
  *ledger.DuplicateError carrying the remaining time. Keys are built by the
  caller, either from a client idempotency key or from the submission's
  (customer, kind, amount).

IMPLEMENTATIONS:
  Memory: single-process TTL map
  Redis:  SET NX PX, shared across instances
*/
package guard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/eliteacai/cashback-engine/ledger"
)

const keyNamespace = "cashback"

// Key joins parts under the guard namespace.
func Key(parts ...string) string {
	return keyNamespace + ":dup:" + strings.Join(parts, ":")
}

// =============================================================================
// MEMORY GUARD
// =============================================================================

type Memory struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time), clock: time.Now}
}

// WithClock replaces the time source, for tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if until, ok := m.held[key]; ok && now.Before(until) {
		return &ledger.DuplicateError{RetryAfter: until.Sub(now)}
	}
	m.held[key] = now.Add(ttl)

	// Opportunistic purge keeps the map bounded by the window
	for k, until := range m.held {
		if !now.Before(until) {
			delete(m.held, k)
		}
	}
	return nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}
