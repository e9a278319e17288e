// Package store provides the in-memory ledger.Store and customers.Repository.
package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes every write behind one mutex, so the balance check in
// Append and the insert form a single atomic unit.
type Memory struct {
	mu         sync.RWMutex
	byCustomer map[ledger.CustomerID][]ledger.Entry
	index      map[ledger.EntryID]ledger.CustomerID

	customers map[ledger.CustomerID]customers.Customer
	phones    map[string]ledger.CustomerID
	emails    map[string]ledger.CustomerID
}

func NewMemory() *Memory {
	return &Memory{
		byCustomer: make(map[ledger.CustomerID][]ledger.Entry),
		index:      make(map[ledger.EntryID]ledger.CustomerID),
		customers:  make(map[ledger.CustomerID]customers.Customer),
		phones:     make(map[string]ledger.CustomerID),
		emails:     make(map[string]ledger.CustomerID),
	}
}

func (m *Memory) Append(_ context.Context, n ledger.NewEntry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ledger.CheckAppend(m.byCustomer[n.CustomerID], n); err != nil {
		return ledger.Entry{}, err
	}
	e := n.Build()
	m.insertLocked(e)
	return e, nil
}

func (m *Memory) insertLocked(e ledger.Entry) {
	entries := m.byCustomer[e.CustomerID]

	// Binary search keeps each customer's entries ordered by creation
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].CreatedAt.After(e.CreatedAt)
	})
	entries = append(entries, ledger.Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	m.byCustomer[e.CustomerID] = entries
	m.index[e.ID] = e.CustomerID
}

func (m *Memory) UpdateStatus(_ context.Context, u ledger.StatusUpdate) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, i, ok := m.findLocked(u.ID)
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	updated, err := ledger.Transition(entries[i], u)
	if err != nil {
		return ledger.Entry{}, err
	}
	entries[i] = updated
	return updated, nil
}

func (m *Memory) Get(_ context.Context, id ledger.EntryID) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, i, ok := m.findLocked(id)
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return entries[i], nil
}

func (m *Memory) findLocked(id ledger.EntryID) ([]ledger.Entry, int, bool) {
	cid, ok := m.index[id]
	if !ok {
		return nil, 0, false
	}
	entries := m.byCustomer[cid]
	for i := range entries {
		if entries[i].ID == id {
			return entries, i, true
		}
	}
	return nil, 0, false
}

// Query snapshots matching entries when the sequence is ranged over.
func (m *Memory) Query(_ context.Context, f ledger.Filter) iter.Seq2[ledger.Entry, error] {
	if err := f.Validate(); err != nil {
		return ledger.Fail(err)
	}
	return func(yield func(ledger.Entry, error) bool) {
		snapshot := m.snapshot(f)
		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *Memory) snapshot(f ledger.Filter) []ledger.Entry {
	m.mu.RLock()
	var out []ledger.Entry
	if f.CustomerID != "" {
		for _, e := range m.byCustomer[f.CustomerID] {
			if f.Matches(e) {
				out = append(out, e)
			}
		}
	} else {
		for _, entries := range m.byCustomer {
			for _, e := range entries {
				if f.Matches(e) {
					out = append(out, e)
				}
			}
		}
	}
	m.mu.RUnlock()

	ledger.SortByCreation(out, f.Order)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (m *Memory) QueryExpiringSoon(_ context.Context, customerID ledger.CustomerID, now time.Time) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ledger.NextExpiring(m.byCustomer[customerID], now), nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) CreateCustomer(_ context.Context, c customers.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.phones[c.Phone]; taken {
		return customers.ErrPhoneTaken
	}
	if _, taken := m.emails[c.Email]; taken {
		return customers.ErrEmailTaken
	}
	m.customers[c.ID] = c
	m.phones[c.Phone] = c.ID
	m.emails[c.Email] = c.ID
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, id ledger.CustomerID) (customers.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return customers.Customer{}, customers.ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetCustomerByPhone(_ context.Context, phone string) (customers.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.phones[phone]
	if !ok {
		return customers.Customer{}, customers.ErrNotFound
	}
	return m.customers[id], nil
}

func (m *Memory) TouchLastLogin(_ context.Context, id ledger.CustomerID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[id]
	if !ok {
		return customers.ErrNotFound
	}
	at = at.UTC()
	c.LastLoginAt = &at
	m.customers[id] = c
	return nil
}

func (m *Memory) ListCustomers(_ context.Context) ([]customers.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]customers.Customer, 0, len(m.customers))
	for _, c := range m.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
