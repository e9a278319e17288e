/*
store.go - Persistence contract for ledger entries

PURPOSE:
  Defines the interface between the workflow and the database. Entries
  are append-mostly: the only mutation is the one-time status transition
  of a pending purchase.

ATOMICITY:
  Append re-validates the balance and the duplicate window inside the
  same atomic unit as the insert (mutex, immediate SQLite transaction, or
  a per-customer Postgres advisory lock). Two concurrent redemptions whose
  sum exceeds the balance can never both commit.

QUERIES:
  Query returns a lazy sequence. Nothing is read until the sequence is
  ranged over, and ranging again re-runs the query.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/gormstore/gormstore.go: PostgreSQL via gorm
*/
package ledger

import (
	"context"
	"iter"
	"slices"
	"time"
)

// Store persists ledger entries.
type Store interface {
	// Append validates and inserts n atomically. Returns *ValidationError,
	// *InsufficientBalanceError or *DuplicateError on rejection.
	Append(ctx context.Context, n NewEntry) (Entry, error)

	// UpdateStatus applies a Pending -> Approved|Rejected transition.
	// Returns *InvalidTransitionError when the entry is not pending.
	UpdateStatus(ctx context.Context, u StatusUpdate) (Entry, error)

	Get(ctx context.Context, id EntryID) (Entry, error)

	// Query lists entries matching f, ordered by creation time.
	Query(ctx context.Context, f Filter) iter.Seq2[Entry, error]

	// QueryExpiringSoon returns the earliest-expiring valid accrual of a
	// customer, or nil when there is none.
	QueryExpiringSoon(ctx context.Context, customerID CustomerID, now time.Time) (*Entry, error)
}

// QueryByCustomer scopes f to one customer.
func QueryByCustomer(ctx context.Context, s Store, customerID CustomerID, f Filter) iter.Seq2[Entry, error] {
	f.CustomerID = customerID
	return s.Query(ctx, f)
}

// =============================================================================
// FILTER
// =============================================================================

type Order int

const (
	// OrderDesc is newest first, for display.
	OrderDesc Order = iota
	// OrderAsc is oldest first, for computation.
	OrderAsc
)

type Filter struct {
	CustomerID CustomerID // empty = all customers
	Kinds      []Kind
	Statuses   []Status
	From       time.Time // inclusive, zero = unbounded
	To         time.Time // exclusive, zero = unbounded
	Order      Order
	Limit      int // 0 = unlimited
}

// Matches reports whether e passes every filter criterion except Limit.
func (f Filter) Matches(e Entry) bool {
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// Validate rejects unknown kinds or statuses and inverted ranges.
func (f Filter) Validate() error {
	for _, k := range f.Kinds {
		if !k.IsValid() {
			return &ValidationError{Field: "kind", Message: "unknown kind " + string(k)}
		}
	}
	for _, s := range f.Statuses {
		if !s.IsValid() {
			return &ValidationError{Field: "status", Message: "unknown status " + string(s)}
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return &ValidationError{Field: "to", Message: "must not be before from"}
	}
	if f.Limit < 0 {
		return &ValidationError{Field: "limit", Message: "must not be negative"}
	}
	return nil
}

// =============================================================================
// SEQUENCE HELPERS
// =============================================================================

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Fail yields a single error.
func Fail(err error) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		yield(Entry{}, err)
	}
}

// SortByCreation orders entries per o. Ties break on id, which is time-ordered.
func SortByCreation(entries []Entry, o Order) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			switch {
			case a.ID < b.ID:
				c = -1
			case a.ID > b.ID:
				c = 1
			}
		}
		if o == OrderDesc {
			return -c
		}
		return c
	})
}
