/*
Package ledger provides the cashback ledger: entry types, the persistence
contract, and the balance engine.

PURPOSE:
  Every monetary cashback event is recorded as an Entry. Purchases accrue
  a positive cashback amount that expires at a fixed instant; redemptions
  carry a negative cashback amount that never expires. The available
  balance is never stored, it is always derived from the entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: A ledger record (purchase accrual or redemption)
  - Kind / Status: Tagged variants validated at the store boundary
  - NewEntry: The append request, including the duplicate window
  - StatusUpdate: The single allowed mutation (Pending -> terminal)

DESIGN PRINCIPLES:
  1. Precision: Amounts use decimal.Decimal with two fractional digits
  2. Immutability: Amounts and expiresAt never change after creation
  3. Explicit state: Pending entries move exactly once to a terminal status

USAGE:
  e, err := store.Append(ctx, ledger.NewEntry{
      CustomerID:     "c-1",
      Kind:           ledger.KindPurchase,
      Status:         ledger.StatusPending,
      Amount:         decimal.RequireFromString("100.00"),
      CashbackAmount: decimal.RequireFromString("5.00"),
      ExpiresAt:      &expires,
      At:             now,
  })

SEE ALSO:
  - balance.go: Balance engine (Compute)
  - store.go: Store contract
  - expiry.go: Expiration policy
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type CustomerID string

// NewEntryID returns a time-ordered identifier so ids sort by creation.
func NewEntryID() EntryID {
	return EntryID(uuid.Must(uuid.NewV7()).String())
}

// =============================================================================
// KIND & STATUS - Tagged variants
// =============================================================================

type Kind string

const (
	KindPurchase   Kind = "purchase"
	KindRedemption Kind = "redemption"
)

func (k Kind) IsValid() bool {
	return k == KindPurchase || k == KindRedemption
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// =============================================================================
// ENTRY
// =============================================================================

// GeoPoint is the location snapshot taken when a purchase was submitted.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Entry is a persisted ledger record.
type Entry struct {
	ID         EntryID
	CustomerID CustomerID
	Kind       Kind
	Status     Status

	// Amount is the purchase price or redemption face value, always > 0.
	Amount decimal.Decimal
	// CashbackAmount is positive for accruals and negative for redemptions.
	CashbackAmount decimal.Decimal

	// ExpiresAt is set on purchases only.
	ExpiresAt  *time.Time
	Location   *GeoPoint
	ReceiptRef string

	CreatedBy string
	DecidedBy string
	Note      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAccrual reports whether the entry is a purchase that counts toward the
// balance at instant now.
func (e Entry) IsAccrual(now time.Time) bool {
	return e.Kind == KindPurchase &&
		e.Status == StatusApproved &&
		e.ExpiresAt != nil &&
		e.ExpiresAt.After(now)
}

// =============================================================================
// NEW ENTRY - Append request
// =============================================================================

// NewEntry describes an entry to append. The store assigns ID and timestamps.
type NewEntry struct {
	CustomerID     CustomerID
	Kind           Kind
	Status         Status
	Amount         decimal.Decimal
	CashbackAmount decimal.Decimal
	ExpiresAt      *time.Time
	Location       *GeoPoint
	ReceiptRef     string
	CreatedBy      string

	// At is the creation instant; also the "now" used for the balance check.
	At time.Time

	// DuplicateWindow rejects an identical (customer, kind, amount) entry
	// created within this duration. Zero disables the check.
	DuplicateWindow time.Duration
}

// Validate checks the shape of the entry. Balance checks happen in the store.
func (n NewEntry) Validate() error {
	if n.CustomerID == "" {
		return &ValidationError{Field: "customer_id", Message: "is required"}
	}
	if !n.Kind.IsValid() {
		return &ValidationError{Field: "kind", Message: "unknown kind " + string(n.Kind)}
	}
	if !n.Status.IsValid() {
		return &ValidationError{Field: "status", Message: "unknown status " + string(n.Status)}
	}
	if !n.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !n.Amount.Equal(n.Amount.Truncate(2)) {
		return &ValidationError{Field: "amount", Message: "must have at most two decimal places"}
	}
	if !n.CashbackAmount.Equal(n.CashbackAmount.Truncate(2)) {
		return &ValidationError{Field: "cashback_amount", Message: "must have at most two decimal places"}
	}
	if n.At.IsZero() {
		return &ValidationError{Field: "at", Message: "is required"}
	}

	switch n.Kind {
	case KindPurchase:
		if n.CashbackAmount.IsNegative() {
			return &ValidationError{Field: "cashback_amount", Message: "must not be negative for a purchase"}
		}
		if n.ExpiresAt == nil {
			return &ValidationError{Field: "expires_at", Message: "is required for a purchase"}
		}
	case KindRedemption:
		if !n.CashbackAmount.Equal(n.Amount.Neg()) {
			return &ValidationError{Field: "cashback_amount", Message: "must equal the negated amount for a redemption"}
		}
		if n.ExpiresAt != nil {
			return &ValidationError{Field: "expires_at", Message: "must be empty for a redemption"}
		}
		if n.Status != StatusApproved {
			return &ValidationError{Field: "status", Message: "redemptions are created approved"}
		}
	}
	return nil
}

// Build materializes the entry with a fresh id.
func (n NewEntry) Build() Entry {
	at := n.At.UTC()
	var expires *time.Time
	if n.ExpiresAt != nil {
		t := n.ExpiresAt.UTC()
		expires = &t
	}
	return Entry{
		ID:             NewEntryID(),
		CustomerID:     n.CustomerID,
		Kind:           n.Kind,
		Status:         n.Status,
		Amount:         n.Amount,
		CashbackAmount: n.CashbackAmount,
		ExpiresAt:      expires,
		Location:       n.Location,
		ReceiptRef:     n.ReceiptRef,
		CreatedBy:      n.CreatedBy,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// =============================================================================
// STATUS UPDATE
// =============================================================================

type StatusUpdate struct {
	ID   EntryID
	To   Status
	By   string
	Note string
	At   time.Time
}

// Transition applies u to e. Only Pending -> Approved|Rejected is allowed.
func Transition(e Entry, u StatusUpdate) (Entry, error) {
	if e.Status != StatusPending || !u.To.IsTerminal() {
		return e, &InvalidTransitionError{EntryID: e.ID, From: e.Status, To: u.To}
	}
	e.Status = u.To
	e.DecidedBy = u.By
	e.Note = u.Note
	e.UpdatedAt = u.At.UTC()
	return e, nil
}
