/*
balance.go - Balance engine

PURPOSE:
  Derives the available cashback balance and the next expiring accrual
  from one customer's entries, as of a reference instant. Pure function:
  the same entries and instant always produce the same Balance.

ALGORITHM:
  A = purchases, approved, expiresAt > now   (strictly after)
  R = redemptions, approved                  (never expire)

  Available    = max(0, sum(A.cashback) + sum(R.cashback))
  NextExpiring = argmin(A, by expiresAt), nil when A is empty

  The balance is an aggregate. Redemptions are not matched against
  specific accruals, so an accrual expiring does not "give back" what was
  redeemed against it.

INFORMATIONAL TOTALS:
  TotalAccrued     cashback in A
  TotalRedeemed    |sum(R.cashback)|
  TotalExpired     approved purchase cashback with expiresAt <= now
  PendingCashback  cashback of purchases still awaiting approval
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the derived, never stored, view of a customer's cashback.
type Balance struct {
	AsOf      time.Time
	Available decimal.Decimal

	TotalAccrued    decimal.Decimal
	TotalRedeemed   decimal.Decimal
	TotalExpired    decimal.Decimal
	PendingCashback decimal.Decimal

	NextExpiring *Expiring
}

// Expiring identifies the earliest-expiring valid accrual.
type Expiring struct {
	EntryID   EntryID
	Amount    decimal.Decimal
	ExpiresAt time.Time
}

// Compute derives the balance of entries at instant now. Entries belonging
// to several customers are summed together; callers pass one customer.
func Compute(entries []Entry, now time.Time) Balance {
	b := Balance{
		AsOf:            now,
		Available:       decimal.Zero,
		TotalAccrued:    decimal.Zero,
		TotalRedeemed:   decimal.Zero,
		TotalExpired:    decimal.Zero,
		PendingCashback: decimal.Zero,
	}

	var next *Entry
	for i := range entries {
		e := &entries[i]
		switch {
		case e.IsAccrual(now):
			b.TotalAccrued = b.TotalAccrued.Add(e.CashbackAmount)
			if next == nil || expiresBefore(e, next) {
				next = e
			}
		case e.Kind == KindRedemption && e.Status == StatusApproved:
			b.TotalRedeemed = b.TotalRedeemed.Add(e.CashbackAmount.Abs())
		case e.Kind == KindPurchase && e.Status == StatusApproved:
			b.TotalExpired = b.TotalExpired.Add(e.CashbackAmount)
		case e.Kind == KindPurchase && e.Status == StatusPending:
			b.PendingCashback = b.PendingCashback.Add(e.CashbackAmount)
		}
	}

	available := b.TotalAccrued.Sub(b.TotalRedeemed)
	if available.IsNegative() {
		available = decimal.Zero
	}
	b.Available = available

	if next != nil {
		b.NextExpiring = &Expiring{
			EntryID:   next.ID,
			Amount:    next.CashbackAmount,
			ExpiresAt: *next.ExpiresAt,
		}
	}
	return b
}

// NextExpiring returns the earliest-expiring valid accrual, or nil.
func NextExpiring(entries []Entry, now time.Time) *Entry {
	var next *Entry
	for i := range entries {
		e := &entries[i]
		if e.IsAccrual(now) && (next == nil || expiresBefore(e, next)) {
			next = e
		}
	}
	if next == nil {
		return nil
	}
	found := *next
	return &found
}

// expiresBefore orders accruals by expiresAt, then creation, then id.
func expiresBefore(a, b *Entry) bool {
	if !a.ExpiresAt.Equal(*b.ExpiresAt) {
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// =============================================================================
// APPEND CHECKS - Shared by every Store inside its atomic unit
// =============================================================================

// CheckAppend validates n against the customer's existing entries. Stores
// call it while holding whatever lock or transaction makes the
// read-check-insert sequence atomic.
func CheckAppend(existing []Entry, n NewEntry) error {
	if err := n.Validate(); err != nil {
		return err
	}

	if n.DuplicateWindow > 0 {
		for _, e := range existing {
			if e.CustomerID != n.CustomerID || e.Kind != n.Kind || !e.Amount.Equal(n.Amount) {
				continue
			}
			if e.Status == StatusRejected {
				continue
			}
			age := n.At.Sub(e.CreatedAt)
			if age >= 0 && age < n.DuplicateWindow {
				return &DuplicateError{RetryAfter: n.DuplicateWindow - age}
			}
		}
	}

	if n.Kind == KindRedemption {
		b := Compute(existing, n.At)
		if n.Amount.GreaterThan(b.Available) {
			return &InsufficientBalanceError{Available: b.Available, Requested: n.Amount}
		}
	}
	return nil
}
