package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteacai/cashback-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func accrual(id string, cashback string, status ledger.Status, expires time.Time) ledger.Entry {
	cb := dec(cashback)
	return ledger.Entry{
		ID:             ledger.EntryID(id),
		CustomerID:     "c-1",
		Kind:           ledger.KindPurchase,
		Status:         status,
		Amount:         cb.Mul(decimal.NewFromInt(20)),
		CashbackAmount: cb,
		ExpiresAt:      &expires,
		CreatedAt:      now.Add(-48 * time.Hour),
	}
}

func redemption(id string, amount string) ledger.Entry {
	a := dec(amount)
	return ledger.Entry{
		ID:             ledger.EntryID(id),
		CustomerID:     "c-1",
		Kind:           ledger.KindRedemption,
		Status:         ledger.StatusApproved,
		Amount:         a,
		CashbackAmount: a.Neg(),
		CreatedAt:      now.Add(-time.Hour),
	}
}

// =============================================================================
// COMPUTE
// =============================================================================

func TestCompute_EmptyLedger(t *testing.T) {
	b := ledger.Compute(nil, now)

	assert.True(t, b.Available.IsZero())
	assert.Nil(t, b.NextExpiring)
	assert.Equal(t, now, b.AsOf)
}

func TestCompute_ExpiredAccrualExcluded(t *testing.T) {
	// GIVEN: 5.00 expired yesterday, 3.00 expires next month, no redemptions
	// WHEN: Computing the balance
	// THEN: Only the unexpired 3.00 counts and it is the next to expire

	entries := []ledger.Entry{
		accrual("e1", "5.00", ledger.StatusApproved, now.Add(-24*time.Hour)),
		accrual("e2", "3.00", ledger.StatusApproved, now.AddDate(0, 1, 0)),
	}

	b := ledger.Compute(entries, now)

	assert.Equal(t, "3.00", b.Available.StringFixed(2))
	assert.Equal(t, "5.00", b.TotalExpired.StringFixed(2))
	require.NotNil(t, b.NextExpiring)
	assert.Equal(t, ledger.EntryID("e2"), b.NextExpiring.EntryID)
	assert.Equal(t, "3.00", b.NextExpiring.Amount.StringFixed(2))
}

func TestCompute_ExpiresExactlyNowIsExpired(t *testing.T) {
	entries := []ledger.Entry{
		accrual("e1", "5.00", ledger.StatusApproved, now),
	}

	b := ledger.Compute(entries, now)

	assert.True(t, b.Available.IsZero())
	assert.Nil(t, b.NextExpiring)
	assert.Equal(t, "5.00", b.TotalExpired.StringFixed(2))

	// One nanosecond earlier it still counts
	b = ledger.Compute(entries, now.Add(-time.Nanosecond))
	assert.Equal(t, "5.00", b.Available.StringFixed(2))
}

func TestCompute_PendingAndRejectedDoNotCount(t *testing.T) {
	entries := []ledger.Entry{
		accrual("e1", "5.00", ledger.StatusPending, now.AddDate(0, 2, 0)),
		accrual("e2", "7.00", ledger.StatusRejected, now.AddDate(0, 2, 0)),
		accrual("e3", "1.50", ledger.StatusApproved, now.AddDate(0, 2, 0)),
	}

	b := ledger.Compute(entries, now)

	assert.Equal(t, "1.50", b.Available.StringFixed(2))
	assert.Equal(t, "5.00", b.PendingCashback.StringFixed(2))
}

func TestCompute_RedemptionsNetAggregate(t *testing.T) {
	// GIVEN: 5.00 + 3.00 accrued, 6.00 redeemed
	// WHEN: The 5.00 accrual expires
	// THEN: Redemptions are netted against the aggregate, balance floors at 0

	soon := now.Add(time.Hour)
	later := now.AddDate(0, 2, 0)
	entries := []ledger.Entry{
		accrual("e1", "5.00", ledger.StatusApproved, soon),
		accrual("e2", "3.00", ledger.StatusApproved, later),
		redemption("r1", "6.00"),
	}

	before := ledger.Compute(entries, now)
	assert.Equal(t, "2.00", before.Available.StringFixed(2))
	assert.Equal(t, ledger.EntryID("e1"), before.NextExpiring.EntryID)

	after := ledger.Compute(entries, soon)
	assert.True(t, after.Available.IsZero(), "3.00 - 6.00 floors at zero, got %s", after.Available)
	assert.Equal(t, "6.00", after.TotalRedeemed.StringFixed(2))
	assert.Equal(t, ledger.EntryID("e2"), after.NextExpiring.EntryID)
}

func TestCompute_Deterministic(t *testing.T) {
	entries := []ledger.Entry{
		accrual("e1", "5.00", ledger.StatusApproved, now.AddDate(0, 1, 0)),
		accrual("e2", "2.35", ledger.StatusApproved, now.AddDate(0, 2, 0)),
		redemption("r1", "1.10"),
	}

	first := ledger.Compute(entries, now)
	second := ledger.Compute(entries, now)

	assert.True(t, first.Available.Equal(second.Available))
	assert.Equal(t, first.NextExpiring, second.NextExpiring)
	assert.Equal(t, "6.25", first.Available.StringFixed(2))
}

func TestNextExpiring_TieBreaksOnCreation(t *testing.T) {
	exp := now.AddDate(0, 1, 0)
	a := accrual("b", "1.00", ledger.StatusApproved, exp)
	b := accrual("a", "2.00", ledger.StatusApproved, exp)
	a.CreatedAt = now.Add(-2 * time.Hour)
	b.CreatedAt = now.Add(-time.Hour)

	next := ledger.NextExpiring([]ledger.Entry{b, a}, now)

	require.NotNil(t, next)
	assert.Equal(t, ledger.EntryID("b"), next.ID)
}

// =============================================================================
// APPEND CHECKS
// =============================================================================

func newRedemption(amount string) ledger.NewEntry {
	a := dec(amount)
	return ledger.NewEntry{
		CustomerID:     "c-1",
		Kind:           ledger.KindRedemption,
		Status:         ledger.StatusApproved,
		Amount:         a,
		CashbackAmount: a.Neg(),
		At:             now,
	}
}

func TestCheckAppend_RedemptionBeyondBalance(t *testing.T) {
	existing := []ledger.Entry{
		accrual("e1", "5.00", ledger.StatusApproved, now.AddDate(0, 1, 0)),
	}

	err := ledger.CheckAppend(existing, newRedemption("6.00"))

	var ib *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, "5.00", ib.Available.StringFixed(2))
	assert.Equal(t, "6.00", ib.Requested.StringFixed(2))
	assert.True(t, ledger.IsClientError(err))

	assert.NoError(t, ledger.CheckAppend(existing, newRedemption("5.00")))
}

func TestCheckAppend_DuplicateWindow(t *testing.T) {
	existing := []ledger.Entry{
		accrual("e1", "5.00", ledger.StatusApproved, now.AddDate(0, 1, 0)),
		redemption("r1", "1.00"),
	}
	existing[1].CreatedAt = now.Add(-3 * time.Second)

	n := newRedemption("1.00")
	n.DuplicateWindow = 10 * time.Second

	err := ledger.CheckAppend(existing, n)

	var dup *ledger.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 7*time.Second, dup.RetryAfter)
	assert.True(t, ledger.IsRetryable(err))

	// Different amount is not a duplicate
	assert.NoError(t, ledger.CheckAppend(existing, func() ledger.NewEntry {
		m := newRedemption("1.50")
		m.DuplicateWindow = 10 * time.Second
		return m
	}()))

	// Outside the window
	n.At = now.Add(8 * time.Second)
	assert.NoError(t, ledger.CheckAppend(existing, n))
}

func TestNewEntry_Validate(t *testing.T) {
	expires := now.AddDate(0, 2, 0)
	valid := ledger.NewEntry{
		CustomerID:     "c-1",
		Kind:           ledger.KindPurchase,
		Status:         ledger.StatusPending,
		Amount:         dec("100.00"),
		CashbackAmount: dec("5.00"),
		ExpiresAt:      &expires,
		At:             now,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(n *ledger.NewEntry)
		field  string
	}{
		{"zero amount", func(n *ledger.NewEntry) { n.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(n *ledger.NewEntry) { n.Amount = dec("-1") }, "amount"},
		{"missing customer", func(n *ledger.NewEntry) { n.CustomerID = "" }, "customer_id"},
		{"unknown kind", func(n *ledger.NewEntry) { n.Kind = "refund" }, "kind"},
		{"purchase without expiry", func(n *ledger.NewEntry) { n.ExpiresAt = nil }, "expires_at"},
		{"negative accrual", func(n *ledger.NewEntry) { n.CashbackAmount = dec("-5") }, "cashback_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := valid
			tt.mutate(&n)

			err := n.Validate()

			var ve *ledger.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}

	r := newRedemption("2.00")
	r.CashbackAmount = dec("-1.00")
	assert.ErrorIs(t, r.Validate(), ledger.ErrValidation)
}

func TestTransition(t *testing.T) {
	e := accrual("e1", "5.00", ledger.StatusPending, now.AddDate(0, 2, 0))

	approved, err := ledger.Transition(e, ledger.StatusUpdate{ID: e.ID, To: ledger.StatusApproved, By: "admin", At: now})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, approved.Status)
	assert.Equal(t, "admin", approved.DecidedBy)
	assert.Equal(t, now, approved.UpdatedAt)

	_, err = ledger.Transition(approved, ledger.StatusUpdate{ID: e.ID, To: ledger.StatusRejected, At: now})
	var it *ledger.InvalidTransitionError
	require.True(t, errors.As(err, &it))
	assert.Equal(t, ledger.StatusApproved, it.From)

	_, err = ledger.Transition(e, ledger.StatusUpdate{ID: e.ID, To: ledger.StatusPending, At: now})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}
