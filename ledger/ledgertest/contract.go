// Package ledgertest holds the behavioural contract every ledger.Store must
// satisfy. Store packages run it from their own tests.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteacai/cashback-engine/ledger"
)

// Base is the reference instant used by the contract, truncated so every
// backend round-trips it exactly.
var Base = time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)

// Purchase builds an accrual request of amount at 5% expiring in two months.
func Purchase(customer ledger.CustomerID, amount string, status ledger.Status, at time.Time) ledger.NewEntry {
	a := decimal.RequireFromString(amount)
	expires := at.AddDate(0, 2, 0)
	return ledger.NewEntry{
		CustomerID:     customer,
		Kind:           ledger.KindPurchase,
		Status:         status,
		Amount:         a,
		CashbackAmount: a.Mul(decimal.RequireFromString("0.05")).Round(2),
		ExpiresAt:      &expires,
		CreatedBy:      string(customer),
		At:             at,
	}
}

// Redemption builds an approved redemption request.
func Redemption(customer ledger.CustomerID, amount string, at time.Time) ledger.NewEntry {
	a := decimal.RequireFromString(amount)
	return ledger.NewEntry{
		CustomerID:     customer,
		Kind:           ledger.KindRedemption,
		Status:         ledger.StatusApproved,
		Amount:         a,
		CashbackAmount: a.Neg(),
		CreatedBy:      string(customer),
		At:             at,
	}
}

// Run executes the contract against stores produced by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("AppendAndGet", func(t *testing.T) { testAppendAndGet(t, newStore(t)) })
	t.Run("AppendValidation", func(t *testing.T) { testAppendValidation(t, newStore(t)) })
	t.Run("RedemptionBeyondBalance", func(t *testing.T) { testRedemptionBeyondBalance(t, newStore(t)) })
	t.Run("RedemptionOfWholeBalance", func(t *testing.T) { testRedemptionOfWholeBalance(t, newStore(t)) })
	t.Run("ExpiredAccrualNotRedeemable", func(t *testing.T) { testExpiredAccrualNotRedeemable(t, newStore(t)) })
	t.Run("DuplicateWindow", func(t *testing.T) { testDuplicateWindow(t, newStore(t)) })
	t.Run("UpdateStatus", func(t *testing.T) { testUpdateStatus(t, newStore(t)) })
	t.Run("QueryOrderAndFilters", func(t *testing.T) { testQuery(t, newStore(t)) })
	t.Run("QueryExpiringSoon", func(t *testing.T) { testQueryExpiringSoon(t, newStore(t)) })
	t.Run("ConcurrentRedemptions", func(t *testing.T) { testConcurrentRedemptions(t, newStore(t)) })
}

func balanceOf(t *testing.T, s ledger.Store, customer ledger.CustomerID, now time.Time) ledger.Balance {
	t.Helper()
	entries, err := ledger.Collect(ledger.QueryByCustomer(context.Background(), s, customer, ledger.Filter{Order: ledger.OrderAsc}))
	require.NoError(t, err)
	return ledger.Compute(entries, now)
}

func testAppendAndGet(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	n := Purchase("c-1", "100.00", ledger.StatusPending, Base)
	n.Location = &ledger.GeoPoint{Latitude: -23.5505, Longitude: -46.6333}
	n.ReceiptRef = "receipt-42"

	e, err := s.Append(ctx, n)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindPurchase, got.Kind)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.Equal(t, "100.00", got.Amount.StringFixed(2))
	assert.Equal(t, "5.00", got.CashbackAmount.StringFixed(2))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, n.ExpiresAt.Equal(*got.ExpiresAt), "expires %s vs %s", n.ExpiresAt, got.ExpiresAt)
	assert.True(t, Base.Equal(got.CreatedAt))
	require.NotNil(t, got.Location)
	assert.InDelta(t, -23.5505, got.Location.Latitude, 1e-9)
	assert.Equal(t, "receipt-42", got.ReceiptRef)
	assert.Equal(t, "c-1", got.CreatedBy)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testAppendValidation(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	zero := Purchase("c-1", "100.00", ledger.StatusPending, Base)
	zero.Amount = decimal.Zero

	// Sub-cent amounts would be rounded by NUMERIC(14,2) and TEXT columns
	subCent := Purchase("c-1", "100.00", ledger.StatusPending, Base)
	subCent.Amount = decimal.RequireFromString("0.004")
	subCent.CashbackAmount = decimal.Zero

	subCentCashback := Purchase("c-1", "100.00", ledger.StatusPending, Base)
	subCentCashback.CashbackAmount = decimal.RequireFromString("5.001")

	subCentRedemption := Redemption("c-1", "1.005", Base)

	for name, n := range map[string]ledger.NewEntry{
		"zero amount":         zero,
		"sub-cent amount":     subCent,
		"sub-cent cashback":   subCentCashback,
		"sub-cent redemption": subCentRedemption,
	} {
		_, err := s.Append(ctx, n)
		assert.ErrorIs(t, err, ledger.ErrValidation, name)
	}

	entries, err := ledger.Collect(s.Query(ctx, ledger.Filter{}))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testRedemptionBeyondBalance(t *testing.T, s ledger.Store) {
	// GIVEN: Approved accrual of 5.00
	// WHEN: Redeeming 6.00
	// THEN: InsufficientBalanceError carrying 5.00, ledger unchanged

	ctx := context.Background()
	_, err := s.Append(ctx, Purchase("c-1", "100.00", ledger.StatusApproved, Base))
	require.NoError(t, err)

	_, err = s.Append(ctx, Redemption("c-1", "6.00", Base.Add(time.Minute)))

	var ib *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &ib), "got %v", err)
	assert.Equal(t, "5.00", ib.Available.StringFixed(2))

	b := balanceOf(t, s, "c-1", Base.Add(time.Minute))
	assert.Equal(t, "5.00", b.Available.StringFixed(2))
	entries, err := ledger.Collect(s.Query(ctx, ledger.Filter{CustomerID: "c-1"}))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testRedemptionOfWholeBalance(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Append(ctx, Purchase("c-1", "100.00", ledger.StatusApproved, Base))
	require.NoError(t, err)

	r, err := s.Append(ctx, Redemption("c-1", "5.00", Base.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, "-5.00", r.CashbackAmount.StringFixed(2))
	assert.Equal(t, ledger.StatusApproved, r.Status)
	assert.Nil(t, r.ExpiresAt)

	b := balanceOf(t, s, "c-1", Base.Add(time.Minute))
	assert.True(t, b.Available.IsZero())

	// Another customer's accruals never fund this customer
	_, err = s.Append(ctx, Purchase("c-2", "1000.00", ledger.StatusApproved, Base))
	require.NoError(t, err)
	_, err = s.Append(ctx, Redemption("c-1", "1.00", Base.Add(2*time.Minute)))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func testExpiredAccrualNotRedeemable(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	n := Purchase("c-1", "100.00", ledger.StatusApproved, Base)
	_, err := s.Append(ctx, n)
	require.NoError(t, err)

	_, err = s.Append(ctx, Redemption("c-1", "1.00", *n.ExpiresAt))

	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func testDuplicateWindow(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	first := Purchase("c-1", "42.00", ledger.StatusPending, Base)
	first.DuplicateWindow = 10 * time.Second
	_, err := s.Append(ctx, first)
	require.NoError(t, err)

	again := Purchase("c-1", "42.00", ledger.StatusPending, Base.Add(2*time.Second))
	again.DuplicateWindow = 10 * time.Second
	_, err = s.Append(ctx, again)

	var dup *ledger.DuplicateError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, 8*time.Second, dup.RetryAfter)

	// Other customer, other amount and after the window are all accepted
	other := Purchase("c-2", "42.00", ledger.StatusPending, Base.Add(2*time.Second))
	other.DuplicateWindow = 10 * time.Second
	_, err = s.Append(ctx, other)
	assert.NoError(t, err)

	later := Purchase("c-1", "42.00", ledger.StatusPending, Base.Add(11*time.Second))
	later.DuplicateWindow = 10 * time.Second
	_, err = s.Append(ctx, later)
	assert.NoError(t, err)
}

func testUpdateStatus(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	e, err := s.Append(ctx, Purchase("c-1", "100.00", ledger.StatusPending, Base))
	require.NoError(t, err)

	at := Base.Add(time.Hour)
	updated, err := s.UpdateStatus(ctx, ledger.StatusUpdate{ID: e.ID, To: ledger.StatusApproved, By: "admin-1", At: at})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, updated.Status)
	assert.True(t, at.Equal(updated.UpdatedAt))
	assert.Equal(t, "admin-1", updated.DecidedBy)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)
	assert.True(t, e.ExpiresAt.Equal(*got.ExpiresAt), "expiresAt is immutable")
	assert.True(t, e.Amount.Equal(got.Amount))

	_, err = s.UpdateStatus(ctx, ledger.StatusUpdate{ID: e.ID, To: ledger.StatusRejected, At: at})
	var it *ledger.InvalidTransitionError
	require.True(t, errors.As(err, &it), "got %v", err)
	assert.Equal(t, ledger.StatusApproved, it.From)

	_, err = s.UpdateStatus(ctx, ledger.StatusUpdate{ID: "missing", To: ledger.StatusApproved, At: at})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	r, err := s.Append(ctx, Purchase("c-1", "10.00", ledger.StatusPending, Base))
	require.NoError(t, err)
	rejected, err := s.UpdateStatus(ctx, ledger.StatusUpdate{ID: r.ID, To: ledger.StatusRejected, By: "admin-1", Note: "receipt unreadable", At: at})
	require.NoError(t, err)
	assert.Equal(t, "receipt unreadable", rejected.Note)
}

func testQuery(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p1, err := s.Append(ctx, Purchase("c-1", "100.00", ledger.StatusApproved, Base))
	require.NoError(t, err)
	p2, err := s.Append(ctx, Purchase("c-1", "20.00", ledger.StatusPending, Base.Add(time.Minute)))
	require.NoError(t, err)
	r1, err := s.Append(ctx, Redemption("c-1", "2.00", Base.Add(2*time.Minute)))
	require.NoError(t, err)
	_, err = s.Append(ctx, Purchase("c-2", "50.00", ledger.StatusPending, Base.Add(3*time.Minute)))
	require.NoError(t, err)

	seq := s.Query(ctx, ledger.Filter{CustomerID: "c-1"})
	desc, err := ledger.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{r1.ID, p2.ID, p1.ID}, idsOf(desc))

	// Restartable
	again, err := ledger.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, idsOf(desc), idsOf(again))

	asc, err := ledger.Collect(s.Query(ctx, ledger.Filter{CustomerID: "c-1", Order: ledger.OrderAsc}))
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{p1.ID, p2.ID, r1.ID}, idsOf(asc))

	purchases, err := ledger.Collect(s.Query(ctx, ledger.Filter{CustomerID: "c-1", Kinds: []ledger.Kind{ledger.KindPurchase}}))
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{p2.ID, p1.ID}, idsOf(purchases))

	pending, err := ledger.Collect(s.Query(ctx, ledger.Filter{Statuses: []ledger.Status{ledger.StatusPending}, Order: ledger.OrderAsc}))
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, p2.ID, pending[0].ID)

	ranged, err := ledger.Collect(s.Query(ctx, ledger.Filter{CustomerID: "c-1", From: Base.Add(time.Minute), To: Base.Add(2 * time.Minute)}))
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{p2.ID}, idsOf(ranged))

	limited, err := ledger.Collect(s.Query(ctx, ledger.Filter{Limit: 2}))
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// Early break stops iteration without error
	count := 0
	for _, err := range s.Query(ctx, ledger.Filter{}) {
		require.NoError(t, err)
		count++
		if count == 1 {
			break
		}
	}
	assert.Equal(t, 1, count)

	_, err = ledger.Collect(s.Query(ctx, ledger.Filter{Kinds: []ledger.Kind{"refund"}}))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func testQueryExpiringSoon(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	none, err := s.QueryExpiringSoon(ctx, "c-1", Base)
	require.NoError(t, err)
	assert.Nil(t, none)

	late := Purchase("c-1", "100.00", ledger.StatusApproved, Base)
	early := Purchase("c-1", "40.00", ledger.StatusApproved, Base)
	earlyExp := Base.AddDate(0, 1, 0)
	early.ExpiresAt = &earlyExp
	pending := Purchase("c-1", "60.00", ledger.StatusPending, Base)
	soonest := Base.Add(time.Hour)
	pending.ExpiresAt = &soonest

	_, err = s.Append(ctx, late)
	require.NoError(t, err)
	e, err := s.Append(ctx, early)
	require.NoError(t, err)
	_, err = s.Append(ctx, pending)
	require.NoError(t, err)

	got, err := s.QueryExpiringSoon(ctx, "c-1", Base)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "2.00", got.CashbackAmount.StringFixed(2))

	// Once the early one has expired the later accrual is next
	got, err = s.QueryExpiringSoon(ctx, "c-1", earlyExp)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "5.00", got.CashbackAmount.StringFixed(2))
}

func testConcurrentRedemptions(t *testing.T, s ledger.Store) {
	// GIVEN: Balance of 5.00
	// WHEN: 10 concurrent redemptions of 1.00
	// THEN: Exactly 5 succeed and the balance never goes below zero

	ctx := context.Background()
	_, err := s.Append(ctx, Purchase("c-1", "100.00", ledger.StatusApproved, Base))
	require.NoError(t, err)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, Redemption("c-1", "1.00", Base.Add(time.Duration(i+1)*time.Millisecond)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			failures = append(failures, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	for _, err := range failures {
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	}
	b := balanceOf(t, s, "c-1", Base.Add(time.Second))
	assert.True(t, b.Available.IsZero())
	assert.Equal(t, "5.00", b.TotalRedeemed.StringFixed(2))
}

func idsOf(entries []ledger.Entry) []ledger.EntryID {
	out := make([]ledger.EntryID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
