package cashback_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteacai/cashback-engine/cashback"
	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/geofence"
	"github.com/eliteacai/cashback-engine/guard"
	"github.com/eliteacai/cashback-engine/ledger"
	"github.com/eliteacai/cashback-engine/ledger/store"
	"github.com/eliteacai/cashback-engine/logger"
	"github.com/eliteacai/cashback-engine/notify"
)

// =============================================================================
// FIXTURES
// =============================================================================

var (
	base     = time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)
	customer = cashback.CustomerActor("c-1")
	admin    = cashback.AdminActor("admin")
	onSite   = ledger.GeoPoint{Latitude: -23.5505, Longitude: -46.6333}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGeofence struct {
	onPremises bool
	nearest    geofence.Nearest
	block      bool
	err        error
}

func (f *fakeGeofence) IsOnPremises(ctx context.Context, _, _ float64) (bool, error) {
	if f.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return f.onPremises, f.err
}

func (f *fakeGeofence) ClosestStore(context.Context, float64, float64) (geofence.Nearest, error) {
	return f.nearest, nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recorder) Notify(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recorder) events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Event, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Event
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	svc      *cashback.Service
	store    *store.Memory
	geo      *fakeGeofence
	notifier *recorder
	clock    *clock
	logs     *logBuffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(),
		geo:      &fakeGeofence{onPremises: true},
		notifier: &recorder{},
		clock:    &clock{now: base},
		logs:     &logBuffer{},
	}
	require.NoError(t, h.store.CreateCustomer(context.Background(), customers.Customer{
		ID: "c-1", Phone: "11999990000", Email: "c1@example.com", CreatedAt: base,
	}))

	people, err := customers.NewService(customers.ServiceParams{Repository: h.store})
	require.NoError(t, err)

	h.svc, err = cashback.NewService(cashback.ServiceParams{
		Store:     h.store,
		Geofence:  h.geo,
		Notifier:  h.notifier,
		Guard:     guard.NewMemory().WithClock(h.clock.Now),
		Customers: people,
		Program:   cashback.DefaultProgram(),
		Logger:    logger.New(logger.Options{ServiceName: "test", Output: h.logs}),
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) balance(t *testing.T) ledger.Balance {
	t.Helper()
	b, err := h.svc.Balance(context.Background(), customer, "")
	require.NoError(t, err)
	return b
}

// seedBalance records an approved purchase worth amount×5% of cashback.
func (h *harness) seedBalance(t *testing.T, amount string) {
	t.Helper()
	_, err := h.svc.AdminRecordPurchase(context.Background(), admin, cashback.AdminPurchaseRequest{
		CustomerID: "c-1", Amount: dec(amount),
	})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
}

// =============================================================================
// PROGRAM
// =============================================================================

func TestProgram(t *testing.T) {
	p := cashback.DefaultProgram()
	require.NoError(t, p.Validate())

	assert.True(t, dec("5.00").Equal(p.CashbackFor(dec("100.00"))))
	assert.True(t, dec("0.62").Equal(p.CashbackFor(dec("12.35"))), "0.6175 rounds to 0.62")
	assert.True(t, dec("0.01").Equal(p.CashbackFor(dec("0.10"))), "0.005 rounds half away from zero")

	bad := p
	bad.Rate = decimal.Zero
	assert.Error(t, bad.Validate())
	bad = p
	bad.Location = nil
	assert.Error(t, bad.Validate())
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestApprovedPurchaseNotifiesOnce(t *testing.T) {
	// GIVEN a customer with no balance, on premises
	h := newHarness(t)
	ctx := context.Background()

	// WHEN they submit a purchase of 100.00
	entry, err := h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("100.00"), Location: onSite})

	// THEN a pending entry with 5.00 cashback expiring at the end of the month after next
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, entry.Status)
	assert.True(t, dec("5.00").Equal(entry.CashbackAmount))
	require.NotNil(t, entry.ExpiresAt)
	sp, _ := time.LoadLocation("America/Sao_Paulo")
	assert.True(t, time.Date(2026, time.December, 31, 23, 59, 59, 999_000_000, sp).Equal(*entry.ExpiresAt), entry.ExpiresAt.String())
	assert.True(t, h.balance(t).Available.IsZero(), "pending cashback is not available")
	assert.Empty(t, h.notifier.events(), "self-service submission does not notify")

	// WHEN the admin approves
	approved, err := h.svc.ApproveOrReject(ctx, admin, entry.ID, cashback.Decision{Approve: true})

	// THEN the balance is 5.00 and one purchase notification was sent
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, approved.Status)
	assert.Equal(t, "admin", approved.DecidedBy)
	assert.True(t, dec("5.00").Equal(h.balance(t).Available))
	assert.Equal(t, []notify.Event{notify.EventPurchase}, h.notifier.events())

	// AND a second approval fails without notifying again
	_, err = h.svc.Approve(ctx, admin, entry.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	_, err = h.svc.Reject(ctx, admin, entry.ID, "late")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	assert.Len(t, h.notifier.events(), 1)
}

func TestRedeem_MoreThanBalanceFails(t *testing.T) {
	// GIVEN a balance of 5.00
	h := newHarness(t)
	h.seedBalance(t, "100.00")

	// WHEN the customer redeems 6.00
	_, err := h.svc.RedeemCashback(context.Background(), customer, cashback.RedemptionRequest{Amount: dec("6.00")})

	// THEN it fails with the current balance and nothing changes
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.True(t, dec("5.00").Equal(ib.Available))
	assert.True(t, dec("5.00").Equal(h.balance(t).Available))
	assert.Contains(t, h.logs.String(), "operation rejected")
}

func TestRedeem_WholeBalanceLeavesZero(t *testing.T) {
	// GIVEN a balance of 5.00
	h := newHarness(t)
	h.seedBalance(t, "100.00")

	// WHEN the customer redeems 5.00
	entry, err := h.svc.RedeemCashback(context.Background(), customer, cashback.RedemptionRequest{Amount: dec("5.00")})

	// THEN an approved redemption of -5.00 exists and the balance is zero
	require.NoError(t, err)
	assert.Equal(t, ledger.KindRedemption, entry.Kind)
	assert.Equal(t, ledger.StatusApproved, entry.Status)
	assert.True(t, dec("-5.00").Equal(entry.CashbackAmount))
	assert.Nil(t, entry.ExpiresAt)
	assert.True(t, h.balance(t).Available.IsZero())
	assert.Equal(t, []notify.Event{notify.EventPurchase, notify.EventRedemption}, h.notifier.events())
}

func TestSubmitPurchase_OffPremisesWritesNothing(t *testing.T) {
	// GIVEN the customer is away from every store
	h := newHarness(t)
	h.geo.onPremises = false
	h.geo.nearest = geofence.Nearest{StoreID: "centro", Name: "Centro", DistanceMeters: 1234}

	// WHEN they submit a purchase
	_, err := h.svc.SubmitPurchase(context.Background(), customer, cashback.PurchaseRequest{Amount: dec("50.00"), Location: onSite})

	// THEN it fails with the nearest store and no entry is written
	var oor *cashback.OutOfRangeError
	require.ErrorAs(t, err, &oor)
	assert.ErrorIs(t, err, cashback.ErrOutOfRange)
	assert.Equal(t, "Centro", oor.StoreName)
	assert.InDelta(t, 1234, oor.DistanceMeters, 0.001)

	entries, err := ledger.Collect(h.svc.ListTransactions(context.Background(), customer, "", ledger.Filter{}))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedeem_ExpiredAccrualIsNotAvailable(t *testing.T) {
	// GIVEN an accrual of 5.00 that expired and an unexpired accrual of 3.00
	h := newHarness(t)
	ctx := context.Background()
	past := base.AddDate(0, 0, -1)
	future := base.AddDate(0, 1, 0)
	for _, n := range []ledger.NewEntry{
		{CustomerID: "c-1", Kind: ledger.KindPurchase, Status: ledger.StatusApproved, Amount: dec("100"), CashbackAmount: dec("5.00"), ExpiresAt: &past, At: base.AddDate(0, -3, 0)},
		{CustomerID: "c-1", Kind: ledger.KindPurchase, Status: ledger.StatusApproved, Amount: dec("60"), CashbackAmount: dec("3.00"), ExpiresAt: &future, At: base.AddDate(0, 0, -2)},
	} {
		_, err := h.store.Append(ctx, n)
		require.NoError(t, err)
	}

	// WHEN the balance is read
	b := h.balance(t)

	// THEN only the unexpired accrual counts and it is the next to expire
	assert.True(t, dec("3.00").Equal(b.Available))
	assert.True(t, dec("5.00").Equal(b.TotalExpired))
	require.NotNil(t, b.NextExpiring)
	assert.True(t, future.Equal(b.NextExpiring.ExpiresAt))

	next, err := h.svc.NextExpiring(ctx, customer, "")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, dec("3.00").Equal(next.CashbackAmount))
}

// =============================================================================
// WORKFLOW RULES
// =============================================================================

func TestSubmitPurchase_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-1", "10.005"} {
		_, err := h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec(amount), Location: onSite})
		assert.ErrorIs(t, err, ledger.ErrValidation, amount)
	}

	_, err := h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("10"), Location: ledger.GeoPoint{Latitude: 91}})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = h.svc.SubmitPurchase(ctx, admin, cashback.PurchaseRequest{Amount: dec("10"), Location: onSite})
	assert.ErrorIs(t, err, cashback.ErrForbidden)
}

func TestSubmitPurchase_DuplicateWithinWindow(t *testing.T) {
	// GIVEN a submitted purchase
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("42.00"), Location: onSite})
	require.NoError(t, err)

	// WHEN the same amount is submitted again inside the window
	h.clock.Advance(2 * time.Second)
	_, err = h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("42.00"), Location: onSite})

	// THEN it is rejected as a duplicate with a retry hint
	var dup *ledger.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 8*time.Second, dup.RetryAfter)

	// AND a different amount is fine
	_, err = h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("43.00"), Location: onSite})
	require.NoError(t, err)

	// AND after the window the same amount is accepted
	h.clock.Advance(10 * time.Second)
	_, err = h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("42.00"), Location: onSite})
	require.NoError(t, err)
}

func TestSubmitPurchase_GeofenceTimeout(t *testing.T) {
	h := newHarness(t)
	h.geo.block = true
	p := cashback.DefaultProgram()
	p.GeofenceTimeout = 20 * time.Millisecond
	svc, err := cashback.NewService(cashback.ServiceParams{Store: h.store, Geofence: h.geo, Program: p, Clock: h.clock.Now})
	require.NoError(t, err)

	_, err = svc.SubmitPurchase(context.Background(), customer, cashback.PurchaseRequest{Amount: dec("10"), Location: onSite})

	var lt *cashback.LocationTimeoutError
	require.ErrorAs(t, err, &lt)
	assert.ErrorIs(t, err, cashback.ErrLocationTimeout)
	entries, err := ledger.Collect(h.store.Query(context.Background(), ledger.Filter{}))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitPurchase_GeofenceFailure(t *testing.T) {
	h := newHarness(t)
	h.geo.err = errors.New("gps provider down")

	_, err := h.svc.SubmitPurchase(context.Background(), customer, cashback.PurchaseRequest{Amount: dec("10"), Location: onSite})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "gps provider down")
	assert.Contains(t, h.logs.String(), "operation failed")
}

func TestApproveOrReject_RequiresAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry, err := h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("20"), Location: onSite})
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, customer, entry.ID)
	assert.ErrorIs(t, err, cashback.ErrForbidden)

	_, err = h.svc.Approve(ctx, admin, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReject_StoresReasonAndDoesNotNotify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry, err := h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("20"), Location: onSite})
	require.NoError(t, err)

	rejected, err := h.svc.Reject(ctx, admin, entry.ID, "receipt unreadable")

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, rejected.Status)
	assert.Equal(t, "receipt unreadable", rejected.Note)
	assert.Empty(t, h.notifier.events())
	assert.True(t, h.balance(t).Available.IsZero())
}

func TestRedeemCashback_Rules(t *testing.T) {
	h := newHarness(t)
	h.seedBalance(t, "100.00")
	ctx := context.Background()

	_, err := h.svc.RedeemCashback(ctx, customer, cashback.RedemptionRequest{Amount: dec("0.99")})
	assert.ErrorIs(t, err, ledger.ErrValidation, "below minimum")

	_, err = h.svc.RedeemCashback(ctx, customer, cashback.RedemptionRequest{CustomerID: "c-2", Amount: dec("1")})
	assert.ErrorIs(t, err, cashback.ErrForbidden, "another customer's balance")

	_, err = h.svc.RedeemCashback(ctx, admin, cashback.RedemptionRequest{Amount: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrValidation, "admin must name the customer")

	_, err = h.svc.RedeemCashback(ctx, admin, cashback.RedemptionRequest{CustomerID: "ghost", Amount: dec("1")})
	assert.ErrorIs(t, err, customers.ErrNotFound)

	entry, err := h.svc.RedeemCashback(ctx, admin, cashback.RedemptionRequest{CustomerID: "c-1", Amount: dec("1.50")})
	require.NoError(t, err)
	assert.Equal(t, "admin", entry.CreatedBy)
	assert.True(t, dec("3.50").Equal(h.balance(t).Available))
}

func TestRedeemCashback_IdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.seedBalance(t, "100.00")
	ctx := context.Background()

	_, err := h.svc.RedeemCashback(ctx, customer, cashback.RedemptionRequest{Amount: dec("1.00"), IdempotencyKey: "k-1"})
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	_, err = h.svc.RedeemCashback(ctx, customer, cashback.RedemptionRequest{Amount: dec("2.00"), IdempotencyKey: "k-1"})
	assert.ErrorIs(t, err, ledger.ErrDuplicate, "same key is a resubmission")

	assert.True(t, dec("4.00").Equal(h.balance(t).Available))
}

func TestRedeemCashback_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	// GIVEN a balance of 5.00
	h := newHarness(t)
	h.seedBalance(t, "100.00")

	// WHEN four redemptions of about 2.00 race
	amounts := []string{"2.00", "2.01", "2.02", "2.03"}
	errs := make([]error, len(amounts))
	var wg sync.WaitGroup
	for i, a := range amounts {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			_, errs[i] = h.svc.RedeemCashback(context.Background(), customer, cashback.RedemptionRequest{Amount: dec(a)})
		}(i, a)
	}
	wg.Wait()

	// THEN exactly two commit and the balance stays non-negative
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	}
	assert.Equal(t, 2, succeeded)
	b := h.balance(t)
	assert.False(t, b.Available.IsNegative())
	assert.True(t, b.Available.LessThan(dec("1.00")), b.Available.String())
}

func TestAdminRecordPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry, err := h.svc.AdminRecordPurchase(ctx, admin, cashback.AdminPurchaseRequest{CustomerID: "c-1", Amount: dec("80.00"), ReceiptRef: "nf-1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, entry.Status)
	assert.True(t, dec("4.00").Equal(entry.CashbackAmount))
	assert.Equal(t, "nf-1", entry.ReceiptRef)
	assert.Equal(t, []notify.Event{notify.EventPurchase}, h.notifier.events())

	_, err = h.svc.AdminRecordPurchase(ctx, customer, cashback.AdminPurchaseRequest{CustomerID: "c-1", Amount: dec("80.00")})
	assert.ErrorIs(t, err, cashback.ErrForbidden)

	_, err = h.svc.AdminRecordPurchase(ctx, admin, cashback.AdminPurchaseRequest{CustomerID: "ghost", Amount: dec("80.00")})
	assert.ErrorIs(t, err, customers.ErrNotFound)
}

func TestNotificationFailureDoesNotFailTheWrite(t *testing.T) {
	// GIVEN a notifier that always fails
	h := newHarness(t)
	h.notifier.err = errors.New("twilio 503")

	// WHEN an admin records a purchase
	entry, err := h.svc.AdminRecordPurchase(context.Background(), admin, cashback.AdminPurchaseRequest{CustomerID: "c-1", Amount: dec("100.00")})

	// THEN the entry is committed and the failure only logged
	require.NoError(t, err)
	got, err := h.store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)
	assert.True(t, dec("5.00").Equal(h.balance(t).Available))
	assert.Contains(t, h.logs.String(), "notification failed")
	assert.Contains(t, h.logs.String(), "twilio 503")
}

func TestQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedBalance(t, "100.00")
	_, err := h.svc.SubmitPurchase(ctx, customer, cashback.PurchaseRequest{Amount: dec("30.00"), Location: onSite})
	require.NoError(t, err)

	entries, err := ledger.Collect(h.svc.ListTransactions(ctx, customer, "", ledger.Filter{}))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.StatusPending, entries[0].Status, "newest first")

	pending, err := ledger.Collect(h.svc.ListPending(ctx, admin))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, dec("30.00").Equal(pending[0].Amount))

	_, err = ledger.Collect(h.svc.ListPending(ctx, customer))
	assert.ErrorIs(t, err, cashback.ErrForbidden)

	_, err = ledger.Collect(h.svc.ListTransactions(ctx, customer, "c-2", ledger.Filter{}))
	assert.ErrorIs(t, err, cashback.ErrForbidden)

	_, err = ledger.Collect(h.svc.ListTransactions(ctx, customer, "", ledger.Filter{Kinds: []ledger.Kind{"refund"}}))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	b, err := h.svc.Balance(ctx, admin, "c-1")
	require.NoError(t, err)
	assert.True(t, dec("5.00").Equal(b.Available))
	assert.True(t, dec("1.50").Equal(b.PendingCashback))
}
