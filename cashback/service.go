package cashback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/auth"
	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/geofence"
	"github.com/eliteacai/cashback-engine/guard"
	"github.com/eliteacai/cashback-engine/ledger"
	"github.com/eliteacai/cashback-engine/logger"
	"github.com/eliteacai/cashback-engine/metrics"
	"github.com/eliteacai/cashback-engine/notify"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Actor is the authenticated caller of a workflow operation.
type Actor struct {
	ID   string
	Role auth.Role
}

func CustomerActor(id ledger.CustomerID) Actor { return Actor{ID: string(id), Role: auth.RoleCustomer} }

func AdminActor(id string) Actor { return Actor{ID: id, Role: auth.RoleAdmin} }

func (a Actor) IsAdmin() bool { return a.Role == auth.RoleAdmin }

// Geofence answers whether a point is on store premises.
type Geofence interface {
	IsOnPremises(ctx context.Context, lat, lng float64) (bool, error)
	ClosestStore(ctx context.Context, lat, lng float64) (geofence.Nearest, error)
}

// DuplicateGuard holds a key for a window; Acquire of a held key fails
// with *ledger.DuplicateError.
type DuplicateGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// CustomerLookup checks that a customer exists before an admin writes on
// their behalf.
type CustomerLookup interface {
	Exists(ctx context.Context, id ledger.CustomerID) (bool, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type ServiceParams struct {
	Store     ledger.Store
	Geofence  Geofence
	Notifier  notify.Sender
	Guard     DuplicateGuard
	Customers CustomerLookup
	Program   Program
	Logger    *logger.Logger
	Metrics   *metrics.Workflow
	Clock     func() time.Time
}

// Service runs the workflow. It holds no per-customer state; atomicity
// of balance checks lives in the store.
type Service struct {
	store     ledger.Store
	geofence  Geofence
	notifier  notify.Sender
	guard     DuplicateGuard
	customers CustomerLookup
	program   Program
	log       *logger.Logger
	metrics   *metrics.Workflow
	clock     func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("cashback: store is required")
	}
	if p.Geofence == nil {
		return nil, fmt.Errorf("cashback: geofence is required")
	}
	if err := p.Program.Validate(); err != nil {
		return nil, fmt.Errorf("cashback: %w", err)
	}
	if p.Notifier == nil {
		p.Notifier = notify.Nop{}
	}
	if p.Guard == nil {
		p.Guard = guard.NewMemory()
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return &Service{
		store:     p.Store,
		geofence:  p.Geofence,
		notifier:  p.Notifier,
		guard:     p.Guard,
		customers: p.Customers,
		program:   p.Program,
		log:       p.Logger,
		metrics:   p.Metrics,
		clock:     p.Clock,
	}, nil
}

func (s *Service) Program() Program { return s.program }

// =============================================================================
// SUBMIT PURCHASE
// =============================================================================

// PurchaseRequest is a self-service purchase made on premises.
type PurchaseRequest struct {
	Amount         decimal.Decimal
	Location       ledger.GeoPoint
	ReceiptRef     string
	IdempotencyKey string
}

// SubmitPurchase records a pending purchase for the calling customer after
// the geofence check passes.
func (s *Service) SubmitPurchase(ctx context.Context, actor Actor, req PurchaseRequest) (entry ledger.Entry, err error) {
	const op = "submit_purchase"
	ctx = s.log.WithActor(ctx, actor.ID, string(actor.Role))
	defer func() { s.finish(ctx, op, err) }()

	if actor.Role != auth.RoleCustomer || actor.ID == "" {
		return ledger.Entry{}, &forbiddenError{op: op}
	}
	if err := validateAmount(req.Amount); err != nil {
		return ledger.Entry{}, err
	}
	if err := validateLocation(req.Location); err != nil {
		return ledger.Entry{}, err
	}
	if err := s.checkPremises(ctx, req.Location); err != nil {
		return ledger.Entry{}, err
	}

	customerID := ledger.CustomerID(actor.ID)
	key := s.guardKey(customerID, ledger.KindPurchase, req.Amount, req.IdempotencyKey)
	if err := s.guard.Acquire(ctx, key, s.program.DuplicateWindow); err != nil {
		return ledger.Entry{}, err
	}

	now := s.clock()
	expires := s.program.ExpiresAt(now)
	loc := req.Location
	entry, err = s.store.Append(ctx, ledger.NewEntry{
		CustomerID:      customerID,
		Kind:            ledger.KindPurchase,
		Status:          ledger.StatusPending,
		Amount:          req.Amount,
		CashbackAmount:  s.program.CashbackFor(req.Amount),
		ExpiresAt:       &expires,
		Location:        &loc,
		ReceiptRef:      req.ReceiptRef,
		CreatedBy:       actor.ID,
		At:              now,
		DuplicateWindow: s.program.DuplicateWindow,
	})
	if err != nil {
		s.release(ctx, key)
		return ledger.Entry{}, err
	}
	return entry, nil
}

func validateLocation(p ledger.GeoPoint) error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return &ledger.ValidationError{Field: "latitude", Message: "must be between -90 and 90"}
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return &ledger.ValidationError{Field: "longitude", Message: "must be between -180 and 180"}
	}
	return nil
}

// checkPremises bounds the geofence collaborator by GeofenceTimeout.
func (s *Service) checkPremises(ctx context.Context, p ledger.GeoPoint) error {
	gctx, cancel := context.WithTimeout(ctx, s.program.GeofenceTimeout)
	defer cancel()

	ok, err := s.geofence.IsOnPremises(gctx, p.Latitude, p.Longitude)
	if err != nil {
		return s.geofenceError(gctx, err)
	}
	if ok {
		return nil
	}

	nearest, err := s.geofence.ClosestStore(gctx, p.Latitude, p.Longitude)
	if err != nil {
		return s.geofenceError(gctx, err)
	}
	return &OutOfRangeError{StoreName: nearest.Name, DistanceMeters: nearest.DistanceMeters}
}

func (s *Service) geofenceError(gctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded) {
		return &LocationTimeoutError{Timeout: s.program.GeofenceTimeout}
	}
	return fmt.Errorf("geofence check: %w", err)
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

type Decision struct {
	Approve bool
	Reason  string
}

// ApproveOrReject decides a pending purchase. Approval notifies the
// customer; a repeated decision fails with *ledger.InvalidTransitionError
// and notifies nobody.
func (s *Service) ApproveOrReject(ctx context.Context, actor Actor, id ledger.EntryID, d Decision) (entry ledger.Entry, err error) {
	op := "reject_purchase"
	if d.Approve {
		op = "approve_purchase"
	}
	ctx = s.log.WithActor(ctx, actor.ID, string(actor.Role))
	ctx = s.log.WithField(ctx, "entry_id", string(id))
	defer func() { s.finish(ctx, op, err) }()

	if !actor.IsAdmin() {
		return ledger.Entry{}, &forbiddenError{op: op}
	}

	to := ledger.StatusRejected
	if d.Approve {
		to = ledger.StatusApproved
	}
	entry, err = s.store.UpdateStatus(ctx, ledger.StatusUpdate{
		ID:   id,
		To:   to,
		By:   actor.ID,
		Note: d.Reason,
		At:   s.clock(),
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	if entry.Status == ledger.StatusApproved && entry.Kind == ledger.KindPurchase {
		s.metrics.AddAccrued(entry.CashbackAmount.InexactFloat64())
		s.notify(ctx, purchaseMessage(entry))
	}
	return entry, nil
}

func (s *Service) Approve(ctx context.Context, actor Actor, id ledger.EntryID) (ledger.Entry, error) {
	return s.ApproveOrReject(ctx, actor, id, Decision{Approve: true})
}

func (s *Service) Reject(ctx context.Context, actor Actor, id ledger.EntryID, reason string) (ledger.Entry, error) {
	return s.ApproveOrReject(ctx, actor, id, Decision{Reason: reason})
}

// =============================================================================
// REDEEM
// =============================================================================

// RedemptionRequest redeems cashback. CustomerID may be empty when the
// actor is the customer.
type RedemptionRequest struct {
	CustomerID     ledger.CustomerID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// RedeemCashback appends an approved redemption. The balance is checked
// here for a fast answer and again inside the store's atomic append, which
// is the check that counts.
func (s *Service) RedeemCashback(ctx context.Context, actor Actor, req RedemptionRequest) (entry ledger.Entry, err error) {
	const op = "redeem_cashback"
	ctx = s.log.WithActor(ctx, actor.ID, string(actor.Role))
	defer func() { s.finish(ctx, op, err) }()

	customerID, err := s.authorize(op, actor, req.CustomerID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return ledger.Entry{}, err
	}
	if req.Amount.LessThan(s.program.MinimumRedemption) {
		return ledger.Entry{}, &ledger.ValidationError{
			Field:   "amount",
			Message: "must be at least " + s.program.MinimumRedemption.StringFixed(2),
		}
	}
	if actor.IsAdmin() {
		if err := s.requireCustomer(ctx, customerID); err != nil {
			return ledger.Entry{}, err
		}
	}

	now := s.clock()
	bal, err := s.balanceAt(ctx, customerID, now)
	if err != nil {
		return ledger.Entry{}, err
	}
	if req.Amount.GreaterThan(bal.Available) {
		return ledger.Entry{}, &ledger.InsufficientBalanceError{Available: bal.Available, Requested: req.Amount}
	}

	key := s.guardKey(customerID, ledger.KindRedemption, req.Amount, req.IdempotencyKey)
	if err := s.guard.Acquire(ctx, key, s.program.DuplicateWindow); err != nil {
		return ledger.Entry{}, err
	}

	entry, err = s.store.Append(ctx, ledger.NewEntry{
		CustomerID:      customerID,
		Kind:            ledger.KindRedemption,
		Status:          ledger.StatusApproved,
		Amount:          req.Amount,
		CashbackAmount:  req.Amount.Neg(),
		CreatedBy:       actor.ID,
		At:              now,
		DuplicateWindow: s.program.DuplicateWindow,
	})
	if err != nil {
		s.release(ctx, key)
		return ledger.Entry{}, err
	}

	s.metrics.AddRedeemed(entry.Amount.InexactFloat64())
	amount := entry.Amount
	s.notify(ctx, notify.Message{
		CustomerID: entry.CustomerID,
		Event:      notify.EventRedemption,
		EntryID:    entry.ID,
		Amount:     &amount,
	})
	return entry, nil
}

// =============================================================================
// ADMIN PURCHASE
// =============================================================================

type AdminPurchaseRequest struct {
	CustomerID ledger.CustomerID
	Amount     decimal.Decimal
	ReceiptRef string
}

// AdminRecordPurchase records an approved purchase at the counter. It
// bypasses the geofence and notifies immediately.
func (s *Service) AdminRecordPurchase(ctx context.Context, actor Actor, req AdminPurchaseRequest) (entry ledger.Entry, err error) {
	const op = "admin_record_purchase"
	ctx = s.log.WithActor(ctx, actor.ID, string(actor.Role))
	defer func() { s.finish(ctx, op, err) }()

	if !actor.IsAdmin() {
		return ledger.Entry{}, &forbiddenError{op: op}
	}
	if req.CustomerID == "" {
		return ledger.Entry{}, &ledger.ValidationError{Field: "customer_id", Message: "is required"}
	}
	if err := validateAmount(req.Amount); err != nil {
		return ledger.Entry{}, err
	}
	if err := s.requireCustomer(ctx, req.CustomerID); err != nil {
		return ledger.Entry{}, err
	}

	now := s.clock()
	expires := s.program.ExpiresAt(now)
	entry, err = s.store.Append(ctx, ledger.NewEntry{
		CustomerID:      req.CustomerID,
		Kind:            ledger.KindPurchase,
		Status:          ledger.StatusApproved,
		Amount:          req.Amount,
		CashbackAmount:  s.program.CashbackFor(req.Amount),
		ExpiresAt:       &expires,
		ReceiptRef:      req.ReceiptRef,
		CreatedBy:       actor.ID,
		At:              now,
		DuplicateWindow: s.program.DuplicateWindow,
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	s.metrics.AddAccrued(entry.CashbackAmount.InexactFloat64())
	s.notify(ctx, purchaseMessage(entry))
	return entry, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// authorize resolves the customer an operation targets. Customers act on
// themselves only; admins must name the customer.
func (s *Service) authorize(op string, actor Actor, target ledger.CustomerID) (ledger.CustomerID, error) {
	switch actor.Role {
	case auth.RoleCustomer:
		if actor.ID == "" || (target != "" && target != ledger.CustomerID(actor.ID)) {
			return "", &forbiddenError{op: op}
		}
		return ledger.CustomerID(actor.ID), nil
	case auth.RoleAdmin:
		if target == "" {
			return "", &ledger.ValidationError{Field: "customer_id", Message: "is required"}
		}
		return target, nil
	}
	return "", &forbiddenError{op: op}
}

func (s *Service) requireCustomer(ctx context.Context, id ledger.CustomerID) error {
	if s.customers == nil {
		return nil
	}
	ok, err := s.customers.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup customer: %w", err)
	}
	if !ok {
		return customers.ErrNotFound
	}
	return nil
}

func (s *Service) guardKey(id ledger.CustomerID, kind ledger.Kind, amount decimal.Decimal, idempotencyKey string) string {
	if idempotencyKey != "" {
		return guard.Key(string(id), "key", idempotencyKey)
	}
	return guard.Key(string(id), string(kind), amount.StringFixed(2))
}

func (s *Service) release(ctx context.Context, key string) {
	if err := s.guard.Release(ctx, key); err != nil {
		s.log.Error(ctx, "release duplicate guard failed", err)
	}
}

// notify runs after commit. Its failure is logged and counted only.
func (s *Service) notify(ctx context.Context, m notify.Message) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.program.NotifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, m); err != nil {
		s.metrics.IncNotifyFailure(string(m.Event))
		s.log.Error(s.log.WithField(ctx, "event", string(m.Event)), "notification failed", err)
	}
}

func (s *Service) finish(ctx context.Context, op string, err error) {
	s.metrics.Observe(op, err)
	if err == nil {
		return
	}
	ctx = s.log.WithField(ctx, "operation", op)
	if ledger.IsClientError(err) || errors.Is(err, ErrOutOfRange) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrLocationTimeout) || errors.Is(err, customers.ErrNotFound) || ledger.IsNotFound(err) {
		s.log.Warn(s.log.WithField(ctx, "reason", err.Error()), "operation rejected")
		return
	}
	s.log.Error(ctx, "operation failed", err)
}

func purchaseMessage(e ledger.Entry) notify.Message {
	amount, cashback := e.Amount, e.CashbackAmount
	return notify.Message{
		CustomerID:     e.CustomerID,
		Event:          notify.EventPurchase,
		EntryID:        e.ID,
		Amount:         &amount,
		CashbackAmount: &cashback,
	}
}
