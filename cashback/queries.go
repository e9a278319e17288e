package cashback

import (
	"context"
	"iter"
	"time"

	"github.com/eliteacai/cashback-engine/ledger"
)

// Balance derives the customer's balance as of now.
func (s *Service) Balance(ctx context.Context, actor Actor, customerID ledger.CustomerID) (ledger.Balance, error) {
	id, err := s.authorize("balance", actor, customerID)
	if err != nil {
		return ledger.Balance{}, err
	}
	return s.balanceAt(ctx, id, s.clock())
}

func (s *Service) balanceAt(ctx context.Context, id ledger.CustomerID, now time.Time) (ledger.Balance, error) {
	entries, err := ledger.Collect(ledger.QueryByCustomer(ctx, s.store, id, ledger.Filter{Order: ledger.OrderAsc}))
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Compute(entries, now), nil
}

// NextExpiring returns the earliest-expiring valid accrual, or nil.
func (s *Service) NextExpiring(ctx context.Context, actor Actor, customerID ledger.CustomerID) (*ledger.Entry, error) {
	id, err := s.authorize("next_expiring", actor, customerID)
	if err != nil {
		return nil, err
	}
	return s.store.QueryExpiringSoon(ctx, id, s.clock())
}

// ListTransactions lists a customer's entries, newest first unless f says
// otherwise.
func (s *Service) ListTransactions(ctx context.Context, actor Actor, customerID ledger.CustomerID, f ledger.Filter) iter.Seq2[ledger.Entry, error] {
	id, err := s.authorize("list_transactions", actor, customerID)
	if err != nil {
		return ledger.Fail(err)
	}
	if err := f.Validate(); err != nil {
		return ledger.Fail(err)
	}
	return ledger.QueryByCustomer(ctx, s.store, id, f)
}

// ListPending lists purchases awaiting a decision, oldest first.
func (s *Service) ListPending(ctx context.Context, actor Actor) iter.Seq2[ledger.Entry, error] {
	if !actor.IsAdmin() {
		return ledger.Fail(&forbiddenError{op: "list_pending"})
	}
	return s.store.Query(ctx, ledger.Filter{
		Kinds:    []ledger.Kind{ledger.KindPurchase},
		Statuses: []ledger.Status{ledger.StatusPending},
		Order:    ledger.OrderAsc,
	})
}
