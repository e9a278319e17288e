/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	customers and ledger history. Each scenario registers customers through
	the customers service and writes entries with backdated timestamps so
	expiry and the pending queue can be shown without waiting.

AVAILABLE SCENARIOS:

	fresh-customer:     One registered customer with an empty ledger
	expiring-cashback:  Cashback expiring at the end of this month, an
	                    expired accrual, a redemption and a recent purchase
	pending-approvals:  Two customers with purchases waiting for the admin

HOW SCENARIOS WORK:
 1. Register customers (random phone numbers, so loads never collide)
 2. Append entries directly to the store with backdated At
 3. Return the demo logins so the frontend can sign in

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "expiring-cashback"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios add data; they never delete. The routes are mounted only
	when the app runs in the dev environment.

SEE ALSO:
  - handlers.go: Handler dependencies
  - server.go: RouterOptions.Scenarios
*/
package api

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
)

const (
	scenarioActor    = "scenario"
	scenarioPassword = "acai123"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-customer",
		Name:        "Fresh Customer",
		Description: "A newly registered customer with no purchases yet",
	},
	{
		ID:          "expiring-cashback",
		Name:        "Expiring Cashback",
		Description: "Cashback expiring this month, one expired accrual, a redemption and a recent purchase",
	},
	{
		ID:          "pending-approvals",
		Name:        "Pending Approvals",
		Description: "Two customers with purchases waiting in the admin queue",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := h.Logger.WithField(r.Context(), "scenario", req.ScenarioID)
	var (
		logins []DemoLoginDTO
		err    error
	)
	switch req.ScenarioID {
	case "fresh-customer":
		logins, err = h.loadFreshCustomerScenario(ctx)
	case "expiring-cashback":
		logins, err = h.loadExpiringCashbackScenario(ctx)
	case "pending-approvals":
		logins, err = h.loadPendingApprovalsScenario(ctx)
	default:
		h.writeError(w, r, badRequest("unknown scenario", map[string]string{"scenario_id": req.ScenarioID}))
		return
	}
	if err != nil {
		h.writeError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info(ctx, "scenario loaded")
	writeJSON(w, http.StatusOK, ScenarioResult{Scenario: req.ScenarioID, Customers: logins})
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadFreshCustomerScenario(ctx context.Context) ([]DemoLoginDTO, error) {
	login, _, err := h.registerDemoCustomer(ctx, "Ana Souza")
	if err != nil {
		return nil, err
	}
	return []DemoLoginDTO{login}, nil
}

// loadExpiringCashbackScenario builds a history whose balance is easy to
// check by hand:
//
//	three months ago   R$ 50,00  -> 2,50 (expired at the end of last month)
//	two months ago     R$ 120,00 -> 6,00 (expires at the end of this month)
//	last month         redemption of 2,00
//	yesterday          R$ 80,00  -> 4,00
//
// Available: 6,00 + 4,00 - 2,00 = 8,00.
func (h *Handler) loadExpiringCashbackScenario(ctx context.Context) ([]DemoLoginDTO, error) {
	login, id, err := h.registerDemoCustomer(ctx, "Bruno Lima")
	if err != nil {
		return nil, err
	}

	month := h.startOfMonth()
	steps := []func() error{
		func() error { return h.appendPurchase(ctx, id, "50.00", ledger.StatusApproved, month.AddDate(0, -3, 4)) },
		func() error { return h.appendPurchase(ctx, id, "120.00", ledger.StatusApproved, month.AddDate(0, -2, 9)) },
		func() error { return h.appendRedemption(ctx, id, "2.00", month.AddDate(0, -1, 2)) },
		func() error { return h.appendPurchase(ctx, id, "80.00", ledger.StatusApproved, h.now().Add(-24*time.Hour)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return []DemoLoginDTO{login}, nil
}

func (h *Handler) loadPendingApprovalsScenario(ctx context.Context) ([]DemoLoginDTO, error) {
	now := h.now()
	var logins []DemoLoginDTO
	for i, p := range []struct {
		name    string
		amounts []string
	}{
		{"Carla Mendes", []string{"35.90", "18.00"}},
		{"Diego Rocha", []string{"64.50"}},
	} {
		login, id, err := h.registerDemoCustomer(ctx, p.name)
		if err != nil {
			return nil, err
		}
		for j, amount := range p.amounts {
			at := now.Add(-time.Duration(90-30*i-10*j) * time.Minute)
			if err := h.appendPurchase(ctx, id, amount, ledger.StatusPending, at); err != nil {
				return nil, err
			}
		}
		logins = append(logins, login)
	}
	return logins, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) registerDemoCustomer(ctx context.Context, name string) (DemoLoginDTO, ledger.CustomerID, error) {
	phone := fmt.Sprintf("55119%08d", rand.IntN(100_000_000))
	c, err := h.Customers.Register(ctx, customers.Registration{
		Name:     name,
		Phone:    phone,
		Email:    fmt.Sprintf("demo+%s@eliteacai.com.br", phone),
		Password: scenarioPassword,
	})
	if err != nil {
		return DemoLoginDTO{}, "", err
	}
	return DemoLoginDTO{
		CustomerID: string(c.ID),
		Name:       c.Name,
		Phone:      c.Phone,
		Password:   scenarioPassword,
	}, c.ID, nil
}

func (h *Handler) appendPurchase(ctx context.Context, id ledger.CustomerID, amount string, status ledger.Status, at time.Time) error {
	program := h.Cashback.Program()
	value := decimal.RequireFromString(amount)
	expires := program.ExpiresAt(at)

	_, err := h.Backend.Append(ctx, ledger.NewEntry{
		CustomerID:     id,
		Kind:           ledger.KindPurchase,
		Status:         status,
		Amount:         value,
		CashbackAmount: program.CashbackFor(value),
		ExpiresAt:      &expires,
		ReceiptRef:     "demo",
		CreatedBy:      scenarioActor,
		At:             at,
	})
	return err
}

func (h *Handler) appendRedemption(ctx context.Context, id ledger.CustomerID, amount string, at time.Time) error {
	value := decimal.RequireFromString(amount)
	_, err := h.Backend.Append(ctx, ledger.NewEntry{
		CustomerID:     id,
		Kind:           ledger.KindRedemption,
		Status:         ledger.StatusApproved,
		Amount:         value,
		CashbackAmount: value.Neg(),
		CreatedBy:      scenarioActor,
		At:             at,
	})
	return err
}

// startOfMonth is noon on the first day of the current month in the
// program calendar.
func (h *Handler) startOfMonth() time.Time {
	loc := h.Cashback.Program().Location
	now := h.now().In(loc)
	return time.Date(now.Year(), now.Month(), 1, 12, 0, 0, 0, loc)
}
