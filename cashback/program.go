/*
Package cashback is the transaction workflow of the loyalty program.

PURPOSE:
  Gates creation and transition of ledger entries and orchestrates the
  external collaborators (geofence, duplicate guard, notifications).

STATE MACHINE:
  ┌──────────────────────────────────────────────────────────────┐
  │                                                              │
  │  SubmitPurchase ──▶ Pending ──ApproveOrReject──▶ Approved    │
  │                        │                            │        │
  │                        └──────────────────▶ Rejected│        │
  │                                                     ▼        │
  │  AdminRecordPurchase ─────────────────────────▶ Approved     │
  │  RedeemCashback ──────────────────────────────▶ Approved     │
  │                                                              │
  └──────────────────────────────────────────────────────────────┘

  Only the Pending -> Approved transition of a purchase, or a direct
  approved insert, sends a notification. A second decision on the same
  entry fails with *ledger.InvalidTransitionError, so a purchase is
  announced exactly once.

COMMIT THEN NOTIFY:
  The ledger write commits first. Notification is attempted afterwards
  with its own timeout and its failure is logged, never returned.

SEE ALSO:
  - ledger/balance.go: Balance derivation and the append check
  - ledger/expiry.go: Expiration policy
*/
package cashback

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/ledger"
)

// Program holds the business parameters of the loyalty program.
type Program struct {
	// Rate is the share of a purchase credited as cashback, e.g. 0.05.
	Rate decimal.Decimal

	// MinimumRedemption is the smallest amount a customer may redeem.
	MinimumRedemption decimal.Decimal

	// DuplicateWindow rejects an identical submission within this window.
	DuplicateWindow time.Duration

	// Location is the calendar used by the expiration policy.
	Location *time.Location

	GeofenceTimeout time.Duration
	NotifyTimeout   time.Duration
}

// DefaultProgram is 5% cashback, minimum redemption of R$ 1,00, São Paulo
// calendar.
func DefaultProgram() Program {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	return Program{
		Rate:              decimal.RequireFromString("0.05"),
		MinimumRedemption: decimal.RequireFromString("1.00"),
		DuplicateWindow:   10 * time.Second,
		Location:          loc,
		GeofenceTimeout:   15 * time.Second,
		NotifyTimeout:     5 * time.Second,
	}
}

func (p Program) Validate() error {
	switch {
	case !p.Rate.IsPositive() || p.Rate.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("cashback rate must be in (0, 1], got %s", p.Rate)
	case !p.MinimumRedemption.IsPositive():
		return fmt.Errorf("minimum redemption must be positive, got %s", p.MinimumRedemption)
	case p.DuplicateWindow <= 0:
		return fmt.Errorf("duplicate window must be positive")
	case p.Location == nil:
		return fmt.Errorf("location is required")
	case p.GeofenceTimeout <= 0:
		return fmt.Errorf("geofence timeout must be positive")
	case p.NotifyTimeout <= 0:
		return fmt.Errorf("notify timeout must be positive")
	}
	return nil
}

// CashbackFor returns round(amount × rate, 2).
func (p Program) CashbackFor(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.Rate).Round(2)
}

// ExpiresAt applies the expiration policy to a purchase made at t.
func (p Program) ExpiresAt(t time.Time) time.Time {
	return ledger.EndOfMonthAfterNext(t, p.Location)
}

// validateAmount checks an amount entered by a person: positive with at
// most two decimal places.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ledger.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !amount.Equal(amount.Truncate(2)) {
		return &ledger.ValidationError{Field: "amount", Message: "must have at most two decimal places"}
	}
	return nil
}
