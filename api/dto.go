/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger and customer types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings with two places ("5.00"). Requests accept a
  JSON string or number.

VALIDATION:
  Request structs carry validator/v10 tags, checked by decodeJSON. Business
  rules (minimum redemption, decimal places) stay in the workflow.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
)

// =============================================================================
// AUTH
// =============================================================================

type RegisterRequest struct {
	Name        string `json:"name" validate:"max=120"`
	Phone       string `json:"phone" validate:"required,min=10,max=20"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=6,max=128"`
	DateOfBirth string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
}

type LoginRequest struct {
	Phone    string `json:"phone" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AdminLoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Role      string       `json:"role"`
	Customer  *CustomerDTO `json:"customer,omitempty"`
}

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerDTO struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Phone       string     `json:"phone"`
	Email       string     `json:"email"`
	DateOfBirth string     `json:"date_of_birth,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func toCustomerDTO(c customers.Customer) CustomerDTO {
	dto := CustomerDTO{
		ID:          string(c.ID),
		Name:        c.Name,
		Phone:       c.Phone,
		Email:       c.Email,
		CreatedAt:   c.CreatedAt,
		LastLoginAt: c.LastLoginAt,
	}
	if c.DateOfBirth != nil {
		dto.DateOfBirth = c.DateOfBirth.Format("2006-01-02")
	}
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

type SubmitPurchaseRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Latitude   *float64        `json:"latitude" validate:"required,min=-90,max=90"`
	Longitude  *float64        `json:"longitude" validate:"required,min=-180,max=180"`
	ReceiptRef string          `json:"receipt_ref" validate:"max=120"`
}

type RedeemRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type AdminPurchaseRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	ReceiptRef string          `json:"receipt_ref" validate:"max=120"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type EntryDTO struct {
	ID             string           `json:"id"`
	CustomerID     string           `json:"customer_id"`
	Kind           string           `json:"kind"`
	Status         string           `json:"status"`
	Amount         string           `json:"amount"`
	CashbackAmount string           `json:"cashback_amount"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	Location       *ledger.GeoPoint `json:"location,omitempty"`
	ReceiptRef     string           `json:"receipt_ref,omitempty"`
	CreatedBy      string           `json:"created_by,omitempty"`
	DecidedBy      string           `json:"decided_by,omitempty"`
	Note           string           `json:"note,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		CustomerID:     string(e.CustomerID),
		Kind:           string(e.Kind),
		Status:         string(e.Status),
		Amount:         e.Amount.StringFixed(2),
		CashbackAmount: e.CashbackAmount.StringFixed(2),
		ExpiresAt:      e.ExpiresAt,
		Location:       e.Location,
		ReceiptRef:     e.ReceiptRef,
		CreatedBy:      e.CreatedBy,
		DecidedBy:      e.DecidedBy,
		Note:           e.Note,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

type BalanceDTO struct {
	CustomerID      string       `json:"customer_id"`
	AsOf            time.Time    `json:"as_of"`
	Available       string       `json:"available"`
	TotalAccrued    string       `json:"total_accrued"`
	TotalRedeemed   string       `json:"total_redeemed"`
	TotalExpired    string       `json:"total_expired"`
	PendingCashback string       `json:"pending_cashback"`
	NextExpiring    *ExpiringDTO `json:"next_expiring"`
}

type ExpiringDTO struct {
	EntryID   string    `json:"entry_id"`
	Amount    string    `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toBalanceDTO(id ledger.CustomerID, b ledger.Balance) BalanceDTO {
	dto := BalanceDTO{
		CustomerID:      string(id),
		AsOf:            b.AsOf,
		Available:       b.Available.StringFixed(2),
		TotalAccrued:    b.TotalAccrued.StringFixed(2),
		TotalRedeemed:   b.TotalRedeemed.StringFixed(2),
		TotalExpired:    b.TotalExpired.StringFixed(2),
		PendingCashback: b.PendingCashback.StringFixed(2),
	}
	if b.NextExpiring != nil {
		dto.NextExpiring = &ExpiringDTO{
			EntryID:   string(b.NextExpiring.EntryID),
			Amount:    b.NextExpiring.Amount.StringFixed(2),
			ExpiresAt: b.NextExpiring.ExpiresAt,
		}
	}
	return dto
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioResult lists the demo logins a scenario created.
type ScenarioResult struct {
	Scenario  string         `json:"scenario"`
	Customers []DemoLoginDTO `json:"customers"`
}

type DemoLoginDTO struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Password   string `json:"password"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}
