/*
Package customers handles customer registration and authentication.

PURPOSE:
  Customers log in with their phone number. Phone and email are each
  unique across all customers. Passwords are stored as argon2id hashes;
  the plain password never leaves Register/Authenticate.

SEE ALSO:
  - auth/password.go: Hashing and verification
  - ledger/store/memory.go, store/sqlite, store/gormstore: Repository implementations
*/
package customers

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/eliteacai/cashback-engine/ledger"
)

var (
	ErrPhoneTaken     = errors.New("phone already registered")
	ErrEmailTaken     = errors.New("email already registered")
	ErrNotFound       = errors.New("customer not found")
	ErrAuthentication = errors.New("invalid phone or password")
)

// Customer is a registered loyalty program member.
type Customer struct {
	ID           ledger.CustomerID
	Name         string
	Phone        string // digits only
	Email        string // lowercased
	PasswordHash string
	DateOfBirth  *time.Time
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// Repository persists customers. Create returns ErrPhoneTaken or
// ErrEmailTaken when a uniqueness constraint is violated.
type Repository interface {
	CreateCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id ledger.CustomerID) (Customer, error)
	GetCustomerByPhone(ctx context.Context, phone string) (Customer, error)
	TouchLastLogin(ctx context.Context, id ledger.CustomerID, at time.Time) error
	ListCustomers(ctx context.Context) ([]Customer, error)
}

// NormalizePhone strips everything but digits.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
