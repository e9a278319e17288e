package customers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eliteacai/cashback-engine/auth"
	"github.com/eliteacai/cashback-engine/ledger"
	"github.com/eliteacai/cashback-engine/logger"
	"github.com/eliteacai/cashback-engine/notify"
)

// Registration is the input to Register.
type Registration struct {
	Name        string
	Phone       string
	Email       string
	Password    string
	DateOfBirth *time.Time
}

type Service struct {
	repo     Repository
	notifier notify.Sender
	params   auth.ArgonParams
	log      *logger.Logger
	clock    func() time.Time
}

type ServiceParams struct {
	Repository Repository
	Notifier   notify.Sender
	Argon      auth.ArgonParams
	Logger     *logger.Logger
	Clock      func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Repository == nil {
		return nil, fmt.Errorf("customers: repository is required")
	}
	if p.Notifier == nil {
		p.Notifier = notify.Nop{}
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.Argon == (auth.ArgonParams{}) {
		p.Argon = auth.DefaultArgonParams()
	}
	return &Service{
		repo:     p.Repository,
		notifier: p.Notifier,
		params:   p.Argon,
		log:      p.Logger,
		clock:    p.Clock,
	}, nil
}

// Register creates a customer and sends the welcome notification once the
// customer is stored.
func (s *Service) Register(ctx context.Context, r Registration) (Customer, error) {
	phone := NormalizePhone(r.Phone)
	email := NormalizeEmail(r.Email)
	switch {
	case len(phone) < 10 || len(phone) > 15:
		return Customer{}, &ledger.ValidationError{Field: "phone", Message: "must have 10 to 15 digits"}
	case email == "" || !strings.Contains(email, "@"):
		return Customer{}, &ledger.ValidationError{Field: "email", Message: "is invalid"}
	case len(r.Password) < 6:
		return Customer{}, &ledger.ValidationError{Field: "password", Message: "must have at least 6 characters"}
	}

	hash, err := auth.HashPassword(r.Password, s.params)
	if err != nil {
		return Customer{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Customer{}, fmt.Errorf("customer id: %w", err)
	}

	c := Customer{
		ID:           ledger.CustomerID(id.String()),
		Name:         strings.TrimSpace(r.Name),
		Phone:        phone,
		Email:        email,
		PasswordHash: hash,
		DateOfBirth:  r.DateOfBirth,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.repo.CreateCustomer(ctx, c); err != nil {
		if !errors.Is(err, ErrPhoneTaken) && !errors.Is(err, ErrEmailTaken) {
			s.log.Error(ctx, "create customer failed", err)
		}
		return Customer{}, err
	}

	ctx = s.log.WithCustomerID(ctx, string(c.ID))
	s.log.Info(ctx, "customer registered")
	if err := s.notifier.Notify(ctx, notify.Message{CustomerID: c.ID, Event: notify.EventWelcome, Name: c.Name}); err != nil {
		s.log.Error(ctx, "welcome notification failed", err)
	}
	return c, nil
}

// Authenticate checks phone and password and stamps the login time.
func (s *Service) Authenticate(ctx context.Context, phone, password string) (Customer, error) {
	c, err := s.repo.GetCustomerByPhone(ctx, NormalizePhone(phone))
	if errors.Is(err, ErrNotFound) {
		return Customer{}, ErrAuthentication
	}
	if err != nil {
		return Customer{}, err
	}

	ok, err := auth.VerifyPassword(password, c.PasswordHash)
	if err != nil {
		return Customer{}, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return Customer{}, ErrAuthentication
	}

	now := s.clock().UTC()
	if err := s.repo.TouchLastLogin(ctx, c.ID, now); err != nil {
		s.log.Error(s.log.WithCustomerID(ctx, string(c.ID)), "stamp last login failed", err)
	} else {
		c.LastLoginAt = &now
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id ledger.CustomerID) (Customer, error) {
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Customer, error) {
	return s.repo.ListCustomers(ctx)
}

// Exists reports whether id belongs to a registered customer.
func (s *Service) Exists(ctx context.Context, id ledger.CustomerID) (bool, error) {
	_, err := s.repo.GetCustomer(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PhoneOf implements notify.PhoneDirectory.
func (s *Service) PhoneOf(ctx context.Context, id ledger.CustomerID) (string, error) {
	c, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Phone, nil
}
