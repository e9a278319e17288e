package gormstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
)

type entryModel struct {
	ID             string          `gorm:"column:id;primaryKey"`
	CustomerID     string          `gorm:"column:customer_id;not null"`
	Kind           string          `gorm:"column:kind;not null"`
	Status         string          `gorm:"column:status;not null"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(14,2);not null"`
	CashbackAmount decimal.Decimal `gorm:"column:cashback_amount;type:numeric(14,2);not null"`
	ExpiresAt      *time.Time      `gorm:"column:expires_at"`
	Latitude       *float64        `gorm:"column:latitude"`
	Longitude      *float64        `gorm:"column:longitude"`
	ReceiptRef     string          `gorm:"column:receipt_ref;not null;default:''"`
	CreatedBy      string          `gorm:"column:created_by;not null;default:''"`
	DecidedBy      string          `gorm:"column:decided_by;not null;default:''"`
	Note           string          `gorm:"column:note;not null;default:''"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (entryModel) TableName() string { return "ledger_entries" }

func entryFromLedger(e ledger.Entry) entryModel {
	m := entryModel{
		ID:             string(e.ID),
		CustomerID:     string(e.CustomerID),
		Kind:           string(e.Kind),
		Status:         string(e.Status),
		Amount:         e.Amount,
		CashbackAmount: e.CashbackAmount,
		ReceiptRef:     e.ReceiptRef,
		CreatedBy:      e.CreatedBy,
		DecidedBy:      e.DecidedBy,
		Note:           e.Note,
		CreatedAt:      e.CreatedAt.UTC(),
		UpdatedAt:      e.UpdatedAt.UTC(),
	}
	if e.ExpiresAt != nil {
		t := e.ExpiresAt.UTC()
		m.ExpiresAt = &t
	}
	if e.Location != nil {
		lat, lng := e.Location.Latitude, e.Location.Longitude
		m.Latitude, m.Longitude = &lat, &lng
	}
	return m
}

func (m entryModel) toEntry() ledger.Entry {
	e := ledger.Entry{
		ID:             ledger.EntryID(m.ID),
		CustomerID:     ledger.CustomerID(m.CustomerID),
		Kind:           ledger.Kind(m.Kind),
		Status:         ledger.Status(m.Status),
		Amount:         m.Amount,
		CashbackAmount: m.CashbackAmount,
		ReceiptRef:     m.ReceiptRef,
		CreatedBy:      m.CreatedBy,
		DecidedBy:      m.DecidedBy,
		Note:           m.Note,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
	if m.ExpiresAt != nil {
		t := m.ExpiresAt.UTC()
		e.ExpiresAt = &t
	}
	if m.Latitude != nil && m.Longitude != nil {
		e.Location = &ledger.GeoPoint{Latitude: *m.Latitude, Longitude: *m.Longitude}
	}
	return e
}

type customerModel struct {
	ID           string     `gorm:"column:id;primaryKey"`
	Name         string     `gorm:"column:name;not null;default:''"`
	Phone        string     `gorm:"column:phone;not null;uniqueIndex"`
	Email        string     `gorm:"column:email;not null;uniqueIndex"`
	PasswordHash string     `gorm:"column:password_hash;not null"`
	DateOfBirth  *time.Time `gorm:"column:date_of_birth;type:date"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime:false"`
	LastLoginAt  *time.Time `gorm:"column:last_login_at"`
}

func (customerModel) TableName() string { return "customers" }

func customerFromDomain(c customers.Customer) customerModel {
	m := customerModel{
		ID:           string(c.ID),
		Name:         c.Name,
		Phone:        c.Phone,
		Email:        c.Email,
		PasswordHash: c.PasswordHash,
		CreatedAt:    c.CreatedAt.UTC(),
	}
	if c.DateOfBirth != nil {
		t := c.DateOfBirth.UTC()
		m.DateOfBirth = &t
	}
	if c.LastLoginAt != nil {
		t := c.LastLoginAt.UTC()
		m.LastLoginAt = &t
	}
	return m
}

func (m customerModel) toDomain() customers.Customer {
	c := customers.Customer{
		ID:           ledger.CustomerID(m.ID),
		Name:         m.Name,
		Phone:        m.Phone,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt.UTC(),
	}
	if m.DateOfBirth != nil {
		t := m.DateOfBirth.UTC()
		c.DateOfBirth = &t
	}
	if m.LastLoginAt != nil {
		t := m.LastLoginAt.UTC()
		c.LastLoginAt = &t
	}
	return c
}
