/*
Package gormstore implements ledger.Store and customers.Repository on gorm.

PURPOSE:
  Production persistence on PostgreSQL. The same code runs on SQLite
  through the gorm sqlite driver, which the tests use.

SCHEMA:
  Versioned goose migrations are embedded per dialect under migrations/
  and applied by Open.

CONCURRENCY:
  On Postgres, Append takes a transaction-scoped advisory lock keyed by
  the customer id before reading the balance, so concurrent redemptions
  for one customer serialize while other customers proceed in parallel.
  On SQLite the pool is limited to one connection.

SEE ALSO:
  - store/sqlite: database/sql implementation of the same contract
*/
package gormstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db     *gorm.DB
	driver string
}

// Open connects, applies pending migrations and returns the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.New(postgres.Config{
			DSN:                  cfg.DSN,
			PreferSimpleProtocol: true,
		})
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(
			log.New(io.Discard, "", log.LstdFlags),
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{db: conn, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	dialect, dir := "postgres", "migrations/postgres"
	if s.driver == DriverSQLite {
		dialect, dir = "sqlite3", "migrations/sqlite3"
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}


func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return ledger.Unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return ledger.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withTx executes fn inside a transaction, rolling back on error/panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return ledger.Unavailable("begin", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return ledger.Unavailable("commit", err)
	}
	return nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// timestampPrecision is what TIMESTAMPTZ keeps. Times are truncated before
// they are returned so an appended entry equals a later Get.
const timestampPrecision = time.Microsecond

func (s *Store) Append(ctx context.Context, n ledger.NewEntry) (ledger.Entry, error) {
	if err := n.Validate(); err != nil {
		return ledger.Entry{}, err
	}
	n.At = n.At.Truncate(timestampPrecision)
	if n.ExpiresAt != nil {
		expires := n.ExpiresAt.Truncate(timestampPrecision)
		n.ExpiresAt = &expires
	}

	var created ledger.Entry
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		if s.driver == DriverPostgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", string(n.CustomerID)).Error; err != nil {
				return ledger.Unavailable("lock customer", err)
			}
		}

		var rows []entryModel
		if err := tx.Where("customer_id = ?", string(n.CustomerID)).
			Order("created_at ASC, id ASC").
			Find(&rows).Error; err != nil {
			return ledger.Unavailable("load customer entries", err)
		}
		existing := make([]ledger.Entry, len(rows))
		for i, r := range rows {
			existing[i] = r.toEntry()
		}
		if err := ledger.CheckAppend(existing, n); err != nil {
			return err
		}

		e := n.Build()
		row := entryFromLedger(e)
		if err := tx.Create(&row).Error; err != nil {
			return ledger.Unavailable("insert entry", err)
		}
		created = e
		return nil
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	return created, nil
}

func (s *Store) UpdateStatus(ctx context.Context, u ledger.StatusUpdate) (ledger.Entry, error) {
	u.At = u.At.Truncate(timestampPrecision)
	var updated ledger.Entry
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		current, err := getEntry(tx, u.ID)
		if err != nil {
			return err
		}
		next, err := ledger.Transition(current, u)
		if err != nil {
			return err
		}

		res := tx.Model(&entryModel{}).
			Where("id = ? AND status = ?", string(u.ID), string(ledger.StatusPending)).
			Updates(map[string]any{
				"status":     string(next.Status),
				"decided_by": next.DecidedBy,
				"note":       next.Note,
				"updated_at": next.UpdatedAt,
			})
		if res.Error != nil {
			return ledger.Unavailable("update status", res.Error)
		}
		if res.RowsAffected != 1 {
			return &ledger.InvalidTransitionError{EntryID: u.ID, From: current.Status, To: u.To}
		}
		updated = next
		return nil
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	return updated, nil
}

func (s *Store) Get(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	return getEntry(s.db.WithContext(ctx), id)
}

func getEntry(db *gorm.DB, id ledger.EntryID) (ledger.Entry, error) {
	var rows []entryModel
	if err := db.Where("id = ?", string(id)).Limit(1).Find(&rows).Error; err != nil {
		return ledger.Entry{}, ledger.Unavailable("get entry", err)
	}
	if len(rows) == 0 {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return rows[0].toEntry(), nil
}

func (s *Store) Query(ctx context.Context, f ledger.Filter) iter.Seq2[ledger.Entry, error] {
	if err := f.Validate(); err != nil {
		return ledger.Fail(err)
	}

	return func(yield func(ledger.Entry, error) bool) {
		q := s.db.WithContext(ctx).Model(&entryModel{})
		if f.CustomerID != "" {
			q = q.Where("customer_id = ?", string(f.CustomerID))
		}
		if len(f.Kinds) > 0 {
			q = q.Where("kind IN ?", stringsOf(f.Kinds))
		}
		if len(f.Statuses) > 0 {
			q = q.Where("status IN ?", stringsOf(f.Statuses))
		}
		if !f.From.IsZero() {
			q = q.Where("created_at >= ?", f.From.UTC())
		}
		if !f.To.IsZero() {
			q = q.Where("created_at < ?", f.To.UTC())
		}
		if f.Order == ledger.OrderAsc {
			q = q.Order("created_at ASC, id ASC")
		} else {
			q = q.Order("created_at DESC, id DESC")
		}
		if f.Limit > 0 {
			q = q.Limit(f.Limit)
		}

		var rows []entryModel
		if err := q.Find(&rows).Error; err != nil {
			yield(ledger.Entry{}, ledger.Unavailable("query entries", err))
			return
		}
		for _, r := range rows {
			if !yield(r.toEntry(), nil) {
				return
			}
		}
	}
}

func (s *Store) QueryExpiringSoon(ctx context.Context, customerID ledger.CustomerID, now time.Time) (*ledger.Entry, error) {
	var rows []entryModel
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND kind = ? AND status = ? AND expires_at > ?",
			string(customerID), string(ledger.KindPurchase), string(ledger.StatusApproved), now.UTC()).
		Order("expires_at ASC, created_at ASC, id ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, ledger.Unavailable("query expiring", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	e := rows[0].toEntry()
	return &e, nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s *Store) CreateCustomer(ctx context.Context, c customers.Customer) error {
	row := customerFromDomain(c)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "email") {
				return customers.ErrEmailTaken
			}
			return customers.ErrPhoneTaken
		}
		return ledger.Unavailable("insert customer", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id ledger.CustomerID) (customers.Customer, error) {
	return s.findCustomer(ctx, "id = ?", string(id))
}

func (s *Store) GetCustomerByPhone(ctx context.Context, phone string) (customers.Customer, error) {
	return s.findCustomer(ctx, "phone = ?", phone)
}

func (s *Store) findCustomer(ctx context.Context, where string, arg any) (customers.Customer, error) {
	var rows []customerModel
	if err := s.db.WithContext(ctx).Where(where, arg).Limit(1).Find(&rows).Error; err != nil {
		return customers.Customer{}, ledger.Unavailable("get customer", err)
	}
	if len(rows) == 0 {
		return customers.Customer{}, customers.ErrNotFound
	}
	return rows[0].toDomain(), nil
}

func (s *Store) TouchLastLogin(ctx context.Context, id ledger.CustomerID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&customerModel{}).
		Where("id = ?", string(id)).
		Update("last_login_at", at.UTC())
	if res.Error != nil {
		return ledger.Unavailable("touch last login", res.Error)
	}
	if res.RowsAffected == 0 {
		return customers.ErrNotFound
	}
	return nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]customers.Customer, error) {
	var rows []customerModel
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, ledger.Unavailable("list customers", err)
	}
	out := make([]customers.Customer, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// isUniqueViolation recognizes Postgres 23505 and the SQLite message.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
