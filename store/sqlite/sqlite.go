/*
Package sqlite provides a SQLite-backed implementation of ledger.Store and
customers.Repository.

PURPOSE:
  Embedded single-file persistence for development and small deployments.
  The Postgres implementation in store/gormstore follows the same
  contract.

KEY TABLES:
  ledger_entries: Purchase accruals and redemptions
  customers:      Registered customers (phone and email unique)

INDEXES:
  - idx_ledger_entries_customer_created: Balance computation (hot path)
  - idx_ledger_entries_status_created:   Admin pending queue

CONCURRENCY:
  Append runs the balance check and the insert inside one IMMEDIATE
  transaction, which takes the database write lock up front. Within a
  process s.mu serializes writers as well; across processes SQLite's lock
  plus _busy_timeout does.

TIMESTAMPS:
  Stored as fixed-width UTC text (nanosecond precision) so lexicographic
  comparison in SQL matches chronological order.

USAGE:
  store, err := sqlite.New("./data/cashback.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store and customers.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return ledger.Unavailable("ping", err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('purchase', 'redemption')),
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		amount TEXT NOT NULL,
		cashback_amount TEXT NOT NULL,
		expires_at TEXT,
		latitude REAL,
		longitude REAL,
		receipt_ref TEXT,
		created_by TEXT,
		decided_by TEXT,
		note TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((kind = 'purchase') = (expires_at IS NOT NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_customer_created
		ON ledger_entries(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_status_created
		ON ledger_entries(status, created_at);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT,
		phone TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		date_of_birth TEXT,
		created_at TEXT NOT NULL,
		last_login_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const entryColumns = `id, customer_id, kind, status, amount, cashback_amount, expires_at,
	latitude, longitude, receipt_ref, created_by, decided_by, note, created_at, updated_at`

// Append checks the balance and inserts the entry in one write transaction.
func (s *Store) Append(ctx context.Context, n ledger.NewEntry) (ledger.Entry, error) {
	if err := n.Validate(); err != nil {
		return ledger.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, ledger.Unavailable("begin append", err)
	}
	defer sqlTx.Rollback()

	existing, err := queryEntries(ctx, sqlTx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE customer_id = ? ORDER BY created_at ASC, id ASC`,
		n.CustomerID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := ledger.CheckAppend(existing, n); err != nil {
		return ledger.Entry{}, err
	}

	e := n.Build()
	if err := insertEntry(ctx, sqlTx, e); err != nil {
		return ledger.Entry{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.Entry{}, ledger.Unavailable("commit append", err)
	}
	return e, nil
}

func insertEntry(ctx context.Context, db execer, e ledger.Entry) error {
	var lat, lng sql.NullFloat64
	if e.Location != nil {
		lat = sql.NullFloat64{Float64: e.Location.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: e.Location.Longitude, Valid: true}
	}

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.CustomerID,
		e.Kind,
		e.Status,
		e.Amount.StringFixed(2),
		e.CashbackAmount.StringFixed(2),
		nullTime(e.ExpiresAt),
		lat,
		lng,
		nullString(e.ReceiptRef),
		nullString(e.CreatedBy),
		nullString(e.DecidedBy),
		nullString(e.Note),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		return ledger.Unavailable("insert entry", err)
	}
	return nil
}

// UpdateStatus applies a Pending -> terminal transition.
func (s *Store) UpdateStatus(ctx context.Context, u ledger.StatusUpdate) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, ledger.Unavailable("begin update", err)
	}
	defer sqlTx.Rollback()

	current, err := getEntry(ctx, sqlTx, u.ID)
	if err != nil {
		return ledger.Entry{}, err
	}
	updated, err := ledger.Transition(current, u)
	if err != nil {
		return ledger.Entry{}, err
	}

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = ?, decided_by = ?, note = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, updated.Status, nullString(updated.DecidedBy), nullString(updated.Note),
		formatTime(updated.UpdatedAt), updated.ID, ledger.StatusPending)
	if err != nil {
		return ledger.Entry{}, ledger.Unavailable("update status", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ledger.Entry{}, &ledger.InvalidTransitionError{EntryID: u.ID, From: current.Status, To: u.To}
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.Entry{}, ledger.Unavailable("commit update", err)
	}
	return updated, nil
}

func (s *Store) Get(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func getEntry(ctx context.Context, db querier, id ledger.EntryID) (ledger.Entry, error) {
	entries, err := queryEntries(ctx, db, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	if err != nil {
		return ledger.Entry{}, err
	}
	if len(entries) == 0 {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return entries[0], nil
}

// Query runs when the sequence is ranged over. Rows are read fully before
// yielding so callers may use the store inside the loop.
func (s *Store) Query(ctx context.Context, f ledger.Filter) iter.Seq2[ledger.Entry, error] {
	if err := f.Validate(); err != nil {
		return ledger.Fail(err)
	}
	query, args := buildQuery(f)

	return func(yield func(ledger.Entry, error) bool) {
		s.mu.RLock()
		entries, err := queryEntries(ctx, s.db, query, args...)
		s.mu.RUnlock()
		if err != nil {
			yield(ledger.Entry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func buildQuery(f ledger.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.To))
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Order == ledger.OrderAsc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

func (s *Store) QueryExpiringSoon(ctx context.Context, customerID ledger.CustomerID, now time.Time) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := queryEntries(ctx, s.db, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE customer_id = ? AND kind = ? AND status = ? AND expires_at > ?
		ORDER BY expires_at ASC, created_at ASC, id ASC
		LIMIT 1
	`, customerID, ledger.KindPurchase, ledger.StatusApproved, formatTime(now))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Unavailable("query entries", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("query entries", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e              ledger.Entry
		amount         string
		cashbackAmount string
		expiresAt      sql.NullString
		lat, lng       sql.NullFloat64
		receiptRef     sql.NullString
		createdBy      sql.NullString
		decidedBy      sql.NullString
		note           sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := rows.Scan(
		&e.ID, &e.CustomerID, &e.Kind, &e.Status, &amount, &cashbackAmount, &expiresAt,
		&lat, &lng, &receiptRef, &createdBy, &decidedBy, &note, &createdAt, &updatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s: bad amount %q: %w", e.ID, amount, err)
	}
	if e.CashbackAmount, err = decimal.NewFromString(cashbackAmount); err != nil {
		return e, fmt.Errorf("entry %s: bad cashback amount %q: %w", e.ID, cashbackAmount, err)
	}
	if e.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return e, err
	}
	if lat.Valid && lng.Valid {
		e.Location = &ledger.GeoPoint{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	e.ReceiptRef = receiptRef.String
	e.CreatedBy = createdBy.String
	e.DecidedBy = decidedBy.String
	e.Note = note.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, err
	}
	return e, nil
}

// =============================================================================
// CUSTOMERS (customers.Repository interface)
// =============================================================================

const customerColumns = `id, name, phone, email, password_hash, date_of_birth, created_at, last_login_at`

func (s *Store) CreateCustomer(ctx context.Context, c customers.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, nullString(c.Name), c.Phone, c.Email, c.PasswordHash,
		nullTime(c.DateOfBirth), formatTime(c.CreatedAt), nullTime(c.LastLoginAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "customers.email") {
				return customers.ErrEmailTaken
			}
			return customers.ErrPhoneTaken
		}
		return ledger.Unavailable("insert customer", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id ledger.CustomerID) (customers.Customer, error) {
	return s.getCustomer(ctx, "id = ?", id)
}

func (s *Store) GetCustomerByPhone(ctx context.Context, phone string) (customers.Customer, error) {
	return s.getCustomer(ctx, "phone = ?", phone)
}

func (s *Store) getCustomer(ctx context.Context, where string, arg any) (customers.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers WHERE `+where, arg)
	if err != nil {
		return customers.Customer{}, err
	}
	if len(list) == 0 {
		return customers.Customer{}, customers.ErrNotFound
	}
	return list[0], nil
}

func (s *Store) TouchLastLogin(ctx context.Context, id ledger.CustomerID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE customers SET last_login_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return ledger.Unavailable("touch last login", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return customers.ErrNotFound
	}
	return nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]customers.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY created_at ASC, id ASC`)
}

func (s *Store) queryCustomers(ctx context.Context, query string, args ...any) ([]customers.Customer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Unavailable("query customers", err)
	}
	defer rows.Close()

	var list []customers.Customer
	for rows.Next() {
		var (
			c         customers.Customer
			name      sql.NullString
			dob       sql.NullString
			createdAt string
			lastLogin sql.NullString
		)
		if err := rows.Scan(&c.ID, &name, &c.Phone, &c.Email, &c.PasswordHash, &dob, &createdAt, &lastLogin); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		c.Name = name.String
		if c.DateOfBirth, err = parseNullTime(dob); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.LastLoginAt, err = parseNullTime(lastLogin); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("query customers", err)
	}
	return list, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
