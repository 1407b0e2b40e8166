package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and driver for SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// createdAtLayout is fixed width so text ordering equals time ordering.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

const createReceiptsTable = `
CREATE TABLE IF NOT EXISTS audit_receipts (
	receipt_id  TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL UNIQUE,
	user_id     TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	sql_text    TEXT NOT NULL,
	result_hash TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	created_at  TEXT NOT NULL
)`

const createReceiptsIndex = `CREATE INDEX IF NOT EXISTS audit_receipts_user_created ON audit_receipts (user_id, created_at)`

// SQLStore persists receipts in PostgreSQL or SQLite. The table has no
// update or delete path in this package.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens dsn with the dialect's driver and migrates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("audit: unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single writer avoids SQLITE_BUSY on concurrent appends.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the receipts table and index if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createReceiptsTable, createReceiptsIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

// placeholder returns the n-th (1-based) bind marker.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Insert implements Store.
func (s *SQLStore) Insert(ctx context.Context, r Receipt) error {
	marks := make([]string, 8)
	for i := range marks {
		marks[i] = s.placeholder(i + 1)
	}
	query := `INSERT INTO audit_receipts (receipt_id, workflow_id, user_id, prompt, sql_text, result_hash, event_type, created_at) VALUES (` +
		strings.Join(marks, ", ") + `)`

	_, err := s.db.ExecContext(ctx, query,
		r.ReceiptID, r.WorkflowID, r.UserID, r.Prompt, r.SQL, r.ResultHash,
		string(r.EventType), r.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateWorkflow
		}
		return fmt.Errorf("audit: insert receipt: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]Receipt, error) {
	var (
		where []string
		args  []any
	)
	if f.EventType != "" {
		args = append(args, string(f.EventType))
		where = append(where, "event_type = "+s.placeholder(len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, "user_id = "+s.placeholder(len(args)))
	}

	query := `SELECT receipt_id, workflow_id, user_id, prompt, sql_text, result_hash, event_type, created_at FROM audit_receipts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = MaxListLimit
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC, receipt_id DESC LIMIT " + s.placeholder(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Receipt
	for rows.Next() {
		var (
			r         Receipt
			eventType string
			createdAt string
		)
		if err := rows.Scan(&r.ReceiptID, &r.WorkflowID, &r.UserID, &r.Prompt, &r.SQL, &r.ResultHash, &eventType, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan receipt: %w", err)
		}
		r.EventType = EventType(eventType)
		if r.CreatedAt, err = time.Parse(createdAtLayout, createdAt); err != nil {
			return nil, fmt.Errorf("audit: parse created_at %q: %w", createdAt, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list receipts: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
