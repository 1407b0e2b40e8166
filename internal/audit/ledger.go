// Package audit records one immutable, content-hashed receipt per governed
// workflow and serves the RBAC-gated receipt listing.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/proofvault/internal/model"
)

// List limits.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Filter selects receipts from a Store. Limit is already clamped.
type Filter struct {
	EventType EventType
	UserID    string
	Limit     int
}

func (f Filter) match(r Receipt) bool {
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	return true
}

// Store persists receipts. Implementations are append-only: there is no
// update or delete, and Insert rejects a second receipt for a workflow
// with ErrDuplicateWorkflow. List returns newest first.
type Store interface {
	Insert(ctx context.Context, r Receipt) error
	List(ctx context.Context, f Filter) ([]Receipt, error)
	Close() error
}

// Ledger builds receipts and hands them to a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger wraps store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Append hashes the entry, assigns a receipt id and persists it.
func (l *Ledger) Append(ctx context.Context, e Entry) (Receipt, error) {
	if err := e.validate(); err != nil {
		return Receipt{}, err
	}
	hash, err := HashResult(e.Prompt, e.SQL, e.Result)
	if err != nil {
		return Receipt{}, err
	}
	now := l.now().UTC()
	r := Receipt{
		ReceiptID:  NewReceiptID(now),
		WorkflowID: e.WorkflowID,
		UserID:     e.UserID,
		Prompt:     e.Prompt,
		SQL:        e.SQL,
		ResultHash: hash,
		EventType:  e.EventType,
		CreatedAt:  now,
	}
	if err := l.store.Insert(ctx, r); err != nil {
		return Receipt{}, fmt.Errorf("audit: insert receipt: %w", err)
	}
	return r, nil
}

// Query is a caller's listing request.
type Query struct {
	EventType EventType
	UserID    string
	Limit     int
}

// ClampLimit applies the listing bounds: 0 means the default, anything else
// is clamped to [1, MaxListLimit].
func ClampLimit(n int) int {
	switch {
	case n == 0:
		return DefaultListLimit
	case n < 1:
		return 1
	case n > MaxListLimit:
		return MaxListLimit
	default:
		return n
	}
}

// Scope turns a caller's query into a store filter. Non-elevated callers
// are pinned to their own user id whatever they asked for.
func Scope(requester model.Session, q Query) Filter {
	f := Filter{EventType: q.EventType, UserID: q.UserID, Limit: ClampLimit(q.Limit)}
	if !requester.Role.Elevated() {
		f.UserID = requester.SubjectID
	}
	return f
}

// List returns receipts visible to requester, newest first.
func (l *Ledger) List(ctx context.Context, requester model.Session, q Query) ([]Receipt, error) {
	if err := requester.Validate(); err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return l.store.List(ctx, Scope(requester, q))
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
