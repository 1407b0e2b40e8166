package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps receipts in process. It backs tests and the `query`
// command when no durable store is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	receipts  []Receipt
	workflows map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]bool)}
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workflows[r.WorkflowID] {
		return ErrDuplicateWorkflow
	}
	m.workflows[r.WorkflowID] = true
	m.receipts = append(m.receipts, r)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectNewest(m.receipts, f), nil
}

// Len returns the number of stored receipts.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.receipts)
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// selectNewest filters receipts and returns at most f.Limit, newest first.
func selectNewest(all []Receipt, f Filter) []Receipt {
	var out []Receipt
	for _, r := range all {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ReceiptID > out[j].ReceiptID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
