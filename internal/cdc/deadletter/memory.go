package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager implements Manager in memory.
type MemoryManager struct {
	mu   sync.Mutex
	rows []FailedRow
	now  func() time.Time
}

// NewMemoryManager creates an empty in-memory manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{now: time.Now}
}

// Write adds row, assigning an ID when it has none.
func (m *MemoryManager) Write(ctx context.Context, row FailedRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

// Read returns up to limit rows, oldest first.
func (m *MemoryManager) Read(ctx context.Context, limit int) ([]FailedRow, error) {
	return m.filter(limit, func(FailedRow) bool { return true }), nil
}

// ReadBySubscription returns up to limit rows of one subscription.
func (m *MemoryManager) ReadBySubscription(ctx context.Context, subscriptionID string, limit int) ([]FailedRow, error) {
	return m.filter(limit, func(r FailedRow) bool { return r.SubscriptionID == subscriptionID }), nil
}

func (m *MemoryManager) filter(limit int, keep func(FailedRow) bool) []FailedRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FailedRow
	for _, r := range m.rows {
		if limit > 0 && len(out) == limit {
			break
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Delete removes the row with the given id.
func (m *MemoryManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rows {
		if r.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("row not found: %s", id)
}

// Cleanup removes expired rows.
func (m *MemoryManager) Cleanup(ctx context.Context) (int64, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	var removed int64
	for _, r := range m.rows {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return removed, nil
}

// Count returns the number of stored rows.
func (m *MemoryManager) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)), nil
}

// Close is a no-op.
func (m *MemoryManager) Close() error {
	return nil
}

// Ensure MemoryManager implements Manager.
var _ Manager = (*MemoryManager)(nil)
