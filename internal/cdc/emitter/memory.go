package emitter

import (
	"context"
	"sync"

	"github.com/janovincze/tsbridge/internal/cdc"
)

func init() {
	Register("memory", func(cfg Config) (Emitter, error) {
		return &Memory{}, nil
	})
}

// Memory keeps emitted records in order. Used by tests and dry runs.
type Memory struct {
	// EmitErr, when set, fails every Emit.
	EmitErr error

	// FailOn, when set, is consulted for every record; a non-nil result
	// fails that Emit.
	FailOn func(rec cdc.OutputRecord) error

	mu      sync.Mutex
	records []cdc.OutputRecord
	calls   int
	closed  bool
}

// Emit records rec.
func (m *Memory) Emit(ctx context.Context, rec cdc.OutputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.EmitErr != nil {
		return m.EmitErr
	}
	if m.FailOn != nil {
		if err := m.FailOn(rec); err != nil {
			return err
		}
	}
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of the accepted records.
func (m *Memory) Records() []cdc.OutputRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cdc.OutputRecord(nil), m.records...)
}

// Calls returns how many times Emit was called.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset clears all recorded records.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.calls = 0
}

// Close marks the emitter closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
