package store

import (
	"context"

	"github.com/roach88/upsert/internal/ir"
)

// Memory is a process-local Backend with no persistence.
// Suited to state that is expected to fit in memory.
type Memory struct {
	state map[ir.UpsertKey]ir.UpsertValue
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{state: make(map[ir.UpsertKey]ir.UpsertValue)}
}

// MultiGet implements Backend.
func (m *Memory) MultiGet(ctx context.Context, keys []ir.UpsertKey) ([]Entry, error) {
	out := make([]Entry, len(keys))
	for i, k := range keys {
		if v, ok := m.state[k]; ok {
			out[i].Value = ir.Some(v)
		}
	}
	return out, nil
}

// MultiPut implements Backend.
func (m *Memory) MultiPut(ctx context.Context, puts []Put) error {
	for _, p := range puts {
		if p.Value == nil {
			delete(m.state, p.Key)
			continue
		}
		m.state[p.Key] = *p.Value
	}
	return nil
}

// Len returns the number of keys with a current value.
func (m *Memory) Len() int {
	return len(m.state)
}

// Close implements Backend.
func (m *Memory) Close() error {
	m.state = nil
	return nil
}
