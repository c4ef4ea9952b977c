package store

import (
	"context"

	"github.com/roach88/upsert/internal/ir"
)

// Backend is a key -> optional value store driven serially by one operator.
//
// Implementations must have identical observable semantics: an operator run
// against any Backend produces the same output. Any returned error is fatal
// to the caller; there is no partial-failure tolerance.
//
// Thread-safety: a Backend is owned by exactly one operator and is never
// called concurrently.
type Backend interface {
	// MultiGet returns one entry per key, in input order. Entry.Value is nil
	// when the key has no current value. Callers guarantee keys are distinct.
	MultiGet(ctx context.Context, keys []ir.UpsertKey) ([]Entry, error)

	// MultiPut applies all puts. A nil Value deletes the key; a non-nil
	// Value overwrites it.
	MultiPut(ctx context.Context, puts []Put) error

	// Close releases resources. The backend must not be used afterwards.
	Close() error
}

// Entry is the result of looking up one key.
type Entry struct {
	Value *ir.UpsertValue
}

// Put is one key update. A nil Value deletes the key.
type Put struct {
	Key   ir.UpsertKey
	Value *ir.UpsertValue
}
