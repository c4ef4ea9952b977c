// Package engine implements the upsert operator: the stateful engine that
// turns keyed set/delete commands into a last-write-wins collection.
//
// ARCHITECTURE:
//
// Single-Writer Operator:
// Each Operator runs in one goroutine and drives its backend serially. The
// only suspension points are waiting for the next input event and waiting
// for a backend call. This ensures:
// - Deterministic per-key history
// - No concurrent backend access
// - Simple reasoning about retractions
//
// Lifecycle (one-way):
// 1. Rehydrating: read the previous output below resume_upper, consolidate
// it, check it is a valid collection, load it with one MultiPut
// 2. Steady: buffer commands; on each progress notification emit the
// completed prefix in (time, key) order, deduplicated by max order
// 3. Done: input closed, context cancelled, or a fatal RuntimeError
//
// Sharding:
// Cluster runs one Operator per worker and routes every command and
// previous record by a hash of its UpsertKey (Route), so each key is owned
// by exactly one worker. Workers share nothing.
//
// CRITICAL PATTERNS:
//
// Errors as values:
// Key decode, null key and value errors are ir.UpsertError values and go
// through the same retract/insert path as rows. Only backend failures and
// invariant violations are fatal (RuntimeError).
//
// Restart safety:
// There is no checkpoint beyond the input frontier. A restarted operator
// rehydrates from its previous output and drops commands below
// resume_upper until its input frontier passes resume_upper.
package engine
