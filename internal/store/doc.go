// Package store provides the state backends of the upsert operator.
//
// A Backend maps UpsertKeys to an optional current value with batched
// MultiGet/MultiPut. Two implementations have identical observable
// semantics:
//   - Memory: a process-local map
//   - Disk: an embedded SQLite database rooted at a per-source, per-worker
//     scratch path, for state that may exceed memory
//
// Neither backend is a source of truth across restarts. After a restart the
// operator rebuilds state from its previous output, so Disk discards any
// database left behind by an earlier run.
//
// # Database Configuration
//
//   - WAL mode
//   - synchronous=OFF: the file is scratch space, not a log
//   - temp_store=MEMORY
//
// Values are stored msgpack-encoded (see ir.MarshalValue); keys are the raw
// 32-byte UpsertKey.
//
// Instrumented wraps any Backend with Prometheus collectors; it never
// changes results.
package store
