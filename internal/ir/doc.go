// Package ir provides the data model shared by every other package: typed
// datums, rows, data-level upsert errors, and the content-addressed
// UpsertKey codec.
//
// This package contains value types and pure functions only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float datums - the canonical encoding must be exact
//   - UpsertKey hashing is SHA-256 over the canonical encoding with domain
//     separation; FromKey and FromValue must agree for the same logical key
//   - Errors are values (UpsertValue.Err), not Go errors returned to callers
package ir
