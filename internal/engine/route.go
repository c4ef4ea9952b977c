package engine

import (
	"github.com/cespare/xxhash/v2"

	"github.com/roach88/upsert/internal/ir"
)

// Route returns the worker that owns key among workers workers.
//
// Every command and every previous-output record for one key must reach the
// same worker, because the retract/insert logic depends on serialized
// per-key history. The function is a pure function of the key bytes.
func Route(key ir.UpsertKey, workers int) int {
	if workers <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key[:]) % uint64(workers))
}
