package engine

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/roach88/upsert/internal/ir"
)

// Accumulate consolidates updates into the collection they describe:
// timestamps are discarded, diffs of equal values are summed, and values
// whose net diff is zero are dropped. The result is sorted by the canonical
// value encoding so equal collections compare equal element-wise.
func Accumulate(updates []Update) []Update {
	type slot struct {
		canon []byte
		value ir.UpsertValue
		diff  int64
	}

	slots := make(map[string]*slot, len(updates))
	for _, u := range updates {
		canon := ir.CanonicalValue(u.Value)
		s, ok := slots[string(canon)]
		if !ok {
			s = &slot{canon: canon, value: u.Value}
			slots[string(canon)] = s
		}
		s.diff += u.Diff
	}

	live := make([]*slot, 0, len(slots))
	for _, s := range slots {
		if s.diff != 0 {
			live = append(live, s)
		}
	}
	slices.SortFunc(live, func(a, b *slot) int {
		return bytes.Compare(a.canon, b.canon)
	})

	out := make([]Update, len(live))
	for i, s := range live {
		out[i] = Update{Value: s.value, Diff: s.diff}
	}
	return out
}

// keyedValue is one consolidated snapshot entry ready to load into a backend.
type keyedValue struct {
	key   ir.UpsertKey
	value ir.UpsertValue
}

// snapshotState consolidates a rehydration snapshot and checks that it is a
// valid upsert state: every surviving value has multiplicity exactly 1 and
// no key has more than one live value. The result is ordered by key.
func snapshotState(snapshot []Update, hasher *ir.Hasher, keyIndices []int) ([]keyedValue, error) {
	accumulated := Accumulate(snapshot)

	out := make([]keyedValue, 0, len(accumulated))
	for _, u := range accumulated {
		key := hasher.FromValue(u.Value, keyIndices)
		if u.Diff != 1 {
			return nil, NewInvalidStateError(key.String(),
				fmt.Sprintf("invalid upsert state: value %s has consolidated diff %d", u.Value, u.Diff))
		}
		out = append(out, keyedValue{key: key, value: u.Value})
	}

	slices.SortFunc(out, func(a, b keyedValue) int {
		return a.key.Compare(b.key)
	})
	for i := 1; i < len(out); i++ {
		if out[i].key == out[i-1].key {
			return nil, NewInvalidStateError(out[i].key.String(),
				"invalid upsert state: multiple live values for one key")
		}
	}
	return out, nil
}
