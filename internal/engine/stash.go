package engine

import (
	"github.com/google/btree"

	"github.com/roach88/upsert/internal/ir"
)

// stashed is one buffered command awaiting its timestamp's completion.
type stashed struct {
	time  Timestamp
	key   ir.UpsertKey
	order int64
	seq   uint64 // arrival order; keeps exact duplicates distinct
	value *ir.UpsertValue
}

// stashLess orders by (time, key, order descending, arrival). Within a
// (time, key) group the first command is the one with the greatest order.
func stashLess(a, b stashed) bool {
	if a.time != b.time {
		return a.time < b.time
	}
	if c := a.key.Compare(b.key); c != 0 {
		return c < 0
	}
	if a.order != b.order {
		return a.order > b.order
	}
	return a.seq < b.seq
}

// commandStash buffers commands in emit order until a progress notification
// completes their timestamps.
type commandStash struct {
	tree *btree.BTreeG[stashed]
	seq  uint64
}

func newCommandStash() *commandStash {
	return &commandStash{tree: btree.NewG(32, stashLess)}
}

// Add buffers one command.
func (s *commandStash) Add(c Command) {
	s.seq++
	s.tree.ReplaceOrInsert(stashed{
		time:  c.Time,
		key:   c.Key,
		order: c.Order,
		seq:   s.seq,
		value: c.Value,
	})
}

// Len returns the number of buffered commands.
func (s *commandStash) Len() int {
	return s.tree.Len()
}

// DrainBefore removes and returns, in stash order, every command whose
// timestamp is complete at upper (t < upper). Later commands stay buffered.
func (s *commandStash) DrainBefore(upper Frontier) []stashed {
	var out []stashed
	for {
		item, ok := s.tree.Min()
		if !ok || upper.LessEqualTime(item.time) {
			return out
		}
		s.tree.DeleteMin()
		out = append(out, item)
	}
}

// dedupLatest keeps only the first command of every (time, key) group of a
// stash-ordered prefix: the command with the greatest order. The input
// slice is reused.
func dedupLatest(prefix []stashed) []stashed {
	out := prefix[:0]
	for _, c := range prefix {
		if n := len(out); n > 0 && out[n-1].time == c.time && out[n-1].key == c.key {
			continue
		}
		out = append(out, c)
	}
	return out
}
