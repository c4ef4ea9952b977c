package engine

import "strconv"

// Timestamp is a totally ordered logical time.
// The operator relies on the total order: "most recent value per key" is
// only well defined when any two timestamps are comparable.
type Timestamp uint64

// Frontier is a lower bound on the timestamps that may still appear.
//
// Over a total order a frontier is either a single timestamp or empty. The
// empty frontier is the maximum: it means no further data will ever arrive.
// The zero Frontier is the minimum frontier (timestamp 0).
type Frontier struct {
	time  Timestamp
	empty bool
}

// MinFrontier returns the frontier at timestamp 0.
func MinFrontier() Frontier {
	return Frontier{}
}

// At returns the frontier at t.
func At(t Timestamp) Frontier {
	return Frontier{time: t}
}

// EmptyFrontier returns the empty (terminal) frontier.
func EmptyFrontier() Frontier {
	return Frontier{empty: true}
}

// IsEmpty reports whether f is the terminal frontier.
func (f Frontier) IsEmpty() bool {
	return f.empty
}

// Time returns the frontier's timestamp, or false when f is empty.
func (f Frontier) Time() (Timestamp, bool) {
	if f.empty {
		return 0, false
	}
	return f.time, true
}

// LessEqualTime reports whether t is at or beyond f, i.e. whether data at t
// may still arrive. A timestamp for which this is false is complete.
func (f Frontier) LessEqualTime(t Timestamp) bool {
	return !f.empty && f.time <= t
}

// LessEqual reports whether f is at or before g.
func (f Frontier) LessEqual(g Frontier) bool {
	if g.empty {
		return true
	}
	if f.empty {
		return false
	}
	return f.time <= g.time
}

// Meet returns the earlier of two frontiers.
func (f Frontier) Meet(g Frontier) Frontier {
	if f.LessEqual(g) {
		return f
	}
	return g
}

// String renders "[t]" or "[]" for the empty frontier.
func (f Frontier) String() string {
	if f.empty {
		return "[]"
	}
	return "[" + strconv.FormatUint(uint64(f.time), 10) + "]"
}
