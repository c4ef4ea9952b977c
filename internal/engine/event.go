package engine

import (
	"fmt"

	"github.com/roach88/upsert/internal/ir"
)

// Event is one item on an operator input or output stream: either a batch
// of data or a progress notification advancing the stream's frontier.
//
// After a progress notification for frontier F, no data with a timestamp
// not beyond F (t < F) may follow on the same stream.
type Event[T any] struct {
	Data     []T
	Progress *Frontier
}

// DataEvent builds a data batch event.
func DataEvent[T any](data ...T) Event[T] {
	return Event[T]{Data: data}
}

// ProgressEvent builds a progress notification.
func ProgressEvent[T any](upper Frontier) Event[T] {
	return Event[T]{Progress: &upper}
}

// IsProgress reports whether the event is a progress notification.
func (e Event[T]) IsProgress() bool {
	return e.Progress != nil
}

// Command is one decoded upsert command. A nil Value deletes the key.
//
// Order breaks ties among commands sharing (Time, Key): the command with the
// greatest Order wins. Diff must be positive; commands are never retracted.
type Command struct {
	Time  Timestamp
	Key   ir.UpsertKey
	Order int64
	Value *ir.UpsertValue
	Diff  int64
}

// Set builds a command assigning value to key at time t.
func Set(t Timestamp, key ir.UpsertKey, order int64, value ir.UpsertValue) Command {
	return Command{Time: t, Key: key, Order: order, Value: ir.Some(value), Diff: 1}
}

// Delete builds a command deleting key at time t.
func Delete(t Timestamp, key ir.UpsertKey, order int64) Command {
	return Command{Time: t, Key: key, Order: order, Diff: 1}
}

// Update is one change to the output collection: Value's multiplicity
// changes by Diff at Time. The previous-output reader supplies Updates in the
// same shape for rehydration.
type Update struct {
	Value ir.UpsertValue
	Time  Timestamp
	Diff  int64
}

// String renders "value @time diff", e.g. (1, "a") @5 +1.
func (u Update) String() string {
	return fmt.Sprintf("%s @%d %+d", u.Value, u.Time, u.Diff)
}
