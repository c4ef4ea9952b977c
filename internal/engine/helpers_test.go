package engine

import (
	"bytes"
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/upsert/internal/ir"
	"github.com/roach88/upsert/internal/store"
	"github.com/roach88/upsert/internal/testutil"
)

// keyOf returns the UpsertKey of the single-column key row (n).
func keyOf(n int64) ir.UpsertKey {
	return ir.FromKey(ir.Ok(ir.NewRow(ir.Int(n))))
}

// rowOf returns the value row (n, s), keyed by column 0.
func rowOf(n int64, s string) ir.UpsertValue {
	return ir.Ok(ir.NewRow(ir.Int(n), ir.String(s)))
}

// runFunc matches Operator.Run and Cluster.Run.
type runFunc func(context.Context, <-chan Event[Update], <-chan Event[Command], chan<- Event[Update]) error

// running is an operator driven step by step from a test.
type running struct {
	t     *testing.T
	input chan Event[Command]
	out   chan Event[Update]
	errc  chan error
}

// start runs run in the background reading previous output from previous.
func start(t *testing.T, run runFunc, previous <-chan Event[Update]) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := &running{
		t:     t,
		input: make(chan Event[Command]),
		out:   make(chan Event[Update], 16),
		errc:  make(chan error, 1),
	}
	go func() {
		err := run(ctx, previous, r.input, r.out)
		close(r.out)
		r.errc <- err
	}()
	return r
}

// startOperator runs a single operator over backend, keyed by column 0,
// with previous preloaded and closed.
func startOperator(t *testing.T, backend store.Backend, resume Frontier, previous ...Event[Update]) *running {
	t.Helper()
	op := NewOperator(backend, []int{0}, resume)
	return start(t, op.Run, preloaded(previous))
}

// send delivers commands as one data batch.
func (r *running) send(cmds ...Command) {
	r.t.Helper()
	testutil.Send(r.t, r.input, DataEvent(cmds...))
}

// advance sends progress to upper and returns the data emitted before the
// matching output progress.
func (r *running) advance(upper Timestamp) []Update {
	r.t.Helper()
	testutil.Send(r.t, r.input, ProgressEvent[Command](At(upper)))
	events := testutil.ReceiveUntil(r.t, r.out, func(ev Event[Update]) bool {
		return ev.IsProgress()
	})
	last := events[len(events)-1]
	require.Equal(r.t, At(upper), *last.Progress)

	var updates []Update
	for _, ev := range events[:len(events)-1] {
		updates = append(updates, ev.Data...)
	}
	return updates
}

// finish closes the input and returns Run's result.
func (r *running) finish() error {
	r.t.Helper()
	close(r.input)
	testutil.ReceiveAll(r.t, r.out)
	return testutil.Wait(r.t, r.errc)
}

// failure waits for Run to fail on its own.
func (r *running) failure() error {
	r.t.Helper()
	testutil.ReceiveAll(r.t, r.out)
	return testutil.Wait(r.t, r.errc)
}

// preloaded returns a closed channel holding events.
func preloaded(events []Event[Update]) <-chan Event[Update] {
	ch := make(chan Event[Update], len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// runAll feeds input to run and collects every output event until run
// returns.
func runAll(t *testing.T, run runFunc, previous []Event[Update], input []Event[Command]) []Event[Update] {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Event[Command])
	out := make(chan Event[Update])
	errc := make(chan error, 1)

	go func() {
		defer close(in)
		for _, ev := range input {
			select {
			case in <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		err := run(ctx, preloaded(previous), in, out)
		close(out)
		errc <- err
	}()

	events := testutil.ReceiveAll(t, out)
	require.NoError(t, testutil.Wait(t, errc))
	return events
}

// updatesOf flattens the data of events, checking that no update is
// emitted for a timestamp already closed by progress.
func updatesOf(t *testing.T, events []Event[Update]) []Update {
	t.Helper()
	frontier := MinFrontier()
	var out []Update
	for _, ev := range events {
		if ev.IsProgress() {
			require.True(t, frontier.LessEqual(*ev.Progress), "progress regressed from %s to %s", frontier, *ev.Progress)
			frontier = *ev.Progress
			continue
		}
		for _, u := range ev.Data {
			require.True(t, frontier.LessEqualTime(u.Time), "update %s emitted after progress %s", u, frontier)
			out = append(out, u)
		}
	}
	return out
}

// sortUpdates orders updates by (time, canonical value, diff) so outputs of
// differently scheduled runs can be compared.
func sortUpdates(updates []Update) []Update {
	sorted := slices.Clone(updates)
	slices.SortFunc(sorted, func(a, b Update) int {
		if a.Time != b.Time {
			if a.Time < b.Time {
				return -1
			}
			return 1
		}
		if c := bytes.Compare(ir.CanonicalValue(a.Value), ir.CanonicalValue(b.Value)); c != 0 {
			return c
		}
		return int(a.Diff - b.Diff)
	})
	return sorted
}
