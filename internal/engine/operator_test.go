package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/upsert/internal/ir"
	"github.com/roach88/upsert/internal/store"
	"github.com/roach88/upsert/internal/testutil"
)

func assertUpdates(t *testing.T, want, got []Update) {
	t.Helper()
	require.Len(t, got, len(want), "got %v", got)
	for i := range want {
		assert.Equal(t, want[i].Time, got[i].Time, "update %d time", i)
		assert.Equal(t, want[i].Diff, got[i].Diff, "update %d diff", i)
		assert.True(t, want[i].Value.Equal(got[i].Value), "update %d: want %s, got %s", i, want[i].Value, got[i].Value)
	}
}

func TestOperator_HighestOrderWinsWithinTimestamp(t *testing.T) {
	r := startOperator(t, store.NewMemory(), MinFrontier())
	k := keyOf(1)

	r.send(
		Set(5, k, 1, rowOf(1, "a")),
		Set(5, k, 2, rowOf(1, "b")),
	)
	assertUpdates(t, []Update{{Value: rowOf(1, "b"), Time: 5, Diff: 1}}, r.advance(6))
	require.NoError(t, r.finish())
}

func TestOperator_TieOnOrderKeepsFirstArrival(t *testing.T) {
	r := startOperator(t, store.NewMemory(), MinFrontier())
	k := keyOf(1)

	r.send(Set(5, k, 7, rowOf(1, "first")))
	r.send(Set(5, k, 7, rowOf(1, "second")))
	assertUpdates(t, []Update{{Value: rowOf(1, "first"), Time: 5, Diff: 1}}, r.advance(6))
	require.NoError(t, r.finish())
}

func TestOperator_DeleteAfterRehydration(t *testing.T) {
	r := startOperator(t, store.NewMemory(), At(10),
		DataEvent(Update{Value: rowOf(1, "a"), Time: 3, Diff: 1}),
		ProgressEvent[Update](At(10)),
	)

	r.send(Delete(10, keyOf(1), 1))
	assertUpdates(t, []Update{{Value: rowOf(1, "a"), Time: 10, Diff: -1}}, r.advance(11))
	require.NoError(t, r.finish())
}

func TestOperator_DeleteAbsentKeyEmitsNothing(t *testing.T) {
	r := startOperator(t, store.NewMemory(), MinFrontier())

	r.send(Delete(4, keyOf(9), 1))
	assert.Empty(t, r.advance(5))
	require.NoError(t, r.finish())
}

func TestOperator_ReplaceRetractsThenInserts(t *testing.T) {
	r := startOperator(t, store.NewMemory(), MinFrontier())
	k := keyOf(1)

	r.send(Set(1, k, 1, rowOf(1, "a")))
	assertUpdates(t, []Update{{Value: rowOf(1, "a"), Time: 1, Diff: 1}}, r.advance(2))

	r.send(Set(2, k, 2, rowOf(1, "b")))
	assertUpdates(t, []Update{
		{Value: rowOf(1, "a"), Time: 2, Diff: -1},
		{Value: rowOf(1, "b"), Time: 2, Diff: 1},
	}, r.advance(3))
	require.NoError(t, r.finish())
}

func TestOperator_SeveralTimestampsInOneBatch(t *testing.T) {
	r := startOperator(t, store.NewMemory(), MinFrontier())
	k := keyOf(1)

	r.send(
		Delete(8, k, 3),
		Set(7, k, 2, rowOf(1, "b")),
		Set(5, k, 1, rowOf(1, "a")),
	)
	assertUpdates(t, []Update{
		{Value: rowOf(1, "a"), Time: 5, Diff: 1},
		{Value: rowOf(1, "a"), Time: 7, Diff: -1},
		{Value: rowOf(1, "b"), Time: 7, Diff: 1},
		{Value: rowOf(1, "b"), Time: 8, Diff: -1},
	}, r.advance(10))
	require.NoError(t, r.finish())
}

func TestOperator_LaterTimestampsStayBuffered(t *testing.T) {
	r := startOperator(t, store.NewMemory(), MinFrontier())
	k := keyOf(1)

	r.send(
		Set(5, k, 1, rowOf(1, "a")),
		Set(8, k, 2, rowOf(1, "b")),
	)
	assertUpdates(t, []Update{{Value: rowOf(1, "a"), Time: 5, Diff: 1}}, r.advance(6))
	assert.Empty(t, r.advance(8), "t=8 is not complete at [8]")
	assertUpdates(t, []Update{
		{Value: rowOf(1, "a"), Time: 8, Diff: -1},
		{Value: rowOf(1, "b"), Time: 8, Diff: 1},
	}, r.advance(9))
	require.NoError(t, r.finish())
}

func TestOperator_DropsCommandsBelowResumeUpper(t *testing.T) {
	r := startOperator(t, store.NewMemory(), At(10),
		DataEvent(Update{Value: rowOf(1, "a"), Time: 2, Diff: 1}),
		ProgressEvent[Update](At(10)),
	)
	k := keyOf(1)

	// Replayed history below the resume frontier is already in the state.
	r.send(
		Set(2, k, 1, rowOf(1, "a")),
		Set(6, k, 1, rowOf(1, "stale")),
	)
	assert.Empty(t, r.advance(10))

	r.send(Set(10, k, 1, rowOf(1, "b")))
	assertUpdates(t, []Update{
		{Value: rowOf(1, "a"), Time: 10, Diff: -1},
		{Value: rowOf(1, "b"), Time: 10, Diff: 1},
	}, r.advance(11))
	require.NoError(t, r.finish())
}

func TestOperator_IgnoresPreviousOutputBeyondResumeUpper(t *testing.T) {
	r := startOperator(t, store.NewMemory(), At(10),
		DataEvent(
			Update{Value: rowOf(1, "a"), Time: 4, Diff: 1},
			Update{Value: rowOf(2, "uncommitted"), Time: 12, Diff: 1},
		),
		ProgressEvent[Update](At(13)),
	)

	r.send(Delete(10, keyOf(1), 1), Delete(10, keyOf(2), 1))
	assertUpdates(t, []Update{{Value: rowOf(1, "a"), Time: 10, Diff: -1}}, r.advance(11))
	require.NoError(t, r.finish())
}

func TestOperator_RehydrationConsolidates(t *testing.T) {
	r := startOperator(t, store.NewMemory(), At(10),
		DataEvent(
			Update{Value: rowOf(1, "a"), Time: 1, Diff: 1},
			Update{Value: rowOf(1, "a"), Time: 2, Diff: -1},
		),
		DataEvent(Update{Value: rowOf(1, "a"), Time: 3, Diff: 1}),
		ProgressEvent[Update](At(10)),
	)

	r.send(Set(10, keyOf(1), 1, rowOf(1, "b")))
	assertUpdates(t, []Update{
		{Value: rowOf(1, "a"), Time: 10, Diff: -1},
		{Value: rowOf(1, "b"), Time: 10, Diff: 1},
	}, r.advance(11))
	require.NoError(t, r.finish())
}

func TestOperator_InvalidPreviousState(t *testing.T) {
	tests := []struct {
		name     string
		previous []Update
	}{
		{"duplicate value", []Update{{Value: rowOf(1, "a"), Time: 1, Diff: 2}}},
		{"negative value", []Update{{Value: rowOf(1, "a"), Time: 1, Diff: -1}}},
		{"two values for one key", []Update{
			{Value: rowOf(1, "a"), Time: 1, Diff: 1},
			{Value: rowOf(1, "b"), Time: 2, Diff: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := startOperator(t, store.NewMemory(), At(10),
				DataEvent(tt.previous...),
				ProgressEvent[Update](At(10)),
			)
			err := r.failure()
			require.Error(t, err)
			assert.True(t, IsInvalidState(err), "got %v", err)
		})
	}
}

func TestOperator_NonPositiveDiffIsFatal(t *testing.T) {
	r := startOperator(t, store.NewMemory(), MinFrontier())

	testutil.Send(t, r.input, DataEvent(Command{Time: 1, Key: keyOf(1), Order: 1, Value: ir.Some(rowOf(1, "a")), Diff: 0}))
	err := r.failure()
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err), "got %v", err)
}

func TestOperator_ErrorValuesAreStored(t *testing.T) {
	r := startOperator(t, store.NewMemory(), MinFrontier())

	// A value error for key (1) shares the key of the row (1, ...).
	bad := ir.Fail(ir.ValueError("column 1: not a string", ir.NewRow(ir.Int(1))))
	k := ir.FromKey(bad)
	require.Equal(t, keyOf(1), k)

	r.send(Set(5, k, 1, bad))
	assertUpdates(t, []Update{{Value: bad, Time: 5, Diff: 1}}, r.advance(6))

	r.send(Set(6, k, 2, rowOf(1, "fixed")))
	assertUpdates(t, []Update{
		{Value: bad, Time: 6, Diff: -1},
		{Value: rowOf(1, "fixed"), Time: 6, Diff: 1},
	}, r.advance(7))

	undecodable := ir.Fail(ir.KeyDecodeError([]byte{0xff, 0x00}))
	dk := ir.FromKey(undecodable)
	r.send(Set(7, dk, 3, undecodable))
	assertUpdates(t, []Update{{Value: undecodable, Time: 7, Diff: 1}}, r.advance(8))

	r.send(Delete(8, dk, 4))
	assertUpdates(t, []Update{{Value: undecodable, Time: 8, Diff: -1}}, r.advance(9))
	require.NoError(t, r.finish())
}

func TestOperator_PreviousToken(t *testing.T) {
	previous := make(chan Event[Update])
	released := make(chan struct{})
	op := NewOperator(store.NewMemory(), []int{0}, At(10),
		WithPreviousToken(func() { close(released) }))
	assert.Equal(t, PhaseRehydrating, op.Phase())

	r := start(t, op.Run, previous)

	testutil.Send(t, previous,
		DataEvent(Update{Value: rowOf(1, "a"), Time: 3, Diff: 1}),
		ProgressEvent[Update](At(10)),
	)
	testutil.Wait(t, released)

	// The reader may keep producing until it sees the release.
	testutil.Send(t, previous, DataEvent(Update{Value: rowOf(2, "late"), Time: 11, Diff: 1}))
	close(previous)

	r.send(Delete(10, keyOf(1), 1), Delete(10, keyOf(2), 2))
	assertUpdates(t, []Update{{Value: rowOf(1, "a"), Time: 10, Diff: -1}}, r.advance(11))
	require.NoError(t, r.finish())
	assert.Equal(t, PhaseDone, op.Phase())
}

func TestOperator_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := NewOperator(store.NewMemory(), []int{0}, MinFrontier())

	errc := make(chan error, 1)
	go func() {
		errc <- op.Run(ctx, nil, make(chan Event[Command]), make(chan Event[Update]))
	}()
	cancel()

	err := testutil.Wait(t, errc)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseDone, op.Phase())
}

// flakyBackend fails selected calls.
type flakyBackend struct {
	*store.Memory
	failGet bool
	failPut bool
	closed  bool
}

var errFlaky = errors.New("backend unavailable")

func (f *flakyBackend) MultiGet(ctx context.Context, keys []ir.UpsertKey) ([]store.Entry, error) {
	if f.failGet {
		return nil, errFlaky
	}
	return f.Memory.MultiGet(ctx, keys)
}

func (f *flakyBackend) MultiPut(ctx context.Context, puts []store.Put) error {
	if f.failPut {
		return errFlaky
	}
	return f.Memory.MultiPut(ctx, puts)
}

func (f *flakyBackend) Close() error {
	f.closed = true
	return nil
}

func TestOperator_BackendFailure(t *testing.T) {
	t.Run("multi_get", func(t *testing.T) {
		b := &flakyBackend{Memory: store.NewMemory(), failGet: true}
		r := startOperator(t, b, MinFrontier())

		r.send(Set(1, keyOf(1), 1, rowOf(1, "a")))
		testutil.Send(t, r.input, ProgressEvent[Command](At(2)))

		err := r.failure()
		assert.True(t, IsBackendError(err), "got %v", err)
		assert.ErrorIs(t, err, errFlaky)
		assert.True(t, b.closed, "backend closed on failure")
	})

	t.Run("rehydration multi_put", func(t *testing.T) {
		b := &flakyBackend{Memory: store.NewMemory(), failPut: true}
		r := startOperator(t, b, MinFrontier())

		err := r.failure()
		assert.True(t, IsBackendError(err), "got %v", err)
		assert.Contains(t, err.Error(), "rehydration")
	})
}

func TestOperator_RehydrationMetrics(t *testing.T) {
	wm := store.NewMetrics(prometheus.NewRegistry()).Worker(0)
	op := NewOperator(store.NewMemory(), []int{0}, At(5), WithMetrics(wm))

	r := start(t, op.Run, preloaded([]Event[Update]{
		DataEvent(
			Update{Value: rowOf(1, "a"), Time: 1, Diff: 1},
			Update{Value: rowOf(2, "b"), Time: 2, Diff: 1},
		),
		ProgressEvent[Update](At(5)),
	}))
	require.NoError(t, r.finish())

	assert.Equal(t, 2.0, promtest.ToFloat64(wm.RehydrationRecords))
}

// randomInput generates batches of commands over a small key space,
// interleaved with progress, ending with the empty frontier.
func randomInput(rng *rand.Rand, batches int) []Event[Command] {
	var events []Event[Command]
	var order int64
	frontier := Timestamp(0)
	for i := 0; i < batches; i++ {
		n := 1 + rng.IntN(6)
		cmds := make([]Command, 0, n)
		for j := 0; j < n; j++ {
			order++
			key := int64(rng.IntN(5))
			t := frontier + Timestamp(rng.IntN(4))
			if rng.IntN(10) < 3 {
				cmds = append(cmds, Delete(t, keyOf(key), order))
			} else {
				cmds = append(cmds, Set(t, keyOf(key), order, rowOf(key, string(rune('a'+rng.IntN(26))))))
			}
		}
		events = append(events, DataEvent(cmds...))
		if rng.IntN(2) == 0 {
			frontier += Timestamp(1 + rng.IntN(2))
			events = append(events, ProgressEvent[Command](At(frontier)))
		}
	}
	return append(events, ProgressEvent[Command](EmptyFrontier()))
}

// lastWriteWins computes the final collection directly from the commands.
func lastWriteWins(events []Event[Command]) []Update {
	type latest struct {
		time  Timestamp
		order int64
		value *ir.UpsertValue
	}
	winners := make(map[ir.UpsertKey]latest)
	for _, ev := range events {
		for _, c := range ev.Data {
			w, ok := winners[c.Key]
			if !ok || c.Time > w.time || (c.Time == w.time && c.Order > w.order) {
				winners[c.Key] = latest{time: c.Time, order: c.Order, value: c.Value}
			}
		}
	}
	var out []Update
	for _, w := range winners {
		if w.value != nil {
			out = append(out, Update{Value: *w.value, Diff: 1})
		}
	}
	return Accumulate(out)
}

func TestOperator_MatchesLastWriteWins(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		input := randomInput(rng, 40)

		op := NewOperator(store.NewMemory(), []int{0}, MinFrontier())
		updates := updatesOf(t, runAll(t, op.Run, nil, input))

		// Every key holds at most one value at every point of the output.
		h := ir.NewHasher()
		live := make(map[ir.UpsertKey]int64)
		for _, u := range updates {
			k := h.FromValue(u.Value, []int{0})
			live[k] += u.Diff
			require.Contains(t, []int64{0, 1}, live[k], "seed %d: key %s", seed, k)
		}

		assertUpdates(t, lastWriteWins(input), Accumulate(updates))
	}
}

func TestOperator_DiskMatchesMemory(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	input := randomInput(rng, 60)

	mem := NewOperator(store.NewMemory(), []int{0}, MinFrontier())
	want := updatesOf(t, runAll(t, mem.Run, nil, input))

	disk, err := store.OpenDisk(t.TempDir())
	require.NoError(t, err)
	op := NewOperator(disk, []int{0}, MinFrontier())
	got := updatesOf(t, runAll(t, op.Run, nil, input))

	assertUpdates(t, want, got)
}

func TestOperator_RehydrationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 11))
	input := randomInput(rng, 50)

	// Split after a progress event in the middle of the input.
	split := -1
	for i := len(input) / 2; i < len(input)-1; i++ {
		if input[i].IsProgress() {
			split = i
			break
		}
	}
	require.NotEqual(t, -1, split)
	resume := *input[split].Progress
	resumeTime, _ := resume.Time()

	full := NewOperator(store.NewMemory(), []int{0}, MinFrontier())
	want := updatesOf(t, runAll(t, full.Run, nil, input))

	first := NewOperator(store.NewMemory(), []int{0}, MinFrontier())
	firstOut := runAll(t, first.Run, nil, input[:split+1])

	// The restarted operator sees the whole input again.
	second := NewOperator(store.NewMemory(), []int{0}, resume)
	secondOut := runAll(t, second.Run, firstOut, input)

	var wantBefore, wantAfter []Update
	for _, u := range want {
		if u.Time < resumeTime {
			wantBefore = append(wantBefore, u)
		} else {
			wantAfter = append(wantAfter, u)
		}
	}
	assertUpdates(t, wantBefore, updatesOf(t, firstOut))
	assertUpdates(t, wantAfter, updatesOf(t, secondOut))
}
