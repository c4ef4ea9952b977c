package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/upsert/internal/ir"
	"github.com/roach88/upsert/internal/store"
)

// Phase is the operator's lifecycle state. Transitions are one-way:
// PhaseRehydrating -> PhaseSteady -> PhaseDone.
type Phase int

const (
	// PhaseRehydrating loads state from the previous output collection.
	PhaseRehydrating Phase = iota
	// PhaseSteady processes commands batch by batch.
	PhaseSteady
	// PhaseDone means Run has returned.
	PhaseDone
)

// String returns the phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseRehydrating:
		return "rehydrating"
	case PhaseSteady:
		return "steady"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Operator is the stateful upsert engine for one worker.
//
// It turns a stream of keyed set/delete commands into a last-write-wins
// collection, emitting minimal retract/insert diffs. On start it rebuilds
// its state from its own previous output instead of replaying history.
//
// Thread-safety model:
//   - Run must be called from exactly one goroutine, at most once
//   - the backend is driven serially; no call overlaps another
//
// INVARIANTS:
//   - the backend holds at most one value per key
//   - for every key, the net multiplicity of emitted values is 0 or 1
//   - output for a timestamp is emitted before progress past it
type Operator struct {
	backend     store.Backend
	keyIndices  []int
	resumeUpper Frontier

	workerID      int
	logger        *slog.Logger
	metrics       *store.WorkerMetrics
	previousToken func()

	hasher *ir.Hasher
	stash  *commandStash
	phase  Phase
}

// Option allows configuration of operator parameters.
type Option func(*Operator)

// WithLogger sets the operator's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Operator) {
		o.logger = l
	}
}

// WithWorkerID tags logs with the worker id. Default: 0.
func WithWorkerID(id int) Option {
	return func(o *Operator) {
		o.workerID = id
	}
}

// WithMetrics records rehydration latency and size.
// Backend call timing is recorded by wrapping the backend (store.Instrument).
func WithMetrics(m *store.WorkerMetrics) Option {
	return func(o *Operator) {
		o.metrics = m
	}
}

// WithPreviousToken registers a function called once the operator no longer
// needs the previous-output stream. The previous-output reader uses it to
// finish and close its stream.
func WithPreviousToken(release func()) Option {
	return func(o *Operator) {
		o.previousToken = release
	}
}

// NewOperator creates an operator over backend.
//
// keyIndices are the positions of the key columns within a value row; they
// are sorted on a copy. resumeUpper is the frontier below which the previous
// output is already durable: previous records at or beyond it are discarded
// and commands below it are dropped as already incorporated.
//
// The operator owns backend and closes it when Run returns.
func NewOperator(backend store.Backend, keyIndices []int, resumeUpper Frontier, opts ...Option) *Operator {
	o := &Operator{
		backend:     backend,
		keyIndices:  ir.SortedIndices(keyIndices),
		resumeUpper: resumeUpper,
		logger:      slog.Default(),
		hasher:      ir.NewHasher(),
		stash:       newCommandStash(),
		phase:       PhaseRehydrating,
	}

	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("worker", o.workerID)

	return o
}

// Phase returns the current lifecycle phase. Only meaningful from the Run
// goroutine or after Run has returned.
func (o *Operator) Phase() Phase {
	return o.phase
}

// Run rehydrates from previous, then processes input until input is closed
// or ctx is cancelled.
//
// previous carries the prior run's output; it may be nil when there is no
// prior output. After rehydration the operator keeps draining previous until
// it is closed, so the reader must close it once the previous token is
// released. Output data and progress are sent on out.
//
// Returns nil when input is closed, ctx.Err() on cancellation, and a
// *RuntimeError on any fatal condition (backend failure, invalid previous
// state, invalid input). The backend is closed before Run returns.
func (o *Operator) Run(ctx context.Context, previous <-chan Event[Update], input <-chan Event[Command], out chan<- Event[Update]) (err error) {
	defer func() {
		o.phase = PhaseDone
		if closeErr := o.backend.Close(); closeErr != nil {
			o.logger.Error("error closing state backend", "error", closeErr)
		}
		if err != nil && ctx.Err() == nil {
			o.logger.Error("upsert operator failed", "error", err)
		}
	}()

	if err := o.rehydrate(ctx, previous); err != nil {
		return err
	}

	o.phase = PhaseSteady
	return o.steady(ctx, input, out)
}

// rehydrate loads the previous output, below resumeUpper, into the backend.
func (o *Operator) rehydrate(ctx context.Context, previous <-chan Event[Update]) error {
	snapshot, err := o.readSnapshot(ctx, previous)
	if err != nil {
		return err
	}

	if o.previousToken != nil {
		o.previousToken()
	}
	if err := drain(ctx, previous); err != nil {
		return err
	}

	state, err := snapshotState(snapshot, o.hasher, o.keyIndices)
	if err != nil {
		return err
	}

	puts := make([]store.Put, len(state))
	for i, kv := range state {
		puts[i] = store.Put{Key: kv.key, Value: ir.Some(kv.value)}
	}

	// Load even an empty snapshot so every run goes through the same path.
	start := time.Now()
	if err := o.backend.MultiPut(ctx, puts); err != nil {
		return NewBackendError("rehydration multi_put", err)
	}
	elapsed := time.Since(start)

	if o.metrics != nil {
		o.metrics.RehydrationSeconds.Set(elapsed.Seconds())
		o.metrics.RehydrationRecords.Set(float64(len(puts)))
	}
	o.logger.Info("upsert state rehydrated",
		"records", len(puts), "resume_upper", o.resumeUpper.String(), "duration", elapsed)
	return nil
}

// readSnapshot collects previous-output updates not beyond resumeUpper
// until the previous stream's frontier reaches resumeUpper.
func (o *Operator) readSnapshot(ctx context.Context, previous <-chan Event[Update]) ([]Update, error) {
	if previous == nil {
		return nil, nil
	}

	var snapshot []Update
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev, ok := <-previous:
			if !ok {
				return snapshot, nil
			}
			if ev.IsProgress() {
				if o.resumeUpper.LessEqual(*ev.Progress) {
					return snapshot, nil
				}
				continue
			}
			for _, u := range ev.Data {
				// Records at or beyond resumeUpper are not yet committed
				// history; they will be recomputed.
				if !o.resumeUpper.LessEqualTime(u.Time) {
					snapshot = append(snapshot, u)
				}
			}
		}
	}
}

// drain discards the remainder of a stream until it is closed.
func drain[T any](ctx context.Context, ch <-chan Event[T]) error {
	if ch == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
		}
	}
}

// steady processes command batches and progress notifications.
func (o *Operator) steady(ctx context.Context, input <-chan Event[Command], out chan<- Event[Update]) error {
	inputUpper := MinFrontier()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-input:
			if !ok {
				o.logger.Debug("upsert input closed", "buffered", o.stash.Len())
				return nil
			}

			if !ev.IsProgress() {
				if err := o.accept(ev.Data, inputUpper); err != nil {
					return err
				}
				continue
			}

			upper := *ev.Progress
			if err := o.emitBefore(ctx, upper, out); err != nil {
				return err
			}
			inputUpper = upper
		}
	}
}

// accept validates and buffers one command batch.
func (o *Operator) accept(cmds []Command, inputUpper Frontier) error {
	// Until the input itself has moved past resumeUpper, commands below
	// resumeUpper are already reflected in the rehydrated state.
	filter := inputUpper.LessEqual(o.resumeUpper)

	for _, c := range cmds {
		if c.Diff <= 0 {
			return NewInvalidInputError(c.Key.String(), c.Diff)
		}
		if filter && !o.resumeUpper.LessEqualTime(c.Time) {
			continue
		}
		o.stash.Add(c)
	}
	return nil
}

// emitBefore processes every buffered command with a timestamp below upper,
// emits the resulting diffs, and then advances the output frontier to upper.
func (o *Operator) emitBefore(ctx context.Context, upper Frontier, out chan<- Event[Update]) error {
	prefix := dedupLatest(o.stash.DrainBefore(upper))

	updates, err := o.apply(ctx, prefix)
	if err != nil {
		return err
	}

	if len(updates) > 0 {
		if err := send(ctx, out, DataEvent(updates...)); err != nil {
			return err
		}
	}
	return send(ctx, out, ProgressEvent[Update](upper))
}

// apply runs one deduplicated, stash-ordered prefix against the backend.
//
// Per-key state is threaded through a scratch map seeded by one MultiGet,
// so a key updated at several timestamps within one prefix retracts the
// value set at the earlier timestamp, not the stale backend value. Every
// intermediate retraction/insertion is emitted. The final scratch values are
// written back with one MultiPut.
func (o *Operator) apply(ctx context.Context, prefix []stashed) ([]Update, error) {
	if len(prefix) == 0 {
		return nil, nil
	}

	// Distinct keys in first-appearance order.
	index := make(map[ir.UpsertKey]int)
	var keys []ir.UpsertKey
	for _, c := range prefix {
		if _, ok := index[c.key]; !ok {
			index[c.key] = len(keys)
			keys = append(keys, c.key)
		}
	}

	entries, err := o.backend.MultiGet(ctx, keys)
	if err != nil {
		return nil, NewBackendError("multi_get", err)
	}
	if len(entries) != len(keys) {
		return nil, NewBackendError("multi_get",
			fmt.Errorf("returned %d entries for %d keys", len(entries), len(keys)))
	}

	scratch := make([]*ir.UpsertValue, len(keys))
	for i, e := range entries {
		scratch[i] = e.Value
	}

	var updates []Update
	for _, c := range prefix {
		i := index[c.key]
		if old := scratch[i]; old != nil {
			updates = append(updates, Update{Value: *old, Time: c.time, Diff: -1})
		}
		if c.value != nil {
			updates = append(updates, Update{Value: *c.value, Time: c.time, Diff: 1})
		}
		scratch[i] = c.value
	}

	puts := make([]store.Put, len(keys))
	for i, k := range keys {
		puts[i] = store.Put{Key: k, Value: scratch[i]}
	}
	if err := o.backend.MultiPut(ctx, puts); err != nil {
		return nil, NewBackendError("multi_put", err)
	}

	o.logger.Debug("upsert batch applied",
		"commands", len(prefix), "keys", len(keys), "updates", len(updates))
	return updates, nil
}

// send delivers one event unless ctx is cancelled first.
func send[T any](ctx context.Context, out chan<- Event[T], ev Event[T]) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- ev:
		return nil
	}
}
