package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/upsert/internal/engine"
	"github.com/roach88/upsert/internal/store"
	"github.com/roach88/upsert/internal/testutil"
)

// Options select how a scenario is executed.
type Options struct {
	// Disk keeps worker state in SQLite under ScratchDir.
	Disk       bool
	ScratchDir string

	// SourceID scopes disk state under ScratchDir. Defaults to the
	// scenario name.
	SourceID string

	// Workers overrides the scenario's worker count when positive.
	Workers int

	// Metrics, when set, instruments every worker's backend.
	Metrics *store.Metrics

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// The scenario is driven through an engine.Cluster one step at a time: a
// progress step is not followed by the next step until the matching output
// progress has been observed, so the output windows are deterministic for
// every backend and worker count.
//
// Returns an error only if the scenario cannot be set up. A fatal operator
// error is reported in Result.Err and checked against the expectation.
func Run(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	}
	workers := scenario.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	if workers == 0 {
		workers = 1
	}
	sourceID := opts.SourceID
	if sourceID == "" {
		sourceID = scenario.Name
	}

	events, err := scenario.compile(testutil.NewOrderClock())
	if err != nil {
		return nil, fmt.Errorf("compile scenario %s: %w", scenario.Name, err)
	}

	cluster, err := engine.NewCluster(engine.ClusterConfig{
		Workers:     workers,
		KeyIndices:  scenario.KeyIndices,
		ResumeUpper: engine.At(engine.Timestamp(scenario.ResumeUpper)),
		OpenBackend: func(worker int) (store.Backend, error) {
			return store.Open(store.Options{
				Disk:       opts.Disk,
				ScratchDir: opts.ScratchDir,
				SourceID:   sourceID,
				WorkerID:   worker,
				Metrics:    opts.Metrics,
				Logger:     logger,
			})
		},
		Metrics: opts.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	result := NewResult(scenario.Name)
	windows, runErr := drive(ctx, cluster, events)
	result.Windows = windows
	result.Err = runErr

	previous, err := rehydratedState(scenario)
	if err != nil {
		return nil, err
	}
	result.Collection = engine.Accumulate(append(previous, result.Output()...))
	sortUpdates(result.Collection)

	if scenario.Expect != nil {
		if err := checkExpectation(result, scenario.Expect); err != nil {
			return nil, err
		}
	}

	logger.Info("scenario finished",
		"scenario", scenario.Name, "workers", workers, "disk", opts.Disk,
		"windows", len(result.Windows), "pass", result.Pass)
	return result, nil
}

// drive feeds the compiled events to the cluster and collects output
// windows until the input is exhausted or the cluster stops.
func drive(ctx context.Context, cluster *engine.Cluster, events *compiled) ([]Window, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	previous := make(chan engine.Event[engine.Update], len(events.previous))
	for _, ev := range events.previous {
		previous <- ev
	}
	close(previous)

	input := make(chan engine.Event[engine.Command])
	out := make(chan engine.Event[engine.Update])
	errc := make(chan error, 1)
	go func() {
		err := cluster.Run(ctx, previous, input, out)
		close(out)
		errc <- err
	}()

	var windows []Window
	var pending []engine.Update

	// receive handles one output event. Returns false once out is closed.
	receive := func(ev engine.Event[engine.Update], ok bool) bool {
		if !ok {
			return false
		}
		if !ev.IsProgress() {
			pending = append(pending, ev.Data...)
			return true
		}
		sortUpdates(pending)
		windows = append(windows, Window{Upper: *ev.Progress, Updates: pending})
		pending = nil
		return true
	}

	stopped := false
	for _, ev := range events.steps {
		if stopped {
			break
		}

		sent := false
		for !sent && !stopped {
			select {
			case input <- ev:
				sent = true
			case o, ok := <-out:
				stopped = !receive(o, ok)
			case <-ctx.Done():
				return windows, ctx.Err()
			}
		}
		if stopped || !ev.IsProgress() {
			continue
		}

		// Wait for the output frontier to catch up with the step.
		want := len(windows) + 1
		for len(windows) < want && !stopped {
			select {
			case o, ok := <-out:
				stopped = !receive(o, ok)
			case <-ctx.Done():
				return windows, ctx.Err()
			}
		}
	}

	if !stopped {
		close(input)
		for {
			o, ok := <-out
			if !receive(o, ok) {
				break
			}
		}
	}
	return windows, <-errc
}

// rehydratedState returns the previous output that the operator keeps:
// updates below the resume frontier.
func rehydratedState(s *Scenario) ([]engine.Update, error) {
	var out []engine.Update
	for i, r := range s.Previous {
		u, err := r.Update()
		if err != nil {
			return nil, fmt.Errorf("previous[%d]: %w", i, err)
		}
		if uint64(u.Time) < s.ResumeUpper {
			out = append(out, u)
		}
	}
	return out, nil
}
