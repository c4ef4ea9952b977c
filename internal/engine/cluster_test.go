package engine

import (
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/upsert/internal/store"
)

func newTestCluster(t *testing.T, workers int, resume Frontier) *Cluster {
	t.Helper()
	c, err := NewCluster(ClusterConfig{
		Workers:     workers,
		KeyIndices:  []int{0},
		ResumeUpper: resume,
		OpenBackend: func(int) (store.Backend, error) {
			return store.NewMemory(), nil
		},
		Metrics: store.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return c
}

func TestNewCluster_Validation(t *testing.T) {
	_, err := NewCluster(ClusterConfig{Workers: 0, OpenBackend: func(int) (store.Backend, error) { return nil, nil }})
	assert.ErrorContains(t, err, "workers must be at least 1")

	_, err = NewCluster(ClusterConfig{Workers: 2})
	assert.ErrorContains(t, err, "OpenBackend is required")
}

func TestCluster_MatchesSingleOperator(t *testing.T) {
	for _, workers := range []int{1, 3, 4} {
		rng := rand.New(rand.NewPCG(uint64(workers), 99))
		input := randomInput(rng, 60)

		op := NewOperator(store.NewMemory(), []int{0}, MinFrontier())
		want := sortUpdates(updatesOf(t, runAll(t, op.Run, nil, input)))

		c := newTestCluster(t, workers, MinFrontier())
		got := sortUpdates(updatesOf(t, runAll(t, c.Run, nil, input)))

		assertUpdates(t, want, got)
	}
}

func TestCluster_Rehydrates(t *testing.T) {
	var released atomic.Int32
	c, err := NewCluster(ClusterConfig{
		Workers:     3,
		KeyIndices:  []int{0},
		ResumeUpper: At(10),
		OpenBackend: func(int) (store.Backend, error) {
			return store.NewMemory(), nil
		},
		PreviousToken: func() { released.Add(1) },
	})
	require.NoError(t, err)

	previous := []Event[Update]{
		DataEvent(
			Update{Value: rowOf(1, "a"), Time: 1, Diff: 1},
			Update{Value: rowOf(2, "b"), Time: 2, Diff: 1},
			Update{Value: rowOf(3, "c"), Time: 3, Diff: 1},
		),
		ProgressEvent[Update](At(10)),
	}
	input := []Event[Command]{
		DataEvent(
			Delete(10, keyOf(1), 1),
			Delete(10, keyOf(2), 2),
			Delete(10, keyOf(3), 3),
		),
		ProgressEvent[Command](At(11)),
	}

	got := sortUpdates(updatesOf(t, runAll(t, c.Run, previous, input)))
	assertUpdates(t, sortUpdates([]Update{
		{Value: rowOf(1, "a"), Time: 10, Diff: -1},
		{Value: rowOf(2, "b"), Time: 10, Diff: -1},
		{Value: rowOf(3, "c"), Time: 10, Diff: -1},
	}), got)
	assert.Equal(t, int32(1), released.Load(), "token released once for all workers")
}

func TestCluster_OpenBackendFailure(t *testing.T) {
	boom := errors.New("no scratch space")
	var opened []*flakyBackend
	c, err := NewCluster(ClusterConfig{
		Workers:    3,
		KeyIndices: []int{0},
		OpenBackend: func(worker int) (store.Backend, error) {
			if worker == 2 {
				return nil, boom
			}
			b := &flakyBackend{Memory: store.NewMemory()}
			opened = append(opened, b)
			return b, nil
		},
	})
	require.NoError(t, err)

	err = c.Run(t.Context(), nil, make(chan Event[Command]), make(chan Event[Update]))
	assert.ErrorIs(t, err, boom)
	require.Len(t, opened, 2)
	for _, b := range opened {
		assert.True(t, b.closed)
	}
}

func TestCluster_WorkerFailureStopsAll(t *testing.T) {
	c := newTestCluster(t, 2, MinFrontier())
	input := []Event[Command]{
		DataEvent(Command{Time: 1, Key: keyOf(1), Order: 1, Diff: -1}),
	}

	r := start(t, c.Run, preloaded(nil))
	for _, ev := range input {
		select {
		case r.input <- ev:
		case err := <-r.errc:
			t.Fatalf("cluster returned before input was accepted: %v", err)
		}
	}
	err := r.failure()
	assert.True(t, IsInvalidInput(err), "got %v", err)
}
