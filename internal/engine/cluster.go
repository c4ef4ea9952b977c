package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/upsert/internal/ir"
	"github.com/roach88/upsert/internal/store"
)

// ClusterConfig configures a set of workers sharing one source.
type ClusterConfig struct {
	// Workers is the number of parallel operators. Must be at least 1.
	Workers int

	// KeyIndices are the key column positions within value rows.
	KeyIndices []int

	// ResumeUpper is the frontier below which previous output is durable.
	ResumeUpper Frontier

	// OpenBackend builds the backend owned by one worker.
	OpenBackend func(workerID int) (store.Backend, error)

	// PreviousToken, when set, is called once every worker has released
	// the previous-output stream.
	PreviousToken func()

	// Metrics, when set, records rehydration metrics per worker.
	Metrics *store.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Cluster runs one Operator per worker and exchanges data between them by
// key hash, so each key is owned by exactly one worker. Progress is
// broadcast to every worker; the merged output frontier is the meet of the
// workers' output frontiers.
type Cluster struct {
	cfg ClusterConfig
}

// NewCluster validates cfg and creates a cluster.
func NewCluster(cfg ClusterConfig) (*Cluster, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("cluster: workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.OpenBackend == nil {
		return nil, errors.New("cluster: OpenBackend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.KeyIndices = ir.SortedIndices(cfg.KeyIndices)
	return &Cluster{cfg: cfg}, nil
}

// workerEvent tags an output event with the worker that produced it.
type workerEvent struct {
	worker int
	event  Event[Update]
}

// Run drives all workers until input is closed, ctx is cancelled, or a
// worker fails. The first fatal error cancels every worker and is returned.
// Run does not close out.
func (c *Cluster) Run(ctx context.Context, previous <-chan Event[Update], input <-chan Event[Command], out chan<- Event[Update]) error {
	n := c.cfg.Workers

	backends := make([]store.Backend, 0, n)
	for i := 0; i < n; i++ {
		b, err := c.cfg.OpenBackend(i)
		if err != nil {
			for _, opened := range backends {
				opened.Close()
			}
			return fmt.Errorf("cluster: open backend for worker %d: %w", i, err)
		}
		backends = append(backends, b)
	}

	prevChs := make([]chan Event[Update], n)
	inChs := make([]chan Event[Command], n)
	outChs := make([]chan Event[Update], n)
	for i := 0; i < n; i++ {
		prevChs[i] = make(chan Event[Update])
		inChs[i] = make(chan Event[Command])
		outChs[i] = make(chan Event[Update])
	}

	release := c.releaseOnce(n)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < n; i++ {
		opts := []Option{
			WithWorkerID(i),
			WithLogger(c.cfg.Logger),
			WithPreviousToken(release),
		}
		if c.cfg.Metrics != nil {
			opts = append(opts, WithMetrics(c.cfg.Metrics.Worker(i)))
		}
		op := NewOperator(backends[i], c.cfg.KeyIndices, c.cfg.ResumeUpper, opts...)

		g.Go(func() error {
			defer close(outChs[i])
			return op.Run(gctx, prevChs[i], inChs[i], outChs[i])
		})
	}

	hasher := ir.NewHasher()
	g.Go(func() error {
		return exchange(gctx, previous, prevChs, func(u Update) int {
			return Route(hasher.FromValue(u.Value, c.cfg.KeyIndices), n)
		})
	})
	g.Go(func() error {
		return exchange(gctx, input, inChs, func(cmd Command) int {
			return Route(cmd.Key, n)
		})
	})
	g.Go(func() error {
		return merge(gctx, outChs, out)
	})

	return g.Wait()
}

// releaseOnce returns a token release func that calls the configured
// PreviousToken after it has been called n times.
func (c *Cluster) releaseOnce(n int) func() {
	var mu sync.Mutex
	remaining := n
	return func() {
		mu.Lock()
		defer mu.Unlock()
		remaining--
		if remaining == 0 && c.cfg.PreviousToken != nil {
			c.cfg.PreviousToken()
		}
	}
}

// exchange routes data from src to the worker chosen by route and
// broadcasts progress to every worker. All destinations are closed when src
// is closed (or is nil).
func exchange[T any](ctx context.Context, src <-chan Event[T], dsts []chan Event[T], route func(T) int) error {
	defer func() {
		for _, d := range dsts {
			close(d)
		}
	}()
	if src == nil {
		return nil
	}

	for {
		var ev Event[T]
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-src:
			if !ok {
				return nil
			}
		}

		if ev.IsProgress() {
			for _, d := range dsts {
				if err := send(ctx, d, ev); err != nil {
					return err
				}
			}
			continue
		}

		buckets := make([][]T, len(dsts))
		for _, item := range ev.Data {
			w := route(item)
			buckets[w] = append(buckets[w], item)
		}
		for w, items := range buckets {
			if len(items) == 0 {
				continue
			}
			if err := send(ctx, dsts[w], DataEvent(items...)); err != nil {
				return err
			}
		}
	}
}

// merge fans worker outputs into out. Data is forwarded as it arrives;
// progress is forwarded only when the meet of all worker frontiers advances.
func merge(ctx context.Context, srcs []chan Event[Update], out chan<- Event[Update]) error {
	merged := make(chan workerEvent)
	var wg sync.WaitGroup
	for i, src := range srcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range src {
				select {
				case merged <- workerEvent{worker: i, event: ev}:
				case <-ctx.Done():
					// Keep draining so the worker can exit.
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	frontiers := make([]Frontier, len(srcs))
	emitted := MinFrontier()
	for we := range merged {
		if !we.event.IsProgress() {
			if err := send(ctx, out, we.event); err != nil {
				return err
			}
			continue
		}

		frontiers[we.worker] = *we.event.Progress
		meet := EmptyFrontier()
		for _, f := range frontiers {
			meet = meet.Meet(f)
		}
		if !meet.LessEqual(emitted) {
			emitted = meet
			if err := send(ctx, out, ProgressEvent[Update](meet)); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}
