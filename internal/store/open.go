package store

import (
	"fmt"
	"log/slog"
)

// Options selects and configures a backend for one worker.
type Options struct {
	// Disk selects the SQLite backend; otherwise state is kept in memory.
	Disk bool

	// ScratchDir is the root scratch directory. Required when Disk is set.
	ScratchDir string

	// SourceID and WorkerID scope the database path under ScratchDir.
	SourceID string
	WorkerID int

	// Metrics, when set, wraps the backend with instrumentation.
	Metrics *Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Open builds the backend selected by opts. The choice is made once here;
// the operator only ever sees the Backend interface.
func Open(opts Options) (Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var b Backend
	if opts.Disk {
		if opts.ScratchDir == "" {
			return nil, fmt.Errorf("open backend: disk-backed state requires a scratch directory")
		}
		if opts.SourceID == "" {
			return nil, fmt.Errorf("open backend: disk-backed state requires a source id")
		}
		dir := ScratchPath(opts.ScratchDir, opts.SourceID, opts.WorkerID)
		d, err := OpenDisk(dir)
		if err != nil {
			return nil, fmt.Errorf("open backend: %w", err)
		}
		logger.Info("rendering upsert with disk-backed state",
			"source", opts.SourceID, "worker", opts.WorkerID, "path", d.Path())
		b = d
	} else {
		logger.Info("rendering upsert with memory-backed state",
			"source", opts.SourceID, "worker", opts.WorkerID)
		b = NewMemory()
	}

	if opts.Metrics != nil {
		b = Instrument(b, opts.Metrics.Worker(opts.WorkerID))
	}
	return b, nil
}
