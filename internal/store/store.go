package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/upsert/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// DatabaseFile is the file name of the state database inside a scratch path.
const DatabaseFile = "state.db"

// maxLookupBatch bounds the number of bound parameters per MultiGet query.
// SQLite builds prior to 3.32 reject statements with more than 999.
const maxLookupBatch = 500

// Disk is a Backend persisted in an embedded SQLite database.
// Used when upsert state may exceed memory.
//
// The database is scratch space, not a durable log: Open discards any file
// left by a previous run because state is always rebuilt from the previous
// output collection. The database is configured for speed over durability:
//   - WAL mode
//   - synchronous=OFF (a crash loses the file, which is discarded anyway)
//   - temp_store=MEMORY
type Disk struct {
	db   *sql.DB
	path string
}

var _ Backend = (*Disk)(nil)

// ScratchPath returns the directory holding one worker's state for one
// source instance. Scoping by source and worker keeps co-located operators
// from sharing a database.
func ScratchPath(scratchDir, sourceID string, workerID int) string {
	return filepath.Join(scratchDir, sourceID, strconv.Itoa(workerID))
}

// OpenDisk creates a fresh state database in dir, creating dir if needed.
// Any database left in dir by an earlier run is removed first.
func OpenDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	path := filepath.Join(dir, DatabaseFile)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale state: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// The owning operator drives the backend serially; one connection is
	// enough and keeps pragmas applied to every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Disk{db: db, path: path}, nil
}

// Path returns the database file path.
func (d *Disk) Path() string {
	return d.path
}

// MultiGet implements Backend.
func (d *Disk) MultiGet(ctx context.Context, keys []ir.UpsertKey) ([]Entry, error) {
	out := make([]Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	// Position of every requested key; keys are distinct per contract.
	positions := make(map[ir.UpsertKey]int, len(keys))
	for i, k := range keys {
		positions[k] = i
	}

	for start := 0; start < len(keys); start += maxLookupBatch {
		end := min(start+maxLookupBatch, len(keys))
		if err := d.lookup(ctx, keys[start:end], positions, out); err != nil {
			return nil, fmt.Errorf("multi_get: %w", err)
		}
	}
	return out, nil
}

// lookup fetches one batch of keys and stores the results into out.
func (d *Disk) lookup(ctx context.Context, batch []ir.UpsertKey, positions map[ir.UpsertKey]int, out []Entry) error {
	args := make([]any, len(batch))
	for i, k := range batch {
		args[i] = k[:]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

	rows, err := d.db.QueryContext(ctx,
		"SELECT key, value FROM upsert_state WHERE key IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rawKey, rawValue []byte
		if err := rows.Scan(&rawKey, &rawValue); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		key, err := ir.KeyFromBytes(rawKey)
		if err != nil {
			return err
		}
		value, err := ir.UnmarshalValue(rawValue)
		if err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
		pos, ok := positions[key]
		if !ok {
			return fmt.Errorf("unrequested key %s returned", key)
		}
		out[pos].Value = &value
	}
	return rows.Err()
}

// MultiPut implements Backend. All puts are applied in one transaction.
func (d *Disk) MultiPut(ctx context.Context, puts []Put) error {
	if len(puts) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("multi_put: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO upsert_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return fmt.Errorf("multi_put: prepare upsert: %w", err)
	}
	defer upsert.Close()

	remove, err := tx.PrepareContext(ctx, `DELETE FROM upsert_state WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("multi_put: prepare delete: %w", err)
	}
	defer remove.Close()

	for _, p := range puts {
		if p.Value == nil {
			if _, err := remove.ExecContext(ctx, p.Key[:]); err != nil {
				return fmt.Errorf("multi_put: delete %s: %w", p.Key, err)
			}
			continue
		}
		data, err := ir.MarshalValue(*p.Value)
		if err != nil {
			return fmt.Errorf("multi_put: key %s: %w", p.Key, err)
		}
		if _, err := upsert.ExecContext(ctx, p.Key[:], data); err != nil {
			return fmt.Errorf("multi_put: upsert %s: %w", p.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("multi_put: commit: %w", err)
	}
	return nil
}

// Len returns the number of keys with a current value.
func (d *Disk) Len(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM upsert_state").Scan(&n); err != nil {
		return 0, fmt.Errorf("count state: %w", err)
	}
	return n, nil
}

// Close implements Backend.
// Safe to call more than once.
func (d *Disk) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = OFF",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (d *Disk) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := d.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
