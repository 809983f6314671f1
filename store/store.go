// Package store implements the catalog store: the single database holding the
// drive registry, the authoritative generation counters and the cross-drive
// full-text search index.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (CGO_ENABLED=0 compatible)

	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/log"
)

// CatalogFileName is the fixed name of the catalog database inside a
// storage root.
const CatalogFileName = "catalog.db"

type Catalog struct {
	mu  sync.RWMutex
	db  *sql.DB
	log *log.Logger

	path   string
	closed bool
}

// Open opens (creating if necessary) the catalog database at path and
// ensures its schema.
func Open(path string, logger *log.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.Discard()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open catalog: %v", data.ErrIO, err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", data.ErrIO, pragma, err)
		}
	}

	c := &Catalog{
		db:   db,
		log:  logger,
		path: path,
	}

	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS drives (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		total_capacity INTEGER NOT NULL DEFAULT 0,
		used_space INTEGER NOT NULL DEFAULT 0,
		free_space INTEGER NOT NULL DEFAULT 0,
		format_type TEXT,
		added_at INTEGER NOT NULL,
		last_updated_at INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER,
		generation INTEGER NOT NULL DEFAULT -1,
		allocated_generation INTEGER NOT NULL DEFAULT -1
	);
	CREATE INDEX IF NOT EXISTS idx_drives_name ON drives(name);

	CREATE VIRTUAL TABLE IF NOT EXISTS search_index USING fts5(
		name, drive_id UNINDEXED, path UNINDEXED, is_directory UNINDEXED
	);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: init catalog schema: %v", data.ErrSchema, err)
	}

	return nil
}

// Path returns the location of the catalog database file.
func (c *Catalog) Path() string {
	return c.path
}

// Size returns the catalog database file size in bytes.
func (c *Catalog) Size() (int64, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		return 0, fmt.Errorf("%w: stat catalog: %v", data.ErrIO, err)
	}
	return info.Size(), nil
}

// Ping verifies the database connection is alive.
func (c *Catalog) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return data.ErrClosed
	}
	return c.db.PingContext(ctx)
}

// Close flushes and closes the database. The catalog must be closed before
// its file is copied for a backup.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.db.Close()
}

// Reset wipes the drive registry and the search index. Only the catalog
// rebuild uses this, immediately before repopulating from the per-drive
// databases.
func (c *Catalog) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return data.ErrClosed
	}

	for _, stmt := range []string{
		"DELETE FROM drives",
		"DELETE FROM search_index",
	} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: reset catalog: %v", data.ErrIO, err)
		}
	}

	return nil
}

// SnapshotTo writes a transactional snapshot of the catalog to dst using
// VACUUM INTO. Unlike drive backups, the catalog stays open while it is
// snapshotted.
func (c *Catalog) SnapshotTo(ctx context.Context, dst string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return data.ErrClosed
	}

	if _, err := c.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("%w: snapshot catalog: %v", data.ErrIO, err)
	}

	return nil
}

// IndexHealth probes the search index: entry counts and a full integrity
// check. Advisory only; large results never block any operation.
func (c *Catalog) IndexHealth(ctx context.Context) (data.IndexHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var health data.IndexHealth

	if err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT drive_id) FROM search_index",
	).Scan(&health.Entries, &health.DrivesIndexed); err != nil {
		return health, fmt.Errorf("%w: index health: %v", data.ErrIO, err)
	}

	var result string
	if err := c.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return health, fmt.Errorf("%w: integrity check: %v", data.ErrIO, err)
	}
	health.IntegrityOK = result == "ok"

	if info, err := os.Stat(c.path); err == nil {
		health.SizeBytes = info.Size()
	}

	return health, nil
}
