package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mwantia/drivecatalog/data"
)

// Companion backup artifacts hold a plain copy of one drive's search entries
// so a restored drive database can repopulate its slice of the index without
// rescanning.
const exportSchema = `
	CREATE TABLE IF NOT EXISTS search_entries (
		name TEXT NOT NULL,
		drive_id TEXT NOT NULL,
		path TEXT NOT NULL,
		is_directory INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_search_entries_drive ON search_entries(drive_id);
`

// ExportDriveEntries writes every search entry of a drive into a standalone
// database at dst. The artifact is self-contained and readable without the
// catalog.
func (c *Catalog) ExportDriveEntries(ctx context.Context, driveID, dst string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out, err := sql.Open("sqlite", dst)
	if err != nil {
		return 0, fmt.Errorf("%w: open export: %v", data.ErrIO, err)
	}
	defer out.Close()

	if _, err := out.ExecContext(ctx, exportSchema); err != nil {
		return 0, fmt.Errorf("%w: export schema: %v", data.ErrSchema, err)
	}

	rows, err := c.db.QueryContext(ctx,
		"SELECT name, drive_id, path, is_directory FROM search_index WHERE drive_id = ?",
		driveID)
	if err != nil {
		return 0, fmt.Errorf("%w: export entries: %v", data.ErrIO, err)
	}
	defer rows.Close()

	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: export entries: %v", data.ErrIO, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO search_entries (name, drive_id, path, is_directory) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("%w: export entries: %v", data.ErrIO, err)
	}
	defer stmt.Close()

	var exported int64
	for rows.Next() {
		var name, id, path, isDir string
		if err := rows.Scan(&name, &id, &path, &isDir); err != nil {
			return 0, fmt.Errorf("%w: export entries: %v", data.ErrIO, err)
		}
		if _, err := stmt.ExecContext(ctx, name, id, path, isDir); err != nil {
			return 0, fmt.Errorf("%w: export entries: %v", data.ErrIO, err)
		}
		exported++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: export entries: %v", data.ErrIO, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: export entries: %v", data.ErrIO, err)
	}

	return exported, nil
}

// ImportDriveEntries replaces a drive's search entries with the contents of a
// companion artifact. Stale entries for the drive are cleared first so the
// index never mixes generations.
func (c *Catalog) ImportDriveEntries(ctx context.Context, driveID, src string) (int64, error) {
	in, err := sql.Open("sqlite", src)
	if err != nil {
		return 0, fmt.Errorf("%w: open import: %v", data.ErrIO, err)
	}
	defer in.Close()

	rows, err := in.QueryContext(ctx,
		"SELECT name, drive_id, path, is_directory FROM search_entries WHERE drive_id = ?",
		driveID)
	if err != nil {
		return 0, fmt.Errorf("%w: import artifact: %v", data.ErrSchema, err)
	}
	defer rows.Close()

	var entries []data.SearchEntry
	for rows.Next() {
		var entry data.SearchEntry
		var isDir string
		if err := rows.Scan(&entry.Name, &entry.DriveID, &entry.Path, &isDir); err != nil {
			return 0, fmt.Errorf("%w: import artifact: %v", data.ErrSchema, err)
		}
		entry.IsDirectory = isDir == "1"
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: import artifact: %v", data.ErrIO, err)
	}

	if err := c.DeleteDriveEntries(ctx, driveID); err != nil {
		return 0, err
	}

	for start := 0; start < len(entries); start += DefaultEntryBatch {
		end := min(start+DefaultEntryBatch, len(entries))
		if err := c.InsertEntries(ctx, entries[start:end]); err != nil {
			return 0, err
		}
	}

	return int64(len(entries)), nil
}
