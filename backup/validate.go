package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/mwantia/drivecatalog/data"
)

// Validate probes one backup artifact. A backup is usable only when it
// exists, opens cleanly and carries the expected schema. For drive backups
// the companion index artifact is probed as part of the schema check, since
// a restore needs both.
func (m *Manager) Validate(ctx context.Context, backupID string) data.ValidationReport {
	var report data.ValidationReport

	record, ok := parseBackupName(backupID)
	if !ok {
		return report
	}

	path := filepath.Join(m.dir, backupID)
	if _, err := os.Stat(path); err != nil {
		return report
	}
	report.Exists = true

	var tables []string
	switch record.Type {
	case data.BackupTypeCatalog:
		tables = []string{"drives", "search_index"}
	default:
		tables = []string{"files", "drive_info"}
	}

	opens, schema := probe(ctx, path, tables)
	report.OpensCleanly = opens
	report.HasExpectedSchema = schema

	if record.Type == data.BackupTypeDrive && report.HasExpectedSchema {
		gen := generationOrdinal(record.Generation)
		indexPath := filepath.Join(m.dir, driveBackupIndexName(record.DriveID, gen))
		if _, err := os.Stat(indexPath); err != nil {
			report.HasExpectedSchema = false
		} else if opens, schema := probe(ctx, indexPath, []string{"search_entries"}); !opens || !schema {
			report.HasExpectedSchema = false
		}
	}

	return report
}

// probe opens a database read-only and checks the named tables exist.
func probe(ctx context.Context, path string, tables []string) (opensCleanly, hasSchema bool) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return false, false
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return false, false
	}

	// Any read exercises the file header; a truncated or garbage file fails
	// here rather than at Open.
	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master",
	).Scan(&count); err != nil {
		return false, false
	}

	for _, table := range tables {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?",
			table,
		).Scan(&name)
		if err != nil {
			return true, false
		}
	}

	return true, true
}
