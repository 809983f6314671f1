package drive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (CGO_ENABLED=0 compatible)

	"github.com/mwantia/drivecatalog/data"
)

// DefaultBatchSize bounds memory and lock time of one bulk insert
// transaction.
const DefaultBatchSize = 10000

// Store is one open generation of one drive's metadata database. At most one
// handle per database file exists within the process.
type Store struct {
	mu sync.RWMutex
	db *sql.DB

	driveID    string
	generation int64
	path       string
	closed     bool
}

// Open opens (creating if necessary) the generation database at path and
// ensures its schema.
func Open(path, driveID string, generation int64) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open drive store: %v", data.ErrIO, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", data.ErrIO, pragma, err)
		}
	}

	s := &Store{
		db:         db,
		driveID:    driveID,
		generation: generation,
		path:       path,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		drive_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		parent_path TEXT NOT NULL DEFAULT '',
		is_directory INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER,
		modified_at INTEGER,
		depth INTEGER NOT NULL DEFAULT 0,
		inode INTEGER,
		hard_link_count INTEGER NOT NULL DEFAULT 0,
		is_hard_link INTEGER NOT NULL DEFAULT 0,
		hard_link_group TEXT,
		folder_path TEXT,
		file_type TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_files_drive_path ON files(drive_id, path);
	CREATE INDEX IF NOT EXISTS idx_files_drive_parent ON files(drive_id, parent_path);

	-- Mirror of the drive's registry entry so a backup of this file is
	-- self-describing and the catalog can be rebuilt from it alone.
	CREATE TABLE IF NOT EXISTS drive_info (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		total_capacity INTEGER NOT NULL DEFAULT 0,
		used_space INTEGER NOT NULL DEFAULT 0,
		free_space INTEGER NOT NULL DEFAULT 0,
		format_type TEXT,
		added_at INTEGER,
		last_updated_at INTEGER,
		generation INTEGER NOT NULL DEFAULT -1
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: init drive schema: %v", data.ErrSchema, err)
	}

	return nil
}

func (s *Store) DriveID() string {
	return s.driveID
}

func (s *Store) Generation() int64 {
	return s.generation
}

func (s *Store) Path() string {
	return s.path
}

// Size returns the database file size in bytes. Advisory signal for
// large-database detection.
func (s *Store) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("%w: stat drive store: %v", data.ErrIO, err)
	}
	return info.Size(), nil
}

// Close flushes and closes the database. Must be called before the file is
// copied or deleted.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// AppendRecords bulk-inserts file records in batches of batchSize rows, one
// transaction per batch. A duplicate (driveId, path) aborts and rolls back
// the current batch with ErrIntegrity; batches already committed keep.
func (s *Store) AppendRecords(ctx context.Context, records []data.FileRecord, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return data.ErrClosed
	}

	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		if err := s.appendBatch(ctx, records[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) appendBatch(ctx context.Context, batch []data.FileRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: append records: %v", data.ErrIO, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (drive_id, name, path, parent_path, is_directory, size,
			created_at, modified_at, depth, inode, hard_link_count, is_hard_link,
			hard_link_group, folder_path, file_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("%w: append records: %v", data.ErrIO, err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		_, err := stmt.ExecContext(ctx, s.driveID, rec.Name, rec.Path, rec.ParentPath,
			boolInt(rec.IsDirectory), rec.Size, rec.CreatedAt.Unix(), rec.ModifiedAt.Unix(),
			rec.Depth, rec.Inode, rec.HardLinkCount, boolInt(rec.IsHardLink),
			rec.HardLinkGroup, rec.FolderPath, rec.FileType)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: duplicate path %q", data.ErrIntegrity, rec.Path)
			}
			return fmt.Errorf("%w: append records: %v", data.ErrIO, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: append records: %v", data.ErrIO, err)
	}

	return nil
}

// ListChildren returns the direct children of parentPath ordered directories
// first, then lexicographic name. The empty parent denotes the drive root.
// hasMore reports whether another page exists past offset+limit.
func (s *Store) ListChildren(ctx context.Context, parentPath string, limit, offset int) ([]data.FileRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultBatchSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE drive_id = ? AND parent_path = ?
		ORDER BY is_directory DESC, name
		LIMIT ? OFFSET ?
	`, s.driveID, parentPath, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("%w: list children: %v", data.ErrIO, err)
	}
	defer rows.Close()

	records, err := collectFiles(rows)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	return records, hasMore, nil
}

// ListRoot returns every top-level entry of the drive, paging internally.
func (s *Store) ListRoot(ctx context.Context) ([]data.FileRecord, error) {
	var records []data.FileRecord
	for offset := 0; ; offset += DefaultBatchSize {
		page, hasMore, err := s.ListChildren(ctx, "", DefaultBatchSize, offset)
		if err != nil {
			return nil, err
		}
		records = append(records, page...)
		if !hasMore {
			return records, nil
		}
	}
}

// Count returns total, directory and file row counts.
func (s *Store) Count(ctx context.Context) (data.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts data.Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(is_directory), 0),
			COUNT(*) - COALESCE(SUM(is_directory), 0)
		FROM files WHERE drive_id = ?
	`, s.driveID).Scan(&counts.Total, &counts.Directories, &counts.Files)
	if err != nil {
		return counts, fmt.Errorf("%w: count files: %v", data.ErrIO, err)
	}

	return counts, nil
}

// GetByPath returns the record stored for an exact path.
func (s *Store) GetByPath(ctx context.Context, path string) (*data.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+` FROM files WHERE drive_id = ? AND path = ?
	`, s.driveID, path)

	rec, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", data.ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get file: %v", data.ErrIO, err)
	}

	return rec, nil
}

// UpdateSize corrects the stored size of one record. The only in-place
// update the engine performs on file rows.
func (s *Store) UpdateSize(ctx context.Context, path string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE files SET size = ? WHERE drive_id = ? AND path = ?",
		size, s.driveID, path)
	if err != nil {
		return fmt.Errorf("%w: update size: %v", data.ErrIO, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", data.ErrFileNotFound, path)
	}

	return nil
}

// DeleteByPath hard-removes one record.
func (s *Store) DeleteByPath(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM files WHERE drive_id = ? AND path = ?", s.driveID, path)
	if err != nil {
		return fmt.Errorf("%w: delete file: %v", data.ErrIO, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", data.ErrFileNotFound, path)
	}

	return nil
}

// IterateAll streams every row in stable id order, batchSize rows at a time.
// fn returning an error stops the iteration. Used by finalization and the
// catalog rebuild.
func (s *Store) IterateAll(ctx context.Context, batchSize int, fn func([]data.FileRecord) error) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lastID := int64(0)
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+fileColumns+` FROM files
			WHERE drive_id = ? AND id > ?
			ORDER BY id LIMIT ?
		`, s.driveID, lastID, batchSize)
		if err != nil {
			return fmt.Errorf("%w: iterate files: %v", data.ErrIO, err)
		}

		batch, err := collectFiles(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}

		lastID = batch[len(batch)-1].ID
	}
}

// WriteDriveInfo mirrors the drive's registry entry into the generation file.
func (s *Store) WriteDriveInfo(ctx context.Context, drive *data.DriveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO drive_info (id, name, path, total_capacity, used_space,
			free_space, format_type, added_at, last_updated_at, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, drive.ID, drive.Name, drive.Path, drive.TotalCapacity, drive.UsedSpace,
		drive.FreeSpace, drive.FormatType, drive.AddedAt.Unix(),
		drive.LastUpdatedAt.Unix(), s.generation)
	if err != nil {
		return fmt.Errorf("%w: write drive info: %v", data.ErrIO, err)
	}

	return nil
}

// ReadDriveInfo reads the mirrored registry entry back. The rebuild fallback
// depends on this being present.
func (s *Store) ReadDriveInfo(ctx context.Context) (*data.DriveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var drive data.DriveRecord
	var formatType sql.NullString
	var addedAt, lastUpdatedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, total_capacity, used_space, free_space, format_type,
			added_at, last_updated_at, generation
		FROM drive_info LIMIT 1
	`).Scan(&drive.ID, &drive.Name, &drive.Path, &drive.TotalCapacity,
		&drive.UsedSpace, &drive.FreeSpace, &formatType, &addedAt, &lastUpdatedAt,
		&drive.Generation)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: drive info missing", data.ErrSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read drive info: %v", data.ErrIO, err)
	}

	drive.FormatType = formatType.String
	if addedAt.Valid {
		drive.AddedAt = time.Unix(addedAt.Int64, 0)
	}
	if lastUpdatedAt.Valid {
		drive.LastUpdatedAt = time.Unix(lastUpdatedAt.Int64, 0)
	}

	return &drive, nil
}

const fileColumns = `id, drive_id, name, path, parent_path, is_directory, size,
	created_at, modified_at, depth, inode, hard_link_count, is_hard_link,
	hard_link_group, folder_path, file_type`

type fileScanner interface {
	Scan(dest ...any) error
}

func scanFile(row fileScanner) (*data.FileRecord, error) {
	var rec data.FileRecord
	var isDir, isHardLink int
	var createdAt, modifiedAt, inode sql.NullInt64
	var hardLinkGroup, folderPath, fileType sql.NullString

	err := row.Scan(&rec.ID, &rec.DriveID, &rec.Name, &rec.Path, &rec.ParentPath,
		&isDir, &rec.Size, &createdAt, &modifiedAt, &rec.Depth, &inode,
		&rec.HardLinkCount, &isHardLink, &hardLinkGroup, &folderPath, &fileType)
	if err != nil {
		return nil, err
	}

	rec.IsDirectory = isDir == 1
	rec.IsHardLink = isHardLink == 1
	if createdAt.Valid {
		rec.CreatedAt = time.Unix(createdAt.Int64, 0)
	}
	if modifiedAt.Valid {
		rec.ModifiedAt = time.Unix(modifiedAt.Int64, 0)
	}
	rec.Inode = inode.Int64
	rec.HardLinkGroup = hardLinkGroup.String
	rec.FolderPath = folderPath.String
	rec.FileType = fileType.String

	return &rec, nil
}

func collectFiles(rows *sql.Rows) ([]data.FileRecord, error) {
	var records []data.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan file row: %v", data.ErrIO, err)
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
