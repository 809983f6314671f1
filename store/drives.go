package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mwantia/drivecatalog/data"
)

// AddDrive inserts a new registry entry. Returns ErrDriveExists when a live
// drive with the same id or name already exists.
func (c *Catalog) AddDrive(ctx context.Context, drive *data.DriveRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var existing int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM drives WHERE deleted = 0 AND (id = ? OR name = ?)",
		drive.ID, drive.Name,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("%w: add drive: %v", data.ErrIO, err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", data.ErrDriveExists, drive.Name)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO drives (id, name, path, total_capacity, used_space, free_space,
			format_type, added_at, last_updated_at, deleted, deleted_at, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)
	`, drive.ID, drive.Name, drive.Path, drive.TotalCapacity, drive.UsedSpace,
		drive.FreeSpace, drive.FormatType, drive.AddedAt.Unix(),
		drive.LastUpdatedAt.Unix(), drive.Generation)
	if err != nil {
		return fmt.Errorf("%w: add drive: %v", data.ErrIO, err)
	}

	return nil
}

// GetDrive returns the live registry entry for the given id.
func (c *Catalog) GetDrive(ctx context.Context, driveID string) (*data.DriveRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.getDrive(ctx, driveID)
}

func (c *Catalog) getDrive(ctx context.Context, driveID string) (*data.DriveRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, path, total_capacity, used_space, free_space, format_type,
			added_at, last_updated_at, deleted, deleted_at, generation
		FROM drives WHERE id = ? AND deleted = 0
	`, driveID)

	drive, err := scanDrive(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", data.ErrDriveNotFound, driveID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get drive: %v", data.ErrIO, err)
	}

	return drive, nil
}

// ListDrives returns all live drives ordered by name. With includeDeleted,
// soft-deleted entries awaiting cleanup are included.
func (c *Catalog) ListDrives(ctx context.Context, includeDeleted bool) ([]*data.DriveRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := `
		SELECT id, name, path, total_capacity, used_space, free_space, format_type,
			added_at, last_updated_at, deleted, deleted_at, generation
		FROM drives`
	if !includeDeleted {
		query += " WHERE deleted = 0"
	}
	query += " ORDER BY name"

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list drives: %v", data.ErrIO, err)
	}
	defer rows.Close()

	var drives []*data.DriveRecord
	for rows.Next() {
		drive, err := scanDrive(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list drives: %v", data.ErrIO, err)
		}
		drives = append(drives, drive)
	}

	return drives, rows.Err()
}

// SoftDeleteDrive marks a drive deleted. The row survives until
// CleanupSoftDeleted so an interrupted removal can still be observed.
func (c *Catalog) SoftDeleteDrive(ctx context.Context, driveID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		"UPDATE drives SET deleted = 1, deleted_at = ? WHERE id = ? AND deleted = 0",
		time.Now().Unix(), driveID)
	if err != nil {
		return fmt.Errorf("%w: soft delete drive: %v", data.ErrIO, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", data.ErrDriveNotFound, driveID)
	}

	return nil
}

// CleanupSoftDeleted hard-removes rows previously marked deleted. Live rows
// are never touched. Returns the number of rows removed.
func (c *Catalog) CleanupSoftDeleted(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, "DELETE FROM drives WHERE deleted = 1")
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup drives: %v", data.ErrIO, err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// TouchDrive refreshes last_updated_at, called when a sync finalizes.
func (c *Catalog) TouchDrive(ctx context.Context, driveID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		"UPDATE drives SET last_updated_at = ? WHERE id = ? AND deleted = 0",
		at.Unix(), driveID)
	if err != nil {
		return fmt.Errorf("%w: touch drive: %v", data.ErrIO, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", data.ErrDriveNotFound, driveID)
	}

	return nil
}

// UpdateDriveSpace refreshes the capacity figures reported by the scanner.
func (c *Catalog) UpdateDriveSpace(ctx context.Context, driveID string, total, used, free int64, formatType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `
		UPDATE drives SET total_capacity = ?, used_space = ?, free_space = ?, format_type = ?
		WHERE id = ? AND deleted = 0
	`, total, used, free, formatType, driveID)
	if err != nil {
		return fmt.Errorf("%w: update drive space: %v", data.ErrIO, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", data.ErrDriveNotFound, driveID)
	}

	return nil
}

// CurrentGeneration returns the authoritative generation counter for a drive.
// -1 means no generation was ever committed.
func (c *Catalog) CurrentGeneration(ctx context.Context, driveID string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var gen int64
	err := c.db.QueryRowContext(ctx,
		"SELECT generation FROM drives WHERE id = ? AND deleted = 0", driveID,
	).Scan(&gen)
	if err == sql.ErrNoRows {
		return -1, fmt.Errorf("%w: %s", data.ErrDriveNotFound, driveID)
	}
	if err != nil {
		return -1, fmt.Errorf("%w: current generation: %v", data.ErrIO, err)
	}

	return gen, nil
}

// AllocateGeneration reserves the next generation number for a drive and
// persists the reservation transactionally. Reserved numbers are burned even
// when the sync later aborts, so a generation name is never reused.
func (c *Catalog) AllocateGeneration(ctx context.Context, driveID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("%w: allocate generation: %v", data.ErrIO, err)
	}
	defer tx.Rollback()

	var current, allocated int64
	err = tx.QueryRowContext(ctx,
		"SELECT generation, allocated_generation FROM drives WHERE id = ? AND deleted = 0",
		driveID,
	).Scan(&current, &allocated)
	if err == sql.ErrNoRows {
		return -1, fmt.Errorf("%w: %s", data.ErrDriveNotFound, driveID)
	}
	if err != nil {
		return -1, fmt.Errorf("%w: allocate generation: %v", data.ErrIO, err)
	}

	next := max(current, allocated) + 1
	if _, err := tx.ExecContext(ctx,
		"UPDATE drives SET allocated_generation = ? WHERE id = ?", next, driveID); err != nil {
		return -1, fmt.Errorf("%w: allocate generation: %v", data.ErrIO, err)
	}

	if err := tx.Commit(); err != nil {
		return -1, fmt.Errorf("%w: allocate generation: %v", data.ErrIO, err)
	}

	return next, nil
}

// SetGeneration overwrites the generation counter. Used at commit and when
// startup validation finds the filesystem ahead of the counter (the files are
// the data; the counter is repaired to match).
func (c *Catalog) SetGeneration(ctx context.Context, driveID string, gen int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		"UPDATE drives SET generation = ? WHERE id = ? AND deleted = 0", gen, driveID)
	if err != nil {
		return fmt.Errorf("%w: set generation: %v", data.ErrIO, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", data.ErrDriveNotFound, driveID)
	}

	return nil
}

type driveScanner interface {
	Scan(dest ...any) error
}

func scanDrive(row driveScanner) (*data.DriveRecord, error) {
	var drive data.DriveRecord
	var formatType sql.NullString
	var deleted int
	var deletedAt sql.NullInt64
	var addedAt, lastUpdatedAt int64

	err := row.Scan(&drive.ID, &drive.Name, &drive.Path, &drive.TotalCapacity,
		&drive.UsedSpace, &drive.FreeSpace, &formatType, &addedAt, &lastUpdatedAt,
		&deleted, &deletedAt, &drive.Generation)
	if err != nil {
		return nil, err
	}

	drive.FormatType = formatType.String
	drive.AddedAt = time.Unix(addedAt, 0)
	drive.LastUpdatedAt = time.Unix(lastUpdatedAt, 0)
	drive.Deleted = deleted == 1
	if deletedAt.Valid {
		drive.DeletedAt = time.Unix(deletedAt.Int64, 0)
	}

	return &drive, nil
}

// GenerationTag renders a counter value as the on-disk generation suffix.
func GenerationTag(gen int64) string {
	if gen <= 0 {
		return "init"
	}
	return fmt.Sprintf("sync%d", gen)
}

// ParseGenerationTag is the inverse of GenerationTag. Returns -1, false for
// anything that is not a valid tag.
func ParseGenerationTag(tag string) (int64, bool) {
	if tag == "init" {
		return 0, true
	}
	if rest, ok := strings.CutPrefix(tag, "sync"); ok {
		var n int64
		if _, err := fmt.Sscanf(rest, "%d", &n); err == nil && n >= 1 {
			if fmt.Sprintf("%d", n) == rest {
				return n, true
			}
		}
	}
	return -1, false
}
