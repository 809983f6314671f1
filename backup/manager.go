// Package backup implements snapshotting, validation, restore and pruning of
// per-drive generation databases and the catalog.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/drive"
	"github.com/mwantia/drivecatalog/log"
	"github.com/mwantia/drivecatalog/store"
)

// BackupDirName is the backup directory inside a storage root.
const BackupDirName = "backups"

const catalogTimestampLayout = "20060102-150405"

// Manager snapshots and restores drive generation files and the catalog.
// All local snapshots are byte-for-byte copies taken with no open handle on
// the source file; the catalog alone is snapshotted online via VACUUM INTO.
type Manager struct {
	root    string
	dir     string
	catalog *store.Catalog
	handles *drive.Cache
	remote  *RemoteTarget
	log     *log.Logger
}

func NewManager(root string, catalog *store.Catalog, handles *drive.Cache, remote *RemoteTarget, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Discard()
	}

	dir := filepath.Join(root, BackupDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create backup dir: %v", data.ErrIO, err)
	}

	return &Manager{
		root:    root,
		dir:     dir,
		catalog: catalog,
		handles: handles,
		remote:  remote,
		log:     logger,
	}, nil
}

// Dir returns the backup directory path.
func (m *Manager) Dir() string {
	return m.dir
}

func driveBackupName(driveID string, gen int64) string {
	return fmt.Sprintf("backup_%s_%s.db", driveID, store.GenerationTag(gen))
}

func driveBackupIndexName(driveID string, gen int64) string {
	return fmt.Sprintf("backup_%s_%s_fts.db", driveID, store.GenerationTag(gen))
}

// BackupDrive snapshots the generation database at generationPath together
// with the drive's current search entries. Any open handle to the drive is
// closed before the copy; the next access reopens it lazily.
func (m *Manager) BackupDrive(ctx context.Context, driveID, generationPath string) (*data.BackupRecord, error) {
	id, gen, ok := drive.ParseGenerationFileName(filepath.Base(generationPath))
	if !ok || id != driveID {
		return nil, fmt.Errorf("%w: not a generation file: %s", data.ErrIO, generationPath)
	}

	if m.handles != nil {
		if err := m.handles.Invalidate(driveID); err != nil {
			return nil, err
		}
	}

	dst := filepath.Join(m.dir, driveBackupName(driveID, gen))
	size, err := copyFile(generationPath, dst)
	if err != nil {
		return nil, err
	}

	indexDst := filepath.Join(m.dir, driveBackupIndexName(driveID, gen))
	// Stale artifact from an older run of the same generation must not leak
	// entries into this export.
	if err := os.Remove(indexDst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: replace index artifact: %v", data.ErrIO, err)
	}
	if _, err := m.catalog.ExportDriveEntries(ctx, driveID, indexDst); err != nil {
		return nil, err
	}

	record := &data.BackupRecord{
		ID:         driveBackupName(driveID, gen),
		Type:       data.BackupTypeDrive,
		DriveID:    driveID,
		Generation: store.GenerationTag(gen),
		CreatedAt:  time.Now(),
		SizeBytes:  size,
		Path:       dst,
		IndexPath:  indexDst,
	}

	m.log.Info("backed up drive %s generation %s (%d bytes)", driveID, record.Generation, size)

	if m.remote != nil {
		// Remote upload is best effort; a failure never invalidates the
		// local snapshot.
		if err := m.remote.Upload(ctx, dst); err != nil {
			m.log.Warn("remote upload of %s failed: %v", record.ID, err)
		} else if err := m.remote.Upload(ctx, indexDst); err != nil {
			m.log.Warn("remote upload of %s index failed: %v", record.ID, err)
		}
	}

	return record, nil
}

// BackupCatalog takes an opportunistic snapshot of the catalog database.
func (m *Manager) BackupCatalog(ctx context.Context) (*data.BackupRecord, error) {
	name := fmt.Sprintf("catalog_backup_%s.db", time.Now().Format(catalogTimestampLayout))
	dst := filepath.Join(m.dir, name)

	// VACUUM INTO refuses to overwrite; a second snapshot within the same
	// second replaces the first.
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: replace catalog backup: %v", data.ErrIO, err)
	}

	if err := m.catalog.SnapshotTo(ctx, dst); err != nil {
		return nil, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("%w: stat catalog backup: %v", data.ErrIO, err)
	}

	record := &data.BackupRecord{
		ID:        name,
		Type:      data.BackupTypeCatalog,
		CreatedAt: info.ModTime(),
		SizeBytes: info.Size(),
		Path:      dst,
	}

	m.log.Info("backed up catalog (%d bytes)", record.SizeBytes)

	if m.remote != nil {
		if err := m.remote.Upload(ctx, dst); err != nil {
			m.log.Warn("remote upload of %s failed: %v", name, err)
		}
	}

	return record, nil
}

// RestoreDrive copies a drive backup back to its generation path and
// re-imports its search entries, clearing any stale ones first.
//
// generation selects which backup: the named generation tag, or the highest
// backed-up generation when empty. The generation-matched form is what crash
// recovery uses so the restored state is exactly the one retired by the
// interrupted sync.
func (m *Manager) RestoreDrive(ctx context.Context, driveID, generation string) (*data.BackupRecord, error) {
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	var chosen *data.BackupRecord
	for i := range records {
		r := &records[i]
		if r.Type != data.BackupTypeDrive || r.DriveID != driveID {
			continue
		}
		if generation != "" {
			if r.Generation == generation {
				chosen = r
				break
			}
			continue
		}
		if chosen == nil || generationOrdinal(r.Generation) > generationOrdinal(chosen.Generation) {
			chosen = r
		}
	}

	if chosen == nil {
		return nil, fmt.Errorf("%w: drive %s generation %q", data.ErrNoBackup, driveID, generation)
	}

	report := m.Validate(ctx, chosen.ID)
	if !report.Usable() {
		return nil, fmt.Errorf("%w: backup %s failed validation", data.ErrNoBackup, chosen.ID)
	}

	if m.handles != nil {
		if err := m.handles.Invalidate(driveID); err != nil {
			return nil, err
		}
	}

	gen, _ := store.ParseGenerationTag(chosen.Generation)
	target := filepath.Join(m.root, drive.GenerationFileName(driveID, gen))
	if _, err := copyFile(chosen.Path, target); err != nil {
		return nil, err
	}

	if _, err := m.catalog.ImportDriveEntries(ctx, driveID, chosen.IndexPath); err != nil {
		return nil, err
	}

	m.log.Info("restored drive %s from generation %s", driveID, chosen.Generation)

	return chosen, nil
}

// List enumerates the backup directory by filename pattern.
func (m *Manager) List(ctx context.Context) ([]data.BackupRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read backup dir: %v", data.ErrIO, err)
	}

	var records []data.BackupRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		record, ok := parseBackupName(entry.Name())
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		record.Path = filepath.Join(m.dir, entry.Name())
		record.SizeBytes = info.Size()
		if record.CreatedAt.IsZero() {
			record.CreatedAt = info.ModTime()
		}
		if record.Type == data.BackupTypeDrive {
			gen, _ := store.ParseGenerationTag(record.Generation)
			record.IndexPath = filepath.Join(m.dir, driveBackupIndexName(record.DriveID, gen))
		}

		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})

	return records, nil
}

// GroupByDrive buckets backups per drive id; catalog backups appear under
// the "catalog" key.
func (m *Manager) GroupByDrive(ctx context.Context) (map[string][]data.BackupRecord, error) {
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]data.BackupRecord)
	for _, record := range records {
		key := record.DriveID
		if record.Type == data.BackupTypeCatalog {
			key = "catalog"
		}
		groups[key] = append(groups[key], record)
	}

	return groups, nil
}

// Cleanup deletes backups older than maxAgeDays, independently per drive.
// Returns the number of artifacts removed.
func (m *Manager) Cleanup(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}

	records, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	removed := 0
	errs := &data.Errors{}

	for _, record := range records {
		if !record.CreatedAt.Before(cutoff) {
			continue
		}

		if err := os.Remove(record.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs.Add(fmt.Errorf("%w: remove %s: %v", data.ErrIO, record.ID, err))
			continue
		}
		if record.IndexPath != "" {
			if err := os.Remove(record.IndexPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs.Add(fmt.Errorf("%w: remove %s index: %v", data.ErrIO, record.ID, err))
			}
		}

		removed++
		m.log.Info("pruned backup %s (age > %dd)", record.ID, maxAgeDays)
	}

	return removed, errs.Errors()
}

// parseBackupName recognizes the three artifact name patterns. Index
// companions (_fts) are attached to their drive backup, not listed
// standalone.
func parseBackupName(name string) (*data.BackupRecord, bool) {
	base, found := strings.CutSuffix(name, ".db")
	if !found {
		return nil, false
	}

	if rest, ok := strings.CutPrefix(base, "catalog_backup_"); ok {
		record := &data.BackupRecord{
			ID:   name,
			Type: data.BackupTypeCatalog,
		}
		if ts, err := time.ParseInLocation(catalogTimestampLayout, rest, time.Local); err == nil {
			record.CreatedAt = ts
		}
		return record, true
	}

	rest, ok := strings.CutPrefix(base, "backup_")
	if !ok || strings.HasSuffix(rest, "_fts") {
		return nil, false
	}

	idx := strings.LastIndex(rest, "_")
	if idx <= 0 {
		return nil, false
	}
	tag := rest[idx+1:]
	if _, ok := store.ParseGenerationTag(tag); !ok {
		return nil, false
	}

	return &data.BackupRecord{
		ID:         name,
		Type:       data.BackupTypeDrive,
		DriveID:    rest[:idx],
		Generation: tag,
	}, true
}

func generationOrdinal(tag string) int64 {
	gen, ok := store.ParseGenerationTag(tag)
	if !ok {
		return -1
	}
	return gen
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", data.ErrIO, src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %v", data.ErrIO, dst, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("%w: copy %s: %v", data.ErrIO, src, err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return 0, fmt.Errorf("%w: sync %s: %v", data.ErrIO, dst, err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("%w: close %s: %v", data.ErrIO, dst, err)
	}

	return n, nil
}
