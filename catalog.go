// Package catalog implements a per-drive versioned storage engine for file
// metadata: one searchable catalog database plus one independent database
// per drive, with generation-based sync, backups and crash recovery.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mwantia/drivecatalog/backup"
	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/drive"
	"github.com/mwantia/drivecatalog/log"
	"github.com/mwantia/drivecatalog/recovery"
	"github.com/mwantia/drivecatalog/store"
	"github.com/mwantia/drivecatalog/syncer"
)

// Engine is the single logical owner of one storage root. All operations on
// the root's databases go through it; syncs are serialized, one at a time.
type Engine struct {
	mu sync.Mutex

	root    string
	opts    *EngineOptions
	log     *log.Logger
	handles *drive.Cache
	session *syncer.Session

	// stateMu guards the pointers below, which RebuildCatalogFromDriveStores
	// swaps out while queries may be in flight.
	stateMu sync.RWMutex
	catalog *store.Catalog
	backups *backup.Manager
}

// New opens the engine over a storage root, creating the directory tree and
// catalog on first use. An interrupted sync left by a previous process is
// detected and recovered before New returns; if the catalog itself is
// unreadable it is rebuilt from the per-drive databases.
func New(root string, options ...EngineOption) (*Engine, error) {
	opts := newDefaultEngineOptions()
	for _, opt := range options {
		if err := opt(opts); err != nil {
			return nil, err
		}
	}

	logger := log.NewLogger("catalog", opts.LogLevel, opts.LogFile, opts.NoTerminalLog)

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create storage root: %v", data.ErrIO, err)
	}

	e := &Engine{
		root: root,
		opts: opts,
		log:  logger,
	}

	catalogPath := filepath.Join(root, store.CatalogFileName)
	cat, err := store.Open(catalogPath, logger.Named("store"))
	if err != nil {
		logger.Error("catalog unreadable, rebuilding from drive stores: %v", err)
		cat, err = recovery.Rebuild(context.Background(), root, logger.Named("recovery"))
		if err != nil {
			return nil, fmt.Errorf("%w: catalog unreadable and rebuild failed: %v", data.ErrCrashRecovery, err)
		}
	}
	e.catalog = cat

	e.handles = drive.NewCache(opts.CacheCapacity, e.openCurrent, logger.Named("drive"))

	var remote *backup.RemoteTarget
	if opts.Remote != nil {
		remote, err = backup.NewRemoteTarget(*opts.Remote)
		if err != nil {
			cat.Close()
			return nil, err
		}
	}

	e.backups, err = backup.NewManager(root, cat, e.handles, remote, logger.Named("backup"))
	if err != nil {
		cat.Close()
		return nil, err
	}

	if !opts.NoStartupRecovery {
		report, err := recovery.Recover(context.Background(), root, cat, e.backups, logger.Named("recovery"))
		if err != nil {
			cat.Close()
			return nil, err
		}
		if report.CrashDetected {
			logger.Warn("recovered interrupted sync: %s", report.Detail)
		}
	}

	return e, nil
}

// Root returns the storage root directory.
func (e *Engine) Root() string {
	return e.root
}

// Close aborts any in-flight sync and closes every database handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	errs := &data.Errors{}

	if e.session != nil && !e.session.State().Terminal() {
		errs.Add(e.session.Abort(context.Background()))
	}
	e.session = nil

	errs.Add(e.handles.Close())
	errs.Add(e.catalogStore().Close())

	return errs.Errors()
}

// catalogStore returns the live catalog handle. The pointer is swapped by
// RebuildCatalogFromDriveStores, so callers must not hold it across calls.
func (e *Engine) catalogStore() *store.Catalog {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	return e.catalog
}

func (e *Engine) backupManager() *backup.Manager {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	return e.backups
}

// openCurrent lazily opens the current generation of a drive: the highest
// generation file on disk, validated against the catalog's counter.
func (e *Engine) openCurrent(ctx context.Context, driveID string) (*drive.Store, error) {
	cat := e.catalogStore()

	record, err := cat.GetDrive(ctx, driveID)
	if err != nil {
		return nil, err
	}

	gen, path, err := drive.DiscoverCurrent(e.root, driveID)
	if err != nil {
		return nil, err
	}

	if record.Generation != gen {
		e.log.Warn("drive %s: generation counter %d disagrees with filesystem %d, repairing",
			driveID, record.Generation, gen)
		if err := cat.SetGeneration(ctx, driveID, gen); err != nil {
			return nil, err
		}
	}

	return drive.Open(path, driveID, gen)
}

// --- Drive lifecycle ---

// AddDrive registers a new drive. Its first generation is created by the
// first sync, not here.
func (e *Engine) AddDrive(ctx context.Context, name, path string) (*data.DriveRecord, error) {
	record := data.NewDriveRecord(name, path)
	if err := e.catalogStore().AddDrive(ctx, record); err != nil {
		return nil, err
	}

	e.log.Info("added drive %s (%s)", name, record.ID)
	return record, nil
}

// RemoveDrive deletes a drive and all its data. The catalog is snapshotted
// first; the registry row goes through soft delete before the hard cleanup
// so an interruption leaves an observable marker instead of a half-removed
// drive.
func (e *Engine) RemoveDrive(ctx context.Context, driveID string) error {
	cat := e.catalogStore()

	if _, err := cat.GetDrive(ctx, driveID); err != nil {
		return err
	}

	if _, err := e.backupManager().BackupCatalog(ctx); err != nil {
		return err
	}

	if err := cat.SoftDeleteDrive(ctx, driveID); err != nil {
		return err
	}
	if err := cat.DeleteDriveEntries(ctx, driveID); err != nil {
		return err
	}
	if err := e.handles.Invalidate(driveID); err != nil {
		return err
	}

	// Every generation file, not just the current one.
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return fmt.Errorf("%w: read storage root: %v", data.ErrIO, err)
	}
	for _, entry := range entries {
		id, _, ok := drive.ParseGenerationFileName(entry.Name())
		if !ok || id != driveID {
			continue
		}
		if err := drive.RemoveDatabase(filepath.Join(e.root, entry.Name())); err != nil {
			return err
		}
	}

	if _, err := cat.CleanupSoftDeleted(ctx); err != nil {
		return err
	}

	e.log.Info("removed drive %s", driveID)
	return nil
}

// ListDrives returns the live drive registry.
func (e *Engine) ListDrives(ctx context.Context) ([]*data.DriveRecord, error) {
	return e.catalogStore().ListDrives(ctx, false)
}

// GetDrive returns one live registry entry.
func (e *Engine) GetDrive(ctx context.Context, driveID string) (*data.DriveRecord, error) {
	return e.catalogStore().GetDrive(ctx, driveID)
}

// CleanupSoftDeletedRecords hard-removes registry rows already marked
// deleted. Live rows are never touched.
func (e *Engine) CleanupSoftDeletedRecords(ctx context.Context) (int64, error) {
	return e.catalogStore().CleanupSoftDeleted(ctx)
}

// --- Sync lifecycle ---

// BeginSync starts a sync session for a drive: creates the next generation
// and takes the safety backups. One sync at a time per storage root.
func (e *Engine) BeginSync(ctx context.Context, driveID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && !e.session.State().Terminal() {
		return fmt.Errorf("%w: drive %s", data.ErrSyncActive, e.session.DriveID())
	}

	session := syncer.NewSession(e.root, e.catalogStore(), e.handles, e.backupManager(),
		e.opts.Progress, e.log.Named("syncer"))
	if err := session.Begin(ctx, driveID); err != nil {
		return err
	}

	e.session = session
	return nil
}

// AppendRecords streams scanner output into the new generation of the
// active sync.
func (e *Engine) AppendRecords(ctx context.Context, records []data.FileRecord) error {
	session, err := e.activeSession()
	if err != nil {
		return err
	}
	return session.Append(ctx, records)
}

// FinalizeSync commits the active sync: the catalog index is rewritten from
// the new generation and the previous generation is retired.
func (e *Engine) FinalizeSync(ctx context.Context) error {
	session, err := e.activeSession()
	if err != nil {
		return err
	}
	return session.Finalize(ctx)
}

// AbortSync cancels the active sync, restoring the pre-sync state.
func (e *Engine) AbortSync(ctx context.Context) error {
	session, err := e.activeSession()
	if err != nil {
		return err
	}
	return session.Abort(ctx)
}

// SyncState reports the protocol state of the active (or last) session.
func (e *Engine) SyncState() syncer.State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return syncer.StateIdle
	}
	return e.session.State()
}

func (e *Engine) activeSession() (*syncer.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.session.State().Terminal() {
		return nil, fmt.Errorf("%w: no active sync", data.ErrSyncState)
	}
	return e.session, nil
}

// --- Query ---

// Search runs a cross-drive query against the catalog index. Failures
// degrade to partial or empty results rather than raising: interactive
// callers always get something renderable plus the mode for diagnostics.
func (e *Engine) Search(ctx context.Context, query string, opts store.SearchOptions) data.SearchResult {
	result, err := e.catalogStore().Search(ctx, query, opts)
	if err != nil {
		if errors.Is(err, data.ErrTimeout) {
			e.log.Warn("search %q hit its budget, returning %d partial rows", query, len(result.Rows))
		} else {
			e.log.Error("search %q failed: %v", query, err)
		}
	}
	return result
}

// GetDetails returns the full metadata row behind a search hit, read from
// the owning drive's store.
func (e *Engine) GetDetails(ctx context.Context, driveID, path string) (*data.FileRecord, error) {
	s, err := e.handles.Get(ctx, driveID)
	if err != nil {
		return nil, err
	}
	return s.GetByPath(ctx, path)
}

// ListChildren pages through the direct children of a directory,
// directories first then name.
func (e *Engine) ListChildren(ctx context.Context, driveID, parentPath string, limit, offset int) ([]data.FileRecord, bool, error) {
	s, err := e.handles.Get(ctx, driveID)
	if err != nil {
		return nil, false, err
	}
	return s.ListChildren(ctx, parentPath, limit, offset)
}

// ListRoot returns the top-level entries of a drive.
func (e *Engine) ListRoot(ctx context.Context, driveID string) ([]data.FileRecord, error) {
	s, err := e.handles.Get(ctx, driveID)
	if err != nil {
		return nil, err
	}
	return s.ListRoot(ctx)
}

// CountFiles returns total/directory/file counts for a drive.
func (e *Engine) CountFiles(ctx context.Context, driveID string) (data.Counts, error) {
	s, err := e.handles.Get(ctx, driveID)
	if err != nil {
		return data.Counts{}, err
	}
	return s.Count(ctx)
}

// UpdateFileSize corrects the stored size of one record, the only in-place
// file row update the engine supports.
func (e *Engine) UpdateFileSize(ctx context.Context, driveID, path string, size int64) error {
	s, err := e.handles.Get(ctx, driveID)
	if err != nil {
		return err
	}
	return s.UpdateSize(ctx, path, size)
}

// --- Backup & recovery ---

// Backup snapshots the current generation of a drive plus its search
// entries.
func (e *Engine) Backup(ctx context.Context, driveID string) (*data.BackupRecord, error) {
	_, path, err := drive.DiscoverCurrent(e.root, driveID)
	if err != nil {
		return nil, err
	}
	return e.backupManager().BackupDrive(ctx, driveID, path)
}

// BackupCatalog snapshots the catalog database.
func (e *Engine) BackupCatalog(ctx context.Context) (*data.BackupRecord, error) {
	return e.backupManager().BackupCatalog(ctx)
}

// Restore brings a drive back to its most recent backed-up generation,
// replacing whatever generation files currently exist.
func (e *Engine) Restore(ctx context.Context, driveID string) (*data.BackupRecord, error) {
	record, err := e.backupManager().RestoreDrive(ctx, driveID, "")
	if err != nil {
		return nil, err
	}

	restoredGen, _ := store.ParseGenerationTag(record.Generation)

	// Generations newer than the restored one would otherwise shadow it.
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("%w: read storage root: %v", data.ErrIO, err)
	}
	for _, entry := range entries {
		id, gen, ok := drive.ParseGenerationFileName(entry.Name())
		if !ok || id != driveID || gen <= restoredGen {
			continue
		}
		if err := drive.RemoveDatabase(filepath.Join(e.root, entry.Name())); err != nil {
			return nil, err
		}
	}

	if err := e.catalogStore().SetGeneration(ctx, driveID, restoredGen); err != nil {
		return nil, err
	}

	return record, nil
}

// ListBackups enumerates every backup artifact.
func (e *Engine) ListBackups(ctx context.Context) ([]data.BackupRecord, error) {
	return e.backupManager().List(ctx)
}

// GroupBackupsByDrive buckets backups per drive id, with catalog snapshots
// under "catalog".
func (e *Engine) GroupBackupsByDrive(ctx context.Context) (map[string][]data.BackupRecord, error) {
	return e.backupManager().GroupByDrive(ctx)
}

// ValidateBackup probes one backup artifact for usability.
func (e *Engine) ValidateBackup(ctx context.Context, backupID string) data.ValidationReport {
	return e.backupManager().Validate(ctx, backupID)
}

// CleanupBackups prunes backups older than maxAgeDays; zero falls back to
// the configured retention.
func (e *Engine) CleanupBackups(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = e.opts.BackupRetentionDays
	}
	return e.backupManager().Cleanup(ctx, maxAgeDays)
}

// RebuildCatalogFromDriveStores reconstructs the catalog from scratch out of
// the per-drive databases. Last-resort repair; any in-memory handles are
// reopened afterwards.
func (e *Engine) RebuildCatalogFromDriveStores(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && !e.session.State().Terminal() {
		return fmt.Errorf("%w: cannot rebuild during a sync", data.ErrSyncActive)
	}

	if err := e.handles.Close(); err != nil {
		return err
	}
	if err := e.catalogStore().Close(); err != nil {
		return err
	}

	cat, err := recovery.Rebuild(ctx, e.root, e.log.Named("recovery"))
	if err != nil {
		return err
	}

	// The backup manager still points at the closed catalog.
	var remote *backup.RemoteTarget
	if e.opts.Remote != nil {
		if remote, err = backup.NewRemoteTarget(*e.opts.Remote); err != nil {
			cat.Close()
			return err
		}
	}
	backups, err := backup.NewManager(e.root, cat, e.handles, remote, e.log.Named("backup"))
	if err != nil {
		cat.Close()
		return err
	}

	e.stateMu.Lock()
	e.catalog = cat
	e.backups = backups
	e.stateMu.Unlock()

	return nil
}

// --- Diagnostics ---

// DatabaseSize returns the file size of a drive's current generation.
// Advisory signal for large-database detection.
func (e *Engine) DatabaseSize(ctx context.Context, driveID string) (int64, error) {
	s, err := e.handles.Get(ctx, driveID)
	if err != nil {
		return 0, err
	}
	return s.Size()
}

// CatalogSize returns the catalog database file size.
func (e *Engine) CatalogSize() (int64, error) {
	return e.catalogStore().Size()
}

// SearchIndexHealth probes the catalog's search index.
func (e *Engine) SearchIndexHealth(ctx context.Context) (data.IndexHealth, error) {
	return e.catalogStore().IndexHealth(ctx)
}
