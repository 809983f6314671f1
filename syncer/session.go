package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mwantia/drivecatalog/backup"
	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/drive"
	"github.com/mwantia/drivecatalog/log"
	"github.com/mwantia/drivecatalog/recovery"
	"github.com/mwantia/drivecatalog/store"
)

// Progress events are capped at this frequency regardless of batch size.
const progressEventsPerSecond = 10

// Session is one sync of one drive. Sessions are single-use: Begin once,
// Append any number of times, then Finalize or Abort.
type Session struct {
	mu sync.Mutex

	root    string
	catalog *store.Catalog
	handles *drive.Cache
	backups *backup.Manager
	log     *log.Logger

	progress data.ProgressFunc
	limiter  *rate.Limiter

	state   State
	driveID string
	record  *data.DriveRecord
	marker  *data.CrashMarker

	currentGen  int64
	currentPath string
	newGen      int64
	newPath     string
	newStore    *drive.Store
}

func NewSession(root string, catalog *store.Catalog, handles *drive.Cache, backups *backup.Manager, progress data.ProgressFunc, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Discard()
	}

	return &Session{
		root:       root,
		catalog:    catalog,
		handles:    handles,
		backups:    backups,
		progress:   progress,
		limiter:    rate.NewLimiter(rate.Limit(progressEventsPerSecond), 1),
		log:        logger,
		state:      StateIdle,
		currentGen: -1,
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// DriveID returns the drive this session syncs, empty before Begin.
func (s *Session) DriveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.driveID
}

// Begin moves Idle → GenerationCreated: writes the crash marker, snapshots
// the catalog and the current generation, and allocates + creates the new
// generation database. Nothing existing is mutated.
func (s *Session) Begin(ctx context.Context, driveID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: begin from %s", data.ErrSyncState, s.state)
	}

	record, err := s.catalog.GetDrive(ctx, driveID)
	if err != nil {
		return err
	}
	s.driveID = driveID
	s.record = record

	s.marker = &data.CrashMarker{
		DriveID:   driveID,
		Operation: "sync",
		Phase:     data.PhaseCatalogBackup,
		StartedAt: time.Now(),
	}
	if err := recovery.WriteMarker(s.root, s.marker); err != nil {
		return s.fail(ctx, err)
	}

	if _, err := s.backups.BackupCatalog(ctx); err != nil {
		return s.fail(ctx, err)
	}
	s.marker.CatalogBackupTaken = true

	if err := s.setPhase(data.PhaseDriveBackup); err != nil {
		return s.fail(ctx, err)
	}

	// The filesystem layout is authoritative for what the current
	// generation is; the catalog counter is repaired if it disagrees.
	gen, genPath, err := drive.DiscoverCurrent(s.root, driveID)
	switch {
	case err == nil:
		s.currentGen, s.currentPath = gen, genPath
		if record.Generation != gen {
			s.log.Warn("drive %s: generation counter %d disagrees with filesystem %d, repairing",
				driveID, record.Generation, gen)
			if err := s.catalog.SetGeneration(ctx, driveID, gen); err != nil {
				return s.fail(ctx, err)
			}
		}
	case errors.Is(err, data.ErrNoGeneration):
		s.currentGen, s.currentPath = -1, ""
	default:
		return s.fail(ctx, err)
	}

	if s.currentGen >= 0 {
		if _, err := s.backups.BackupDrive(ctx, driveID, s.currentPath); err != nil {
			return s.fail(ctx, err)
		}
		s.marker.CurrentGenerationName = filepath.Base(s.currentPath)
	}

	newGen, err := s.catalog.AllocateGeneration(ctx, driveID)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.newGen = newGen
	s.newPath = filepath.Join(s.root, drive.GenerationFileName(driveID, newGen))
	s.marker.NewGenerationName = filepath.Base(s.newPath)

	// The marker must name the new generation before its file exists on disk.
	if err := recovery.UpdateMarker(s.root, s.marker); err != nil {
		return s.fail(ctx, err)
	}

	newStore, err := drive.Open(s.newPath, driveID, newGen)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.newStore = newStore

	if err := newStore.WriteDriveInfo(ctx, record); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.setPhase(data.PhaseFileScan); err != nil {
		return s.fail(ctx, err)
	}

	s.state = StateGenerationCreated
	s.log.Info("sync started for drive %s: %s -> %s",
		record.Name, store.GenerationTag(s.currentGen), store.GenerationTag(newGen))

	return nil
}

// Append streams scanner output into the new generation. The catalog is not
// touched in this state, so the index can never reflect a half-written
// generation. Cancellation is polled between batches.
func (s *Session) Append(ctx context.Context, records []data.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateGenerationCreated && s.state != StatePopulating {
		return fmt.Errorf("%w: append from %s", data.ErrSyncState, s.state)
	}
	s.state = StatePopulating

	for start := 0; start < len(records); start += drive.DefaultBatchSize {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, fmt.Errorf("%w: %v", data.ErrSyncAborted, err))
		}

		end := min(start+drive.DefaultBatchSize, len(records))
		if err := s.newStore.AppendRecords(ctx, records[start:end], drive.DefaultBatchSize); err != nil {
			if errors.Is(err, data.ErrIntegrity) {
				// Bad batch only; the session stays populating.
				return err
			}
			return s.fail(ctx, err)
		}
	}

	return nil
}

// Finalize moves the session through Finalizing to Committed: rewrites the
// catalog's search entries for the drive from the new generation, then
// retires the previous generation. The previous generation's backup was
// taken at Begin, before anything could be deleted.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateGenerationCreated && s.state != StatePopulating {
		return fmt.Errorf("%w: finalize from %s", data.ErrSyncState, s.state)
	}
	s.state = StateFinalizing

	if err := s.setPhase(data.PhaseCatalogUpdate); err != nil {
		return s.fail(ctx, err)
	}

	counts, err := s.newStore.Count(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}

	if err := s.catalog.DeleteDriveEntries(ctx, s.driveID); err != nil {
		return s.fail(ctx, err)
	}

	indexed := int64(0)
	started := time.Now()
	err = s.newStore.IterateAll(ctx, store.DefaultEntryBatch, func(batch []data.FileRecord) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", data.ErrSyncAborted, err)
		}

		entries := make([]data.SearchEntry, len(batch))
		for i, rec := range batch {
			entries[i] = data.SearchEntry{
				Name:        rec.Name,
				DriveID:     s.driveID,
				Path:        rec.Path,
				IsDirectory: rec.IsDirectory,
			}
		}

		if err := s.catalog.InsertEntries(ctx, entries); err != nil {
			return err
		}

		indexed += int64(len(batch))
		s.emitProgress(indexed, counts.Total, started)
		return nil
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	if err := s.catalog.TouchDrive(ctx, s.driveID, time.Now()); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.setPhase(data.PhaseFinalization); err != nil {
		return s.fail(ctx, err)
	}

	// Close before the previous generation file disappears and before the
	// handle cache reopens the drive at its new generation.
	if err := s.newStore.Close(); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.handles.Invalidate(s.driveID); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.catalog.SetGeneration(ctx, s.driveID, s.newGen); err != nil {
		return s.fail(ctx, err)
	}

	if err := recovery.ClearMarker(s.root); err != nil {
		return s.fail(ctx, err)
	}

	// The sync is committed; a leftover retired file is never worth failing
	// or rolling back over.
	if s.currentPath != "" {
		if err := drive.RemoveDatabase(s.currentPath); err != nil {
			s.log.Warn("could not remove retired generation %s: %v",
				filepath.Base(s.currentPath), err)
		}
	}

	s.state = StateCommitted
	s.log.Info("sync committed for drive %s: generation %s, %d records",
		s.record.Name, store.GenerationTag(s.newGen), counts.Total)

	return nil
}

// Abort cancels the session from any non-terminal state, deleting the new
// generation and leaving the previous generation and the catalog exactly as
// they were before Begin.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.abortLocked(ctx)
}

func (s *Session) abortLocked(ctx context.Context) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: abort from %s", data.ErrSyncState, s.state)
	}

	errs := &data.Errors{}

	// Undo any partial index rewrite from Finalizing. The companion export
	// of the retired generation's backup holds the pre-sync entries.
	if s.state == StateFinalizing {
		if s.currentGen >= 0 {
			indexPath := filepath.Join(s.backups.Dir(),
				fmt.Sprintf("backup_%s_%s_fts.db", s.driveID, store.GenerationTag(s.currentGen)))
			if _, err := s.catalog.ImportDriveEntries(ctx, s.driveID, indexPath); err != nil {
				errs.Add(err)
			}
		} else {
			errs.Add(s.catalog.DeleteDriveEntries(ctx, s.driveID))
		}
		// Finalization may already have bumped the counter.
		errs.Add(s.catalog.SetGeneration(ctx, s.driveID, s.currentGen))
	}

	if s.newStore != nil {
		errs.Add(s.newStore.Close())
	}
	if s.newPath != "" {
		errs.Add(drive.RemoveDatabase(s.newPath))
	}

	errs.Add(recovery.ClearMarker(s.root))

	s.state = StateAborted
	if s.record != nil {
		s.log.Info("sync aborted for drive %s, pre-sync state kept", s.record.Name)
	}

	return errs.Errors()
}

// fail aborts the session and returns the original error annotated with the
// drive name and phase. Data loss is never possible here: the retired
// generation's backup always exists before anything is deleted.
func (s *Session) fail(ctx context.Context, err error) error {
	phase := data.SyncPhase("")
	if s.marker != nil {
		phase = s.marker.Phase
	}

	name := s.driveID
	if s.record != nil {
		name = s.record.Name
	}

	if abortErr := s.abortLocked(ctx); abortErr != nil {
		s.log.Error("abort after failure left residue: %v", abortErr)
	}

	return fmt.Errorf("sync of drive %q failed in phase %q (no data loss): %w", name, phase, err)
}

func (s *Session) setPhase(phase data.SyncPhase) error {
	s.marker.Phase = phase
	return recovery.UpdateMarker(s.root, s.marker)
}

func (s *Session) emitProgress(current, total int64, started time.Time) {
	if s.progress == nil {
		return
	}
	if current < total && !s.limiter.Allow() {
		return
	}

	eta := 0.0
	if current > 0 && total > current {
		elapsed := time.Since(started).Seconds()
		eta = elapsed / float64(current) * float64(total-current)
	}

	s.progress(data.Progress{
		Current:    current,
		Total:      total,
		Phase:      "fts-indexing",
		ETASeconds: eta,
	})
}
