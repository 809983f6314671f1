package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mwantia/drivecatalog/backup"
	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/drive"
	"github.com/mwantia/drivecatalog/log"
	"github.com/mwantia/drivecatalog/store"
)

// CheckForCrash reports the marker of an interrupted sync, if any. A nil
// marker with found=true means the flag exists but the payload is unreadable.
func CheckForCrash(root string) (*data.CrashMarker, bool, error) {
	return ReadMarker(root)
}

// Recover drives an interrupted sync to a consistent state. The strategy is
// a pure function of the recorded phase:
//
//   - catalog-backup, drive-backup: nothing was mutated; delete the marker
//     and any stray new-generation file.
//   - file-scan, catalog-update, finalization: the previous generation may
//     already be deleted or the index half-written; restore the drive from
//     the generation-matched backup, then delete the stray new generation.
//
// When the needed backup is missing or corrupt, the catalog is rebuilt from
// the per-drive databases as a last resort. Only when that also fails does
// Recover return ErrCrashRecovery.
func Recover(ctx context.Context, root string, catalog *store.Catalog, backups *backup.Manager, logger *log.Logger) (data.RecoveryReport, error) {
	if logger == nil {
		logger = log.Discard()
	}

	var report data.RecoveryReport

	marker, found, err := CheckForCrash(root)
	if err != nil {
		return report, err
	}
	if !found {
		return report, nil
	}
	report.CrashDetected = true

	if marker == nil {
		// Flag without a readable payload: no way to know what was in
		// flight, so trust only the per-drive files.
		logger.Warn("crash marker payload unreadable, rebuilding catalog")
		report.Detail = "marker payload unreadable"
		return report, rebuildAndClear(ctx, root, catalog, &report, logger)
	}

	report.Phase = marker.Phase
	report.DriveID = marker.DriveID
	logger.Warn("interrupted sync detected: drive %s, phase %s", marker.DriveID, marker.Phase)

	if marker.Phase.Resumable() {
		removeStrayGeneration(root, marker, logger)
		removeUncommittedGenerations(ctx, root, catalog, marker.DriveID, logger)
		if err := ClearMarker(root); err != nil {
			return report, err
		}
		report.Detail = "nothing mutated, marker cleared"
		return report, nil
	}

	// Mutating phase: the drive must go back to the generation the
	// interrupted sync was about to retire.
	if marker.CurrentGenerationName == "" {
		// First sync of the drive: there is no previous generation, the
		// pre-sync state is "no data".
		removeStrayGeneration(root, marker, logger)
		if err := catalog.DeleteDriveEntries(ctx, marker.DriveID); err != nil {
			return report, rebuildAndClear(ctx, root, catalog, &report, logger)
		}
		if err := ClearMarker(root); err != nil {
			return report, err
		}
		report.Detail = "first sync rolled back"
		return report, nil
	}

	_, gen, ok := drive.ParseGenerationFileName(marker.CurrentGenerationName)
	if !ok {
		report.Detail = fmt.Sprintf("malformed generation name %q", marker.CurrentGenerationName)
		return report, rebuildAndClear(ctx, root, catalog, &report, logger)
	}

	if _, err := backups.RestoreDrive(ctx, marker.DriveID, store.GenerationTag(gen)); err != nil {
		logger.Error("restore of drive %s failed: %v", marker.DriveID, err)
		report.Detail = fmt.Sprintf("restore failed: %v", err)
		return report, rebuildAndClear(ctx, root, catalog, &report, logger)
	}
	report.Restored = true

	removeStrayGeneration(root, marker, logger)

	// The counter may already point at the aborted generation.
	if err := catalog.SetGeneration(ctx, marker.DriveID, gen); err != nil && !errors.Is(err, data.ErrDriveNotFound) {
		return report, err
	}

	if err := ClearMarker(root); err != nil {
		return report, err
	}

	report.Detail = fmt.Sprintf("drive restored to %s", store.GenerationTag(gen))
	return report, nil
}

func removeStrayGeneration(root string, marker *data.CrashMarker, logger *log.Logger) {
	if marker.NewGenerationName == "" {
		return
	}

	path := filepath.Join(root, marker.NewGenerationName)
	if err := drive.RemoveDatabase(path); err != nil {
		logger.Warn("could not remove stray generation %s: %v", marker.NewGenerationName, err)
		return
	}

	logger.Info("removed stray generation %s", marker.NewGenerationName)
}

// removeUncommittedGenerations deletes generation files of a drive newer than
// its committed counter. In a resumable phase nothing was committed yet, so
// any such file belongs to the interrupted sync even when the marker does not
// name it.
func removeUncommittedGenerations(ctx context.Context, root string, catalog *store.Catalog, driveID string, logger *log.Logger) {
	committed, err := catalog.CurrentGeneration(ctx, driveID)
	if err != nil {
		committed = -1
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		logger.Warn("could not scan storage root: %v", err)
		return
	}

	for _, entry := range entries {
		id, gen, ok := drive.ParseGenerationFileName(entry.Name())
		if !ok || id != driveID || gen <= committed {
			continue
		}

		if err := drive.RemoveDatabase(filepath.Join(root, entry.Name())); err != nil {
			logger.Warn("could not remove uncommitted generation %s: %v", entry.Name(), err)
			continue
		}
		logger.Info("removed uncommitted generation %s", entry.Name())
	}
}

func rebuildAndClear(ctx context.Context, root string, catalog *store.Catalog, report *data.RecoveryReport, logger *log.Logger) error {
	if err := RebuildInto(ctx, root, catalog, logger); err != nil {
		return fmt.Errorf("%w: %s; rebuild fallback failed: %v", data.ErrCrashRecovery, report.Detail, err)
	}
	report.Rebuilt = true

	if err := ClearMarker(root); err != nil {
		return err
	}

	return nil
}
