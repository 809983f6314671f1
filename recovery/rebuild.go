package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/drive"
	"github.com/mwantia/drivecatalog/log"
	"github.com/mwantia/drivecatalog/store"
)

// rebuildConcurrency bounds how many per-drive databases are read at once.
// Catalog writes stay serialized behind the store's own lock.
const rebuildConcurrency = 4

// Rebuild recreates the catalog database from scratch out of the
// current-generation per-drive files found under root. The last line of
// defense: it never reads the old catalog, whose files are removed first.
// Returns the freshly opened catalog.
func Rebuild(ctx context.Context, root string, logger *log.Logger) (*store.Catalog, error) {
	catalogPath := filepath.Join(root, store.CatalogFileName)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(catalogPath + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: remove old catalog: %v", data.ErrIO, err)
		}
	}

	catalog, err := store.Open(catalogPath, logger)
	if err != nil {
		return nil, err
	}

	if err := RebuildInto(ctx, root, catalog, logger); err != nil {
		catalog.Close()
		return nil, err
	}

	return catalog, nil
}

// RebuildInto wipes an open catalog and repopulates it from the per-drive
// databases: one drive record and one batch of search entries per drive,
// both read from each database's own rows. Idempotent: the same set of
// per-drive files always produces the same registry and index sets.
func RebuildInto(ctx context.Context, root string, catalog *store.Catalog, logger *log.Logger) error {
	if logger == nil {
		logger = log.Discard()
	}

	current, err := drive.DiscoverAll(root)
	if err != nil {
		return err
	}

	if err := catalog.Reset(ctx); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(rebuildConcurrency)

	for driveID, gen := range current {
		group.Go(func() error {
			return rebuildDrive(gctx, root, catalog, driveID, gen, logger)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("catalog rebuilt from %d drive databases", len(current))
	return nil
}

func rebuildDrive(ctx context.Context, root string, catalog *store.Catalog, driveID string, gen int64, logger *log.Logger) error {
	path := filepath.Join(root, drive.GenerationFileName(driveID, gen))

	src, err := drive.Open(path, driveID, gen)
	if err != nil {
		return err
	}
	defer src.Close()

	record, err := src.ReadDriveInfo(ctx)
	if err != nil {
		return fmt.Errorf("drive %s: %w", driveID, err)
	}
	record.Generation = gen

	if err := catalog.AddDrive(ctx, record); err != nil {
		return err
	}
	if err := catalog.SetGeneration(ctx, driveID, gen); err != nil {
		return err
	}

	indexed := int64(0)
	err = src.IterateAll(ctx, store.DefaultEntryBatch, func(batch []data.FileRecord) error {
		entries := make([]data.SearchEntry, len(batch))
		for i, rec := range batch {
			entries[i] = data.SearchEntry{
				Name:        rec.Name,
				DriveID:     driveID,
				Path:        rec.Path,
				IsDirectory: rec.IsDirectory,
			}
		}
		indexed += int64(len(batch))
		return catalog.InsertEntries(ctx, entries)
	})
	if err != nil {
		return err
	}

	logger.Info("rebuilt drive %s (%s): %d entries", record.Name, store.GenerationTag(gen), indexed)
	return nil
}
