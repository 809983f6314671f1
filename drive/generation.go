// Package drive implements the per-drive store: one SQLite database per drive
// generation holding the authoritative file metadata rows, plus generation
// naming and a bounded cache of open handles.
package drive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/store"
)

// GenerationFileName renders the on-disk name of one drive generation:
// <driveId>_init.db for generation 0, <driveId>_syncN.db for N >= 1.
func GenerationFileName(driveID string, gen int64) string {
	return fmt.Sprintf("%s_%s.db", driveID, store.GenerationTag(gen))
}

// ParseGenerationFileName is the inverse of GenerationFileName. Drive ids
// never contain underscores, so the split at the last underscore is safe.
func ParseGenerationFileName(name string) (driveID string, gen int64, ok bool) {
	base, found := strings.CutSuffix(name, ".db")
	if !found {
		return "", -1, false
	}

	idx := strings.LastIndex(base, "_")
	if idx <= 0 {
		return "", -1, false
	}

	gen, ok = store.ParseGenerationTag(base[idx+1:])
	if !ok {
		return "", -1, false
	}

	return base[:idx], gen, true
}

// DiscoverCurrent scans the storage root for the highest generation file of a
// drive. The filesystem layout is a derived cache of the catalog's counter;
// this scan is what validates it. Returns ErrNoGeneration when no generation
// file exists.
func DiscoverCurrent(root, driveID string) (int64, string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return -1, "", fmt.Errorf("%w: read storage root: %v", data.ErrIO, err)
	}

	best := int64(-1)
	bestName := ""
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id, gen, ok := ParseGenerationFileName(entry.Name())
		if !ok || id != driveID {
			continue
		}

		if gen > best {
			best = gen
			bestName = entry.Name()
		}
	}

	if best < 0 {
		return -1, "", fmt.Errorf("%w: %s", data.ErrNoGeneration, driveID)
	}

	return best, filepath.Join(root, bestName), nil
}

// RemoveDatabase deletes a database file together with any WAL sidecars.
func RemoveDatabase(path string) error {
	errs := &data.Errors{}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs.Add(fmt.Errorf("%w: remove %s: %v", data.ErrIO, path+suffix, err))
		}
	}
	return errs.Errors()
}

// DiscoverAll returns the current generation of every drive that has at least
// one generation file under root. Used by the catalog rebuild fallback, which
// must never depend on the catalog being readable.
func DiscoverAll(root string) (map[string]int64, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: read storage root: %v", data.ErrIO, err)
	}

	current := make(map[string]int64)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id, gen, ok := ParseGenerationFileName(entry.Name())
		if !ok {
			continue
		}

		if prev, seen := current[id]; !seen || gen > prev {
			current[id] = gen
		}
	}

	return current, nil
}
