package store

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mwantia/drivecatalog/data"
)

func TestCatalog_ExportImportRoundTrip(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	entries := []data.SearchEntry{
		{Name: "movies", DriveID: "d1", Path: "/movies", IsDirectory: true},
		{Name: "intro.mkv", DriveID: "d1", Path: "/movies/intro.mkv"},
		{Name: "notes.txt", DriveID: "d1", Path: "/notes.txt"},
		{Name: "foreign.txt", DriveID: "d2", Path: "/foreign.txt"},
	}
	seedIndex(t, c, entries)

	artifact := filepath.Join(t.TempDir(), "d1_fts.db")
	exported, err := c.ExportDriveEntries(ctx, "d1", artifact)
	if err != nil {
		t.Fatalf("ExportDriveEntries failed: %v", err)
	}
	if exported != 3 {
		t.Errorf("Expected 3 exported rows, got %d", exported)
	}

	before, err := c.DriveEntryPaths(ctx, "d1")
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}

	// Wreck the drive's slice of the index, then restore it from the artifact.
	if err := c.DeleteDriveEntries(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDriveEntries failed: %v", err)
	}
	seedIndex(t, c, []data.SearchEntry{
		{Name: "stale.txt", DriveID: "d1", Path: "/stale.txt"},
	})

	imported, err := c.ImportDriveEntries(ctx, "d1", artifact)
	if err != nil {
		t.Fatalf("ImportDriveEntries failed: %v", err)
	}
	if imported != 3 {
		t.Errorf("Expected 3 imported rows, got %d", imported)
	}

	after, err := c.DriveEntryPaths(ctx, "d1")
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Index mismatch after import:\n before %v\n after  %v", before, after)
	}

	// Directory flags survive the round trip.
	result, err := c.Search(ctx, "movies", SearchOptions{DriveID: "d1"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	found := false
	for _, row := range result.Rows {
		if row.Path == "/movies" {
			found = true
			if !row.IsDirectory {
				t.Errorf("Expected /movies to stay a directory")
			}
		}
	}
	if !found {
		t.Errorf("Expected /movies in search results, got %v", names(result))
	}

	// The other drive is untouched.
	count, err := c.CountDriveEntries(ctx, "d2")
	if err != nil {
		t.Fatalf("CountDriveEntries failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected drive d2 to keep its entry, got %d", count)
	}
}

func TestCatalog_ImportMissingArtifact(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	// sql.Open is lazy, so the failure surfaces at query time as a schema
	// error on the freshly created empty file.
	_, err := c.ImportDriveEntries(ctx, "d1", filepath.Join(t.TempDir(), "missing.db"))
	if err == nil {
		t.Fatalf("Expected import of a missing artifact to fail")
	}
}
