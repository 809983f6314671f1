package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/drive"
	"github.com/mwantia/drivecatalog/log"
	"github.com/mwantia/drivecatalog/recovery"
	"github.com/mwantia/drivecatalog/store"
	"github.com/mwantia/drivecatalog/syncer"
)

func newTestEngine(t *testing.T, root string, options ...EngineOption) *Engine {
	t.Helper()

	options = append([]EngineOption{WithLogLevel(log.Error)}, options...)
	e, err := New(root, options...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	return e
}

func syncDrive(t *testing.T, e *Engine, driveID string, records []data.FileRecord) {
	t.Helper()
	ctx := t.Context()

	if err := e.BeginSync(ctx, driveID); err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if err := e.AppendRecords(ctx, records); err != nil {
		t.Fatalf("AppendRecords failed: %v", err)
	}
	if err := e.FinalizeSync(ctx); err != nil {
		t.Fatalf("FinalizeSync failed: %v", err)
	}
}

func sampleRecords() []data.FileRecord {
	return []data.FileRecord{
		{Name: "docs", Path: "/docs", ParentPath: "", IsDirectory: true, Depth: 1},
		{Name: "report.pdf", Path: "/docs/report.pdf", ParentPath: "/docs", Size: 1024, Depth: 2},
		{Name: "music.mp3", Path: "/music.mp3", ParentPath: "", Size: 4096, Depth: 1},
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	ctx := t.Context()
	e := newTestEngine(t, t.TempDir())

	record, err := e.AddDrive(ctx, "shelf-a", "/mnt/shelf-a")
	if err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}

	syncDrive(t, e, record.ID, sampleRecords())
	if got := e.SyncState(); got != syncer.StateCommitted {
		t.Errorf("Expected Committed, got %s", got)
	}

	result := e.Search(ctx, "report", store.SearchOptions{})
	if result.Mode != data.SearchModeMatch || result.Total != 1 {
		t.Fatalf("Unexpected search result: mode=%s total=%d", result.Mode, result.Total)
	}
	hit := result.Rows[0]
	if hit.Path != "/docs/report.pdf" || hit.DriveID != record.ID {
		t.Errorf("Unexpected hit: %+v", hit)
	}

	details, err := e.GetDetails(ctx, hit.DriveID, hit.Path)
	if err != nil {
		t.Fatalf("GetDetails failed: %v", err)
	}
	if details.Size != 1024 || details.ParentPath != "/docs" {
		t.Errorf("Unexpected details: %+v", details)
	}

	roots, err := e.ListRoot(ctx, record.ID)
	if err != nil {
		t.Fatalf("ListRoot failed: %v", err)
	}
	if len(roots) != 2 || roots[0].Name != "docs" || roots[1].Name != "music.mp3" {
		t.Errorf("Unexpected root listing: %+v", roots)
	}

	counts, err := e.CountFiles(ctx, record.ID)
	if err != nil {
		t.Fatalf("CountFiles failed: %v", err)
	}
	if counts.Total != 3 || counts.Directories != 1 || counts.Files != 2 {
		t.Errorf("Unexpected counts: %+v", counts)
	}

	if err := e.UpdateFileSize(ctx, record.ID, "/music.mp3", 8192); err != nil {
		t.Fatalf("UpdateFileSize failed: %v", err)
	}
	details, err = e.GetDetails(ctx, record.ID, "/music.mp3")
	if err != nil {
		t.Fatalf("GetDetails failed: %v", err)
	}
	if details.Size != 8192 {
		t.Errorf("Expected size 8192 after update, got %d", details.Size)
	}

	size, err := e.DatabaseSize(ctx, record.ID)
	if err != nil || size <= 0 {
		t.Errorf("Expected a positive drive database size, got %d, %v", size, err)
	}
	size, err = e.CatalogSize()
	if err != nil || size <= 0 {
		t.Errorf("Expected a positive catalog size, got %d, %v", size, err)
	}

	health, err := e.SearchIndexHealth(ctx)
	if err != nil {
		t.Fatalf("SearchIndexHealth failed: %v", err)
	}
	if health.Entries != 3 || !health.IntegrityOK {
		t.Errorf("Unexpected index health: %+v", health)
	}
}

func TestEngine_SyncSerialized(t *testing.T) {
	ctx := t.Context()
	e := newTestEngine(t, t.TempDir())

	first, err := e.AddDrive(ctx, "first", "/mnt/first")
	if err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}
	second, err := e.AddDrive(ctx, "second", "/mnt/second")
	if err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}

	if err := e.BeginSync(ctx, first.ID); err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if err := e.BeginSync(ctx, second.ID); !errors.Is(err, data.ErrSyncActive) {
		t.Errorf("Expected ErrSyncActive, got %v", err)
	}

	if err := e.AbortSync(ctx); err != nil {
		t.Fatalf("AbortSync failed: %v", err)
	}

	// A terminal session no longer blocks the next one.
	if err := e.BeginSync(ctx, second.ID); err != nil {
		t.Fatalf("BeginSync after abort failed: %v", err)
	}
	if err := e.AbortSync(ctx); err != nil {
		t.Fatalf("AbortSync failed: %v", err)
	}
}

func TestEngine_NoActiveSync(t *testing.T) {
	ctx := t.Context()
	e := newTestEngine(t, t.TempDir())

	if err := e.AppendRecords(ctx, sampleRecords()); !errors.Is(err, data.ErrSyncState) {
		t.Errorf("Expected ErrSyncState, got %v", err)
	}
	if err := e.FinalizeSync(ctx); !errors.Is(err, data.ErrSyncState) {
		t.Errorf("Expected ErrSyncState, got %v", err)
	}
	if err := e.AbortSync(ctx); !errors.Is(err, data.ErrSyncState) {
		t.Errorf("Expected ErrSyncState, got %v", err)
	}
	if got := e.SyncState(); got != syncer.StateIdle {
		t.Errorf("Expected Idle, got %s", got)
	}
}

func TestEngine_RemoveDrive(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	e := newTestEngine(t, root)

	record, err := e.AddDrive(ctx, "doomed", "/mnt/doomed")
	if err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}
	syncDrive(t, e, record.ID, sampleRecords())

	if err := e.RemoveDrive(ctx, record.ID); err != nil {
		t.Fatalf("RemoveDrive failed: %v", err)
	}

	if _, err := e.GetDrive(ctx, record.ID); !errors.Is(err, data.ErrDriveNotFound) {
		t.Errorf("Expected ErrDriveNotFound, got %v", err)
	}

	drives, err := e.ListDrives(ctx)
	if err != nil {
		t.Fatalf("ListDrives failed: %v", err)
	}
	if len(drives) != 0 {
		t.Errorf("Expected no drives, got %d", len(drives))
	}

	result := e.Search(ctx, "report", store.SearchOptions{})
	if result.Total != 0 {
		t.Errorf("Expected no search hits after removal, got %d", result.Total)
	}

	genPath := filepath.Join(root, drive.GenerationFileName(record.ID, 0))
	if _, err := os.Stat(genPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected generation file to be gone, got %v", err)
	}
}

func TestEngine_RestoreLatestBackup(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	e := newTestEngine(t, root)

	record, err := e.AddDrive(ctx, "roll-back", "/mnt/roll-back")
	if err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}

	syncDrive(t, e, record.ID, []data.FileRecord{
		{Name: "old.txt", Path: "/old.txt", ParentPath: ""},
	})
	// The second sync backs up init before retiring it.
	syncDrive(t, e, record.ID, []data.FileRecord{
		{Name: "new.txt", Path: "/new.txt", ParentPath: ""},
	})

	restored, err := e.Restore(ctx, record.ID)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Generation != "init" {
		t.Errorf("Expected restore of init, got %s", restored.Generation)
	}

	// sync1 would shadow the restored generation and must be gone.
	syncPath := filepath.Join(root, drive.GenerationFileName(record.ID, 1))
	if _, err := os.Stat(syncPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected sync1 to be removed, got %v", err)
	}

	got, err := e.GetDrive(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetDrive failed: %v", err)
	}
	if got.Generation != 0 {
		t.Errorf("Expected generation counter 0, got %d", got.Generation)
	}

	if _, err := e.GetDetails(ctx, record.ID, "/old.txt"); err != nil {
		t.Errorf("Expected /old.txt back after restore: %v", err)
	}

	result := e.Search(ctx, "old", store.SearchOptions{DriveID: record.ID})
	if result.Total != 1 {
		t.Errorf("Expected the restored index to hold /old.txt, got %d hits", result.Total)
	}
}

func TestEngine_RecoversInterruptedSyncAtStartup(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()

	e := newTestEngine(t, root)
	record, err := e.AddDrive(ctx, "survivor", "/mnt/survivor")
	if err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}
	syncDrive(t, e, record.ID, sampleRecords())
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Stage the leftovers of a process killed right after the safety backups.
	strayName := drive.GenerationFileName(record.ID, 1)
	if err := os.WriteFile(filepath.Join(root, strayName), nil, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := recovery.WriteMarker(root, &data.CrashMarker{
		DriveID:               record.ID,
		Operation:             "sync",
		Phase:                 data.PhaseDriveBackup,
		CurrentGenerationName: drive.GenerationFileName(record.ID, 0),
		NewGenerationName:     strayName,
	}); err != nil {
		t.Fatalf("WriteMarker failed: %v", err)
	}

	e2 := newTestEngine(t, root)

	if _, found, _ := recovery.ReadMarker(root); found {
		t.Errorf("Expected startup recovery to clear the marker")
	}
	if _, err := os.Stat(filepath.Join(root, strayName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected stray generation to be removed, got %v", err)
	}

	counts, err := e2.CountFiles(ctx, record.ID)
	if err != nil {
		t.Fatalf("CountFiles failed: %v", err)
	}
	if counts.Total != 3 {
		t.Errorf("Expected committed data to survive, got %d rows", counts.Total)
	}
}

func TestEngine_RebuildCatalogFromDriveStores(t *testing.T) {
	ctx := t.Context()
	e := newTestEngine(t, t.TempDir())

	record, err := e.AddDrive(ctx, "rebuildable", "/mnt/rebuildable")
	if err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}
	syncDrive(t, e, record.ID, sampleRecords())

	before := e.Search(ctx, "report", store.SearchOptions{})
	if before.Total != 1 {
		t.Fatalf("Expected one hit before rebuild, got %d", before.Total)
	}

	if err := e.RebuildCatalogFromDriveStores(ctx); err != nil {
		t.Fatalf("RebuildCatalogFromDriveStores failed: %v", err)
	}

	drives, err := e.ListDrives(ctx)
	if err != nil {
		t.Fatalf("ListDrives failed: %v", err)
	}
	if len(drives) != 1 || drives[0].ID != record.ID || drives[0].Generation != 0 {
		t.Errorf("Unexpected registry after rebuild: %+v", drives)
	}

	after := e.Search(ctx, "report", store.SearchOptions{})
	if !reflect.DeepEqual(before.Rows, after.Rows) {
		t.Errorf("Search results changed across rebuild:\n before %v\n after  %v", before.Rows, after.Rows)
	}
}

func TestEngine_QueriesDuringRebuild(t *testing.T) {
	ctx := t.Context()
	e := newTestEngine(t, t.TempDir())

	record, err := e.AddDrive(ctx, "busy", "/mnt/busy")
	if err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}
	syncDrive(t, e, record.ID, sampleRecords())

	// Readers racing the catalog swap may see a closed store, which is a
	// clean error, never a torn read.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				e.GetDrive(ctx, record.ID)
				e.Search(ctx, "report", store.SearchOptions{})
			}
		}()
	}

	for range 5 {
		if err := e.RebuildCatalogFromDriveStores(ctx); err != nil {
			t.Errorf("RebuildCatalogFromDriveStores failed: %v", err)
		}
	}
	close(done)
	wg.Wait()

	got, err := e.GetDrive(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetDrive failed: %v", err)
	}
	if got.Generation != 0 {
		t.Errorf("Expected generation 0 after rebuilds, got %d", got.Generation)
	}
	result := e.Search(ctx, "report", store.SearchOptions{})
	if result.Total != 1 {
		t.Errorf("Expected one hit after rebuilds, got %d", result.Total)
	}
}
