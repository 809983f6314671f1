package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mwantia/drivecatalog/backup"
	"github.com/mwantia/drivecatalog/data"
	"github.com/mwantia/drivecatalog/drive"
	"github.com/mwantia/drivecatalog/recovery"
	"github.com/mwantia/drivecatalog/store"
)

type syncEnv struct {
	root    string
	catalog *store.Catalog
	handles *drive.Cache
	backups *backup.Manager
	driveID string
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()

	root := t.TempDir()
	catalog, err := store.Open(filepath.Join(root, store.CatalogFileName), nil)
	if err != nil {
		t.Fatalf("Open catalog failed: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	handles := drive.NewCache(4, func(ctx context.Context, driveID string) (*drive.Store, error) {
		gen, path, err := drive.DiscoverCurrent(root, driveID)
		if err != nil {
			return nil, err
		}
		return drive.Open(path, driveID, gen)
	}, nil)
	t.Cleanup(func() { handles.Close() })

	backups, err := backup.NewManager(root, catalog, handles, nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	record := data.NewDriveRecord("shelf-a", "/mnt/shelf-a")
	if err := catalog.AddDrive(t.Context(), record); err != nil {
		t.Fatalf("AddDrive failed: %v", err)
	}

	return &syncEnv{
		root:    root,
		catalog: catalog,
		handles: handles,
		backups: backups,
		driveID: record.ID,
	}
}

func (e *syncEnv) session(progress data.ProgressFunc) *Session {
	return NewSession(e.root, e.catalog, e.handles, e.backups, progress, nil)
}

// runSync drives one full session to Committed.
func (e *syncEnv) runSync(t *testing.T, records []data.FileRecord) {
	t.Helper()
	ctx := t.Context()

	session := e.session(nil)
	if err := session.Begin(ctx, e.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := session.Append(ctx, records); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := session.Finalize(ctx); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
}

func fileRecords(paths ...string) []data.FileRecord {
	records := make([]data.FileRecord, len(paths))
	for i, p := range paths {
		records[i] = data.FileRecord{
			Name:       filepath.Base(p),
			Path:       p,
			ParentPath: filepath.Dir(p),
		}
	}
	return records
}

func TestSession_FirstSyncCommits(t *testing.T) {
	ctx := t.Context()
	env := newSyncEnv(t)

	var events []data.Progress
	session := env.session(func(p data.Progress) { events = append(events, p) })

	if err := session.Begin(ctx, env.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if got := session.State(); got != StateGenerationCreated {
		t.Errorf("Expected GenerationCreated after Begin, got %s", got)
	}

	// The marker tracks the in-flight sync while populating.
	marker, found, err := recovery.ReadMarker(env.root)
	if err != nil || !found || marker == nil {
		t.Fatalf("Expected a crash marker during sync, got found=%v err=%v", found, err)
	}
	if marker.Phase != data.PhaseFileScan || marker.DriveID != env.driveID {
		t.Errorf("Unexpected marker: %+v", marker)
	}
	if want := drive.GenerationFileName(env.driveID, 0); marker.NewGenerationName != want {
		t.Errorf("Expected marker to name the new generation %s, got %q", want, marker.NewGenerationName)
	}

	if err := session.Append(ctx, fileRecords("/a.txt", "/b.txt", "/c.txt")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got := session.State(); got != StatePopulating {
		t.Errorf("Expected Populating after Append, got %s", got)
	}

	if err := session.Finalize(ctx); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got := session.State(); got != StateCommitted {
		t.Errorf("Expected Committed, got %s", got)
	}

	// init generation on disk, marker gone, counter committed.
	initPath := filepath.Join(env.root, drive.GenerationFileName(env.driveID, 0))
	if _, err := os.Stat(initPath); err != nil {
		t.Errorf("Expected init generation at %s: %v", initPath, err)
	}
	if _, found, _ := recovery.ReadMarker(env.root); found {
		t.Errorf("Expected marker cleared after commit")
	}
	gen, err := env.catalog.CurrentGeneration(ctx, env.driveID)
	if err != nil {
		t.Fatalf("CurrentGeneration failed: %v", err)
	}
	if gen != 0 {
		t.Errorf("Expected generation 0, got %d", gen)
	}

	// Index corresponds exactly to the generation contents.
	paths, err := env.catalog.DriveEntryPaths(ctx, env.driveID)
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}
	if !reflect.DeepEqual(paths, []string{"/a.txt", "/b.txt", "/c.txt"}) {
		t.Errorf("Unexpected index contents: %v", paths)
	}

	if len(events) == 0 {
		t.Errorf("Expected at least one progress event")
	} else {
		last := events[len(events)-1]
		if last.Current != 3 || last.Total != 3 {
			t.Errorf("Expected final progress 3/3, got %+v", last)
		}
	}
}

func TestSession_SecondSyncRetiresPrevious(t *testing.T) {
	ctx := t.Context()
	env := newSyncEnv(t)

	env.runSync(t, fileRecords("/old.txt"))
	env.runSync(t, fileRecords("/new1.txt", "/new2.txt"))

	// The retired generation is gone, sync1 is current.
	initPath := filepath.Join(env.root, drive.GenerationFileName(env.driveID, 0))
	if _, err := os.Stat(initPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected init generation to be retired, got %v", err)
	}
	syncPath := filepath.Join(env.root, drive.GenerationFileName(env.driveID, 1))
	if _, err := os.Stat(syncPath); err != nil {
		t.Errorf("Expected sync1 generation at %s: %v", syncPath, err)
	}

	// It was backed up before deletion, with its index companion.
	groups, err := env.backups.GroupByDrive(ctx)
	if err != nil {
		t.Fatalf("GroupByDrive failed: %v", err)
	}
	var foundInit bool
	for _, record := range groups[env.driveID] {
		if record.Generation == "init" {
			foundInit = true
			if _, err := os.Stat(record.IndexPath); err != nil {
				t.Errorf("Expected index companion at %s: %v", record.IndexPath, err)
			}
		}
	}
	if !foundInit {
		t.Errorf("Expected a backup of the retired init generation, got %v", groups[env.driveID])
	}

	paths, err := env.catalog.DriveEntryPaths(ctx, env.driveID)
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}
	if !reflect.DeepEqual(paths, []string{"/new1.txt", "/new2.txt"}) {
		t.Errorf("Unexpected index contents: %v", paths)
	}
}

func TestSession_AbortKeepsPreSyncState(t *testing.T) {
	ctx := t.Context()
	env := newSyncEnv(t)

	env.runSync(t, fileRecords("/keep.txt"))
	before, err := env.catalog.DriveEntryPaths(ctx, env.driveID)
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}

	session := env.session(nil)
	if err := session.Begin(ctx, env.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := session.Append(ctx, fileRecords("/discard.txt")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := session.Abort(ctx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if got := session.State(); got != StateAborted {
		t.Errorf("Expected Aborted, got %s", got)
	}

	// New generation removed, previous kept, index untouched, marker gone.
	newPath := filepath.Join(env.root, drive.GenerationFileName(env.driveID, 1))
	if _, err := os.Stat(newPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected aborted generation to be removed, got %v", err)
	}
	initPath := filepath.Join(env.root, drive.GenerationFileName(env.driveID, 0))
	if _, err := os.Stat(initPath); err != nil {
		t.Errorf("Expected init generation to survive: %v", err)
	}

	after, err := env.catalog.DriveEntryPaths(ctx, env.driveID)
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Index changed across abort:\n before %v\n after  %v", before, after)
	}
	if _, found, _ := recovery.ReadMarker(env.root); found {
		t.Errorf("Expected marker cleared after abort")
	}
}

func TestSession_LateFinalizeFailureKeepsPreviousGeneration(t *testing.T) {
	ctx := t.Context()
	env := newSyncEnv(t)

	env.runSync(t, fileRecords("/keep.txt"))
	before, err := env.catalog.DriveEntryPaths(ctx, env.driveID)
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}

	session := env.session(nil)
	if err := session.Begin(ctx, env.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := session.Append(ctx, fileRecords("/discard.txt")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Make the commit point unreachable: replace the marker flag with a
	// non-empty directory so clearing it fails right after the counter bump.
	flagPath := filepath.Join(env.root, recovery.MarkerFlagName)
	if err := os.Remove(flagPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := os.Mkdir(flagPath, 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(flagPath, "blocker"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := session.Finalize(ctx); err == nil {
		t.Fatalf("Expected Finalize to fail")
	}
	if got := session.State(); got != StateAborted {
		t.Errorf("Expected Aborted after failed finalize, got %s", got)
	}

	// The retired generation was never deleted and the new one is gone.
	initPath := filepath.Join(env.root, drive.GenerationFileName(env.driveID, 0))
	if _, err := os.Stat(initPath); err != nil {
		t.Errorf("Expected previous generation to survive: %v", err)
	}
	newPath := filepath.Join(env.root, drive.GenerationFileName(env.driveID, 1))
	if _, err := os.Stat(newPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected failed generation to be removed, got %v", err)
	}

	after, err := env.catalog.DriveEntryPaths(ctx, env.driveID)
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Index changed across failed finalize:\n before %v\n after  %v", before, after)
	}

	gen, err := env.catalog.CurrentGeneration(ctx, env.driveID)
	if err != nil {
		t.Fatalf("CurrentGeneration failed: %v", err)
	}
	if gen != 0 {
		t.Errorf("Expected generation counter rolled back to 0, got %d", gen)
	}
}

func TestSession_GenerationNamesNeverReused(t *testing.T) {
	ctx := t.Context()
	env := newSyncEnv(t)

	env.runSync(t, fileRecords("/a.txt"))

	// An aborted sync burns its generation number.
	session := env.session(nil)
	if err := session.Begin(ctx, env.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := session.Abort(ctx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	session = env.session(nil)
	if err := session.Begin(ctx, env.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer session.Abort(ctx)

	sync2 := filepath.Join(env.root, drive.GenerationFileName(env.driveID, 2))
	if _, err := os.Stat(sync2); err != nil {
		t.Errorf("Expected the new sync to skip the burned name and use sync2: %v", err)
	}
}

func TestSession_StateErrors(t *testing.T) {
	ctx := t.Context()
	env := newSyncEnv(t)

	session := env.session(nil)

	if err := session.Append(ctx, fileRecords("/a.txt")); !errors.Is(err, data.ErrSyncState) {
		t.Errorf("Expected ErrSyncState for Append before Begin, got %v", err)
	}
	if err := session.Finalize(ctx); !errors.Is(err, data.ErrSyncState) {
		t.Errorf("Expected ErrSyncState for Finalize before Begin, got %v", err)
	}

	if err := session.Begin(ctx, env.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := session.Begin(ctx, env.driveID); !errors.Is(err, data.ErrSyncState) {
		t.Errorf("Expected ErrSyncState for a second Begin, got %v", err)
	}

	if err := session.Abort(ctx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := session.Abort(ctx); !errors.Is(err, data.ErrSyncState) {
		t.Errorf("Expected ErrSyncState for a second Abort, got %v", err)
	}
}

func TestSession_BeginUnknownDrive(t *testing.T) {
	env := newSyncEnv(t)

	session := env.session(nil)
	err := session.Begin(t.Context(), "no-such-drive")
	if !errors.Is(err, data.ErrDriveNotFound) {
		t.Errorf("Expected ErrDriveNotFound, got %v", err)
	}
}

func TestSession_DuplicateBatchKeepsSessionAlive(t *testing.T) {
	ctx := t.Context()
	env := newSyncEnv(t)

	session := env.session(nil)
	if err := session.Begin(ctx, env.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := session.Append(ctx, fileRecords("/a.txt")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// A duplicate path rejects the batch but not the session.
	err := session.Append(ctx, fileRecords("/a.txt"))
	if !errors.Is(err, data.ErrIntegrity) {
		t.Fatalf("Expected ErrIntegrity, got %v", err)
	}
	if got := session.State(); got != StatePopulating {
		t.Errorf("Expected session to stay populating, got %s", got)
	}

	if err := session.Append(ctx, fileRecords("/b.txt")); err != nil {
		t.Fatalf("Append after rejected batch failed: %v", err)
	}
	if err := session.Finalize(ctx); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	paths, err := env.catalog.DriveEntryPaths(ctx, env.driveID)
	if err != nil {
		t.Fatalf("DriveEntryPaths failed: %v", err)
	}
	if !reflect.DeepEqual(paths, []string{"/a.txt", "/b.txt"}) {
		t.Errorf("Unexpected index contents: %v", paths)
	}
}

func TestSession_CancelledContextAborts(t *testing.T) {
	env := newSyncEnv(t)

	session := env.session(nil)
	if err := session.Begin(t.Context(), env.driveID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	err := session.Append(cancelled, fileRecords("/a.txt"))
	if !errors.Is(err, data.ErrSyncAborted) {
		t.Errorf("Expected ErrSyncAborted, got %v", err)
	}
	if got := session.State(); got != StateAborted {
		t.Errorf("Expected Aborted after cancellation, got %s", got)
	}
	if _, found, _ := recovery.ReadMarker(env.root); found {
		t.Errorf("Expected marker cleared after cancellation")
	}
}
