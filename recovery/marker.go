// Package recovery implements crash detection, the phase-driven recovery of
// interrupted syncs and the last-resort catalog rebuild.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mwantia/drivecatalog/data"
)

// Marker file names inside the storage root. The flag is created after the
// payload, so a flag without a payload can only mean the payload write was
// torn away by a crash in a previous run.
const (
	MarkerFlagName    = ".sync-in-progress"
	MarkerPayloadName = ".sync-crash-data.json"
)

func markerFlagPath(root string) string {
	return filepath.Join(root, MarkerFlagName)
}

func markerPayloadPath(root string) string {
	return filepath.Join(root, MarkerPayloadName)
}

// WriteMarker durably records an in-flight sync. The payload is written to a
// temp file and renamed into place; the flag file is created last.
func WriteMarker(root string, marker *data.CrashMarker) error {
	if err := writePayload(root, marker); err != nil {
		return err
	}

	flag, err := os.OpenFile(markerFlagPath(root), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: write crash marker flag: %v", data.ErrIO, err)
	}

	return flag.Close()
}

// UpdateMarker rewrites the payload with the same temp-then-rename pattern.
// Called at every state transition of the sync protocol.
func UpdateMarker(root string, marker *data.CrashMarker) error {
	return writePayload(root, marker)
}

func writePayload(root string, marker *data.CrashMarker) error {
	payload, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal crash marker: %v", data.ErrIO, err)
	}

	tmp, err := os.CreateTemp(root, MarkerPayloadName+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: write crash marker: %v", data.ErrIO, err)
	}

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write crash marker: %v", data.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: sync crash marker: %v", data.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: close crash marker: %v", data.ErrIO, err)
	}

	if err := os.Rename(tmp.Name(), markerPayloadPath(root)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: rename crash marker: %v", data.ErrIO, err)
	}

	return nil
}

// ReadMarker inspects the storage root for an interrupted sync. found
// reports whether the flag file exists; marker is nil when the payload is
// missing or unreadable even though the flag is set.
func ReadMarker(root string) (marker *data.CrashMarker, found bool, err error) {
	if _, err := os.Stat(markerFlagPath(root)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: stat crash marker: %v", data.ErrIO, err)
	}

	payload, err := os.ReadFile(markerPayloadPath(root))
	if err != nil {
		// Flag without payload: crashed before the first payload rename.
		return nil, true, nil
	}

	var m data.CrashMarker
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, true, nil
	}

	return &m, true, nil
}

// ClearMarker removes both marker files, flag first. A payload left behind
// without its flag is ignored by ReadMarker.
func ClearMarker(root string) error {
	errs := &data.Errors{}

	if err := os.Remove(markerFlagPath(root)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs.Add(fmt.Errorf("%w: clear crash marker: %v", data.ErrIO, err))
	}
	if err := os.Remove(markerPayloadPath(root)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs.Add(fmt.Errorf("%w: clear crash marker: %v", data.ErrIO, err))
	}

	return errs.Errors()
}
