package data

import (
	"errors"
	"sync"
)

// Standard engine errors. Store and manager implementations wrap these with
// fmt.Errorf("%w: ...") so callers can classify failures with errors.Is.
var (
	// Filesystem and permission failures. A sync that hits one of these aborts.
	ErrIO = errors.New("catalog: io failure")

	// Duplicate or malformed record. Aborts the current batch only; prior
	// batches stay committed.
	ErrIntegrity = errors.New("catalog: integrity violation")

	// Unexpected database shape, typically found while validating a backup.
	ErrSchema = errors.New("catalog: unexpected schema")

	// Search exceeded its wall-clock budget. Carries a best-effort partial
	// result, never fatal.
	ErrTimeout = errors.New("catalog: operation timed out")

	// Every recovery path failed, including the rebuild fallback.
	ErrCrashRecovery = errors.New("catalog: crash recovery failed")

	// Lookup errors
	ErrDriveNotFound = errors.New("catalog: drive not found")
	ErrDriveExists   = errors.New("catalog: drive already exists")
	ErrFileNotFound  = errors.New("catalog: file record not found")
	ErrNoBackup      = errors.New("catalog: no usable backup")
	ErrNoGeneration  = errors.New("catalog: drive has no generation")

	// Sync lifecycle errors
	ErrSyncActive  = errors.New("catalog: another sync is active")
	ErrSyncState   = errors.New("catalog: invalid sync state transition")
	ErrSyncAborted = errors.New("catalog: sync aborted")

	ErrClosed = errors.New("catalog: store already closed")
)

type Errors struct {
	mu     sync.RWMutex
	errors []error
}

func (e *Errors) Add(err error) {
	if err == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.errors = append(e.errors, err)
}

func (e *Errors) Errors() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.errors) == 0 {
		return nil
	}

	return errors.Join(e.errors...)
}
