package data

import (
	"time"

	"github.com/google/uuid"
)

// DriveRecord describes one independently-scanned storage volume. Lives in the
// catalog store. Exactly one non-deleted record exists per live drive id.
type DriveRecord struct {
	ID            string
	Name          string
	Path          string
	TotalCapacity int64
	UsedSpace     int64
	FreeSpace     int64
	FormatType    string
	AddedAt       time.Time
	LastUpdatedAt time.Time

	// Soft marker, set only transiently before hard removal during cleanup.
	Deleted   bool
	DeletedAt time.Time

	// Authoritative generation counter. 0 means "init", N means "syncN".
	// The on-disk generation naming is a derived cache of this value.
	Generation int64
}

// NewDriveRecord creates a registry entry for a freshly added drive.
func NewDriveRecord(name, path string) *DriveRecord {
	now := time.Now()
	return &DriveRecord{
		ID:            uuid.NewString(),
		Name:          name,
		Path:          path,
		AddedAt:       now,
		LastUpdatedAt: now,
		Generation:    -1, // no generation allocated yet
	}
}
