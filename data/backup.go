package data

import "time"

type BackupType string

const (
	BackupTypeDrive   BackupType = "drive"
	BackupTypeCatalog BackupType = "catalog"
)

// BackupRecord describes one snapshot artifact in the backup directory.
// A drive backup corresponds to exactly the generation it replaced, which is
// what makes "restore the generation retired by this sync" deterministic.
type BackupRecord struct {
	ID         string
	Type       BackupType
	DriveID    string
	Generation string
	CreatedAt  time.Time
	SizeBytes  int64
	Path       string

	// Companion artifact holding the drive's exported search entries.
	// Empty for catalog backups.
	IndexPath string
}

// ValidationReport is the result of probing one backup artifact. A backup is
// usable only if all three checks hold.
type ValidationReport struct {
	Exists            bool
	OpensCleanly      bool
	HasExpectedSchema bool
}

func (r ValidationReport) Usable() bool {
	return r.Exists && r.OpensCleanly && r.HasExpectedSchema
}
