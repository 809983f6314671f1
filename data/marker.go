package data

import "time"

// SyncPhase is the durable progress marker of an in-flight sync. Recovery
// strategy is a pure function of the phase found on restart.
type SyncPhase string

const (
	// Nothing mutated yet; safe to resume from idle.
	PhaseCatalogBackup SyncPhase = "catalog-backup"
	PhaseDriveBackup   SyncPhase = "drive-backup"

	// The new generation or the catalog may be half-written; the drive must
	// be restored from its backup.
	PhaseFileScan      SyncPhase = "file-scan"
	PhaseCatalogUpdate SyncPhase = "catalog-update"
	PhaseFinalization  SyncPhase = "finalization"
)

// Resumable reports whether the phase left all prior state untouched.
func (p SyncPhase) Resumable() bool {
	return p == PhaseCatalogBackup || p == PhaseDriveBackup
}

// CrashMarker is written before a sync begins and removed only on clean
// completion. Its presence at process start is the signal of an interrupted
// sync.
type CrashMarker struct {
	DriveID               string    `json:"drive_id"`
	Operation             string    `json:"operation"`
	Phase                 SyncPhase `json:"phase"`
	StartedAt             time.Time `json:"started_at"`
	CurrentGenerationName string    `json:"current_generation_name"`
	NewGenerationName     string    `json:"new_generation_name"`
	CatalogBackupTaken    bool      `json:"catalog_backup_taken"`
}

// RecoveryReport describes what recovery did on startup.
type RecoveryReport struct {
	CrashDetected bool
	Phase         SyncPhase
	DriveID       string
	Restored      bool
	Rebuilt       bool
	Detail        string
}
