// Package syncer implements the versioning and sync protocol: a state
// machine that builds a new drive generation, rewrites the catalog index for
// the drive and retires the previous generation only after it is backed up.
package syncer

// State is the position of a sync session in the protocol.
//
//	Idle → GenerationCreated → Populating → Finalizing → Committed
//
// Any non-terminal state can transition to Aborted on failure or explicit
// cancellation, restoring the exact pre-sync state.
type State int

const (
	StateIdle State = iota
	StateGenerationCreated
	StatePopulating
	StateFinalizing
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateGenerationCreated:
		return "GENERATION_CREATED"
	case StatePopulating:
		return "POPULATING"
	case StateFinalizing:
		return "FINALIZING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}
