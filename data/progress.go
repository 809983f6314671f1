package data

// Progress is emitted during long finalization work so interactive callers
// can render advancement and cancel between batches.
type Progress struct {
	Current    int64
	Total      int64
	Phase      string
	ETASeconds float64
}

// ProgressFunc receives throttled progress events. Implementations must not
// block; the sync loop calls them between batches.
type ProgressFunc func(Progress)
