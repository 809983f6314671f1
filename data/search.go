package data

// SearchEntry is the denormalized projection of a FileRecord held in the
// catalog's full-text index. The index for a drive is either empty or in 1:1
// correspondence with that drive's current generation, never a mix of two.
type SearchEntry struct {
	Name        string
	DriveID     string
	Path        string
	IsDirectory bool
}

// SearchMode reports which strategy produced a search result. Returned to the
// caller for diagnostics, not just as an implementation detail.
type SearchMode string

const (
	// Indexed prefix token match, ranked by relevance.
	SearchModeMatch SearchMode = "MATCH"
	// Linear prefix scan, alphabetical. Fallback for single-character queries
	// and for index execution errors.
	SearchModeLike SearchMode = "LIKE"
	// Query short-circuited to an empty result (punctuation-only input).
	SearchModeBlocked SearchMode = "BLOCKED"
)

type SearchResult struct {
	Rows  []SearchEntry
	Total int64
	Mode  SearchMode
}

// IndexHealth is the advisory diagnostic surface over the search index.
type IndexHealth struct {
	Entries       int64
	DrivesIndexed int64
	IntegrityOK   bool
	SizeBytes     int64
}
