package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mwantia/drivecatalog/data"
)

// DefaultSearchBudget bounds the wall clock of one search to protect
// interactive callers. On deadline the rows collected so far are returned.
const DefaultSearchBudget = 5 * time.Second

// DefaultEntryBatch is the insert batch size used when rebuilding a drive's
// slice of the search index.
const DefaultEntryBatch = 10000

// Well-known OS artifacts filtered out when HideSystemFiles is set. The "._"
// prefix covers AppleDouble sidecar files.
var systemArtifactNames = []string{
	".DS_Store",
	".Spotlight-V100",
	".TemporaryItems",
	".Trashes",
	".fseventsd",
	"$RECYCLE.BIN",
	"System Volume Information",
	"Thumbs.db",
	"desktop.ini",
	"hiberfil.sys",
	"pagefile.sys",
	"swapfile.sys",
}

const systemArtifactPrefix = "._"

type SearchOptions struct {
	Offset          int
	Limit           int
	DriveID         string
	HideSystemFiles bool

	// Zero means DefaultSearchBudget.
	Budget time.Duration
}

// Search executes a cross-drive query against the index.
//
// The query is tokenized on whitespace. When the concatenated token length is
// at least two characters, a prefix-match boolean expression (AND across
// tokens) runs against the FTS index ranked by relevance (mode MATCH). A
// single-character query, or any index execution error, degrades to a linear
// prefix scan ordered by name (mode LIKE). Punctuation-only single-character
// queries short-circuit to an empty result (mode BLOCKED).
//
// Exceeding the wall-clock budget returns the partial rows collected so far
// together with ErrTimeout.
func (c *Catalog) Search(ctx context.Context, query string, opts SearchOptions) (data.SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultSearchBudget
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return data.SearchResult{Mode: data.SearchModeLike}, nil
	}

	if blocked(tokens) {
		return data.SearchResult{Mode: data.SearchModeBlocked}, nil
	}

	if tokenLength(tokens) >= 2 {
		result, err := c.searchMatch(ctx, tokens, opts)
		if err == nil || errors.Is(err, data.ErrTimeout) {
			return result, err
		}
		// Index execution failed; degrade to the linear scan.
		c.log.Debug("fts search failed, falling back to scan: %v", err)
	}

	return c.searchLike(ctx, tokens, opts)
}

// blocked reports whether the query is a single punctuation-only character,
// e.g. a bare wildcard, which would trigger a pathological scan.
func blocked(tokens []string) bool {
	if len(tokens) != 1 || utf8.RuneCountInString(tokens[0]) != 1 {
		return false
	}

	r, _ := utf8.DecodeRuneInString(tokens[0])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func tokenLength(tokens []string) int {
	total := 0
	for _, tok := range tokens {
		total += utf8.RuneCountInString(tok)
	}
	return total
}

func (c *Catalog) searchMatch(ctx context.Context, tokens []string, opts SearchOptions) (data.SearchResult, error) {
	result := data.SearchResult{Mode: data.SearchModeMatch}

	// Each token becomes a quoted prefix term; AND across tokens.
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"*`
	}
	match := strings.Join(terms, " AND ")

	where := "search_index MATCH ?"
	args := []any{match}
	where, args = c.appendFilters(where, args, opts)

	if err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM search_index WHERE "+where, args...,
	).Scan(&result.Total); err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: search budget exceeded", data.ErrTimeout)
		}
		return result, err
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, drive_id, path, is_directory FROM search_index
		WHERE `+where+` ORDER BY rank LIMIT ? OFFSET ?`, args...)
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: search budget exceeded", data.ErrTimeout)
		}
		return result, err
	}
	defer rows.Close()

	return c.collectEntries(ctx, rows, result)
}

func (c *Catalog) searchLike(ctx context.Context, tokens []string, opts SearchOptions) (data.SearchResult, error) {
	result := data.SearchResult{Mode: data.SearchModeLike}

	// The whole query becomes a single name prefix.
	prefix := escapeLike(strings.Join(tokens, " ")) + "%"

	where := `name LIKE ? ESCAPE '\'`
	args := []any{prefix}
	where, args = c.appendFilters(where, args, opts)

	if err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM search_index WHERE "+where, args...,
	).Scan(&result.Total); err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: search budget exceeded", data.ErrTimeout)
		}
		return result, fmt.Errorf("%w: search scan: %v", data.ErrIO, err)
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, drive_id, path, is_directory FROM search_index
		WHERE `+where+` ORDER BY name LIMIT ? OFFSET ?`, args...)
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: search budget exceeded", data.ErrTimeout)
		}
		return result, fmt.Errorf("%w: search scan: %v", data.ErrIO, err)
	}
	defer rows.Close()

	return c.collectEntries(ctx, rows, result)
}

func (c *Catalog) appendFilters(where string, args []any, opts SearchOptions) (string, []any) {
	if opts.DriveID != "" {
		where += " AND drive_id = ?"
		args = append(args, opts.DriveID)
	}

	if opts.HideSystemFiles {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(systemArtifactNames)), ",")
		where += " AND name NOT IN (" + placeholders + `) AND name NOT LIKE ? ESCAPE '\'`
		for _, name := range systemArtifactNames {
			args = append(args, name)
		}
		args = append(args, escapeLike(systemArtifactPrefix)+"%")
	}

	return where, args
}

func (c *Catalog) collectEntries(ctx context.Context, rows *sql.Rows, result data.SearchResult) (data.SearchResult, error) {
	for rows.Next() {
		var entry data.SearchEntry
		var isDir string
		if err := rows.Scan(&entry.Name, &entry.DriveID, &entry.Path, &isDir); err != nil {
			return result, fmt.Errorf("%w: scan search row: %v", data.ErrIO, err)
		}
		entry.IsDirectory = isDir == "1"
		result.Rows = append(result.Rows, entry)
	}

	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			// Partial rows are still useful to the caller.
			return result, fmt.Errorf("%w: search budget exceeded", data.ErrTimeout)
		}
		return result, err
	}

	return result, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// DeleteDriveEntries removes every search entry belonging to a drive. Called
// before finalization streams in the new generation, and when a drive is
// removed.
func (c *Catalog) DeleteDriveEntries(ctx context.Context, driveID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM search_index WHERE drive_id = ?", driveID); err != nil {
		return fmt.Errorf("%w: delete search entries: %v", data.ErrIO, err)
	}

	return nil
}

// InsertEntries appends a batch of search entries inside one transaction.
func (c *Catalog) InsertEntries(ctx context.Context, entries []data.SearchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: insert search entries: %v", data.ErrIO, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO search_index (name, drive_id, path, is_directory) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%w: insert search entries: %v", data.ErrIO, err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx, entry.Name, entry.DriveID, entry.Path,
			boolText(entry.IsDirectory)); err != nil {
			return fmt.Errorf("%w: insert search entries: %v", data.ErrIO, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: insert search entries: %v", data.ErrIO, err)
	}

	return nil
}

// CountDriveEntries returns the number of index entries for a drive.
func (c *Catalog) CountDriveEntries(ctx context.Context, driveID string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var count int64
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM search_index WHERE drive_id = ?", driveID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count search entries: %v", data.ErrIO, err)
	}

	return count, nil
}

// DriveEntryPaths returns the set of indexed paths for a drive, ordered.
// Used by recovery checks and tests to verify index correspondence.
func (c *Catalog) DriveEntryPaths(ctx context.Context, driveID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx,
		"SELECT path FROM search_index WHERE drive_id = ? ORDER BY path", driveID)
	if err != nil {
		return nil, fmt.Errorf("%w: list entry paths: %v", data.ErrIO, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: list entry paths: %v", data.ErrIO, err)
		}
		paths = append(paths, p)
	}

	return paths, rows.Err()
}

func boolText(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
