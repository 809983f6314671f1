package store

import (
	"context"
	"testing"

	"github.com/mwantia/drivecatalog/data"
)

func seedIndex(t *testing.T, c *Catalog, entries []data.SearchEntry) {
	t.Helper()

	if err := c.InsertEntries(t.Context(), entries); err != nil {
		t.Fatalf("InsertEntries failed: %v", err)
	}
}

func names(result data.SearchResult) []string {
	out := make([]string, len(result.Rows))
	for i, row := range result.Rows {
		out[i] = row.Name
	}
	return out
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func TestCatalog_SearchModeMatch(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	seedIndex(t, c, []data.SearchEntry{
		{Name: "abcdef.txt", DriveID: "d1", Path: "/abcdef.txt"},
		{Name: "xabcx", DriveID: "d1", Path: "/xabcx"},
		{Name: "other.log", DriveID: "d1", Path: "/other.log"},
	})

	result, err := c.Search(ctx, "ab", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if result.Mode != data.SearchModeMatch {
		t.Errorf("Expected mode MATCH for a two-char query, got %s", result.Mode)
	}
	got := names(result)
	if !contains(got, "abcdef.txt") {
		t.Errorf("Expected prefix match to include abcdef.txt, got %v", got)
	}
	if contains(got, "xabcx") {
		t.Errorf("Prefix match must not include infix hit xabcx, got %v", got)
	}
}

func TestCatalog_SearchModeLike(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	seedIndex(t, c, []data.SearchEntry{
		{Name: "abcdef.txt", DriveID: "d1", Path: "/abcdef.txt"},
		{Name: "xabcx", DriveID: "d1", Path: "/xabcx"},
	})

	result, err := c.Search(ctx, "a", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if result.Mode != data.SearchModeLike {
		t.Errorf("Expected mode LIKE for a single-char query, got %s", result.Mode)
	}
	got := names(result)
	if !contains(got, "abcdef.txt") || contains(got, "xabcx") {
		t.Errorf("Expected name-prefix scan to return only abcdef.txt, got %v", got)
	}
}

func TestCatalog_SearchModeBlocked(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	seedIndex(t, c, []data.SearchEntry{
		{Name: "star*file", DriveID: "d1", Path: "/star"},
	})

	for _, query := range []string{"*", "%", "_", "."} {
		result, err := c.Search(ctx, query, SearchOptions{})
		if err != nil {
			t.Fatalf("Search(%q) failed: %v", query, err)
		}
		if result.Mode != data.SearchModeBlocked {
			t.Errorf("Search(%q): expected mode BLOCKED, got %s", query, result.Mode)
		}
		if len(result.Rows) != 0 || result.Total != 0 {
			t.Errorf("Search(%q): expected empty result, got %d rows", query, len(result.Rows))
		}
	}

	// Single letters and digits are scanned, not blocked.
	result, err := c.Search(ctx, "s", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if result.Mode != data.SearchModeLike {
		t.Errorf("Expected single letter to use mode LIKE, got %s", result.Mode)
	}
}

func TestCatalog_SearchDriveFilter(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	seedIndex(t, c, []data.SearchEntry{
		{Name: "report.pdf", DriveID: "d1", Path: "/report.pdf"},
		{Name: "report.pdf", DriveID: "d2", Path: "/docs/report.pdf"},
	})

	result, err := c.Search(ctx, "report", SearchOptions{DriveID: "d2"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if result.Total != 1 || len(result.Rows) != 1 {
		t.Fatalf("Expected exactly one hit, got total=%d rows=%d", result.Total, len(result.Rows))
	}
	if result.Rows[0].DriveID != "d2" {
		t.Errorf("Expected hit on drive d2, got %s", result.Rows[0].DriveID)
	}
}

func TestCatalog_SearchHideSystemFiles(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	seedIndex(t, c, []data.SearchEntry{
		{Name: "Thumbs.db", DriveID: "d1", Path: "/Thumbs.db"},
		{Name: "Thumbsup.txt", DriveID: "d1", Path: "/Thumbsup.txt"},
	})

	result, err := c.Search(ctx, "Thumbs", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Errorf("Expected both hits without the filter, got %v", names(result))
	}

	result, err = c.Search(ctx, "Thumbs", SearchOptions{HideSystemFiles: true})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	got := names(result)
	if contains(got, "Thumbs.db") {
		t.Errorf("Expected Thumbs.db to be filtered, got %v", got)
	}
	if !contains(got, "Thumbsup.txt") {
		t.Errorf("Expected Thumbsup.txt to survive the filter, got %v", got)
	}
}

func TestCatalog_SearchPagination(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	entries := make([]data.SearchEntry, 25)
	for i := range entries {
		entries[i] = data.SearchEntry{
			Name:    "clip.mp4",
			DriveID: "d1",
			Path:    "/videos/" + string(rune('a'+i)) + "/clip.mp4",
		}
	}
	seedIndex(t, c, entries)

	result, err := c.Search(ctx, "clip", SearchOptions{Limit: 10, Offset: 20})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if result.Total != 25 {
		t.Errorf("Expected total 25, got %d", result.Total)
	}
	if len(result.Rows) != 5 {
		t.Errorf("Expected 5 rows on the last page, got %d", len(result.Rows))
	}
}

func TestCatalog_DeleteDriveEntries(t *testing.T) {
	ctx := t.Context()
	c := newTestCatalog(t)

	seedIndex(t, c, []data.SearchEntry{
		{Name: "a.txt", DriveID: "d1", Path: "/a.txt"},
		{Name: "b.txt", DriveID: "d2", Path: "/b.txt"},
	})

	if err := c.DeleteDriveEntries(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDriveEntries failed: %v", err)
	}

	for id, want := range map[string]int64{"d1": 0, "d2": 1} {
		count, err := c.CountDriveEntries(ctx, id)
		if err != nil {
			t.Fatalf("CountDriveEntries failed: %v", err)
		}
		if count != want {
			t.Errorf("Drive %s: expected %d entries, got %d", id, want, count)
		}
	}
}

func TestCatalog_SearchEmptyQuery(t *testing.T) {
	c := newTestCatalog(t)

	result, err := c.Search(context.Background(), "   ", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.Rows) != 0 || result.Total != 0 {
		t.Errorf("Expected empty result for blank query, got %d rows", len(result.Rows))
	}
}
