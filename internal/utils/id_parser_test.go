package utils_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage/sqlite"
	"github.com/HerbCaudill/beads-ui-sub002/internal/utils"
)

func TestParseIssueID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		prefix   string
		expected string
	}{
		{"already has prefix", "bd-a3f8e9", "bd-", "bd-a3f8e9"},
		{"missing prefix", "a3f8e9", "bd-", "bd-a3f8e9"},
		{"hierarchical with prefix", "bd-a3f8e9.1.2", "bd-", "bd-a3f8e9.1.2"},
		{"hierarchical without prefix", "a3f8e9.1.2", "bd-", "bd-a3f8e9.1.2"},
		{"prefix without hyphen", "12", "UI", "UI-12"},
		{"default prefix", "7", "", "bd-7"},
		{"surrounding space", "  UI-3 ", "UI", "UI-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := utils.ParseIssueID(tt.input, tt.prefix)
			if result != tt.expected {
				t.Errorf("ParseIssueID(%q, %q) = %q; want %q", tt.input, tt.prefix, result, tt.expected)
			}
		})
	}
}

// newStore creates a store holding count issues, UI-1..UI-count.
func newStore(t *testing.T, count int) *sqlite.SQLiteStorage {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "beads.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.SetConfig(ctx, "issue_prefix", "UI"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < count; i++ {
		if _, err := store.CreateIssue(ctx, storage.NewIssue{Title: "Issue", Priority: 2}); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestResolvePartialID(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 12)

	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  error
	}{
		{name: "exact match", input: "UI-1", expected: "UI-1"},
		{name: "number only", input: "1", expected: "UI-1"},
		{name: "two digits", input: "10", expected: "UI-10"},
		{name: "exact wins over longer ids", input: "UI-1", expected: "UI-1"},
		{name: "nonexistent", input: "UI-999", wantErr: storage.ErrNotFound},
		{name: "empty", input: " ", wantErr: storage.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := utils.ResolvePartialID(ctx, store, tt.input, "UI")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ResolvePartialID(%q) error = %v; want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePartialID(%q) unexpected error: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("ResolvePartialID(%q) = %q; want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestResolvePartialIDPrefixMatch(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 12)

	// With UI-1 gone, "1" is a prefix of UI-10, UI-11 and UI-12.
	if err := store.DeleteIssue(ctx, "UI-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := utils.ResolvePartialID(ctx, store, "1", "UI"); !errors.Is(err, storage.ErrInvalid) {
		t.Errorf("ambiguous input error = %v; want ErrInvalid", err)
	}

	// With UI-1x gone too, "1" names exactly one issue.
	for _, id := range []string{"UI-10", "UI-11"} {
		if err := store.DeleteIssue(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	got, err := utils.ResolvePartialID(ctx, store, "1", "UI")
	if err != nil {
		t.Fatalf("ResolvePartialID failed: %v", err)
	}
	if got != "UI-12" {
		t.Errorf("ResolvePartialID(\"1\") = %q; want UI-12", got)
	}
}

func TestExtractIssueNumber(t *testing.T) {
	tests := []struct {
		issueID  string
		expected int
	}{
		{"bd-123", 123},
		{"bd-a3f8e9", 0},
		{"bd-42.1.2", 0},
		{"invalid", 0},
		{"", 0},
		{"bd-", 0},
		{"bd-0", 0},
		{"bd-999999", 999999},
		{"alpha-beta-7", 7},
	}

	for _, tt := range tests {
		if result := utils.ExtractIssueNumber(tt.issueID); result != tt.expected {
			t.Errorf("ExtractIssueNumber(%q) = %d; want %d", tt.issueID, result, tt.expected)
		}
	}
}
