// Package utils provides utility functions for issue ID parsing and resolution.
package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
)

// ParseIssueID ensures an issue ID has the configured prefix.
// If the input already has the prefix (e.g., "bd-a3f8e9"), returns it as-is.
// If the input lacks the prefix (e.g., "a3f8e9"), adds the configured prefix.
// Works with hierarchical IDs too: "a3f8e9.1.2" → "bd-a3f8e9.1.2"
func ParseIssueID(input string, prefix string) string {
	input = strings.TrimSpace(input)
	if prefix == "" {
		prefix = "bd-"
	}
	if !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}
	if strings.HasPrefix(input, prefix) {
		return input
	}
	return prefix + input
}

// ResolvePartialID resolves a potentially partial issue ID to a full ID.
// An exact id wins; otherwise the input (with prefix added) must match the
// suffix of exactly one issue. Errors wrap storage.ErrNotFound when nothing
// matches and storage.ErrInvalid when the input is ambiguous.
func ResolvePartialID(ctx context.Context, store storage.Storage, input, prefix string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: issue id is required", storage.ErrInvalid)
	}

	if _, err := store.Show(ctx, input); err == nil {
		return input, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	normalizedID := ParseIssueID(input, prefix)
	if normalizedID != input {
		if _, err := store.Show(ctx, normalizedID); err == nil {
			return normalizedID, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}

	issues, err := store.ListIssues(ctx, storage.ListFilter{})
	if err != nil {
		return "", fmt.Errorf("failed to search issues: %w", err)
	}

	hashPart := input
	if idx := strings.Index(input, "-"); idx >= 0 {
		hashPart = input[idx+1:]
	}

	var matches []string
	for _, issue := range issues {
		issueHash := issue.ID
		if idx := strings.Index(issue.ID, "-"); idx >= 0 {
			issueHash = issue.ID[idx+1:]
		}
		if strings.HasPrefix(issueHash, hashPart) {
			matches = append(matches, issue.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no issue found matching %q: %w", input, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%w: ambiguous ID %q matches %d issues: %v", storage.ErrInvalid, input, len(matches), matches)
}
