package utils

import (
	"strconv"
	"strings"
)

// ExtractIssueNumber extracts the number from an issue ID like "bd-123" -> 123.
// Hash or hierarchical suffixes ("bd-a3f8", "bd-12.1") return 0.
func ExtractIssueNumber(issueID string) int {
	idx := strings.LastIndex(issueID, "-")
	if idx < 0 || idx == len(issueID)-1 {
		return 0
	}
	num, err := strconv.Atoi(issueID[idx+1:])
	if err != nil || num < 0 {
		return 0
	}
	return num
}
