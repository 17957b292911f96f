package utils

import (
	"strings"
)

// NormalizeLabel makes a species label safe to use as a directory and file
// name: surrounding space trimmed, inner whitespace collapsed, path
// separators removed. Labels made only of dots become empty.
func NormalizeLabel(raw string) string {
	normalized := strings.TrimSpace(raw)
	normalized = strings.ReplaceAll(normalized, "/", "")
	normalized = strings.ReplaceAll(normalized, "\\", "")
	normalized = strings.Join(strings.Fields(normalized), " ")
	if strings.Trim(normalized, ".") == "" {
		return ""
	}
	return normalized
}
