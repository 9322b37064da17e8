package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	unsafeRunePattern    = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

type ExportFormat string

const (
	ExportFormatJSON    ExportFormat = "json"
	ExportFormatParquet ExportFormat = "parquet"
)

// BuildExportPath returns the object key for one conversation export.
// User ids are sanitized since they come from request headers.
func BuildExportPath(userID string, conversationID int64, exportedAt time.Time, format ExportFormat) (string, error) {
	user := SanitizePathComponent(userID)
	if err := validatePathComponent(user, "user id"); err != nil {
		return "", err
	}
	if conversationID <= 0 {
		return "", fmt.Errorf("conversation id must be > 0")
	}
	var suffix string
	switch format {
	case ExportFormatJSON:
		suffix = "transcript.json"
	case ExportFormatParquet:
		suffix = "results.parquet"
	default:
		return "", fmt.Errorf("invalid export format: %q", format)
	}

	ts := exportedAt.UTC()
	return path.Join(
		"exports",
		"user="+user,
		fmt.Sprintf("conversation=%d", conversationID),
		fmt.Sprintf("%s-%s", ts.Format("20060102T150405.000000Z"), suffix),
	), nil
}

// ValidateObjectKey rejects keys that are empty, absolute or escape the
// bucket prefix.
func ValidateObjectKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("object key is required")
	}
	if strings.HasPrefix(trimmed, "/") {
		return fmt.Errorf("object key must be relative: %q", key)
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("invalid object key: %q", key)
		}
	}
	return nil
}

func SanitizePathComponent(value string) string {
	cleaned := unsafeRunePattern.ReplaceAllString(strings.TrimSpace(value), "_")
	cleaned = strings.TrimLeft(cleaned, "._-")
	if len(cleaned) > 128 {
		cleaned = cleaned[:128]
	}
	return cleaned
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
