package store

import (
	"fmt"
	"regexp"
	"strings"
)

var labelWhitelist = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SanitizeLabel turns a publish label into a safe per-workflow table-name
// fragment: dashes become underscores, then the result is checked against
// a character whitelist. Per §6, this is the only place the store builds
// SQL by string interpolation, and it is fenced by this whitelist rather
// than trusting caller input directly.
func SanitizeLabel(label string) (string, error) {
	sanitized := strings.ReplaceAll(label, "-", "_")
	if sanitized == "" {
		return "", fmt.Errorf("store: empty workflow label")
	}
	if !labelWhitelist.MatchString(sanitized) {
		return "", fmt.Errorf("store: label %q contains characters outside [a-zA-Z0-9_] after dash substitution", label)
	}
	return sanitized, nil
}

func filesTable(sanitizedLabel string) string { return "files_" + sanitizedLabel }
func unitsTable(sanitizedLabel string) string { return "units_" + sanitizedLabel }
