// Package security keeps user-supplied names from escaping the directories
// output files are written to.
package security

import "strings"

const maxFilenameLen = 64

// SanitizeFilename maps s to a name safe to join onto an output directory.
// Runs of characters outside [A-Za-z0-9._-] collapse to one underscore and
// leading dots or underscores are trimmed, so ".." and "a/b" cannot reach
// another directory. An empty result becomes "unnamed".
func SanitizeFilename(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			pending = true
			continue
		}
		if pending && b.Len() > 0 {
			b.WriteByte('_')
		}
		pending = false
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxFilenameLen {
		out = out[:maxFilenameLen]
	}
	out = strings.Trim(out, "._")
	if out == "" {
		return "unnamed"
	}
	return out
}
