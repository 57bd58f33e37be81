// Package filename implements the deterministic naming and key-layout policy
// for stored objects: display-name sanitization, backend-safe stored names,
// and date-partitioned key prefixes.
package filename

import (
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/bozonx/tmpfiles/internal/uid"
)

// maxStoredNameLen caps the total stored name length, matching common
// filesystem limits.
const maxStoredNameLen = 255

// baseTruncateLen is the maximum length (in runes) of the sanitized base name
// kept in a stored name before the hash suffix.
const baseTruncateLen = 20

// Sanitize replaces every character outside {Unicode letter, Unicode digit,
// '.', '_', '-'} with '_', collapses runs of '_', and trims leading and
// trailing underscores. An empty result yields "file".
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	prevUnderscore := false
	for _, r := range name {
		ok := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-'
		if !ok {
			r = '_'
		}
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(r)
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "file"
	}
	return out
}

// SafeStoredName derives a backend-friendly name from the caller-supplied
// original name and the content hash: the sanitized base (without extension)
// truncated to 20 runes, an 8-hex-char hash suffix, and the lowercased
// extension. When hash is too short a random suffix is used instead so stored
// names stay unique. The result never exceeds 255 characters.
func SafeStoredName(originalName, hash string) string {
	sanitized := Sanitize(originalName)

	ext := strings.ToLower(path.Ext(sanitized))
	base := strings.TrimSuffix(sanitized, path.Ext(sanitized))
	base = strings.Trim(base, "_")
	if base == "" {
		base = "file"
	}

	if runes := []rune(base); len(runes) > baseTruncateLen {
		base = string(runes[:baseTruncateLen])
	}

	suffix := hash
	if len(suffix) < 8 {
		suffix = uid.New()
	}
	suffix = suffix[:8]

	name := base + "_" + suffix + ext
	if len(name) > maxStoredNameLen {
		name = name[:maxStoredNameLen]
	}
	return name
}

// DatePrefix returns the "YYYY-MM" partition prefix for t in UTC.
func DatePrefix(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// JoinKey joins key parts with forward slashes, dropping empty parts and
// normalizing any backslashes or duplicate separators. Backend keys always
// use '/' regardless of platform.
func JoinKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(p, "\\", "/")
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		cleaned = append(cleaned, p)
	}
	if len(cleaned) == 0 {
		return ""
	}
	return path.Clean(strings.Join(cleaned, "/"))
}
