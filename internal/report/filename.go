package report

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SafeFilename decomposes name, drops every non-ASCII rune and replaces
// characters outside [A-Za-z0-9_.-] with an underscore. A name with nothing
// left becomes "report".
func SafeFilename(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })))
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = ""
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '.' || r == '-':
			return r
		}
		return '_'
	}, folded)
	if safe == "" {
		return "report"
	}
	return safe
}

// ArtifactPath is the deterministic output location for a job's spreadsheet.
func ArtifactPath(dir, name string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.xlsx", SafeFilename(name), id))
}
