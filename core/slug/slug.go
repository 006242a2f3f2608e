// Package slug derives URL-safe identifiers from free-form titles.
package slug

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	disallowed = regexp.MustCompile(`[^\w\s-]`)
	separators = regexp.MustCompile(`[-\s]+`)
)

// Make lowercases s, folds it to ASCII and joins words with single dashes.
// "Café  Demo!" becomes "cafe-demo". Titles made only of symbols produce "".
func Make(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = disallowed.ReplaceAllString(folded, "")
	folded = strings.TrimSpace(folded)
	folded = separators.ReplaceAllString(folded, "-")
	return strings.Trim(folded, "-_")
}
