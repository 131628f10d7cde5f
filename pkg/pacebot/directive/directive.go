// Package directive pulls %token% control tags out of generated replies.
package directive

import (
	"regexp"
	"strings"
)

// DefaultBusinessKeyword is the reserved token that flags a business message.
const DefaultBusinessKeyword = "business"

var (
	tagPattern   = regexp.MustCompile(`%(.*?)%`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// Set holds the directives found in a reply.
type Set struct {
	// Reaction is the first non-reserved token, empty when none was present.
	Reaction string

	// Business is true when the reserved keyword appeared.
	Business bool
}

// Extract strips every %token% tag from raw, collapses the whitespace left
// behind, and returns the cleaned text with the directives it carried. The
// keyword comparison is case-insensitive; an empty keyword uses
// DefaultBusinessKeyword.
func Extract(raw, keyword string) (string, Set) {
	if keyword == "" {
		keyword = DefaultBusinessKeyword
	}

	var set Set
	for _, m := range tagPattern.FindAllStringSubmatch(raw, -1) {
		token := strings.TrimSpace(m[1])
		switch {
		case token == "":
		case strings.EqualFold(token, keyword):
			set.Business = true
		case set.Reaction == "":
			set.Reaction = token
		}
	}

	return Clean(raw), set
}

// Clean removes tags and normalizes whitespace without reading directives.
func Clean(raw string) string {
	text := tagPattern.ReplaceAllString(raw, "")
	return strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
}

// IsReserved reports whether glyph is the business keyword rather than a
// real reaction.
func IsReserved(glyph, keyword string) bool {
	if keyword == "" {
		keyword = DefaultBusinessKeyword
	}
	return strings.EqualFold(strings.TrimSpace(glyph), keyword)
}
