package channels

import "strings"

// namedGlyphs maps reaction names a model tends to emit to emoji.
var namedGlyphs = map[string]string{
	"smile":      "😊",
	"happy":      "😊",
	"grin":       "😁",
	"laugh":      "😂",
	"lol":        "😂",
	"heart":      "❤️",
	"love":       "❤️",
	"thumbsup":   "👍",
	"thumbs_up":  "👍",
	"like":       "👍",
	"ok":         "👌",
	"pray":       "🙏",
	"thanks":     "🙏",
	"clap":       "👏",
	"fire":       "🔥",
	"wow":        "😮",
	"surprised":  "😮",
	"sad":        "😢",
	"cry":        "😢",
	"wink":       "😉",
	"thinking":   "🤔",
	"party":      "🎉",
	"celebrate":  "🎉",
	"eyes":       "👀",
	"check":      "✅",
	"100":        "💯",
	"muscle":     "💪",
	"sunglasses": "😎",
}

// Emoji returns the emoji for a named glyph. Anything that is not a known
// name is returned trimmed, so literal emoji pass through unchanged.
func Emoji(glyph string) string {
	g := strings.TrimSpace(glyph)
	if e, ok := namedGlyphs[strings.ToLower(strings.Trim(g, ":"))]; ok {
		return e
	}
	return g
}
