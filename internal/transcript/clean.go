package transcript

import (
	"regexp"
	"strings"
)

// maxCleanPasses bounds the fixpoint loop in [CleanForSpeech]. Real replies
// settle after one or two passes.
const maxCleanPasses = 8

var (
	// echoLine matches the quoted copy of the user's own words that the
	// gateway may prepend to a reply, e.g. `> 🎤 "what time is it"` followed
	// by a blank line or a full stop.
	echoLine = regexp.MustCompile(`^>?[^"\n]*"[^"\n]*"(?:\.[ \t]*|[ \t]*\n+)`)

	codeFence    = regexp.MustCompile("```[\\s\\S]*?```")
	tableRow     = regexp.MustCompile(`\|[^\n]+\|`)
	markdownLink = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	rawURL       = regexp.MustCompile(`https?://\S+`)
	bold         = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italic       = regexp.MustCompile(`\*([^*]+)\*`)
	inlineCode   = regexp.MustCompile("`([^`]+)`")
	heading      = regexp.MustCompile(`#{1,6}\s*`)
	bullet       = regexp.MustCompile(`(?m)^[-*]\s+`)
	numbered     = regexp.MustCompile(`(?m)^\d+\.\s+`)
	emoji        = regexp.MustCompile(`[\x{1F300}-\x{1F9FF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}\x{FE00}-\x{FE0F}\x{200D}]`)
	paragraph    = regexp.MustCompile(`\n{2,}`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// CleanForSpeech strips markup that a synthesizer would read out literally:
// the echoed user prompt, code fences, tables, link syntax, bare URLs,
// emphasis markers, headings, list markers and emoji. Paragraph breaks become
// spoken pauses. The result is trimmed and CleanForSpeech(CleanForSpeech(x))
// equals CleanForSpeech(x).
func CleanForSpeech(text string) string {
	out := text
	for range maxCleanPasses {
		next := cleanOnce(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func cleanOnce(text string) string {
	if looksLikeEcho(text) {
		text = echoLine.ReplaceAllString(text, "")
	}

	text = codeFence.ReplaceAllString(text, " (code block omitted) ")
	text = tableRow.ReplaceAllString(text, "")
	text = markdownLink.ReplaceAllString(text, "$1")
	text = rawURL.ReplaceAllString(text, "")
	text = bold.ReplaceAllString(text, "$1")
	text = italic.ReplaceAllString(text, "$1")
	text = inlineCode.ReplaceAllString(text, "$1")
	text = heading.ReplaceAllString(text, "")
	text = bullet.ReplaceAllString(text, "")
	text = numbered.ReplaceAllString(text, "")
	text = emoji.ReplaceAllString(text, "")
	text = paragraph.ReplaceAllString(text, ". ")
	text = strings.ReplaceAll(text, "\n", " ")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// echoMarkers open the prompt echoes the gateway repeats back: a blockquote,
// or the voice/read mode marker the relay prefixes to every prompt.
var echoMarkers = []string{">", "\U0001F3A4", "\U0001F4D6"}

func looksLikeEcho(text string) bool {
	for _, m := range echoMarkers {
		if strings.HasPrefix(text, m) {
			return true
		}
	}
	return false
}
