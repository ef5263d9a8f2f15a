// Package transcript holds the pure text processing applied around a voice
// turn: deciding whether a speech-to-text result is worth forwarding, and
// turning a gateway reply into text that reads well when spoken aloud.
//
// Every function in this package is deterministic and safe for concurrent use.
package transcript

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Reason explains why [ShouldFilter] dropped a transcript.
type Reason string

const (
	// ReasonEmpty marks a transcript that is blank after trimming.
	ReasonEmpty Reason = "empty"

	// ReasonNoise marks a transcript shorter than [MinLength] visible
	// characters once terminal punctuation is removed.
	ReasonNoise Reason = "noise"

	// ReasonHallucination marks a transcript matching a phrase that speech
	// recognizers are known to invent from silence or background noise.
	ReasonHallucination Reason = "hallucination"
)

// MinLength is the minimum number of characters a transcript must keep after
// punctuation stripping to be forwarded.
const MinLength = 2

// punctuation is removed before the length and pattern checks.
var punctuation = regexp.MustCompile(`[.!?,]`)

// hallucinations are anchored, case-insensitive phrases that Whisper-family
// models commonly emit for non-speech audio.
var hallucinations = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^thanks?\s*(you)?\s*(for\s+watching)?$`),
	regexp.MustCompile(`(?i)^(please\s+)?subscribe`),
	regexp.MustCompile(`(?i)^like\s+and\s+subscribe`),
	regexp.MustCompile(`(?i)^see\s+you\s+(next\s+time|later|soon)`),
	regexp.MustCompile(`(?i)^bye+$`),
	regexp.MustCompile(`(?i)^(uh+|um+|hmm+)$`),
	regexp.MustCompile(`^\.+$`),
}

// ShouldFilter reports whether text should be dropped instead of being
// forwarded to the gateway, and why. Checks run in order (empty, noise,
// hallucination) and the first match wins. A kept transcript returns an empty
// reason.
func ShouldFilter(text string) (bool, Reason) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true, ReasonEmpty
	}

	normalized := punctuation.ReplaceAllString(trimmed, "")
	if utf8.RuneCountInString(normalized) < MinLength {
		return true, ReasonNoise
	}

	for _, re := range hallucinations {
		if re.MatchString(normalized) {
			return true, ReasonHallucination
		}
	}
	return false, ""
}
