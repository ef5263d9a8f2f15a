package relay

import (
	"fmt"
	"strings"
)

// Session prefixes tell the gateway whether the reply will be spoken.
const (
	PrefixSpoken = "🎤"
	PrefixRead   = "📖"
)

// GatewayMessage builds the text forwarded to the gateway for a transcript:
// an optional location line, then the voice/text marker and the quoted
// transcript.
func GatewayMessage(transcript string, ttsEnabled bool, loc *Location) string {
	marker := PrefixRead
	if ttsEnabled {
		marker = PrefixSpoken
	}
	var b strings.Builder
	if loc != nil {
		fmt.Fprintf(&b, "[User location: %.6f, %.6f]\n", loc.Lat, loc.Lng)
	}
	fmt.Fprintf(&b, "%s \"%s\"", marker, transcript)
	return b.String()
}
