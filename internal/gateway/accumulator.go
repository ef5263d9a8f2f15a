package gateway

import (
	"net/url"
	"path"
	"slices"
	"strings"
)

// DefaultMediaExtensions are the audio attachments forwarded to clients.
var DefaultMediaExtensions = []string{".mp3", ".wav", ".ogg", ".opus", ".m4a"}

// runState collects the streamed output of one gateway run.
type runState struct {
	sessionKey string
	text       string
	media      []string
}

// runAccumulator keeps per-run output until the run ends. It is not safe for
// concurrent use; the Multiplexer guards it.
type runAccumulator struct {
	exts []string
	runs map[string]*runState
}

func newRunAccumulator(exts []string) *runAccumulator {
	if len(exts) == 0 {
		exts = DefaultMediaExtensions
	}
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	return &runAccumulator{exts: norm, runs: make(map[string]*runState)}
}

func (a *runAccumulator) get(runID, sessionKey string) *runState {
	rs, ok := a.runs[runID]
	if !ok {
		rs = &runState{sessionKey: sessionKey}
		a.runs[runID] = rs
	}
	return rs
}

// addText keeps the longest text seen for the run. Streams deliver either
// deltas that grow the message or the full message again, so the longest
// candidate is the most complete.
func (a *runAccumulator) addText(runID, sessionKey, text string) {
	rs := a.get(runID, sessionKey)
	if len(text) > len(rs.text) {
		rs.text = text
	}
}

// addMedia records media URLs with an accepted extension, once each.
func (a *runAccumulator) addMedia(runID, sessionKey string, urls []string) {
	if len(urls) == 0 {
		return
	}
	rs := a.get(runID, sessionKey)
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || !a.accepts(u) || slices.Contains(rs.media, u) {
			continue
		}
		rs.media = append(rs.media, u)
	}
}

// take removes the run and returns what it produced.
func (a *runAccumulator) take(runID string) Response {
	rs, ok := a.runs[runID]
	if !ok {
		return Response{}
	}
	delete(a.runs, runID)
	return Response{Text: strings.TrimSpace(rs.text), MediaURLs: rs.media}
}

func (a *runAccumulator) drop(runID string) {
	delete(a.runs, runID)
}

func (a *runAccumulator) reset() {
	clear(a.runs)
}

func (a *runAccumulator) accepts(raw string) bool {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	return ext != "" && slices.Contains(a.exts, ext)
}
