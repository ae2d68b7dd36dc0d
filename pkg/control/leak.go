package control

import (
	"regexp"
	"strings"
)

// Control markers must never reach the candidate.
const (
	MarkerControl      = "[[CONTROL"
	MarkerPasteControl = "[[PASTE_CONTROL"
)

var markerPattern = regexp.MustCompile(`(?s)\[\[(?:PASTE_)?CONTROL.*?\]\]`)

// ContainsControlLeak reports whether text carries control-protocol markup.
func ContainsControlLeak(text string) bool {
	return strings.Contains(text, MarkerControl) || strings.Contains(text, MarkerPasteControl)
}

// StripControl removes control markers and any unterminated marker tail.
func StripControl(text string) string {
	out := markerPattern.ReplaceAllString(text, "")
	for _, m := range []string{MarkerPasteControl, MarkerControl} {
		if i := strings.Index(out, m); i >= 0 {
			out = out[:i]
		}
	}
	return strings.TrimSpace(out)
}
