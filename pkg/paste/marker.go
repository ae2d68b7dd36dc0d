package paste

import (
	"encoding/json"
	"regexp"

	"interviewer/pkg/control"
	"interviewer/pkg/faults"
)

var markerPattern = regexp.MustCompile(`(?s)\[\[PASTE_CONTROL\s*(\{.*?\})\s*\]\]`)

// Marker is the machine-readable tail of a scored paste reply.
type Marker struct {
	Confidence float64 `json:"confidence"`
	Ready      bool    `json:"ready"`
}

type wireMarker struct {
	Confidence *float64 `json:"confidence"`
	Ready      *bool    `json:"ready"`
}

// ParseMarker extracts the marker from text and returns it with the candidate-visible body.
// The body is returned even when the marker is missing or invalid.
func ParseMarker(text string) (Marker, string, error) {
	const op = "paste.marker"
	body := control.StripControl(text)

	m := markerPattern.FindStringSubmatch(text)
	if m == nil {
		return Marker{}, body, faults.Malformed(op, "reply has no PASTE_CONTROL marker")
	}
	var w wireMarker
	if err := json.Unmarshal([]byte(m[1]), &w); err != nil {
		return Marker{}, body, faults.Wrap(faults.KindEvaluatorMalformed, op, err, "marker payload is not valid JSON")
	}
	if w.Confidence == nil {
		return Marker{}, body, faults.Malformed(op, "marker is missing %q", "confidence")
	}
	if w.Ready == nil {
		return Marker{}, body, faults.Malformed(op, "marker is missing %q", "ready")
	}
	if *w.Confidence < 0 || *w.Confidence > 100 {
		return Marker{}, body, faults.Malformed(op, "marker confidence %v outside [0,100]", *w.Confidence)
	}
	return Marker{Confidence: *w.Confidence, Ready: *w.Ready}, body, nil
}
