package provider

import (
	"encoding/json"
	"strings"

	"github.com/strongdm/friendsbar/internal/protocol"
)

// Reconciler folds a provider's event stream into one final text. The same
// stream can carry up to three renditions of the answer (delta chunks, an
// aggregated assistant message, a result echo); the fold keeps exactly one:
//
//   - a structured_output payload wins outright;
//   - if any delta arrived, the concatenated deltas win and later finals are
//     duplicates to ignore;
//   - otherwise result candidates beat assistant candidates, preferring one
//     that parses as a single JSON object, then the longest.
//
// Repeated concatenations of the same JSON object collapse to one.
type Reconciler struct {
	sessionID  string
	deltas     strings.Builder
	sawDelta   bool
	sawFinal   bool
	assistants []string
	results    []string
	structured string
}

// NewReconciler starts a fold seeded with the resume session ID, which the
// stream may overwrite.
func NewReconciler(sessionID string) *Reconciler {
	return &Reconciler{sessionID: sessionID}
}

// Feed applies one event and returns the text the event contributes to the
// live stream (what a --stream caller should echo). Suppressed duplicates
// contribute nothing.
func (r *Reconciler) Feed(ev Event) string {
	switch e := ev.(type) {
	case SessionStart:
		if strings.TrimSpace(e.ID) != "" {
			r.sessionID = e.ID
		}
	case StreamDelta:
		if e.Text == "" {
			return ""
		}
		r.sawDelta = true
		r.deltas.WriteString(e.Text)
		return e.Text
	case AssistantMessage:
		text := strings.Join(e.Parts, "")
		if text == "" {
			return ""
		}
		r.assistants = append(r.assistants, text)
		if r.sawDelta || r.sawFinal {
			return ""
		}
		r.sawFinal = true
		return text
	case ResultMessage:
		if e.Text == "" {
			return ""
		}
		r.results = append(r.results, e.Text)
		if r.sawDelta || r.sawFinal {
			return ""
		}
		r.sawFinal = true
		return e.Text
	case StructuredOutput:
		if strings.TrimSpace(e.JSON) != "" {
			r.structured = e.JSON
		}
	}
	return ""
}

// SessionID returns the last session ID observed.
func (r *Reconciler) SessionID() string {
	return r.sessionID
}

// Text resolves the final reconciled text.
func (r *Reconciler) Text() string {
	if r.structured != "" {
		return r.structured
	}
	if r.sawDelta {
		return protocol.CollapseRepeatedJSONObjects(r.deltas.String())
	}
	candidates := make([]string, 0, len(r.results)+len(r.assistants))
	candidates = append(candidates, r.results...)
	candidates = append(candidates, r.assistants...)
	best := ""
	bestJSON := false
	for _, c := range candidates {
		c = protocol.CollapseRepeatedJSONObjects(c)
		isJSON := isSingleJSONObject(c)
		switch {
		case best == "":
		case isJSON && !bestJSON:
		case isJSON == bestJSON && len(c) > len(best):
		default:
			continue
		}
		best = c
		bestJSON = isJSON
	}
	return best
}

// isSingleJSONObject reports whether s is exactly one JSON object with no
// trailing content.
func isSingleJSONObject(s string) bool {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return false
	}
	return !dec.More()
}
