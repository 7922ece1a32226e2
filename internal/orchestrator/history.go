package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strongdm/friendsbar/internal/config"
	"github.com/strongdm/friendsbar/internal/protocol"
)

// compactJSON encodes without HTML escaping, matching what agents see in
// their prompts.
func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func indentJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// truncateText trims and clips text at max runes with a "..." marker.
func truncateText(text string, max int) string {
	if max <= 0 {
		return ""
	}
	raw := strings.TrimSpace(text)
	runes := []rune(raw)
	if len(runes) <= max {
		return raw
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// latestContent returns the newest transcript payload of one schema version.
func latestContent(transcript []TurnRecord, schemaVersion string) (map[string]any, int) {
	for i := len(transcript) - 1; i >= 0; i-- {
		content := transcript[i].Content
		if content != nil && content["schema_version"] == schemaVersion {
			return content, transcript[i].Turn
		}
	}
	return nil, 0
}

func summarizePlan(content map[string]any, turn, fieldMax, listLimit int) map[string]any {
	result, _ := content["result"].(map[string]any)
	clip := func(value any) []string {
		list, ok := value.([]any)
		if !ok {
			return []string{}
		}
		out := []string{}
		for i, item := range list {
			if i >= listLimit {
				break
			}
			out = append(out, truncateText(asString(item), fieldMax))
		}
		return out
	}
	return map[string]any{
		"turn":                  turn,
		"status":                content["status"],
		"requirement_breakdown": clip(result["requirement_breakdown"]),
		"implementation_scope":  truncateText(asString(result["implementation_scope"]), fieldMax),
		"acceptance_criteria":   clip(result["acceptance_criteria"]),
		"handoff_notes":         truncateText(asString(result["handoff_notes"]), fieldMax),
		"next_question":         truncateText(asString(content["next_question"]), fieldMax),
	}
}

func summarizeDelivery(content map[string]any, turn, fieldMax, evidenceLimit int) map[string]any {
	result, _ := content["result"].(map[string]any)
	evidence := []string{}
	if list, ok := result["execution_evidence"].([]any); ok {
		for i, item := range list {
			if i >= evidenceLimit {
				break
			}
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			cmd := truncateText(asString(entry["command"]), fieldMax)
			res := truncateText(asString(entry["result"]), fieldMax)
			if cmd != "" || res != "" {
				evidence = append(evidence, strings.TrimSpace(cmd+" => "+res))
			}
		}
	}
	deliverables := []string{}
	if list, ok := result["deliverables"].([]any); ok {
		for i, item := range list {
			if i >= evidenceLimit {
				break
			}
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			path := truncateText(asString(entry["path"]), fieldMax)
			if path == "" {
				continue
			}
			line := path
			if kind := truncateText(asString(entry["kind"]), fieldMax); kind != "" {
				line += " (" + kind + ")"
			}
			if summary := truncateText(asString(entry["summary"]), fieldMax); summary != "" {
				line += ": " + summary
			}
			deliverables = append(deliverables, strings.TrimSpace(line))
		}
	}
	return map[string]any{
		"turn":                turn,
		"status":              content["status"],
		"task_understanding":  truncateText(asString(result["task_understanding"]), fieldMax),
		"implementation_plan": truncateText(asString(result["implementation_plan"]), fieldMax),
		"execution_evidence":  evidence,
		"deliverables":        deliverables,
		"risks_and_rollback":  truncateText(asString(result["risks_and_rollback"]), fieldMax),
		"next_question":       truncateText(asString(content["next_question"]), fieldMax),
	}
}

func summarizeReview(content map[string]any, turn, fieldMax, issueLimit, rootCauseLimit int) map[string]any {
	issues := []map[string]string{}
	if list, ok := content["issues"].([]any); ok {
		for i, item := range list {
			if i >= issueLimit {
				break
			}
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			summary := truncateText(asString(entry["summary"]), fieldMax)
			if summary == "" {
				continue
			}
			issues = append(issues, map[string]string{
				"severity": asString(entry["severity"]),
				"summary":  summary,
			})
		}
	}
	rootCause := []string{}
	if list, ok := content["root_cause"].([]any); ok {
		for i, item := range list {
			if i >= rootCauseLimit {
				break
			}
			rootCause = append(rootCause, truncateText(asString(item), fieldMax))
		}
	}
	gate, _ := content["gate"].(map[string]any)
	conditions := []string{}
	if list, ok := gate["conditions"].([]any); ok {
		for i, item := range list {
			if i >= issueLimit {
				break
			}
			conditions = append(conditions, truncateText(asString(item), fieldMax))
		}
	}
	return map[string]any{
		"turn":       turn,
		"status":     content["status"],
		"acceptance": content["acceptance"],
		"gate": map[string]any{
			"decision":   gate["decision"],
			"conditions": conditions,
		},
		"issues":        issues,
		"root_cause":    rootCause,
		"next_question": truncateText(asString(content["next_question"]), fieldMax),
	}
}

func extractKeyChanges(plan, delivery, review map[string]any, fieldMax, evidenceLimit, issueLimit int) []string {
	var keyChanges []string
	if plan != nil {
		result, _ := plan["result"].(map[string]any)
		if list, ok := result["acceptance_criteria"].([]any); ok {
			for i, item := range list {
				if i >= issueLimit {
					break
				}
				if line := truncateText(asString(item), fieldMax); line != "" {
					keyChanges = append(keyChanges, "acceptance: "+line)
				}
			}
		}
	}
	if delivery != nil {
		result, _ := delivery["result"].(map[string]any)
		if list, ok := result["execution_evidence"].([]any); ok {
			for i, item := range list {
				if i >= evidenceLimit {
					break
				}
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				cmd := truncateText(asString(entry["command"]), fieldMax)
				res := truncateText(asString(entry["result"]), fieldMax)
				if cmd != "" || res != "" {
					keyChanges = append(keyChanges, strings.TrimSpace("evidence: "+cmd+" => "+res))
				}
			}
		}
		if list, ok := result["deliverables"].([]any); ok {
			for i, item := range list {
				if i >= evidenceLimit {
					break
				}
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if path := truncateText(asString(entry["path"]), fieldMax); path != "" {
					keyChanges = append(keyChanges, "deliverable: "+path)
				}
			}
		}
	}
	if review != nil {
		if list, ok := review["issues"].([]any); ok {
			for i, item := range list {
				if i >= issueLimit {
					break
				}
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if summary := truncateText(asString(entry["summary"]), fieldMax); summary != "" {
					keyChanges = append(keyChanges, "issue["+asString(entry["severity"])+"]: "+summary)
				}
			}
		}
	}
	return keyChanges
}

// formatHistory renders the latest plan/delivery/review summaries plus the
// optional key-change hints, capped at the configured total size.
func formatHistory(transcript []TurnRecord, cfg config.History) string {
	if len(transcript) == 0 {
		return "(no history)"
	}
	listLimit := cfg.IssueLimit
	if cfg.EvidenceLimit > listLimit {
		listLimit = cfg.EvidenceLimit
	}

	planContent, planTurn := latestContent(transcript, protocol.PlanSchemaVersion)
	deliveryContent, deliveryTurn := latestContent(transcript, protocol.DeliverySchemaVersion)
	reviewContent, reviewTurn := latestContent(transcript, protocol.ReviewSchemaVersion)

	var lines []string
	if planContent != nil {
		lines = append(lines, "LATEST_PLAN="+compactJSON(
			summarizePlan(planContent, planTurn, cfg.FieldMaxChars, listLimit)))
	}
	if deliveryContent != nil {
		lines = append(lines, "LATEST_DELIVERY="+compactJSON(
			summarizeDelivery(deliveryContent, deliveryTurn, cfg.FieldMaxChars, cfg.EvidenceLimit)))
	}
	if reviewContent != nil {
		lines = append(lines, "LATEST_REVIEW="+compactJSON(
			summarizeReview(reviewContent, reviewTurn, cfg.FieldMaxChars, cfg.IssueLimit, cfg.RootCauseLimit)))
	}
	if cfg.IncludeKeyChanges {
		keyChanges := extractKeyChanges(planContent, deliveryContent, reviewContent,
			cfg.FieldMaxChars, cfg.EvidenceLimit, cfg.IssueLimit)
		if len(keyChanges) > 0 {
			lines = append(lines, "KEY_CHANGES="+compactJSON(keyChanges))
		}
	}
	if len(lines) == 0 {
		return "(no relevant history)"
	}
	history := strings.Join(lines, "\n")
	if cfg.MaxChars > 0 {
		history = truncateText(history, cfg.MaxChars)
	}
	return history
}

// latestPeerQuestion returns the most recent next_question in the transcript.
func latestPeerQuestion(transcript []TurnRecord) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		content := transcript[i].Content
		if content == nil {
			continue
		}
		if question, ok := content["next_question"].(string); ok {
			if trimmed := strings.TrimSpace(question); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
