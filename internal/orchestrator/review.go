package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/strongdm/friendsbar/internal/agent"
	"github.com/strongdm/friendsbar/internal/protocol"
)

var (
	reviewSectionPattern = regexp.MustCompile(`^\s*(?:#{1,6}\s*)?\[(验收结论|核验清单|根因链|问题清单|回归门禁)\]\s*$`)
	bulletPrefixPattern  = regexp.MustCompile(`^\s*[-*]\s*`)
	numberPrefixPattern  = regexp.MustCompile(`^\s*\d+[.)]\s*`)
	severityPattern      = regexp.MustCompile(`(?i)\b(P0|P1|P2)\b`)
)

func cleanMarkdownLine(line string) string {
	cleaned := strings.TrimSpace(line)
	if cleaned == "" {
		return ""
	}
	cleaned = bulletPrefixPattern.ReplaceAllString(cleaned, "")
	cleaned = numberPrefixPattern.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

func cleanedSection(lines []string) []string {
	var out []string
	for _, line := range lines {
		if cleaned := cleanMarkdownLine(line); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

// adaptReviewPlainText converts a sectioned plain-text review into a
// synthetic review payload. Returns nil when the text carries none of the
// known section headers.
func adaptReviewPlainText(text, peerID string) map[string]any {
	sections := map[string][]string{
		"验收结论": nil,
		"核验清单": nil,
		"根因链":  nil,
		"问题清单": nil,
		"回归门禁": nil,
	}
	current := ""
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		if m := reviewSectionPattern.FindStringSubmatch(line); m != nil {
			current = m[1]
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], line)
		}
	}
	empty := true
	for _, lines := range sections {
		if len(lines) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return nil
	}

	acceptanceText := strings.ToLower(strings.Join(sections["验收结论"], " "))
	acceptance, status, gateDecision := "pass", "ok", "allow"
	switch {
	case containsAny(acceptanceText, "不通过", "fail", "block"):
		acceptance, status, gateDecision = "fail", "failed", "block"
	case containsAny(acceptanceText, "有条件", "建议改进", "conditional"):
		acceptance, status, gateDecision = "conditional", "partial", "conditional"
	}

	verificationLines := cleanedSection(sections["核验清单"])
	verification := []any{}
	for idx, line := range verificationLines {
		if idx >= 2 {
			break
		}
		verification = append(verification, map[string]any{
			"command": fmt.Sprintf("static_review_evidence_%d", idx+1),
			"result":  line,
		})
	}
	for len(verification) < 2 {
		verification = append(verification, map[string]any{
			"command": fmt.Sprintf("static_review_evidence_%d", len(verification)+1),
			"result":  "insufficient explicit evidence in plain-text output",
		})
	}

	rootCause := []any{}
	for idx, line := range cleanedSection(sections["根因链"]) {
		if idx >= 6 {
			break
		}
		rootCause = append(rootCause, line)
	}

	issues := []any{}
	for idx, line := range cleanedSection(sections["问题清单"]) {
		if idx >= 8 {
			break
		}
		severity := "P2"
		if m := severityPattern.FindString(line); m != "" {
			severity = strings.ToUpper(m)
		}
		// Markdown table rows carry the summary in the third column.
		if strings.HasPrefix(line, "|") {
			parts := strings.Split(strings.Trim(line, "|"), "|")
			if len(parts) >= 3 {
				if cell := strings.TrimSpace(parts[2]); cell != "" {
					line = cell
				}
			}
		}
		issues = append(issues, map[string]any{
			"id":       fmt.Sprintf("ISSUE-%03d", idx+1),
			"severity": severity,
			"summary":  line,
		})
	}

	gateConditions := []any{}
	for idx, line := range cleanedSection(sections["回归门禁"]) {
		if idx >= 8 {
			break
		}
		gateConditions = append(gateConditions, line)
	}

	return map[string]any{
		"schema_version": protocol.ReviewSchemaVersion,
		"status":         status,
		"acceptance":     acceptance,
		"verification":   verification,
		"root_cause":     rootCause,
		"issues":         issues,
		"gate": map[string]any{
			"decision":   gateDecision,
			"conditions": gateConditions,
		},
		"next_question": agent.Display(peerID) + "，是否需要我把以上评审项整理为可执行修复清单？",
		"warnings":      []any{"auto_adapted_from_plain_text_review"},
		"errors":        []any{},
	}
}
