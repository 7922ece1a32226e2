package orchestrator

import (
	"strings"
	"testing"

	"github.com/strongdm/friendsbar/internal/config"
	"github.com/strongdm/friendsbar/internal/protocol"
)

func historyCfg() config.History {
	return config.History{
		MaxChars:          3000,
		FieldMaxChars:     400,
		EvidenceLimit:     3,
		IssueLimit:        5,
		RootCauseLimit:    3,
		IncludeKeyChanges: true,
	}
}

func sampleTranscript() []TurnRecord {
	plan := protocol.BuildPlanContent(
		[]string{"拆解需求A", "拆解需求B"},
		"只改 internal/ 下的两个文件",
		[]string{"验收1", "验收2"},
		"先实现再评审",
		"玲娜贝儿，可以开始实现吗？",
	)
	delivery := protocol.BuildDeliveryContent(
		"理解了任务", "按计划实现",
		[]map[string]any{
			{"command": "go test ./...", "result": "ok"},
			{"command": "go vet ./...", "result": "clean"},
		},
		"可回滚",
		[]map[string]any{{"path": "out.txt", "kind": "file", "summary": "结果文件"}},
		"星黛露，请开始评审好吗？",
	)
	review := protocol.BuildReviewContent(protocol.ReviewContentSpec{
		Status:     "ok",
		Acceptance: "pass",
		Verification: []map[string]any{
			{"command": "ls", "result": "files present"},
			{"command": "go test ./...", "result": "pass"},
		},
		RootCause:    []string{},
		Issues:       []map[string]any{{"id": "ISSUE-001", "severity": "P2", "summary": "命名可改进"}},
		Gate:         map[string]any{"decision": "allow", "conditions": []any{}},
		NextQuestion: "达菲，是否进入下一项？",
	})
	return []TurnRecord{
		{Turn: 1, Agent: "DUFFY", Content: plan},
		{Turn: 2, Agent: "LINA_BELL", Content: delivery},
		{Turn: 3, Agent: "STELLA", Content: review},
	}
}

func TestFormatHistoryEmpty(t *testing.T) {
	if got := formatHistory(nil, historyCfg()); got != "(no history)" {
		t.Fatalf("got %q", got)
	}
	// Records without protocol content yield nothing summarizable.
	records := []TurnRecord{{Turn: 1, Agent: "DUFFY"}}
	if got := formatHistory(records, historyCfg()); got != "(no relevant history)" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatHistorySummaries(t *testing.T) {
	text := formatHistory(sampleTranscript(), historyCfg())
	for _, marker := range []string{"LATEST_PLAN=", "LATEST_DELIVERY=", "LATEST_REVIEW=", "KEY_CHANGES="} {
		if !strings.Contains(text, marker) {
			t.Fatalf("missing %s in:\n%s", marker, text)
		}
	}
	if !strings.Contains(text, "go test ./... => ok") {
		t.Fatalf("evidence summary missing:\n%s", text)
	}
	if !strings.Contains(text, `"deliverable: out.txt"`) {
		t.Fatalf("key changes missing deliverable:\n%s", text)
	}
	if !strings.Contains(text, "命名可改进") {
		t.Fatalf("issue summary missing:\n%s", text)
	}
}

func TestFormatHistoryUsesLatest(t *testing.T) {
	transcript := sampleTranscript()
	newer := protocol.BuildPlanContent(
		[]string{"新的拆解"}, "新的范围", []string{"新的验收"}, "", "玲娜贝儿，继续吗？")
	transcript = append(transcript, TurnRecord{Turn: 4, Agent: "DUFFY", Content: newer})

	text := formatHistory(transcript, historyCfg())
	if !strings.Contains(text, "新的拆解") {
		t.Fatalf("latest plan must win:\n%s", text)
	}
	if strings.Contains(text, "拆解需求A") {
		t.Fatalf("older plan must not appear:\n%s", text)
	}
}

func TestFormatHistoryCaps(t *testing.T) {
	cfg := historyCfg()
	cfg.MaxChars = 80
	text := formatHistory(sampleTranscript(), cfg)
	if len([]rune(text)) > 80 {
		t.Fatalf("history not capped: %d runes", len([]rune(text)))
	}
	if !strings.HasSuffix(text, "...") {
		t.Fatalf("cap marker missing: %q", text)
	}

	cfg = historyCfg()
	cfg.FieldMaxChars = 6
	text = formatHistory(sampleTranscript(), cfg)
	if strings.Contains(text, "只改 internal/ 下的两个文件") {
		t.Fatalf("field not truncated:\n%s", text)
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncateText("abcdefghij", 8); got != "abcde..." {
		t.Fatalf("got %q", got)
	}
	if got := truncateText("anything", 0); got != "" {
		t.Fatalf("got %q", got)
	}
	// Rune-safe on multibyte text.
	if got := truncateText("一二三四五六七八", 7); got != "一二三四..." {
		t.Fatalf("got %q", got)
	}
}

func TestLatestPeerQuestion(t *testing.T) {
	if got := latestPeerQuestion(nil); got != "" {
		t.Fatalf("got %q", got)
	}
	got := latestPeerQuestion(sampleTranscript())
	if got != "达菲，是否进入下一项？" {
		t.Fatalf("got %q", got)
	}
}
