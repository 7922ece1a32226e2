package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// textFromParts extracts display text from the mixed shapes provider events
// use: bare strings, lists of blocks, and nested objects keyed by
// text/output_text/content/delta/message.
func textFromParts(value any) string {
	switch t := value.(type) {
	case string:
		return t
	case []any:
		var b strings.Builder
		for _, item := range t {
			b.WriteString(textFromParts(item))
		}
		return b.String()
	case map[string]any:
		if s, ok := t["text"].(string); ok {
			return s
		}
		if s, ok := t["output_text"].(string); ok {
			return s
		}
		if content, ok := t["content"].([]any); ok {
			return textFromParts(content)
		}
		if t["delta"] != nil {
			return textFromParts(t["delta"])
		}
		if t["message"] != nil {
			return textFromParts(t["message"])
		}
	}
	return ""
}

// streamConsumer wires an NDJSON stdout parser to a reconciler, echoing live
// text when streaming and forwarding observability events.
type streamConsumer struct {
	provider     string
	req          Request
	rec          *Reconciler
	parse        func(event map[string]any) []Event
	printedAny   bool
	needsNewline bool
}

func newStreamConsumer(provider string, req Request, parse func(map[string]any) []Event) *streamConsumer {
	return &streamConsumer{
		provider: provider,
		req:      req,
		rec:      NewReconciler(req.SessionID),
		parse:    parse,
	}
}

// onStdoutLine is the procrun callback: one NDJSON line in, zero or more
// events folded. Non-JSON lines are ignored; providers interleave banners
// with the event stream.
func (c *streamConsumer) onStdoutLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	var event map[string]any
	if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
		return
	}
	if c.req.StreamDebug {
		emit(c.req.EventHook, "provider.raw_stdout_line", map[string]any{
			"provider": c.provider,
			"line":     trimmed,
		})
	}
	for _, ev := range c.parse(event) {
		switch e := ev.(type) {
		case SessionStart:
			emit(c.req.EventHook, "provider.session", map[string]any{
				"provider":   c.provider,
				"session_id": e.ID,
			})
		case ToolUse:
			emit(c.req.EventHook, "provider.tool_use", map[string]any{
				"provider": c.provider,
				"id":       e.ID,
				"name":     e.Name,
				"params":   e.Params,
			})
		case ToolResult:
			emit(c.req.EventHook, "provider.tool_result", map[string]any{
				"provider": c.provider,
				"id":       e.ID,
				"status":   e.Status,
				"output":   e.Output,
			})
		}
		text := c.rec.Feed(ev)
		if text != "" && c.req.Stream {
			fmt.Print(text)
			c.printedAny = true
			c.needsNewline = !strings.HasSuffix(text, "\n")
		}
	}
}

// finishEcho terminates the live echo with a newline when the last chunk
// lacked one.
func (c *streamConsumer) finishEcho() {
	if c.req.Stream && c.printedAny && c.needsNewline {
		fmt.Println()
	}
}
