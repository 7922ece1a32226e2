package provider

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/strongdm/friendsbar/internal/procrun"
)

// ClaudeBinEnv overrides the claude binary path.
const ClaudeBinEnv = "CLAUDE_BIN"

type claudeAdapter struct{}

func (*claudeAdapter) Name() string { return Claude }

func resolveClaudeCommand() string {
	if bin := os.Getenv(ClaudeBinEnv); bin != "" {
		return bin
	}
	return "claude"
}

func claudeArgs(sessionID string, o Options) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if o.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if sessionID != "" {
		args = append(args, "-r", sessionID)
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if allowed := append(append([]string{}, o.Tools...), o.AllowedTools...); len(allowed) > 0 {
		args = append(args, "--allowedTools", strings.Join(allowed, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	for _, dir := range o.IncludeDirectories {
		args = append(args, "--add-dir", dir)
	}
	return args
}

// parseClaudeEvent maps one stream-json event. Most event kinds carry a
// session_id alongside their payload, so one line can yield several events.
func parseClaudeEvent(event map[string]any) []Event {
	var events []Event
	if id, ok := event["session_id"].(string); ok && id != "" {
		events = append(events, SessionStart{ID: id})
	}

	switch event["type"] {
	case "stream_event":
		inner, ok := event["event"].(map[string]any)
		if !ok || inner["type"] != "content_block_delta" {
			return events
		}
		delta, ok := inner["delta"].(map[string]any)
		if !ok || delta["type"] != "text_delta" {
			return events
		}
		if text, ok := delta["text"].(string); ok && text != "" {
			events = append(events, StreamDelta{Text: text})
		}
	case "assistant":
		message, ok := event["message"].(map[string]any)
		if !ok {
			return events
		}
		content, ok := message["content"].([]any)
		if !ok {
			return events
		}
		var parts []string
		for _, raw := range content {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok {
					parts = append(parts, text)
				}
			case "tool_use":
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				params, _ := block["input"].(map[string]any)
				events = append(events, ToolUse{ID: id, Name: name, Params: params})
			}
		}
		if len(parts) > 0 {
			events = append(events, AssistantMessage{Parts: parts})
		}
	case "user":
		message, ok := event["message"].(map[string]any)
		if !ok {
			return events
		}
		content, ok := message["content"].([]any)
		if !ok {
			return events
		}
		for _, raw := range content {
			block, ok := raw.(map[string]any)
			if !ok || block["type"] != "tool_result" {
				continue
			}
			id, _ := block["tool_use_id"].(string)
			status := "ok"
			if isError, ok := block["is_error"].(bool); ok && isError {
				status = "error"
			}
			events = append(events, ToolResult{ID: id, Status: status, Output: textFromParts(block["content"])})
		}
	case "result":
		if event["subtype"] != "success" {
			return events
		}
		if structured := event["structured_output"]; structured != nil {
			if payload, err := json.Marshal(structured); err == nil {
				events = append(events, StructuredOutput{JSON: string(payload)})
			}
		}
		if text, ok := event["result"].(string); ok && text != "" {
			events = append(events, ResultMessage{Text: text})
		}
	}
	return events
}

func (a *claudeAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("claude-minimax: prompt must be non-empty")
	}

	consumer := newStreamConsumer(Claude, req, parseClaudeEvent)
	result, err := procrun.Run(ctx, procrun.Request{
		Provider:     Claude,
		Command:      resolveClaudeCommand(),
		Args:         claudeArgs(req.SessionID, req.Options),
		Dir:          req.Workdir,
		StdinText:    req.Prompt,
		Timeout:      req.Timeout,
		StreamStderr: req.Stream && req.Options.PrintStderr,
		StderrPrefix: "[claude stderr] ",
		OnStdoutLine: consumer.onStdoutLine,
		OnProcessStart: func(pid int) {
			emit(req.EventHook, "subprocess.started", map[string]any{"provider": Claude, "pid": pid})
		},
		OnFirstByte: func() {
			emit(req.EventHook, "subprocess.first_byte", map[string]any{"provider": Claude})
		},
	})
	if err != nil {
		var perr *procrun.ProcessError
		if errors.As(err, &perr) {
			return nil, perr.WithSession(consumer.rec.SessionID())
		}
		return nil, err
	}
	consumer.finishEcho()

	return &Response{
		Provider:  Claude,
		Text:      consumer.rec.Text(),
		SessionID: consumer.rec.SessionID(),
		ElapsedMS: result.ElapsedMS,
	}, nil
}
