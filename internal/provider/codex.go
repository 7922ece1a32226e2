package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/strongdm/friendsbar/internal/procrun"
)

// CodexBinEnv overrides the codex binary path.
const CodexBinEnv = "CODEX_BIN"

type codexAdapter struct{}

func (*codexAdapter) Name() string { return Codex }

func resolveCodexCommand() string {
	if bin := os.Getenv(CodexBinEnv); bin != "" {
		return bin
	}
	return "codex"
}

// codexArgs builds the exec argv. The prompt itself travels on stdin behind
// the "-" positional so large prompts never hit argv limits.
func codexArgs(sessionID string, o Options, schemaPath string) []string {
	args := []string{"exec"}
	if sessionID != "" {
		args = append(args, "resume")
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.ExecMode == "bypass" {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	} else if o.SandboxMode != "" {
		args = append(args, "--sandbox", o.SandboxMode)
	}
	if schemaPath != "" {
		args = append(args, "--output-schema", schemaPath)
	}
	if sessionID != "" {
		args = append(args, sessionID)
	}
	return append(args, "-")
}

// writeSchemaFile materializes the response schema for --output-schema.
// Caller removes the file after the run.
func writeSchemaFile(schema map[string]any) (string, error) {
	payload, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "codex-schema-*.json")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// parseCodexEvent maps one codex --json event to stream events.
func parseCodexEvent(event map[string]any) []Event {
	switch event["type"] {
	case "thread.started":
		if id, ok := event["thread_id"].(string); ok && id != "" {
			return []Event{SessionStart{ID: id}}
		}
		return nil
	case "agent_message_delta":
		if text := textFromParts(event["delta"]); text != "" {
			return []Event{StreamDelta{Text: text}}
		}
		return nil
	case "item.completed":
		item, ok := event["item"].(map[string]any)
		if !ok {
			return nil
		}
		switch item["type"] {
		case "agent_message", "assistant":
			text := textFromParts(firstNonNil(item["text"], item["message"], item["content"]))
			if text == "" {
				return nil
			}
			return []Event{AssistantMessage{Parts: []string{text}}}
		case "command_execution":
			id, _ := item["id"].(string)
			output, _ := item["aggregated_output"].(string)
			status := "ok"
			if code, ok := item["exit_code"].(float64); ok && code != 0 {
				status = "error"
			}
			return []Event{ToolResult{ID: id, Status: status, Output: output}}
		}
		return nil
	case "agent_message":
		if text := textFromParts(event["message"]); text != "" {
			return []Event{AssistantMessage{Parts: []string{text}}}
		}
		return nil
	case "assistant":
		text := textFromParts(firstNonNil(event["message"], event["content"]))
		if text == "" {
			return nil
		}
		return []Event{AssistantMessage{Parts: []string{text}}}
	}
	if event["role"] == "assistant" {
		text := textFromParts(firstNonNil(event["content"], event["message"], event["delta"]))
		if text == "" {
			return nil
		}
		return []Event{AssistantMessage{Parts: []string{text}}}
	}
	return nil
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func (a *codexAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("codex: prompt must be non-empty")
	}

	schemaPath := ""
	if req.Options.OutputSchema != nil {
		path, err := writeSchemaFile(req.Options.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("codex: write output schema: %w", err)
		}
		schemaPath = path
		defer os.Remove(schemaPath)
	}

	consumer := newStreamConsumer(Codex, req, parseCodexEvent)
	result, err := procrun.Run(ctx, procrun.Request{
		Provider:     Codex,
		Command:      resolveCodexCommand(),
		Args:         codexArgs(req.SessionID, req.Options, schemaPath),
		Dir:          req.Workdir,
		StdinText:    req.Prompt,
		Timeout:      req.Timeout,
		StreamStderr: req.Stream,
		StderrPrefix: "[codex stderr] ",
		OnStdoutLine: consumer.onStdoutLine,
		OnProcessStart: func(pid int) {
			emit(req.EventHook, "subprocess.started", map[string]any{"provider": Codex, "pid": pid})
		},
		OnFirstByte: func() {
			emit(req.EventHook, "subprocess.first_byte", map[string]any{"provider": Codex})
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
		Provider:  Codex,
		Text:      consumer.rec.Text(),
		SessionID: consumer.rec.SessionID(),
		ElapsedMS: result.ElapsedMS,
	}, nil
}
