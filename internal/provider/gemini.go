package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strongdm/friendsbar/internal/procrun"
)

// Gemini environment knobs.
const (
	GeminiBinEnv     = "GEMINI_BIN"
	GeminiAdapterEnv = "GEMINI_ADAPTER"
)

// Gemini adapter modes. The CLI mode drives the headless binary; the
// antigravity mode bridges to a GUI via request/response files.
const (
	GeminiAdapterCLI         = "gemini-cli"
	GeminiAdapterAntigravity = "antigravity"
)

const defaultCallbackDir = ".gemini/mcp_bridge"

type geminiAdapter struct{}

func (*geminiAdapter) Name() string { return Gemini }

func resolveGeminiCommand() string {
	if bin := os.Getenv(GeminiBinEnv); bin != "" {
		return bin
	}
	return "gemini"
}

// resolveGeminiAdapter picks the adapter mode: explicit option, then env,
// then the CLI default.
func resolveGeminiAdapter(explicit string) (string, error) {
	raw := strings.ToLower(strings.TrimSpace(explicit))
	if raw == "" {
		raw = strings.ToLower(strings.TrimSpace(os.Getenv(GeminiAdapterEnv)))
	}
	if raw == "" {
		raw = GeminiAdapterCLI
	}
	switch raw {
	case "cli", "gemini_cli", GeminiAdapterCLI:
		return GeminiAdapterCLI, nil
	case "mcp", "antigravity-mcp", GeminiAdapterAntigravity:
		return GeminiAdapterAntigravity, nil
	}
	return "", fmt.Errorf("gemini: adapter must be one of: gemini-cli, antigravity (got %q)", raw)
}

// validateGeminiAuth checks the env prerequisites for explicit auth modes.
// Headless automation cannot complete an interactive OAuth consent, so the
// explicit modes fail fast when their credentials are absent.
func validateGeminiAuth(authMode string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(authMode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto", "oauth":
		return mode, nil
	case "api_key":
		if os.Getenv("GEMINI_API_KEY") == "" {
			return "", errors.New("gemini: auth_mode=api_key requires GEMINI_API_KEY for headless automation")
		}
		return mode, nil
	case "vertex":
		if os.Getenv("GOOGLE_API_KEY") != "" {
			return mode, nil
		}
		hasProject := os.Getenv("GOOGLE_CLOUD_PROJECT") != "" || os.Getenv("GOOGLE_CLOUD_PROJECT_ID") != ""
		if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" && hasProject && os.Getenv("GOOGLE_CLOUD_LOCATION") != "" {
			return mode, nil
		}
		return "", errors.New("gemini: auth_mode=vertex requires GOOGLE_API_KEY, or GOOGLE_APPLICATION_CREDENTIALS + GOOGLE_CLOUD_PROJECT + GOOGLE_CLOUD_LOCATION")
	}
	return "", fmt.Errorf("gemini: auth_mode must be one of: auto, oauth, api_key, vertex (got %q)", authMode)
}

// geminiEnv assembles the subprocess environment: the browser is always
// suppressed, and proxy settings propagate to both spellings with a loopback
// NO_PROXY fallback.
func geminiEnv(o Options) []string {
	env := os.Environ()
	env = append(env, "NO_BROWSER=true")
	if o.Proxy != "" {
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
			env = append(env, key+"="+o.Proxy)
		}
		if o.NoProxy == "" && os.Getenv("NO_PROXY") == "" && os.Getenv("no_proxy") == "" {
			env = append(env, "NO_PROXY=localhost,127.0.0.1", "no_proxy=localhost,127.0.0.1")
		}
	}
	if o.NoProxy != "" {
		env = append(env, "NO_PROXY="+o.NoProxy, "no_proxy="+o.NoProxy)
	}
	return env
}

func geminiArgs(prompt, sessionID, format string, o Options) []string {
	args := []string{"-p", prompt, "--output-format", format}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--approval-mode", o.PermissionMode)
	}
	switch o.SandboxMode {
	case "true", "false":
		args = append(args, "--sandbox", o.SandboxMode)
	}
	if o.ExecMode == "bypass" {
		args = append(args, "--yolo")
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	for _, tool := range append(append([]string{}, o.Tools...), o.AllowedTools...) {
		args = append(args, "--allowed-tools", tool)
	}
	for _, dir := range o.IncludeDirectories {
		args = append(args, "--include-directories", dir)
	}
	return args
}

// parseGeminiStreamEvent maps one stream-json event. Assistant chunks with
// delta=true are incremental; without the flag they are aggregated finals.
func parseGeminiStreamEvent(event map[string]any) []Event {
	if event["type"] == "init" {
		if id, ok := event["session_id"].(string); ok && id != "" {
			return []Event{SessionStart{ID: id}}
		}
		return nil
	}
	if event["type"] != "message" || event["role"] != "assistant" {
		return nil
	}
	text := geminiText(event["content"])
	if text == "" {
		return nil
	}
	if isDelta, ok := event["delta"].(bool); ok && isDelta {
		return []Event{StreamDelta{Text: text}}
	}
	return []Event{AssistantMessage{Parts: []string{text}}}
}

// geminiText extracts text from gemini value shapes (adds the "response"
// key to the common extraction).
func geminiText(value any) string {
	if m, ok := value.(map[string]any); ok {
		if s, ok := m["response"].(string); ok {
			return s
		}
	}
	return textFromParts(value)
}

func (a *geminiAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("gemini: prompt must be non-empty")
	}
	mode, err := resolveGeminiAdapter(req.Options.Adapter)
	if err != nil {
		return nil, err
	}
	emit(req.EventHook, "adapter.selected", map[string]any{"provider": Gemini, "adapter": mode})
	if mode == GeminiAdapterAntigravity {
		return invokeAntigravity(ctx, req)
	}
	return invokeGeminiCLI(ctx, req)
}

func invokeGeminiCLI(ctx context.Context, req Request) (*Response, error) {
	if _, err := validateGeminiAuth(req.Options.AuthMode); err != nil {
		return nil, err
	}
	format := "json"
	if req.Stream {
		format = "stream-json"
	}

	consumer := newStreamConsumer(Gemini, req, parseGeminiStreamEvent)

	// json mode buffers the whole stdout into one object instead of parsing
	// NDJSON events.
	var jsonBuffer strings.Builder
	onLine := consumer.onStdoutLine
	if format == "json" {
		onLine = func(line string) {
			jsonBuffer.WriteString(line)
			jsonBuffer.WriteString("\n")
		}
	}

	result, err := procrun.Run(ctx, procrun.Request{
		Provider:     Gemini,
		Command:      resolveGeminiCommand(),
		Args:         geminiArgs(req.Prompt, req.SessionID, format, req.Options),
		Dir:          req.Workdir,
		Env:          geminiEnv(req.Options),
		InheritStdin: true,
		Timeout:      req.Timeout,
		StreamStderr: req.Stream && req.Options.PrintStderr,
		StderrPrefix: "[gemini stderr] ",
		OnStdoutLine: onLine,
		OnProcessStart: func(pid int) {
			emit(req.EventHook, "subprocess.started", map[string]any{"provider": Gemini, "pid": pid})
		},
		OnFirstByte: func() {
			emit(req.EventHook, "subprocess.first_byte", map[string]any{"provider": Gemini})
		},
	})
	if err != nil {
		var perr *procrun.ProcessError
		if errors.As(err, &perr) {
			tail := strings.ToLower(strings.Join(perr.StderrTail(), " "))
			if strings.Contains(tail, "interactive consent could not be obtained") {
				perr.Extra = "Gemini OAuth needs interactive consent. For workflow automation, prefer auth_mode=api_key (set GEMINI_API_KEY) or auth_mode=vertex."
			}
			return nil, perr.WithSession(consumer.rec.SessionID())
		}
		return nil, err
	}

	if format == "json" {
		if payload, ok := decodeGeminiJSON(jsonBuffer.String()); ok {
			if id, ok := payload["session_id"].(string); ok && id != "" {
				consumer.rec.Feed(SessionStart{ID: id})
			}
			if text := geminiResponseText(payload["response"]); text != "" {
				consumer.rec.Feed(ResultMessage{Text: text})
			}
		}
	}
	consumer.finishEcho()

	return &Response{
		Provider:  Gemini,
		Text:      consumer.rec.Text(),
		SessionID: consumer.rec.SessionID(),
		ElapsedMS: result.ElapsedMS,
	}, nil
}

func decodeGeminiJSON(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// geminiResponseText renders a json-mode response field: structured values
// compact-encode, everything else goes through text extraction.
func geminiResponseText(response any) string {
	switch response.(type) {
	case map[string]any, []any:
		payload, err := json.Marshal(response)
		if err != nil {
			return ""
		}
		return string(payload)
	}
	return geminiText(response)
}

// invokeAntigravity is the file-callback mode: write a request file, poll
// for the matching response file, and map callback failures to process
// errors the retry layer understands.
func invokeAntigravity(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	rid := strings.ReplaceAll(uuid.NewString(), "-", "")
	root := req.Options.CallbackDir
	if root == "" {
		root = defaultCallbackDir
	}
	requestPath := filepath.Join(root, "requests", rid+".json")
	responsePath := filepath.Join(root, "responses", rid+".json")
	commandRepr := "antigravity-mcp-callback request_id=" + rid

	fail := func(reason, extra string) *procrun.ProcessError {
		return &procrun.ProcessError{
			Provider:    Gemini,
			Reason:      reason,
			CommandRepr: commandRepr,
			ElapsedMS:   time.Since(started).Milliseconds(),
			ReturnCode:  -1,
			SessionID:   req.SessionID,
			Extra:       extra,
		}
	}

	request := map[string]any{
		"request_id":   rid,
		"prompt":       req.Prompt,
		"session_id":   req.SessionID,
		"workdir":      req.Workdir,
		"model":        req.Options.Model,
		"timestamp_ms": time.Now().UnixMilli(),
		"adapter":      GeminiAdapterAntigravity,
	}
	if err := atomicWriteJSON(requestPath, request); err != nil {
		return nil, fail("mcp_callback_write_error", err.Error())
	}
	emit(req.EventHook, "adapter.request_written", map[string]any{
		"provider":      Gemini,
		"adapter":       GeminiAdapterAntigravity,
		"request_id":    rid,
		"request_path":  requestPath,
		"response_path": responsePath,
	})

	timeout := req.Timeout.MaxTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	deadline := started.Add(timeout)
	const pollInterval = 250 * time.Millisecond

	for {
		raw, err := os.ReadFile(responsePath)
		if err == nil {
			return consumeCallbackResponse(req, raw, rid, responsePath, started, fail)
		}
		if time.Now().After(deadline) {
			return nil, fail("mcp_callback_timeout", fmt.Sprintf(
				"no callback at %s within %s; request written to %s", responsePath, timeout, requestPath))
		}
		select {
		case <-ctx.Done():
			return nil, fail(procrun.ReasonParentSignal, ctx.Err().Error())
		case <-time.After(pollInterval):
		}
	}
}

func consumeCallbackResponse(
	req Request,
	raw []byte,
	rid, responsePath string,
	started time.Time,
	fail func(reason, extra string) *procrun.ProcessError,
) (*Response, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fail("mcp_callback_invalid_json", err.Error())
	}
	if got, ok := payload["request_id"].(string); ok && got != rid {
		return nil, fail("mcp_callback_request_id_mismatch",
			fmt.Sprintf("response request_id=%s does not match expected %s", got, rid))
	}
	if status, ok := payload["status"].(string); ok && strings.EqualFold(status, "error") {
		detail, _ := payload["error"].(string)
		if detail == "" {
			detail = "callback returned error"
		}
		return nil, fail("mcp_callback_error", detail)
	}

	text := geminiText(payload["text"])
	if text == "" {
		text = geminiText(payload["response"])
	}
	if text == "" {
		text = geminiText(payload["content"])
	}
	if text == "" {
		if result, ok := payload["result"].(map[string]any); ok {
			text = geminiText(result["text"])
		}
	}
	if text == "" {
		return nil, fail("mcp_callback_missing_text", "callback payload does not contain text/response/content")
	}

	sessionID := req.SessionID
	if id, ok := payload["session_id"].(string); ok && strings.TrimSpace(id) != "" {
		sessionID = id
	}
	_ = os.Remove(responsePath)

	elapsed := time.Since(started).Milliseconds()
	emit(req.EventHook, "adapter.callback_received", map[string]any{
		"provider":   Gemini,
		"adapter":    GeminiAdapterAntigravity,
		"request_id": rid,
		"elapsed_ms": elapsed,
	})
	return &Response{
		Provider:  Gemini,
		Text:      text,
		SessionID: sessionID,
		ElapsedMS: elapsed,
	}, nil
}

// atomicWriteJSON writes a callback file via temp + rename so the peer never
// observes a half-written request.
func atomicWriteJSON(path string, payload map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
