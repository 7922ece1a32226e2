// Package provider adapts external LLM CLIs to one streaming contract: a
// prompt goes in, NDJSON events come back on stdout, and a reconciler folds
// them into a single (text, session_id) pair. Each adapter owns its argv
// construction and event dialect; the invoke gateway treats them uniformly.
package provider

import (
	"context"
	"sort"
	"strings"

	"github.com/strongdm/friendsbar/internal/procrun"
)

// Provider keys.
const (
	Codex  = "codex"
	Claude = "claude-minimax"
	Gemini = "gemini"
	Shim   = "shim"
)

// Event is one parsed stream event. The concrete types below are the only
// implementations.
type Event interface {
	isEvent()
}

// SessionStart carries the provider-issued conversation ID.
type SessionStart struct{ ID string }

// StreamDelta is one incremental text chunk.
type StreamDelta struct{ Text string }

// AssistantMessage is one aggregated final message, block texts in order.
type AssistantMessage struct{ Parts []string }

// ResultMessage is a post-hoc final echo of the full response.
type ResultMessage struct{ Text string }

// ToolUse reports a tool invocation observed in the stream.
type ToolUse struct {
	ID     string
	Name   string
	Params map[string]any
}

// ToolResult reports the outcome of a prior ToolUse.
type ToolResult struct {
	ID     string
	Status string
	Output string
}

// StructuredOutput carries a schema-conforming JSON payload; when present it
// wins over every text channel.
type StructuredOutput struct{ JSON string }

// Unknown marks an event the adapter recognizes as JSON but does not map.
type Unknown struct{}

func (SessionStart) isEvent()     {}
func (StreamDelta) isEvent()      {}
func (AssistantMessage) isEvent() {}
func (ResultMessage) isEvent()    {}
func (ToolUse) isEvent()          {}
func (ToolResult) isEvent()       {}
func (StructuredOutput) isEvent() {}
func (Unknown) isEvent()          {}

// Options is the typed view over the config/agent provider_options map.
// Adapters read only the fields they understand.
type Options struct {
	Model                  string
	ExecMode               string
	SandboxMode            string
	PermissionMode         string
	IncludePartialMessages bool
	PrintStderr            bool
	Tools                  []string
	DisallowedTools        []string
	AllowedTools           []string
	IncludeDirectories     []string
	OutputSchema           map[string]any
	AuthMode               string
	Proxy                  string
	NoProxy                string
	Adapter                string
	CallbackDir            string
}

// OptionsFromMap lowers a raw provider_options map into the typed view.
// Unknown keys are ignored; wrong-typed values fall back to zero values.
func OptionsFromMap(raw map[string]any) Options {
	var o Options
	o.Model = optString(raw, "model")
	o.ExecMode = optString(raw, "exec_mode")
	o.SandboxMode = optString(raw, "sandbox_mode")
	o.PermissionMode = optString(raw, "permission_mode")
	o.IncludePartialMessages = optBool(raw, "include_partial_messages")
	o.PrintStderr = optBool(raw, "print_stderr")
	o.Tools = optStrings(raw, "tools")
	o.DisallowedTools = optStrings(raw, "disallowed_tools")
	o.AllowedTools = optStrings(raw, "allowed_tools")
	o.IncludeDirectories = optStrings(raw, "include_directories")
	if schema, ok := raw["output_schema"].(map[string]any); ok {
		o.OutputSchema = schema
	}
	o.AuthMode = optString(raw, "auth_mode")
	o.Proxy = optString(raw, "proxy")
	o.NoProxy = optString(raw, "no_proxy")
	o.Adapter = optString(raw, "adapter")
	o.CallbackDir = optString(raw, "callback_dir")
	return o
}

func optString(raw map[string]any, key string) string {
	if s, ok := raw[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func optBool(raw map[string]any, key string) bool {
	b, _ := raw[key].(bool)
	return b
}

func optStrings(raw map[string]any, key string) []string {
	switch t := raw[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	}
	return nil
}

// Request is one adapter call.
type Request struct {
	Prompt      string
	SessionID   string
	Workdir     string
	Stream      bool
	StreamDebug bool
	Timeout     procrun.TimeoutConfig
	Options     Options

	// EventHook receives best-effort observability events
	// (provider.raw_stdout_line, provider.session, provider.tool_use,
	// provider.tool_result, adapter.*, subprocess.*). It never fails the call.
	EventHook func(event string, payload map[string]any)
}

// Response is the reconciled outcome of one adapter call.
type Response struct {
	Provider  string
	Text      string
	SessionID string
	ElapsedMS int64
}

// Adapter converts one prompt into one provider call.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Registry holds the available adapters keyed by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns a registry with all built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range []Adapter{
		&codexAdapter{},
		&claudeAdapter{},
		&geminiAdapter{},
		&shimAdapter{},
	} {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter for a canonical provider key.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the sorted provider keys.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// emit delivers one observability event, swallowing hook panics.
func emit(hook func(string, map[string]any), event string, payload map[string]any) {
	if hook == nil {
		return
	}
	defer func() { _ = recover() }()
	hook(event, payload)
}
