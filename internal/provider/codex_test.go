package provider

import (
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"testing"
)

func TestCodexArgs(t *testing.T) {
	cases := []struct {
		name    string
		session string
		opts    Options
		schema  string
		want    []string
	}{
		{
			name: "fresh session",
			want: []string{"exec", "--json", "--skip-git-repo-check", "-"},
		},
		{
			name:    "resume",
			session: "sess-1",
			want:    []string{"exec", "resume", "--json", "--skip-git-repo-check", "sess-1", "-"},
		},
		{
			name: "bypass mode",
			opts: Options{ExecMode: "bypass"},
			want: []string{"exec", "--json", "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox", "-"},
		},
		{
			name: "sandbox mode",
			opts: Options{SandboxMode: "read-only"},
			want: []string{"exec", "--json", "--skip-git-repo-check", "--sandbox", "read-only", "-"},
		},
		{
			name:   "output schema and model",
			opts:   Options{Model: "gpt-5"},
			schema: "/tmp/schema.json",
			want:   []string{"exec", "--json", "--skip-git-repo-check", "--model", "gpt-5", "--output-schema", "/tmp/schema.json", "-"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := codexArgs(tc.session, tc.opts, tc.schema)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func parseEventJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var event map[string]any
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("bad test event: %v", err)
	}
	return event
}

func TestParseCodexEvent(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "thread started",
			raw:  `{"type":"thread.started","thread_id":"t-1"}`,
			want: SessionStart{ID: "t-1"},
		},
		{
			name: "delta",
			raw:  `{"type":"agent_message_delta","delta":{"text":"chunk"}}`,
			want: StreamDelta{Text: "chunk"},
		},
		{
			name: "item completed agent message",
			raw:  `{"type":"item.completed","item":{"type":"agent_message","text":"final"}}`,
			want: AssistantMessage{Parts: []string{"final"}},
		},
		{
			name: "bare agent message",
			raw:  `{"type":"agent_message","message":"hello"}`,
			want: AssistantMessage{Parts: []string{"hello"}},
		},
		{
			name: "role assistant fallback",
			raw:  `{"role":"assistant","content":[{"type":"output_text","output_text":"done"}]}`,
			want: AssistantMessage{Parts: []string{"done"}},
		},
		{
			name: "command execution result",
			raw:  `{"type":"item.completed","item":{"type":"command_execution","id":"c1","aggregated_output":"ok\n","exit_code":0}}`,
			want: ToolResult{ID: "c1", Status: "ok", Output: "ok\n"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := parseCodexEvent(parseEventJSON(t, tc.raw))
			if len(events) != 1 {
				t.Fatalf("got %d events want 1: %v", len(events), events)
			}
			if !reflect.DeepEqual(events[0], tc.want) {
				t.Fatalf("got %#v want %#v", events[0], tc.want)
			}
		})
	}
}

func TestParseCodexEventIgnoresNoise(t *testing.T) {
	for _, raw := range []string{
		`{"type":"turn.started"}`,
		`{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}`,
		`{"type":"agent_message_delta","delta":{}}`,
	} {
		if events := parseCodexEvent(parseEventJSON(t, raw)); len(events) != 0 {
			t.Fatalf("event %s should map to nothing, got %v", raw, events)
		}
	}
}

func TestCodexStreamReconciliation(t *testing.T) {
	req := Request{Prompt: "p"}
	consumer := newStreamConsumer(Codex, req, parseCodexEvent)
	for _, line := range []string{
		`{"type":"thread.started","thread_id":"t-9"}`,
		`not json noise`,
		`{"type":"agent_message_delta","delta":{"text":"{\"a\":"}}`,
		`{"type":"agent_message_delta","delta":{"text":"1}"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"{\"a\":1}"}}`,
	} {
		consumer.onStdoutLine(line)
	}
	if got := consumer.rec.SessionID(); got != "t-9" {
		t.Fatalf("session: got %q", got)
	}
	if got := consumer.rec.Text(); got != `{"a":1}` {
		t.Fatalf("text: got %q", got)
	}
}

func TestWriteSchemaFile(t *testing.T) {
	path, err := writeSchemaFile(map[string]any{"type": "object"})
	if err != nil {
		t.Fatalf("writeSchemaFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(path) })
	if !strings.HasSuffix(path, ".json") {
		t.Fatalf("schema file name: %q", path)
	}
}
