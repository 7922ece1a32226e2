package orchestrator

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestTokenizeCommand(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"plain", "go test ./...", []string{"go", "test", "./..."}},
		{"single quotes", "grep 'hello world' main.go", []string{"grep", "hello world", "main.go"}},
		{"double quotes", `echo "a b" c`, []string{"echo", "a b", "c"}},
		{"escape", `echo a\ b`, []string{"echo", "a b"}},
		{"unterminated falls back", "grep 'oops main.go", []string{"grep", "'oops", "main.go"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tokenizeCommand(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestExtractAbsolutePaths(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"plain arg", "cat /etc/passwd", []string{"/etc/passwd"}},
		{"flag value", "tool --file=/var/data.txt", []string{"/var/data.txt"}},
		{"url skipped", "curl https://example.com/x", nil},
		{"relative skipped", "go test ./internal/...", nil},
		{"punctuation trimmed", "ls /tmp/x;", []string{"/tmp/x"}},
		{"quoted", `cat "/tmp/a b"`, []string{"/tmp/a b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractAbsolutePaths(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestPathWithin(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if !pathWithin(nested, root) {
		t.Fatal("nested must be within root")
	}
	if !pathWithin(root, root) {
		t.Fatal("a dir is within itself")
	}
	if pathWithin(t.TempDir(), root) {
		t.Fatal("sibling must not be within root")
	}
	// Prefix of a component name is not containment.
	if pathWithin(root+"extra", root) {
		t.Fatal("name prefix must not count as containment")
	}
}

func TestEnsureAllowedRoots(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "proj")
	if err := os.MkdirAll(inside, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ensureAllowedRoots(inside, nil); err != nil {
		t.Fatalf("empty roots allow everything: %v", err)
	}
	if err := ensureAllowedRoots(inside, []string{root}); err != nil {
		t.Fatalf("inside root: %v", err)
	}
	if err := ensureAllowedRoots(t.TempDir(), []string{root}); err == nil {
		t.Fatal("outside root must fail")
	}
}

func TestCommandPolicyErrors(t *testing.T) {
	commands := []string{"rm -rf /", "go test ./...", "curl http://x"}
	errors := commandPolicyErrors(commands, []string{`^go `}, []string{`rm -rf`})
	if len(errors) != 2 {
		t.Fatalf("errors: %v", errors)
	}
	if !strings.HasPrefix(errors[0], "E_SAFETY_COMMAND_DENIED: rm -rf /") {
		t.Fatalf("deny first: %q", errors[0])
	}
	if !strings.HasPrefix(errors[1], "E_SAFETY_COMMAND_NOT_ALLOWED: curl") {
		t.Fatalf("allow miss: %q", errors[1])
	}
	if errs := commandPolicyErrors(commands[1:2], nil, nil); len(errs) != 0 {
		t.Fatalf("no policy means no errors: %v", errs)
	}
}

func TestCommandWorkdirErrors(t *testing.T) {
	workdir := t.TempDir()
	inside := filepath.Join(workdir, "main.go")
	cmds := []string{
		"cat " + inside,
		"diff /etc/passwd /etc/hosts",
		"go test ./...",
	}
	errors := commandWorkdirErrors(cmds, workdir)
	if len(errors) != 1 {
		t.Fatalf("errors: %v", errors)
	}
	if !strings.HasPrefix(errors[0], "E_WORKDIR_COMMAND_OUTSIDE: /etc/hosts, /etc/passwd | cmd=diff") {
		t.Fatalf("offending paths must be sorted: %q", errors[0])
	}
}

func TestVerifyDeliverables(t *testing.T) {
	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, "out.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(workdir, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(workdir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	globs := []string{".git/**", ".sessions/**"}

	content := func(items ...map[string]any) map[string]any {
		list := make([]any, 0, len(items))
		for _, item := range items {
			list = append(list, item)
		}
		return map[string]any{"result": map[string]any{"deliverables": list}}
	}

	cases := []struct {
		name string
		item map[string]any
		want string
	}{
		{"ok file", map[string]any{"path": "out.txt", "kind": "file"}, ""},
		{"ok dir", map[string]any{"path": "pkg", "kind": "dir"}, ""},
		{"missing", map[string]any{"path": "nope.txt", "kind": "file"}, "E_DELIVERY_MISSING_DELIVERABLE"},
		{"expect file", map[string]any{"path": "pkg", "kind": "file"}, "E_DELIVERY_EXPECT_FILE"},
		{"expect dir", map[string]any{"path": "out.txt", "kind": "dir"}, "E_DELIVERY_EXPECT_DIR"},
		{"outside", map[string]any{"path": "/etc/passwd", "kind": "file"}, "E_DELIVERY_OUTSIDE_WORKDIR"},
		{"protected", map[string]any{"path": ".git/config", "kind": "file"}, "E_DELIVERY_PROTECTED_PATH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errors := verifyDeliverables(content(tc.item), workdir, globs)
			if tc.want == "" {
				if len(errors) != 0 {
					t.Fatalf("want clean, got %v", errors)
				}
				return
			}
			if len(errors) != 1 || !strings.HasPrefix(errors[0], tc.want) {
				t.Fatalf("want %s error, got %v", tc.want, errors)
			}
		})
	}

	if errs := verifyDeliverables(map[string]any{"result": map[string]any{}}, workdir, globs); len(errs) != 0 {
		t.Fatalf("absent deliverables are fine: %v", errs)
	}
}

func TestExtractRequestedWorkdir(t *testing.T) {
	base := t.TempDir()
	existing := filepath.Join(base, "proj")
	if err := os.MkdirAll(existing, 0o755); err != nil {
		t.Fatal(err)
	}

	got := extractRequestedWorkdir("请在 " + existing + " 目录下实现需求")
	if got != existing {
		t.Fatalf("existing dir: got %q want %q", got, existing)
	}

	// A child of an existing dir is acceptable (it will be created).
	child := filepath.Join(existing, "newdir")
	if got := extractRequestedWorkdir("工作目录 " + child + " 请使用"); got != child {
		t.Fatalf("child of existing dir: got %q want %q", got, child)
	}

	if got := extractRequestedWorkdir("see https://example.com/docs/setup please"); got != "" {
		t.Fatalf("url must not look like a path: got %q", got)
	}
	if got := extractRequestedWorkdir("no path here"); got != "" {
		t.Fatalf("plain text: got %q", got)
	}
}

func TestResolveWorkdir(t *testing.T) {
	base := t.TempDir()
	got, source := resolveWorkdir(base, "ignored")
	if got != filepath.Clean(base) || source != "project_path_arg" {
		t.Fatalf("explicit arg: got %q %q", got, source)
	}
	got, source = resolveWorkdir("", "在 "+base+" 下执行")
	if got != filepath.Clean(base) || source != "user_request" {
		t.Fatalf("from request: got %q %q", got, source)
	}
	_, source = resolveWorkdir("", "nothing to infer")
	if source != "cwd_default" {
		t.Fatalf("fallback source: got %q", source)
	}
}
