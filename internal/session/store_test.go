package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetGetClearRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	if got := s.Get("codex"); got != "" {
		t.Fatalf("empty store Get: got %q want empty", got)
	}

	s.Set("codex", "sess-123")
	if got := s.Get("codex"); got != "sess-123" {
		t.Fatalf("Get after Set: got %q want %q", got, "sess-123")
	}

	s.Set("claude-minimax", "sess-456")
	if got := s.Get("codex"); got != "sess-123" {
		t.Fatalf("Get codex after setting other provider: got %q want %q", got, "sess-123")
	}

	s.Clear("codex")
	if got := s.Get("codex"); got != "" {
		t.Fatalf("Get after Clear: got %q want empty", got)
	}
	if got := s.Get("claude-minimax"); got != "sess-456" {
		t.Fatalf("Clear must not touch other providers: got %q", got)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := New(t.TempDir())
	s.Set("codex", "first")
	s.Set("codex", "second")
	if got := s.Get("codex"); got != "second" {
		t.Fatalf("got %q want %q", got, "second")
	}
}

func TestCorruptFileFallsBackToEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.Get("codex"); got != "" {
		t.Fatalf("corrupt store Get: got %q want empty", got)
	}
	// A corrupt store must still accept new writes.
	s.Set("codex", "fresh")
	if got := s.Get("codex"); got != "fresh" {
		t.Fatalf("Set over corrupt store: got %q want %q", got, "fresh")
	}
}

func TestEmptyInputsIgnored(t *testing.T) {
	s := New(t.TempDir())
	s.Set("", "sess")
	s.Set("codex", "  ")
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatalf("store file should not exist after ignored writes, stat err=%v", err)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.Set("codex", "sess-1")
	s.Set("codex", "sess-2")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") && strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file: %s", filepath.Join(dir, e.Name()))
		}
	}
}
