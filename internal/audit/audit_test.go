package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	fp, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer fp.Close()
	var out []map[string]any
	scanner := bufio.NewScanner(fp)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("bad jsonl line %q: %v", scanner.Text(), err)
		}
		out = append(out, record)
	}
	return out
}

func TestLoggerWritesEvents(t *testing.T) {
	dir := t.TempDir()
	seed := uint32(7)
	logger := New(Config{Enabled: true, Dir: dir, IncludePromptPreview: true, MaxPreviewChars: 10}, &seed)

	if logger.RunID == "" {
		t.Fatal("run id must be set")
	}
	if logger.Seed != 7 {
		t.Fatalf("seed: got %d want 7", logger.Seed)
	}
	if !strings.HasSuffix(logger.LogFile(), "_"+logger.RunID+".jsonl") {
		t.Fatalf("log file stem: %q", logger.LogFile())
	}

	logger.Log("turn.completed", map[string]any{"agent": "DUFFY", "round": float64(1)})
	logger.Log("turn.completed", map[string]any{"agent": "LINA_BELL", "round": float64(1)})

	records := readLines(t, logger.LogFile())
	if len(records) != 2 {
		t.Fatalf("records: got %d want 2", len(records))
	}
	first := records[0]
	if first["event"] != "turn.completed" {
		t.Fatalf("event: %v", first["event"])
	}
	if first["run_id"] != logger.RunID {
		t.Fatalf("run_id: %v", first["run_id"])
	}
	if first["seed"] != float64(7) {
		t.Fatalf("seed: %v", first["seed"])
	}
	payload, _ := first["payload"].(map[string]any)
	if payload["agent"] != "DUFFY" {
		t.Fatalf("payload: %v", payload)
	}
	if _, ok := first["ts"].(string); !ok {
		t.Fatalf("ts missing: %v", first)
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Enabled: false, Dir: dir}, nil)
	logger.Log("turn.completed", map[string]any{"x": 1})
	logger.Finalize("completed", nil)

	if logger.LogFile() != "" || logger.SummaryFile() != "" {
		t.Fatalf("disabled logger must not reserve paths: %q %q", logger.LogFile(), logger.SummaryFile())
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("dir must stay empty: %v", entries)
	}
}

func TestRandomSeedWhenUnset(t *testing.T) {
	a := New(Config{Enabled: false}, nil)
	b := New(Config{Enabled: false}, nil)
	if a.Seed == 0 && b.Seed == 0 {
		t.Fatal("random seeds both zero")
	}
	if a.RunID == b.RunID {
		t.Fatalf("run ids must differ: %q", a.RunID)
	}
}

func TestTextMeta(t *testing.T) {
	logger := New(Config{Enabled: false, IncludePromptPreview: true, MaxPreviewChars: 4}, nil)
	meta := logger.TextMeta("朋友酒吧 round")
	if meta["chars"] != 10 {
		t.Fatalf("chars: %v", meta["chars"])
	}
	if meta["preview"] != "朋友酒吧" {
		t.Fatalf("preview: %v", meta["preview"])
	}
	sum, _ := meta["sha256"].(string)
	if len(sum) != 64 {
		t.Fatalf("sha256: %q", sum)
	}

	noPreview := New(Config{Enabled: false}, nil)
	if _, ok := noPreview.TextMeta("x")["preview"]; ok {
		t.Fatal("preview must be omitted when disabled")
	}
}

func TestFinalizeWritesSummaryOnce(t *testing.T) {
	dir := t.TempDir()
	seed := uint32(99)
	logger := New(Config{Enabled: true, Dir: dir}, &seed)
	logger.Log("run.params", map[string]any{"rounds": 2})
	logger.Finalize("completed", map[string]any{"turns": 6})
	logger.Finalize("failed", map[string]any{"turns": 0})

	records := readLines(t, logger.LogFile())
	var finals int
	for _, record := range records {
		if record["event"] == "run.finalized" {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("run.finalized events: got %d want 1", finals)
	}

	data, err := os.ReadFile(logger.SummaryFile())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	if summary["status"] != "completed" {
		t.Fatalf("second finalize must not win: %v", summary["status"])
	}
	if summary["turns"] != float64(6) {
		t.Fatalf("turns: %v", summary["turns"])
	}
	if summary["run_id"] != logger.RunID || summary["seed"] != float64(99) {
		t.Fatalf("identity fields: %v", summary)
	}
	if summary["started_at"] == "" || summary["ended_at"] == "" {
		t.Fatalf("timestamps: %v", summary)
	}
	// No stray temp file left behind.
	if _, err := os.Stat(logger.SummaryFile() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp summary left behind: %v", err)
	}
}

func TestRelativeDirResolvesUnderCwd(t *testing.T) {
	dir := t.TempDir()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore cwd: %v", err)
		}
	})
	logger := New(Config{Enabled: true, Dir: ".friends-bar/logs"}, nil)
	logger.Log("run.params", map[string]any{})

	want := filepath.Join(dir, ".friends-bar", "logs")
	if filepath.Dir(logger.LogFile()) != want {
		t.Fatalf("log dir: got %q want %q", filepath.Dir(logger.LogFile()), want)
	}
	if _, err := os.Stat(logger.LogFile()); err != nil {
		t.Fatalf("log file: %v", err)
	}
}
