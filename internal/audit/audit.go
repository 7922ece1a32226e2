// Package audit writes the append-only JSONL trail for one orchestration
// run: every event is a single self-contained line, and a summary document
// is written once at the end. Logging failures never break the run.
package audit

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// Config mirrors the [friends_bar.logging] block.
type Config struct {
	Enabled              bool
	Dir                  string
	IncludePromptPreview bool
	MaxPreviewChars      int
}

// Logger records events for one run. A disabled logger accepts every call
// and writes nothing.
type Logger struct {
	RunID string
	Seed  uint32

	enabled        bool
	includePreview bool
	maxPreview     int
	createdAt      time.Time

	mu          sync.Mutex
	logPath     string
	summaryPath string
	finalized   bool
}

// New creates a logger for a fresh run. The run ID is a ULID; the seed is
// taken from the caller or drawn from crypto/rand. When enabled, the log
// directory is created and both output paths are reserved under a
// `<utc-timestamp>_<run_id>` stem.
func New(cfg Config, seed *uint32) *Logger {
	l := &Logger{
		RunID:          ulid.Make().String(),
		enabled:        cfg.Enabled,
		includePreview: cfg.IncludePromptPreview,
		maxPreview:     cfg.MaxPreviewChars,
		createdAt:      time.Now().UTC(),
	}
	if l.maxPreview <= 0 {
		l.maxPreview = 1200
	}
	if seed != nil {
		l.Seed = *seed
	} else {
		var buf [4]byte
		if _, err := crand.Read(buf[:]); err == nil {
			l.Seed = binary.BigEndian.Uint32(buf[:])
		}
	}
	if !l.enabled {
		return l
	}

	dir := cfg.Dir
	if dir == "" {
		dir = ".friends-bar/logs"
	}
	if !filepath.IsAbs(dir) {
		if cwd, err := os.Getwd(); err == nil {
			dir = filepath.Join(cwd, dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// No log directory means no files; the run itself proceeds.
		return l
	}
	stem := fmt.Sprintf("%s%06dZ_%s",
		l.createdAt.Format("20060102T150405"),
		l.createdAt.Nanosecond()/1000,
		l.RunID)
	l.logPath = filepath.Join(dir, stem+".jsonl")
	l.summaryPath = filepath.Join(dir, stem+".summary.json")
	return l
}

// Enabled reports whether the logger writes anything.
func (l *Logger) Enabled() bool { return l.enabled }

// LogFile returns the events file path, empty when disabled.
func (l *Logger) LogFile() string { return l.logPath }

// SummaryFile returns the summary file path, empty when disabled.
func (l *Logger) SummaryFile() string { return l.summaryPath }

// TextMeta builds debugging metadata for a text payload: rune count and
// SHA-256, plus a bounded preview when previews are enabled.
func (l *Logger) TextMeta(text string) map[string]any {
	sum := sha256.Sum256([]byte(text))
	meta := map[string]any{
		"chars":  utf8.RuneCountInString(text),
		"sha256": hex.EncodeToString(sum[:]),
	}
	if l.includePreview {
		meta["preview"] = truncateRunes(text, l.maxPreview)
	}
	return meta
}

// Log appends one structured event. Serialization or IO failures are
// swallowed.
func (l *Logger) Log(event string, payload map[string]any) {
	if !l.enabled || l.logPath == "" {
		return
	}
	record := map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"run_id":  l.RunID,
		"seed":    l.Seed,
		"event":   event,
		"payload": payload,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	fp, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer fp.Close()
	_, _ = fp.Write(line)
}

// Finalize logs the terminal run.finalized event and writes the summary
// document. Only the first call has any effect.
func (l *Logger) Finalize(status string, summary map[string]any) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	if l.finalized {
		l.mu.Unlock()
		return
	}
	l.finalized = true
	l.mu.Unlock()

	payload := map[string]any{
		"status":     status,
		"started_at": l.createdAt.Format(time.RFC3339Nano),
		"ended_at":   time.Now().UTC().Format(time.RFC3339Nano),
		"seed":       l.Seed,
	}
	for k, v := range summary {
		payload[k] = v
	}
	l.Log("run.finalized", payload)

	if l.summaryPath == "" {
		return
	}
	doc := map[string]any{"run_id": l.RunID}
	for k, v := range payload {
		doc[k] = v
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	tmp := l.summaryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, l.summaryPath)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
