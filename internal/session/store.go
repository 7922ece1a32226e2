// Package session persists one opaque resume token per provider so that
// consecutive runs can continue the provider's own conversation memory.
// The session is a hint, not a correctness requirement: every failure mode
// degrades to an empty store.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultDir is the store location relative to the working directory.
	DefaultDir = ".sessions"
	// FileName is the store file inside the store directory.
	FileName = "session-store.json"
	// DebugEnv gates debug lines on stderr.
	DebugEnv = "FRIENDSBAR_DEBUG"
)

// Entry is one provider's stored session.
type Entry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt string `json:"updatedAt"`
}

// Store is a file-backed provider->session mapping with atomic writes.
type Store struct {
	path string
}

// New returns a store rooted at dir (DefaultDir when empty).
func New(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	return &Store{path: filepath.Join(dir, FileName)}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

func debugf(format string, args ...any) {
	if os.Getenv(DebugEnv) == "" {
		return
	}
	fmt.Fprintf(os.Stderr, "[session] "+format+"\n", args...)
}

// load reads the full mapping; any error yields an empty map.
func (s *Store) load() map[string]Entry {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			debugf("load failed, fallback to empty store: %v", err)
		}
		return map[string]Entry{}
	}
	var store map[string]Entry
	if err := json.Unmarshal(b, &store); err != nil {
		debugf("parse failed, fallback to empty store: %v", err)
		return map[string]Entry{}
	}
	if store == nil {
		return map[string]Entry{}
	}
	return store
}

// save writes the full mapping atomically: temp file in the same directory,
// then rename over the destination.
func (s *Store) save(store map[string]Entry) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d",
		filepath.Base(s.path), os.Getpid(), time.Now().UTC().UnixMicro()))
	if err := os.WriteFile(tmp, append(payload, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Get returns the stored session ID for a provider, or "" when absent.
func (s *Store) Get(provider string) string {
	entry, ok := s.load()[provider]
	if !ok {
		return ""
	}
	return strings.TrimSpace(entry.SessionID)
}

// Set stores a provider session ID. Write errors are reported to the debug
// channel only: losing a session hint must not fail the caller.
func (s *Store) Set(provider string, sessionID string) {
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(sessionID) == "" {
		return
	}
	store := s.load()
	store[provider] = Entry{
		SessionID: sessionID,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.save(store); err != nil {
		debugf("save failed: %v", err)
	}
}

// Clear removes a provider's stored session.
func (s *Store) Clear(provider string) {
	store := s.load()
	if _, ok := store[provider]; !ok {
		return
	}
	delete(store, provider)
	if err := s.save(store); err != nil {
		debugf("save failed: %v", err)
	}
}
