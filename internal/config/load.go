package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/strongdm/friendsbar/internal/agent"
	"github.com/strongdm/friendsbar/internal/procrun"
)

// fileStamp identifies one config file revision. Any change to existence,
// size, or mtime invalidates the cached load.
type fileStamp struct {
	exists bool
	size   int64
	mtime  int64
}

type cacheEntry struct {
	base  fileStamp
	local fileStamp
	cfg   *Config
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*cacheEntry{}
)

// LoadDefault loads "config.toml" from the working directory.
func LoadDefault() (*Config, error) {
	return Load(DefaultPath)
}

// Load reads the base file and its `<stem>.local<ext>` sibling, deep-merges
// them (local wins), and normalizes the result over the built-in defaults.
// Missing files are not errors; malformed files are. The returned Config is
// always a fresh copy.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	localAbs := localPath(abs)

	baseStamp := stamp(abs)
	localStamp := stamp(localAbs)

	cacheMu.Lock()
	if entry, ok := cache[abs]; ok && entry.base == baseStamp && entry.local == localStamp {
		cfg := entry.cfg.Clone()
		cacheMu.Unlock()
		return cfg, nil
	}
	cacheMu.Unlock()

	baseDoc, err := readDocument(abs)
	if err != nil {
		return nil, err
	}
	localDoc, err := readDocument(localAbs)
	if err != nil {
		return nil, err
	}
	merged := Merge(baseDoc, localDoc)

	cfg := normalize(merged)
	cfg.signature = documentSignature(merged)

	cacheMu.Lock()
	cache[abs] = &cacheEntry{base: baseStamp, local: localStamp, cfg: cfg}
	cacheMu.Unlock()
	return cfg.Clone(), nil
}

// localPath derives the override file beside the base: config.toml ->
// config.local.toml.
func localPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func stamp(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, size: info.Size(), mtime: info.ModTime().UnixNano()}
}

// readDocument decodes one config file into a raw map. A missing file is an
// empty document; a malformed one is an error.
func readDocument(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	b = bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})

	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return doc, nil
}

// documentSignature hashes the canonical JSON form of the merged raw
// document. json.Marshal sorts map keys, so the digest is stable across
// loads of equal content.
func documentSignature(doc map[string]any) string {
	payload, err := json.Marshal(doc)
	if err != nil {
		payload = []byte("{}")
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func emptyDocumentSignature() string {
	return documentSignature(map[string]any{})
}

// normalize lowers the merged raw document onto the typed defaults. Every
// field coerces leniently; unparseable values keep the default.
func normalize(raw map[string]any) *Config {
	cfg := Default()

	if d, ok := asMap(raw["defaults"]); ok {
		cfg.Defaults.Provider = asString(d["provider"], cfg.Defaults.Provider)
		cfg.Defaults.UseSession = asBool(d["use_session"], cfg.Defaults.UseSession)
		cfg.Defaults.Stream = asBool(d["stream"], cfg.Defaults.Stream)
		cfg.Defaults.TimeoutLevel = asString(d["timeout_level"], cfg.Defaults.TimeoutLevel)
		cfg.Defaults.RetryAttempts = asInt(d["retry_attempts"], cfg.Defaults.RetryAttempts)
		cfg.Defaults.RetryBackoff = asSeconds(d["retry_backoff_s"], cfg.Defaults.RetryBackoff)
	}

	if providers, ok := asMap(raw["providers"]); ok {
		for name, rawProvider := range providers {
			block, ok := asMap(rawProvider)
			if !ok {
				continue
			}
			p := cfg.Providers[name]
			p.TimeoutLevel = asString(block["timeout_level"], p.TimeoutLevel)
			if v, ok := asIntValue(block["retry_attempts"]); ok {
				p.RetryAttempts = &v
			}
			if v, ok := asSecondsValue(block["retry_backoff_s"]); ok {
				p.RetryBackoff = &v
			}
			opts := map[string]any{}
			for key, value := range block {
				switch key {
				case "timeout_level", "retry_attempts", "retry_backoff_s":
				default:
					opts[key] = value
				}
			}
			p.Options = Merge(p.Options, opts)
			cfg.Providers[name] = p
		}
	}

	if fb, ok := asMap(raw["friends_bar"]); ok {
		normalizeFriendsBar(&cfg.FriendsBar, fb)
	}

	if timeouts, ok := asMap(raw["timeouts"]); ok {
		for level, rawProfile := range timeouts {
			block, ok := asMap(rawProfile)
			if !ok {
				continue
			}
			profile, exists := cfg.Timeouts[level]
			if !exists {
				profile = procrun.TimeoutProfiles["standard"]
			}
			profile.IdleTimeout = asSeconds(block["idle_timeout_s"], profile.IdleTimeout)
			profile.MaxTimeout = asSeconds(block["max_timeout_s"], profile.MaxTimeout)
			profile.TerminateGrace = asSeconds(block["terminate_grace_s"], profile.TerminateGrace)
			cfg.Timeouts[level] = profile
		}
	}

	return cfg
}

func normalizeFriendsBar(fb *FriendsBar, raw map[string]any) {
	fb.Name = asString(raw["name"], fb.Name)
	if rounds := asInt(raw["default_rounds"], fb.DefaultRounds); rounds >= 1 {
		fb.DefaultRounds = rounds
	}
	if start := asString(raw["start_agent"], ""); start != "" {
		if id, err := agent.Normalize(start); err == nil {
			fb.StartAgent = id
		}
	}
	fb.PromptDir = asString(raw["prompt_dir"], fb.PromptDir)

	if logging, ok := asMap(raw["logging"]); ok {
		fb.Logging.Enabled = asBool(logging["enabled"], fb.Logging.Enabled)
		fb.Logging.Dir = asString(logging["dir"], fb.Logging.Dir)
		fb.Logging.IncludePromptPreview = asBool(logging["include_prompt_preview"], fb.Logging.IncludePromptPreview)
		fb.Logging.MaxPreviewChars = asInt(logging["max_preview_chars"], fb.Logging.MaxPreviewChars)
	}

	if history, ok := asMap(raw["history"]); ok {
		fb.History.MaxChars = asInt(history["max_chars"], fb.History.MaxChars)
		fb.History.FieldMaxChars = asInt(history["field_max_chars"], fb.History.FieldMaxChars)
		fb.History.EvidenceLimit = asInt(history["evidence_limit"], fb.History.EvidenceLimit)
		fb.History.IssueLimit = asInt(history["issue_limit"], fb.History.IssueLimit)
		fb.History.RootCauseLimit = asInt(history["root_cause_limit"], fb.History.RootCauseLimit)
		fb.History.IncludeKeyChanges = asBool(history["include_key_changes"], fb.History.IncludeKeyChanges)
	}

	if safety, ok := asMap(raw["safety"]); ok {
		fb.Safety.ReadOnly = asBool(safety["read_only"], fb.Safety.ReadOnly)
		fb.Safety.AllowedRoots = asStringList(safety["allowed_roots"], fb.Safety.AllowedRoots)
		fb.Safety.CommandAllowlist = asStringList(safety["command_allowlist"], fb.Safety.CommandAllowlist)
		fb.Safety.CommandDenylist = asStringList(safety["command_denylist"], fb.Safety.CommandDenylist)
		fb.Safety.ProtectedGlobs = asStringList(safety["protected_globs"], fb.Safety.ProtectedGlobs)
		fb.Safety.CodexSandboxDefault = asString(safety["codex_sandbox_default"], fb.Safety.CodexSandboxDefault)
		fb.Safety.CodexSandboxReadOnly = asString(safety["codex_sandbox_read_only"], fb.Safety.CodexSandboxReadOnly)
		fb.Safety.ClaudeToolsReadOnly = asStringList(safety["claude_tools_read_only"], fb.Safety.ClaudeToolsReadOnly)
	}

	if agents, ok := asMap(raw["agents"]); ok {
		for rawName, rawAgent := range agents {
			block, ok := asMap(rawAgent)
			if !ok {
				continue
			}
			id, err := agent.Normalize(rawName)
			if err != nil {
				continue // unknown agent keys are dropped, not fatal
			}
			a := fb.Agents[id]
			a.Provider = asString(block["provider"], a.Provider)
			a.ResponseMode = asString(block["response_mode"], a.ResponseMode)
			if a.ResponseMode != "execute" {
				a.ResponseMode = "text_only"
			}
			if opts, ok := asMap(block["provider_options"]); ok {
				a.ProviderOptions = Merge(a.ProviderOptions, opts)
			}
			fb.Agents[id] = a
		}
	}
}

// Coercion helpers. Raw documents arrive from two decoders with different
// scalar types (TOML int64, YAML int, JSON float64), so every accessor
// accepts the union.

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return def
}

func asBool(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func asIntValue(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

func asInt(v any, def int) int {
	if n, ok := asIntValue(v); ok {
		return n
	}
	return def
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func asSecondsValue(v any) (time.Duration, bool) {
	f, ok := asFloat(v)
	if !ok || f < 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func asSeconds(v any, def time.Duration) time.Duration {
	if d, ok := asSecondsValue(v); ok {
		return d
	}
	return def
}

func asStringList(v any, def []string) []string {
	switch t := v.(type) {
	case []string:
		return cloneStrings(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) != "" {
			return []string{strings.TrimSpace(t)}
		}
	}
	return def
}
