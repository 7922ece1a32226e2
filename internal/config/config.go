// Package config loads the layered runtime configuration: built-in defaults,
// a base file (TOML or YAML by extension), and an optional `<stem>.local<ext>`
// override beside it. Loads are cached per absolute path and invalidated by
// file signature (mtime plus size), and every caller receives a fresh deep
// copy so mutation never leaks across loads.
package config

import (
	"time"

	"github.com/strongdm/friendsbar/internal/agent"
	"github.com/strongdm/friendsbar/internal/procrun"
)

// DefaultPath is the base config file used by LoadDefault.
const DefaultPath = "config.toml"

// Defaults holds the run-level fallbacks under [defaults].
type Defaults struct {
	Provider      string
	UseSession    bool
	Stream        bool
	TimeoutLevel  string
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Provider holds one [providers.<name>] block. Options carries the
// provider-specific knobs (exec_mode, permission_mode, proxy, ...) verbatim;
// the invoke layer interprets them.
type Provider struct {
	TimeoutLevel  string
	RetryAttempts *int
	RetryBackoff  *time.Duration
	Options       map[string]any
}

// Logging configures the audit trail under [friends_bar.logging].
type Logging struct {
	Enabled              bool
	Dir                  string
	IncludePromptPreview bool
	MaxPreviewChars      int
}

// History bounds the dialogue summary injected into prompts.
type History struct {
	MaxChars          int
	FieldMaxChars     int
	EvidenceLimit     int
	IssueLimit        int
	RootCauseLimit    int
	IncludeKeyChanges bool
}

// Safety configures the execution rails under [friends_bar.safety].
type Safety struct {
	ReadOnly             bool
	AllowedRoots         []string
	CommandAllowlist     []string
	CommandDenylist      []string
	ProtectedGlobs       []string
	CodexSandboxDefault  string
	CodexSandboxReadOnly string
	ClaudeToolsReadOnly  []string
}

// Agent binds one cast member to a provider and its option overrides.
type Agent struct {
	Provider        string
	ResponseMode    string // "execute" | "text_only"
	ProviderOptions map[string]any
}

// FriendsBar holds the [friends_bar] block.
type FriendsBar struct {
	Name          string
	DefaultRounds int
	StartAgent    string
	PromptDir     string
	Logging       Logging
	History       History
	Safety        Safety
	Agents        map[string]Agent
}

// Config is the fully normalized runtime configuration.
type Config struct {
	Defaults   Defaults
	Providers  map[string]Provider
	FriendsBar FriendsBar
	Timeouts   map[string]procrun.TimeoutConfig

	signature string
}

// Signature returns the BLAKE3 hex digest of the merged raw document the
// config was normalized from. It is recorded in the run.started audit event
// so a transcript pins the exact configuration it ran under.
func (c *Config) Signature() string {
	return c.signature
}

// Timeout resolves a named profile against the configured profiles with the
// built-ins as fallback.
func (c *Config) Timeout(level string) procrun.TimeoutConfig {
	return procrun.ResolveTimeout(level, c.Timeouts, nil, nil, nil)
}

// Default returns the built-in configuration, the same value a load of a
// missing file produces.
func Default() *Config {
	cfg := &Config{
		Defaults: Defaults{
			Provider:      "codex",
			UseSession:    true,
			Stream:        true,
			TimeoutLevel:  "standard",
			RetryAttempts: 1,
			RetryBackoff:  time.Second,
		},
		Providers: map[string]Provider{
			"codex": {
				TimeoutLevel: "standard",
				Options:      map[string]any{"exec_mode": "safe"},
			},
			"claude-minimax": {
				TimeoutLevel: "standard",
				Options: map[string]any{
					"permission_mode":          "default",
					"include_partial_messages": false,
					"print_stderr":             false,
				},
			},
			"gemini": {
				TimeoutLevel: "standard",
				Options:      map[string]any{"auth_mode": "auto"},
			},
		},
		FriendsBar: FriendsBar{
			Name:          "Friends Bar",
			DefaultRounds: 4,
			StartAgent:    agent.Duffy,
			PromptDir:     "prompts",
			Logging: Logging{
				Enabled:              true,
				Dir:                  ".friends-bar/logs",
				IncludePromptPreview: true,
				MaxPreviewChars:      1200,
			},
			History: History{
				MaxChars:          3000,
				FieldMaxChars:     400,
				EvidenceLimit:     3,
				IssueLimit:        5,
				RootCauseLimit:    3,
				IncludeKeyChanges: true,
			},
			Safety: Safety{
				ProtectedGlobs:       []string{".git/**", ".sessions/**", ".friends-bar/**"},
				CodexSandboxDefault:  "workspace-write",
				CodexSandboxReadOnly: "read-only",
				ClaudeToolsReadOnly:  []string{"Read"},
			},
			Agents: map[string]Agent{
				agent.Duffy: {
					Provider:     "claude-minimax",
					ResponseMode: "text_only",
					ProviderOptions: map[string]any{
						"permission_mode":          "default",
						"include_partial_messages": false,
						"print_stderr":             false,
					},
				},
				agent.LinaBell: {
					Provider:        "codex",
					ResponseMode:    "execute",
					ProviderOptions: map[string]any{"exec_mode": "bypass"},
				},
				agent.Stella: {
					Provider:        "claude-minimax",
					ResponseMode:    "text_only",
					ProviderOptions: map[string]any{"permission_mode": "default"},
				},
			},
		},
		Timeouts: copyTimeouts(procrun.TimeoutProfiles),
	}
	cfg.signature = emptyDocumentSignature()
	return cfg
}

// Clone returns a deep copy; mutating the copy never affects the original.
func (c *Config) Clone() *Config {
	out := *c
	out.Providers = make(map[string]Provider, len(c.Providers))
	for name, p := range c.Providers {
		cp := p
		if p.RetryAttempts != nil {
			v := *p.RetryAttempts
			cp.RetryAttempts = &v
		}
		if p.RetryBackoff != nil {
			v := *p.RetryBackoff
			cp.RetryBackoff = &v
		}
		cp.Options = cloneMap(p.Options)
		out.Providers[name] = cp
	}
	out.FriendsBar.Safety.AllowedRoots = cloneStrings(c.FriendsBar.Safety.AllowedRoots)
	out.FriendsBar.Safety.CommandAllowlist = cloneStrings(c.FriendsBar.Safety.CommandAllowlist)
	out.FriendsBar.Safety.CommandDenylist = cloneStrings(c.FriendsBar.Safety.CommandDenylist)
	out.FriendsBar.Safety.ProtectedGlobs = cloneStrings(c.FriendsBar.Safety.ProtectedGlobs)
	out.FriendsBar.Safety.ClaudeToolsReadOnly = cloneStrings(c.FriendsBar.Safety.ClaudeToolsReadOnly)
	out.FriendsBar.Agents = make(map[string]Agent, len(c.FriendsBar.Agents))
	for id, a := range c.FriendsBar.Agents {
		ca := a
		ca.ProviderOptions = cloneMap(a.ProviderOptions)
		out.FriendsBar.Agents[id] = ca
	}
	out.Timeouts = copyTimeouts(c.Timeouts)
	return &out
}

// Merge deep-merges two option maps, override winning; nested maps merge
// recursively. Used to layer provider defaults under per-agent overrides.
func Merge(base, override map[string]any) map[string]any {
	merged := cloneMap(base)
	if merged == nil {
		merged = map[string]any{}
	}
	for key, value := range override {
		sub, subOK := value.(map[string]any)
		prev, prevOK := merged[key].(map[string]any)
		if subOK && prevOK {
			merged[key] = Merge(prev, sub)
			continue
		}
		merged[key] = cloneValue(value)
	}
	return merged
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func copyTimeouts(m map[string]procrun.TimeoutConfig) map[string]procrun.TimeoutConfig {
	out := make(map[string]procrun.TimeoutConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
