package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strongdm/friendsbar/internal/agent"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Defaults.Provider != "codex" {
		t.Fatalf("default provider: got %q want %q", cfg.Defaults.Provider, "codex")
	}
	if cfg.FriendsBar.DefaultRounds != 4 {
		t.Fatalf("default rounds: got %d want 4", cfg.FriendsBar.DefaultRounds)
	}
	if cfg.FriendsBar.StartAgent != agent.Duffy {
		t.Fatalf("start agent: got %q want %q", cfg.FriendsBar.StartAgent, agent.Duffy)
	}
	if got := cfg.Timeout("quick").IdleTimeout; got != 60*time.Second {
		t.Fatalf("quick idle: got %v want 60s", got)
	}
	if cfg.Signature() == "" {
		t.Fatal("signature must be set even for the default document")
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, `
[defaults]
provider = "claude-minimax"
retry_attempts = 3
retry_backoff_s = 0.5

[friends_bar]
default_rounds = 6
start_agent = "linabell"

[friends_bar.safety]
read_only = true
command_allowlist = ["pytest", "go"]

[timeouts.marathon]
idle_timeout_s = 1200.0
max_timeout_s = 7200.0
terminate_grace_s = 10.0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Defaults.Provider != "claude-minimax" {
		t.Fatalf("provider: got %q", cfg.Defaults.Provider)
	}
	if cfg.Defaults.RetryAttempts != 3 {
		t.Fatalf("retry attempts: got %d want 3", cfg.Defaults.RetryAttempts)
	}
	if cfg.Defaults.RetryBackoff != 500*time.Millisecond {
		t.Fatalf("retry backoff: got %v want 500ms", cfg.Defaults.RetryBackoff)
	}
	if cfg.FriendsBar.StartAgent != agent.LinaBell {
		t.Fatalf("start agent alias: got %q want %q", cfg.FriendsBar.StartAgent, agent.LinaBell)
	}
	if !cfg.FriendsBar.Safety.ReadOnly {
		t.Fatal("safety.read_only not applied")
	}
	if len(cfg.FriendsBar.Safety.CommandAllowlist) != 2 {
		t.Fatalf("allowlist: got %v", cfg.FriendsBar.Safety.CommandAllowlist)
	}
	marathon := cfg.Timeout("marathon")
	if marathon.IdleTimeout != 20*time.Minute || marathon.MaxTimeout != 2*time.Hour {
		t.Fatalf("custom profile: got %+v", marathon)
	}
	// Built-ins survive alongside custom profiles.
	if cfg.Timeout("standard").IdleTimeout != 300*time.Second {
		t.Fatalf("standard profile lost: %+v", cfg.Timeout("standard"))
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, `
defaults:
  provider: gemini
  stream: false
friends_bar:
  name: After Hours
  agents:
    星黛露:
      response_mode: execute
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Defaults.Provider != "gemini" {
		t.Fatalf("provider: got %q", cfg.Defaults.Provider)
	}
	if cfg.Defaults.Stream {
		t.Fatal("stream override not applied")
	}
	if cfg.FriendsBar.Name != "After Hours" {
		t.Fatalf("name: got %q", cfg.FriendsBar.Name)
	}
	stella, ok := cfg.FriendsBar.Agents[agent.Stella]
	if !ok {
		t.Fatal("display-name agent key did not normalize")
	}
	if stella.ResponseMode != "execute" {
		t.Fatalf("response mode: got %q want execute", stella.ResponseMode)
	}
	// Provider from the default agent entry survives a partial override.
	if stella.Provider != "claude-minimax" {
		t.Fatalf("provider: got %q", stella.Provider)
	}
}

func TestLoadLocalOverrideWins(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.toml")
	writeConfig(t, base, `
[defaults]
provider = "codex"
timeout_level = "quick"
`)
	writeConfig(t, filepath.Join(dir, "config.local.toml"), `
[defaults]
provider = "claude-minimax"
`)
	cfg, err := Load(base)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Defaults.Provider != "claude-minimax" {
		t.Fatalf("local override lost: got %q", cfg.Defaults.Provider)
	}
	// Nested keys absent from the local file survive from the base.
	if cfg.Defaults.TimeoutLevel != "quick" {
		t.Fatalf("base value clobbered: got %q", cfg.Defaults.TimeoutLevel)
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "[[[not toml")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed file must fail the load")
	}
}

func TestLoadUnknownAgentKeyDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, `
[friends_bar.agents.nobody]
provider = "codex"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.FriendsBar.Agents) != 3 {
		t.Fatalf("unknown agent key must be dropped, got %d agents", len(cfg.FriendsBar.Agents))
	}
}

func TestLoadMutationDoesNotLeak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, `
[defaults]
provider = "codex"
`)
	first, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	first.Defaults.Provider = "mutated"
	first.FriendsBar.Agents[agent.Duffy] = Agent{Provider: "mutated"}
	first.Providers["codex"].Options["exec_mode"] = "mutated"

	second, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if second.Defaults.Provider != "codex" {
		t.Fatalf("mutation leaked into cache: got %q", second.Defaults.Provider)
	}
	if second.FriendsBar.Agents[agent.Duffy].Provider != "claude-minimax" {
		t.Fatalf("agent mutation leaked: got %q", second.FriendsBar.Agents[agent.Duffy].Provider)
	}
	if second.Providers["codex"].Options["exec_mode"] != "safe" {
		t.Fatalf("option mutation leaked: got %v", second.Providers["codex"].Options["exec_mode"])
	}
}

func TestLoadRewriteInvalidatesCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, `
[defaults]
provider = "codex"
`)
	first, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	writeConfig(t, path, `
[defaults]
provider = "claude-minimax"
timeout_level = "complex"
`)
	second, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if second.Defaults.Provider != "claude-minimax" {
		t.Fatalf("rewrite not observed: got %q", second.Defaults.Provider)
	}
	if first.Signature() == second.Signature() {
		t.Fatal("signature must change when the document changes")
	}
}

func TestMergeDeep(t *testing.T) {
	base := map[string]any{
		"a": "base",
		"nested": map[string]any{
			"keep":     1,
			"override": "old",
		},
	}
	override := map[string]any{
		"nested": map[string]any{"override": "new"},
		"extra":  true,
	}
	merged := Merge(base, override)
	nested := merged["nested"].(map[string]any)
	if nested["keep"] != 1 || nested["override"] != "new" {
		t.Fatalf("nested merge wrong: %v", nested)
	}
	if merged["a"] != "base" || merged["extra"] != true {
		t.Fatalf("top-level merge wrong: %v", merged)
	}
	// Merge must not alias the inputs.
	nested["keep"] = 99
	if base["nested"].(map[string]any)["keep"] != 1 {
		t.Fatal("merge aliased the base map")
	}
}

func TestProviderBlockSplitsOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, `
[providers.codex]
timeout_level = "complex"
retry_attempts = 2
exec_mode = "bypass"
sandbox_mode = "danger-full-access"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	codex := cfg.Providers["codex"]
	if codex.TimeoutLevel != "complex" {
		t.Fatalf("timeout level: got %q", codex.TimeoutLevel)
	}
	if codex.RetryAttempts == nil || *codex.RetryAttempts != 2 {
		t.Fatalf("retry attempts: got %v", codex.RetryAttempts)
	}
	if codex.Options["exec_mode"] != "bypass" {
		t.Fatalf("option override: got %v", codex.Options["exec_mode"])
	}
	if codex.Options["sandbox_mode"] != "danger-full-access" {
		t.Fatalf("new option: got %v", codex.Options["sandbox_mode"])
	}
	if _, leaked := codex.Options["timeout_level"]; leaked {
		t.Fatal("structural keys must not leak into Options")
	}
}
