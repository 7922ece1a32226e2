// Package agent defines the fixed cast of dialogue agents and the alias
// normalization used everywhere an agent is named (config keys, CLI flags,
// gateway dispatch).
package agent

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical agent IDs. The set is closed: the round-robin order, the role
// schemas, and the provider defaults are all keyed by these three values.
const (
	Duffy    = "DUFFY"     // planner
	LinaBell = "LINA_BELL" // developer
	Stella   = "STELLA"    // reviewer
)

// TurnOrder is the fixed round-robin sequence.
var TurnOrder = []string{Duffy, LinaBell, Stella}

// Profile describes one agent: who it is, which provider CLI backs it, and
// the mission text injected into its prompts.
type Profile struct {
	ID          string
	DisplayName string
	Provider    string
	Mission     string
}

var profiles = map[string]Profile{
	Duffy: {
		ID:          Duffy,
		DisplayName: "达菲",
		Provider:    "claude-minimax",
		Mission:     "产品经理：拆解用户需求，明确范围边界、优先级和验收目标，并把任务交接给开发执行。",
	},
	LinaBell: {
		ID:          LinaBell,
		DisplayName: "玲娜贝儿",
		Provider:    "codex",
		Mission:     "开发执行者：在执行目录内完成实现，给出可复核的执行证据和交付物清单。",
	},
	Stella: {
		ID:          Stella,
		DisplayName: "星黛露",
		Provider:    "claude-minimax",
		Mission:     "评审官：基于动态核验证据完成代码评审，输出验收结论、问题清单和回归门禁。",
	},
}

// aliases maps every accepted spelling to a canonical ID. Keys are matched
// exactly first, then lowercased. The two misencoded forms are legacy
// spellings from transcripts written before the encoding fix; they remap
// silently.
var aliases = map[string]string{
	"duffy":     Duffy,
	"lina_bell": LinaBell,
	"linabell":  LinaBell,
	"stella":    Stella,
	"达菲":        Duffy,
	"玲娜贝儿":      LinaBell,
	"星黛露":       Stella,
	"댄뷅":        Duffy,
	"짎쳹괔랿":      LinaBell,
}

// Known reports whether id is one of the canonical agent IDs.
func Known(id string) bool {
	_, ok := profiles[id]
	return ok
}

// Lookup returns the profile for a canonical ID.
func Lookup(id string) (Profile, bool) {
	p, ok := profiles[id]
	return p, ok
}

// Normalize resolves any accepted agent spelling to its canonical ID.
func Normalize(name string) (string, error) {
	raw := strings.TrimSpace(name)
	if _, ok := profiles[raw]; ok {
		return raw, nil
	}
	if id, ok := aliases[raw]; ok {
		return id, nil
	}
	if id, ok := aliases[strings.ToLower(raw)]; ok {
		return id, nil
	}
	return "", fmt.Errorf("unknown agent name: %q (supported: %s)", name, strings.Join(SupportedNames(), ", "))
}

// SupportedNames returns the sorted set of canonical IDs and aliases.
func SupportedNames() []string {
	seen := map[string]struct{}{}
	for id := range profiles {
		seen[id] = struct{}{}
	}
	for alias := range aliases {
		seen[alias] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Display returns the display name for an agent ID, falling back to the raw
// string for unknown IDs.
func Display(id string) string {
	if p, ok := profiles[id]; ok {
		return p.DisplayName
	}
	return id
}

// Next returns the agent that follows id in the fixed turn order.
func Next(id string) string {
	for i, candidate := range TurnOrder {
		if candidate == id {
			return TurnOrder[(i+1)%len(TurnOrder)]
		}
	}
	return TurnOrder[0]
}
