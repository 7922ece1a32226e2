package agent

import (
	"strings"
	"testing"
)

func TestNormalize_CanonicalAndAliases(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"DUFFY", Duffy},
		{"LINA_BELL", LinaBell},
		{"STELLA", Stella},
		{"duffy", Duffy},
		{"linabell", LinaBell},
		{"lina_bell", LinaBell},
		{"stella", Stella},
		{"达菲", Duffy},
		{"玲娜贝儿", LinaBell},
		{"星黛露", Stella},
		// Legacy misencoded spellings remap silently.
		{"댄뷅", Duffy},
		{"짎쳹괔랿", LinaBell},
		{"  DUFFY  ", Duffy},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_UnknownListsSupportedNames(t *testing.T) {
	_, err := Normalize("mickey")
	if err == nil {
		t.Fatal("expected error for unknown agent name")
	}
	if !strings.Contains(err.Error(), "DUFFY") || !strings.Contains(err.Error(), "玲娜贝儿") {
		t.Fatalf("error should list supported names, got %q", err.Error())
	}
}

func TestNext_FollowsFixedOrder(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{Duffy, LinaBell},
		{LinaBell, Stella},
		{Stella, Duffy},
		{"not-an-agent", Duffy},
	}
	for _, tc := range cases {
		if got := Next(tc.in); got != tc.want {
			t.Fatalf("Next(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestDisplay_FallsBackToRawID(t *testing.T) {
	if got := Display(LinaBell); got != "玲娜贝儿" {
		t.Fatalf("Display(LINA_BELL)=%q", got)
	}
	if got := Display("ghost"); got != "ghost" {
		t.Fatalf("Display(ghost)=%q", got)
	}
}

func TestLookup_ProviderAssignments(t *testing.T) {
	cases := []struct {
		id       string
		provider string
	}{
		{Duffy, "claude-minimax"},
		{LinaBell, "codex"},
		{Stella, "claude-minimax"},
	}
	for _, tc := range cases {
		p, ok := Lookup(tc.id)
		if !ok {
			t.Fatalf("Lookup(%q) missing", tc.id)
		}
		if p.Provider != tc.provider {
			t.Fatalf("Lookup(%q).Provider=%q want %q", tc.id, p.Provider, tc.provider)
		}
		if p.Mission == "" || p.DisplayName == "" {
			t.Fatalf("Lookup(%q) incomplete profile: %+v", tc.id, p)
		}
	}
}
