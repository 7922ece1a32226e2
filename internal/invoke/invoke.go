// Package invoke is the uniform front door to the provider adapters: alias
// normalization, option layering, per-provider session lifecycle, and
// retry-on-transient with exponential backoff.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/strongdm/friendsbar/internal/agent"
	"github.com/strongdm/friendsbar/internal/config"
	"github.com/strongdm/friendsbar/internal/procrun"
	"github.com/strongdm/friendsbar/internal/provider"
	"github.com/strongdm/friendsbar/internal/session"
)

// cliAliases maps external spellings to provider keys. Agent names (IDs,
// display names, legacy misencoded forms) resolve through the agent package
// to the agent's default provider.
var cliAliases = map[string]string{
	"claude_minimax": provider.Claude,
	"gemini-cli":     provider.Gemini,
	"antigravity":    provider.Gemini,
}

// Options is one gateway call. Pointer fields distinguish "not set" from an
// explicit zero; unset fields resolve from provider config, then defaults.
type Options struct {
	CLI             string
	Prompt          string
	UseSession      *bool
	Stream          *bool
	StreamDebug     bool
	Workdir         string
	ProviderOptions map[string]any
	TimeoutLevel    string
	IdleTimeout     *time.Duration
	MaxTimeout      *time.Duration
	TerminateGrace  *time.Duration
	RetryAttempts   *int
	RetryBackoff    *time.Duration
	RunID           string
	Seed            uint32
	EventHook       func(event string, payload map[string]any)
}

// Result is the reconciled provider response plus the resolved call shape.
type Result struct {
	CLI          string
	Prompt       string
	Text         string
	SessionID    string
	ElapsedMS    int64
	TimeoutLevel string
	RetryCount   int
}

// Gateway dispatches invocations across the adapter registry.
type Gateway struct {
	Config   *config.Config
	Sessions *session.Store
	Registry *provider.Registry
}

// New builds a gateway over the given config, session store and registry.
func New(cfg *config.Config, sessions *session.Store, registry *provider.Registry) *Gateway {
	return &Gateway{Config: cfg, Sessions: sessions, Registry: registry}
}

// NormalizeCLI resolves any accepted CLI spelling to a provider key.
func (g *Gateway) NormalizeCLI(cli string) (string, error) {
	raw := strings.TrimSpace(cli)
	if _, ok := g.Registry.Lookup(raw); ok {
		return raw, nil
	}
	if key, ok := cliAliases[raw]; ok {
		return key, nil
	}
	lower := strings.ToLower(raw)
	if _, ok := g.Registry.Lookup(lower); ok {
		return lower, nil
	}
	if key, ok := cliAliases[lower]; ok {
		return key, nil
	}
	if id, err := agent.Normalize(raw); err == nil {
		if p, ok := agent.Lookup(id); ok {
			return p.Provider, nil
		}
	}
	return "", fmt.Errorf("unsupported cli: %q (supported: %s)", cli, strings.Join(g.supportedCLIs(), ", "))
}

func (g *Gateway) supportedCLIs() []string {
	seen := map[string]struct{}{}
	for _, name := range g.Registry.Names() {
		seen[name] = struct{}{}
	}
	for alias := range cliAliases {
		seen[alias] = struct{}{}
	}
	for _, name := range agent.SupportedNames() {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// transientKeywords mark a nonzero exit as likely recoverable.
var transientKeywords = []string{
	"timeout",
	"temporarily",
	"try again",
	"429",
	"503",
	"504",
	"connection",
	"network",
	"rate limit",
	"tls",
	"ssl: bad record",
}

func isTransient(err *procrun.ProcessError) bool {
	switch err.Reason {
	case procrun.ReasonIdleTimeout, procrun.ReasonMaxTimeout:
		return true
	case procrun.ReasonNonzeroExit:
	default:
		return false
	}
	tail := strings.ToLower(strings.Join(err.StderrTail(), " "))
	for _, keyword := range transientKeywords {
		if strings.Contains(tail, keyword) {
			return true
		}
	}
	return false
}

// isStaleSession detects a resume token the provider no longer recognizes.
func isStaleSession(err *procrun.ProcessError) bool {
	if err.Reason != procrun.ReasonNonzeroExit {
		return false
	}
	tail := strings.ToLower(strings.Join(err.StderrTail(), " "))
	return strings.Contains(tail, "no conversation found with session id")
}

// Invoke runs one provider call with the full resolution and retry policy.
func (g *Gateway) Invoke(ctx context.Context, opts Options) (*Result, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, errors.New("prompt must be a non-empty string")
	}
	providerName, err := g.NormalizeCLI(opts.CLI)
	if err != nil {
		return nil, err
	}
	adapter, ok := g.Registry.Lookup(providerName)
	if !ok {
		return nil, fmt.Errorf("unsupported cli: %q", opts.CLI)
	}

	providerCfg := g.Config.Providers[providerName]

	useSession := g.Config.Defaults.UseSession
	if opts.UseSession != nil {
		useSession = *opts.UseSession
	}
	stream := g.Config.Defaults.Stream
	if opts.Stream != nil {
		stream = *opts.Stream
	}

	timeoutLevel := opts.TimeoutLevel
	if timeoutLevel == "" {
		timeoutLevel = providerCfg.TimeoutLevel
	}
	if timeoutLevel == "" {
		timeoutLevel = g.Config.Defaults.TimeoutLevel
	}
	timeout := procrun.ResolveTimeout(timeoutLevel, g.Config.Timeouts,
		opts.IdleTimeout, opts.MaxTimeout, opts.TerminateGrace)

	retryAttempts := g.Config.Defaults.RetryAttempts
	if providerCfg.RetryAttempts != nil {
		retryAttempts = *providerCfg.RetryAttempts
	}
	if opts.RetryAttempts != nil {
		retryAttempts = *opts.RetryAttempts
	}
	if retryAttempts < 0 {
		return nil, errors.New("retry_attempts must be >= 0")
	}
	retryBackoff := g.Config.Defaults.RetryBackoff
	if providerCfg.RetryBackoff != nil {
		retryBackoff = *providerCfg.RetryBackoff
	}
	if opts.RetryBackoff != nil {
		retryBackoff = *opts.RetryBackoff
	}

	providerOptions := provider.OptionsFromMap(config.Merge(providerCfg.Options, opts.ProviderOptions))

	sessionID := ""
	if useSession {
		sessionID = g.Sessions.Get(providerName)
	}

	attempt := 0
	staleReset := false
	var resp *provider.Response
	for {
		resp, err = adapter.Invoke(ctx, provider.Request{
			Prompt:      opts.Prompt,
			SessionID:   sessionID,
			Workdir:     opts.Workdir,
			Stream:      stream,
			StreamDebug: opts.StreamDebug,
			Timeout:     timeout,
			Options:     providerOptions,
			EventHook:   opts.EventHook,
		})
		if err == nil {
			break
		}
		var perr *procrun.ProcessError
		if !errors.As(err, &perr) {
			return nil, err
		}
		// Stale resume token: drop it and retry once without consuming the
		// transient budget.
		if sessionID != "" && !staleReset && isStaleSession(perr) {
			g.Sessions.Clear(providerName)
			sessionID = ""
			staleReset = true
			g.emit(opts, "invoke.session_reset", map[string]any{
				"provider": providerName,
				"reason":   perr.Reason,
			})
			continue
		}
		if attempt >= retryAttempts || !isTransient(perr) {
			return nil, err
		}
		wait := retryBackoff * (1 << attempt)
		if stream {
			fmt.Printf("[retry] provider=%s, attempt=%d/%d, reason=%s, wait=%.1fs\n",
				providerName, attempt+1, retryAttempts, perr.Reason, wait.Seconds())
		}
		g.emit(opts, "invoke.retry", map[string]any{
			"provider": providerName,
			"attempt":  attempt + 1,
			"reason":   perr.Reason,
			"wait_ms":  wait.Milliseconds(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		attempt++
	}

	if useSession && strings.TrimSpace(resp.SessionID) != "" {
		g.Sessions.Set(providerName, resp.SessionID)
	}

	return &Result{
		CLI:          providerName,
		Prompt:       opts.Prompt,
		Text:         resp.Text,
		SessionID:    resp.SessionID,
		ElapsedMS:    resp.ElapsedMS,
		TimeoutLevel: timeoutLevel,
		RetryCount:   attempt,
	}, nil
}

func (g *Gateway) emit(opts Options, event string, payload map[string]any) {
	if opts.EventHook == nil {
		return
	}
	defer func() { _ = recover() }()
	opts.EventHook(event, payload)
}
