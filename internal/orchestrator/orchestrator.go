// Package orchestrator runs the round-robin dialogue: per-turn prompt
// construction, provider invocation through the gateway, strict protocol
// validation with bounded repair retries, and the safety gate over commands
// and deliverables. Every step lands in the audit trail.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/strongdm/friendsbar/internal/agent"
	"github.com/strongdm/friendsbar/internal/audit"
	"github.com/strongdm/friendsbar/internal/config"
	"github.com/strongdm/friendsbar/internal/invoke"
	"github.com/strongdm/friendsbar/internal/protocol"
	"github.com/strongdm/friendsbar/internal/provider"
	"github.com/strongdm/friendsbar/internal/session"
)

// maxProtocolRetry bounds schema re-generation attempts per turn; the turn
// runs at most maxProtocolRetry+1 times.
const maxProtocolRetry = 3

// Invoker is the narrow gateway surface the run loop depends on.
type Invoker interface {
	Invoke(ctx context.Context, opts invoke.Options) (*invoke.Result, error)
}

// Options configures one orchestration run. Zero values defer to the loaded
// configuration.
type Options struct {
	UserRequest  string
	Rounds       int
	StartAgent   string
	ProjectPath  string
	UseSession   *bool
	Stream       bool
	StreamDebug  bool
	TimeoutLevel string
	ConfigPath   string
	Seed         *uint32
	DryRun       bool
	DumpPrompt   string
	Invoker      Invoker
}

func (o *Options) applyDefaults() {
	if o.TimeoutLevel == "" {
		o.TimeoutLevel = "standard"
	}
	if o.ConfigPath == "" {
		o.ConfigPath = config.DefaultPath
	}
}

// TurnRecord is one accepted turn of the transcript.
type TurnRecord struct {
	Turn       int            `json:"turn"`
	Agent      string         `json:"agent"`
	Provider   string         `json:"provider"`
	Text       string         `json:"text"`
	SessionID  string         `json:"session_id"`
	ElapsedMS  int64          `json:"elapsed_ms"`
	Attempts   int            `json:"attempts"`
	Content    map[string]any `json:"protocol_content"`
	RawPayload map[string]any `json:"protocol_raw_payload"`
}

// LogInfo points at the run's audit artifacts.
type LogInfo struct {
	RunID       string `json:"run_id"`
	LogFile     string `json:"log_file"`
	SummaryFile string `json:"summary_file"`
}

// Result is the outcome of one run. For dry runs Prompt and Schema carry the
// first turn's prompt and role schema and Turns stays empty.
type Result struct {
	RunID  string         `json:"run_id"`
	Seed   uint32         `json:"seed"`
	Rounds int            `json:"rounds"`
	Turns  []TurnRecord   `json:"turns"`
	DryRun bool           `json:"dry_run,omitempty"`
	Prompt string         `json:"prompt,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Log    LogInfo        `json:"log"`
}

var warnMu sync.Mutex

// warnf reports an operator-facing warning on stderr.
func warnf(format string, args ...any) {
	warnMu.Lock()
	defer warnMu.Unlock()
	fmt.Fprintf(os.Stderr, "[warn] "+format+"\n", args...)
}

// agentRuntime is the resolved per-turn execution shape for one agent.
type agentRuntime struct {
	Provider        string
	ResponseMode    string
	ProviderOptions map[string]any
}

func optStr(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func optBoolVal(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// resolveAgentRuntime merges provider defaults with per-agent overrides and
// applies the permission and read-only rails.
func resolveAgentRuntime(cfg *config.Config, agentID string) agentRuntime {
	profile, _ := agent.Lookup(agentID)
	agentCfg := cfg.FriendsBar.Agents[agentID]
	providerName := profile.Provider
	if agentCfg.Provider != "" {
		providerName = agentCfg.Provider
	}
	providerDefaults := cfg.Providers[providerName].Options

	options := map[string]any{}
	switch providerName {
	case provider.Codex:
		options["exec_mode"] = optStr(providerDefaults, "exec_mode", "safe")
	case provider.Claude:
		options["permission_mode"] = optStr(providerDefaults, "permission_mode", "acceptEdits")
		options["include_partial_messages"] = optBoolVal(providerDefaults, "include_partial_messages")
		options["print_stderr"] = optBoolVal(providerDefaults, "print_stderr")
		if tools, ok := providerDefaults["tools"]; ok {
			options["tools"] = tools
		}
	}

	responseMode := agentCfg.ResponseMode
	if responseMode == "" {
		responseMode = "text_only"
	}
	options = config.Merge(options, agentCfg.ProviderOptions)

	// A reviewer executing on claude needs real tool access; weak permission
	// modes would stall the dynamic verification.
	if agentID == agent.Stella && providerName == provider.Claude &&
		strings.ToLower(strings.TrimSpace(responseMode)) == "execute" {
		switch strings.TrimSpace(optStr(options, "permission_mode", "")) {
		case "", "default", "acceptEdits", "delegate", "dontAsk", "plan":
			options["permission_mode"] = "bypassPermissions"
		}
	}

	safety := cfg.FriendsBar.Safety
	if safety.ReadOnly {
		switch providerName {
		case provider.Codex:
			options["exec_mode"] = "safe"
			options["sandbox_mode"] = safety.CodexSandboxReadOnly
		case provider.Claude:
			options["tools"] = safety.ClaudeToolsReadOnly
			if _, ok := options["disallowed_tools"]; !ok {
				options["disallowed_tools"] = []string{"Bash", "Edit"}
			}
		}
	} else if providerName == provider.Codex {
		if _, ok := options["sandbox_mode"]; !ok {
			options["sandbox_mode"] = safety.CodexSandboxDefault
		}
	}

	return agentRuntime{
		Provider:        providerName,
		ResponseMode:    responseMode,
		ProviderOptions: options,
	}
}

// validateAgentOutput parses and validates one reply. The returned payload is
// the decoded (or adapted) raw object; content is its normalized form. parseOK
// reports whether a payload object was obtained at all, independent of
// validation outcome.
func validateAgentOutput(currentAgent, output, peerAgent string) (isValid, parseOK bool, errs []string, content, rawPayload map[string]any) {
	raw := strings.TrimSpace(output)
	if raw == "" {
		return false, false, []string{protocol.CodeSchemaInvalidFormat + ": empty output"}, nil, nil
	}

	var payload map[string]any
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		extracted, ok := protocol.ExtractFirstJSONObject(raw)
		if !ok && currentAgent == agent.Stella {
			extracted = adaptReviewPlainText(raw, peerAgent)
			ok = extracted != nil
		}
		if !ok {
			return false, false, []string{fmt.Sprintf("%s: output is not valid JSON (%v)",
				protocol.CodeSchemaInvalidFormat, err)}, nil, nil
		}
		payload = extracted
	} else if obj, ok := decoded.(map[string]any); ok {
		payload = obj
	} else {
		return false, false, []string{protocol.CodeSchemaInvalidFormat + ": output must be one JSON object"}, nil, nil
	}

	res := protocol.Validate(protocol.RoleForAgent(currentAgent), payload)
	if !res.OK {
		return false, true, protocol.IssueStrings(res.Errors), res.Content, payload
	}
	return true, true, nil, res.Content, payload
}

// Run executes one full round-robin dialogue.
func Run(ctx context.Context, opts Options) (res *Result, err error) {
	opts.applyDefaults()
	if strings.TrimSpace(opts.UserRequest) == "" {
		return nil, errors.New("user_request must be a non-empty string")
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	fb := cfg.FriendsBar
	safety := fb.Safety

	logger := audit.New(audit.Config{
		Enabled:              fb.Logging.Enabled,
		Dir:                  fb.Logging.Dir,
		IncludePromptPreview: fb.Logging.IncludePromptPreview,
		MaxPreviewChars:      fb.Logging.MaxPreviewChars,
	}, opts.Seed)
	runStarted := time.Now()

	rounds := opts.Rounds
	if rounds == 0 {
		rounds = fb.DefaultRounds
	}
	if rounds < 1 {
		return nil, errors.New("rounds must be >= 1")
	}

	startAgent := opts.StartAgent
	if startAgent == "" {
		startAgent = fb.StartAgent
	}
	currentAgent, err := agent.Normalize(startAgent)
	if err != nil {
		return nil, err
	}

	workdir, workdirSource := resolveWorkdir(opts.ProjectPath, opts.UserRequest)
	if workdirSource == "cwd_default" {
		return nil, errors.New("workdir must be explicitly specified via --project-path or as an absolute path in user_request")
	}
	if err := ensureAllowedRoots(workdir, safety.AllowedRoots); err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(workdir); statErr == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("project_path is not a directory: %s", workdir)
		}
	} else if mkErr := os.MkdirAll(workdir, 0o755); mkErr != nil {
		return nil, fmt.Errorf("create workdir: %w", mkErr)
	}

	invoker := opts.Invoker
	if invoker == nil {
		invoker = invoke.New(cfg, session.New(""), provider.NewRegistry())
	}

	useSessionArg := any("config_default")
	if opts.UseSession != nil {
		useSessionArg = *opts.UseSession
	}
	logger.Log("run.started", map[string]any{
		"workspace":         fb.Name,
		"config_path":       opts.ConfigPath,
		"config_signature":  cfg.Signature(),
		"user_request":      opts.UserRequest,
		"user_request_meta": logger.TextMeta(opts.UserRequest),
		"args": map[string]any{
			"rounds":              rounds,
			"start_agent":         currentAgent,
			"project_path":        workdir,
			"project_path_source": workdirSource,
			"use_session":         useSessionArg,
			"timeout_level":       opts.TimeoutLevel,
			"stream":              opts.Stream,
		},
	})
	envelope := protocol.BuildTaskEnvelope(protocol.TaskEnvelopeSpec{
		TraceID:               logger.RunID,
		Sender:                "orchestrator",
		Recipient:             currentAgent,
		Intent:                "friends_bar_round_robin_task",
		UserRequest:           opts.UserRequest,
		Workdir:               workdir,
		TimeoutLevel:          opts.TimeoutLevel,
		ExpectedSchemaVersion: protocol.RoleForAgent(currentAgent).SchemaVersion(),
	})
	envelopeDoc := map[string]any{}
	if data, marshalErr := json.Marshal(envelope); marshalErr == nil {
		_ = json.Unmarshal(data, &envelopeDoc)
	}
	logger.Log("protocol.task.envelope", envelopeDoc)

	var transcript []TurnRecord
	defer func() {
		summary := map[string]any{
			"workspace":       fb.Name,
			"rounds":          rounds,
			"turns_completed": len(transcript),
			"elapsed_ms":      time.Since(runStarted).Milliseconds(),
			"project_path":    workdir,
			"turns":           transcript,
		}
		status := "success"
		if res != nil && res.DryRun {
			summary["dry_run"] = true
		}
		if err != nil {
			status = "failed"
			errorRecord := map[string]any{
				"error_type":      fmt.Sprintf("%T", err),
				"error":           err.Error(),
				"stack":           string(debug.Stack()),
				"turns_completed": len(transcript),
			}
			summary["error"] = errorRecord
			logger.Log("run.failed", errorRecord)
		}
		logger.Finalize(status, summary)
	}()

	falseVal := false
	logInfo := LogInfo{RunID: logger.RunID, LogFile: logger.LogFile(), SummaryFile: logger.SummaryFile()}

	for turn := 1; turn <= rounds; turn++ {
		turnStarted := time.Now()
		peerAgent := agent.Next(currentAgent)
		runtime := resolveAgentRuntime(cfg, currentAgent)
		role := protocol.RoleForAgent(currentAgent)

		roundPayload := map[string]any{
			"turn":       turn,
			"agent":      currentAgent,
			"peer_agent": peerAgent,
		}
		logger.Log("round.started", roundPayload)
		// Legacy event name kept for downstream log consumers.
		logger.Log("round.start", roundPayload)
		logger.Log("turn.started", map[string]any{
			"turn":             turn,
			"agent":            currentAgent,
			"peer_agent":       peerAgent,
			"response_mode":    runtime.ResponseMode,
			"provider_options": runtime.ProviderOptions,
		})

		if opts.Stream {
			fmt.Printf("\n[system] 第%d轮执行中：%s -> %s\n", turn, agent.Display(currentAgent), agent.Display(peerAgent))
		}

		// The reviewer usually needs extra pre-flight time for CLI tools.
		effectiveTimeoutLevel := opts.TimeoutLevel
		if currentAgent == agent.Stella && effectiveTimeoutLevel == "quick" {
			effectiveTimeoutLevel = "standard"
		}

		var (
			finalText      string
			rawText        string
			protocolErrors []string
			extra          string
			attemptCount   int
			content        map[string]any
			rawPayload     map[string]any
			invokeResult   *invoke.Result
		)

		for attemptIdx := 0; attemptIdx <= maxProtocolRetry; attemptIdx++ {
			attemptCount = attemptIdx + 1
			attemptStarted := time.Now()

			prompt := buildTurnPrompt(promptSpec{
				UserRequest:      opts.UserRequest,
				CurrentAgent:     currentAgent,
				PeerAgent:        peerAgent,
				Workdir:          workdir,
				ResponseMode:     runtime.ResponseMode,
				Transcript:       transcript,
				HistoryCfg:       fb.History,
				ExtraInstruction: extra,
				PromptDir:        fb.PromptDir,
				ReadOnly:         safety.ReadOnly,
			})
			promptBytes := len(prompt)
			logger.Log("prompt.stats", map[string]any{
				"turn":    turn,
				"attempt": attemptCount,
				"agent":   currentAgent,
				"chars":   len([]rune(prompt)),
				"bytes":   promptBytes,
			})
			logger.Log("prompt.bytes", map[string]any{
				"turn":    turn,
				"attempt": attemptCount,
				"agent":   currentAgent,
				"bytes":   promptBytes,
			})
			if opts.DumpPrompt != "" {
				dumpPath, dumpErr := dumpPrompt(prompt, opts.DumpPrompt, logger.RunID, turn, currentAgent)
				if dumpErr != nil {
					warnf("prompt dump failed: %v", dumpErr)
				}
				digest := blake3.Sum256([]byte(prompt))
				logger.Log("prompt.dump", map[string]any{
					"turn":        turn,
					"agent":       currentAgent,
					"path":        dumpPath,
					"blake3":      fmt.Sprintf("%x", digest),
					"prompt_meta": logger.TextMeta(prompt),
				})
			}
			schema := protocol.BuildAgentOutputSchema(role)
			if opts.DryRun {
				logger.Log("run.dry_run", map[string]any{
					"turn":   turn,
					"agent":  currentAgent,
					"schema": schema,
				})
				res = &Result{
					RunID:  logger.RunID,
					Seed:   logger.Seed,
					Rounds: rounds,
					DryRun: true,
					Prompt: prompt,
					Schema: schema,
					Log:    logInfo,
				}
				return res, nil
			}

			logger.Log("turn.attempt.started", map[string]any{
				"turn":          turn,
				"attempt":       attemptCount,
				"agent":         currentAgent,
				"peer_agent":    peerAgent,
				"timeout_level": effectiveTimeoutLevel,
				"prompt_meta":   logger.TextMeta(prompt),
			})

			providerOptions := map[string]any{}
			for k, v := range runtime.ProviderOptions {
				providerOptions[k] = v
			}
			switch runtime.Provider {
			case provider.Codex:
				providerOptions["output_schema"] = schema
			case provider.Claude, provider.Gemini:
				providerOptions["json_schema"] = schema
			}

			hook := newTurnEventHook(logger, turn, attemptCount, currentAgent, opts.Stream && opts.StreamDebug)
			invokeResult, err = invoker.Invoke(ctx, invoke.Options{
				CLI:             runtime.Provider,
				Prompt:          prompt,
				UseSession:      opts.UseSession,
				Stream:          &falseVal,
				StreamDebug:     opts.StreamDebug,
				Workdir:         workdir,
				ProviderOptions: providerOptions,
				TimeoutLevel:    effectiveTimeoutLevel,
				RunID:           logger.RunID,
				Seed:            logger.Seed,
				EventHook:       hook,
			})
			if err != nil {
				logger.Log("turn.attempt.failed", map[string]any{
					"turn":       turn,
					"attempt":    attemptCount,
					"agent":      currentAgent,
					"error_type": fmt.Sprintf("%T", err),
					"error":      err.Error(),
				})
				return nil, err
			}

			rawText = strings.TrimSpace(invokeResult.Text)
			finalText = rawText
			if finalText == "" {
				finalText = "(empty reply)"
			}

			validationStarted := time.Now()
			var isValid, parseOK bool
			isValid, parseOK, protocolErrors, content, rawPayload = validateAgentOutput(currentAgent, finalText, peerAgent)
			schemaOK := parseOK && !hasPrefix(protocolErrors, "E_SCHEMA_")
			logger.Log("protocol.validated", map[string]any{
				"turn":               turn,
				"attempt":            attemptCount,
				"agent":              currentAgent,
				"is_valid":           isValid,
				"parse_ok":           parseOK,
				"schema_ok":          schemaOK,
				"errors":             protocolErrors,
				"validation_ms":      time.Since(validationStarted).Milliseconds(),
				"attempt_elapsed_ms": time.Since(attemptStarted).Milliseconds(),
			})

			if isValid && content != nil {
				commands := collectCommands(content, currentAgent)
				if safetyErrors := commandPolicyErrors(commands, safety.CommandAllowlist, safety.CommandDenylist); len(safetyErrors) > 0 {
					isValid = false
					protocolErrors = append(protocolErrors, safetyErrors...)
				}
				if isValid && (currentAgent == agent.LinaBell || currentAgent == agent.Stella) {
					if workdirErrors := commandWorkdirErrors(commands, workdir); len(workdirErrors) > 0 {
						isValid = false
						protocolErrors = append(protocolErrors, workdirErrors...)
						logger.Log("workdir.verify", map[string]any{
							"turn":     turn,
							"attempt":  attemptCount,
							"agent":    currentAgent,
							"workdir":  workdir,
							"commands": commands,
							"errors":   workdirErrors,
						})
					}
				}
				if isValid && currentAgent == agent.LinaBell &&
					runtime.ResponseMode == "execute" && !safety.ReadOnly {
					if deliveryErrors := verifyDeliverables(content, workdir, safety.ProtectedGlobs); len(deliveryErrors) > 0 {
						isValid = false
						protocolErrors = append(protocolErrors, deliveryErrors...)
						logger.Log("delivery.verify", map[string]any{
							"turn":         turn,
							"attempt":      attemptCount,
							"agent":        currentAgent,
							"workdir":      workdir,
							"deliverables": deliverablesOf(content),
							"errors":       deliveryErrors,
						})
					}
				}
			}

			logger.Log("turn.attempt.completed", map[string]any{
				"turn":                 turn,
				"attempt":              attemptCount,
				"agent":                currentAgent,
				"provider":             invokeResult.CLI,
				"session_id":           invokeResult.SessionID,
				"elapsed_ms":           invokeResult.ElapsedMS,
				"raw_text":             rawText,
				"raw_text_meta":        logger.TextMeta(rawText),
				"is_valid":             isValid,
				"protocol_errors":      protocolErrors,
				"protocol_content":     content,
				"protocol_raw_payload": rawPayload,
			})
			if isValid {
				if rawPayload != nil {
					finalText = indentJSON(rawPayload)
				}
				protocolErrors = nil
				break
			}

			extra = repairInstruction(fb.PromptDir, protocolErrors, rawText, schema)
		}

		if len(protocolErrors) > 0 {
			err = fmt.Errorf("json protocol validation failed after %d attempts: %s",
				attemptCount, strings.Join(protocolErrors, " / "))
			return nil, err
		}

		record := TurnRecord{
			Turn:       turn,
			Agent:      currentAgent,
			Provider:   invokeResult.CLI,
			Text:       finalText,
			SessionID:  invokeResult.SessionID,
			ElapsedMS:  invokeResult.ElapsedMS,
			Attempts:   attemptCount,
			Content:    content,
			RawPayload: rawPayload,
		}
		transcript = append(transcript, record)
		logger.Log("turn.completed", map[string]any{
			"turn":             turn,
			"agent":            currentAgent,
			"peer_agent":       peerAgent,
			"provider":         invokeResult.CLI,
			"session_id":       invokeResult.SessionID,
			"elapsed_ms":       invokeResult.ElapsedMS,
			"attempts":         attemptCount,
			"final_text":       finalText,
			"final_text_meta":  logger.TextMeta(finalText),
			"turn_duration_ms": time.Since(turnStarted).Milliseconds(),
		})

		if opts.Stream {
			fmt.Printf("\n[%s -> %s]\n", agent.Display(currentAgent), agent.Display(peerAgent))
			fmt.Println(finalText)
		}

		currentAgent = peerAgent
	}

	res = &Result{
		RunID:  logger.RunID,
		Seed:   logger.Seed,
		Rounds: rounds,
		Turns:  transcript,
		Log:    logInfo,
	}
	if opts.Stream && logInfo.LogFile != "" {
		fmt.Printf("\n[system] Log file: %s\n", logInfo.LogFile)
	}
	return res, nil
}

func hasPrefix(errs []string, prefix string) bool {
	for _, e := range errs {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func deliverablesOf(content map[string]any) any {
	result, _ := content["result"].(map[string]any)
	if deliverables, ok := result["deliverables"]; ok {
		return deliverables
	}
	return []any{}
}

// newTurnEventHook forwards gateway/provider events into the audit trail with
// the turn coordinates merged, and mirrors reviewer tool activity to the
// console when stream debugging is on.
func newTurnEventHook(logger *audit.Logger, turn, attempt int, agentID string, mirror bool) func(string, map[string]any) {
	return func(event string, payload map[string]any) {
		merged := map[string]any{
			"turn":    turn,
			"attempt": attempt,
			"agent":   agentID,
		}
		for k, v := range payload {
			merged[k] = v
		}
		logger.Log(event, merged)

		if !mirror || agentID != agent.Stella {
			return
		}
		display := agent.Display(agentID)
		switch event {
		case "provider.raw_stdout_line":
			if line := strings.TrimSpace(asString(payload["line"])); line != "" {
				fmt.Printf("[%s raw] %s\n", display, line)
			}
		case "provider.tool_use":
			toolName := strings.TrimSpace(asString(payload["name"]))
			if toolName == "" {
				toolName = "unknown"
			}
			if params, ok := payload["params"].(map[string]any); ok && params["file_path"] != nil {
				fmt.Printf("[%s] 调用工具 `%s` 读取文件: %v\n", display, toolName, params["file_path"])
			} else {
				fmt.Printf("[%s] 调用工具 `%s`\n", display, toolName)
			}
		case "provider.tool_result":
			status := strings.TrimSpace(asString(payload["status"]))
			if status == "" {
				status = "unknown"
			}
			toolID := strings.TrimSpace(asString(payload["id"]))
			if strings.EqualFold(status, "error") {
				fmt.Printf("[%s] 工具结果失败 (%s): %v\n", display, toolID, payload["output"])
			} else {
				fmt.Printf("[%s] 工具结果成功 (%s)\n", display, toolID)
			}
		}
	}
}
