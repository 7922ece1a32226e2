package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/strongdm/friendsbar/internal/agent"
	"github.com/strongdm/friendsbar/internal/config"
	"github.com/strongdm/friendsbar/internal/invoke"
	"github.com/strongdm/friendsbar/internal/orchestrator"
	"github.com/strongdm/friendsbar/internal/protocol"
	"github.com/strongdm/friendsbar/internal/provider"
	"github.com/strongdm/friendsbar/internal/session"
)

func main() {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "invoke":
		invokeCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  friendsbar run --request <text> [--rounds <n>] [--start-agent <name>] [--project-path <dir>] [--config <file>] [--timeout-level quick|standard|long] [--no-session] [--no-stream] [--stream-debug] [--seed <uint32>] [--dry-run] [--dump-prompt <target>]")
	fmt.Fprintln(os.Stderr, "  friendsbar invoke --cli <provider> --prompt <text>|- [--workdir <dir>] [--config <file>] [--timeout-level quick|standard|long] [--no-session] [--json]")
	fmt.Fprintln(os.Stderr, "  friendsbar validate --role plan|delivery|review|<agent> [--file <payload.json>]")
}

type runFlags struct {
	request      string
	rounds       int
	startAgent   string
	projectPath  string
	configPath   string
	timeoutLevel string
	noSession    bool
	noStream     bool
	streamDebug  bool
	seed         *uint32
	dryRun       bool
	dumpPrompt   string
}

func parseRunFlags(args []string) (runFlags, error) {
	var f runFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--request":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--request requires a value")
			}
			f.request = args[i]
		case "--rounds":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--rounds requires a value")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				return f, fmt.Errorf("--rounds %q is invalid; expected a positive integer", args[i])
			}
			f.rounds = n
		case "--start-agent":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--start-agent requires a value")
			}
			f.startAgent = args[i]
		case "--project-path":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--project-path requires a value")
			}
			f.projectPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--config requires a value")
			}
			f.configPath = args[i]
		case "--timeout-level":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--timeout-level requires a value")
			}
			f.timeoutLevel = args[i]
		case "--no-session":
			f.noSession = true
		case "--no-stream":
			f.noStream = true
		case "--stream-debug":
			f.streamDebug = true
		case "--seed":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--seed requires a value")
			}
			n, err := strconv.ParseUint(args[i], 10, 32)
			if err != nil {
				return f, fmt.Errorf("--seed %q is invalid; expected an unsigned 32-bit integer", args[i])
			}
			seed := uint32(n)
			f.seed = &seed
		case "--dry-run":
			f.dryRun = true
		case "--dump-prompt":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--dump-prompt requires a value")
			}
			f.dumpPrompt = args[i]
		default:
			return f, fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	if strings.TrimSpace(f.request) == "" {
		return f, fmt.Errorf("--request is required")
	}
	return f, nil
}

func runCmd(args []string) {
	f, err := parseRunFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}

	opts := orchestrator.Options{
		UserRequest:  f.request,
		Rounds:       f.rounds,
		StartAgent:   f.startAgent,
		ProjectPath:  f.projectPath,
		Stream:       !f.noStream,
		StreamDebug:  f.streamDebug,
		TimeoutLevel: f.timeoutLevel,
		ConfigPath:   f.configPath,
		Seed:         f.seed,
		DryRun:       f.dryRun,
		DumpPrompt:   f.dumpPrompt,
	}
	if f.noSession {
		useSession := false
		opts.UseSession = &useSession
	}

	// No deadline: provider CLI turns can take a long time.
	res, err := orchestrator.Run(context.Background(), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if res.DryRun {
		fmt.Println(res.Prompt)
		if data, err := json.MarshalIndent(res.Schema, "", "  "); err == nil {
			fmt.Println(string(data))
		}
	}
	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("seed=%d\n", res.Seed)
	fmt.Printf("rounds=%d\n", res.Rounds)
	fmt.Printf("turns=%d\n", len(res.Turns))
	if res.Log.LogFile != "" {
		fmt.Printf("log_file=%s\n", res.Log.LogFile)
		fmt.Printf("summary_file=%s\n", res.Log.SummaryFile)
	}
	os.Exit(0)
}

type invokeFlags struct {
	cli          string
	prompt       string
	workdir      string
	configPath   string
	timeoutLevel string
	noSession    bool
	jsonOut      bool
}

func parseInvokeFlags(args []string) (invokeFlags, error) {
	var f invokeFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--cli":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--cli requires a value")
			}
			f.cli = args[i]
		case "--prompt":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--prompt requires a value")
			}
			f.prompt = args[i]
		case "--workdir":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--workdir requires a value")
			}
			f.workdir = args[i]
		case "--config":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--config requires a value")
			}
			f.configPath = args[i]
		case "--timeout-level":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--timeout-level requires a value")
			}
			f.timeoutLevel = args[i]
		case "--no-session":
			f.noSession = true
		case "--json":
			f.jsonOut = true
		default:
			return f, fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	if strings.TrimSpace(f.cli) == "" {
		return f, fmt.Errorf("--cli is required")
	}
	if f.prompt == "" {
		return f, fmt.Errorf("--prompt is required (use - to read stdin)")
	}
	return f, nil
}

func invokeCmd(args []string) {
	f, err := parseInvokeFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}

	prompt := f.prompt
	if prompt == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		prompt = string(data)
	}

	configPath := f.configPath
	if configPath == "" {
		configPath = config.DefaultPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	gateway := invoke.New(cfg, session.New(""), provider.NewRegistry())
	opts := invoke.Options{
		CLI:          f.cli,
		Prompt:       prompt,
		Workdir:      f.workdir,
		TimeoutLevel: f.timeoutLevel,
	}
	if f.noSession {
		useSession := false
		opts.UseSession = &useSession
	}

	res, err := gateway.Invoke(context.Background(), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if f.jsonOut {
		doc := map[string]any{
			"cli":           res.CLI,
			"text":          res.Text,
			"session_id":    res.SessionID,
			"elapsed_ms":    res.ElapsedMS,
			"timeout_level": res.TimeoutLevel,
			"retry_count":   res.RetryCount,
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	fmt.Println(res.Text)
	os.Exit(0)
}

// resolveRole accepts a role name or any accepted agent spelling.
func resolveRole(name string) (protocol.Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "plan":
		return protocol.RolePlan, nil
	case "delivery":
		return protocol.RoleDelivery, nil
	case "review":
		return protocol.RoleReview, nil
	}
	if id, err := agent.Normalize(name); err == nil {
		return protocol.RoleForAgent(id), nil
	}
	return "", fmt.Errorf("unsupported role: %q (supported: plan, delivery, review, or an agent name)", name)
}

func validateCmd(args []string) {
	var roleName string
	var filePath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--role":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--role requires a value")
				os.Exit(1)
			}
			roleName = args[i]
		case "--file":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--file requires a value")
				os.Exit(1)
			}
			filePath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if roleName == "" {
		usage()
		os.Exit(1)
	}
	role, err := resolveRole(roleName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var data []byte
	if filePath == "" || filePath == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(filePath)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		fmt.Fprintf(os.Stderr, "%s: payload is not a JSON object (%v)\n", protocol.CodeSchemaInvalidFormat, err)
		os.Exit(1)
	}

	res := protocol.Validate(role, payload)
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
	if !res.OK {
		for _, issue := range protocol.IssueStrings(res.Errors) {
			fmt.Fprintln(os.Stderr, issue)
		}
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", role.SchemaVersion())
	os.Exit(0)
}
