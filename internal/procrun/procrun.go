// Package procrun runs provider CLI subprocesses to completion while
// streaming their output line by line. It enforces idle and wall-clock
// deadlines measured against a dual-channel liveness heartbeat (any byte on
// stdout or stderr counts as activity), terminates overdue children
// gracefully (TERM to the process group, bounded grace, then KILL), and
// surfaces structured failures that the invoke layer can classify.
package procrun

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Termination and failure reason constants.
const (
	ReasonLaunchError   = "launch_error"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonMaxTimeout    = "max_timeout"
	ReasonNonzeroExit   = "nonzero_exit"
	ReasonParentSignal  = "parent_signal"
	ReasonCallbackError = "callback_error"
	ReasonCleanup       = "cleanup"
)

// TimeoutConfig is the deadline triple applied to one subprocess run.
type TimeoutConfig struct {
	IdleTimeout    time.Duration
	MaxTimeout     time.Duration
	TerminateGrace time.Duration
}

// Built-in timeout profiles. Config may override or extend these.
var TimeoutProfiles = map[string]TimeoutConfig{
	"quick":    {IdleTimeout: 60 * time.Second, MaxTimeout: 300 * time.Second, TerminateGrace: 3 * time.Second},
	"standard": {IdleTimeout: 300 * time.Second, MaxTimeout: 1800 * time.Second, TerminateGrace: 5 * time.Second},
	"complex":  {IdleTimeout: 900 * time.Second, MaxTimeout: 3600 * time.Second, TerminateGrace: 8 * time.Second},
}

// ResolveTimeout applies a named profile and then per-field overrides.
// Unknown levels fall back to standard. A nil profiles map uses the
// built-ins only; named profiles in the map shadow built-ins.
func ResolveTimeout(level string, profiles map[string]TimeoutConfig, idle, max, grace *time.Duration) TimeoutConfig {
	base, ok := profiles[level]
	if !ok {
		base, ok = TimeoutProfiles[level]
	}
	if !ok {
		base, ok = profiles["standard"]
	}
	if !ok {
		base = TimeoutProfiles["standard"]
	}
	if idle != nil {
		base.IdleTimeout = *idle
	}
	if max != nil {
		base.MaxTimeout = *max
	}
	if grace != nil {
		base.TerminateGrace = *grace
	}
	return base
}

// ProcessError is a structured subprocess failure. Reason is one of the
// reason constants above plus adapter-specific reasons (callback adapters
// reuse this type for their own timeout/error cases).
type ProcessError struct {
	Provider    string
	Reason      string
	CommandRepr string
	ElapsedMS   int64
	ReturnCode  int
	StderrLines []string
	SessionID   string
	Extra       string
}

// stderrRetainLines bounds how many stderr lines a run keeps. The supervisor
// drops the oldest line once the bound is reached, so a chatty child cannot
// grow memory for the whole run.
const stderrRetainLines = 200

// StderrTail returns the last (up to) 20 stderr lines for diagnostics.
func (e *ProcessError) StderrTail() []string {
	if len(e.StderrLines) <= 20 {
		return e.StderrLines
	}
	return e.StderrLines[len(e.StderrLines)-20:]
}

func (e *ProcessError) Error() string {
	session := e.SessionID
	if session == "" {
		session = "n/a"
	}
	msg := fmt.Sprintf("[%s] process failed: reason=%s, elapsed_ms=%d, return_code=%d, session_id=%s, command=%s",
		e.Provider, e.Reason, e.ElapsedMS, e.ReturnCode, session, e.CommandRepr)
	if e.Extra != "" {
		msg += ", detail=" + e.Extra
	}
	if tail := e.StderrTail(); len(tail) > 0 {
		msg += ", stderr_tail=" + strings.Join(tail, " | ")
	}
	return msg
}

// WithSession returns a copy of the error carrying the last known session ID.
func (e *ProcessError) WithSession(sessionID string) *ProcessError {
	clone := *e
	clone.SessionID = sessionID
	return &clone
}

// Request describes one subprocess run.
type Request struct {
	Provider     string
	Command      string
	Args         []string
	Dir          string
	Env          []string // nil inherits the parent environment
	StdinText    string   // delivered on a pipe when non-empty
	InheritStdin bool     // attach the parent's stdin instead of /dev/null
	Timeout      TimeoutConfig

	StreamStderr bool
	StderrPrefix string

	OnStdoutLine   func(line string)
	OnStderrLine   func(line string)
	OnProcessStart func(pid int)
	OnFirstByte    func()
}

// Result is the outcome of a completed (non-failed) run.
type Result struct {
	ReturnCode       int
	ElapsedMS        int64
	StderrLines      []string
	TerminatedReason string
	CommandRepr      string
}

const commandReprMaxChars = 800

// CommandRepr builds a bounded command representation for logs and errors.
// Large prompts would otherwise make failure messages unreadable.
func CommandRepr(command string, args []string, dir string) string {
	joined := strings.Join(append([]string{command}, args...), " ")
	if len(joined) > commandReprMaxChars {
		overflow := len(joined) - commandReprMaxChars
		joined = fmt.Sprintf("%s ...<truncated %d chars>", joined[:commandReprMaxChars], overflow)
	}
	if dir != "" {
		joined = fmt.Sprintf("%s (cwd=%s)", joined, dir)
	}
	return joined
}

// sourcedLine is one line from either child pipe, tagged by origin.
type sourcedLine struct {
	source string // "stdout" | "stderr"
	line   string
}

// drainStream reads a pipe in bounded chunks, splits on newlines (stripping
// a trailing CR), bumps the shared activity clock on every chunk, and sends
// lines to the supervisor. Trailing unterminated bytes flush as one final
// line at EOF. Drainers never invoke user callbacks.
func drainStream(r io.Reader, source string, out chan<- sourcedLine, bump func(), done <-chan struct{}) {
	buf := make([]byte, 4096)
	var pending strings.Builder
	emit := func(line string) {
		select {
		case out <- sourcedLine{source: source, line: strings.TrimSuffix(line, "\r")}:
		case <-done:
		}
	}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			bump()
			pending.WriteString(string(buf[:n]))
			text := pending.String()
			for {
				idx := strings.IndexByte(text, '\n')
				if idx < 0 {
					break
				}
				emit(text[:idx])
				text = text[idx+1:]
			}
			pending.Reset()
			pending.WriteString(text)
		}
		if err != nil {
			break
		}
	}
	if pending.Len() > 0 {
		emit(pending.String())
	}
}

// Run executes one streaming subprocess. The supervisor goroutine is the
// only caller of the line callbacks, so parser state needs no locking.
func Run(ctx context.Context, req Request) (*Result, error) {
	commandRepr := CommandRepr(req.Command, req.Args, req.Dir)
	start := time.Now()
	elapsedMS := func() int64 { return time.Since(start).Milliseconds() }

	fail := func(reason string, returnCode int, stderrLines []string, extra string) *ProcessError {
		return &ProcessError{
			Provider:    req.Provider,
			Reason:      reason,
			CommandRepr: commandRepr,
			ElapsedMS:   elapsedMS(),
			ReturnCode:  returnCode,
			StderrLines: stderrLines,
			Extra:       extra,
		}
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdinPipe io.WriteCloser
	switch {
	case req.StdinText != "":
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, fail(ReasonLaunchError, -1, nil, err.Error())
		}
		stdinPipe = pipe
	case req.InheritStdin:
		cmd.Stdin = os.Stdin
	default:
		cmd.Stdin = nil // /dev/null
	}

	// Manual pipes: cmd.Wait must not race with the drainers, so the parent
	// owns the read ends and closes its write-end copies right after Start.
	// EOF then arrives exactly when the child (and any children holding the
	// descriptors) exits.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fail(ReasonLaunchError, -1, nil, err.Error())
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fail(ReasonLaunchError, -1, nil, err.Error())
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, fail(ReasonLaunchError, -1, nil, err.Error())
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()
	defer func() {
		_ = stdoutR.Close()
		_ = stderrR.Close()
	}()
	if req.OnProcessStart != nil {
		func() {
			defer func() { _ = recover() }() // start hooks must not break the run
			req.OnProcessStart(cmd.Process.Pid)
		}()
	}

	if stdinPipe != nil {
		go func() {
			_, _ = io.WriteString(stdinPipe, req.StdinText)
			_ = stdinPipe.Close()
		}()
	}

	// Shared activity clock, bumped by both drainers.
	var activityMu sync.Mutex
	lastActivity := start
	bump := func() {
		activityMu.Lock()
		lastActivity = time.Now()
		activityMu.Unlock()
	}
	sinceActivity := func() time.Duration {
		activityMu.Lock()
		defer activityMu.Unlock()
		return time.Since(lastActivity)
	}

	lines := make(chan sourcedLine, 256)
	drainDone := make(chan struct{})
	var drainers sync.WaitGroup
	drainers.Add(2)
	go func() {
		defer drainers.Done()
		drainStream(stdoutR, "stdout", lines, bump, drainDone)
	}()
	go func() {
		defer drainers.Done()
		drainStream(stderrR, "stderr", lines, bump, drainDone)
	}()
	go func() {
		drainers.Wait()
		close(lines)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	terminatedReason := ""
	terminate := func(reason string) {
		if terminatedReason != "" {
			return
		}
		terminatedReason = reason
		killGroup(cmd, syscall.SIGTERM)
		grace := req.Timeout.TerminateGrace
		if grace > 0 {
			deadline := time.After(grace)
			select {
			case err := <-waitCh:
				waitCh <- err
				return
			case <-deadline:
			}
		}
		killGroup(cmd, syscall.SIGKILL)
	}
	defer func() {
		// Exit-hook path: a panic unwinding past the supervisor must not
		// leave the child running.
		if terminatedReason == "" && cmd.ProcessState == nil {
			terminate(ReasonCleanup)
		}
		close(drainDone)
	}()

	var stderrLines []string
	firstByteEmitted := false
	var callbackErr error

	deliver := func(sl sourcedLine) {
		if !firstByteEmitted && req.OnFirstByte != nil {
			firstByteEmitted = true
			func() {
				defer func() { _ = recover() }()
				req.OnFirstByte()
			}()
		}
		if sl.source == "stderr" {
			trimmed := strings.TrimSpace(sl.line)
			if trimmed != "" {
				if len(stderrLines) >= stderrRetainLines {
					copy(stderrLines, stderrLines[1:])
					stderrLines = stderrLines[:len(stderrLines)-1]
				}
				stderrLines = append(stderrLines, trimmed)
				if req.StreamStderr {
					fmt.Fprintln(os.Stderr, req.StderrPrefix+trimmed)
				}
				if req.OnStderrLine != nil {
					safeCallback(req.OnStderrLine, trimmed, &callbackErr)
				}
			}
			return
		}
		if req.OnStdoutLine != nil {
			safeCallback(req.OnStdoutLine, sl.line, &callbackErr)
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	exited := false
	linesOpen := true
	for linesOpen || !exited {
		select {
		case sl, ok := <-lines:
			if !ok {
				linesOpen = false
				continue
			}
			deliver(sl)
			if callbackErr != nil {
				terminate(ReasonCallbackError)
				// Keep draining so the final wait below does not block on
				// full pipes; remaining lines are discarded by the channel
				// close path.
				for range lines {
				}
				linesOpen = false
			}
		case err := <-waitCh:
			waitCh <- err
			exited = true
			if !linesOpen {
				continue
			}
			// Child gone: drain what the pipes still hold, then stop.
			// The channel closes once both drainers hit EOF.
			for sl := range lines {
				deliver(sl)
			}
			linesOpen = false
		case <-sigCh:
			terminate(ReasonParentSignal)
		case <-ctxDone:
			ctxDone = nil // fires once; a closed channel would spin the loop
			terminate(ReasonParentSignal)
		case <-ticker.C:
			if exited {
				continue
			}
			if req.Timeout.IdleTimeout > 0 && sinceActivity() > req.Timeout.IdleTimeout {
				terminate(ReasonIdleTimeout)
			}
			if req.Timeout.MaxTimeout > 0 && time.Since(start) > req.Timeout.MaxTimeout {
				terminate(ReasonMaxTimeout)
			}
		}
	}

	waitErr := <-waitCh
	waitCh <- waitErr
	returnCode := 0
	if cmd.ProcessState != nil {
		returnCode = cmd.ProcessState.ExitCode()
	} else if waitErr != nil {
		returnCode = -1
	}

	result := &Result{
		ReturnCode:       returnCode,
		ElapsedMS:        elapsedMS(),
		StderrLines:      stderrLines,
		TerminatedReason: terminatedReason,
		CommandRepr:      commandRepr,
	}

	if callbackErr != nil {
		return nil, fail(ReasonCallbackError, returnCode, stderrLines, callbackErr.Error())
	}
	if terminatedReason != "" {
		return nil, fail(terminatedReason, returnCode, stderrLines, "")
	}
	if returnCode != 0 {
		return nil, fail(ReasonNonzeroExit, returnCode, stderrLines, "")
	}
	return result, nil
}

// safeCallback invokes a line callback, converting a panic into a recorded
// callback error that terminates the run.
func safeCallback(fn func(string), line string, callbackErr *error) {
	if *callbackErr != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			*callbackErr = fmt.Errorf("callback panic: %v", r)
		}
	}()
	fn(line)
}

// killGroup signals the child's process group; a vanished group is fine.
func killGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return
	}
	_ = syscall.Kill(-pgid, sig)
}
