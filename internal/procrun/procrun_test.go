package procrun

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func shellRequest(script string, timeout TimeoutConfig) Request {
	return Request{
		Provider: "test",
		Command:  "/bin/sh",
		Args:     []string{"-c", script},
		Timeout:  timeout,
	}
}

func quickTimeout() TimeoutConfig {
	return TimeoutConfig{
		IdleTimeout:    5 * time.Second,
		MaxTimeout:     10 * time.Second,
		TerminateGrace: 500 * time.Millisecond,
	}
}

func TestRunDeliversStdoutLinesInOrder(t *testing.T) {
	var got []string
	req := shellRequest("printf 'one\\ntwo\\nthree\\n'", quickTimeout())
	req.OnStdoutLine = func(line string) { got = append(got, line) }

	res, err := Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ReturnCode != 0 {
		t.Fatalf("return code: got %d want 0", res.ReturnCode)
	}
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("lines: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestRunFlushesTrailingUnterminatedLine(t *testing.T) {
	var got []string
	req := shellRequest("printf 'complete\\npartial'", quickTimeout())
	req.OnStdoutLine = func(line string) { got = append(got, line) }

	if _, err := Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 2 || got[1] != "partial" {
		t.Fatalf("trailing bytes must flush as a final line, got %v", got)
	}
}

func TestRunStripsCarriageReturns(t *testing.T) {
	var got []string
	req := shellRequest("printf 'a\\r\\nb\\n'", quickTimeout())
	req.OnStdoutLine = func(line string) { got = append(got, line) }

	if _, err := Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v want [a b]", got)
	}
}

func TestRunCollectsStderrTail(t *testing.T) {
	req := shellRequest("echo noise >&2; echo more >&2; exit 3", quickTimeout())

	_, err := Run(context.Background(), req)
	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProcessError, got %v", err)
	}
	if perr.Reason != ReasonNonzeroExit {
		t.Fatalf("reason: got %q want %q", perr.Reason, ReasonNonzeroExit)
	}
	if perr.ReturnCode != 3 {
		t.Fatalf("return code: got %d want 3", perr.ReturnCode)
	}
	tail := perr.StderrTail()
	if len(tail) != 2 || tail[0] != "noise" || tail[1] != "more" {
		t.Fatalf("stderr tail: got %v", tail)
	}
}

func TestRunStdinText(t *testing.T) {
	var got []string
	req := shellRequest("cat", quickTimeout())
	req.StdinText = "from stdin\n"
	req.OnStdoutLine = func(line string) { got = append(got, line) }

	if _, err := Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0] != "from stdin" {
		t.Fatalf("got %v", got)
	}
}

func TestRunIdleTimeout(t *testing.T) {
	req := shellRequest("echo started; sleep 30", TimeoutConfig{
		IdleTimeout:    300 * time.Millisecond,
		MaxTimeout:     30 * time.Second,
		TerminateGrace: 200 * time.Millisecond,
	})
	start := time.Now()
	_, err := Run(context.Background(), req)
	elapsed := time.Since(start)

	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProcessError, got %v", err)
	}
	if perr.Reason != ReasonIdleTimeout {
		t.Fatalf("reason: got %q want %q", perr.Reason, ReasonIdleTimeout)
	}
	// idle + grace + scheduling headroom
	if elapsed > 3*time.Second {
		t.Fatalf("termination took too long: %s", elapsed)
	}
}

func TestRunMaxTimeout(t *testing.T) {
	// Steady output keeps the idle clock fresh; only the wall clock trips.
	req := shellRequest("while true; do echo tick; sleep 0.05; done", TimeoutConfig{
		IdleTimeout:    10 * time.Second,
		MaxTimeout:     400 * time.Millisecond,
		TerminateGrace: 200 * time.Millisecond,
	})
	_, err := Run(context.Background(), req)

	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProcessError, got %v", err)
	}
	if perr.Reason != ReasonMaxTimeout {
		t.Fatalf("reason: got %q want %q", perr.Reason, ReasonMaxTimeout)
	}
}

func TestRunLaunchError(t *testing.T) {
	req := Request{
		Provider: "test",
		Command:  "/no/such/binary-xyz",
		Timeout:  quickTimeout(),
	}
	_, err := Run(context.Background(), req)
	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProcessError, got %v", err)
	}
	if perr.Reason != ReasonLaunchError {
		t.Fatalf("reason: got %q want %q", perr.Reason, ReasonLaunchError)
	}
}

func TestRunContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	req := shellRequest("sleep 30", TimeoutConfig{
		IdleTimeout:    30 * time.Second,
		MaxTimeout:     60 * time.Second,
		TerminateGrace: 200 * time.Millisecond,
	})
	_, err := Run(ctx, req)
	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProcessError, got %v", err)
	}
	if perr.Reason != ReasonParentSignal {
		t.Fatalf("reason: got %q want %q", perr.Reason, ReasonParentSignal)
	}
}

func TestRunCallbackPanicTerminates(t *testing.T) {
	req := shellRequest("echo boom; sleep 30", TimeoutConfig{
		IdleTimeout:    30 * time.Second,
		MaxTimeout:     60 * time.Second,
		TerminateGrace: 200 * time.Millisecond,
	})
	req.OnStdoutLine = func(line string) { panic("parser exploded") }

	_, err := Run(context.Background(), req)
	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProcessError, got %v", err)
	}
	if perr.Reason != ReasonCallbackError {
		t.Fatalf("reason: got %q want %q", perr.Reason, ReasonCallbackError)
	}
	if !strings.Contains(perr.Extra, "parser exploded") {
		t.Fatalf("detail should carry panic value, got %q", perr.Extra)
	}
}

func TestRunFirstByteAndProcessStartHooks(t *testing.T) {
	var startedPID int
	firstByte := false
	req := shellRequest("echo hello", quickTimeout())
	req.OnProcessStart = func(pid int) { startedPID = pid }
	req.OnFirstByte = func() { firstByte = true }
	req.OnStdoutLine = func(string) {}

	if _, err := Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if startedPID <= 0 {
		t.Fatalf("process start hook did not fire, pid=%d", startedPID)
	}
	if !firstByte {
		t.Fatal("first byte hook did not fire")
	}
}

func TestCommandReprTruncation(t *testing.T) {
	long := strings.Repeat("x", 2000)
	repr := CommandRepr("tool", []string{long}, "/work")
	if len(repr) > 900 {
		t.Fatalf("repr too long: %d chars", len(repr))
	}
	if !strings.Contains(repr, "...<truncated") {
		t.Fatalf("repr missing truncation marker: %q", repr)
	}
	if !strings.HasSuffix(repr, "(cwd=/work)") {
		t.Fatalf("repr missing cwd suffix: %q", repr)
	}
}

func TestResolveTimeout(t *testing.T) {
	profiles := map[string]TimeoutConfig{
		"standard": {IdleTimeout: time.Second, MaxTimeout: 2 * time.Second, TerminateGrace: time.Second},
		"custom":   {IdleTimeout: 3 * time.Second, MaxTimeout: 4 * time.Second, TerminateGrace: time.Second},
	}

	got := ResolveTimeout("custom", profiles, nil, nil, nil)
	if got.IdleTimeout != 3*time.Second {
		t.Fatalf("custom profile: got %v", got)
	}

	got = ResolveTimeout("no-such-level", profiles, nil, nil, nil)
	if got.IdleTimeout != time.Second {
		t.Fatalf("unknown level must fall back to standard: got %v", got)
	}

	idle := 9 * time.Second
	got = ResolveTimeout("custom", profiles, &idle, nil, nil)
	if got.IdleTimeout != 9*time.Second || got.MaxTimeout != 4*time.Second {
		t.Fatalf("override: got %v", got)
	}

	got = ResolveTimeout("quick", nil, nil, nil, nil)
	if got.IdleTimeout != 60*time.Second {
		t.Fatalf("builtin quick: got %v", got)
	}
}

func TestProcessErrorMessage(t *testing.T) {
	err := &ProcessError{
		Provider:    "codex",
		Reason:      ReasonIdleTimeout,
		CommandRepr: "codex exec",
		ElapsedMS:   1234,
		ReturnCode:  -1,
		StderrLines: []string{"warn"},
	}
	msg := err.Error()
	for _, want := range []string{"[codex]", "reason=idle_timeout", "elapsed_ms=1234", "session_id=n/a", "stderr_tail=warn"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}

	withSession := err.WithSession("sess-1")
	if !strings.Contains(withSession.Error(), "session_id=sess-1") {
		t.Fatalf("WithSession message: %q", withSession.Error())
	}
}

func TestStderrTailBounded(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "l"
	}
	err := &ProcessError{StderrLines: lines}
	if got := len(err.StderrTail()); got != 20 {
		t.Fatalf("tail length: got %d want 20", got)
	}
}

func TestRunStderrRetentionDropsOldest(t *testing.T) {
	script := `i=1; while [ $i -le 250 ]; do echo "line $i" 1>&2; i=$((i+1)); done`
	res, err := Run(context.Background(), shellRequest(script, quickTimeout()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.StderrLines) != stderrRetainLines {
		t.Fatalf("retained lines: got %d want %d", len(res.StderrLines), stderrRetainLines)
	}
	if got := res.StderrLines[0]; got != "line 51" {
		t.Fatalf("oldest retained: got %q want %q", got, "line 51")
	}
	if got := res.StderrLines[len(res.StderrLines)-1]; got != "line 250" {
		t.Fatalf("newest retained: got %q want %q", got, "line 250")
	}
}
