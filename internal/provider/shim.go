package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Shim environment knobs: an inline canned reply, or a file holding one.
const (
	ShimReplyEnv     = "FRIENDSBAR_SHIM_REPLY"
	ShimReplyFileEnv = "FRIENDSBAR_SHIM_REPLY_FILE"
)

const shimSessionID = "shim-session"

// shimAdapter replays a canned reply without any subprocess. It exists for
// offline smoke runs and tests; the reply still flows through the reconciler
// so the downstream pipeline sees realistic delta/result event pairs.
type shimAdapter struct{}

func (*shimAdapter) Name() string { return Shim }

func shimReply(prompt string) (string, error) {
	if reply := os.Getenv(ShimReplyEnv); reply != "" {
		return reply, nil
	}
	if path := os.Getenv(ShimReplyFileEnv); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("shim: read reply file: %w", err)
		}
		return string(b), nil
	}
	return "[shim] prompt received: " + prompt, nil
}

func (a *shimAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("shim: prompt must be non-empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, err := shimReply(req.Prompt)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	rec := NewReconciler(req.SessionID)
	rec.Feed(SessionStart{ID: shimSessionID})
	emit(req.EventHook, "provider.session", map[string]any{"provider": Shim, "session_id": shimSessionID})
	if text := rec.Feed(StreamDelta{Text: reply}); text != "" && req.Stream {
		fmt.Println(text)
	}
	rec.Feed(ResultMessage{Text: reply})

	return &Response{
		Provider:  Shim,
		Text:      rec.Text(),
		SessionID: rec.SessionID(),
		ElapsedMS: time.Since(started).Milliseconds(),
	}, nil
}
