package service

import (
	"context"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// TurnResult is the outcome of one completed agent turn.
type TurnResult struct {
	// End is the terminal session event, present even when the session
	// reported an error. Callers apply the artifact-first rule before
	// treating Status error as failure.
	End        core.SessionEvent
	Transcript string
}

// RunTurn launches one agent session, drains its stream, and waits for the
// terminal event. Transient launch failures retry on the agent policy.
// An error return means the turn never completed (launch exhausted or
// context expired); a completed turn with SessionError status returns nil.
func RunTurn(ctx context.Context, launcher core.SessionLauncher, spec core.SessionSpec, logger *logging.Logger) (TurnResult, error) {
	var sess core.AgentSession
	err := AgentRetryPolicy().ExecuteWithNotify(ctx, func(ctx context.Context) error {
		s, lerr := launcher.Launch(ctx, spec)
		if lerr != nil {
			return lerr
		}
		sess = s
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		logger.Warn("agent launch failed, retrying",
			"agent", spec.Agent.Name, "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		return TurnResult{}, err
	}
	defer func() { _ = sess.Close() }()

	var sb strings.Builder
	for ev := range sess.Events() {
		if ev.Type == core.SessionEventAssistantText && ev.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(ev.Text)
		}
	}

	end, err := sess.Wait(ctx)
	if err != nil {
		return TurnResult{Transcript: sb.String()}, err
	}
	return TurnResult{End: end, Transcript: sb.String()}, nil
}
