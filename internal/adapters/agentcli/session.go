package agentcli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// termGrace is how long a signaled session gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// session is one live agent subprocess. It implements core.AgentSession.
type session struct {
	id     string
	cmd    *exec.Cmd
	logger *logging.Logger
	parser *parser

	events    chan core.SessionEvent
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	heartbeat func(time.Time)

	mu       sync.Mutex
	final    core.SessionEvent
	hasFinal bool

	// stderr is written only by pumpStderr and read only after it returns.
	stderr bytes.Buffer
}

// startSession wires the pipes, starts the process, and launches the pump
// goroutines. The command must already carry its env, dir, and proc attrs.
func startSession(ctx context.Context, id string, cmd *exec.Cmd, logger *logging.Logger, heartbeat func(time.Time)) (*session, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		_ = stdoutPipe.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdoutPipe.Close()
		_ = stderrPipe.Close()
		return nil, core.ErrAgentTransient("agent process failed to start").WithCause(err)
	}

	s := &session{
		id:        id,
		cmd:       cmd,
		logger:    logger,
		parser:    &parser{},
		events:    make(chan core.SessionEvent, 64),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		heartbeat: heartbeat,
	}
	go s.run(ctx, stdoutPipe, stderrPipe)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *session) ID() string {
	return s.id
}

// Events returns the event stream. The channel closes when the subprocess
// has exited and the terminal event has been recorded.
func (s *session) Events() <-chan core.SessionEvent {
	return s.events
}

// Wait blocks until the session has fully terminated and returns the
// terminal session_end event. A stream that died without its own result
// line gets a synthesized one carrying the exit state.
func (s *session) Wait(ctx context.Context) (core.SessionEvent, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.final, nil
	case <-ctx.Done():
		return core.SessionEvent{}, ctx.Err()
	}
}

// Close tears the process group down. Safe to call more than once and after
// natural exit.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *session) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// run owns the session lifecycle: pump both pipes, reap the process, record
// the terminal event, close the stream.
func (s *session) run(ctx context.Context, stdout, stderr io.ReadCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		s.pumpStderr(stderr)
	}()

	// Teardown watcher. Cancellation and Close both kill the group; natural
	// exit closes done and the watcher leaves.
	go func() {
		select {
		case <-ctx.Done():
			_ = killGroup(s.cmd, termGrace, s.done)
		case <-s.closed:
			_ = killGroup(s.cmd, termGrace, s.done)
		case <-s.done:
		}
	}()

	wg.Wait()
	waitErr := s.cmd.Wait()

	interrupted := ctx.Err() != nil || s.isClosed()
	if !s.hasStreamEnd() {
		var final core.SessionEvent
		switch {
		case interrupted:
			final = s.parser.finalEvent(core.SessionCancelled, "session cancelled")
		case waitErr == nil:
			final = s.parser.finalEvent(core.SessionOK, "")
		default:
			final = s.parser.finalEvent(core.SessionError, s.exitError(waitErr))
		}
		s.setFinal(final)
		// Best effort: Wait is the authoritative carrier of the terminal
		// event; the stream copy may be dropped by a full buffer.
		select {
		case s.events <- final:
		default:
		}
	}

	close(s.events)
	close(s.done)

	s.logger.Info("agent session ended",
		"status", s.finalStatus(),
		"tool_calls", s.parser.toolCalls,
		"tokens_in", s.parser.tokensIn,
		"tokens_out", s.parser.tokensOut,
	)
}

// pumpStdout scans JSONL output into typed events. Every line, parseable or
// not, counts as liveness.
func (s *session) pumpStdout(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	delivering := true
	for scanner.Scan() {
		line := scanner.Text()
		if s.heartbeat != nil {
			s.heartbeat(time.Now())
		}
		for _, ev := range s.parser.parseLine(line) {
			if ev.Type == core.SessionEventEnd {
				s.setFinal(ev)
			}
			if !delivering {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.closed:
				// Consumer is gone; keep draining so the pipe never blocks
				// the dying child.
				delivering = false
			}
		}
	}
	// Scanner errors mean the pipe died mid-line; the exit path reports it.
}

func (s *session) pumpStderr(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.stderr.WriteString(scanner.Text())
		s.stderr.WriteByte('\n')
	}
}

func (s *session) setFinal(ev core.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = ev
	s.hasFinal = true
}

func (s *session) hasStreamEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasFinal
}

func (s *session) finalStatus() core.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final.Status
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// exitError summarizes a process failure with the stderr tail. Reading
// stderr here is safe: pumpStderr has returned before Wait.
func (s *session) exitError(waitErr error) string {
	tail := s.stderr.String()
	const maxTail = 2000
	if len(tail) > maxTail {
		tail = "..." + tail[len(tail)-maxTail:]
	}
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return waitErr.Error()
	}
	return fmt.Sprintf("%v: %s", waitErr, tail)
}

var _ core.AgentSession = (*session)(nil)
