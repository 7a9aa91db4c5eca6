// Package control is the daemon's command plane: pause, resume, stop,
// and re-queue signals accepted from CLI commands and the status server's
// control route, consumed by the supervisor at its suspension points.
package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/auto-claude/auto-claude/internal/core"
)

// CommandKind names one control verb.
type CommandKind string

const (
	CmdPause   CommandKind = "pause"
	CmdResume  CommandKind = "resume"
	CmdStop    CommandKind = "stop"
	CmdRequeue CommandKind = "requeue"
)

// ParseKind validates a command verb from the wire.
func ParseKind(s string) (CommandKind, error) {
	switch CommandKind(s) {
	case CmdPause, CmdResume, CmdStop, CmdRequeue:
		return CommandKind(s), nil
	}
	return "", core.ErrConfig(core.CodeInvalidConfig, fmt.Sprintf("unknown control command %q", s))
}

// Command is one accepted control command, journaled back to the caller.
type Command struct {
	ID         string      `json:"id"`
	Kind       CommandKind `json:"kind"`
	SpecID     core.SpecID `json:"specId,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

func newCommand(kind CommandKind, specID core.SpecID) Command {
	return Command{
		ID:         uuid.NewString(),
		Kind:       kind,
		SpecID:     specID,
		ReceivedAt: time.Now().UTC(),
	}
}

const requeueBuffer = 100

// Bus fans control commands in to the daemon supervisor. Pause stops new
// admissions while running tasks finish; Stop begins shutdown; Requeue
// asks for one task to be re-admitted ahead of the next rescan.
type Bus struct {
	mu       sync.RWMutex
	paused   atomic.Bool
	stopped  atomic.Bool
	resumeCh chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	requeue  chan core.SpecID
}

// NewBus returns an idle bus.
func NewBus() *Bus {
	return &Bus{
		resumeCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
		requeue:  make(chan core.SpecID, requeueBuffer),
	}
}

// Pause suspends admissions.
func (b *Bus) Pause() Command {
	b.paused.Store(true)
	return newCommand(CmdPause, "")
}

// Resume lifts a pause and wakes every WaitIfPaused caller.
func (b *Bus) Resume() Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused.Load() {
		b.paused.Store(false)
		close(b.resumeCh)
		b.resumeCh = make(chan struct{})
	}
	return newCommand(CmdResume, "")
}

// Stop begins shutdown. Idempotent; paused waiters are released so the
// supervisor can reach its drain path.
func (b *Bus) Stop() Command {
	b.stopped.Store(true)
	b.stopOnce.Do(func() { close(b.stopCh) })
	return newCommand(CmdStop, "")
}

// Requeue asks the supervisor to reconsider one task ahead of the next
// rescan. A full buffer rejects the command instead of blocking.
func (b *Bus) Requeue(specID core.SpecID) (Command, error) {
	if specID == "" {
		return Command{}, core.ErrConfig(core.CodeInvalidConfig, "requeue needs a spec id")
	}
	select {
	case b.requeue <- specID:
		return newCommand(CmdRequeue, specID), nil
	default:
		return Command{}, fmt.Errorf("requeue buffer full, rejecting %s", specID)
	}
}

// Dispatch applies one parsed command. This is the single entry point for
// the control route and the CLI.
func (b *Bus) Dispatch(kind CommandKind, specID core.SpecID) (Command, error) {
	switch kind {
	case CmdPause:
		return b.Pause(), nil
	case CmdResume:
		return b.Resume(), nil
	case CmdStop:
		return b.Stop(), nil
	case CmdRequeue:
		return b.Requeue(specID)
	default:
		return Command{}, core.ErrConfig(core.CodeInvalidConfig, fmt.Sprintf("unknown control command %q", kind))
	}
}

// Paused reports whether admissions are suspended.
func (b *Bus) Paused() bool { return b.paused.Load() }

// Stopped reports whether shutdown has begun.
func (b *Bus) Stopped() bool { return b.stopped.Load() }

// StopCh is closed once Stop is called; for supervisor select loops.
func (b *Bus) StopCh() <-chan struct{} { return b.stopCh }

// RequeueCh delivers re-queue requests to the supervisor.
func (b *Bus) RequeueCh() <-chan core.SpecID { return b.requeue }

// WaitIfPaused blocks while the bus is paused. It returns nil on resume
// or stop (callers check Stopped next) and the context error on expiry.
func (b *Bus) WaitIfPaused(ctx context.Context) error {
	if !b.paused.Load() {
		return nil
	}

	b.mu.RLock()
	resumeCh := b.resumeCh
	b.mu.RUnlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return nil
	case <-resumeCh:
		return nil
	}
}

// State is the bus snapshot published in the daemon status file.
type State struct {
	Paused          bool `json:"paused"`
	Stopped         bool `json:"stopped"`
	PendingRequeues int  `json:"pendingRequeues"`
}

// State reports the current control state.
func (b *Bus) State() State {
	return State{
		Paused:          b.paused.Load(),
		Stopped:         b.stopped.Load(),
		PendingRequeues: len(b.requeue),
	}
}
