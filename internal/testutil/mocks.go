package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auto-claude/auto-claude/internal/core"
)

// ScriptedTurn describes one agent session a ScriptedLauncher will serve.
type ScriptedTurn struct {
	// Texts are streamed as assistant output before the session ends.
	Texts []string
	// End is the terminal event. A zero value means a clean success.
	End core.SessionEvent
	// LaunchErr makes Launch fail instead of producing a session.
	LaunchErr error
	// OnLaunch runs when the session is created, with the launch spec.
	// Tests use it to mutate plans or files the way a real agent would.
	OnLaunch func(spec core.SessionSpec)
}

// ScriptedLauncher serves pre-scripted sessions in order. Launches beyond
// the script get an empty clean session.
type ScriptedLauncher struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	launches []core.SessionSpec
}

// NewScriptedLauncher builds a launcher that plays the given turns in order.
func NewScriptedLauncher(turns ...ScriptedTurn) *ScriptedLauncher {
	return &ScriptedLauncher{turns: turns}
}

// Enqueue appends turns to the script.
func (l *ScriptedLauncher) Enqueue(turns ...ScriptedTurn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turns...)
}

// Launch implements core.SessionLauncher.
func (l *ScriptedLauncher) Launch(_ context.Context, spec core.SessionSpec) (core.AgentSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.launches = append(l.launches, spec)

	var turn ScriptedTurn
	if len(l.turns) > 0 {
		turn = l.turns[0]
		l.turns = l.turns[1:]
	}
	if turn.LaunchErr != nil {
		return nil, turn.LaunchErr
	}
	if turn.OnLaunch != nil {
		turn.OnLaunch(spec)
	}
	return newScriptedSession(turn), nil
}

// Launches returns a copy of every spec passed to Launch so far.
func (l *ScriptedLauncher) Launches() []core.SessionSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.SessionSpec, len(l.launches))
	copy(out, l.launches)
	return out
}

// Remaining reports how many scripted turns are still unplayed.
func (l *ScriptedLauncher) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

type scriptedSession struct {
	id     string
	events chan core.SessionEvent
	end    core.SessionEvent
}

func newScriptedSession(turn ScriptedTurn) *scriptedSession {
	end := turn.End
	if end.Type == "" {
		end.Type = core.SessionEventEnd
	}
	if end.Status == "" {
		end.Status = core.SessionOK
	}

	ch := make(chan core.SessionEvent, len(turn.Texts)+2)
	ch <- core.SessionEvent{Type: core.SessionEventStart, Timestamp: time.Now()}
	for _, txt := range turn.Texts {
		ch <- core.SessionEvent{Type: core.SessionEventAssistantText, Text: txt, Timestamp: time.Now()}
	}
	ch <- end
	close(ch)

	return &scriptedSession{id: uuid.NewString(), events: ch, end: end}
}

func (s *scriptedSession) ID() string { return s.id }

func (s *scriptedSession) Events() <-chan core.SessionEvent { return s.events }

func (s *scriptedSession) Wait(ctx context.Context) (core.SessionEvent, error) {
	if err := ctx.Err(); err != nil {
		return core.SessionEvent{}, err
	}
	return s.end, nil
}

func (s *scriptedSession) Close() error { return nil }

// MemoryEventLog is an in-memory core.EventLog for tests.
type MemoryEventLog struct {
	mu     sync.Mutex
	seq    int64
	events []core.Event
	last   time.Time
}

// NewMemoryEventLog returns an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

func (m *MemoryEventLog) Append(kind core.EventKind, payload map[string]interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.last = time.Now()
	m.events = append(m.events, core.Event{
		Sequence: m.seq,
		TS:       m.last,
		Kind:     kind,
		Payload:  payload,
	})
	return m.seq, nil
}

func (m *MemoryEventLog) Read(fromSeq int64) ([]core.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Event
	for _, e := range m.events {
		if e.Sequence >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryEventLog) LastActivity() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *MemoryEventLog) Close() error { return nil }

// Kinds returns the kinds of all appended events in order.
func (m *MemoryEventLog) Kinds() []core.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.EventKind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

// MemoryRecorder is an in-memory core.RunRecorder for tests.
type MemoryRecorder struct {
	mu           sync.Mutex
	Admissions   []core.SpecID
	Completions  []core.SpecID
	Recoveries   []core.SpecID
	QAIterations []QAIterationRecord
}

// QAIterationRecord captures one RecordQAIteration call.
type QAIterationRecord struct {
	SpecID    core.SpecID
	Iteration int
	Approved  bool
}

func (m *MemoryRecorder) RecordAdmission(_ context.Context, specID core.SpecID, _ core.TaskKind, _ core.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Admissions = append(m.Admissions, specID)
	return nil
}

func (m *MemoryRecorder) RecordCompletion(_ context.Context, specID core.SpecID, _ core.TaskStatus, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Completions = append(m.Completions, specID)
	return nil
}

func (m *MemoryRecorder) RecordRecovery(_ context.Context, specID core.SpecID, _ string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Recoveries = append(m.Recoveries, specID)
	return nil
}

func (m *MemoryRecorder) RecordQAIteration(_ context.Context, specID core.SpecID, iteration int, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QAIterations = append(m.QAIterations, QAIterationRecord{SpecID: specID, Iteration: iteration, Approved: approved})
	return nil
}

func (m *MemoryRecorder) Close() error { return nil }

// QARecords returns a copy of the recorded QA iterations.
func (m *MemoryRecorder) QARecords() []QAIterationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QAIterationRecord, len(m.QAIterations))
	copy(out, m.QAIterations)
	return out
}

// Interface checks.
var (
	_ core.SessionLauncher = (*ScriptedLauncher)(nil)
	_ core.AgentSession    = (*scriptedSession)(nil)
	_ core.EventLog        = (*MemoryEventLog)(nil)
	_ core.RunRecorder     = (*MemoryRecorder)(nil)
)
