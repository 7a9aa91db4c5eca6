package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log, dir
}

func rawEventLine(t *testing.T, seq int64, kind core.EventKind) []byte {
	t.Helper()
	line, err := core.Event{Sequence: seq, TS: time.Now().UTC(), Kind: kind}.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine() error = %v", err)
	}
	return append(line, '\n')
}

func appendRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("opening log for raw append: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatalf("raw append: %v", err)
	}
}

func TestLog_SequencesStartAtOneAndAreDense(t *testing.T) {
	log, _ := openTestLog(t)

	for want := int64(1); want <= 3; want++ {
		seq, err := log.Append(core.EventSubtaskUpdated, map[string]interface{}{"subtask": "1.1"})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if seq != want {
			t.Errorf("Append() sequence = %d, want %d", seq, want)
		}
	}

	events, err := log.Read(1)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Read() returned %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("event %d has sequence %d, want %d", i, ev.Sequence, i+1)
		}
	}
}

func TestLog_ReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := log.Append(core.EventSessionStart, nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	seq, err := reopened.Append(core.EventSessionEnd, nil)
	if err != nil {
		t.Fatalf("Append() after reopen error = %v", err)
	}
	if seq != 3 {
		t.Errorf("Append() after reopen sequence = %d, want 3", seq)
	}
}

func TestLog_ReadFromSequence(t *testing.T) {
	log, _ := openTestLog(t)

	for i := 0; i < 5; i++ {
		if _, err := log.Append(core.EventStageStarted, map[string]interface{}{"stage": i}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	events, err := log.Read(3)
	if err != nil {
		t.Fatalf("Read(3) error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Read(3) returned %d events, want 3", len(events))
	}
	if events[0].Sequence != 3 || events[2].Sequence != 5 {
		t.Errorf("Read(3) sequences = %d..%d, want 3..5", events[0].Sequence, events[2].Sequence)
	}
}

func TestLog_EmptyLogReadsEmpty(t *testing.T) {
	log, _ := openTestLog(t)

	events, err := log.Read(1)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Read() returned %d events, want 0", len(events))
	}
}

func TestLog_PayloadRoundTrip(t *testing.T) {
	log, _ := openTestLog(t)

	payload := map[string]interface{}{
		"stage":     "coding",
		"iteration": float64(2),
	}
	if _, err := log.Append(core.EventStageCompleted, payload); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events, err := log.Read(1)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Read() returned %d events, want 1", len(events))
	}
	got := events[0]
	if got.Kind != core.EventStageCompleted {
		t.Errorf("kind = %s, want %s", got.Kind, core.EventStageCompleted)
	}
	if got.Payload["stage"] != "coding" {
		t.Errorf("payload stage = %v, want coding", got.Payload["stage"])
	}
	if got.Payload["iteration"] != float64(2) {
		t.Errorf("payload iteration = %v, want 2", got.Payload["iteration"])
	}
	if got.TS.IsZero() {
		t.Error("timestamp should not be zero")
	}
}

func TestLog_ReadToleratesTruncatedTail(t *testing.T) {
	log, _ := openTestLog(t)

	for i := 0; i < 2; i++ {
		if _, err := log.Append(core.EventSubtaskUpdated, nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	// Simulate a writer dying mid-append.
	appendRaw(t, log.Path(), []byte(`{"sequence":3,"ts":"2026-01-`))

	events, err := log.Read(1)
	if err != nil {
		t.Fatalf("Read() should tolerate a truncated tail, got error %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Read() returned %d events, want 2", len(events))
	}
}

func TestLog_ReadRejectsInteriorCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, core.EventLogFileName)

	appendRaw(t, path, rawEventLine(t, 1, core.EventSessionStart))
	appendRaw(t, path, []byte("?????\n"))
	appendRaw(t, path, rawEventLine(t, 2, core.EventSessionEnd))

	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer log.Close()

	_, err = log.Read(1)
	if err == nil {
		t.Fatal("Read() should fail on corruption followed by more lines")
	}
	if !strings.Contains(err.Error(), "corrupt") {
		t.Errorf("Read() error = %v, want corrupt line error", err)
	}
}

func TestLog_OpenTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, core.EventLogFileName)

	appendRaw(t, path, rawEventLine(t, 1, core.EventSessionStart))
	appendRaw(t, path, []byte(`{"sequence":2,"ts":"20`))

	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer log.Close()

	seq, err := log.Append(core.EventSessionEnd, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if seq != 2 {
		t.Errorf("Append() sequence = %d, want 2 (torn line was never acknowledged)", seq)
	}

	events, err := log.Read(1)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Read() returned %d events, want 2", len(events))
	}
	if events[1].Kind != core.EventSessionEnd {
		t.Errorf("second event kind = %s, want %s", events[1].Kind, core.EventSessionEnd)
	}
}

func TestLog_ExternalAppendAdvancesSequence(t *testing.T) {
	log, _ := openTestLog(t)

	if _, err := log.Append(core.EventSessionStart, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Another process (a child agent) appends directly.
	appendRaw(t, log.Path(), rawEventLine(t, 7, core.EventSubtaskUpdated))

	seq, err := log.Append(core.EventSessionEnd, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if seq != 8 {
		t.Errorf("Append() sequence = %d, want 8 after external writer reached 7", seq)
	}
}

func TestLog_LastActivity(t *testing.T) {
	log, _ := openTestLog(t)

	before := time.Now().Add(-time.Minute)
	if _, err := log.Append(core.EventQAStarted, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	at, err := log.LastActivity()
	if err != nil {
		t.Fatalf("LastActivity() error = %v", err)
	}
	if at.Before(before) {
		t.Errorf("LastActivity() = %v, want recent", at)
	}
}

func TestLog_AppendAfterCloseFails(t *testing.T) {
	log, _ := openTestLog(t)

	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := log.Append(core.EventSessionStart, nil); err == nil {
		t.Error("Append() after Close should fail")
	}
}

func TestOpener_OpensSpecDirJournal(t *testing.T) {
	dir := t.TempDir()

	eventLog, err := Opener{}.Open(dir)
	if err != nil {
		t.Fatalf("Opener.Open() error = %v", err)
	}
	defer eventLog.Close()

	if _, err := eventLog.Append(core.EventSessionStart, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, core.EventLogFileName)); err != nil {
		t.Errorf("journal file should exist: %v", err)
	}
}
