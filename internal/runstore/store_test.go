package runstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "daemon_runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMigratesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon_runs.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.RecordAdmission(context.Background(), "001-demo", core.KindImpl, core.PriorityNormal); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	// Reopening replays no migrations and keeps the data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	history, err := s2.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].SpecID != "001-demo" {
		t.Fatalf("history after reopen = %+v", history)
	}
}

func TestAdmissionAndCompletionLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.RecordAdmission(ctx, "001-demo", core.KindImpl, core.PriorityHigh); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}

	history, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	open := history[0]
	if open.Status != "running" {
		t.Errorf("open run status = %q, want running", open.Status)
	}
	if open.CompletedAt != nil {
		t.Errorf("open run has a completion time: %v", open.CompletedAt)
	}
	if open.Kind != core.KindImpl || open.Priority != core.PriorityHigh {
		t.Errorf("run row = %+v, want kind impl priority high", open)
	}
	if open.AdmittedAt.IsZero() {
		t.Error("admitted time not recorded")
	}

	if err := s.RecordCompletion(ctx, "001-demo", core.StatusMerged, 90*time.Second); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	history, err = s.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	done := history[0]
	if done.Status != string(core.StatusMerged) {
		t.Errorf("status = %q, want merged", done.Status)
	}
	if done.CompletedAt == nil {
		t.Error("completion time not recorded")
	}
	if done.Duration != 90*time.Second {
		t.Errorf("duration = %v, want 90s", done.Duration)
	}
}

func TestCompletionClosesNewestOpenRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// Two admissions of the same spec: a re-queue after recovery.
	if err := s.RecordAdmission(ctx, "001-demo", core.KindImpl, core.PriorityNormal); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}
	if err := s.RecordAdmission(ctx, "001-demo", core.KindImpl, core.PriorityNormal); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}
	if err := s.RecordCompletion(ctx, "001-demo", core.StatusDone, time.Second); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	history, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Status != string(core.StatusDone) {
		t.Errorf("newest run status = %q, want done", history[0].Status)
	}
	if history[1].Status != "running" {
		t.Errorf("older run status = %q, want still running", history[1].Status)
	}
}

func TestOrphanCompletionInsertsRow(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.RecordCompletion(ctx, "007-orphan", core.StatusError, 5*time.Second); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	history, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].SpecID != "007-orphan" || history[0].Status != string(core.StatusError) {
		t.Fatalf("orphan row = %+v", history[0])
	}
	if history[0].CompletedAt == nil {
		t.Error("orphan completion has no completion time")
	}
}

func TestHistoryCountsJournals(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.RecordAdmission(ctx, "001-demo", core.KindImpl, core.PriorityNormal); err != nil {
		t.Fatalf("RecordAdmission: %v", err)
	}
	for i, reason := range []string{"no heartbeat", "no heartbeat"} {
		if err := s.RecordRecovery(ctx, "001-demo", reason, i+1); err != nil {
			t.Fatalf("RecordRecovery: %v", err)
		}
	}
	for i, approved := range []bool{false, false, true} {
		if err := s.RecordQAIteration(ctx, "001-demo", i+1, approved); err != nil {
			t.Fatalf("RecordQAIteration: %v", err)
		}
	}

	history, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	row := history[0]
	if row.Recoveries != 2 {
		t.Errorf("recoveries = %d, want 2", row.Recoveries)
	}
	if row.QAIterations != 3 {
		t.Errorf("qa iterations = %d, want 3", row.QAIterations)
	}
	if row.QAApproved != 1 {
		t.Errorf("qa approved = %d, want 1", row.QAApproved)
	}
}

func TestHistoryOrdersNewestFirstAndLimits(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, id := range []core.SpecID{"001-first", "002-second", "003-third"} {
		if err := s.RecordAdmission(ctx, id, core.KindImpl, core.PriorityNormal); err != nil {
			t.Fatalf("RecordAdmission(%s): %v", id, err)
		}
	}

	history, err := s.History(ctx, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].SpecID != "003-third" || history[1].SpecID != "002-second" {
		t.Fatalf("history order = [%s %s], want newest first",
			history[0].SpecID, history[1].SpecID)
	}
}
