// Package runstore persists the daemon's run history in SQLite: one row
// per admitted task run plus recovery and QA-iteration journals, queried
// by `auto-claude status --history`. Recording failures are the caller's
// to log; nothing here is on a task's critical path.
package runstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/auto-claude/auto-claude/internal/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store records run history. It implements core.RunRecorder.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the run-history database at path, applying
// pragmas and pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating run store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	// modernc's driver serializes through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	stmts := []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			// WAL is unavailable on some filesystems; rollback journaling
			// still works there.
			if stmt == "PRAGMA journal_mode=WAL;" {
				continue
			}
			return fmt.Errorf("applying pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying run store migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordAdmission opens a run row for the task.
func (s *Store) RecordAdmission(ctx context.Context, specID core.SpecID, kind core.TaskKind, priority core.Priority) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (spec_id, kind, priority, status, admitted_at)
		VALUES (?, ?, ?, 'running', ?)`,
		string(specID), string(kind), int(priority), now())
	if err != nil {
		return fmt.Errorf("recording admission of %s: %w", specID, err)
	}
	return nil
}

// RecordCompletion closes the task's newest open run row. A completion
// with no open row (daemon restarted mid-run) inserts a bare one so the
// history still shows the outcome.
func (s *Store) RecordCompletion(ctx context.Context, specID core.SpecID, status core.TaskStatus, duration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, duration_ms = ?
		WHERE id = (
			SELECT id FROM runs
			WHERE spec_id = ? AND completed_at IS NULL
			ORDER BY id DESC LIMIT 1
		)`,
		string(status), now(), duration.Milliseconds(), string(specID))
	if err != nil {
		return fmt.Errorf("recording completion of %s: %w", specID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording completion of %s: %w", specID, err)
	}
	if affected == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO runs (spec_id, kind, priority, status, admitted_at, completed_at, duration_ms)
			VALUES (?, '', ?, ?, ?, ?, ?)`,
			string(specID), int(core.PriorityNormal), string(status), now(), now(), duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("recording orphan completion of %s: %w", specID, err)
		}
	}
	return nil
}

// RecordRecovery journals one stuck-task recovery.
func (s *Store) RecordRecovery(ctx context.Context, specID core.SpecID, reason string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recoveries (spec_id, reason, count, occurred_at)
		VALUES (?, ?, ?, ?)`,
		string(specID), reason, count, now())
	if err != nil {
		return fmt.Errorf("recording recovery of %s: %w", specID, err)
	}
	return nil
}

// RecordQAIteration journals one review-loop iteration verdict.
func (s *Store) RecordQAIteration(ctx context.Context, specID core.SpecID, iteration int, approved bool) error {
	approvedInt := 0
	if approved {
		approvedInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_iterations (spec_id, iteration, approved, occurred_at)
		VALUES (?, ?, ?, ?)`,
		string(specID), iteration, approvedInt, now())
	if err != nil {
		return fmt.Errorf("recording qa iteration of %s: %w", specID, err)
	}
	return nil
}

// RunSummary is one run row with its per-spec journal counts. Status is
// the recorded terminal status, or "running" while the row is open.
type RunSummary struct {
	SpecID       core.SpecID
	Kind         core.TaskKind
	Priority     core.Priority
	Status       string
	AdmittedAt   time.Time
	CompletedAt  *time.Time
	Duration     time.Duration
	Recoveries   int
	QAIterations int
	QAApproved   int
}

// History returns the newest runs first, up to limit (<=0 means 50).
func (s *Store) History(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.spec_id, r.kind, r.priority, r.status, r.admitted_at,
		       r.completed_at, r.duration_ms,
		       (SELECT COUNT(*) FROM recoveries v WHERE v.spec_id = r.spec_id),
		       (SELECT COUNT(*) FROM qa_iterations q WHERE q.spec_id = r.spec_id),
		       (SELECT COUNT(*) FROM qa_iterations q WHERE q.spec_id = r.spec_id AND q.approved = 1)
		FROM runs r
		ORDER BY r.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			summary     RunSummary
			specID      string
			kind        string
			priority    int
			admittedAt  string
			completedAt sql.NullString
			durationMs  sql.NullInt64
		)
		if err := rows.Scan(&specID, &kind, &priority, &summary.Status, &admittedAt,
			&completedAt, &durationMs,
			&summary.Recoveries, &summary.QAIterations, &summary.QAApproved); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		summary.SpecID = core.SpecID(specID)
		summary.Kind = core.TaskKind(kind)
		summary.Priority = core.Priority(priority)
		summary.AdmittedAt = parseTime(admittedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			summary.CompletedAt = &t
		}
		if durationMs.Valid {
			summary.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run history: %w", err)
	}
	return out, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ core.RunRecorder = (*Store)(nil)
