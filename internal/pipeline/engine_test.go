package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
	"github.com/auto-claude/auto-claude/internal/testutil"
)

func engineContext(events core.EventLog) *StageContext {
	return &StageContext{
		SpecID: "001-engine-test",
		Events: events,
		Logger: logging.NewNop(),
	}
}

// recorder tracks the order stage actions actually ran in.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) stage(name string, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Action: func(context.Context, *StageContext) (Result, error) {
			r.mu.Lock()
			r.order = append(r.order, name)
			r.mu.Unlock()
			return Result{OK: true}, nil
		},
	}
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func TestEngineRunsStagesInDependencyOrder(t *testing.T) {
	rec := &recorder{}
	events := testutil.NewMemoryEventLog()
	sc := engineContext(events)

	out, err := NewEngine(nil).Run(context.Background(), []Stage{
		rec.stage("merge", "qa"),
		rec.stage("qa", "build"),
		rec.stage("build"),
	}, sc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}

	want := []string{"build", "qa", "merge"}
	if got := rec.ran(); !reflect.DeepEqual(got, want) {
		t.Fatalf("execution order = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(out.Completed, want) {
		t.Fatalf("completed = %v, want %v", out.Completed, want)
	}

	kinds := events.Kinds()
	wantKinds := []core.EventKind{
		core.EventStageStarted, core.EventStageCompleted,
		core.EventStageStarted, core.EventStageCompleted,
		core.EventStageStarted, core.EventStageCompleted,
	}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Fatalf("event kinds = %v, want %v", kinds, wantKinds)
	}
}

func TestEngineParallelGroupOverlaps(t *testing.T) {
	type span struct{ start, end time.Time }
	var mu sync.Mutex
	spans := make(map[string]span)

	timed := func(name string) Stage {
		return Stage{
			Name:          name,
			ParallelGroup: "checks",
			Action: func(context.Context, *StageContext) (Result, error) {
				s := span{start: time.Now()}
				time.Sleep(50 * time.Millisecond)
				s.end = time.Now()
				mu.Lock()
				spans[name] = s
				mu.Unlock()
				return Result{OK: true}, nil
			},
		}
	}

	out, err := NewEngine(nil).Run(context.Background(), []Stage{
		timed("lint"), timed("test"),
	}, engineContext(nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK || len(out.Completed) != 2 {
		t.Fatalf("expected both stages completed, got %+v", out)
	}

	lint, test := spans["lint"], spans["test"]
	if !lint.start.Before(test.end) || !test.start.Before(lint.end) {
		t.Fatalf("stages did not overlap: lint %v..%v, test %v..%v",
			lint.start, lint.end, test.start, test.end)
	}
}

func TestEngineUngroupedLevelRunsSequentially(t *testing.T) {
	rec := &recorder{}

	out, err := NewEngine(nil).Run(context.Background(), []Stage{
		rec.stage("first"),
		rec.stage("second"),
	}, engineContext(nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}
	if want := []string{"first", "second"}; !reflect.DeepEqual(rec.ran(), want) {
		t.Fatalf("execution order = %v, want %v", rec.ran(), want)
	}
}

func TestEngineConditionSkipsStage(t *testing.T) {
	rec := &recorder{}
	events := testutil.NewMemoryEventLog()
	sc := engineContext(events)

	qa := rec.stage("qa", "build")
	qa.Condition = func(*StageContext) bool { return false }

	out, err := NewEngine(nil).Run(context.Background(), []Stage{
		rec.stage("build"),
		qa,
		rec.stage("merge", "build", "qa"),
	}, sc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}

	if want := []string{"build", "merge"}; !reflect.DeepEqual(rec.ran(), want) {
		t.Fatalf("execution order = %v, want %v", rec.ran(), want)
	}
	if want := []string{"qa"}; !reflect.DeepEqual(out.Skipped, want) {
		t.Fatalf("skipped = %v, want %v", out.Skipped, want)
	}

	evs, _ := events.Read(0)
	var skippedPayload bool
	for _, e := range evs {
		if e.Kind == core.EventStageCompleted && e.Payload["stage"] == "qa" {
			skippedPayload = e.Payload["status"] == "skipped"
		}
	}
	if !skippedPayload {
		t.Fatal("expected a skipped STAGE_COMPLETED event for qa")
	}
}

func TestEngineSemanticFailureStopsScheduling(t *testing.T) {
	rec := &recorder{}

	failing := Stage{
		Name: "qa",
		Action: func(context.Context, *StageContext) (Result, error) {
			return Result{OK: false, Details: map[string]interface{}{"signoff": "needs_attention"}}, nil
		},
	}

	sc := engineContext(nil)
	out, err := NewEngine(nil).Run(context.Background(), []Stage{
		failing,
		rec.stage("merge", "qa"),
	}, sc)
	if err != nil {
		t.Fatalf("semantic failure must not be an error, got %v", err)
	}
	if out.OK {
		t.Fatal("expected OK false")
	}
	if out.FailedStage != "qa" {
		t.Fatalf("failed stage = %q, want qa", out.FailedStage)
	}
	if len(rec.ran()) != 0 {
		t.Fatalf("dependent stage ran after failure: %v", rec.ran())
	}
	if res, ok := sc.StageResult("qa"); !ok || res.OK {
		t.Fatalf("failed stage result not recorded: %+v ok=%v", res, ok)
	}
}

func TestEngineErrorPropagates(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("stage exploded")

	out, err := NewEngine(nil).Run(context.Background(), []Stage{
		{Name: "build", Action: func(context.Context, *StageContext) (Result, error) {
			return Result{}, boom
		}},
		rec.stage("qa", "build"),
	}, engineContext(nil))
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if out.FailedStage != "build" {
		t.Fatalf("failed stage = %q, want build", out.FailedStage)
	}
	if len(rec.ran()) != 0 {
		t.Fatalf("dependent stage ran after error: %v", rec.ran())
	}
}

func TestEngineRetriesTransientFailure(t *testing.T) {
	events := testutil.NewMemoryEventLog()
	sc := engineContext(events)

	attempts := 0
	flaky := Stage{
		Name:  "build",
		Retry: RetrySpec{Max: 3, BackoffMs: 1},
		Action: func(context.Context, *StageContext) (Result, error) {
			attempts++
			if attempts == 1 {
				return Result{}, core.ErrAgentTransient("first attempt lost")
			}
			return Result{OK: true}, nil
		},
	}

	out, err := NewEngine(nil).Run(context.Background(), []Stage{flaky}, sc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}

	var retried bool
	for _, kind := range events.Kinds() {
		if kind == core.EventStageRetried {
			retried = true
		}
	}
	if !retried {
		t.Fatal("expected a STAGE_RETRIED event")
	}
}

func TestEnginePersistentFailureIsNotRetried(t *testing.T) {
	attempts := 0
	hopeless := Stage{
		Name:  "build",
		Retry: RetrySpec{Max: 3, BackoffMs: 1},
		Action: func(context.Context, *StageContext) (Result, error) {
			attempts++
			return Result{}, core.ErrAgentPersistent("configuration rejected")
		},
	}

	out, err := NewEngine(nil).Run(context.Background(), []Stage{hopeless}, engineContext(nil))
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if out.FailedStage != "build" {
		t.Fatalf("failed stage = %q, want build", out.FailedStage)
	}
}

func TestEngineCancelledContextStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	_, err := NewEngine(nil).Run(ctx, []Stage{rec.stage("build")}, engineContext(nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(rec.ran()) != 0 {
		t.Fatalf("stages ran under a cancelled context: %v", rec.ran())
	}
}

func TestEngineStageResultVisibleDownstream(t *testing.T) {
	var seen Result
	stages := []Stage{
		{Name: "probe", Action: func(context.Context, *StageContext) (Result, error) {
			return Result{OK: true, Details: map[string]interface{}{"port": 8080}}, nil
		}},
		{Name: "use", DependsOn: []string{"probe"}, Action: func(_ context.Context, sc *StageContext) (Result, error) {
			res, ok := sc.StageResult("probe")
			if !ok {
				t.Error("probe result missing downstream")
			}
			seen = res
			return Result{OK: true}, nil
		}},
	}

	if _, err := NewEngine(nil).Run(context.Background(), stages, engineContext(nil)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen.Details["port"] != 8080 {
		t.Fatalf("downstream saw %+v", seen)
	}
}
