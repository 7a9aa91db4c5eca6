package pipeline

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
	"github.com/auto-claude/auto-claude/internal/plan"
	"github.com/auto-claude/auto-claude/internal/qa"
	"github.com/auto-claude/auto-claude/internal/registry"
	"github.com/auto-claude/auto-claude/internal/settings"
	"github.com/auto-claude/auto-claude/internal/testutil"
)

const testSpecID = core.SpecID("001-demo")

type fakeMerger struct {
	mu           sync.Mutex
	calls        []string
	mergeBackErr error
	ffErr        error
	concludeErr  error
}

func (m *fakeMerger) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *fakeMerger) MergeBack(context.Context, core.SpecID) error {
	m.record("merge_back")
	return m.mergeBackErr
}

func (m *fakeMerger) FastForward(context.Context, core.SpecID) error {
	m.record("fast_forward")
	return m.ffErr
}

func (m *fakeMerger) ConcludeMerge(context.Context, core.SpecID) error {
	m.record("conclude")
	return m.concludeErr
}

func (m *fakeMerger) AbortMerge(context.Context) error {
	m.record("abort")
	return nil
}

func (m *fakeMerger) callNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

type fakeQA struct {
	mu   sync.Mutex
	out  qa.Outcome
	err  error
	runs []qa.LoopContext
}

func (f *fakeQA) Run(_ context.Context, lc qa.LoopContext) (qa.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, lc)
	return f.out, f.err
}

func (f *fakeQA) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type runnerFixture struct {
	t          *testing.T
	projectDir string
	specsDir   string
	specDir    string
	workDir    string
	store      *plan.Store
	launcher   *testutil.ScriptedLauncher
	events     *testutil.MemoryEventLog
	merger     *fakeMerger
	review     *fakeQA
	runner     *Runner
}

func newRunnerFixture(t *testing.T, p *core.Plan) *runnerFixture {
	t.Helper()

	projectDir := t.TempDir()
	specsDir := filepath.Join(projectDir, core.PrivateDirName, core.SpecsDirName)
	specDir := testutil.ScaffoldSpecDir(t, specsDir, string(testSpecID))

	store, err := plan.NewStore(specsDir)
	if err != nil {
		t.Fatalf("creating plan store: %v", err)
	}
	if err := store.Save(testSpecID, p); err != nil {
		t.Fatalf("saving plan: %v", err)
	}

	f := &runnerFixture{
		t:          t,
		projectDir: projectDir,
		specsDir:   specsDir,
		specDir:    specDir,
		workDir:    t.TempDir(),
		store:      store,
		launcher:   testutil.NewScriptedLauncher(),
		events:     testutil.NewMemoryEventLog(),
		merger:     &fakeMerger{},
		review:     &fakeQA{out: qa.Outcome{Approved: true, Iterations: 1, Signoff: core.SignoffApproved}},
	}

	reg := registry.NewBuiltin()
	cfg := &config.Config{}
	f.runner = NewRunner(Deps{
		Launcher: f.launcher,
		Plans:    store,
		Registry: reg,
		Settings: settings.NewResolver(cfg, reg),
		Merger:   f.merger,
		QA:       f.review,
		Logger:   logging.NewNop(),
	}, cfg)
	return f
}

func (f *runnerFixture) taskRun() TaskRun {
	return TaskRun{
		SpecID:     testSpecID,
		WorkingDir: f.workDir,
		SpecDir:    f.specDir,
		ProjectDir: f.projectDir,
		Events:     f.events,
	}
}

func (f *runnerFixture) loadPlan() *core.Plan {
	f.t.Helper()
	p, err := f.store.Load(testSpecID)
	if err != nil {
		f.t.Fatalf("loading plan: %v", err)
	}
	return p
}

func (f *runnerFixture) launchedAgents() []string {
	launches := f.launcher.Launches()
	out := make([]string, len(launches))
	for i, spec := range launches {
		out[i] = spec.Agent.Name
	}
	return out
}

// completeSubtask returns an OnLaunch hook that marks one subtask done,
// the way a coding session would through the plan tool.
func (f *runnerFixture) completeSubtask(id string) func(core.SessionSpec) {
	return func(core.SessionSpec) {
		if _, err := f.store.Mutate(testSpecID, func(p *core.Plan) error {
			for i := range p.Phases {
				for j := range p.Phases[i].Subtasks {
					if p.Phases[i].Subtasks[j].ID == id {
						p.Phases[i].Subtasks[j].Status = core.SubtaskCompleted
					}
				}
			}
			return nil
		}); err != nil {
			f.t.Errorf("completing subtask %s: %v", id, err)
		}
	}
}

func TestPipelineForKind(t *testing.T) {
	cases := []struct {
		kind core.TaskKind
		want string
	}{
		{core.KindImpl, PipelineDefault},
		{core.KindFrontend, PipelineDefault},
		{core.KindVerify, PipelineDefault},
		{core.KindDesign, PipelineDesign},
		{core.KindArchitecture, PipelineDesign},
		{core.KindMCTS, PipelineMCTS},
	}
	for _, tc := range cases {
		if got := PipelineForKind(tc.kind); got != tc.want {
			t.Errorf("PipelineForKind(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}
}

func TestStagesSelection(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan())

	cases := []struct {
		pipeline string
		want     []string
	}{
		{PipelineDefault, []string{StageBuild, StageQA, StageMerge}},
		{PipelineDesign, []string{StageDecompose}},
		{PipelineQAOnly, []string{StageQA}},
		{PipelineMCTS, []string{StageMCTSSearch, StageMergeBest}},
	}
	for _, tc := range cases {
		stages, err := f.runner.Stages(tc.pipeline)
		if err != nil {
			t.Fatalf("Stages(%s): %v", tc.pipeline, err)
		}
		names := make([]string, len(stages))
		for i, st := range stages {
			names[i] = st.Name
		}
		if !reflect.DeepEqual(names, tc.want) {
			t.Errorf("Stages(%s) = %v, want %v", tc.pipeline, names, tc.want)
		}
	}

	if _, err := f.runner.Stages("bespoke"); err == nil {
		t.Fatal("expected an error for an unknown pipeline")
	}
}

func TestRunMergesCompletedPlan(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan())

	out, err := f.runner.Run(context.Background(), f.taskRun())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}
	if want := []string{StageBuild, StageQA, StageMerge}; !reflect.DeepEqual(out.Completed, want) {
		t.Fatalf("completed = %v, want %v", out.Completed, want)
	}

	// Every subtask was already done, so no coding session launches.
	if n := len(f.launcher.Launches()); n != 0 {
		t.Fatalf("launches = %d, want 0", n)
	}
	if f.review.runCount() != 1 {
		t.Fatalf("qa runs = %d, want 1", f.review.runCount())
	}
	if want := []string{"merge_back"}; !reflect.DeepEqual(f.merger.callNames(), want) {
		t.Fatalf("merger calls = %v, want %v", f.merger.callNames(), want)
	}

	p := f.loadPlan()
	if p.Status != core.StatusMerged || p.ExecutionPhase != core.PhaseComplete {
		t.Fatalf("plan = %s/%s, want merged/complete", p.Status, p.ExecutionPhase)
	}
}

func TestRunPassesTaskScopeToQALoop(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan())

	if _, err := f.runner.Run(context.Background(), f.taskRun()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lc := f.review.runs[0]
	if lc.SpecID != testSpecID {
		t.Errorf("qa spec = %s, want %s", lc.SpecID, testSpecID)
	}
	if lc.WorkingDir != f.workDir {
		t.Errorf("qa working dir = %s, want %s", lc.WorkingDir, f.workDir)
	}
	if lc.ProjectDir != f.projectDir {
		t.Errorf("qa project dir = %s, want %s", lc.ProjectDir, f.projectDir)
	}
}

func TestRunPlansAndCodesFromScratch(t *testing.T) {
	f := newRunnerFixture(t, core.NewPlan(core.KindImpl, core.PriorityNormal, "", nil))

	f.launcher.Enqueue(
		testutil.ScriptedTurn{OnLaunch: func(core.SessionSpec) {
			if _, err := f.store.Mutate(testSpecID, func(p *core.Plan) error {
				p.Phases = []core.PlanPhase{{
					Name: "implementation",
					Subtasks: []core.Subtask{
						{ID: "1", Description: "wire the endpoint", Status: core.SubtaskPending},
						{ID: "2", Description: "cover it with tests", Status: core.SubtaskPending},
					},
				}}
				return nil
			}); err != nil {
				t.Errorf("recording plan: %v", err)
			}
		}},
		testutil.ScriptedTurn{OnLaunch: f.completeSubtask("1")},
		testutil.ScriptedTurn{OnLaunch: f.completeSubtask("2")},
	)

	out, err := f.runner.Run(context.Background(), f.taskRun())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}

	want := []string{string(core.KindPlanning), string(core.KindImpl), string(core.KindImpl)}
	if got := f.launchedAgents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("agents = %v, want %v", got, want)
	}

	launches := f.launcher.Launches()
	if !strings.Contains(launches[1].Prompt, "0 of 2 subtasks completed") {
		t.Errorf("first coder prompt missing progress: %q", launches[1].Prompt)
	}
	if !strings.Contains(launches[1].Prompt, "wire the endpoint") {
		t.Errorf("first coder prompt missing next subtask: %q", launches[1].Prompt)
	}
	if !strings.Contains(launches[2].Prompt, "1 of 2 subtasks completed") {
		t.Errorf("second coder prompt missing progress: %q", launches[2].Prompt)
	}
	for _, spec := range launches {
		if spec.WorkingDir != f.workDir {
			t.Errorf("agent %s ran in %s, want worktree %s", spec.Agent.Name, spec.WorkingDir, f.workDir)
		}
	}

	var phaseCompleted bool
	for _, kind := range f.events.Kinds() {
		if kind == core.EventPhaseCompleted {
			phaseCompleted = true
		}
	}
	if !phaseCompleted {
		t.Error("expected a PHASE_COMPLETED event")
	}

	p := f.loadPlan()
	if p.Status != core.StatusMerged {
		t.Fatalf("plan status = %s, want merged", p.Status)
	}
}

func TestRunSkipQABypassesReview(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan())

	tr := f.taskRun()
	tr.SkipQA = true
	out, err := f.runner.Run(context.Background(), tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}
	if f.review.runCount() != 0 {
		t.Fatalf("qa ran despite skip flag")
	}
	if want := []string{StageQA}; !reflect.DeepEqual(out.Skipped, want) {
		t.Fatalf("skipped = %v, want %v", out.Skipped, want)
	}
	if p := f.loadPlan(); p.Status != core.StatusMerged {
		t.Fatalf("plan status = %s, want merged", p.Status)
	}
}

func TestRunQARejectionStopsBeforeMerge(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan())
	f.review.out = qa.Outcome{Approved: false, Iterations: 3, Signoff: core.SignoffNeedsAttention}

	out, err := f.runner.Run(context.Background(), f.taskRun())
	if err != nil {
		t.Fatalf("rejection must not be an error, got %v", err)
	}
	if out.OK {
		t.Fatal("expected OK false")
	}
	if out.FailedStage != StageQA {
		t.Fatalf("failed stage = %q, want %s", out.FailedStage, StageQA)
	}
	if calls := f.merger.callNames(); len(calls) != 0 {
		t.Fatalf("merge ran after rejection: %v", calls)
	}
}

func TestRunSingleTurnKind(t *testing.T) {
	f := newRunnerFixture(t, core.NewPlan(core.KindVerify, core.PriorityHigh, "", nil))
	f.launcher.Enqueue(testutil.ScriptedTurn{Texts: []string{"all checks green"}})

	out, err := f.runner.Run(context.Background(), f.taskRun())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}

	if want := []string{string(core.KindVerify)}; !reflect.DeepEqual(f.launchedAgents(), want) {
		t.Fatalf("agents = %v, want %v", f.launchedAgents(), want)
	}
	if f.review.runCount() != 0 {
		t.Fatal("qa ran for a single-turn kind")
	}
	if calls := f.merger.callNames(); len(calls) != 0 {
		t.Fatalf("merge ran for a single-turn kind: %v", calls)
	}
	if want := []string{StageQA, StageMerge}; !reflect.DeepEqual(out.Skipped, want) {
		t.Fatalf("skipped = %v, want %v", out.Skipped, want)
	}

	p := f.loadPlan()
	if p.Status != core.StatusDone || p.ExecutionPhase != core.PhaseComplete {
		t.Fatalf("plan = %s/%s, want done/complete", p.Status, p.ExecutionPhase)
	}
}

func TestRunSingleTurnSessionErrorFails(t *testing.T) {
	f := newRunnerFixture(t, core.NewPlan(core.KindVerify, core.PriorityNormal, "", nil))
	f.launcher.Enqueue(testutil.ScriptedTurn{
		End: core.SessionEvent{Type: core.SessionEventEnd, Status: core.SessionError, ErrorText: "verifier crashed"},
	})

	_, err := f.runner.Run(context.Background(), f.taskRun())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "verifier crashed") {
		t.Fatalf("error = %v, want the session detail", err)
	}

	p := f.loadPlan()
	if p.Status != core.StatusError {
		t.Fatalf("plan status = %s, want error", p.Status)
	}
	if len(p.Errors) == 0 || p.Errors[len(p.Errors)-1].Kind != "pipeline" {
		t.Fatalf("expected a pipeline error record, got %+v", p.Errors)
	}
}

func TestRunBuildStallEscalates(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan(func(p *core.Plan) {
		p.Phases[0].Subtasks = []core.Subtask{
			{ID: "1", Description: "wire the endpoint", Status: core.SubtaskPending},
		}
	}))
	// Two sessions that complete nothing burn the stall budget.
	f.launcher.Enqueue(testutil.ScriptedTurn{}, testutil.ScriptedTurn{})

	_, err := f.runner.Run(context.Background(), f.taskRun())
	if err == nil {
		t.Fatal("expected a stall error")
	}
	if !strings.Contains(err.Error(), "no subtask progress") {
		t.Fatalf("error = %v, want a stall diagnostic", err)
	}
	if n := len(f.launcher.Launches()); n != maxStalledTurns {
		t.Fatalf("launches = %d, want %d", n, maxStalledTurns)
	}
	if p := f.loadPlan(); p.Status != core.StatusError {
		t.Fatalf("plan status = %s, want error", p.Status)
	}
}

func TestRunPlannerWithoutPlanFails(t *testing.T) {
	f := newRunnerFixture(t, core.NewPlan(core.KindImpl, core.PriorityNormal, "", nil))
	// The planning session ends clean but records no phases.
	f.launcher.Enqueue(testutil.ScriptedTurn{})

	_, err := f.runner.Run(context.Background(), f.taskRun())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "no implementation plan") {
		t.Fatalf("error = %v, want the planner diagnostic", err)
	}
	if p := f.loadPlan(); p.Status != core.StatusError {
		t.Fatalf("plan status = %s, want error", p.Status)
	}
}

func TestRunMergeConflictResolvedByAgent(t *testing.T) {
	conflicted := []string{"internal/app.go", "internal/app_test.go"}
	f := newRunnerFixture(t, testutil.CompletedPlan())
	f.merger.mergeBackErr = core.ErrMergeConflict(testSpecID, conflicted)
	f.launcher.Enqueue(testutil.ScriptedTurn{Texts: []string{"kept both sides"}})

	out, err := f.runner.Run(context.Background(), f.taskRun())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}

	if want := []string{core.AgentMergeResolver}; !reflect.DeepEqual(f.launchedAgents(), want) {
		t.Fatalf("agents = %v, want %v", f.launchedAgents(), want)
	}
	resolver := f.launcher.Launches()[0]
	if resolver.WorkingDir != f.projectDir {
		t.Errorf("resolver ran in %s, want main repository %s", resolver.WorkingDir, f.projectDir)
	}
	for _, path := range conflicted {
		if !strings.Contains(resolver.Prompt, path) {
			t.Errorf("resolver prompt missing %s", path)
		}
	}

	if want := []string{"merge_back", "conclude"}; !reflect.DeepEqual(f.merger.callNames(), want) {
		t.Fatalf("merger calls = %v, want %v", f.merger.callNames(), want)
	}
	if p := f.loadPlan(); p.Status != core.StatusMerged {
		t.Fatalf("plan status = %s, want merged", p.Status)
	}

	var conflictEvent bool
	evs, _ := f.events.Read(0)
	for _, e := range evs {
		if e.Kind == core.EventTask && e.Payload["event"] == core.TaskEventMergeConflict {
			conflictEvent = true
		}
	}
	if !conflictEvent {
		t.Error("expected a MERGE_CONFLICT task event")
	}
}

func TestRunMergeConflictUnresolvedParksTask(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan())
	f.merger.mergeBackErr = core.ErrMergeConflict(testSpecID, []string{"internal/app.go"})
	f.merger.concludeErr = core.ErrMergeConflict(testSpecID, []string{"internal/app.go"})
	f.launcher.Enqueue(testutil.ScriptedTurn{})

	out, err := f.runner.Run(context.Background(), f.taskRun())
	if err != nil {
		t.Fatalf("an unresolved conflict is semantic, got error %v", err)
	}
	if out.OK {
		t.Fatal("expected OK false")
	}
	if out.FailedStage != StageMerge {
		t.Fatalf("failed stage = %q, want %s", out.FailedStage, StageMerge)
	}

	if want := []string{"merge_back", "conclude", "abort"}; !reflect.DeepEqual(f.merger.callNames(), want) {
		t.Fatalf("merger calls = %v, want %v", f.merger.callNames(), want)
	}

	p := f.loadPlan()
	if p.Status != core.StatusHumanReview || p.ExecutionPhase != core.PhaseComplete {
		t.Fatalf("plan = %s/%s, want human_review/complete", p.Status, p.ExecutionPhase)
	}
	if len(p.Errors) == 0 {
		t.Fatal("expected a merge error record")
	}
	last := p.Errors[len(p.Errors)-1]
	if last.Kind != "merge" || !strings.Contains(last.Detail, "internal/app.go") {
		t.Fatalf("error record = %+v, want merge with the conflicted path", last)
	}
}

func TestRunDesignPipelineCollectsChildren(t *testing.T) {
	f := newRunnerFixture(t, core.NewPlan(core.KindDesign, core.PriorityNormal, "", nil))

	f.launcher.Enqueue(testutil.ScriptedTurn{OnLaunch: func(core.SessionSpec) {
		child := core.NewPlan(core.KindImpl, core.PriorityNormal, testSpecID, nil)
		testutil.ScaffoldSpecDir(t, f.specsDir, "002-child")
		if err := f.store.Save(core.SpecID("002-child"), child); err != nil {
			t.Errorf("saving child plan: %v", err)
		}
	}})

	out, err := f.runner.Run(context.Background(), f.taskRun())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}

	if want := []string{string(core.KindDesign)}; !reflect.DeepEqual(f.launchedAgents(), want) {
		t.Fatalf("agents = %v, want %v", f.launchedAgents(), want)
	}

	children, _ := out.Results[StageDecompose].Details["children"].([]string)
	if !reflect.DeepEqual(children, []string{"002-child"}) {
		t.Fatalf("children = %v, want [002-child]", children)
	}

	p := f.loadPlan()
	if p.Status != core.StatusDone || p.ExecutionPhase != core.PhaseComplete {
		t.Fatalf("plan = %s/%s, want done/complete", p.Status, p.ExecutionPhase)
	}
}

func TestRunDesignWithoutChildrenFails(t *testing.T) {
	f := newRunnerFixture(t, core.NewPlan(core.KindDesign, core.PriorityNormal, "", nil))
	f.launcher.Enqueue(testutil.ScriptedTurn{})

	_, err := f.runner.Run(context.Background(), f.taskRun())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "no child tasks") {
		t.Fatalf("error = %v, want the decomposition diagnostic", err)
	}
	if n := len(f.launcher.Launches()); n != 1 {
		t.Fatalf("launches = %d, want 1", n)
	}
	if p := f.loadPlan(); p.Status != core.StatusError {
		t.Fatalf("plan status = %s, want error", p.Status)
	}
}

func TestRunMCTSPipeline(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan(func(p *core.Plan) {
		p.Kind = core.KindMCTS
		p.Phases[0].Subtasks[0].Status = core.SubtaskPending
	}))
	f.launcher.Enqueue(testutil.ScriptedTurn{OnLaunch: f.completeSubtask("1")})

	out, err := f.runner.Run(context.Background(), f.taskRun())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}

	if want := []string{string(core.KindMCTS)}; !reflect.DeepEqual(f.launchedAgents(), want) {
		t.Fatalf("agents = %v, want %v", f.launchedAgents(), want)
	}
	if rounds := out.Results[StageMCTSSearch].Details["rounds"]; rounds != 1 {
		t.Fatalf("rounds = %v, want 1", rounds)
	}
	if want := []string{"fast_forward"}; !reflect.DeepEqual(f.merger.callNames(), want) {
		t.Fatalf("merger calls = %v, want %v", f.merger.callNames(), want)
	}
	if p := f.loadPlan(); p.Status != core.StatusMerged {
		t.Fatalf("plan status = %s, want merged", p.Status)
	}
}

func TestRunMCTSSearchExhaustsRounds(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan(func(p *core.Plan) {
		p.Kind = core.KindMCTS
		p.Phases[0].Subtasks[0].Status = core.SubtaskPending
	}))
	// Every round ends without completing the plan.
	f.launcher.Enqueue(testutil.ScriptedTurn{}, testutil.ScriptedTurn{}, testutil.ScriptedTurn{})

	_, err := f.runner.Run(context.Background(), f.taskRun())
	if err == nil {
		t.Fatal("expected an exhaustion error")
	}
	if !strings.Contains(err.Error(), "search exhausted") {
		t.Fatalf("error = %v, want the exhaustion diagnostic", err)
	}
	if n := len(f.launcher.Launches()); n != maxSearchRounds {
		t.Fatalf("launches = %d, want %d", n, maxSearchRounds)
	}
}

func TestRunPipelineOverrideForcesQA(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan(func(p *core.Plan) {
		p.Kind = core.KindVerify
	}))

	tr := f.taskRun()
	tr.Pipeline = PipelineQAOnly
	tr.SkipQA = true
	out, err := f.runner.Run(context.Background(), tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}
	if f.review.runCount() != 1 {
		t.Fatalf("qa runs = %d, want 1 despite kind and skip flag", f.review.runCount())
	}
	if calls := f.merger.callNames(); len(calls) != 0 {
		t.Fatalf("merge ran in a qa-only pipeline: %v", calls)
	}
}

func TestRunCancelledContextLeavesPlanUntouched(t *testing.T) {
	f := newRunnerFixture(t, testutil.CompletedPlan(func(p *core.Plan) {
		p.SetStatus(core.StatusQueued, core.PhaseBacklog)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner.Run(ctx, f.taskRun())
	if err == nil {
		t.Fatal("expected a cancellation error")
	}

	p := f.loadPlan()
	if p.Status != core.StatusQueued {
		t.Fatalf("plan status = %s, want queued left for recovery", p.Status)
	}
	if len(p.Errors) != 0 {
		t.Fatalf("cancellation recorded errors: %+v", p.Errors)
	}
}
