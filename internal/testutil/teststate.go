package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/auto-claude/auto-claude/internal/core"
)

// CompletedPlan returns a coding plan with every subtask finished, the
// state a task is in when it reaches QA. Options mutate the plan before it
// is returned.
func CompletedPlan(opts ...func(*core.Plan)) *core.Plan {
	p := core.NewPlan(core.KindImpl, core.PriorityNormal, "", nil)
	p.Phases = []core.PlanPhase{{
		Name: "implementation",
		Subtasks: []core.Subtask{
			{ID: "1", Description: "implement the feature", Status: core.SubtaskCompleted},
			{ID: "2", Description: "cover it with tests", Status: core.SubtaskCompleted},
		},
	}}
	p.SetStatus(core.StatusInProgress, core.PhaseCoding)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ScaffoldSpecDir creates specsDir/specID with the non-plan required spec
// files and returns the spec dir path. The plan file is written by the
// caller's store, not here.
func ScaffoldSpecDir(t *testing.T, specsDir, specID string) string {
	t.Helper()
	dir := filepath.Join(specsDir, specID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating spec dir: %v", err)
	}
	seed := map[string]string{
		core.SpecFileName:         "# " + specID + "\n",
		core.RequirementsFileName: `{"functional":[]}`,
		core.ContextFileName:      `{"files":[]}`,
	}
	for name, content := range seed {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	return dir
}
