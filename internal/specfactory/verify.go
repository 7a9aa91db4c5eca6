package specfactory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/fsutil"
)

const (
	// maxVerifyAttempts caps the verify tasks synthesized per parent spec.
	maxVerifyAttempts = 3

	verifyIDPrefix  = "verify-"
	verifyCreatedBy = "task_daemon"
)

// CreateVerify synthesizes the follow-up verify task for a finished
// implementation spec: `verify-{parent}` on the first attempt, then
// `verify-{parent}-2` and `-3`. The verify plan queues at high priority and
// depends on the parent, so admission waits until the parent counts as
// completed. An attempt whose directory already exists is returned as-is;
// a parent at the attempt cap gets a VERIFY_ATTEMPTS_EXHAUSTED error.
func (f *Factory) CreateVerify(ctx context.Context, parent core.SpecID) (core.SpecID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	attempts := f.verifyCount(parent)
	if attempts >= maxVerifyAttempts {
		return "", core.ErrProjectState(core.CodeVerifyExhausted,
			fmt.Sprintf("%s already has %d verify attempts", parent, attempts))
	}

	id := core.SpecID(verifyIDPrefix + string(parent))
	if attempts > 0 {
		id = core.SpecID(fmt.Sprintf("%s%s-%d", verifyIDPrefix, parent, attempts+1))
	}
	dir := filepath.Join(f.specsDir, string(id))
	if _, err := os.Stat(dir); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating verify spec directory %s: %w", id, err)
	}

	// The parent's spec rides along so the verify agent knows what the
	// implementation was supposed to do.
	original, err := os.ReadFile(filepath.Join(f.specsDir, string(parent), core.SpecFileName))
	if err != nil {
		original = nil
	}
	md := verifyMarkdown(parent, string(original))
	if err := fsutil.AtomicWriteFile(filepath.Join(dir, core.SpecFileName), []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("writing %s for %s: %w", core.SpecFileName, id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	task := fmt.Sprintf("Verify the implementation of %s", parent)
	req := requirementsDoc{
		Task:               task,
		ParentSpec:         string(parent),
		Complexity:         "simple",
		FilesToModify:      []string{},
		AcceptanceCriteria: []string{},
		CreatedAt:          now,
		CreatedBy:          verifyCreatedBy,
	}
	if err := writeJSON(filepath.Join(dir, core.RequirementsFileName), req); err != nil {
		return "", fmt.Errorf("writing %s for %s: %w", core.RequirementsFileName, id, err)
	}
	cd := contextDoc{
		ParentSpec:      string(parent),
		TaskDescription: task,
		FilesToModify:   []string{},
		CreatedAt:       now,
	}
	if err := writeJSON(filepath.Join(dir, core.ContextFileName), cd); err != nil {
		return "", fmt.Errorf("writing %s for %s: %w", core.ContextFileName, id, err)
	}

	p := core.NewPlan(core.KindVerify, core.PriorityHigh, parent, []core.SpecID{parent})
	if err := f.plans.Save(id, p); err != nil {
		return "", fmt.Errorf("writing plan for %s: %w", id, err)
	}

	f.touch()
	f.logger.Info("verify task synthesized",
		"parent", string(parent), "spec", string(id), "attempt", attempts+1)
	return id, nil
}

// verifyCount counts the verify specs on disk that depend on parent,
// whatever attempt suffix they carry.
func (f *Factory) verifyCount(parent core.SpecID) int {
	dirs, err := os.ReadDir(f.specsDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		doc, err := f.readRawPlan(core.SpecID(d.Name()))
		if err != nil {
			continue
		}
		if core.ParseTaskKind(rawString(doc, "kind", "taskType", "task_type")) != core.KindVerify {
			continue
		}
		deps := normalizeList(doc["dependsOn"])
		if len(deps) == 0 {
			deps = normalizeList(doc["depends_on"])
		}
		for _, dep := range deps {
			if dep == string(parent) {
				n++
				break
			}
		}
	}
	return n
}

// verifyMarkdown renders the generated spec.md for a verify task.
func verifyMarkdown(parent core.SpecID, original string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Verify: %s\n\n", parent)
	fmt.Fprintf(&b, "Verify the implementation of `%s` by running tests, checking for build errors, and performing runtime validation.\n\n", parent)
	b.WriteString("## Original Spec\n\n")
	if strings.TrimSpace(original) == "" {
		original = "(original spec.md unavailable)\n"
	}
	b.WriteString(original)
	if !strings.HasSuffix(original, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}
