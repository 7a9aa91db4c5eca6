package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/specfactory"
)

// decomposeStage runs the design-kind agent, which registers child tasks
// through its batch tool. The children on disk are the artifact; a clean
// session that created none still failed.
func (r *Runner) decomposeStage() Stage {
	return Stage{
		Name:   StageDecompose,
		Retry:  RetrySpec{Max: 2, BackoffMs: 4000},
		Action: r.runDecompose,
	}
}

func (r *Runner) runDecompose(ctx context.Context, sc *StageContext) (Result, error) {
	plan, err := sc.Plans.Load(sc.SpecID)
	if err != nil {
		return Result{}, err
	}

	if _, err := sc.Plans.Mutate(sc.SpecID, func(p *core.Plan) error {
		p.SetStatus(core.StatusInProgress, core.PhasePlanning)
		return nil
	}); err != nil {
		return Result{}, err
	}

	def := r.registry.ForKind(plan.Kind)
	prompt := withTemplate(specPreamble(sc.SpecDir, sc.SpecID), def)
	turn, err := r.runAgent(ctx, sc, def, prompt, sc.WorkingDir)
	if err != nil {
		return Result{}, err
	}

	children := r.childSpecIDs(sc.SpecID)
	if len(children) == 0 {
		children = r.recoverBatch(ctx, sc, turn.Transcript)
	}
	if len(children) == 0 {
		detail := "decomposition recorded no child tasks"
		if turn.End.Status == core.SessionError && turn.End.ErrorText != "" {
			detail += ": " + turn.End.ErrorText
		}
		return Result{}, core.ErrAgentPersistent(detail)
	}

	ids := make([]string, len(children))
	for i, id := range children {
		ids[i] = string(id)
	}
	return Result{OK: true, Details: map[string]interface{}{"children": ids}}, nil
}

// recoverBatch registers children from a batch the agent emitted as text.
// A session running without the factory tool describes its batch in the
// final message instead; the entries are recovered from the transcript the
// same way reviewer verdicts are.
func (r *Runner) recoverBatch(ctx context.Context, sc *StageContext, transcript string) []core.SpecID {
	if r.factory == nil || transcript == "" {
		return nil
	}
	entries, err := specfactory.ParseBatch(transcript)
	if err != nil {
		return nil
	}
	created, err := r.factory.CreateBatch(ctx, sc.SpecID, entries)
	if err != nil {
		sc.Logger.Warn("transcript batch rejected", "error", err)
		return nil
	}
	sc.Logger.Info("child specs recovered from transcript", "count", len(created))
	return created
}

// childSpecIDs scans the specs root for plans naming specID as parent.
// Spec dirs that fail to load are someone else's problem and skipped.
func (r *Runner) childSpecIDs(specID core.SpecID) []core.SpecID {
	specsRoot := filepath.Dir(filepath.Dir(r.plans.Path(specID)))
	entries, err := os.ReadDir(specsRoot)
	if err != nil {
		return nil
	}

	var children []core.SpecID
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == string(specID) {
			continue
		}
		plan, err := r.plans.Load(core.SpecID(entry.Name()))
		if err != nil {
			continue
		}
		if plan.ParentTask == specID {
			children = append(children, core.SpecID(entry.Name()))
		}
	}
	return children
}
