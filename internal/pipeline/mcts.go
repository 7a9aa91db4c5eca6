package pipeline

import (
	"context"
	"fmt"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Bounds on the candidate search. Each round is one agent session that
// explores, keeps its best candidate, and records completed subtasks.
const (
	maxSearchRounds    = 3
	searchLessonsBytes = 2000
)

// mctsSearchStage runs bounded search rounds until the plan reports every
// subtask complete.
func (r *Runner) mctsSearchStage() Stage {
	return Stage{
		Name:   StageMCTSSearch,
		Retry:  RetrySpec{Max: 2, BackoffMs: 4000},
		Action: r.runSearch,
	}
}

func (r *Runner) runSearch(ctx context.Context, sc *StageContext) (Result, error) {
	plan, err := sc.Plans.Load(sc.SpecID)
	if err != nil {
		return Result{}, err
	}

	if _, err := sc.Plans.Mutate(sc.SpecID, func(p *core.Plan) error {
		p.SetStatus(core.StatusInProgress, core.PhaseCoding)
		return nil
	}); err != nil {
		return Result{}, err
	}

	preamble := specPreamble(sc.SpecDir, sc.SpecID)
	def := r.registry.ForKind(core.KindMCTS)
	lessons := ""

	for round := 1; round <= maxSearchRounds; round++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		turn, err := r.runAgent(ctx, sc, def, searchPrompt(preamble, round, maxSearchRounds, lessons), sc.WorkingDir)
		if err != nil {
			return Result{}, err
		}

		if plan, err = sc.Plans.Load(sc.SpecID); err != nil {
			return Result{}, err
		}
		if done, total := plan.Progress(); total > 0 && done == total {
			return Result{OK: true, Details: map[string]interface{}{"rounds": round}}, nil
		}

		lessons = tail(turn.Transcript, searchLessonsBytes)
	}

	done, total := plan.Progress()
	return Result{}, core.ErrAgentPersistent(fmt.Sprintf(
		"search exhausted %d rounds without a complete candidate: %d/%d subtasks",
		maxSearchRounds, done, total))
}

// tail returns the last n bytes of s, cut at a line boundary when one is
// near.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	for i := 0; i < len(cut) && i < 200; i++ {
		if cut[i] == '\n' {
			return cut[i+1:]
		}
	}
	return cut
}
