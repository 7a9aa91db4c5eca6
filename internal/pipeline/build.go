package pipeline

import (
	"context"
	"fmt"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Bounds on the coding loop. A session that completes subtasks resets the
// stall counter; one that completes none burns a stall.
const (
	maxCodingTurns  = 10
	maxStalledTurns = 2
)

// buildStage runs the implementation: a planning turn when the plan has no
// phases yet, then coding turns until every subtask is completed. Kinds
// without a phased plan run a single agent turn instead.
func (r *Runner) buildStage() Stage {
	return Stage{
		Name:   StageBuild,
		Retry:  RetrySpec{Max: 2, BackoffMs: 4000},
		Action: r.runBuild,
	}
}

func (r *Runner) runBuild(ctx context.Context, sc *StageContext) (Result, error) {
	plan, err := sc.Plans.Load(sc.SpecID)
	if err != nil {
		return Result{}, err
	}

	preamble := specPreamble(sc.SpecDir, sc.SpecID)

	if !phasedKind(plan.Kind) {
		return r.runSingleTurn(ctx, sc, plan, preamble)
	}

	if len(plan.Phases) == 0 {
		if plan, err = r.runPlanning(ctx, sc, preamble); err != nil {
			return Result{}, err
		}
	}

	if _, err := sc.Plans.Mutate(sc.SpecID, func(p *core.Plan) error {
		p.SetStatus(core.StatusInProgress, core.PhaseCoding)
		return nil
	}); err != nil {
		return Result{}, err
	}

	def := r.registry.ForKind(plan.Kind)
	done, total := plan.Progress()
	finishedPhases := completedPhaseSet(plan)
	stalled := 0
	turns := 0

	for done < total {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if turns >= maxCodingTurns {
			return Result{}, core.ErrAgentPersistent(fmt.Sprintf(
				"build incomplete after %d sessions: %d/%d subtasks", turns, done, total))
		}
		turns++

		turn, err := r.runAgent(ctx, sc, def, coderPrompt(preamble, plan), sc.WorkingDir)
		if err != nil {
			return Result{}, err
		}

		if plan, err = sc.Plans.Load(sc.SpecID); err != nil {
			return Result{}, err
		}
		newDone, newTotal := plan.Progress()

		for name, finished := range completedPhaseSet(plan) {
			if finished && !finishedPhases[name] {
				finishedPhases[name] = true
				sc.emit(core.EventPhaseCompleted, map[string]interface{}{"phase": name})
			}
		}

		// Plan progress is the artifact that counts; an error-status
		// session that still completed subtasks moved the build forward.
		if newDone <= done && newTotal == total {
			stalled++
			if stalled >= maxStalledTurns {
				detail := fmt.Sprintf("no subtask progress over %d sessions: %d/%d", stalled, newDone, newTotal)
				if turn.End.Status == core.SessionError && turn.End.ErrorText != "" {
					detail += ": " + turn.End.ErrorText
				}
				return Result{}, core.ErrAgentPersistent(detail)
			}
		} else {
			stalled = 0
		}
		done, total = newDone, newTotal
	}

	return Result{OK: true, Details: map[string]interface{}{
		"turns":    turns,
		"subtasks": total,
	}}, nil
}

// runPlanning drives the planning turn and returns the reloaded plan. A
// session that records no phases failed regardless of its exit status.
func (r *Runner) runPlanning(ctx context.Context, sc *StageContext, preamble string) (*core.Plan, error) {
	if _, err := sc.Plans.Mutate(sc.SpecID, func(p *core.Plan) error {
		p.SetStatus(core.StatusInProgress, core.PhasePlanning)
		return nil
	}); err != nil {
		return nil, err
	}

	def := r.registry.ForKind(core.KindPlanning)
	turn, err := r.runAgent(ctx, sc, def, plannerPrompt(preamble), sc.WorkingDir)
	if err != nil {
		return nil, err
	}

	plan, err := sc.Plans.Load(sc.SpecID)
	if err != nil {
		return nil, err
	}
	if len(plan.Phases) == 0 {
		detail := "planner recorded no implementation plan"
		if turn.End.Status == core.SessionError && turn.End.ErrorText != "" {
			detail += ": " + turn.End.ErrorText
		}
		return nil, core.ErrAgentPersistent(detail)
	}
	return plan, nil
}

// runSingleTurn covers kinds whose work is one agent session (verify,
// research, review): no phases, no commits, success is a clean session.
func (r *Runner) runSingleTurn(ctx context.Context, sc *StageContext, plan *core.Plan, preamble string) (Result, error) {
	if _, err := sc.Plans.Mutate(sc.SpecID, func(p *core.Plan) error {
		p.SetStatus(core.StatusInProgress, core.PhaseCoding)
		return nil
	}); err != nil {
		return Result{}, err
	}

	def := r.registry.ForKind(plan.Kind)
	turn, err := r.runAgent(ctx, sc, def, withTemplate(preamble, def), sc.WorkingDir)
	if err != nil {
		return Result{}, err
	}
	if turn.End.Status == core.SessionError {
		detail := turn.End.ErrorText
		if detail == "" {
			detail = "agent reported an error"
		}
		return Result{}, core.ErrAgentPersistent(string(plan.Kind) + " session failed: " + detail)
	}
	return Result{OK: true, Details: map[string]interface{}{"turns": 1}}, nil
}

// completedPhaseSet maps phase names to whether every subtask finished.
func completedPhaseSet(p *core.Plan) map[string]bool {
	out := make(map[string]bool, len(p.Phases))
	for _, ph := range p.Phases {
		finished := len(ph.Subtasks) > 0
		for _, st := range ph.Subtasks {
			if st.Status != core.SubtaskCompleted {
				finished = false
				break
			}
		}
		out[ph.Name] = finished
	}
	return out
}
