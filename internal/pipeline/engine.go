package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
	"github.com/auto-claude/auto-claude/internal/service"
)

// Engine runs stage DAGs. It is stateless across runs; one engine may
// execute pipelines for many tasks.
type Engine struct {
	logger *logging.Logger
}

// NewEngine creates an engine. A nil logger disables engine logging.
func NewEngine(logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{logger: logger}
}

// stageOutcome pairs a stage with what running it produced.
type stageOutcome struct {
	name    string
	skipped bool
	res     Result
	err     error
}

// Run executes the stages against the context. The error return is
// reserved for infrastructure failures (cancelled context, invalid DAG,
// exhausted retries); a stage that fails semantically yields OK false
// with FailedStage set and a nil error.
func (e *Engine) Run(ctx context.Context, stages []Stage, sc *StageContext) (RunResult, error) {
	g, err := buildGraph(stages)
	if err != nil {
		return RunResult{}, err
	}

	logger := e.logger.WithSpec(string(sc.SpecID)).WithComponent("pipeline")
	out := RunResult{Results: make(map[string]Result, len(stages))}

	for _, level := range g.levels() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for _, batch := range groupLevel(level, g) {
			outcomes := e.runBatch(ctx, batch, sc, logger)
			for _, oc := range outcomes {
				switch {
				case oc.skipped:
					out.Skipped = append(out.Skipped, oc.name)
				case oc.err != nil:
					out.FailedStage = oc.name
					return out, oc.err
				default:
					out.Results[oc.name] = oc.res
					sc.setResult(oc.name, oc.res)
					if !oc.res.OK {
						out.FailedStage = oc.name
						return out, nil
					}
					out.Completed = append(out.Completed, oc.name)
				}
			}
		}
	}

	out.OK = true
	return out, nil
}

// runBatch executes one batch: a single stage runs inline, a parallel
// group runs concurrently with shared cancellation.
func (e *Engine) runBatch(ctx context.Context, batch []Stage, sc *StageContext, logger *logging.Logger) []stageOutcome {
	outcomes := make([]stageOutcome, len(batch))

	if len(batch) == 1 {
		outcomes[0] = e.runStage(ctx, batch[0], sc, logger)
		return outcomes
	}

	grp, gctx := errgroup.WithContext(ctx)
	for i, st := range batch {
		grp.Go(func() error {
			outcomes[i] = e.runStage(gctx, st, sc, logger)
			return outcomes[i].err
		})
	}
	// Errors travel in the outcomes; Wait only propagates cancellation.
	_ = grp.Wait()
	return outcomes
}

// runStage gates on the stage condition, then executes the action under
// its retry spec, journaling start, retries, and completion.
func (e *Engine) runStage(ctx context.Context, st Stage, sc *StageContext, logger *logging.Logger) stageOutcome {
	log := logger.WithStage(st.Name)

	if st.Condition != nil && !st.Condition(sc) {
		log.Info("stage skipped by condition")
		sc.emit(core.EventStageCompleted, map[string]interface{}{
			"stage": st.Name, "status": "skipped",
		})
		return stageOutcome{name: st.Name, skipped: true}
	}

	sc.emit(core.EventStageStarted, map[string]interface{}{"stage": st.Name})
	log.Info("stage started")
	start := time.Now()

	var res Result
	run := func(ctx context.Context) error {
		r, err := st.Action(ctx, sc)
		if err != nil {
			return err
		}
		res = r
		return nil
	}

	var err error
	if st.Retry.Max > 1 {
		policy := &service.RetryPolicy{
			MaxAttempts: st.Retry.Max,
			BaseDelay:   time.Duration(st.Retry.BackoffMs) * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
		}
		err = policy.ExecuteWithNotify(ctx, run, func(attempt int, rerr error, delay time.Duration) {
			log.Warn("stage retrying", "attempt", attempt, "delay", delay, "error", rerr)
			sc.emit(core.EventStageRetried, map[string]interface{}{
				"stage":   st.Name,
				"attempt": attempt,
				"delayMs": delay.Milliseconds(),
				"error":   rerr.Error(),
			})
		})
	} else {
		err = run(ctx)
	}

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case !res.OK:
		status = "failed"
	}
	sc.emit(core.EventStageCompleted, map[string]interface{}{
		"stage":      st.Name,
		"status":     status,
		"durationMs": time.Since(start).Milliseconds(),
	})
	log.Info("stage finished", "status", status, "duration", time.Since(start).Round(time.Millisecond))

	return stageOutcome{name: st.Name, res: res, err: err}
}

// groupLevel partitions one level into execution batches: stages sharing
// a non-empty ParallelGroup form one concurrent batch at the position of
// the group's first member, everything else runs alone.
func groupLevel(level []string, g *graph) [][]Stage {
	batches := make([][]Stage, 0, len(level))
	groupIndex := make(map[string]int)

	for _, name := range level {
		st := g.stages[name]
		if st.ParallelGroup == "" {
			batches = append(batches, []Stage{st})
			continue
		}
		if i, ok := groupIndex[st.ParallelGroup]; ok {
			batches[i] = append(batches[i], st)
			continue
		}
		groupIndex[st.ParallelGroup] = len(batches)
		batches = append(batches, []Stage{st})
	}
	return batches
}
