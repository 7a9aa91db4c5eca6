package qa

import (
	"context"
	"fmt"
	"time"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
	"github.com/auto-claude/auto-claude/internal/registry"
	"github.com/auto-claude/auto-claude/internal/service"
	"github.com/auto-claude/auto-claude/internal/settings"
)

// Defaults applied when the config leaves the caps unset.
const (
	DefaultMaxIterations        = 3
	defaultMaxConsecutiveErrors = 3
)

// Deps are the collaborators a Loop needs.
type Deps struct {
	Launcher   core.SessionLauncher
	Plans      core.PlanStore
	Registry   *registry.Registry
	Settings   *settings.Resolver
	Validators []core.Validator
	Recorder   core.RunRecorder // optional
	Logger     *logging.Logger
}

// Loop runs the review/fix cycle for one task until the reviewer signs off
// or the loop escalates to a human. The loop owns the terminal plan
// transitions; agents only record verdicts.
type Loop struct {
	launcher             core.SessionLauncher
	plans                core.PlanStore
	registry             *registry.Registry
	settings             *settings.Resolver
	validators           []core.Validator
	recorder             core.RunRecorder
	maxIterations        int
	maxConsecutiveErrors int
	mcpOpts              registry.ResolveOptions
	logger               *logging.Logger
}

// New builds a QA loop from its collaborators and the loaded config.
func New(deps Deps, cfg *config.Config) *Loop {
	maxIter := cfg.QA.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	maxErrs := cfg.QA.MaxConsecutiveErrors
	if maxErrs <= 0 {
		maxErrs = defaultMaxConsecutiveErrors
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Loop{
		launcher:             deps.Launcher,
		plans:                deps.Plans,
		registry:             deps.Registry,
		settings:             deps.Settings,
		validators:           deps.Validators,
		recorder:             deps.Recorder,
		maxIterations:        maxIter,
		maxConsecutiveErrors: maxErrs,
		mcpOpts:              registry.ResolveOptions{MarionetteDisabled: cfg.Validators.Flutter.MarionetteDisabled},
		logger:               logger,
	}
}

// LoopContext scopes one QA run to a task. WorkingDir is the worktree the
// agents operate in; SpecDir is the task's spec directory inside it.
type LoopContext struct {
	SpecID     core.SpecID
	WorkingDir string
	SpecDir    string
	ProjectDir string
	Caps       core.Capabilities
	Index      *core.ProjectIndex
	Events     core.EventLog
}

// Outcome is the loop's result. Approved means the task is ready for human
// merge review; otherwise the signoff carries needs_attention with the
// accumulated issue history.
type Outcome struct {
	Approved   bool
	Iterations int
	Signoff    core.QASignoffStatus
}

// Run executes the QA loop. An error return means the loop itself could not
// proceed (cancelled context, unreadable plan); every agent-side failure is
// absorbed into the escalation path instead.
func (l *Loop) Run(ctx context.Context, lc LoopContext) (Outcome, error) {
	logger := l.logger.WithSpec(string(lc.SpecID)).WithComponent("qa")

	plan, err := l.plans.Load(lc.SpecID)
	if err != nil {
		return Outcome{}, err
	}
	if done, total := plan.Progress(); total > 0 && done < total {
		return Outcome{}, core.ErrProjectState(core.CodeBuildIncomplete,
			fmt.Sprintf("cannot review %s: %d/%d subtasks complete", lc.SpecID, done, total))
	}

	humanFeedback, hasHuman := readFixRequest(lc.SpecDir)

	// Signed off already and nothing new to address.
	if plan.QASignoff != nil && plan.QASignoff.Status == core.SignoffApproved && !hasHuman {
		logger.Info("qa already approved, skipping")
		l.emit(lc, core.EventQAPassed, map[string]interface{}{"iteration": 0})
		return Outcome{Approved: true, Signoff: core.SignoffApproved}, nil
	}

	l.emit(lc, core.EventQAStarted, map[string]interface{}{"maxIterations": l.maxIterations})

	if hasHuman {
		// A human left rework instructions; apply them before reviewing.
		logger.Info("human fix request found, running fixer first")
		l.emit(lc, core.EventQAFixingStarted, map[string]interface{}{"iteration": 0})
		if ferr := l.runFixer(ctx, lc, humanFeedback, logger); ferr != nil {
			if ctx.Err() != nil {
				return Outcome{}, ferr
			}
			l.emit(lc, core.EventQAAgentError, map[string]interface{}{"iteration": 0, "error": ferr.Error()})
			return l.escalate(lc, 0, nil, "fixer failed on human fix request: "+ferr.Error(), logger)
		}
		l.emit(lc, core.EventQAFixingComplete, map[string]interface{}{"iteration": 0})
		removeFixRequest(lc.SpecDir)
	}

	state := newValidatorState(l.validators, core.ValidatorContext{
		WorkingDir: lc.WorkingDir,
		SpecDir:    lc.SpecDir,
		ProjectDir: lc.ProjectDir,
		Caps:       lc.Caps,
		Index:      lc.Index,
	}, logger)

	var (
		iteration         int
		consecutiveErrors int
		lastErrorContext  string
		lastFixRequest    string
		issueHistory      []string
	)

	for iteration < l.maxIterations {
		iteration++
		iterStart := time.Now()
		logger.Info("qa iteration starting", "iteration", iteration, "max", l.maxIterations)

		results, buildFailed := state.run(ctx, iteration == 1)
		if ctx.Err() != nil {
			return Outcome{Iterations: iteration}, ctx.Err()
		}
		report := FormatReport(results)

		if buildFailed {
			// A broken build needs no reviewer; hand the evidence straight
			// to the fixer.
			issues := buildIssues(results)
			issueHistory = append(issueHistory, issueLines(issues)...)
			logger.Warn("build validation failed", "iteration", iteration, "issues", len(issues))

			l.appendSection(lc, iterationSection(iteration, "build failed", time.Since(iterStart), issues, report), logger)
			l.recordIteration(ctx, lc.SpecID, iteration, false)
			l.emit(lc, core.EventQAFailed, map[string]interface{}{"iteration": iteration, "issues": len(issues)})

			content := renderFixRequest("build validator", issues, report)
			if content == lastFixRequest {
				return l.escalate(lc, iteration, issueHistory, "fixer is not making progress", logger)
			}
			lastFixRequest = content

			if iteration >= l.maxIterations {
				break
			}
			if done, out, ferr := l.fix(ctx, lc, iteration, content, logger); !done {
				return out, ferr
			}
			continue
		}

		verdict, failure, err := l.review(ctx, lc, iteration, report, lastErrorContext, logger)
		if err != nil {
			return Outcome{Iterations: iteration}, err
		}

		if failure != "" {
			// The reviewer finished without recording a decision anywhere.
			consecutiveErrors++
			lastErrorContext = failure
			logger.Warn("reviewer produced no verdict",
				"iteration", iteration, "consecutive", consecutiveErrors, "detail", failure)
			l.emit(lc, core.EventQAAgentError, map[string]interface{}{"iteration": iteration, "error": failure})
			l.appendSection(lc, iterationSection(iteration, "reviewer error", time.Since(iterStart), nil, ""), logger)
			l.recordIteration(ctx, lc.SpecID, iteration, false)
			if consecutiveErrors >= l.maxConsecutiveErrors {
				return l.escalate(lc, iteration, issueHistory,
					fmt.Sprintf("reviewer failed %d times in a row", consecutiveErrors), logger)
			}
			continue
		}
		consecutiveErrors = 0
		lastErrorContext = ""

		if verdict.Approved {
			l.appendSection(lc, iterationSection(iteration, "approved", time.Since(iterStart), nil, report), logger)
			l.recordIteration(ctx, lc.SpecID, iteration, true)
			if _, err := l.plans.Mutate(lc.SpecID, func(p *core.Plan) error {
				p.QASignoff = &core.QASignoff{Status: core.SignoffApproved, ReportFile: core.QAReportFileName}
				p.SetStatus(core.StatusHumanReview, core.PhaseComplete)
				return nil
			}); err != nil {
				return Outcome{Approved: true, Iterations: iteration, Signoff: core.SignoffApproved}, err
			}
			l.emit(lc, core.EventQAPassed, map[string]interface{}{"iteration": iteration})
			logger.Info("qa approved", "iteration", iteration)
			return Outcome{Approved: true, Iterations: iteration, Signoff: core.SignoffApproved}, nil
		}

		issues := verdict.Issues
		issueHistory = append(issueHistory, issueLines(issues)...)
		logger.Info("qa rejected", "iteration", iteration, "issues", len(issues))

		l.appendSection(lc, iterationSection(iteration, "rejected", time.Since(iterStart), issues, report), logger)
		l.recordIteration(ctx, lc.SpecID, iteration, false)
		l.emit(lc, core.EventQAFailed, map[string]interface{}{"iteration": iteration, "issues": len(issues)})

		content := renderFixRequest("reviewer", issues, report)
		if content == lastFixRequest {
			return l.escalate(lc, iteration, issueHistory, "fixer is not making progress", logger)
		}
		lastFixRequest = content

		if iteration >= l.maxIterations {
			break
		}
		if done, out, ferr := l.fix(ctx, lc, iteration, content, logger); !done {
			return out, ferr
		}
	}

	l.emit(lc, core.EventQAMaxIterations, map[string]interface{}{"iterations": iteration})
	return l.escalate(lc, iteration, issueHistory,
		fmt.Sprintf("max iterations (%d) reached without approval", l.maxIterations), logger)
}

// review runs one reviewer session and extracts its verdict. The plan
// signoff is reset to pending first so a decision read back afterwards is
// known to come from this session. A non-empty failure string means the
// reviewer completed without producing a verdict; err is reserved for
// conditions that end the loop.
func (l *Loop) review(ctx context.Context, lc LoopContext, iteration int, report, previousError string, logger *logging.Logger) (*Verdict, string, error) {
	if _, err := l.plans.Mutate(lc.SpecID, func(p *core.Plan) error {
		p.QASignoff = &core.QASignoff{Status: core.SignoffPending}
		p.SetStatus(core.StatusAIReview, core.PhaseQAReview)
		return nil
	}); err != nil {
		return nil, "", err
	}

	def := l.registry.Resolve(core.AgentReviewer)
	turn, err := l.runAgent(ctx, lc, def, reviewerPrompt(iteration, l.maxIterations, report, previousError), logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", err
		}
		return nil, "reviewer session failed: " + err.Error(), nil
	}

	plan, err := l.plans.Load(lc.SpecID)
	if err != nil {
		return nil, "", err
	}
	// The recorded signoff outranks the session status: a reviewer that
	// crashed after writing its verdict still reviewed.
	if v := verdictFromPlan(plan); v != nil {
		return v, "", nil
	}
	if v := parseVerdictText(turn.Transcript); v != nil {
		return v, "", nil
	}
	if turn.End.Status == core.SessionError {
		detail := turn.End.ErrorText
		if detail == "" {
			detail = "agent reported an error"
		}
		return nil, "reviewer error: " + detail, nil
	}
	return nil, "reviewer did not record a verdict", nil
}

// fix writes the fix request and runs one fixer session. done reports
// whether the loop should continue; when false the returned outcome and
// error are final.
func (l *Loop) fix(ctx context.Context, lc LoopContext, iteration int, content string, logger *logging.Logger) (bool, Outcome, error) {
	if err := writeFixRequest(lc.SpecDir, content); err != nil {
		return false, Outcome{Iterations: iteration}, err
	}
	l.emit(lc, core.EventQAFixingStarted, map[string]interface{}{"iteration": iteration})
	if err := l.runFixer(ctx, lc, content, logger); err != nil {
		if ctx.Err() != nil {
			return false, Outcome{Iterations: iteration}, err
		}
		logger.Error("fixer session failed", "iteration", iteration, "error", err)
		l.emit(lc, core.EventQAAgentError, map[string]interface{}{"iteration": iteration, "error": err.Error()})
		out, eerr := l.escalate(lc, iteration, nil, "fixer failed: "+err.Error(), logger)
		return false, out, eerr
	}
	l.emit(lc, core.EventQAFixingComplete, map[string]interface{}{"iteration": iteration})
	removeFixRequest(lc.SpecDir)
	return true, Outcome{}, nil
}

// runFixer runs one fixer session against the current fix request.
func (l *Loop) runFixer(ctx context.Context, lc LoopContext, fixRequest string, logger *logging.Logger) error {
	if _, err := l.plans.Mutate(lc.SpecID, func(p *core.Plan) error {
		p.SetStatus(core.StatusQAFixing, core.PhaseQAFixing)
		return nil
	}); err != nil {
		return err
	}

	def := l.registry.Resolve(core.AgentFixer)
	turn, err := l.runAgent(ctx, lc, def, fixerPrompt(fixRequest), logger)
	if err != nil {
		return err
	}
	if turn.End.Status == core.SessionError {
		detail := turn.End.ErrorText
		if detail == "" {
			detail = "agent reported an error"
		}
		return core.ErrAgentPersistent("fixer: " + detail)
	}
	return nil
}

// runAgent launches one agent turn with resolved settings and records the
// session boundary events.
func (l *Loop) runAgent(ctx context.Context, lc LoopContext, def core.AgentDefinition, prompt string, logger *logging.Logger) (service.TurnResult, error) {
	resolved := l.settings.Resolve(def.Name, lc.SpecDir)
	spec := core.SessionSpec{
		Agent:          def,
		Prompt:         prompt,
		WorkingDir:     lc.WorkingDir,
		SpecDir:        lc.SpecDir,
		Model:          resolved.Model,
		Thinking:       resolved.Thinking,
		PermissionMode: resolved.PermissionMode,
		Capabilities:   registry.BuildCapabilities(def, lc.Caps, l.mcpOpts),
	}

	l.emit(lc, core.EventSessionStart, map[string]interface{}{"agent": def.Name})
	turn, err := service.RunTurn(ctx, l.launcher, spec, logger.WithAgent(def.Name))
	end := map[string]interface{}{"agent": def.Name}
	if err != nil {
		end["status"] = string(core.SessionError)
		end["error"] = err.Error()
	} else {
		end["status"] = string(turn.End.Status)
		if turn.End.TokensIn > 0 || turn.End.TokensOut > 0 {
			end["tokensIn"] = turn.End.TokensIn
			end["tokensOut"] = turn.End.TokensOut
		}
	}
	l.emit(lc, core.EventSessionEnd, end)
	return turn, err
}

// escalate records a needs_attention signoff with the accumulated issue
// history and parks the task for a human.
func (l *Loop) escalate(lc LoopContext, iterations int, history []string, reason string, logger *logging.Logger) (Outcome, error) {
	out := Outcome{Iterations: iterations, Signoff: core.SignoffNeedsAttention}
	_, err := l.plans.Mutate(lc.SpecID, func(p *core.Plan) error {
		p.QASignoff = &core.QASignoff{
			Status:     core.SignoffNeedsAttention,
			Issues:     dedupeStrings(history),
			ReportFile: core.QAReportFileName,
		}
		p.RecordError("qa", reason)
		p.SetStatus(core.StatusHumanReview, core.PhaseQAReview)
		return nil
	})
	if err != nil {
		return out, err
	}
	logger.Warn("qa escalated to human review", "reason", reason, "iterations", iterations)
	return out, nil
}

func (l *Loop) appendSection(lc LoopContext, section string, logger *logging.Logger) {
	if err := appendReport(lc.SpecDir, section); err != nil {
		logger.Warn("qa report not updated", "error", err)
	}
}

func (l *Loop) emit(lc LoopContext, kind core.EventKind, payload map[string]interface{}) {
	if lc.Events == nil {
		return
	}
	if _, err := lc.Events.Append(kind, payload); err != nil {
		l.logger.Warn("event append failed", "kind", string(kind), "error", err)
	}
}

func (l *Loop) recordIteration(ctx context.Context, specID core.SpecID, iteration int, approved bool) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordQAIteration(ctx, specID, iteration, approved); err != nil {
		l.logger.Warn("qa iteration not recorded", "spec", string(specID), "error", err)
	}
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
