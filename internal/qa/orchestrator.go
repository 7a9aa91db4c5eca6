// Package qa drives the review loop for a completed build: deterministic
// validators produce evidence, a reviewer agent judges the work against its
// acceptance criteria, and a fixer agent addresses rejections until sign-off
// or escalation to a human.
package qa

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

const buildValidatorName = "build"

// skipReasonBuildFailed marks runtime validators that never ran because the
// project does not compile; running them against a broken build would only
// produce noise.
const skipReasonBuildFailed = "build failed"

// validatorState runs the selected validator set across loop iterations.
// Build validators run first, sequentially; runtime validators run in
// parallel only while the build is green. Between iterations a validator
// re-runs only when files matching its artifact globs changed, otherwise
// the prior result is reused as cached evidence.
type validatorState struct {
	vctx     core.ValidatorContext
	selected []core.Validator
	results  map[string]core.ValidatorResult
	prints   map[string]string
	logger   *logging.Logger
}

func newValidatorState(all []core.Validator, vctx core.ValidatorContext, logger *logging.Logger) *validatorState {
	s := &validatorState{
		vctx:    vctx,
		results: make(map[string]core.ValidatorResult),
		prints:  make(map[string]string),
		logger:  logger,
	}
	for _, v := range all {
		if v.Selectable(vctx.Caps) {
			s.selected = append(s.selected, v)
		}
	}
	return s
}

// run executes one validation pass and reports whether the build failed.
// force runs every validator regardless of artifact fingerprints.
func (s *validatorState) run(ctx context.Context, force bool) ([]core.ValidatorResult, bool) {
	byName := make(map[string]core.ValidatorResult, len(s.selected))

	var runtimes []core.Validator
	buildFailed := false
	for _, v := range s.selected {
		if v.Name() != buildValidatorName {
			runtimes = append(runtimes, v)
			continue
		}
		res, reused := s.freshOrCached(ctx, v, force)
		byName[v.Name()] = res
		if !res.Passed {
			buildFailed = true
		}
		if reused {
			s.logger.Debug("validator result reused", "validator", v.Name())
		}
	}

	switch {
	case buildFailed:
		for _, v := range runtimes {
			byName[v.Name()] = core.Skip(v.Name(), skipReasonBuildFailed)
		}
	case len(runtimes) > 0:
		var stale []core.Validator
		for _, v := range runtimes {
			if res, ok := s.cached(v, force); ok {
				s.logger.Debug("validator result reused", "validator", v.Name())
				byName[v.Name()] = res
				continue
			}
			stale = append(stale, v)
		}
		if len(stale) > 0 {
			fresh := make([]core.ValidatorResult, len(stale))
			g, gctx := errgroup.WithContext(ctx)
			for i, v := range stale {
				g.Go(func() error {
					fresh[i] = v.Run(gctx, s.vctx)
					return nil
				})
			}
			_ = g.Wait()
			for i, v := range stale {
				s.store(v, fresh[i])
				byName[v.Name()] = fresh[i]
			}
		}
	}

	results := make([]core.ValidatorResult, 0, len(s.selected))
	for _, v := range s.selected {
		results = append(results, byName[v.Name()])
	}
	return results, buildFailed
}

func (s *validatorState) freshOrCached(ctx context.Context, v core.Validator, force bool) (core.ValidatorResult, bool) {
	if res, ok := s.cached(v, force); ok {
		return res, true
	}
	res := v.Run(ctx, s.vctx)
	s.store(v, res)
	return res, false
}

// cached returns the stored result when the validator ran before and its
// artifacts are unchanged since.
func (s *validatorState) cached(v core.Validator, force bool) (core.ValidatorResult, bool) {
	if force {
		return core.ValidatorResult{}, false
	}
	prev, ok := s.results[v.Name()]
	if !ok {
		return core.ValidatorResult{}, false
	}
	if fingerprintArtifacts(s.vctx.WorkingDir, v.ArtifactGlobs()) != s.prints[v.Name()] {
		return core.ValidatorResult{}, false
	}
	return prev, true
}

func (s *validatorState) store(v core.Validator, res core.ValidatorResult) {
	s.results[v.Name()] = res
	s.prints[v.Name()] = fingerprintArtifacts(s.vctx.WorkingDir, v.ArtifactGlobs())
}

// RunValidators executes a one-shot validation pass over the selected set:
// build validators first, runtime validators in parallel, runtime skipped
// entirely when the build fails.
func RunValidators(ctx context.Context, all []core.Validator, vctx core.ValidatorContext, logger *logging.Logger) []core.ValidatorResult {
	results, _ := newValidatorState(all, vctx, logger).run(ctx, true)
	return results
}

// FormatReport renders validator results as the markdown handed to the
// reviewer and appended to the QA report.
func FormatReport(results []core.ValidatorResult) string {
	if len(results) == 0 {
		return ""
	}

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}

	var sb strings.Builder
	sb.WriteString("# Validator Results\n\n")
	fmt.Fprintf(&sb, "**%d/%d validators passed**\n\n", passed, len(results))

	for _, r := range results {
		status := "PASS"
		switch {
		case r.Skipped:
			status = "SKIP"
		case !r.Passed:
			status = "FAIL"
		}
		fmt.Fprintf(&sb, "### %s [%s]\n\n", r.Name, status)

		if r.Summary != "" {
			sb.WriteString(r.Summary)
			sb.WriteString("\n")
		}
		if !r.Skipped && r.Severity != "" && r.Severity != core.SeverityInfo {
			fmt.Fprintf(&sb, "- severity: %s\n", r.Severity)
		}
		if r.Evidence.FailedStep != "" {
			fmt.Fprintf(&sb, "- failed step: %s\n", r.Evidence.FailedStep)
		}
		if r.Evidence.ExitCode != nil {
			fmt.Fprintf(&sb, "- exit code: %d\n", *r.Evidence.ExitCode)
		}
		if r.Evidence.TestsRun > 0 {
			fmt.Fprintf(&sb, "- tests: %d run, %d failed\n", r.Evidence.TestsRun, r.Evidence.TestsFailed)
		}
		for _, shot := range r.Evidence.Screenshots {
			fmt.Fprintf(&sb, "- screenshot: %s\n", shot)
		}
		if out := strings.TrimSpace(r.Evidence.Output); out != "" {
			fmt.Fprintf(&sb, "\n```\n%s\n```\n", out)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}
