package daemon

import (
	"context"
	"errors"

	"github.com/auto-claude/auto-claude/internal/core"
)

// maybeAutoVerify decides whether a successful exit earns a synthesized
// verify task. Implementation kinds verify their own spec; a finished
// error_check re-verifies the implementation its chain started from.
func (d *Daemon) maybeAutoVerify(ctx context.Context, id core.SpecID, p *core.Plan) {
	if d.deps.Factory == nil || p == nil {
		return
	}
	kind := core.ParseTaskKind(string(p.Kind))
	switch {
	case kind.NeedsVerify():
		if !verifyTrigger(p) {
			return
		}
		d.synthesizeVerify(ctx, id)
	case kind == core.KindErrorCheck:
		if target := d.verifyTarget(p.ParentTask); target != "" {
			d.synthesizeVerify(ctx, target)
		}
	}
}

// verifyTrigger reports whether the plan finished in a verifiable state: QA
// approved it into human_review, or it is already terminal-complete.
func verifyTrigger(p *core.Plan) bool {
	if p.Status.IsCompleted() {
		return true
	}
	return p.Status == core.StatusHumanReview &&
		p.QASignoff != nil && p.QASignoff.Status == core.SignoffApproved
}

// verifyTarget resolves the implementation spec behind a chain of
// synthesized tasks. An error_check's parent is usually a verify task;
// naming the next verify after the verify itself would stack prefixes
// (verify-verify-...), so the walk climbs to the first non-synthesized
// ancestor.
func (d *Daemon) verifyTarget(parent core.SpecID) core.SpecID {
	current := parent
	for i := 0; i < 10 && current != ""; i++ {
		p, err := d.deps.Plans.Load(current)
		if err != nil {
			break
		}
		k := core.ParseTaskKind(string(p.Kind))
		if (k == core.KindVerify || k == core.KindErrorCheck) && p.ParentTask != "" {
			current = p.ParentTask
			continue
		}
		break
	}
	return current
}

func (d *Daemon) synthesizeVerify(ctx context.Context, parent core.SpecID) {
	vid, err := d.deps.Factory.CreateVerify(ctx, parent)
	if err != nil {
		var domErr *core.DomainError
		if errors.As(err, &domErr) && domErr.Code == core.CodeVerifyExhausted {
			d.logger.Warn("verify attempts exhausted", "parent", string(parent))
		} else {
			d.logger.Error("verify synthesis failed", "parent", string(parent), "error", err)
		}
		return
	}
	d.refreshSpec(vid)
	d.logger.Info("verify task queued", "parent", string(parent), "spec", string(vid))
}
