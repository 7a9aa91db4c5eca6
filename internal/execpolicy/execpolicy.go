// Package execpolicy authorizes bash dispatches from agent sessions. Every
// command runs through the same layers: worktree git mutation rules, the
// agent's security level, the detected project stack, then caller-supplied
// session permissions. A deny at any layer aborts the call with a
// structured error; the layers below a "full" agent still apply.
package execpolicy

import (
	"strings"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Verdict is one layer's answer for a command.
type Verdict int

const (
	// Abstain defers to the next layer.
	Abstain Verdict = iota
	// Allow votes to permit the command.
	Allow
	// Deny rejects the command; a single deny wins over any allow.
	Deny
)

// Decision is the final authorization outcome with the deciding layer and
// rule, for the structured rejection error and the event log.
type Decision struct {
	Allowed bool
	Layer   string
	Rule    string
}

// Layer names reported in decisions.
const (
	LayerWorktree = "worktree"
	LayerSecurity = "security"
	LayerProject  = "project"
	LayerSession  = "session"
	LayerDefault  = "default"
)

// SessionHook is the third authorization layer, supplied by the session
// owner (interactive approval state, per-run grants).
type SessionHook func(caps core.ToolCapabilities, worktree string, argv []string) (Verdict, string)

// Policy evaluates commands against the layered rules.
type Policy struct {
	stack      map[string]bool
	session    SessionHook
	mainBranch string
}

// Option configures a Policy.
type Option func(*Policy)

// WithDetectedStack sets the project allowlist commands (layer 2).
func WithDetectedStack(cmds []string) Option {
	return func(p *Policy) {
		for _, c := range cmds {
			if c != "" {
				p.stack[c] = true
			}
		}
	}
}

// WithSessionHook installs the session permission layer.
func WithSessionHook(h SessionHook) Option {
	return func(p *Policy) { p.session = h }
}

// WithMainBranch names the protected branch for worktree checkout rules.
func WithMainBranch(branch string) Option {
	return func(p *Policy) { p.mainBranch = branch }
}

// New builds a policy. Without options only the built-in read-only set is
// allowed beyond what the agent's extraAllow grants.
func New(opts ...Option) *Policy {
	p := &Policy{
		stack:      make(map[string]bool),
		mainBranch: "main",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// readOnlyCommands is the built-in set available at every security level
// except deny.
var readOnlyCommands = map[string]bool{
	"cat": true, "ls": true, "rg": true, "grep": true, "find": true,
	"head": true, "tail": true, "wc": true, "jq": true, "pwd": true,
	"which": true, "file": true, "stat": true, "du": true, "tree": true,
	"sort": true, "uniq": true, "cut": true, "diff": true, "env": true,
	"basename": true, "dirname": true, "realpath": true,
}

// gitReadSubcommands is the read subset of git allowed at readonly level.
var gitReadSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "blame": true,
	"branch": true, "rev-parse": true, "describe": true, "remote": true,
	"ls-files": true, "worktree": true,
}

// goReadSubcommands is the read subset of go allowed at readonly level.
var goReadSubcommands = map[string]bool{
	"list": true, "env": true, "version": true,
}

// Evaluate authorizes one argv. worktree is the task worktree path when
// the command runs inside one, empty otherwise.
func (p *Policy) Evaluate(caps core.ToolCapabilities, worktree string, argv []string) Decision {
	if len(argv) == 0 {
		return Decision{Allowed: false, Layer: LayerDefault, Rule: "empty command"}
	}

	type vote struct {
		verdict Verdict
		layer   string
		rule    string
	}
	votes := make([]vote, 0, 4)

	if worktree != "" && argv[0] == "git" {
		if v, rule := p.worktreeGitRule(argv); v != Abstain {
			votes = append(votes, vote{v, LayerWorktree, rule})
		}
	}

	v, rule := p.securityLayer(caps, argv)
	votes = append(votes, vote{v, LayerSecurity, rule})

	v, rule = p.projectLayer(argv)
	votes = append(votes, vote{v, LayerProject, rule})

	if p.session != nil {
		v, rule = p.session(caps, worktree, argv)
		votes = append(votes, vote{v, LayerSession, rule})
	}

	// A deny anywhere beats an allow elsewhere.
	for _, vt := range votes {
		if vt.verdict == Deny {
			return Decision{Allowed: false, Layer: vt.layer, Rule: vt.rule}
		}
	}
	for _, vt := range votes {
		if vt.verdict == Allow {
			return Decision{Allowed: true, Layer: vt.layer, Rule: vt.rule}
		}
	}

	// All layers abstained. Full trusts the remaining sandbox layers;
	// everything else is closed by default.
	if caps.SecurityLevel == core.SecurityFull {
		return Decision{Allowed: true, Layer: LayerDefault, Rule: "full defers to sandbox"}
	}
	return Decision{Allowed: false, Layer: LayerDefault, Rule: "no layer allowed the command"}
}

// Check evaluates and converts a rejection into the structured error the
// session layer returns as a tool result.
func (p *Policy) Check(caps core.ToolCapabilities, worktree string, argv []string) error {
	dec := p.Evaluate(caps, worktree, argv)
	if dec.Allowed {
		return nil
	}
	return core.ErrExecDenied(dec.Layer, dec.Rule, strings.Join(argv, " "))
}

// worktreeGitRule enforces the mutation policy inside a worktree: no
// merges, pushes, rebases, hard resets, or switching to the protected
// branch. These hold regardless of security level.
func (p *Policy) worktreeGitRule(argv []string) (Verdict, string) {
	if len(argv) < 2 {
		return Abstain, ""
	}
	sub := argv[1]
	switch sub {
	case "merge":
		return Deny, "git merge inside worktree"
	case "push":
		return Deny, "git push inside worktree"
	case "rebase":
		return Deny, "git rebase inside worktree"
	case "reset":
		for _, a := range argv[2:] {
			if a == "--hard" {
				return Deny, "git reset --hard inside worktree"
			}
		}
	case "checkout", "switch":
		for _, a := range argv[2:] {
			if a == p.mainBranch {
				return Deny, "checkout of protected branch " + p.mainBranch
			}
		}
	}
	return Abstain, ""
}

// securityLayer applies the agent's security level plus its extraAllow and
// extraDeny lists.
func (p *Policy) securityLayer(caps core.ToolCapabilities, argv []string) (Verdict, string) {
	cmd := argv[0]

	for _, deny := range caps.ExtraDeny {
		if matchRule(deny, argv) {
			return Deny, "extraDeny: " + deny
		}
	}

	switch caps.SecurityLevel {
	case core.SecurityDeny:
		return Deny, "security level deny"

	case core.SecurityReadonly:
		if isReadOnly(argv) {
			return Allow, "read-only set"
		}
		return Deny, "not in read-only set"

	case core.SecurityAllowlist:
		if isReadOnly(argv) {
			return Allow, "read-only set"
		}
		for _, allow := range caps.ExtraAllow {
			if matchRule(allow, argv) {
				return Allow, "extraAllow: " + allow
			}
		}
		return Abstain, ""

	case core.SecurityFull:
		return Abstain, ""
	}

	return Deny, "unknown security level for " + cmd
}

// projectLayer allows commands from the detected project stack.
func (p *Policy) projectLayer(argv []string) (Verdict, string) {
	if p.stack[argv[0]] {
		return Allow, "project stack: " + argv[0]
	}
	return Abstain, ""
}

// isReadOnly reports whether argv is in the built-in read-only set,
// including the git and go read subsets.
func isReadOnly(argv []string) bool {
	cmd := argv[0]
	if readOnlyCommands[cmd] {
		return true
	}
	if len(argv) < 2 {
		return false
	}
	switch cmd {
	case "git":
		if !gitReadSubcommands[argv[1]] {
			return false
		}
		// Listing worktrees and branches is fine; changing them is not.
		if argv[1] == "worktree" && (len(argv) < 3 || argv[2] != "list") {
			return false
		}
		if argv[1] == "branch" {
			for _, a := range argv[2:] {
				if a == "-d" || a == "-D" || a == "-m" || a == "-M" {
					return false
				}
			}
		}
		return true
	case "go":
		return goReadSubcommands[argv[1]]
	}
	return false
}

// matchRule matches an allow/deny rule against argv. A single-word rule
// matches the command name; a multi-word rule matches a prefix of argv.
func matchRule(rule string, argv []string) bool {
	parts := strings.Fields(rule)
	if len(parts) == 0 || len(parts) > len(argv) {
		return false
	}
	for i, part := range parts {
		if argv[i] != part {
			return false
		}
	}
	return true
}
