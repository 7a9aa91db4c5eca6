package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecID uniquely identifies a task within a project. The canonical form is
// "NNN-slug" where NNN is a zero-padded sequence number. Synthesized tasks
// (verify, error_check) use a named prefix instead of a number.
type SpecID string

var specIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// ParseSpecID validates a raw spec identifier.
func ParseSpecID(raw string) (SpecID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrConfig(CodeInvalidSpecID, "spec id cannot be empty")
	}
	if !specIDPattern.MatchString(raw) {
		return "", ErrConfig(CodeInvalidSpecID, fmt.Sprintf("invalid spec id %q", raw))
	}
	return SpecID(raw), nil
}

// Number returns the numeric prefix of a canonical NNN-slug id, or -1 when
// the id has no numeric prefix (synthesized tasks).
func (id SpecID) Number() int {
	s := string(id)
	i := strings.IndexByte(s, '-')
	if i <= 0 {
		return -1
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return -1
	}
	return n
}

// Slug returns the slug portion after the numeric prefix, or the whole id
// when no prefix exists.
func (id SpecID) Slug() string {
	s := string(id)
	i := strings.IndexByte(s, '-')
	if i <= 0 || id.Number() < 0 {
		return s
	}
	return s[i+1:]
}

// TaskKind selects the agent and pipeline used for a task.
type TaskKind string

const (
	KindImpl         TaskKind = "impl"
	KindFrontend     TaskKind = "frontend"
	KindBackend      TaskKind = "backend"
	KindDatabase     TaskKind = "database"
	KindAPI          TaskKind = "api"
	KindTest         TaskKind = "test"
	KindIntegration  TaskKind = "integration"
	KindDocs         TaskKind = "docs"
	KindDesign       TaskKind = "design"
	KindArchitecture TaskKind = "architecture"
	KindResearch     TaskKind = "research"
	KindReview       TaskKind = "review"
	KindPlanning     TaskKind = "planning"
	KindVerify       TaskKind = "verify"
	KindErrorCheck   TaskKind = "error_check"
	KindMCTS         TaskKind = "mcts"
	KindDefault      TaskKind = "default"
)

// ParseTaskKind normalizes a raw kind string, falling back to KindDefault
// for unknown values so a novel plan never blocks admission.
func ParseTaskKind(raw string) TaskKind {
	k := TaskKind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case KindImpl, KindFrontend, KindBackend, KindDatabase, KindAPI,
		KindTest, KindIntegration, KindDocs, KindDesign, KindArchitecture,
		KindResearch, KindReview, KindPlanning, KindVerify, KindErrorCheck,
		KindMCTS:
		return k
	case "implementation", "coding":
		return KindImpl
	case "":
		return KindDefault
	default:
		return KindDefault
	}
}

// IsDecomposing reports whether tasks of this kind produce child specs
// instead of code.
func (k TaskKind) IsDecomposing() bool {
	return k == KindDesign || k == KindArchitecture
}

// NeedsVerify reports whether successful completion should synthesize a
// verify child task.
func (k TaskKind) NeedsVerify() bool {
	switch k {
	case KindImpl, KindFrontend, KindBackend, KindDatabase, KindAPI:
		return true
	default:
		return false
	}
}

// TaskStatus is the coarse lifecycle label used for admission decisions.
type TaskStatus string

const (
	StatusQueue       TaskStatus = "queue"
	StatusBacklog     TaskStatus = "backlog"
	StatusQueued      TaskStatus = "queued"
	StatusInProgress  TaskStatus = "in_progress"
	StatusAIReview    TaskStatus = "ai_review"
	StatusQAFixing    TaskStatus = "qa_fixing"
	StatusHumanReview TaskStatus = "human_review"
	StatusDone        TaskStatus = "done"
	StatusCompleted   TaskStatus = "completed"
	StatusMerged      TaskStatus = "merged"
	StatusPRCreated   TaskStatus = "pr_created"
	StatusError       TaskStatus = "error"
	StatusFailed      TaskStatus = "failed"
	StatusStuck       TaskStatus = "stuck"
)

// IsEligible reports whether the status marks a task waiting for admission.
func (s TaskStatus) IsEligible() bool {
	switch s {
	case StatusQueue, StatusBacklog, StatusQueued:
		return true
	default:
		return false
	}
}

// IsRunning reports whether the daemon considers the task active.
func (s TaskStatus) IsRunning() bool {
	switch s {
	case StatusInProgress, StatusAIReview, StatusQAFixing:
		return true
	default:
		return false
	}
}

// IsCompleted reports whether the status satisfies a dependency edge.
func (s TaskStatus) IsCompleted() bool {
	switch s {
	case StatusDone, StatusCompleted, StatusMerged, StatusPRCreated:
		return true
	default:
		return false
	}
}

// IsError reports whether the status is a terminal failure.
func (s TaskStatus) IsError() bool {
	switch s {
	case StatusError, StatusFailed, StatusStuck:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further daemon action applies.
func (s TaskStatus) IsTerminal() bool {
	return s.IsCompleted() || s.IsError()
}

// UIState is the finer UI-facing label paired with TaskStatus. Readers that
// observe divergence treat UIState as authoritative for display and
// TaskStatus as authoritative for admission.
type UIState string

const (
	UIBacklog     UIState = "backlog"
	UIPlanning    UIState = "planning"
	UICoding      UIState = "coding"
	UIQAReview    UIState = "qa_review"
	UIQAFixing    UIState = "qa_fixing"
	UIPlanReview  UIState = "plan_review"
	UIHumanReview UIState = "human_review"
	UIDone        UIState = "done"
	UIError       UIState = "error"
)

// ExecutionPhase tracks the macro-phase a task is in. It disambiguates the
// status→UIState derivation for in_progress and human_review.
type ExecutionPhase string

const (
	PhaseBacklog    ExecutionPhase = "backlog"
	PhasePlanning   ExecutionPhase = "planning"
	PhaseCoding     ExecutionPhase = "coding"
	PhaseQAReview   ExecutionPhase = "qa_review"
	PhaseQAFixing   ExecutionPhase = "qa_fixing"
	PhasePlanReview ExecutionPhase = "plan_review"
	PhaseComplete   ExecutionPhase = "complete"
)

// DeriveUIState applies the fixed status→xstateState map. The twin fields
// must always be written together through this derivation.
func DeriveUIState(status TaskStatus, phase ExecutionPhase) UIState {
	switch {
	case status.IsEligible():
		return UIBacklog
	case status == StatusInProgress:
		if phase == PhasePlanning {
			return UIPlanning
		}
		return UICoding
	case status == StatusAIReview:
		return UIQAReview
	case status == StatusQAFixing:
		return UIQAFixing
	case status == StatusHumanReview:
		if phase == PhasePlanReview {
			return UIPlanReview
		}
		return UIHumanReview
	case status.IsCompleted():
		return UIDone
	case status.IsError():
		return UIError
	default:
		return UIBacklog
	}
}

// Priority orders admission; lower is more urgent. Valid range is 0..3.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// ClampPriority forces a raw value into the valid range.
func ClampPriority(p int) Priority {
	if p < int(PriorityCritical) {
		return PriorityCritical
	}
	if p > int(PriorityLow) {
		return PriorityLow
	}
	return Priority(p)
}

// Task is the daemon's in-memory view of one unit of work. The on-disk twin
// is the Plan document; Task carries only what admission and supervision
// need.
type Task struct {
	SpecID        SpecID
	SpecDir       string
	Kind          TaskKind
	Priority      Priority
	Status        TaskStatus
	UIState       UIState
	DependsOn     []SpecID
	ParentTask    SpecID // empty when the task has no parent
	RecoveryCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DependencyMet reports whether dep is satisfied by the completed set. Three
// matching tiers are accepted: exact id, zero-padded numeric prefix, and a
// bare prefix of at least three characters. The looser tiers absorb agents
// that reference "003" or a slug fragment instead of the full id.
func DependencyMet(dep SpecID, completed map[SpecID]bool) bool {
	if completed[dep] {
		return true
	}
	raw := string(dep)
	if n, err := strconv.Atoi(raw); err == nil {
		padded := fmt.Sprintf("%03d-", n)
		for done := range completed {
			if strings.HasPrefix(string(done), padded) {
				return true
			}
		}
		return false
	}
	if len(raw) >= 3 {
		for done := range completed {
			if strings.HasPrefix(string(done), raw) {
				return true
			}
		}
	}
	return false
}

// DependenciesMet reports whether every dependency of the task is satisfied.
func (t *Task) DependenciesMet(completed map[SpecID]bool) bool {
	for _, dep := range t.DependsOn {
		if !DependencyMet(dep, completed) {
			return false
		}
	}
	return true
}
