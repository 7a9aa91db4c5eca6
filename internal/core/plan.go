package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SubtaskStatus tracks one checklist item inside a phase.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
)

// Subtask is one unit inside a plan phase.
type Subtask struct {
	ID            string        `json:"id"`
	Description   string        `json:"description"`
	Status        SubtaskStatus `json:"status"`
	FilesToCreate []string      `json:"filesToCreate,omitempty"`
	FilesToModify []string      `json:"filesToModify,omitempty"`
}

// PlanPhase groups subtasks under a named implementation phase.
type PlanPhase struct {
	Name     string    `json:"name"`
	Subtasks []Subtask `json:"subtasks"`
}

// QASignoffStatus is the QA loop's verdict recorded on the plan.
type QASignoffStatus string

const (
	SignoffPending        QASignoffStatus = "pending"
	SignoffApproved       QASignoffStatus = "approved"
	SignoffRejected       QASignoffStatus = "rejected"
	SignoffNeedsAttention QASignoffStatus = "needs_attention"
)

// QASignoff records the outcome of the QA loop.
type QASignoff struct {
	Status     QASignoffStatus `json:"status"`
	Issues     []string        `json:"issues,omitempty"`
	ReportFile string          `json:"reportFile,omitempty"`
}

// PlanError is one entry of the plan's errors array: the failure kind plus
// a bounded diagnostic excerpt.
type PlanError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// maxPlanErrorDetail bounds the diagnostic recorded on the plan.
const maxPlanErrorDetail = 200

// NewPlanError truncates the diagnostic to the recorded bound.
func NewPlanError(kind, detail string) PlanError {
	if len(detail) > maxPlanErrorDetail {
		detail = detail[:maxPlanErrorDetail]
	}
	return PlanError{Kind: kind, Detail: detail}
}

// Plan is the per-task persisted document (implementation_plan.json).
// Unknown fields survive a load/store round trip; writers emit canonical
// fields in a fixed order followed by preserved extras sorted by key.
type Plan struct {
	Status         TaskStatus
	UIState        UIState
	ExecutionPhase ExecutionPhase
	Kind           TaskKind
	Priority       Priority
	DependsOn      []SpecID
	ParentTask     SpecID
	WorktreePath   string
	Phases         []PlanPhase
	QASignoff      *QASignoff
	Errors         []PlanError
	CreatedAt      string
	UpdatedAt      string

	// Extra holds fields this version does not model.
	Extra map[string]json.RawMessage
}

// planFieldOrder fixes the serialization order of canonical fields.
var planFieldOrder = []string{
	"status", "xstateState", "executionPhase", "kind", "priority",
	"dependsOn", "parentTask", "worktreePath", "phases", "qaSignoff",
	"errors", "created_at", "updated_at",
}

// NewPlan builds a freshly queued plan for a task.
func NewPlan(kind TaskKind, priority Priority, parent SpecID, deps []SpecID) *Plan {
	now := time.Now().UTC().Format(time.RFC3339)
	if deps == nil {
		deps = []SpecID{}
	}
	return &Plan{
		Status:         StatusQueue,
		UIState:        UIBacklog,
		ExecutionPhase: PhaseBacklog,
		Kind:           kind,
		Priority:       priority,
		DependsOn:      deps,
		ParentTask:     parent,
		Phases:         []PlanPhase{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SetStatus writes the status twin together with the phase that
// disambiguates the UI derivation. Callers never set UIState directly.
func (p *Plan) SetStatus(status TaskStatus, phase ExecutionPhase) {
	p.Status = status
	p.ExecutionPhase = phase
	p.UIState = DeriveUIState(status, phase)
	p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// RecordError appends a bounded diagnostic to the errors array.
func (p *Plan) RecordError(kind, detail string) {
	p.Errors = append(p.Errors, NewPlanError(kind, detail))
}

// Validate checks the structural invariants that the schema cannot express.
func (p *Plan) Validate() error {
	if int(p.Priority) < int(PriorityCritical) || int(p.Priority) > int(PriorityLow) {
		return ErrPlanSchema(fmt.Sprintf("priority %d outside 0..3", p.Priority))
	}
	if p.Kind.IsDecomposing() && len(p.Phases) > 0 {
		return ErrPlanSchema(fmt.Sprintf("%s plans carry no phases", p.Kind))
	}
	if p.UIState != DeriveUIState(p.Status, p.ExecutionPhase) {
		return ErrPlanSchema(fmt.Sprintf("xstateState %q diverges from status %q", p.UIState, p.Status))
	}
	return nil
}

// Progress returns completed and total subtask counts across all phases.
func (p *Plan) Progress() (completed, total int) {
	for _, ph := range p.Phases {
		for _, st := range ph.Subtasks {
			total++
			if st.Status == SubtaskCompleted {
				completed++
			}
		}
	}
	return completed, total
}

// CurrentSubtask returns the first non-completed subtask description, or ""
// when everything is done.
func (p *Plan) CurrentSubtask() string {
	for _, ph := range p.Phases {
		for _, st := range ph.Subtasks {
			if st.Status != SubtaskCompleted {
				return st.Description
			}
		}
	}
	return ""
}

// planDoc mirrors the on-disk field names for the canonical subset.
type planDoc struct {
	Status         TaskStatus      `json:"status"`
	UIState        UIState         `json:"xstateState"`
	ExecutionPhase ExecutionPhase  `json:"executionPhase"`
	Kind           TaskKind        `json:"kind"`
	Priority       int             `json:"priority"`
	DependsOn      []SpecID        `json:"dependsOn"`
	ParentTask     SpecID          `json:"parentTask,omitempty"`
	WorktreePath   string          `json:"worktreePath,omitempty"`
	Phases         []PlanPhase     `json:"phases,omitempty"`
	QASignoff      *QASignoff      `json:"qaSignoff,omitempty"`
	Errors         []PlanError     `json:"errors,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`
	UpdatedAt      string          `json:"updated_at,omitempty"`
	TaskType       json.RawMessage `json:"taskType,omitempty"` // legacy alias for kind
}

// UnmarshalJSON decodes the canonical fields and preserves the rest.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var doc planDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	p.Status = doc.Status
	p.UIState = doc.UIState
	p.ExecutionPhase = doc.ExecutionPhase
	p.Kind = doc.Kind
	p.Priority = ClampPriority(doc.Priority)
	p.DependsOn = doc.DependsOn
	p.ParentTask = doc.ParentTask
	p.WorktreePath = doc.WorktreePath
	p.Phases = doc.Phases
	p.QASignoff = doc.QASignoff
	p.Errors = doc.Errors
	p.CreatedAt = doc.CreatedAt
	p.UpdatedAt = doc.UpdatedAt

	// Plans written by older tooling use taskType instead of kind.
	if p.Kind == "" && len(doc.TaskType) > 0 {
		var tt string
		if err := json.Unmarshal(doc.TaskType, &tt); err == nil {
			p.Kind = ParseTaskKind(tt)
		}
	}
	if p.DependsOn == nil {
		p.DependsOn = []SpecID{}
	}

	known := map[string]bool{"taskType": true}
	for _, f := range planFieldOrder {
		known[f] = true
	}
	p.Extra = nil
	for k, v := range raw {
		if !known[k] {
			if p.Extra == nil {
				p.Extra = make(map[string]json.RawMessage)
			}
			p.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON emits canonical fields in fixed order, then extras sorted by
// key, so repeated writes of the same document are byte-identical.
func (p *Plan) MarshalJSON() ([]byte, error) {
	fields := map[string]interface{}{
		"status":         p.Status,
		"xstateState":    p.UIState,
		"executionPhase": p.ExecutionPhase,
		"kind":           p.Kind,
		"priority":       int(p.Priority),
		"dependsOn":      p.DependsOn,
	}
	if p.ParentTask != "" {
		fields["parentTask"] = p.ParentTask
	}
	if p.WorktreePath != "" {
		fields["worktreePath"] = p.WorktreePath
	}
	if !p.Kind.IsDecomposing() && p.Phases != nil {
		fields["phases"] = p.Phases
	}
	if p.QASignoff != nil {
		fields["qaSignoff"] = p.QASignoff
	}
	if len(p.Errors) > 0 {
		fields["errors"] = p.Errors
	}
	if p.CreatedAt != "" {
		fields["created_at"] = p.CreatedAt
	}
	if p.UpdatedAt != "" {
		fields["updated_at"] = p.UpdatedAt
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeField := func(key string, val interface{}) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(vb)
		return nil
	}

	for _, key := range planFieldOrder {
		val, ok := fields[key]
		if !ok {
			continue
		}
		if err := writeField(key, val); err != nil {
			return nil, err
		}
	}

	extraKeys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		if err := writeField(k, p.Extra[k]); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Created parses the plan's creation timestamp; zero time when absent or
// unparseable, which sorts such tasks first.
func (p *Plan) Created() time.Time {
	if p.CreatedAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, p.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
