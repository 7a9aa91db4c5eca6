package core

import (
	"encoding/json"
	"time"
)

// EventKind tags one record in a task's event log.
type EventKind string

const (
	EventSessionStart     EventKind = "AGENT_SESSION_START"
	EventSessionEnd       EventKind = "AGENT_SESSION_END"
	EventSubtaskUpdated   EventKind = "SUBTASK_UPDATED"
	EventPhaseCompleted   EventKind = "PHASE_COMPLETED"
	EventStageStarted     EventKind = "STAGE_STARTED"
	EventStageCompleted   EventKind = "STAGE_COMPLETED"
	EventStageRetried     EventKind = "STAGE_RETRIED"
	EventQAStarted        EventKind = "QA_STARTED"
	EventQAPassed         EventKind = "QA_PASSED"
	EventQAFailed         EventKind = "QA_FAILED"
	EventQAFixingStarted  EventKind = "QA_FIXING_STARTED"
	EventQAFixingComplete EventKind = "QA_FIXING_COMPLETE"
	EventQAMaxIterations  EventKind = "QA_MAX_ITERATIONS"
	EventQAAgentError     EventKind = "QA_AGENT_ERROR"
	EventTask             EventKind = "TASK_EVENT"
)

// Well-known TASK_EVENT payload markers.
const (
	TaskEventStuckRecovery = "STUCK_RECOVERY"
	TaskEventRequeued      = "REQUEUED"
	TaskEventTerminated    = "TERMINATED"
	TaskEventMergeConflict = "MERGE_CONFLICT"
	TaskEventQuarantined   = "QUARANTINED"
)

// Event is one record in the per-task append-only journal. Sequence numbers
// are dense and strictly increasing within a task.
type Event struct {
	Sequence int64                  `json:"sequence"`
	TS       time.Time              `json:"ts"`
	Kind     EventKind              `json:"kind"`
	Payload  map[string]interface{} `json:"payload"`
}

// MarshalLine renders the event as one JSONL line without the trailing
// newline.
func (e Event) MarshalLine() ([]byte, error) {
	type wire struct {
		Sequence int64                  `json:"sequence"`
		TS       string                 `json:"ts"`
		Kind     EventKind              `json:"kind"`
		Payload  map[string]interface{} `json:"payload"`
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal(wire{
		Sequence: e.Sequence,
		TS:       e.TS.UTC().Format(time.RFC3339Nano),
		Kind:     e.Kind,
		Payload:  payload,
	})
}

// UnmarshalLine parses one JSONL line into an event.
func UnmarshalLine(line []byte) (Event, error) {
	var wire struct {
		Sequence int64                  `json:"sequence"`
		TS       string                 `json:"ts"`
		Kind     EventKind              `json:"kind"`
		Payload  map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(line, &wire); err != nil {
		return Event{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, wire.TS)
	if err != nil {
		ts = time.Time{}
	}
	return Event{
		Sequence: wire.Sequence,
		TS:       ts,
		Kind:     wire.Kind,
		Payload:  wire.Payload,
	}, nil
}
