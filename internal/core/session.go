package core

import (
	"context"
	"time"
)

// SessionEventType tags one event in an agent session stream.
type SessionEventType string

const (
	SessionEventStart         SessionEventType = "session_start"
	SessionEventAssistantText SessionEventType = "assistant_text"
	SessionEventToolCall      SessionEventType = "tool_call"
	SessionEventToolResult    SessionEventType = "tool_result"
	SessionEventEnd           SessionEventType = "session_end"
)

// SessionStatus is the terminal status reported by SessionEnd.
type SessionStatus string

const (
	SessionOK        SessionStatus = "ok"
	SessionError     SessionStatus = "error"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionEvent is one tagged record from an agent session. Handlers switch
// on Type; only the fields for that type are populated.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`

	// assistant_text
	Text string `json:"text,omitempty"`

	// tool_call / tool_result
	Tool      string                 `json:"tool,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
	ToolError string                 `json:"tool_error,omitempty"`
	Result    string                 `json:"result,omitempty"`

	// session_end
	Status    SessionStatus `json:"status,omitempty"`
	TokensIn  int           `json:"tokens_in,omitempty"`
	TokensOut int           `json:"tokens_out,omitempty"`
	ToolCount int           `json:"tool_count,omitempty"`
	ErrorText string        `json:"error_text,omitempty"`
}

// SessionSpec describes one agent turn to launch.
type SessionSpec struct {
	Agent          AgentDefinition
	Prompt         string
	WorkingDir     string
	SpecDir        string
	Model          string
	Thinking       ThinkingLevel
	PermissionMode string
	Capabilities   ToolCapabilities
	Env            map[string]string
}

// AgentSession is one live agent conversation. Events yields a finite
// stream closed when the session ends; iteration is interrupted by
// cancelling the launch context. Wait blocks until the underlying transport
// has fully terminated.
type AgentSession interface {
	ID() string
	Events() <-chan SessionEvent
	Wait(ctx context.Context) (SessionEvent, error)
	Close() error
}

// SessionLauncher creates agent sessions. The LLM transport behind it is an
// external collaborator; the orchestration core only consumes the stream.
type SessionLauncher interface {
	Launch(ctx context.Context, spec SessionSpec) (AgentSession, error)
}
