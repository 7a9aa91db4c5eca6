// Package core provides the domain types shared across the orchestrator:
// tasks, plans, events, validators, agents, and the error taxonomy. All
// packages import from here to ensure consistency across the codebase.
package core

// Well-known file and directory names inside a project.
const (
	PrivateDirName   = ".auto-claude"
	SpecsDirName     = "specs"
	WorktreesDirName = "worktrees/tasks"

	StatusFileName = "daemon_status.json"
	LockFileName   = "daemon.pid"
	RunDBFileName  = "daemon_runs.db"

	SpecFileName         = "spec.md"
	RequirementsFileName = "requirements.json"
	ContextFileName      = "context.json"
	PlanFileName         = "implementation_plan.json"
	EventLogFileName     = "events.jsonl"
	QAReportFileName     = "qa_report.md"
	FixRequestFileName   = "QA_FIX_REQUEST.md"
	ScreenshotsDirName   = "screenshots"
	TaskMetadataFileName = "task_metadata.json"
	ProjectIndexFileName = "project_index.json"
	AgentsConfigFileName = "agents.yaml"
)

// RequiredSpecFiles must all be present before a spec directory is admitted.
var RequiredSpecFiles = []string{
	SpecFileName,
	RequirementsFileName,
	ContextFileName,
	PlanFileName,
}

// WebSocket port range for the status bridge; the first free port wins.
const (
	WSPortBase     = 18800
	WSPortAttempts = 10
)

// Branch naming for task worktrees.
const TaskBranchPrefix = "auto/"

// Log levels
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogLevels is the ordered list of log levels.
var LogLevels = []string{LogDebug, LogInfo, LogWarn, LogError}

// Log formats
const (
	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LogFormats is the ordered list of log formats.
var LogFormats = []string{LogFormatAuto, LogFormatText, LogFormatJSON}

// Heartbeat sources prove a running task is alive. The stuck detector
// consults the configured subset.
const (
	HeartbeatStdout = "stdout"
	HeartbeatEvents = "events"
	HeartbeatPlan   = "plan"
)

// HeartbeatSources is the ordered list of heartbeat sources.
var HeartbeatSources = []string{HeartbeatStdout, HeartbeatEvents, HeartbeatPlan}
