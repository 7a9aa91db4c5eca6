package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatConfig    ErrorCategory = "config"     // Invalid startup input
	ErrCatState     ErrorCategory = "state"      // Project/daemon state conflict
	ErrCatWorktree  ErrorCategory = "worktree"   // Worktree acquire/verify failure
	ErrCatPlan      ErrorCategory = "plan"       // Plan unreadable or schema-invalid
	ErrCatAgent     ErrorCategory = "agent"      // Agent session failure
	ErrCatValidator ErrorCategory = "validator"  // Validator could not run
	ErrCatExecution ErrorCategory = "execution"  // Runtime failure
	ErrCatTimeout   ErrorCategory = "timeout"    // Operation timed out
	ErrCatRateLimit ErrorCategory = "rate_limit" // API rate limited
	ErrCatNetwork   ErrorCategory = "network"    // Network connectivity
	ErrCatNotFound  ErrorCategory = "not_found"  // Resource not found
	ErrCatInternal  ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrConfig creates a configuration error. Fatal at startup.
func ErrConfig(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConfig,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrProjectState creates a project state error (lock held, not initialized).
func ErrProjectState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrWorktree creates a worktree error. Retried with backoff by the daemon.
func ErrWorktree(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatWorktree,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrPlanSchema creates a plan schema error. The offending file is never
// overwritten; the task is quarantined instead.
func ErrPlanSchema(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatPlan,
		Code:      CodePlanSchema,
		Message:   message,
		Retryable: false,
	}
}

// ErrPlanUnreadable creates an error for a plan file that cannot be parsed
// at all. The daemon quarantines the task and leaves the file as found.
func ErrPlanUnreadable(specID string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatPlan,
		Code:      CodePlanUnreadable,
		Message:   fmt.Sprintf("plan for %s is unreadable", specID),
		Retryable: false,
		Cause:     cause,
	}
}

// ErrAgentTransient creates a retryable agent error (rate limit, 5xx, reset).
func ErrAgentTransient(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatAgent,
		Code:      CodeAgentTransient,
		Message:   message,
		Retryable: true,
	}
}

// ErrAgentPersistent creates a non-retryable agent error (auth, invalid
// request, transient cap exceeded).
func ErrAgentPersistent(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatAgent,
		Code:      CodeAgentPersistent,
		Message:   message,
		Retryable: false,
	}
}

// ErrValidatorSetup creates a validator setup error. The validator reports
// skipped=true; the QA loop continues without it.
func ErrValidatorSetup(validator, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidator,
		Code:      CodeValidatorSetup,
		Message:   message,
		Retryable: false,
		Details: map[string]interface{}{
			"validator": validator,
		},
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      "RATE_LIMITED",
		Message:   message,
		Retryable: true,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrMergeConflict reports a merge that stopped on conflicts. The repository
// is left mid-merge so the resolver agent can work the conflict markers.
func ErrMergeConflict(specID SpecID, paths []string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeMergeConflict,
		Message:   fmt.Sprintf("merge of %s%s stopped on conflicts", TaskBranchPrefix, specID),
		Retryable: false,
		Details: map[string]interface{}{
			"paths": paths,
		},
	}
}

// ErrExecDenied creates a command authorization rejection. The layer and
// matched rule travel in Details so the session can surface them to the agent.
func ErrExecDenied(layer, rule, command string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeExecDenied,
		Message:   fmt.Sprintf("command rejected by %s policy", layer),
		Retryable: false,
		Details: map[string]interface{}{
			"layer":   layer,
			"rule":    rule,
			"command": command,
		},
	}
}

// IsRetryable checks if an error is retryable. Context cancellation is
// never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsCancelled reports whether err is a cooperative-shutdown signal rather
// than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Predefined error codes
const (
	CodeAlreadyRunning        = "ALREADY_RUNNING"
	CodeProjectNotInitialized = "PROJECT_NOT_INITIALIZED"
	CodeLockAcquireFailed     = "LOCK_ACQUIRE_FAILED"
	CodeSpecIncomplete        = "SPEC_INCOMPLETE"
	CodePlanSchema            = "PLAN_SCHEMA_INVALID"
	CodePlanUnreadable        = "PLAN_UNREADABLE"
	CodeWorktreeInvalid       = "WORKTREE_INVALID"
	CodeWorktreeBusy          = "WORKTREE_BUSY"
	CodeMergeConflict         = "MERGE_CONFLICT"
	CodeMainRepoDirty         = "MAIN_REPO_DIRTY"
	CodeNotGitRepo            = "NOT_GIT_REPO"
	CodeAgentTransient        = "AGENT_TRANSIENT"
	CodeAgentPersistent       = "AGENT_PERSISTENT"
	CodeValidatorSetup        = "VALIDATOR_SETUP"
	CodeExecDenied            = "EXEC_DENIED"
	CodeExecutionStuck        = "EXECUTION_STUCK"
	CodeBuildIncomplete       = "BUILD_INCOMPLETE"
	CodeParseFailed           = "PARSE_FAILED"
	CodeDAGCycle              = "DAG_CYCLE"
	CodeBatchCycle            = "BATCH_DEPENDENCY_CYCLE"
	CodeDepthExceeded         = "CHILD_DEPTH_EXCEEDED"
	CodeAlreadyDecomposed     = "ALREADY_DECOMPOSED"
	CodeVerifyExhausted       = "VERIFY_ATTEMPTS_EXHAUSTED"
	CodeDuplicateAgent        = "DUPLICATE_AGENT"
	CodeInvalidConfig         = "INVALID_CONFIG"
	CodeInvalidSpecID         = "INVALID_SPEC_ID"
)
