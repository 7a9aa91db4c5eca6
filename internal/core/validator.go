package core

import "context"

// Capabilities are the project traits that select which validators apply.
// They come from the project index with marker-file inference as fallback.
type Capabilities struct {
	WebFrontend bool `json:"web_frontend"`
	Electron    bool `json:"electron"`
	Tauri       bool `json:"tauri"`
	Flutter     bool `json:"flutter"`
	HasDatabase bool `json:"has_database"`
	HasAPI      bool `json:"has_api"`
}

// ValidatorSeverity ranks how strongly a result should weigh on the
// reviewer.
type ValidatorSeverity string

const (
	SeverityBlocking ValidatorSeverity = "blocking"
	SeverityMajor    ValidatorSeverity = "major"
	SeverityMinor    ValidatorSeverity = "minor"
	SeverityInfo     ValidatorSeverity = "info"
)

// ValidatorEvidence collects the artifacts a validator captured for the
// reviewer: screenshot paths, console output, exit codes, test counts.
type ValidatorEvidence struct {
	Screenshots []string `json:"screenshots,omitempty"`
	ConsoleLog  string   `json:"console_log,omitempty"`
	Output      string   `json:"output,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	TestsRun    int      `json:"tests_run,omitempty"`
	TestsFailed int      `json:"tests_failed,omitempty"`
	FailedStep  string   `json:"failed_step,omitempty"`
}

// ValidatorResult is the structured outcome of one validator run.
//
// Passed is false only when the validator's central assertion failed.
// Transport or setup failures set Skipped with a reason instead; they never
// block the QA loop.
type ValidatorResult struct {
	Name       string            `json:"name"`
	Passed     bool              `json:"passed"`
	Skipped    bool              `json:"skipped"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Severity   ValidatorSeverity `json:"severity"`
	Summary    string            `json:"summary"`
	Evidence   ValidatorEvidence `json:"evidence"`
	DurationMs int64             `json:"duration_ms"`
}

// Skip builds a skipped result for a validator that could not run.
func Skip(name, reason string) ValidatorResult {
	return ValidatorResult{
		Name:       name,
		Passed:     true,
		Skipped:    true,
		SkipReason: reason,
		Severity:   SeverityInfo,
		Summary:    "skipped: " + reason,
	}
}

// ValidatorContext carries everything a validator needs for one run.
type ValidatorContext struct {
	WorkingDir string
	SpecDir    string
	ProjectDir string
	Caps       Capabilities
	Index      *ProjectIndex
}

// Validator is one independent check producing structured evidence.
// Orchestration (build first, runtime validators parallel) belongs to the
// QA loop, not to implementations.
type Validator interface {
	Name() string
	Selectable(caps Capabilities) bool
	// ArtifactGlobs lists doublestar patterns relative to the working dir;
	// the QA loop re-runs a validator between iterations only when files
	// matching its globs changed.
	ArtifactGlobs() []string
	Run(ctx context.Context, vctx ValidatorContext) ValidatorResult
}

// ProjectIndex is the analyzer-produced description of the target project.
// Validators read commands from it and never invent their own.
type ProjectIndex struct {
	Services     []ServiceIndex `json:"services"`
	Capabilities Capabilities   `json:"capabilities"`
}

// ServiceIndex describes one buildable service of the target project.
type ServiceIndex struct {
	Name          string `json:"name"`
	Path          string `json:"path,omitempty"`
	LintCommand   string `json:"lint_command,omitempty"`
	BuildCommand  string `json:"build_command,omitempty"`
	TestCommand   string `json:"test_command,omitempty"`
	DevCommand    string `json:"dev_command,omitempty"`
	DevPort       int    `json:"dev_port,omitempty"`
	MigrationsDir string `json:"migrations_dir,omitempty"`
	MigrateCmd    string `json:"migrate_command,omitempty"`
	OpenAPIPath   string `json:"openapi_path,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
}
