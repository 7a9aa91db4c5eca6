// Package registry is the single source of truth for agent definitions:
// the prompt, tool profile, security posture, and MCP bindings of every
// agent kind the orchestrator can launch. Builtin definitions cover each
// task kind plus the QA and merge role agents; project-local custom agents
// merge in at startup.
package registry

import (
	"fmt"
	"sort"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Registry resolves agent definitions by name.
type Registry struct {
	defs map[string]core.AgentDefinition
}

// NewBuiltin returns a registry holding only the builtin definitions.
func NewBuiltin() *Registry {
	r := &Registry{defs: make(map[string]core.AgentDefinition, len(builtins))}
	for _, def := range builtins {
		def.Builtin = true
		r.defs[def.Name] = def
	}
	return r
}

// Lookup returns the definition for name, if registered.
func (r *Registry) Lookup(name string) (core.AgentDefinition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Resolve returns the definition for name, falling back to the default
// agent for unknown names.
func (r *Registry) Resolve(name string) core.AgentDefinition {
	if def, ok := r.defs[name]; ok {
		return def
	}
	return r.defs[string(core.KindDefault)]
}

// ForKind resolves the agent definition for a task kind.
func (r *Registry) ForKind(kind core.TaskKind) core.AgentDefinition {
	return r.Resolve(string(kind))
}

// All returns every registered definition sorted by name.
func (r *Registry) All() []core.AgentDefinition {
	out := make([]core.AgentDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register adds custom definitions. A name colliding with a builtin is
// rejected; later custom definitions replace earlier ones of the same name.
func (r *Registry) Register(defs ...core.AgentDefinition) error {
	for _, def := range defs {
		if existing, ok := r.defs[def.Name]; ok && existing.Builtin {
			return core.ErrConfig(core.CodeDuplicateAgent,
				fmt.Sprintf("custom agent %q shadows a builtin agent", def.Name))
		}
		def.Builtin = false
		r.defs[def.Name] = def
	}
	return nil
}

const (
	batchToolPrompt = "Decompose the work into independent child tasks and " +
		"register them with the create_batch_child_specs tool. Size each child " +
		"for a single focused session and declare dependencies between them."

	verifyPrompt = "Verify the parent task's changes against its acceptance " +
		"criteria. Run the project's checks, exercise the changed behavior, and " +
		"report every defect found. Use the spawn_error_check tool for defects " +
		"that need a dedicated fix task."

	errorCheckPrompt = "Fix the specific defects recorded for this task. " +
		"Change only what the defect report requires and keep the fix minimal."

	mergeResolverPrompt = "Resolve the listed merge conflicts, keeping both " +
		"sides' intent. Touch only conflicted files."
)

// builtins is ordered for readability; NewBuiltin keys them by name.
var builtins = []core.AgentDefinition{
	// Decomposition and analysis agents run in plan mode and may not
	// modify the tree.
	{
		Name:            string(core.KindDesign),
		Description:     "decomposes a feature into child tasks",
		ToolProfile:     core.ProfileReadonly,
		ExtraTools:      []string{ToolCreateBatchChildSpecs},
		ThinkingDefault: core.ThinkingHigh,
		SecurityLevel:   core.SecurityReadonly,
		SystemPrompt:    "design_architect.md",
		PromptTemplate:  batchToolPrompt,
		ExecutionMode:   core.ModePlan,
	},
	{
		Name:            string(core.KindArchitecture),
		Description:     "analyzes structure and decomposes architectural work",
		ToolProfile:     core.ProfileReadonly,
		ExtraTools:      []string{ToolCreateBatchChildSpecs},
		ThinkingDefault: core.ThinkingHigh,
		SecurityLevel:   core.SecurityReadonly,
		PromptTemplate:  batchToolPrompt,
		ExecutionMode:   core.ModePlan,
	},
	{
		Name:            string(core.KindResearch),
		Description:     "investigates the codebase and gathers information",
		ToolProfile:     core.ProfileReadonly,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityReadonly,
		ExecutionMode:   core.ModePlan,
	},
	{
		Name:            string(core.KindReview),
		Description:     "reviews code and reports findings",
		ToolProfile:     core.ProfileReadonly,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityReadonly,
		ExecutionMode:   core.ModePlan,
	},
	{
		Name:            string(core.KindPlanning),
		Description:     "produces the phased implementation plan",
		ToolProfile:     core.ProfileReadonly,
		ExtraTools:      []string{ToolUpdateSubtaskStatus},
		ThinkingDefault: core.ThinkingHigh,
		SecurityLevel:   core.SecurityReadonly,
		ExecutionMode:   core.ModePlan,
	},

	// Implementation agents work on the worktree directly.
	{
		Name:            string(core.KindImpl),
		Description:     "general implementation",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindFrontend),
		Description:     "UI implementation with browser verification",
		ToolProfile:     core.ProfileCoding,
		MCPServers:      []string{core.MCPBrowser},
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindBackend),
		Description:     "server-side implementation",
		ToolProfile:     core.ProfileCoding,
		MCPServers:      []string{core.MCPContext7},
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindDatabase),
		Description:     "schema and migration work",
		ToolProfile:     core.ProfileCoding,
		MCPServers:      []string{core.MCPContext7},
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindAPI),
		Description:     "API surface implementation",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindTest),
		Description:     "test authoring",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindIntegration),
		Description:     "cross-component integration",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindDocs),
		Description:     "documentation",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingLow,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindMCTS),
		Description:     "search over candidate implementations",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingHigh,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},

	// Verification agents.
	{
		Name:            string(core.KindVerify),
		Description:     "verifies a completed parent task",
		ToolProfile:     core.ProfileQA,
		ExtraTools:      []string{ToolSpawnErrorCheck},
		MCPServers:      []string{core.MCPBrowser},
		ThinkingDefault: core.ThinkingHigh,
		SecurityLevel:   core.SecurityAllowlist,
		SystemPrompt:    "verify_agent.md",
		PromptTemplate:  verifyPrompt,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            string(core.KindErrorCheck),
		Description:     "fixes defects found by verification",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		SystemPrompt:    "error_check_agent.md",
		PromptTemplate:  errorCheckPrompt,
		ExecutionMode:   core.ModeAuto,
	},

	{
		Name:            string(core.KindDefault),
		Description:     "fallback implementation agent",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},

	// Role agents used inside pipeline stages rather than as task kinds.
	{
		Name:            core.AgentReviewer,
		Description:     "reviews worktree changes against acceptance criteria",
		ToolProfile:     core.ProfileQA,
		MCPServers:      []string{core.MCPBrowser},
		ThinkingDefault: core.ThinkingHigh,
		SecurityLevel:   core.SecurityReadonly,
		ExecutionMode:   core.ModePlan,
	},
	{
		Name:            core.AgentFixer,
		Description:     "fixes issues from a QA rejection",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingMedium,
		SecurityLevel:   core.SecurityAllowlist,
		ExecutionMode:   core.ModeAuto,
	},
	{
		Name:            core.AgentMergeResolver,
		Description:     "resolves merge conflicts during merge back",
		ToolProfile:     core.ProfileCoding,
		ThinkingDefault: core.ThinkingHigh,
		SecurityLevel:   core.SecurityAllowlist,
		ExtraDeny:       []string{"git push", "git rebase", "git reset"},
		PromptTemplate:  mergeResolverPrompt,
		ExecutionMode:   core.ModeAuto,
	},
}
