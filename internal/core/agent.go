package core

// SecurityLevel is the first authorization layer applied to every bash
// dispatch from an agent.
type SecurityLevel string

const (
	// SecurityDeny permits no commands at all.
	SecurityDeny SecurityLevel = "deny"
	// SecurityReadonly permits only the built-in read-only command set.
	SecurityReadonly SecurityLevel = "readonly"
	// SecurityAllowlist permits the detected-stack allowlist plus the
	// agent's extraAllow minus extraDeny.
	SecurityAllowlist SecurityLevel = "allowlist"
	// SecurityFull defers to the project profile; worktree mutation rules
	// still apply.
	SecurityFull SecurityLevel = "full"
)

// ToolProfile bundles a frequently combined toolset.
type ToolProfile string

const (
	ProfileMinimal  ToolProfile = "MINIMAL"
	ProfileReadonly ToolProfile = "READONLY"
	ProfileCoding   ToolProfile = "CODING"
	ProfileQA       ToolProfile = "QA"
	ProfileFull     ToolProfile = "FULL"
)

// ExecutionMode selects how the agent session is driven.
type ExecutionMode string

const (
	// ModeAuto lets the agent act on the working copy directly.
	ModeAuto ExecutionMode = "auto"
	// ModePlan keeps the agent in read-and-propose mode.
	ModePlan ExecutionMode = "plan"
)

// ThinkingLevel is the reasoning budget hint passed to the session layer.
type ThinkingLevel string

const (
	ThinkingNone   ThinkingLevel = "none"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
	ThinkingMax    ThinkingLevel = "max"
)

// ParseThinkingLevel validates a thinking level string.
func ParseThinkingLevel(s string) (ThinkingLevel, error) {
	switch ThinkingLevel(s) {
	case ThinkingNone, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingMax:
		return ThinkingLevel(s), nil
	}
	return "", ErrConfig(CodeInvalidConfig, "unknown thinking level: "+s)
}

// Role agents used by the QA loop and the merge stage. Task-kind agents
// are named by the kind string itself ("impl", "design", ...).
const (
	AgentReviewer      = "qa_reviewer"
	AgentFixer         = "qa_fixer"
	AgentMergeResolver = "merge_resolver"
)

// AgentDefinition is the single source of truth for one agent kind: its
// prompt, tool surface, security posture, and MCP bindings.
type AgentDefinition struct {
	Name            string        `yaml:"name"`
	Description     string        `yaml:"description,omitempty"`
	ToolProfile     ToolProfile   `yaml:"tool_profile"`
	ExtraTools      []string      `yaml:"extra_tools,omitempty"`
	MCPServers      []string      `yaml:"mcp_servers,omitempty"`
	ThinkingDefault ThinkingLevel `yaml:"thinking_default,omitempty"`
	SecurityLevel   SecurityLevel `yaml:"security_level"`
	ExtraAllow      []string      `yaml:"extra_allow,omitempty"`
	ExtraDeny       []string      `yaml:"extra_deny,omitempty"`
	SystemPrompt    string        `yaml:"system_prompt,omitempty"`
	PromptTemplate  string        `yaml:"prompt_template,omitempty"`
	ExecutionMode   ExecutionMode `yaml:"execution_mode,omitempty"`
	Builtin         bool          `yaml:"-"`
}

// ToolCapabilities is the resolved tool surface handed to a session: the
// expanded profile plus extras, the MCP servers to attach, and the exec
// policy inputs.
type ToolCapabilities struct {
	Tools         []string
	MCPServers    []string
	SecurityLevel SecurityLevel
	ExtraAllow    []string
	ExtraDeny     []string
	ExecutionMode ExecutionMode
}

// Well-known MCP server names. "browser" is a placeholder resolved against
// project capabilities at session build time.
const (
	MCPBrowser    = "browser"
	MCPPlaywright = "playwright"
	MCPElectron   = "electron"
	MCPTauri      = "tauri"
	MCPMarionette = "marionette"
	MCPContext7   = "context7"
)
