package registry

import "github.com/auto-claude/auto-claude/internal/core"

// Session tool names understood by the agent CLI transport.
const (
	ToolRead      = "Read"
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolMultiEdit = "MultiEdit"
	ToolBash      = "Bash"
	ToolGlob      = "Glob"
	ToolGrep      = "Grep"
	ToolWebFetch  = "WebFetch"
	ToolWebSearch = "WebSearch"
)

// Orchestrator tools exposed to sessions over the auto-claude MCP server.
const (
	ToolCreateBatchChildSpecs = "mcp__auto-claude__create_batch_child_specs"
	ToolUpdateSubtaskStatus   = "mcp__auto-claude__update_subtask_status"
	ToolUpdateQAStatus        = "mcp__auto-claude__update_qa_status"
	ToolRecordDiscovery       = "mcp__auto-claude__record_discovery"
	ToolRecordGotcha          = "mcp__auto-claude__record_gotcha"
	ToolGetBuildProgress      = "mcp__auto-claude__get_build_progress"
	ToolGetSessionContext     = "mcp__auto-claude__get_session_context"
	ToolSpawnErrorCheck       = "mcp__auto-claude__spawn_error_check"
)

var profileTools = map[core.ToolProfile][]string{
	core.ProfileMinimal: {
		ToolRead, ToolGlob, ToolGrep,
	},
	core.ProfileReadonly: {
		ToolRead, ToolGlob, ToolGrep,
		ToolBash, ToolWebFetch, ToolWebSearch,
	},
	core.ProfileCoding: {
		ToolRead, ToolGlob, ToolGrep,
		ToolBash, ToolWebFetch, ToolWebSearch,
		ToolWrite, ToolEdit, ToolMultiEdit,
		ToolUpdateSubtaskStatus, ToolRecordDiscovery,
		ToolRecordGotcha, ToolGetSessionContext,
	},
	core.ProfileQA: {
		ToolRead, ToolGlob, ToolGrep,
		ToolBash, ToolWebFetch,
		ToolUpdateQAStatus, ToolGetBuildProgress, ToolGetSessionContext,
	},
	core.ProfileFull: {
		ToolRead, ToolGlob, ToolGrep,
		ToolBash, ToolWebFetch, ToolWebSearch,
		ToolWrite, ToolEdit, ToolMultiEdit,
		ToolCreateBatchChildSpecs, ToolUpdateSubtaskStatus,
		ToolUpdateQAStatus, ToolRecordDiscovery, ToolRecordGotcha,
		ToolGetBuildProgress, ToolGetSessionContext, ToolSpawnErrorCheck,
	},
}

// ExpandProfile returns the toolset a profile names. Unknown profiles
// expand to the minimal set.
func ExpandProfile(p core.ToolProfile) []string {
	tools, ok := profileTools[p]
	if !ok {
		tools = profileTools[core.ProfileMinimal]
	}
	out := make([]string, len(tools))
	copy(out, tools)
	return out
}

// Tools expands an agent's profile and appends its extra tools, deduped,
// preserving first-seen order.
func Tools(def core.AgentDefinition) []string {
	tools := ExpandProfile(def.ToolProfile)
	seen := make(map[string]bool, len(tools)+len(def.ExtraTools))
	for _, t := range tools {
		seen[t] = true
	}
	for _, t := range def.ExtraTools {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tools = append(tools, t)
	}
	return tools
}

// ValidProfile reports whether p names a known tool profile.
func ValidProfile(p core.ToolProfile) bool {
	_, ok := profileTools[p]
	return ok
}
