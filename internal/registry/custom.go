package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/auto-claude/auto-claude/internal/core"
)

// customFile is the on-disk shape of .auto-claude/agents.yaml.
type customFile struct {
	Agents []core.AgentDefinition `yaml:"agents"`
}

// LoadCustomFile parses project-local agent definitions. A missing file is
// not an error; a malformed or invalid one is.
func LoadCustomFile(path string) ([]core.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrConfig(core.CodeInvalidConfig,
			"read custom agents: "+err.Error()).WithCause(err)
	}

	var f customFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, core.ErrConfig(core.CodeInvalidConfig,
			"parse custom agents: "+err.Error()).WithCause(err)
	}

	for i := range f.Agents {
		if err := validateCustom(&f.Agents[i]); err != nil {
			return nil, err
		}
	}
	return f.Agents, nil
}

func validateCustom(def *core.AgentDefinition) error {
	if def.Name == "" {
		return core.ErrConfig(core.CodeInvalidConfig, "custom agent missing name")
	}
	if def.ToolProfile == "" {
		def.ToolProfile = core.ProfileCoding
	}
	if !ValidProfile(def.ToolProfile) {
		return core.ErrConfig(core.CodeInvalidConfig,
			fmt.Sprintf("custom agent %q: unknown tool profile %q", def.Name, def.ToolProfile))
	}
	switch def.SecurityLevel {
	case "":
		def.SecurityLevel = core.SecurityAllowlist
	case core.SecurityDeny, core.SecurityReadonly, core.SecurityAllowlist, core.SecurityFull:
	default:
		return core.ErrConfig(core.CodeInvalidConfig,
			fmt.Sprintf("custom agent %q: unknown security level %q", def.Name, def.SecurityLevel))
	}
	switch def.ExecutionMode {
	case "":
		def.ExecutionMode = core.ModeAuto
	case core.ModeAuto, core.ModePlan:
	default:
		return core.ErrConfig(core.CodeInvalidConfig,
			fmt.Sprintf("custom agent %q: unknown execution mode %q", def.Name, def.ExecutionMode))
	}
	if def.ThinkingDefault == "" {
		def.ThinkingDefault = core.ThinkingMedium
	} else if _, err := core.ParseThinkingLevel(string(def.ThinkingDefault)); err != nil {
		return core.ErrConfig(core.CodeInvalidConfig,
			fmt.Sprintf("custom agent %q: unknown thinking level %q", def.Name, def.ThinkingDefault))
	}
	return nil
}

// LoadProject builds the full registry for a project: builtins plus any
// custom agents from the project's agents file.
func LoadProject(agentsPath string) (*Registry, error) {
	r := NewBuiltin()
	custom, err := LoadCustomFile(agentsPath)
	if err != nil {
		return nil, err
	}
	if err := r.Register(custom...); err != nil {
		return nil, err
	}
	return r, nil
}
