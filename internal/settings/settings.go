// Package settings resolves per-session model, thinking, and permission
// values through the override chain: per-spec task metadata, then project
// config, then the agent definition, then global defaults.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/registry"
)

// Permission modes handed to the session transport.
const (
	PermissionDefault = "default"
	PermissionPlan    = "plan"
	PermissionEdits   = "acceptEdits"
)

// Resolved is the final settings triple for one session.
type Resolved struct {
	Model          string
	Thinking       core.ThinkingLevel
	PermissionMode string
}

// taskMetadata is the optional per-spec override file.
type taskMetadata struct {
	Model          string `json:"model,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// Resolver applies the override chain.
type Resolver struct {
	cfg *config.Config
	reg *registry.Registry
}

// NewResolver builds a resolver over the loaded config and registry.
func NewResolver(cfg *config.Config, reg *registry.Registry) *Resolver {
	return &Resolver{cfg: cfg, reg: reg}
}

// Resolve computes the settings for one agent launch. specDir may be empty
// for sessions not tied to a spec (doctor probes); invalid metadata files
// are ignored rather than blocking the launch.
func (r *Resolver) Resolve(agentName, specDir string) Resolved {
	def := r.reg.Resolve(agentName)
	meta := readMetadata(specDir)

	out := Resolved{
		Model:          firstNonEmpty(meta.Model, r.cfg.Agents.Model),
		PermissionMode: firstNonEmpty(meta.PermissionMode, permissionFor(def)),
	}

	switch {
	case meta.Thinking != "":
		if lvl, err := core.ParseThinkingLevel(meta.Thinking); err == nil {
			out.Thinking = lvl
		}
	case r.cfg.Agents.Thinking != "":
		if lvl, err := core.ParseThinkingLevel(r.cfg.Agents.Thinking); err == nil {
			out.Thinking = lvl
		}
	}
	if out.Thinking == "" {
		out.Thinking = def.ThinkingDefault
	}
	if out.Thinking == "" {
		out.Thinking = core.ThinkingMedium
	}
	return out
}

// permissionFor derives the permission mode from the agent's execution
// mode when nothing overrides it.
func permissionFor(def core.AgentDefinition) string {
	if def.ExecutionMode == core.ModePlan {
		return PermissionPlan
	}
	return PermissionDefault
}

func readMetadata(specDir string) taskMetadata {
	var meta taskMetadata
	if specDir == "" {
		return meta
	}
	data, err := os.ReadFile(filepath.Join(specDir, core.TaskMetadataFileName))
	if err != nil {
		return meta
	}
	// Best effort; a malformed override file must not block the session.
	_ = json.Unmarshal(data, &meta)
	return meta
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
