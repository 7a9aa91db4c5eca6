package registry

import "github.com/auto-claude/auto-claude/internal/core"

// ResolveOptions tune MCP server resolution per project.
type ResolveOptions struct {
	// MarionetteDisabled drops the marionette binding for Flutter
	// projects (MARIONETTE_DISABLED env).
	MarionetteDisabled bool
}

// RequiredServers resolves an agent's MCP bindings against project
// capabilities. The dynamic "browser" binding becomes electron, tauri, or
// playwright depending on the project surface; projects with no browser
// surface drop it entirely. Flutter projects additionally get marionette
// for widget-level interaction unless disabled.
func RequiredServers(def core.AgentDefinition, caps core.Capabilities, opts ResolveOptions) []string {
	servers := make([]string, 0, len(def.MCPServers)+1)
	add := func(s string) {
		for _, have := range servers {
			if have == s {
				return
			}
		}
		servers = append(servers, s)
	}

	for _, s := range def.MCPServers {
		if s != core.MCPBrowser {
			add(s)
			continue
		}
		switch {
		case caps.Electron:
			add(core.MCPElectron)
		case caps.Tauri:
			add(core.MCPTauri)
		case caps.WebFrontend || caps.Flutter:
			add(core.MCPPlaywright)
		}
		if caps.Flutter && !opts.MarionetteDisabled {
			add(core.MCPMarionette)
		}
	}
	return servers
}

// BuildCapabilities assembles the resolved tool surface handed to a
// session: expanded profile plus extras, resolved MCP servers, and the
// exec policy inputs.
func BuildCapabilities(def core.AgentDefinition, caps core.Capabilities, opts ResolveOptions) core.ToolCapabilities {
	return core.ToolCapabilities{
		Tools:         Tools(def),
		MCPServers:    RequiredServers(def, caps, opts),
		SecurityLevel: def.SecurityLevel,
		ExtraAllow:    append([]string(nil), def.ExtraAllow...),
		ExtraDeny:     append([]string(nil), def.ExtraDeny...),
		ExecutionMode: def.ExecutionMode,
	}
}
