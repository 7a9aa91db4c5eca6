package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/auto-claude/auto-claude/internal/core"
)

func TestNewBuiltin_CoversAllTaskKinds(t *testing.T) {
	r := NewBuiltin()

	kinds := []core.TaskKind{
		core.KindImpl, core.KindFrontend, core.KindBackend, core.KindDatabase,
		core.KindAPI, core.KindTest, core.KindIntegration, core.KindDocs,
		core.KindDesign, core.KindArchitecture, core.KindResearch,
		core.KindReview, core.KindPlanning, core.KindVerify,
		core.KindErrorCheck, core.KindMCTS, core.KindDefault,
	}

	for _, kind := range kinds {
		def, ok := r.Lookup(string(kind))
		if !ok {
			t.Errorf("no builtin agent for kind %q", kind)
			continue
		}
		if !def.Builtin {
			t.Errorf("agent %q not marked builtin", kind)
		}
		if def.ToolProfile == "" {
			t.Errorf("agent %q has no tool profile", kind)
		}
		if def.SecurityLevel == "" {
			t.Errorf("agent %q has no security level", kind)
		}
	}
}

func TestNewBuiltin_RoleAgents(t *testing.T) {
	r := NewBuiltin()

	for _, name := range []string{core.AgentReviewer, core.AgentFixer, core.AgentMergeResolver} {
		if _, ok := r.Lookup(name); !ok {
			t.Errorf("no builtin agent for role %q", name)
		}
	}

	reviewer := r.Resolve(core.AgentReviewer)
	if reviewer.SecurityLevel != core.SecurityReadonly {
		t.Errorf("reviewer security = %q, want readonly", reviewer.SecurityLevel)
	}
	if reviewer.ExecutionMode != core.ModePlan {
		t.Errorf("reviewer mode = %q, want plan", reviewer.ExecutionMode)
	}

	fixer := r.Resolve(core.AgentFixer)
	if fixer.ToolProfile != core.ProfileCoding {
		t.Errorf("fixer profile = %q, want CODING", fixer.ToolProfile)
	}
}

func TestResolve_UnknownFallsBackToDefault(t *testing.T) {
	r := NewBuiltin()

	def := r.Resolve("no-such-agent")
	if def.Name != string(core.KindDefault) {
		t.Errorf("Resolve(unknown) = %q, want default", def.Name)
	}
}

func TestBuiltin_DecomposersGetBatchTool(t *testing.T) {
	r := NewBuiltin()

	for _, kind := range []core.TaskKind{core.KindDesign, core.KindArchitecture} {
		def := r.ForKind(kind)
		tools := Tools(def)
		if !containsStr(tools, ToolCreateBatchChildSpecs) {
			t.Errorf("%q tools missing batch child spec tool: %v", kind, tools)
		}
		if def.ExecutionMode != core.ModePlan {
			t.Errorf("%q mode = %q, want plan", kind, def.ExecutionMode)
		}
	}
}

func TestBuiltin_VerifyGetsSpawnErrorCheck(t *testing.T) {
	r := NewBuiltin()

	def := r.ForKind(core.KindVerify)
	if !containsStr(Tools(def), ToolSpawnErrorCheck) {
		t.Error("verify agent missing spawn_error_check tool")
	}
	if def.SystemPrompt != "verify_agent.md" {
		t.Errorf("verify system prompt = %q", def.SystemPrompt)
	}
}

func TestExpandProfile(t *testing.T) {
	tests := []struct {
		profile  core.ToolProfile
		contains []string
		excludes []string
	}{
		{core.ProfileMinimal, []string{ToolRead, ToolGrep}, []string{ToolBash, ToolWrite}},
		{core.ProfileReadonly, []string{ToolRead, ToolBash, ToolWebSearch}, []string{ToolWrite, ToolEdit}},
		{core.ProfileCoding, []string{ToolWrite, ToolEdit, ToolBash, ToolUpdateSubtaskStatus}, []string{ToolUpdateQAStatus}},
		{core.ProfileQA, []string{ToolUpdateQAStatus, ToolGetBuildProgress}, []string{ToolWrite}},
		{core.ProfileFull, []string{ToolWrite, ToolUpdateQAStatus, ToolSpawnErrorCheck}, nil},
	}

	for _, tt := range tests {
		tools := ExpandProfile(tt.profile)
		for _, want := range tt.contains {
			if !containsStr(tools, want) {
				t.Errorf("profile %s missing %s", tt.profile, want)
			}
		}
		for _, deny := range tt.excludes {
			if containsStr(tools, deny) {
				t.Errorf("profile %s should not include %s", tt.profile, deny)
			}
		}
	}
}

func TestExpandProfile_ReturnsCopy(t *testing.T) {
	a := ExpandProfile(core.ProfileMinimal)
	a[0] = "mutated"
	b := ExpandProfile(core.ProfileMinimal)
	if b[0] == "mutated" {
		t.Error("ExpandProfile shares backing array between calls")
	}
}

func TestTools_ExtrasDeduped(t *testing.T) {
	def := core.AgentDefinition{
		ToolProfile: core.ProfileMinimal,
		ExtraTools:  []string{ToolRead, ToolSpawnErrorCheck, ToolSpawnErrorCheck, ""},
	}

	tools := Tools(def)
	count := 0
	for _, tool := range tools {
		if tool == ToolRead {
			count++
		}
	}
	if count != 1 {
		t.Errorf("ToolRead appears %d times, want 1", count)
	}
	if !containsStr(tools, ToolSpawnErrorCheck) {
		t.Error("extra tool missing")
	}
	if containsStr(tools, "") {
		t.Error("empty tool name should be dropped")
	}
}

func TestRequiredServers_BrowserResolution(t *testing.T) {
	def := core.AgentDefinition{MCPServers: []string{core.MCPBrowser}}

	tests := []struct {
		name string
		caps core.Capabilities
		opts ResolveOptions
		want []string
	}{
		{"electron wins", core.Capabilities{Electron: true, WebFrontend: true}, ResolveOptions{}, []string{core.MCPElectron}},
		{"tauri", core.Capabilities{Tauri: true}, ResolveOptions{}, []string{core.MCPTauri}},
		{"web frontend", core.Capabilities{WebFrontend: true}, ResolveOptions{}, []string{core.MCPPlaywright}},
		{"flutter gets playwright and marionette", core.Capabilities{Flutter: true}, ResolveOptions{}, []string{core.MCPPlaywright, core.MCPMarionette}},
		{"flutter marionette disabled", core.Capabilities{Flutter: true}, ResolveOptions{MarionetteDisabled: true}, []string{core.MCPPlaywright}},
		{"no browser surface", core.Capabilities{HasAPI: true}, ResolveOptions{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequiredServers(def, tt.caps, tt.opts)
			if len(got) != len(tt.want) {
				t.Fatalf("servers = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("servers = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestRequiredServers_StaticBindingsPassThrough(t *testing.T) {
	def := core.AgentDefinition{MCPServers: []string{core.MCPContext7}}
	got := RequiredServers(def, core.Capabilities{}, ResolveOptions{})
	if len(got) != 1 || got[0] != core.MCPContext7 {
		t.Errorf("servers = %v, want [context7]", got)
	}
}

func TestBuildCapabilities(t *testing.T) {
	r := NewBuiltin()
	def := r.ForKind(core.KindFrontend)

	caps := BuildCapabilities(def, core.Capabilities{WebFrontend: true}, ResolveOptions{})
	if !containsStr(caps.Tools, ToolWrite) {
		t.Error("frontend capabilities missing Write tool")
	}
	if !containsStr(caps.MCPServers, core.MCPPlaywright) {
		t.Errorf("frontend MCP servers = %v, want playwright", caps.MCPServers)
	}
	if caps.SecurityLevel != core.SecurityAllowlist {
		t.Errorf("security = %q, want allowlist", caps.SecurityLevel)
	}
}

func TestRegister_DuplicateBuiltinRejected(t *testing.T) {
	r := NewBuiltin()

	err := r.Register(core.AgentDefinition{Name: string(core.KindImpl)})
	if err == nil {
		t.Fatal("registering over a builtin should fail")
	}
	if !core.IsCategory(err, core.ErrCatConfig) {
		t.Errorf("error category = %v, want config", core.GetCategory(err))
	}
}

func TestRegister_CustomReplacesCustom(t *testing.T) {
	r := NewBuiltin()

	first := core.AgentDefinition{Name: "auditor", Description: "v1"}
	second := core.AgentDefinition{Name: "auditor", Description: "v2"}
	if err := r.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(second); err != nil {
		t.Fatal(err)
	}

	got := r.Resolve("auditor")
	if got.Description != "v2" {
		t.Errorf("description = %q, want v2", got.Description)
	}
}

func TestLoadCustomFile_Missing(t *testing.T) {
	defs, err := LoadCustomFile(filepath.Join(t.TempDir(), "agents.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if defs != nil {
		t.Errorf("defs = %v, want nil", defs)
	}
}

func TestLoadCustomFile_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  - name: security_audit
    description: audits dependency and auth changes
    tool_profile: READONLY
    thinking_default: high
    security_level: readonly
    execution_mode: plan
  - name: perf_probe
    extra_tools:
      - Bash
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadCustomFile(path)
	if err != nil {
		t.Fatalf("LoadCustomFile() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
	if defs[0].Name != "security_audit" || defs[0].ToolProfile != core.ProfileReadonly {
		t.Errorf("first def = %+v", defs[0])
	}
	// Unset fields take working defaults.
	if defs[1].ToolProfile != core.ProfileCoding {
		t.Errorf("default profile = %q, want CODING", defs[1].ToolProfile)
	}
	if defs[1].SecurityLevel != core.SecurityAllowlist {
		t.Errorf("default security = %q, want allowlist", defs[1].SecurityLevel)
	}
}

func TestLoadCustomFile_InvalidProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  - name: bad
    tool_profile: SUPERUSER
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCustomFile(path); err == nil {
		t.Error("unknown profile should be rejected")
	}
}

func TestLoadProject_MergesCustom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	content := `agents:
  - name: auditor
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if _, ok := r.Lookup("auditor"); !ok {
		t.Error("custom agent not merged")
	}
	if _, ok := r.Lookup(string(core.KindImpl)); !ok {
		t.Error("builtin missing after merge")
	}
}

func TestLoadProject_DuplicateBuiltinFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	content := `agents:
  - name: impl
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadProject(path); err == nil {
		t.Error("duplicate builtin name should fail the load")
	}
}

func containsStr(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
