package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/auto-claude/auto-claude/internal/core"
)

// LoadIndex reads the analyzer-produced project index. When the index is
// absent the capabilities are inferred from marker files and the service
// list stays empty; validators that need commands will skip themselves.
func LoadIndex(layout Layout) (*core.ProjectIndex, error) {
	data, err := os.ReadFile(layout.IndexFile())
	if err != nil {
		if os.IsNotExist(err) {
			return &core.ProjectIndex{
				Capabilities: InferCapabilities(layout.Root()),
			}, nil
		}
		return nil, core.ErrProjectState(core.CodeInvalidConfig,
			"read project index: "+err.Error()).WithCause(err)
	}

	var idx core.ProjectIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, core.ErrProjectState(core.CodeInvalidConfig,
			"parse project index: "+err.Error()).WithCause(err)
	}
	return &idx, nil
}

// InferCapabilities derives capability flags from marker files when no
// index exists. It is intentionally coarse; the index is authoritative.
func InferCapabilities(root string) core.Capabilities {
	caps := core.Capabilities{}

	pkg := readSmallFile(filepath.Join(root, "package.json"))
	if pkg != "" {
		for _, fw := range []string{"\"react\"", "\"vue\"", "\"svelte\"", "\"next\"", "\"vite\"", "\"@angular/core\""} {
			if strings.Contains(pkg, fw) {
				caps.WebFrontend = true
				break
			}
		}
		if strings.Contains(pkg, "\"electron\"") {
			caps.Electron = true
		}
	}

	if fileExists(filepath.Join(root, "src-tauri", "tauri.conf.json")) ||
		fileExists(filepath.Join(root, "tauri.conf.json")) {
		caps.Tauri = true
	}

	if fileExists(filepath.Join(root, "pubspec.yaml")) {
		caps.Flutter = true
	}

	for _, dir := range []string{"migrations", "db/migrations", "prisma"} {
		if dirExists(filepath.Join(root, filepath.FromSlash(dir))) {
			caps.HasDatabase = true
			break
		}
	}

	for _, f := range []string{"openapi.yaml", "openapi.json", "swagger.json", "api/openapi.yaml"} {
		if fileExists(filepath.Join(root, filepath.FromSlash(f))) {
			caps.HasAPI = true
			break
		}
	}

	return caps
}

// ServiceByName finds a service entry in the index.
func ServiceByName(idx *core.ProjectIndex, name string) (core.ServiceIndex, bool) {
	if idx == nil {
		return core.ServiceIndex{}, false
	}
	for _, svc := range idx.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return core.ServiceIndex{}, false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// readSmallFile returns file contents capped at 256KiB, or "" on any error.
func readSmallFile(path string) string {
	info, err := os.Stat(path)
	if err != nil || info.Size() > 256*1024 {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
