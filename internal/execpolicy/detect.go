package execpolicy

import (
	"os"
	"path/filepath"
	"sort"
)

// stackMarkers maps marker files to the commands they unlock. Container
// runtimes are deliberately absent; they need an explicit extraAllow.
var stackMarkers = map[string][]string{
	"package.json":     {"npm", "npx", "node"},
	"pnpm-lock.yaml":   {"pnpm"},
	"yarn.lock":        {"yarn"},
	"bun.lockb":        {"bun"},
	"go.mod":           {"go"},
	"Cargo.toml":       {"cargo", "rustc"},
	"pyproject.toml":   {"python", "python3", "pip", "pytest", "uv"},
	"requirements.txt": {"python", "python3", "pip", "pytest"},
	"setup.py":         {"python", "python3", "pip", "pytest"},
	"pubspec.yaml":     {"flutter", "dart"},
	"Makefile":         {"make"},
	"CMakeLists.txt":   {"cmake"},
	"build.gradle":     {"gradle"},
	"build.gradle.kts": {"gradle"},
	"pom.xml":          {"mvn"},
	"composer.json":    {"composer", "php"},
	"Gemfile":          {"bundle", "ruby", "rake"},
	"mix.exs":          {"mix", "elixir"},
	"deno.json":        {"deno"},
	"tsconfig.json":    {"tsc"},
}

// DetectStack infers the project allowlist from marker files at the
// project root. Commands are sorted for stable policy dumps.
func DetectStack(projectDir string) []string {
	seen := make(map[string]bool)
	for marker, cmds := range stackMarkers {
		if len(cmds) == 0 {
			continue
		}
		if _, err := os.Stat(filepath.Join(projectDir, marker)); err != nil {
			continue
		}
		for _, c := range cmds {
			seen[c] = true
		}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
