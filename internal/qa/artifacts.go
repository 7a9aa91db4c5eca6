package qa

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// fingerprintArtifacts hashes the identity of every file matching the globs
// under workingDir: path, size, and mtime. The fixer touching any matched
// file changes the fingerprint; content hashing would cost a full read of
// the tree per iteration for no extra signal.
func fingerprintArtifacts(workingDir string, globs []string) string {
	fsys := os.DirFS(workingDir)
	seen := make(map[string]bool)
	var files []string
	for _, g := range globs {
		matches, err := doublestar.Glob(fsys, g)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if seen[m] || ignoredArtifactPath(m) {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		info, err := os.Stat(filepath.Join(workingDir, f))
		if err != nil || info.IsDir() {
			continue
		}
		fmt.Fprintf(h, "%s|%d|%d\n", f, info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ignoredArtifactPath drops trees whose churn says nothing about the
// implementation: VCS internals, dependency dirs, and our own state files.
func ignoredArtifactPath(p string) bool {
	for _, part := range strings.Split(p, "/") {
		switch part {
		case ".git", "node_modules", ".auto-claude", "__pycache__", ".venv":
			return true
		}
	}
	return false
}
