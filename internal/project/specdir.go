package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/auto-claude/auto-claude/internal/core"
)

// CheckSpecDir verifies the spec-creation pipeline left a complete task
// directory. Admission requires all four files; a partial directory means
// the upstream pipeline is still writing or failed.
func CheckSpecDir(specDir string) error {
	var missing []string
	for _, name := range core.RequiredSpecFiles {
		if !fileExists(filepath.Join(specDir, name)) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return core.ErrProjectState(core.CodeSpecIncomplete,
			fmt.Sprintf("spec dir %s missing %s", filepath.Base(specDir), strings.Join(missing, ", ")))
	}
	return nil
}

// ListSpecDirs returns the spec directory names under specs/, sorted.
// Non-directories and dot entries are skipped.
func ListSpecDirs(specsDir string) ([]string, error) {
	entries, err := os.ReadDir(specsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrProjectState(core.CodeProjectNotInitialized,
				"specs directory does not exist: "+specsDir)
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// SpecCreateTime returns the admission tiebreaker timestamp for a spec:
// the plan file's modification time, falling back to the directory's.
func SpecCreateTime(specDir string) (int64, error) {
	if info, err := os.Stat(filepath.Join(specDir, core.PlanFileName)); err == nil {
		return info.ModTime().UnixNano(), nil
	}
	info, err := os.Stat(specDir)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}
