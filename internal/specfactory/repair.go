package specfactory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/fsutil"
)

// RepairAll rewrites broken dependency references across every child spec
// on disk: arrays left string-encoded by double serialization, legacy
// depends_on keys, and internal batch numbering that never got resolved to
// real ids. Siblings are grouped by parent and resolved within each group.
// The daemon runs this once at startup; plans repaired here become loadable
// again for admission. Returns the number of plans rewritten. Safe to run
// repeatedly: an already-correct plan is left untouched.
//
// Repairs work on the raw JSON documents rather than the plan store: the
// very defects being fixed are what make those files unloadable.
func (f *Factory) RepairAll() (int, error) {
	dirs, err := os.ReadDir(f.specsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading specs directory: %w", err)
	}

	allIDs := make(map[string]bool)
	byParent := make(map[string][]core.SpecID)
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		id := core.SpecID(d.Name())
		doc, err := f.readRawPlan(id)
		if err != nil {
			continue
		}
		allIDs[d.Name()] = true
		if parent := rawString(doc, "parentTask", "parent_task"); parent != "" {
			byParent[parent] = append(byParent[parent], id)
		}
	}

	parents := make([]string, 0, len(byParent))
	for p := range byParent {
		parents = append(parents, p)
	}
	sort.Strings(parents)

	repaired := 0
	for _, parent := range parents {
		siblings := byParent[parent]
		table := f.siblingRefTable(siblings)
		for _, id := range siblings {
			changed, err := f.repairOne(id, table, allIDs)
			if err != nil {
				f.logger.Warn("spec repair failed", "spec", string(id), "error", err)
				continue
			}
			if changed {
				repaired++
			}
		}
	}

	if repaired > 0 {
		f.logger.Info("dependency references repaired", "specs", repaired)
	}
	return repaired, nil
}

// repairOne normalizes and resolves one plan's dependsOn, rewriting the
// file only when something actually changed.
func (f *Factory) repairOne(id core.SpecID, table *refTable, allIDs map[string]bool) (bool, error) {
	doc, err := f.readRawPlan(id)
	if err != nil {
		return false, err
	}

	raw, hasCanonical := doc["dependsOn"]
	legacy, hasLegacy := doc["depends_on"]
	if !hasCanonical && !hasLegacy {
		return false, nil
	}
	if !hasCanonical {
		raw = legacy
	}

	// A string where the array belongs keeps the plan store from loading
	// the document at all, so the format fix alone warrants a rewrite.
	wasEncoded := strings.HasPrefix(strings.TrimSpace(string(raw)), `"`)

	deps := normalizeList(raw)
	resolved := make([]string, 0, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if allIDs[dep] {
			resolved = append(resolved, dep)
			continue
		}
		resolved = append(resolved, string(table.resolve(dep)))
	}

	if !wasEncoded && !hasLegacy && equalStrings(deps, resolved) {
		return false, nil
	}

	enc, err := json.Marshal(resolved)
	if err != nil {
		return false, err
	}
	doc["dependsOn"] = enc
	delete(doc, "depends_on")
	ts, err := json.Marshal(time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	doc["updated_at"] = ts

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return false, err
	}
	if err := fsutil.AtomicWriteFile(f.planPath(id), data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// siblingRefTable builds the reference table for one parent's children as
// found on disk, ordered as scanned. Task slugs come from each child's
// requirements.json.
func (f *Factory) siblingRefTable(siblings []core.SpecID) *refTable {
	table := newRefTable(siblings)
	for i, id := range siblings {
		if task := f.requirementsTask(id); task != "" {
			table.addTaskSlug(i, task)
		}
	}
	return table
}

// ChildSpecs returns the ids of every spec whose plan names parent, in
// lexical order. Plans are read raw so children mid-repair still show up.
func (f *Factory) ChildSpecs(parent core.SpecID) []core.SpecID {
	dirs, err := os.ReadDir(f.specsDir)
	if err != nil {
		return nil
	}
	var children []core.SpecID
	for _, d := range dirs {
		if !d.IsDir() || d.Name() == string(parent) {
			continue
		}
		doc, err := f.readRawPlan(core.SpecID(d.Name()))
		if err != nil {
			continue
		}
		if rawString(doc, "parentTask", "parent_task") == string(parent) {
			children = append(children, core.SpecID(d.Name()))
		}
	}
	return children
}

// Manifest summarizes a parent's children. The layout matches what
// decomposing agents and the status surfaces expect to report.
type Manifest struct {
	ParentSpecID core.SpecID `json:"parent_spec_id"`
	ChildCount   int         `json:"child_count"`
	Children     []ChildInfo `json:"children"`
}

// ChildInfo is one child's summary inside a Manifest.
type ChildInfo struct {
	SpecID    core.SpecID `json:"spec_id"`
	SpecDir   string      `json:"spec_dir"`
	Task      string      `json:"task,omitempty"`
	Status    string      `json:"status,omitempty"`
	Kind      string      `json:"task_type,omitempty"`
	Priority  int         `json:"priority"`
	DependsOn []string    `json:"depends_on"`
}

// Manifest builds the child summary for a parent spec.
func (f *Factory) Manifest(parent core.SpecID) *Manifest {
	children := f.ChildSpecs(parent)
	m := &Manifest{
		ParentSpecID: parent,
		ChildCount:   len(children),
		Children:     make([]ChildInfo, 0, len(children)),
	}

	for _, id := range children {
		info := ChildInfo{
			SpecID:    id,
			SpecDir:   filepath.Join(f.specsDir, string(id)),
			Priority:  int(core.PriorityNormal),
			DependsOn: []string{},
			Task:      f.requirementsTask(id),
		}
		if doc, err := f.readRawPlan(id); err == nil {
			info.Status = rawString(doc, "status")
			info.Kind = rawString(doc, "kind", "taskType", "task_type")
			if raw, ok := doc["priority"]; ok {
				var n int
				if json.Unmarshal(raw, &n) == nil {
					info.Priority = int(core.ClampPriority(n))
				}
			}
			if raw, ok := doc["dependsOn"]; ok {
				info.DependsOn = normalizeList(raw)
			} else if raw, ok := doc["depends_on"]; ok {
				info.DependsOn = normalizeList(raw)
			}
		}
		m.Children = append(m.Children, info)
	}
	return m
}

func (f *Factory) planPath(id core.SpecID) string {
	return filepath.Join(f.specsDir, string(id), core.PlanFileName)
}

func (f *Factory) readRawPlan(id core.SpecID) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.planPath(id))
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// requirementsTask reads the task description recorded in a spec's
// requirements.json; empty when missing or unreadable.
func (f *Factory) requirementsTask(id core.SpecID) string {
	data, err := os.ReadFile(filepath.Join(f.specsDir, string(id), core.RequirementsFileName))
	if err != nil {
		return ""
	}
	var doc struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Task
}

// rawString returns the first present key decoded as a string.
func rawString(doc map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := doc[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
