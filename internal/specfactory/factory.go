// Package specfactory creates child task specs on behalf of decomposing
// agents. A design-kind agent hands over a batch of task entries; the
// factory allocates sequential spec ids, rewrites the batch's internal
// dependency references to real ids, and writes the four spec files the
// daemon requires for admission. The whole batch is validated before the
// first file touches disk, so a rejected batch leaves no trace.
package specfactory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/fsutil"
	"github.com/auto-claude/auto-claude/internal/logging"
)

const (
	maxSlugLen        = 50
	maxDepthWalk      = 10
	defaultComplexity = "standard"
	defaultChildDepth = 2
	createdByName     = "spec_factory"

	// childSpecsKey is the parent-plan field recording created child ids.
	childSpecsKey = "childSpecs"
)

// Config assembles a Factory. Specs are always created in the main
// project's specs directory, never inside a task worktree; callers running
// from a worktree must hand over the main project's paths.
type Config struct {
	SpecsDir string
	Plans    core.PlanStore
	// MaxChildDepth bounds the parentTask chain; zero or negative uses
	// the default of 2.
	MaxChildDepth int
	Logger        *logging.Logger
}

// Factory creates and repairs child specs under one specs directory.
type Factory struct {
	specsDir string
	plans    core.PlanStore
	maxDepth int
	logger   *logging.Logger
}

// New builds a factory from its configuration.
func New(cfg Config) *Factory {
	maxDepth := cfg.MaxChildDepth
	if maxDepth <= 0 {
		maxDepth = defaultChildDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Factory{
		specsDir: cfg.SpecsDir,
		plans:    cfg.Plans,
		maxDepth: maxDepth,
		logger:   logger.WithComponent("specfactory"),
	}
}

// CreateBatch creates every usable entry of a decomposition batch as a
// child spec of parent. Entries without a task description are skipped.
// Batch members may reference each other by 1-based position, by the NNN
// numbering agents assume, by slug, or by the final id; every form is
// rewritten to the real spec id before anything is written. A batch that
// fails validation writes nothing.
func (f *Factory) CreateBatch(ctx context.Context, parent core.SpecID, entries []Entry) ([]core.SpecID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keep := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Task) == "" {
			continue
		}
		if e.Kind == "" {
			e.Kind = core.KindImpl
		}
		keep = append(keep, e)
	}
	if len(keep) == 0 {
		return nil, core.ErrConfig(core.CodeInvalidConfig, "batch contains no entries with a task description")
	}

	parentPlan, err := f.plans.Load(parent)
	if err != nil {
		return nil, err
	}
	if existing := decodeChildSpecs(parentPlan); len(existing) > 0 {
		return nil, core.ErrProjectState(core.CodeAlreadyDecomposed,
			fmt.Sprintf("%s already recorded %d child specs", parent, len(existing)))
	}

	childDepth := f.depth(parent) + 1
	if childDepth > f.maxDepth {
		return nil, core.ErrConfig(core.CodeDepthExceeded,
			fmt.Sprintf("children of %s would sit at depth %d, beyond the limit of %d; flatten the decomposition instead",
				parent, childDepth, f.maxDepth))
	}
	if childDepth >= f.maxDepth {
		for _, e := range keep {
			if e.Kind.IsDecomposing() {
				return nil, core.ErrConfig(core.CodeDepthExceeded,
					fmt.Sprintf("%s children cannot be created at depth %d; use implementation kinds below depth %d",
						e.Kind, childDepth, f.maxDepth))
			}
		}
	}

	ids, err := f.allocateIDs(keep)
	if err != nil {
		return nil, err
	}

	table := newRefTable(ids)
	for i, e := range keep {
		table.addTaskSlug(i, e.Task)
	}
	resolved := make([][]core.SpecID, len(keep))
	for i, e := range keep {
		deps := make([]core.SpecID, 0, len(e.DependsOn))
		for _, ref := range e.DependsOn {
			deps = append(deps, table.resolve(ref))
		}
		resolved[i] = deps
	}

	if cycle := findCycle(ids, resolved); len(cycle) > 0 {
		return nil, core.ErrConfig(core.CodeBatchCycle,
			fmt.Sprintf("batch dependencies form a cycle: %s", joinIDs(cycle)))
	}

	created := make([]core.SpecID, 0, len(keep))
	for i, e := range keep {
		if err := f.writeSpec(ids[i], parent, e, resolved[i]); err != nil {
			return created, err
		}
		created = append(created, ids[i])
	}

	f.recordChildren(parent, created)
	f.touch()

	f.logger.Info("child specs created",
		"parent", string(parent), "count", len(created))
	return created, nil
}

// depth walks the parentTask chain. Plans that are missing or unreadable
// end the walk, so a corrupted chain reads as shallow rather than blocking
// decomposition outright.
func (f *Factory) depth(specID core.SpecID) int {
	depth := 0
	current := specID
	for i := 0; i < maxDepthWalk; i++ {
		p, err := f.plans.Load(current)
		if err != nil || p.ParentTask == "" {
			break
		}
		depth++
		current = p.ParentTask
	}
	return depth
}

// allocateIDs assigns sequential NNN-slug ids, continuing from the highest
// numeric prefix already present in the specs directory.
func (f *Factory) allocateIDs(entries []Entry) ([]core.SpecID, error) {
	next, err := f.nextSequence()
	if err != nil {
		return nil, err
	}
	ids := make([]core.SpecID, len(entries))
	for i, e := range entries {
		ids[i] = core.SpecID(fmt.Sprintf("%03d-%s", next+i, idSlug(e.Task)))
	}
	return ids, nil
}

func (f *Factory) nextSequence() (int, error) {
	dirs, err := os.ReadDir(f.specsDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(f.specsDir, 0o755); mkErr != nil {
				return 0, fmt.Errorf("creating specs directory: %w", mkErr)
			}
			return 1, nil
		}
		return 0, fmt.Errorf("reading specs directory: %w", err)
	}

	highest := 0
	for _, d := range dirs {
		if !d.IsDir() || len(d.Name()) < 3 {
			continue
		}
		if n, err := strconv.Atoi(d.Name()[:3]); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// writeSpec lays down one child's spec directory. The plan file goes last:
// its presence with status queue is what makes the child admissible, so the
// other three files must already be in place when the watcher fires.
func (f *Factory) writeSpec(id core.SpecID, parent core.SpecID, e Entry, deps []core.SpecID) error {
	dir := filepath.Join(f.specsDir, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating spec directory %s: %w", id, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	complexity := e.Complexity
	if complexity == "" {
		complexity = defaultComplexity
	}

	md := specMarkdown(e, parent)
	if err := fsutil.AtomicWriteFile(filepath.Join(dir, core.SpecFileName), []byte(md), 0o644); err != nil {
		return fmt.Errorf("writing %s for %s: %w", core.SpecFileName, id, err)
	}

	req := requirementsDoc{
		Task:               e.Task,
		ParentSpec:         string(parent),
		Complexity:         complexity,
		FilesToModify:      orEmpty(e.FilesToModify),
		AcceptanceCriteria: orEmpty(e.AcceptanceCriteria),
		CreatedAt:          now,
		CreatedBy:          createdByName,
	}
	if err := writeJSON(filepath.Join(dir, core.RequirementsFileName), req); err != nil {
		return fmt.Errorf("writing %s for %s: %w", core.RequirementsFileName, id, err)
	}

	cd := contextDoc{
		ParentSpec:      string(parent),
		TaskDescription: e.Task,
		FilesToModify:   orEmpty(e.FilesToModify),
		CreatedAt:       now,
	}
	if err := writeJSON(filepath.Join(dir, core.ContextFileName), cd); err != nil {
		return fmt.Errorf("writing %s for %s: %w", core.ContextFileName, id, err)
	}

	p := core.NewPlan(e.Kind, e.Priority, parent, deps)
	raw, err := json.Marshal(complexity)
	if err != nil {
		return fmt.Errorf("encoding complexity for %s: %w", id, err)
	}
	p.Extra = map[string]json.RawMessage{"complexity": raw}
	if err := f.plans.Save(id, p); err != nil {
		return fmt.Errorf("writing plan for %s: %w", id, err)
	}
	return nil
}

// recordChildren stamps the created ids onto the parent plan. The children
// already exist and will run either way; a parent that cannot be updated
// is logged and left to RepairAll.
func (f *Factory) recordChildren(parent core.SpecID, children []core.SpecID) {
	names := make([]string, len(children))
	for i, id := range children {
		names[i] = string(id)
	}
	_, err := f.plans.Mutate(parent, func(p *core.Plan) error {
		raw, merr := json.Marshal(names)
		if merr != nil {
			return merr
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[childSpecsKey] = raw
		p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		f.logger.Warn("parent plan not updated with child ids",
			"parent", string(parent), "error", err)
	}
}

// touch bumps the specs directory mtime so watchers that only hold the
// root pick the new children up without waiting for the rescan.
func (f *Factory) touch() {
	now := time.Now()
	if err := os.Chtimes(f.specsDir, now, now); err != nil {
		f.logger.Debug("specs directory touch failed", "error", err)
	}
}

// decodeChildSpecs reads the recorded child ids off a parent plan.
func decodeChildSpecs(p *core.Plan) []core.SpecID {
	if p == nil || p.Extra == nil {
		return nil
	}
	raw, ok := p.Extra[childSpecsKey]
	if !ok {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil
	}
	out := make([]core.SpecID, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, core.SpecID(n))
		}
	}
	return out
}

// requirementsDoc mirrors the requirements.json layout consumed by agents.
type requirementsDoc struct {
	Task               string   `json:"task"`
	ParentSpec         string   `json:"parent_spec"`
	Complexity         string   `json:"complexity"`
	FilesToModify      []string `json:"files_to_modify"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	CreatedAt          string   `json:"created_at"`
	CreatedBy          string   `json:"created_by"`
}

// contextDoc mirrors the context.json layout consumed by agents.
type contextDoc struct {
	ParentSpec      string   `json:"parent_spec"`
	TaskDescription string   `json:"task_description"`
	FilesToModify   []string `json:"files_to_modify"`
	CreatedAt       string   `json:"created_at"`
}

func writeJSON(path string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWriteFile(path, data, 0o644)
}

// specMarkdown renders the generated spec.md for a child task.
func specMarkdown(e Entry, parent core.SpecID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", e.Task)
	fmt.Fprintf(&b, "> Parent Spec: `%s`\n\n", parent)
	b.WriteString("## Overview\n\n")
	b.WriteString(e.Task)
	b.WriteString("\n\n")

	if len(e.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance Criteria\n\n")
		for _, c := range e.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
		b.WriteByte('\n')
	}
	if len(e.FilesToModify) > 0 {
		b.WriteString("## Files to Modify\n\n")
		for _, path := range e.FilesToModify {
			fmt.Fprintf(&b, "- `%s`\n", path)
		}
		b.WriteByte('\n')
	}

	b.WriteString("## Notes\n\nAuto-generated from a decomposition batch; the parent spec holds the full design context.\n")
	return b.String()
}

var (
	slugDropRE     = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaceRE    = regexp.MustCompile(`[\s_]+`)
	slugCollapseRE = regexp.MustCompile(`-+`)
	numPrefixRE    = regexp.MustCompile(`^\d+-`)
)

// slugify reduces free text to the lowercase dashed form used in spec ids
// and dependency references.
func slugify(s string) string {
	slug := strings.ToLower(s)
	slug = slugDropRE.ReplaceAllString(slug, "")
	slug = slugSpaceRE.ReplaceAllString(slug, "-")
	slug = slugCollapseRE.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// idSlug caps the slug for use in a generated id and never returns the
// empty string; an id ending in a bare dash would not round-trip through
// SpecID parsing.
func idSlug(task string) string {
	slug := slugify(task)
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}

// orEmpty keeps generated JSON arrays as [] rather than null.
func orEmpty(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
