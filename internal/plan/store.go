// Package plan persists the per-task implementation_plan.json documents.
// Every write is schema-validated and atomic; unknown fields written by
// other tooling survive round trips untouched.
package plan

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/fsutil"
)

//go:embed schema/plan_v1.json
var schemaJSON string

const defaultCacheSize = 512

// cacheEntry pins a parsed plan to the file identity it was read from. A
// hit requires both mtime and size to match the file on disk.
type cacheEntry struct {
	mtime time.Time
	size  int64
	plan  *core.Plan
}

// Store reads and writes plan documents under a specs directory.
type Store struct {
	specsDir string
	schema   *gojsonschema.Schema
	cache    *lru.Cache[string, cacheEntry]

	mu    sync.Mutex
	locks map[core.SpecID]*sync.Mutex
}

// NewStore creates a plan store rooted at specsDir.
func NewStore(specsDir string) (*Store, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compiling plan schema: %w", err)
	}
	cache, err := lru.New[string, cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating plan cache: %w", err)
	}
	return &Store{
		specsDir: specsDir,
		schema:   schema,
		cache:    cache,
		locks:    make(map[core.SpecID]*sync.Mutex),
	}, nil
}

// Path returns the plan file path for a spec.
func (s *Store) Path(specID core.SpecID) string {
	return filepath.Join(s.specsDir, string(specID), core.PlanFileName)
}

// lock returns the per-spec mutex, creating it on first use.
func (s *Store) lock(specID core.SpecID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[specID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[specID] = l
	}
	return l
}

// Load reads and parses the plan for a spec. The returned plan is the
// caller's copy; mutating it does not affect the cache.
func (s *Store) Load(specID core.SpecID) (*core.Plan, error) {
	l := s.lock(specID)
	l.Lock()
	defer l.Unlock()
	return s.loadLocked(specID)
}

func (s *Store) loadLocked(specID core.SpecID) (*core.Plan, error) {
	path := s.Path(specID)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("plan", string(specID))
		}
		return nil, fmt.Errorf("stat plan: %w", err)
	}

	if entry, ok := s.cache.Get(path); ok {
		if entry.mtime.Equal(info.ModTime()) && entry.size == info.Size() {
			return clonePlan(entry.plan)
		}
		s.cache.Remove(path)
	}

	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	var p core.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.ErrPlanUnreadable(string(specID), err)
	}

	s.cache.Add(path, cacheEntry{mtime: info.ModTime(), size: info.Size(), plan: &p})
	return clonePlan(&p)
}

// Save validates and atomically writes the plan for a spec.
func (s *Store) Save(specID core.SpecID, p *core.Plan) error {
	l := s.lock(specID)
	l.Lock()
	defer l.Unlock()
	return s.saveLocked(specID, p)
}

func (s *Store) saveLocked(specID core.SpecID, p *core.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling plan: %w", err)
	}

	if err := s.validateSchema(data); err != nil {
		return err
	}

	path := s.Path(specID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating spec directory: %w", err)
	}
	if err := fsutil.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing plan: %w", err)
	}

	if info, err := os.Stat(path); err == nil {
		if clone, cerr := clonePlan(p); cerr == nil {
			s.cache.Add(path, cacheEntry{mtime: info.ModTime(), size: info.Size(), plan: clone})
		}
	}
	return nil
}

// Mutate applies fn to the current plan under the per-spec lock and writes
// the result, returning the plan as persisted. When the stored file cannot
// be parsed the mutation is abandoned and the file is left untouched.
func (s *Store) Mutate(specID core.SpecID, fn func(*core.Plan) error) (*core.Plan, error) {
	l := s.lock(specID)
	l.Lock()
	defer l.Unlock()

	p, err := s.loadLocked(specID)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := s.saveLocked(specID, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Interface check against the core port.
var _ core.PlanStore = (*Store)(nil)

// Exists reports whether a plan file is present for the spec.
func (s *Store) Exists(specID core.SpecID) bool {
	_, err := os.Stat(s.Path(specID))
	return err == nil
}

// validateSchema checks serialized plan bytes against the embedded schema.
func (s *Store) validateSchema(data []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return core.ErrPlanSchema(fmt.Sprintf("schema validation: %v", err))
	}
	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return core.ErrPlanSchema(strings.Join(errs, "; "))
}

// clonePlan deep-copies a plan through its own codec. The round trip is
// lossless, including preserved unknown fields.
func clonePlan(p *core.Plan) (*core.Plan, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("cloning plan: %w", err)
	}
	var out core.Plan
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cloning plan: %w", err)
	}
	return &out, nil
}
