package specfactory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/auto-claude/auto-claude/internal/core"
)

// fuzzyThreshold is the minimum slug-overlap score accepted as a match.
const fuzzyThreshold = 0.3

// refTable maps every reference form an agent may use for a batch member
// to the member's real spec id. Numbering follows the convention agents
// assume while decomposing: the parent is 001 and children count from 002,
// while bare digits are 1-based batch positions. The padded and unpadded
// keys never collide.
type refTable struct {
	exact map[string]core.SpecID
	ids   []core.SpecID
}

func newRefTable(ids []core.SpecID) *refTable {
	t := &refTable{
		exact: make(map[string]core.SpecID, len(ids)*5),
		ids:   ids,
	}
	for i, id := range ids {
		t.exact[fmt.Sprintf("%03d", i+2)] = id
		t.exact[strconv.Itoa(i+1)] = id
		t.exact[string(id)] = id
		if slug := stripNumPrefix(string(id)); slug != "" {
			t.exact[slug] = id
		}
	}
	return t
}

// addTaskSlug registers the NNN-slug form derived from the member's task
// description, covering agents that reference "002-backend-api" built from
// their own task wording rather than the allocated id.
func (t *refTable) addTaskSlug(i int, task string) {
	if i < 0 || i >= len(t.ids) {
		return
	}
	if slug := slugify(task); slug != "" {
		t.exact[fmt.Sprintf("%03d-%s", i+2, slug)] = t.ids[i]
	}
}

// resolve maps one dependency reference to a real spec id. Unresolvable
// references pass through unchanged; they may name a pre-existing spec,
// and RepairAll revisits whatever remains broken.
func (t *refTable) resolve(ref string) core.SpecID {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if id, ok := t.exact[ref]; ok {
		return id
	}

	if digits := leadingDigits(ref); digits != "" {
		if id, ok := t.exact[zfill3(digits)]; ok {
			return id
		}
		if id, ok := t.exact[digits]; ok {
			return id
		}
	}

	if id, ok := t.fuzzy(ref); ok {
		return id
	}
	return core.SpecID(ref)
}

// fuzzy scores each member by how much of its slug the reference covers
// and accepts the best containment above the threshold.
func (t *refTable) fuzzy(ref string) (core.SpecID, bool) {
	depSlug := strings.ToLower(stripNumPrefix(ref))
	if depSlug == "" {
		return "", false
	}

	var best core.SpecID
	bestScore := 0.0
	for _, id := range t.ids {
		actualSlug := strings.ToLower(stripNumPrefix(string(id)))
		if actualSlug == "" {
			continue
		}
		if strings.Contains(actualSlug, depSlug) || strings.HasPrefix(actualSlug, depSlug) {
			score := float64(len(depSlug)) / float64(len(actualSlug))
			if score > bestScore {
				bestScore = score
				best = id
			}
		}
	}
	if best != "" && bestScore > fuzzyThreshold {
		return best, true
	}
	return "", false
}

// findCycle looks for a dependency cycle among the batch members and
// returns one closed path when found. Edges to pre-existing specs cannot
// close a cycle: nothing on disk references an id that is only now being
// allocated.
func findCycle(ids []core.SpecID, deps [][]core.SpecID) []core.SpecID {
	index := make(map[core.SpecID]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(ids))
	var stack []core.SpecID

	var visit func(i int) []core.SpecID
	visit = func(i int) []core.SpecID {
		color[i] = gray
		stack = append(stack, ids[i])
		for _, dep := range deps[i] {
			j, ok := index[dep]
			if !ok {
				continue
			}
			switch color[j] {
			case gray:
				for k, id := range stack {
					if id == ids[j] {
						cycle := append([]core.SpecID{}, stack[k:]...)
						return append(cycle, ids[j])
					}
				}
			case white:
				if c := visit(j); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range ids {
		if color[i] == white {
			if c := visit(i); c != nil {
				return c
			}
		}
	}
	return nil
}

func joinIDs(ids []core.SpecID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}

// stripNumPrefix removes a leading digit run followed by a dash.
func stripNumPrefix(s string) string {
	return numPrefixRE.ReplaceAllString(s, "")
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

func zfill3(s string) string {
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
