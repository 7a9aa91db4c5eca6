package specfactory

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Entry describes one child task in a decomposition batch.
type Entry struct {
	Task               string
	Kind               core.TaskKind
	Priority           core.Priority
	Complexity         string
	DependsOn          []string
	FilesToModify      []string
	AcceptanceCriteria []string
}

// entryDoc lists every key variant agents use for the same field. Tool
// transports double-serialize values often enough that list fields arrive
// as raw messages and are normalized separately.
type entryDoc struct {
	Task            string `json:"task"`
	TaskDescription string `json:"task_description"`

	TaskType  string `json:"task_type"`
	TaskType2 string `json:"taskType"`
	Kind      string `json:"kind"`

	Priority   json.RawMessage `json:"priority"`
	Complexity string          `json:"complexity"`

	DependsOn    json.RawMessage `json:"depends_on"`
	DependsOn2   json.RawMessage `json:"dependsOn"`
	Dependencies json.RawMessage `json:"dependencies"`

	Files          json.RawMessage `json:"files"`
	FilesToModify  json.RawMessage `json:"files_to_modify"`
	FilesToModify2 json.RawMessage `json:"filesToModify"`

	Criteria            json.RawMessage `json:"criteria"`
	AcceptanceCriteria  json.RawMessage `json:"acceptance_criteria"`
	AcceptanceCriteria2 json.RawMessage `json:"acceptanceCriteria"`
}

// UnmarshalJSON folds the alias keys into the canonical fields.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var doc entryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	e.Task = strings.TrimSpace(firstNonEmpty(doc.Task, doc.TaskDescription))
	if kind := firstNonEmpty(doc.TaskType, doc.TaskType2, doc.Kind); kind != "" {
		e.Kind = core.ParseTaskKind(kind)
	} else {
		e.Kind = core.KindImpl
	}
	e.Priority = parsePriority(doc.Priority)
	e.Complexity = strings.TrimSpace(doc.Complexity)
	e.DependsOn = normalizeList(firstRaw(doc.DependsOn, doc.DependsOn2, doc.Dependencies))
	e.FilesToModify = normalizeList(firstRaw(doc.Files, doc.FilesToModify, doc.FilesToModify2))
	e.AcceptanceCriteria = normalizeList(firstRaw(doc.Criteria, doc.AcceptanceCriteria, doc.AcceptanceCriteria2))
	return nil
}

// batchDoc is the envelope agents wrap batches in when they do not emit a
// bare array.
type batchDoc struct {
	Specs    []Entry `json:"specs"`
	Children []Entry `json:"children"`
	Tasks    []Entry `json:"tasks"`
}

// ParseBatch recovers a batch of entries from agent-produced text: a bare
// JSON payload, or a transcript with the batch embedded in prose. Candidate
// JSON blocks are repaired before decoding; agents reliably produce
// slightly malformed JSON. Accepted shapes are a bare array and an object
// wrapping the array under specs, children, or tasks.
func ParseBatch(text string) ([]Entry, error) {
	candidates := batchCandidates(text)
	if len(candidates) == 0 {
		candidates = []string{strings.TrimSpace(text)}
	}
	for _, candidate := range candidates {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			continue
		}
		if entries, ok := decodeBatch([]byte(repaired)); ok {
			return entries, nil
		}
	}
	return nil, core.ErrExecution(core.CodeParseFailed, "no spec batch found in text")
}

func decodeBatch(data []byte) ([]Entry, bool) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err == nil && hasTask(entries) {
		return entries, true
	}
	var doc batchDoc
	if err := json.Unmarshal(data, &doc); err == nil {
		for _, set := range [][]Entry{doc.Specs, doc.Children, doc.Tasks} {
			if hasTask(set) {
				return set, true
			}
		}
	}
	return nil, false
}

// hasTask filters out stray JSON that happens to decode: a real batch
// names at least one task.
func hasTask(entries []Entry) bool {
	for _, e := range entries {
		if strings.TrimSpace(e.Task) != "" {
			return true
		}
	}
	return false
}

// batchCandidates extracts potential JSON payloads from free text, ordered
// by position descending: the last thing the agent emitted is its final
// answer. Fenced blocks and the balanced bracket scan overlap; duplicates
// are dropped.
func batchCandidates(text string) []string {
	type candidate struct {
		pos  int
		body string
	}
	var found []candidate

	// Fenced code blocks.
	offset := 0
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		bodyOff := offset + start + 3
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
			bodyOff += nl + 1
		}
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		if block := strings.TrimSpace(body[:end]); strings.HasPrefix(block, "{") || strings.HasPrefix(block, "[") {
			found = append(found, candidate{pos: bodyOff, body: block})
		}
		rest = body[end+3:]
		offset = bodyOff + end + 3
	}

	// Balanced top-level objects or arrays anywhere in the text. A payload
	// still open at the end of the text is kept too; the repairer closes it.
	var stack []byte
	start := -1
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '{', '[':
			if len(stack) == 0 {
				start = i
			}
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			if (c == '}' && top == '{') || (c == ']' && top == '[') {
				stack = stack[:len(stack)-1]
				if len(stack) == 0 && start >= 0 {
					found = append(found, candidate{pos: start, body: text[start : i+1]})
					start = -1
				}
			} else {
				stack = stack[:0]
				start = -1
			}
		}
	}
	if start >= 0 && len(stack) > 0 {
		found = append(found, candidate{pos: start, body: text[start:]})
	}

	sort.SliceStable(found, func(a, b int) bool { return found[a].pos > found[b].pos })

	seen := make(map[string]bool, len(found))
	out := make([]string, 0, len(found))
	for _, c := range found {
		if seen[c.body] {
			continue
		}
		seen[c.body] = true
		out = append(out, c.body)
	}
	return out
}

// normalizeList recovers a string list from the shapes tool transports
// produce: a real array (possibly of numbers), a JSON array serialized
// twice, a comma-separated run, a single bare value, or nothing.
func normalizeList(raw json.RawMessage) []string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []string{}
	}

	var items []interface{}
	if err := json.Unmarshal(raw, &items); err == nil {
		return stringItems(items)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return []string{}
	}
	return splitList(s)
}

// splitList handles the string-encoded forms of a list.
func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}
	if strings.HasPrefix(s, "[") {
		if repaired, err := jsonrepair.JSONRepair(s); err == nil {
			var items []interface{}
			if err := json.Unmarshal([]byte(repaired), &items); err == nil {
				return stringItems(items)
			}
		}
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []string{s}
}

func stringItems(items []interface{}) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		case float64:
			// Numeric batch references ([1, 2]) are common; keep them as
			// the digit strings the resolver understands.
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	return out
}

// parsePriority accepts the integer form and its string-wrapped twin.
func parsePriority(raw json.RawMessage) core.Priority {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return core.PriorityNormal
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return core.ClampPriority(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return core.ClampPriority(n)
		}
	}
	return core.PriorityNormal
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
