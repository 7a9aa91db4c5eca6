package specfactory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/auto-claude/auto-claude/internal/core"
)

func TestParseBatchFromTranscript(t *testing.T) {
	text := "I broke the design into three tasks.\n\n" +
		"```json\n" +
		`{"specs": [` +
		`{"task": "Build the API", "task_type": "backend", "priority": 1},` +
		`{"task": "Build the UI", "depends_on": ["1"]}` +
		"]}\n```\n\nEach task is independently testable."
	entries, err := ParseBatch(text)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("parsed %d entries, want 2", len(entries))
	}
	if entries[0].Task != "Build the API" || entries[0].Kind != core.KindBackend || entries[0].Priority != core.PriorityHigh {
		t.Errorf("first entry = %+v", entries[0])
	}
	if len(entries[1].DependsOn) != 1 || entries[1].DependsOn[0] != "1" {
		t.Errorf("second entry deps = %v, want [1]", entries[1].DependsOn)
	}
	if entries[1].Kind != core.KindImpl {
		t.Errorf("second entry kind = %s, want impl default", entries[1].Kind)
	}
}

func TestParseBatchBareArray(t *testing.T) {
	entries, err := ParseBatch(`[{"task": "One"}, {"task": "Two"}]`)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(entries) != 2 || entries[0].Task != "One" || entries[1].Task != "Two" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestParseBatchRepairsDamagedJSON(t *testing.T) {
	// Trailing comma and a missing closing bracket, the two most common
	// model emission defects.
	text := "Here is the batch:\n\n[\n  {\"task\": \"Fix login\",},\n  {\"task\": \"Add logout\"}\n"
	entries, err := ParseBatch(text)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("parsed %d entries, want 2", len(entries))
	}
	if entries[0].Task != "Fix login" || entries[1].Task != "Add logout" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestParseBatchSkipsTrailingNonBatchJSON(t *testing.T) {
	// The closing status object decodes fine but carries no tasks; the
	// parser has to fall back to the earlier block.
	text := `Batch: [{"task": "Real work"}]` + "\n\nDone.\n\n" + `{"status": "complete"}`
	entries, err := ParseBatch(text)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(entries) != 1 || entries[0].Task != "Real work" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestParseBatchNoBatch(t *testing.T) {
	_, err := ParseBatch("All subtasks were already created earlier, nothing to do.")
	if err == nil {
		t.Fatal("expected error for text without a batch")
	}
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Code != core.CodeParseFailed {
		t.Errorf("error = %v, want code %s", err, core.CodeParseFailed)
	}
}

func TestEntryAliasKeys(t *testing.T) {
	raw := `{
		"task_description": "Migrate sessions table",
		"taskType": "database",
		"priority": "1",
		"dependencies": "[\"002-auth-api\"]",
		"files": "db/schema.sql, internal/store/sessions.go",
		"acceptance_criteria": ["migration applies cleanly"]
	}`
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Task != "Migrate sessions table" {
		t.Errorf("task = %q", e.Task)
	}
	if e.Kind != core.KindDatabase {
		t.Errorf("kind = %s, want database", e.Kind)
	}
	if e.Priority != core.PriorityHigh {
		t.Errorf("priority = %d, want %d", e.Priority, core.PriorityHigh)
	}
	if len(e.DependsOn) != 1 || e.DependsOn[0] != "002-auth-api" {
		t.Errorf("dependsOn = %v", e.DependsOn)
	}
	if len(e.FilesToModify) != 2 || e.FilesToModify[1] != "internal/store/sessions.go" {
		t.Errorf("filesToModify = %v", e.FilesToModify)
	}
	if len(e.AcceptanceCriteria) != 1 {
		t.Errorf("acceptanceCriteria = %v", e.AcceptanceCriteria)
	}
}

func TestEntryDefaults(t *testing.T) {
	var e Entry
	if err := json.Unmarshal([]byte(`{"task": "Bare minimum"}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Kind != core.KindImpl {
		t.Errorf("kind = %s, want impl", e.Kind)
	}
	if e.Priority != core.PriorityNormal {
		t.Errorf("priority = %d, want %d", e.Priority, core.PriorityNormal)
	}
	if len(e.DependsOn) != 0 || len(e.FilesToModify) != 0 || len(e.AcceptanceCriteria) != 0 {
		t.Errorf("list defaults = %v / %v / %v, want empty", e.DependsOn, e.FilesToModify, e.AcceptanceCriteria)
	}
}

func TestNormalizeList(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"null", `null`, nil},
		{"strings", `[" a ", "b"]`, []string{"a", "b"}},
		{"numeric refs", `[1, 2]`, []string{"1", "2"}},
		{"double serialized", `"[\"x\", \"y\"]"`, []string{"x", "y"}},
		{"damaged serialized", `"[\"x\", \"y\""`, []string{"x", "y"}},
		{"comma string", `"a, b ,c"`, []string{"a", "b", "c"}},
		{"single string", `"solo"`, []string{"solo"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeList(json.RawMessage(tc.raw))
			if len(got) != len(tc.want) {
				t.Fatalf("normalizeList(%s) = %v, want %v", tc.raw, got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("item %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	cases := []struct {
		raw  string
		want core.Priority
	}{
		{`1`, core.PriorityHigh},
		{`"3"`, core.PriorityLow},
		{`9`, core.PriorityLow},
		{`-2`, core.PriorityCritical},
		{`"fast"`, core.PriorityNormal},
		{``, core.PriorityNormal},
	}
	for _, tc := range cases {
		if got := parsePriority(json.RawMessage(tc.raw)); got != tc.want {
			t.Errorf("parsePriority(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}
