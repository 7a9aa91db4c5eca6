package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/auto-claude/auto-claude/internal/core"
)

// specPreamble assembles the task framing every agent turn opens with:
// the requirement's task line, then the spec document. Missing or
// malformed files degrade to what is readable.
func specPreamble(specDir string, specID core.SpecID) string {
	var parts []string

	if data, err := os.ReadFile(filepath.Join(specDir, core.RequirementsFileName)); err == nil {
		var req struct {
			Task string `json:"task"`
		}
		if json.Unmarshal(data, &req) == nil && req.Task != "" {
			parts = append(parts, "Task: "+req.Task)
		}
	}

	if data, err := os.ReadFile(filepath.Join(specDir, core.SpecFileName)); err == nil {
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, text)
		}
	}

	if len(parts) == 0 {
		parts = append(parts, "Implement task: "+string(specID))
	}
	return strings.Join(parts, "\n\n")
}

// withTemplate appends the agent definition's prompt template when it has
// one.
func withTemplate(body string, def core.AgentDefinition) string {
	if def.PromptTemplate == "" {
		return body
	}
	return body + "\n\n" + def.PromptTemplate
}

// plannerPrompt frames the planning turn: produce the phased plan before
// any code changes.
func plannerPrompt(preamble string) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\nBreak this task into implementation phases with concrete subtasks ")
	b.WriteString("and record them in implementation_plan.json. Each subtask needs an id, ")
	b.WriteString("a description, and the files it creates or modifies. Do not change any ")
	b.WriteString("project files in this session.")
	return b.String()
}

// coderPrompt frames one coding turn with the plan's progress so a fresh
// session picks up where the previous one stopped.
func coderPrompt(preamble string, plan *core.Plan) string {
	done, total := plan.Progress()

	var b strings.Builder
	b.WriteString(preamble)
	fmt.Fprintf(&b, "\n\nProgress: %d of %d subtasks completed.", done, total)
	if current := plan.CurrentSubtask(); current != "" {
		fmt.Fprintf(&b, "\nNext subtask: %s", current)
	}
	b.WriteString("\n\nContinue the implementation. Work through the pending subtasks in ")
	b.WriteString("order, mark each one completed in implementation_plan.json as you ")
	b.WriteString("finish it, and commit your changes.")
	return b.String()
}

// searchPrompt frames one bounded search round over candidate
// implementations.
func searchPrompt(preamble string, round, maxRounds int, previous string) string {
	var b strings.Builder
	b.WriteString(preamble)
	fmt.Fprintf(&b, "\n\nThis is search round %d of %d.", round, maxRounds)
	if previous != "" {
		b.WriteString(" Lessons from the previous round:\n")
		b.WriteString(previous)
	}
	b.WriteString("\n\nExplore candidate implementations, keep the strongest one in the ")
	b.WriteString("working tree, and record completed subtasks in implementation_plan.json. ")
	b.WriteString("Commit the candidate you keep.")
	return b.String()
}

// resolverPrompt lists the conflicted paths for the merge resolver.
func resolverPrompt(branch string, paths []string, def core.AgentDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merging branch %s into the base branch stopped on conflicts.\n", branch)
	b.WriteString("Conflicted files:\n")
	for _, p := range paths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\nResolve every conflict marker, stage the resolved files, and commit ")
	b.WriteString("the merge. Do not push.")
	return withTemplate(b.String(), def)
}
