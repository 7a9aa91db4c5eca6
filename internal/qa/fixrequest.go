package qa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/fsutil"
)

func fixRequestPath(specDir string) string {
	return filepath.Join(specDir, core.FixRequestFileName)
}

// readFixRequest returns the pending fix request content, if any. Humans
// drop this file into the spec dir to demand rework; the loop writes it
// itself after a rejection.
func readFixRequest(specDir string) (string, bool) {
	data, err := os.ReadFile(fixRequestPath(specDir))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return "", false
	}
	return string(data), true
}

func writeFixRequest(specDir, content string) error {
	return fsutil.AtomicWriteFile(fixRequestPath(specDir), []byte(content), 0o644)
}

func removeFixRequest(specDir string) {
	_ = os.Remove(fixRequestPath(specDir))
}

// renderFixRequest formats the instructions handed to the fixer. The same
// issues with the same evidence render byte-identical, which is how the
// loop detects a fixer that is not making progress.
func renderFixRequest(source string, issues []Issue, validatorReport string) string {
	var sb strings.Builder
	sb.WriteString("# QA Fix Request\n\n")
	fmt.Fprintf(&sb, "Source: %s\n\n", source)

	if len(issues) > 0 {
		sb.WriteString("## Issues\n\n")
		for n, issue := range issues {
			fmt.Fprintf(&sb, "%d. %s\n", n+1, issue.String())
		}
		sb.WriteString("\n")
	}

	if validatorReport != "" {
		sb.WriteString("## Validator Evidence\n\n")
		sb.WriteString(validatorReport)
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// buildIssues converts failing validator results into fixer issues.
func buildIssues(results []core.ValidatorResult) []Issue {
	var issues []Issue
	for _, r := range results {
		if r.Passed || r.Skipped {
			continue
		}
		desc := r.Summary
		if r.Evidence.FailedStep != "" {
			desc = fmt.Sprintf("%s (failed step: %s)", desc, r.Evidence.FailedStep)
		}
		issues = append(issues, Issue{
			Severity:    string(r.Severity),
			Title:       r.Name + " validator failed",
			Description: desc,
		})
	}
	return issues
}
