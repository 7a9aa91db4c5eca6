package qa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// appendReport adds one iteration section to qa_report.md in the spec dir.
// The file accumulates across iterations and across daemon restarts; it is
// the artifact a human reads when the loop escalates.
func appendReport(specDir, section string) error {
	path := filepath.Join(specDir, core.QAReportFileName)

	header := ""
	if _, err := os.Stat(path); os.IsNotExist(err) {
		header = "# QA Report\n\n"
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening qa report: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(header + section); err != nil {
		return fmt.Errorf("appending qa report: %w", err)
	}
	return nil
}

// iterationSection renders one iteration's outcome for the report.
func iterationSection(iteration int, outcome string, took time.Duration, issues []Issue, validatorReport string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Iteration %d: %s\n\n", iteration, outcome)
	fmt.Fprintf(&sb, "- finished: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "- duration: %s\n", took.Round(time.Second))

	if len(issues) > 0 {
		sb.WriteString("\n### Issues\n\n")
		for n, issue := range issues {
			fmt.Fprintf(&sb, "%d. %s\n", n+1, issue.String())
		}
	}
	if validatorReport != "" {
		sb.WriteString("\n")
		sb.WriteString(validatorReport)
	}
	sb.WriteString("\n")
	return sb.String()
}
