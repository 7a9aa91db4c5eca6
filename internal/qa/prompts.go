package qa

import (
	"fmt"
	"strings"
)

// reviewerPrompt instructs one reviewer session. The loop depends on a
// single contract: the reviewer records its decision in the plan's
// qaSignoff field, approved or rejected with issues.
func reviewerPrompt(iteration, maxIterations int, validatorReport, previousError string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the QA reviewer. This is review iteration %d of %d.\n\n", iteration, maxIterations)
	sb.WriteString("Verify the implementation in this worktree against the acceptance criteria ")
	sb.WriteString("in the spec directory. Exercise the code yourself; do not take the ")
	sb.WriteString("implementation plan's word for anything.\n\n")

	if validatorReport != "" {
		sb.WriteString("Deterministic validators already ran. Treat their evidence as ground ")
		sb.WriteString("truth and investigate every failure:\n\n")
		sb.WriteString(validatorReport)
		sb.WriteString("\n")
	}

	if previousError != "" {
		fmt.Fprintf(&sb, "Your previous review attempt failed: %s\n", previousError)
		sb.WriteString("You MUST update implementation_plan.json with a qaSignoff object ")
		sb.WriteString("containing \"status\": \"approved\" or \"status\": \"rejected\".\n\n")
	}

	sb.WriteString("When done, record your verdict in implementation_plan.json: set ")
	sb.WriteString("qaSignoff.status to \"approved\" if every acceptance criterion holds, or ")
	sb.WriteString("\"rejected\" with an issues array describing each problem: what is broken, ")
	sb.WriteString("where, and how you reproduced it.")
	return sb.String()
}

// fixerPrompt instructs one fixer session on a rejection.
func fixerPrompt(fixRequest string) string {
	var sb strings.Builder
	sb.WriteString("You are the QA fixer. A review rejected the current implementation.\n\n")
	sb.WriteString("Address every issue in the fix request below, then re-run whatever ")
	sb.WriteString("builds or tests prove the fix. Keep changes scoped to the reported ")
	sb.WriteString("issues; do not refactor unrelated code.\n\n")
	sb.WriteString(fixRequest)
	return sb.String()
}
