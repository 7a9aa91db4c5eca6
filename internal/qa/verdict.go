package qa

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Verdict is the reviewer's decision for one iteration.
type Verdict struct {
	Approved bool
	Issues   []Issue
}

// Issue is one problem the reviewer wants fixed.
type Issue struct {
	Severity    string `json:"severity,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON accepts both the structured form and a bare string;
// reviewers emit either.
func (i *Issue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i.Description = s
		return nil
	}
	type alias Issue
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*i = Issue(a)
	return nil
}

// String renders the issue as one report line.
func (i Issue) String() string {
	var sb strings.Builder
	if i.Severity != "" {
		sb.WriteString("[" + i.Severity + "] ")
	}
	switch {
	case i.Title != "" && i.Description != "":
		sb.WriteString(i.Title + ": " + i.Description)
	case i.Title != "":
		sb.WriteString(i.Title)
	default:
		sb.WriteString(i.Description)
	}
	return sb.String()
}

// issueLines flattens issues to the string form stored on the plan signoff.
func issueLines(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		if s := i.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// verdictFromPlan reads the signoff the reviewer wrote into the plan. A
// pending status means the reviewer did not record a decision.
func verdictFromPlan(p *core.Plan) *Verdict {
	if p == nil || p.QASignoff == nil {
		return nil
	}
	switch p.QASignoff.Status {
	case core.SignoffApproved:
		return &Verdict{Approved: true}
	case core.SignoffRejected:
		issues := make([]Issue, 0, len(p.QASignoff.Issues))
		for _, s := range p.QASignoff.Issues {
			issues = append(issues, Issue{Description: s})
		}
		return &Verdict{Issues: issues}
	}
	return nil
}

// verdictDoc is the JSON shape reviewers emit in transcripts. Field aliases
// cover the variants seen in practice.
type verdictDoc struct {
	Status   string  `json:"status"`
	Verdict  string  `json:"verdict"`
	Approved *bool   `json:"approved"`
	Severity string  `json:"severity"`
	Issues   []Issue `json:"issues"`
}

func (d verdictDoc) toVerdict() *Verdict {
	decision := strings.ToLower(strings.TrimSpace(d.Status))
	if decision == "" {
		decision = strings.ToLower(strings.TrimSpace(d.Verdict))
	}
	switch {
	case decision == "approved", d.Approved != nil && *d.Approved:
		return &Verdict{Approved: true}
	case decision == "rejected", d.Approved != nil && !*d.Approved:
		issues := d.Issues
		for i := range issues {
			if issues[i].Severity == "" {
				issues[i].Severity = d.Severity
			}
		}
		return &Verdict{Issues: issues}
	}
	return nil
}

// parseVerdictText recovers a verdict from the reviewer transcript when the
// plan signoff was not updated. Candidate JSON blocks are repaired before
// decoding; agents reliably produce slightly malformed JSON.
func parseVerdictText(text string) *Verdict {
	for _, candidate := range jsonCandidates(text) {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			continue
		}
		var doc verdictDoc
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			continue
		}
		if v := doc.toVerdict(); v != nil {
			return v
		}
	}
	return nil
}

// jsonCandidates extracts potential JSON objects from free text, ordered
// by position descending: the last thing the agent emitted is its final
// answer. Fenced blocks and balanced brace scans overlap; duplicates are
// dropped.
func jsonCandidates(text string) []string {
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
		if block := strings.TrimSpace(body[:end]); strings.HasPrefix(block, "{") {
			found = append(found, candidate{pos: bodyOff, body: block})
		}
		rest = body[end+3:]
		offset = bodyOff + end + 3
	}

	// Balanced top-level objects anywhere in the text.
	depth, start := 0, -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				found = append(found, candidate{pos: start, body: text[start : i+1]})
				start = -1
			}
		}
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
