package logging

import "regexp"

// secretPatterns match credentials that can leak into logs through agent
// transcripts and subprocess output: vendor API keys first, then the
// generic key=value shapes.
var secretPatterns = []string{
	`sk-[A-Za-z0-9]{20,}`,
	`sk-ant-[a-zA-Z0-9-]{40,}`,
	`AIza[a-zA-Z0-9_-]{35}`,
	`ghp_[A-Za-z0-9]{36}`,
	`gho_[A-Za-z0-9]{36}`,
	`ghu_[A-Za-z0-9]{36}`,
	`ghs_[A-Za-z0-9]{36}`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)aws[_-]?secret[_-]?access[_-]?key["'\s:=]+[A-Za-z0-9/+=]{40}`,
	`xox[baprs]-[0-9a-zA-Z-]{10,}`,
	`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
	`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	`(?i)password["'\s:=]+[^\s"']{8,}`,
	`(?i)token["'\s:=]+[a-zA-Z0-9_-]{20,}`,
}

// Sanitizer redacts credential-shaped substrings before anything reaches
// a handler. Agent sessions echo environment and tool output freely, so
// every log line passes through here.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer builds a sanitizer with the default pattern set.
func NewSanitizer() *Sanitizer {
	compiled := make([]*regexp.Regexp, len(secretPatterns))
	for i, p := range secretPatterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return &Sanitizer{patterns: compiled, redacted: "[REDACTED]"}
}

// Sanitize replaces every credential match in input.
func (s *Sanitizer) Sanitize(input string) string {
	out := input
	for _, re := range s.patterns {
		out = re.ReplaceAllString(out, s.redacted)
	}
	return out
}

// SanitizeMap redacts string values, recursing into nested maps.
// Non-string values pass through untouched.
func (s *Sanitizer) SanitizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = s.Sanitize(val)
		case map[string]interface{}:
			out[k] = s.SanitizeMap(val)
		default:
			out[k] = v
		}
	}
	return out
}

// AddPattern registers an extra redaction pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}

// SetRedactedPlaceholder overrides the replacement text.
func (s *Sanitizer) SetRedactedPlaceholder(placeholder string) {
	s.redacted = placeholder
}
