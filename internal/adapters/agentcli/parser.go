package agentcli

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// streamLine is one line of the agent CLI's stream-json output.
// Real format from `<binary> --print --output-format stream-json`:
//
//	{"type":"system","subtype":"init","session_id":"...","tools":["Bash","Glob",...]}
//	{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{...}}]}}
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."}]}}
//	{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"...","content":"..."}]}}
//	{"type":"result","subtype":"success","result":"...","usage":{...}}
type streamLine struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype"`
	Message *streamMessage `json:"message,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
	Usage   *streamUsage   `json:"usage,omitempty"`
	Tools   []string       `json:"tools,omitempty"`
}

type streamMessage struct {
	Content []streamContent `json:"content"`
	Usage   *streamUsage    `json:"usage,omitempty"`
}

type streamContent struct {
	Type      string         `json:"type"`
	Name      string         `json:"name,omitempty"`  // tool_use
	Text      string         `json:"text,omitempty"`  // text
	Input     map[string]any `json:"input,omitempty"` // tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"` // tool_result
	IsError   bool           `json:"is_error,omitempty"`
}

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// parser converts stream-json lines into session events, accumulating the
// token and tool-call totals the final session_end event reports. Not safe
// for concurrent use; each session owns one parser.
type parser struct {
	toolCalls int
	tokensIn  int
	tokensOut int
	sawEnd    bool
}

// parseLine parses a single output line. Non-JSON lines are tolerated and
// yield no events; the CLI occasionally interleaves plain progress text.
func (p *parser) parseLine(raw string) []core.SessionEvent {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "{") {
		return nil
	}

	var line streamLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		return nil
	}

	now := time.Now().UTC()
	var events []core.SessionEvent

	switch line.Type {
	case "system":
		if line.Subtype == "init" {
			events = append(events, core.SessionEvent{
				Type:      core.SessionEventStart,
				Timestamp: now,
			})
		}

	case "assistant":
		if line.Message == nil {
			break
		}
		p.recordUsage(line.Message.Usage)
		for _, content := range line.Message.Content {
			switch content.Type {
			case "text":
				if content.Text == "" {
					continue
				}
				events = append(events, core.SessionEvent{
					Type:      core.SessionEventAssistantText,
					Timestamp: now,
					Text:      content.Text,
				})
			case "tool_use":
				p.toolCalls++
				events = append(events, core.SessionEvent{
					Type:      core.SessionEventToolCall,
					Timestamp: now,
					Tool:      content.Name,
					ToolInput: content.Input,
				})
			}
		}

	case "user":
		if line.Message == nil {
			break
		}
		for _, content := range line.Message.Content {
			if content.Type != "tool_result" {
				continue
			}
			ev := core.SessionEvent{
				Type:      core.SessionEventToolResult,
				Timestamp: now,
				Result:    flattenToolResult(content.Content),
			}
			if content.IsError {
				ev.ToolError = ev.Result
			}
			events = append(events, ev)
		}

	case "result":
		p.recordUsage(line.Usage)
		p.sawEnd = true
		ev := core.SessionEvent{
			Type:      core.SessionEventEnd,
			Timestamp: now,
			Status:    core.SessionOK,
			TokensIn:  p.tokensIn,
			TokensOut: p.tokensOut,
			ToolCount: p.toolCalls,
		}
		if line.IsError || (line.Subtype != "" && line.Subtype != "success") {
			ev.Status = core.SessionError
			ev.ErrorText = line.Result
			if ev.ErrorText == "" {
				ev.ErrorText = line.Subtype
			}
		}
		events = append(events, ev)
	}

	return events
}

func (p *parser) recordUsage(u *streamUsage) {
	if u == nil {
		return
	}
	p.tokensIn += u.InputTokens
	p.tokensOut += u.OutputTokens
}

// sawSessionEnd reports whether the stream carried its own result line. When
// it did not (crash, kill), the session synthesizes one from the exit state.
func (p *parser) sawSessionEnd() bool {
	return p.sawEnd
}

// finalEvent builds the synthesized session_end for streams that ended
// without a result line.
func (p *parser) finalEvent(status core.SessionStatus, errText string) core.SessionEvent {
	return core.SessionEvent{
		Type:      core.SessionEventEnd,
		Timestamp: time.Now().UTC(),
		Status:    status,
		TokensIn:  p.tokensIn,
		TokensOut: p.tokensOut,
		ToolCount: p.toolCalls,
		ErrorText: errText,
	}
}

// flattenToolResult renders a tool_result content value as plain text. The
// CLI emits either a string or a list of typed blocks.
func flattenToolResult(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		var sb strings.Builder
		for _, item := range val {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
