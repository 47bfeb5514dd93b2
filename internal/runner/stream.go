package runner

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// cappedBuffer accumulates bytes up to a limit and silently drops the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.max - c.buf.Len()
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

type streamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Result    string `json:"result,omitempty"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}

// streamParser splits the agent's stdout into lines, carrying partial lines
// across reads, and classifies each JSON event.
type streamParser struct {
	mu        sync.Mutex
	carry     []byte
	total     int
	max       int
	onEvent   EventFunc
	sessionID string
	result    string // text from the result event
	assistant strings.Builder
}

func newStreamParser(max int, onEvent EventFunc) *streamParser {
	return &streamParser{max: max, onEvent: onEvent}
}

// Feed consumes a chunk of stdout. Bytes past the output cap are dropped.
func (p *streamParser) Feed(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	room := p.max - p.total
	if room <= 0 {
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
	}
	p.total += len(chunk)

	p.carry = append(p.carry, chunk...)
	for {
		idx := bytes.IndexByte(p.carry, '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimSpace(p.carry[:idx])
		p.carry = p.carry[idx+1:]
		if len(line) > 0 {
			p.handleLine(line)
		}
	}
}

func (p *streamParser) handleLine(line []byte) {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "system":
		if msg.SessionID != "" {
			p.sessionID = msg.SessionID
		}
		if msg.Subtype == "permission_request" {
			p.emit(WorkLogEvent{Type: "approval_pending", Tool: msg.ToolName})
		}
	case "assistant":
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "tool_use":
				p.emit(WorkLogEvent{Type: "tool_start", Tool: block.Name, Details: toolDetails(block.Name, block.Input)})
			case "thinking":
				p.emit(WorkLogEvent{Type: "thinking", Details: truncate(block.Thinking, 100)})
			case "text":
				// Text blocks duplicate the final result and are not
				// surfaced as work-log events.
				p.assistant.WriteString(block.Text)
			}
		}
	case "user":
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			if block.IsError {
				p.emit(WorkLogEvent{Type: "error"})
			} else {
				p.emit(WorkLogEvent{Type: "tool_end"})
			}
		}
	case "result":
		p.result = msg.Result
	}
}

func (p *streamParser) emit(ev WorkLogEvent) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

// SessionID returns the session id captured from system events.
func (p *streamParser) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// FinalText returns the run's text output, preferring the result event over
// concatenated assistant text.
func (p *streamParser) FinalText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result != "" {
		return p.result
	}
	return p.assistant.String()
}

type toolInput struct {
	FilePath    string `json:"file_path,omitempty"`
	Command     string `json:"command,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Description string `json:"description,omitempty"`
}

// toolDetails summarizes a tool invocation for work-log display.
func toolDetails(tool string, raw json.RawMessage) string {
	var in toolInput
	if len(raw) > 0 {
		json.Unmarshal(raw, &in)
	}
	switch tool {
	case "Read", "Write", "Edit":
		return in.FilePath
	case "Bash":
		return truncate(in.Command, 100)
	case "Glob", "Grep":
		return in.Pattern
	case "Task":
		return in.Description
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
