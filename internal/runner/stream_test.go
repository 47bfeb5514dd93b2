package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedLines(p *streamParser, lines ...string) {
	for _, l := range lines {
		p.Feed([]byte(l + "\n"))
	}
}

func TestParserSessionAndResult(t *testing.T) {
	p := newStreamParser(1<<20, nil)
	feedLines(p,
		`{"type":"system","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"partial answer"}]}}`,
		`{"type":"result","result":"final answer"}`,
	)
	assert.Equal(t, "sess-1", p.SessionID())
	assert.Equal(t, "final answer", p.FinalText())
}

func TestParserAssistantFallback(t *testing.T) {
	p := newStreamParser(1<<20, nil)
	feedLines(p,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"part one. "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"part two."}]}}`,
	)
	assert.Equal(t, "part one. part two.", p.FinalText())
}

func TestParserWorkLogEvents(t *testing.T) {
	var events []WorkLogEvent
	p := newStreamParser(1<<20, func(ev WorkLogEvent) { events = append(events, ev) })

	longCmd := strings.Repeat("x", 150)
	feedLines(p,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"`+longCmd+`"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/src/main.go"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Grep","input":{"pattern":"func main"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"let me think about this"}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","is_error":false}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","is_error":true}]}}`,
		`{"type":"system","subtype":"permission_request","tool_name":"Bash"}`,
	)

	require.Len(t, events, 7)
	assert.Equal(t, WorkLogEvent{Type: "tool_start", Tool: "Bash", Details: longCmd[:100]}, events[0])
	assert.Equal(t, WorkLogEvent{Type: "tool_start", Tool: "Edit", Details: "/src/main.go"}, events[1])
	assert.Equal(t, WorkLogEvent{Type: "tool_start", Tool: "Grep", Details: "func main"}, events[2])
	assert.Equal(t, "thinking", events[3].Type)
	assert.Equal(t, WorkLogEvent{Type: "tool_end"}, events[4])
	assert.Equal(t, WorkLogEvent{Type: "error"}, events[5])
	assert.Equal(t, WorkLogEvent{Type: "approval_pending", Tool: "Bash"}, events[6])
}

func TestParserPartialLines(t *testing.T) {
	p := newStreamParser(1<<20, nil)
	line := `{"type":"system","session_id":"carry-1"}`
	p.Feed([]byte(line[:10]))
	p.Feed([]byte(line[10:] + "\n"))
	assert.Equal(t, "carry-1", p.SessionID())
}

func TestParserIgnoresGarbage(t *testing.T) {
	p := newStreamParser(1<<20, nil)
	feedLines(p, "not json at all", "", `{"type":"result","result":"ok"}`)
	assert.Equal(t, "ok", p.FinalText())
}

func TestParserOutputCap(t *testing.T) {
	p := newStreamParser(50, nil)
	feedLines(p,
		`{"type":"system","session_id":"sess-1"}`,
		`{"type":"result","result":"this line is past the cap and must be dropped"}`,
	)
	assert.Equal(t, "sess-1", p.SessionID())
	assert.Equal(t, "", p.FinalText())
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	b.Write([]byte("abc"))
	b.Write([]byte("defgh"))
	assert.Equal(t, "abcde", b.String())
}

func TestBuildArgsOrder(t *testing.T) {
	args := buildArgs(Options{
		Prompt:       "do it",
		SystemPrompt: "be safe",
		SessionID:    "sess-9",
		MaxTurns:     30,
	})
	assert.Equal(t, []string{
		"--dangerously-skip-permissions",
		"--resume", "sess-9",
		"--system-prompt", "be safe",
		"-p", "do it",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", "30",
	}, args)

	args = buildArgs(Options{Prompt: "p", SystemPrompt: "s"})
	assert.Equal(t, []string{
		"--dangerously-skip-permissions",
		"--system-prompt", "s",
		"-p", "p",
		"--output-format", "stream-json",
		"--verbose",
	}, args)
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-secret")
	t.Setenv("UNRELATED", "keep")

	env := buildEnv(Options{WorkDir: "/w", TaskID: "t1", GatewayPort: 3001, SanitizeEnv: true})
	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "SLACK_BOT_TOKEN")
	assert.Contains(t, joined, "UNRELATED=keep")
	assert.Contains(t, joined, "CLAUDE_PROJECT_DIR=/w")
	assert.Contains(t, joined, "CLAPS_TASK_ID=t1")
	assert.Contains(t, joined, "APPROVAL_SERVER_URL=http://localhost:3001")
}

func TestPRURLPattern(t *testing.T) {
	out := "done, see https://github.com/o/r/pull/123 for details"
	assert.Equal(t, "https://github.com/o/r/pull/123", prURLPattern.FindString(out))
	assert.Equal(t, "", prURLPattern.FindString("no links here"))
}
