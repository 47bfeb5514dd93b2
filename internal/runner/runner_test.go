package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent writes a shell script that stands in for the agent binary.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunSuccess(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"system","session_id":"sess-run"}'
echo '{"type":"result","result":"all done https://github.com/o/r/pull/5"}'
`)
	r := New(bin, nil, zerolog.Nop())
	res := r.Run(context.Background(), Options{
		Prompt:  "p",
		WorkDir: t.TempDir(),
		Timeout: 10 * time.Second,
	}, nil)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "sess-run", res.SessionID)
	assert.Equal(t, "all done https://github.com/o/r/pull/5", res.Output)
	assert.Equal(t, "https://github.com/o/r/pull/5", res.PRURL)
}

func TestRunFailureCapturesStderr(t *testing.T) {
	bin := fakeAgent(t, `
echo "something broke" >&2
exit 2
`)
	r := New(bin, nil, zerolog.Nop())
	res := r.Run(context.Background(), Options{
		Prompt:  "p",
		WorkDir: t.TempDir(),
		Timeout: 10 * time.Second,
	}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "something broke", res.Error)
}

func TestRunTimeout(t *testing.T) {
	bin := fakeAgent(t, `sleep 30`)
	r := New(bin, nil, zerolog.Nop())

	start := time.Now()
	res := r.Run(context.Background(), Options{
		Prompt:  "p",
		WorkDir: t.TempDir(),
		Timeout: 200 * time.Millisecond,
	}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, "Timeout after 200ms", res.Error)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunEmitsEvents(t *testing.T) {
	bin := fakeAgent(t, `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/a"}}]}}'
echo '{"type":"result","result":"ok"}'
`)
	r := New(bin, nil, zerolog.Nop())

	var events []WorkLogEvent
	res := r.Run(context.Background(), Options{
		Prompt:  "p",
		WorkDir: t.TempDir(),
		Timeout: 10 * time.Second,
	}, func(ev WorkLogEvent) { events = append(events, ev) })

	require.True(t, res.Success)
	require.Len(t, events, 1)
	assert.Equal(t, WorkLogEvent{Type: "tool_start", Tool: "Read", Details: "/a"}, events[0])
}
