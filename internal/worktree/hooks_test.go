package worktree

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readSettings(t *testing.T, dir string) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ".claude", "settings.json"))
	require.NoError(t, err)
	var settings map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &settings))
	return settings
}

func preToolUse(t *testing.T, settings map[string]json.RawMessage) []hookMatcher {
	t.Helper()
	var hooks map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(settings["hooks"], &hooks))
	var matchers []hookMatcher
	require.NoError(t, json.Unmarshal(hooks["PreToolUse"], &matchers))
	return matchers
}

func TestInjectHooksFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InjectHooks(dir))

	for _, name := range []string{"approve.sh", "notify.sh"} {
		st, err := os.Stat(filepath.Join(dir, ".claude", "hooks", name))
		require.NoError(t, err)
		assert.NotZero(t, st.Mode()&0o100, "%s should be executable", name)
	}

	matchers := preToolUse(t, readSettings(t, dir))
	require.Len(t, matchers, 2)
	assert.Equal(t, "", matchers[0].Matcher)
	assert.Contains(t, matchers[0].Hooks[0].Command, "approve.sh")
	assert.Equal(t, 320, matchers[0].Hooks[0].Timeout)
	assert.Equal(t, ".*", matchers[1].Matcher)
	assert.Contains(t, matchers[1].Hooks[0].Command, "notify.sh")
	assert.Equal(t, 5, matchers[1].Hooks[0].Timeout)
}

func TestInjectHooksIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InjectHooks(dir))
	require.NoError(t, InjectHooks(dir))

	matchers := preToolUse(t, readSettings(t, dir))
	assert.Len(t, matchers, 2)
}

func TestInjectHooksPreservesExistingSettings(t *testing.T) {
	dir := t.TempDir()
	claudeDir := filepath.Join(dir, ".claude")
	require.NoError(t, os.MkdirAll(claudeDir, 0o755))
	existing := `{
		"model": "opus",
		"hooks": {
			"PostToolUse": [{"matcher": "Bash", "hooks": [{"type": "command", "command": "/usr/local/bin/audit"}]}],
			"PreToolUse": [{"matcher": "Write", "hooks": [{"type": "command", "command": "/usr/local/bin/lint"}]}]
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(claudeDir, "settings.json"), []byte(existing), 0o644))

	require.NoError(t, InjectHooks(dir))
	settings := readSettings(t, dir)

	assert.JSONEq(t, `"opus"`, string(settings["model"]))

	var hooks map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(settings["hooks"], &hooks))
	assert.Contains(t, hooks, "PostToolUse")

	matchers := preToolUse(t, settings)
	require.Len(t, matchers, 3)
	// approval hook prepended, user hook kept, notify hook appended
	assert.Contains(t, matchers[0].Hooks[0].Command, "approve.sh")
	assert.Equal(t, "/usr/local/bin/lint", matchers[1].Hooks[0].Command)
	assert.Contains(t, matchers[2].Hooks[0].Command, "notify.sh")
}

func TestBranchAndPathNaming(t *testing.T) {
	assert.Equal(t, "claps/issue-42", BranchName("42"))
	assert.Equal(t, filepath.Join("/base", ".worktrees", "issue-42"), PathFor("/base", "42"))
}
