package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// setupRepo creates a bare origin with one commit on main and a clone of it.
func setupRepo(t *testing.T) (clone string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	require.NoError(t, os.MkdirAll(origin, 0o755))
	git(t, origin, "init", "--bare", "--initial-branch=main")

	seed := filepath.Join(root, "seed")
	require.NoError(t, os.MkdirAll(seed, 0o755))
	git(t, seed, "init", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("seed\n"), 0o644))
	git(t, seed, "add", ".")
	git(t, seed, "commit", "-m", "initial")
	git(t, seed, "remote", "add", "origin", origin)
	git(t, seed, "push", "-u", "origin", "main")

	clone = filepath.Join(root, "clone")
	git(t, root, "clone", origin, clone)
	return clone
}

func TestGetOrCreateWorktree(t *testing.T) {
	clone := setupRepo(t)
	m := NewManager(zerolog.Nop())
	ctx := context.Background()

	info, err := m.GetOrCreateWorktree(ctx, clone, "o", "r", "42")
	require.NoError(t, err)
	assert.Equal(t, "claps/issue-42", info.Branch)
	assert.Equal(t, PathFor(clone, "42"), info.Path)
	assert.False(t, info.IsExisting)
	assert.DirExists(t, info.Path)
	assert.FileExists(t, filepath.Join(info.Path, ".claude", "settings.json"))

	again, err := m.GetOrCreateWorktree(ctx, clone, "o", "r", "42")
	require.NoError(t, err)
	assert.True(t, again.IsExisting)
	assert.Equal(t, info.Path, again.Path)
}

// Worktree creation primes the agent the same way workspace init does.
// A stub tmux on PATH stands in for the real one.
func TestGetOrCreateWorktreeWarmsUp(t *testing.T) {
	clone := setupRepo(t)

	bin := t.TempDir()
	stub := filepath.Join(bin, "tmux")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	m := NewManager(zerolog.Nop())
	info, err := m.GetOrCreateWorktree(context.Background(), clone, "o", "r", "11")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(info.Path, ".claude", ".claps-warmed"))
}

// Two repos can carry the same issue number; their worktrees must not
// collide in the manager's cache.
func TestGetOrCreateWorktreeDistinctRepos(t *testing.T) {
	cloneA := setupRepo(t)
	cloneB := setupRepo(t)
	m := NewManager(zerolog.Nop())
	ctx := context.Background()

	infoA, err := m.GetOrCreateWorktree(ctx, cloneA, "o", "alpha", "7")
	require.NoError(t, err)
	assert.False(t, infoA.IsExisting)

	infoB, err := m.GetOrCreateWorktree(ctx, cloneB, "o", "beta", "7")
	require.NoError(t, err)
	assert.False(t, infoB.IsExisting, "second repo must get its own worktree, not the cached one")
	assert.NotEqual(t, infoA.Path, infoB.Path)
	assert.Equal(t, PathFor(cloneA, "7"), infoA.Path)
	assert.Equal(t, PathFor(cloneB, "7"), infoB.Path)
	assert.DirExists(t, infoA.Path)
	assert.DirExists(t, infoB.Path)
}

func TestRemoveWorktree(t *testing.T) {
	clone := setupRepo(t)
	m := NewManager(zerolog.Nop())
	ctx := context.Background()

	info, err := m.GetOrCreateWorktree(ctx, clone, "o", "r", "7")
	require.NoError(t, err)

	require.NoError(t, m.RemoveWorktree(ctx, clone, "7"))
	assert.NoDirExists(t, info.Path)

	// unknown key is a no-op
	require.NoError(t, m.RemoveWorktree(ctx, clone, "999"))
}

func TestCleanupAll(t *testing.T) {
	cloneA := setupRepo(t)
	cloneB := setupRepo(t)
	m := NewManager(zerolog.Nop())
	ctx := context.Background()

	infoA, err := m.GetOrCreateWorktree(ctx, cloneA, "o", "alpha", "1")
	require.NoError(t, err)
	infoB, err := m.GetOrCreateWorktree(ctx, cloneB, "o", "beta", "2")
	require.NoError(t, err)

	m.CleanupAll(ctx)

	assert.NoDirExists(t, infoA.Path)
	assert.NoDirExists(t, infoB.Path)

	// everything was dropped from the cache, so the next call recreates
	again, err := m.GetOrCreateWorktree(ctx, cloneA, "o", "alpha", "1")
	require.NoError(t, err)
	assert.False(t, again.IsExisting)
}

func TestCommitAndPush(t *testing.T) {
	clone := setupRepo(t)
	m := NewManager(zerolog.Nop())
	ctx := context.Background()

	info, err := m.GetOrCreateWorktree(ctx, clone, "o", "r", "3")
	require.NoError(t, err)

	changed, err := m.CommitAndPush(ctx, info.Path, "fix: nothing yet")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "new.txt"), []byte("x\n"), 0o644))
	changed, err = m.CommitAndPush(ctx, info.Path, "fix: add file")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestInitializeWorkspace(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	m := NewManager(zerolog.Nop())
	dir := filepath.Join(t.TempDir(), "workspace")

	require.NoError(t, m.InitializeWorkspace(context.Background(), dir))
	assert.FileExists(t, filepath.Join(dir, "README.md"))
	assert.FileExists(t, filepath.Join(dir, ".claude", "settings.json"))

	require.NoError(t, m.InitializeWorkspace(context.Background(), dir))
}
