// Package worktree manages git clones, per-issue worktrees, and the agent
// hook wiring inside each workspace.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Info describes an issue worktree.
type Info struct {
	Branch     string
	Path       string
	Key        string
	Owner      string
	Repo       string
	IsExisting bool
}

// Manager creates and removes worktrees under <baseDir>/.worktrees and
// keeps per-repo locks so concurrent callers never race git.
type Manager struct {
	mu        sync.Mutex
	active    map[string]Info // worktree path -> worktree
	repoLocks map[string]*sync.Mutex
	logger    zerolog.Logger
}

// NewManager creates a worktree manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		active:    make(map[string]Info),
		repoLocks: make(map[string]*sync.Mutex),
		logger:    logger.With().Str("component", "worktree").Logger(),
	}
}

func (m *Manager) repoLock(repoDir string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.repoLocks[repoDir]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[repoDir] = lock
	}
	return lock
}

// BranchName returns the work branch for an issue key.
func BranchName(key string) string {
	return "claps/issue-" + key
}

// PathFor returns the worktree directory for an issue key.
func PathFor(baseDir, key string) string {
	return filepath.Join(baseDir, ".worktrees", "issue-"+key)
}

// GetOrCreateWorktree returns the worktree for an issue key, creating it
// from the default branch when absent. An existing healthy worktree is
// reused with its hooks re-injected.
func (m *Manager) GetOrCreateWorktree(ctx context.Context, baseDir, owner, repo, key string) (Info, error) {
	lock := m.repoLock(baseDir)
	lock.Lock()
	defer lock.Unlock()

	branch := BranchName(key)
	path := PathFor(baseDir, key)

	m.mu.Lock()
	existing, ok := m.active[path]
	m.mu.Unlock()
	if ok {
		if st, err := os.Stat(existing.Path); err == nil && st.IsDir() {
			if err := InjectHooks(existing.Path); err != nil {
				m.logger.Warn().Err(err).Str("path", existing.Path).Msg("hook reinjection failed")
			}
			existing.IsExisting = true
			m.logger.Info().Str("key", key).Str("path", existing.Path).Msg("reusing worktree")
			return existing, nil
		}
		m.mu.Lock()
		delete(m.active, path)
		m.mu.Unlock()
	}

	def := m.defaultBranch(ctx, baseDir)
	if out, err := run(ctx, baseDir, "git", "fetch", "origin", def); err != nil {
		m.logger.Warn().Err(err).Str("output", out).Msg("git fetch failed, continuing with local state")
	}

	// Clear remnants of an earlier run for the same issue.
	run(ctx, baseDir, "git", "push", "origin", "--delete", branch)
	run(ctx, baseDir, "git", "branch", "-D", branch)
	os.RemoveAll(path)
	run(ctx, baseDir, "git", "worktree", "prune")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Info{}, fmt.Errorf("creating worktree base: %w", err)
	}
	if out, err := run(ctx, baseDir, "git", "worktree", "add", "-b", branch, path, "origin/"+def); err != nil {
		return Info{}, fmt.Errorf("git worktree add: %s: %w", strings.TrimSpace(out), err)
	}

	if err := InjectHooks(path); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("hook injection failed")
	}
	m.warmUp(ctx, path)

	info := Info{Branch: branch, Path: path, Key: key, Owner: owner, Repo: repo}
	m.mu.Lock()
	m.active[path] = info
	m.mu.Unlock()

	m.logger.Info().
		Str("key", key).
		Str("branch", branch).
		Str("path", path).
		Msg("created worktree")
	return info, nil
}

// RemoveWorktree tears down the worktree for an issue key. Unknown keys are
// a no-op.
func (m *Manager) RemoveWorktree(ctx context.Context, baseDir, key string) error {
	lock := m.repoLock(baseDir)
	lock.Lock()
	defer lock.Unlock()

	path := PathFor(baseDir, key)
	if out, err := run(ctx, baseDir, "git", "worktree", "remove", "--force", path); err != nil {
		m.logger.Debug().Err(err).Str("output", out).Msg("git worktree remove failed, removing directly")
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing worktree dir: %w", err)
		}
	}
	run(ctx, baseDir, "git", "worktree", "prune")
	run(ctx, baseDir, "git", "branch", "-D", BranchName(key))

	m.mu.Lock()
	delete(m.active, path)
	m.mu.Unlock()

	m.logger.Info().Str("key", key).Str("path", path).Msg("removed worktree")
	return nil
}

// CleanupAll removes every worktree the manager created. Called on
// shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.active))
	for _, info := range m.active {
		infos = append(infos, info)
	}
	m.mu.Unlock()

	for _, info := range infos {
		baseDir := filepath.Dir(filepath.Dir(info.Path))
		if err := m.RemoveWorktree(ctx, baseDir, info.Key); err != nil {
			m.logger.Warn().Err(err).Str("path", info.Path).Msg("worktree cleanup failed")
		}
	}
}

// CommitAndPush stages everything in dir, commits with message, and pushes
// the current branch. Returns false when there was nothing to commit.
func (m *Manager) CommitAndPush(ctx context.Context, dir, message string) (bool, error) {
	if out, err := run(ctx, dir, "git", "add", "-A"); err != nil {
		return false, fmt.Errorf("git add: %s: %w", strings.TrimSpace(out), err)
	}
	if _, err := run(ctx, dir, "git", "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}
	if out, err := run(ctx, dir, "git", "commit", "-m", message); err != nil {
		return false, fmt.Errorf("git commit: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := run(ctx, dir, "git", "push", "-u", "origin", "HEAD"); err != nil {
		return true, fmt.Errorf("git push: %s: %w", strings.TrimSpace(out), err)
	}
	return true, nil
}

// defaultBranch resolves origin's default branch, falling back to main.
func (m *Manager) defaultBranch(ctx context.Context, dir string) string {
	out, err := run(ctx, dir, "git", "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err != nil {
		return "main"
	}
	name := strings.TrimSpace(out)
	name = strings.TrimPrefix(name, "origin/")
	if name == "" {
		return "main"
	}
	return name
}

func run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
