package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CloneOrFetch ensures a local clone of owner/repo exists under reposDir and
// is up to date. Returns the clone path.
func (m *Manager) CloneOrFetch(ctx context.Context, reposDir, owner, repo, cloneURL string) (string, error) {
	dir := filepath.Join(reposDir, owner, repo)
	lock := m.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	if st, err := os.Stat(filepath.Join(dir, ".git")); err == nil && (st.IsDir() || st.Mode().IsRegular()) {
		// Keep the remote URL fresh so rotated installation tokens work.
		if out, err := run(ctx, dir, "git", "remote", "set-url", "origin", cloneURL); err != nil {
			m.logger.Warn().Err(err).Str("output", out).Msg("git remote set-url failed")
		}
		if out, err := run(ctx, dir, "git", "fetch", "origin", "--prune"); err != nil {
			return "", fmt.Errorf("git fetch: %s: %w", strings.TrimSpace(out), err)
		}
		return dir, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("creating repos dir: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git clone: %s: %w", strings.TrimSpace(string(out)), err)
	}
	m.logger.Info().Str("repo", owner+"/"+repo).Str("dir", dir).Msg("cloned repository")
	return dir, nil
}

const workspaceReadme = `# claps workspace

Tasks without a target repository run here. Files created by the agent in
this directory persist between tasks.
`

// InitializeWorkspace prepares the shared scratch workspace used by tasks
// with no target repository. Idempotent.
func (m *Manager) InitializeWorkspace(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if out, err := run(ctx, dir, "git", "init"); err != nil {
			return fmt.Errorf("git init: %s: %w", strings.TrimSpace(out), err)
		}
	}

	readme := filepath.Join(dir, "README.md")
	if _, err := os.Stat(readme); os.IsNotExist(err) {
		if err := os.WriteFile(readme, []byte(workspaceReadme), 0o644); err != nil {
			return fmt.Errorf("writing workspace readme: %w", err)
		}
	}

	if err := InjectHooks(dir); err != nil {
		return fmt.Errorf("injecting workspace hooks: %w", err)
	}

	m.warmUp(ctx, dir)
	return nil
}

// warmUp primes the agent in a detached tmux session once per workspace so
// the first real task skips cold-start latency. Best effort.
func (m *Manager) warmUp(ctx context.Context, dir string) {
	marker := filepath.Join(dir, ".claude", ".claps-warmed")
	if _, err := os.Stat(marker); err == nil {
		return
	}
	if _, err := exec.LookPath("tmux"); err != nil {
		return
	}

	cmd := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", "claps-warmup", "-c", dir,
		"claude", "-p", "say ok", "--max-turns", "1")
	if err := cmd.Run(); err != nil {
		m.logger.Debug().Err(err).Msg("workspace warm-up skipped")
		return
	}
	if err := os.WriteFile(marker, []byte(""), 0o644); err != nil {
		m.logger.Debug().Err(err).Msg("failed to write warm-up marker")
	}
}
