package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/claps-dev/claps/internal/errors"
	"github.com/claps-dev/claps/internal/identity"
	"github.com/claps-dev/claps/internal/session"
	"github.com/claps-dev/claps/internal/task"
	"github.com/claps-dev/claps/internal/worktree"
)

// workspace is the resolved execution context for one task.
type workspace struct {
	dir        string
	prompt     string
	primaryKey string
	userKey    string
	sessionID  string
	// linkedIssue is set when a chat thread continues an issue worktree;
	// the engine commits and pushes leftover changes after the run.
	linkedIssue *session.IssueRef
}

// resolveWorkspace picks the working directory, session keys, and final
// prompt for a task according to its source. It may attach a notification
// thread to GitHub metadata.
func (e *Engine) resolveWorkspace(ctx context.Context, t *task.Task) (workspace, error) {
	var (
		ws  workspace
		err error
	)
	switch t.Source {
	case task.SourceGitHub:
		ws, err = e.resolveGitHub(ctx, t)
	case task.SourceSlack:
		ws, err = e.resolveSlack(ctx, t)
	case task.SourceLine:
		if t.Meta.Line == nil {
			return ws, fmt.Errorf("missing line metadata: %w", cerrors.ErrInvalidInput)
		}
		ws, err = e.resolveChannel(ctx, t, "line",
			session.LineKey(t.Meta.Line.UserID), t.Meta.Line.UserID, t.Meta.Line.TargetRepo)
	case task.SourceHTTP:
		if t.Meta.HTTP == nil {
			return ws, fmt.Errorf("missing http metadata: %w", cerrors.ErrInvalidInput)
		}
		ws, err = e.resolveChannel(ctx, t, "http",
			session.HTTPKey(t.Meta.HTTP.CorrelationID), t.Meta.HTTP.DeviceID, t.Meta.HTTP.TargetRepo)
	default:
		return ws, fmt.Errorf("unknown task source %q: %w", t.Source, cerrors.ErrInvalidInput)
	}
	if err != nil {
		return ws, err
	}

	// channel-specific key first, then the cross-channel fallback; a hit
	// resumes the stored session in its original directory
	if rec, ok := e.sessions.Get(ws.primaryKey); ok {
		ws.sessionID = rec.SessionID
		if rec.WorkDir != "" {
			ws.dir = rec.WorkDir
		}
	} else if rec, ok := e.sessions.Get(ws.userKey); ok && ws.userKey != "" {
		ws.sessionID = rec.SessionID
		if rec.WorkDir != "" {
			ws.dir = rec.WorkDir
		}
	}
	return ws, nil
}

func (e *Engine) resolveGitHub(ctx context.Context, t *task.Task) (workspace, error) {
	var ws workspace
	g := t.Meta.GitHub
	if g == nil {
		return ws, fmt.Errorf("missing github metadata: %w", cerrors.ErrInvalidInput)
	}
	if e.github == nil {
		return ws, fmt.Errorf("github channel not configured: %w", cerrors.ErrUnavailable)
	}

	info, err := e.issueWorktree(ctx, g.Owner, g.Repo, g.IssueNumber)
	if err != nil {
		return ws, err
	}
	ws.dir = info.Path
	ws.prompt = issuePrompt(t.Prompt, g.Owner, g.Repo, g.IssueNumber, g.IssueURL, info.Branch)
	ws.primaryKey = session.GitHubKey(g.Owner, g.Repo, g.IssueNumber)
	if canonical := e.resolver.Canonical("github", g.User); canonical != "" {
		ws.userKey = identity.UserKey(canonical, g.Owner+"/"+g.Repo)
	}

	if g.ThreadID == "" {
		threadID, err := e.notifier.CreateIssueThread(ctx, g.Owner, g.Repo, g.IssueNumber, g.IssueTitle, g.IssueURL)
		if err != nil {
			e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("issue thread creation failed")
		} else if threadID != "" {
			g.ThreadID = threadID
			ref := session.IssueRef{Owner: g.Owner, Repo: g.Repo, IssueNumber: g.IssueNumber}
			if err := e.sessions.LinkThreadIssue(threadID, ref); err != nil {
				e.logger.Warn().Err(err).Msg("thread link failed")
			}
		}
	}
	return ws, nil
}

func (e *Engine) resolveSlack(ctx context.Context, t *task.Task) (workspace, error) {
	var ws workspace
	s := t.Meta.Slack
	if s == nil {
		return ws, fmt.Errorf("missing slack metadata: %w", cerrors.ErrInvalidInput)
	}
	ws.prompt = t.Prompt
	canonical := e.resolver.Canonical("slack", s.UserID)

	// a thread bound to an issue continues that issue's worktree and session
	if ref, ok := e.sessions.IssueForThread(s.ThreadTS); ok {
		if e.github == nil {
			return ws, fmt.Errorf("github channel not configured: %w", cerrors.ErrUnavailable)
		}
		info, err := e.issueWorktree(ctx, ref.Owner, ref.Repo, ref.IssueNumber)
		if err != nil {
			return ws, err
		}
		ws.dir = info.Path
		ws.primaryKey = session.GitHubKey(ref.Owner, ref.Repo, ref.IssueNumber)
		ws.userKey = identity.UserKey(canonical, ref.Owner+"/"+ref.Repo)
		ws.linkedIssue = &ref
		return ws, nil
	}

	target := s.TargetRepo
	if target == "" {
		target, _ = e.sessions.RepoForThread(s.ThreadTS)
	}
	if target != "" {
		dir, err := e.repoWorktree(ctx, target, worktreeKeyFromThread(s.ThreadTS))
		if err != nil {
			return ws, err
		}
		ws.dir = dir
		if err := e.sessions.SetThreadRepo(s.ThreadTS, target); err != nil {
			e.logger.Warn().Err(err).Msg("thread repo binding failed")
		}
	} else {
		dir, err := e.sharedWorkspace(ctx)
		if err != nil {
			return ws, err
		}
		ws.dir = dir
	}
	ws.primaryKey = session.SlackKey(s.ThreadTS, s.UserID)
	ws.userKey = identity.UserKey(canonical, target)
	return ws, nil
}

// resolveChannel covers LINE and HTTP tasks, which differ from Slack only in
// their session key and worktree key derivation.
func (e *Engine) resolveChannel(ctx context.Context, t *task.Task, source, primaryKey, userID, target string) (workspace, error) {
	ws := workspace{prompt: t.Prompt, primaryKey: primaryKey}
	if target != "" {
		dir, err := e.repoWorktree(ctx, target, worktreeKeyFromID(userID))
		if err != nil {
			return ws, err
		}
		ws.dir = dir
	} else {
		dir, err := e.sharedWorkspace(ctx)
		if err != nil {
			return ws, err
		}
		ws.dir = dir
	}
	if canonical := e.resolver.Canonical(source, userID); canonical != "" {
		ws.userKey = identity.UserKey(canonical, target)
	}
	return ws, nil
}

// issueWorktree clones or fetches owner/repo and returns the worktree for
// the issue.
func (e *Engine) issueWorktree(ctx context.Context, owner, repo string, number int) (worktree.Info, error) {
	cloneURL, err := e.github.CloneURL(ctx, owner, repo)
	if err != nil {
		return worktree.Info{}, fmt.Errorf("resolving clone URL for %s/%s: %w", owner, repo, err)
	}
	repoDir, err := e.worktrees.CloneOrFetch(ctx, e.cfg.ReposDir(), owner, repo, cloneURL)
	if err != nil {
		return worktree.Info{}, err
	}
	return e.worktrees.GetOrCreateWorktree(ctx, repoDir, owner, repo, strconv.Itoa(number))
}

// repoWorktree prepares a worktree in an explicitly targeted repository.
func (e *Engine) repoWorktree(ctx context.Context, target, key string) (string, error) {
	owner, repo, ok := splitRepo(target)
	if !ok {
		return "", fmt.Errorf("malformed target repo %q: %w", target, cerrors.ErrInvalidInput)
	}
	cloneURL := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	if e.github != nil {
		if u, err := e.github.CloneURL(ctx, owner, repo); err == nil {
			cloneURL = u
		}
	}
	repoDir, err := e.worktrees.CloneOrFetch(ctx, e.cfg.ReposDir(), owner, repo, cloneURL)
	if err != nil {
		return "", err
	}
	info, err := e.worktrees.GetOrCreateWorktree(ctx, repoDir, owner, repo, key)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

func (e *Engine) sharedWorkspace(ctx context.Context) (string, error) {
	dir := e.cfg.WorkspaceDir()
	if err := e.worktrees.InitializeWorkspace(ctx, dir); err != nil {
		return "", fmt.Errorf("initializing workspace: %w", err)
	}
	return dir, nil
}

func issuePrompt(base, owner, repo string, number int, url, branch string) string {
	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\nRepository: %s/%s\nIssue: #%d", owner, repo, number)
	if url != "" {
		fmt.Fprintf(&b, "\nIssue URL: %s", url)
	}
	fmt.Fprintf(&b, "\nBranch: %s", branch)
	b.WriteString("\nCommit your changes to this branch, push it, and open a pull request referencing the issue.")
	return b.String()
}

// worktreeKeyFromThread derives a stable numeric worktree key from a thread
// timestamp. The last 8 digits keep branch names short.
func worktreeKeyFromThread(threadTS string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, threadTS)
	if len(digits) > 8 {
		digits = digits[len(digits)-8:]
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		n = time.Now().UnixMilli()
	}
	return strconv.FormatInt(n, 10)
}

// worktreeKeyFromID derives a branch-safe worktree key from a user or
// correlation ID.
func worktreeKeyFromID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	key := b.String()
	if key == "" {
		return strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	if len(key) > 16 {
		key = key[len(key)-16:]
	}
	return key
}

func splitRepo(full string) (owner, repo string, ok bool) {
	parts := strings.Split(full, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
