// Package engine dispatches queued tasks to the coding agent one at a
// time and routes results back to the originating channel.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/config"
	cerrors "github.com/claps-dev/claps/internal/errors"
	"github.com/claps-dev/claps/internal/history"
	"github.com/claps-dev/claps/internal/identity"
	"github.com/claps-dev/claps/internal/metrics"
	"github.com/claps-dev/claps/internal/runner"
	"github.com/claps-dev/claps/internal/session"
	"github.com/claps-dev/claps/internal/task"
	"github.com/claps-dev/claps/internal/worktree"
)

// maxNotifyOutput caps the output text included in completion notifications.
const maxNotifyOutput = 3000

const defaultSystemPrompt = `You are an autonomous coding agent acting on behalf of a chat user.
Work only inside the current repository. Commit your changes with clear
messages. When the task references a GitHub issue, push the branch and open
a pull request that references the issue. Finish with a concise summary of
what you did.`

// Notifier routes task notifications to channel adapters. Implemented by
// channel.Router.
type Notifier interface {
	NotifyTaskStarted(ctx context.Context, nctx channel.NotificationContext)
	NotifyTaskCompleted(ctx context.Context, nctx channel.NotificationContext, output, prURL string)
	NotifyTaskError(ctx context.Context, nctx channel.NotificationContext, errMsg string)
	NotifyProgress(ctx context.Context, nctx channel.NotificationContext, message string)
	NotifyWorkLog(ctx context.Context, nctx channel.NotificationContext, eventType, tool, details string)
	PostReflectionResult(ctx context.Context, text string)
	CreateIssueThread(ctx context.Context, owner, repo string, issueNumber int, title, url string) (string, error)
}

// ApprovalScope pins the gateway's approval window to the running task.
// Implemented by gateway.Server.
type ApprovalScope interface {
	SetCurrentTask(taskID string, meta task.Metadata, requestedBy string)
	ClearCurrentTask()
}

// AgentRunner executes one agent invocation. Implemented by runner.Runner.
type AgentRunner interface {
	Run(ctx context.Context, opts runner.Options, onEvent runner.EventFunc) runner.RunResult
}

// Worktrees manages repository clones and per-issue worktrees. Implemented
// by worktree.Manager.
type Worktrees interface {
	CloneOrFetch(ctx context.Context, reposDir, owner, repo, cloneURL string) (string, error)
	GetOrCreateWorktree(ctx context.Context, baseDir, owner, repo, key string) (worktree.Info, error)
	RemoveWorktree(ctx context.Context, baseDir, key string) error
	CommitAndPush(ctx context.Context, dir, message string) (bool, error)
	InitializeWorkspace(ctx context.Context, dir string) error
}

// GitHub is the issue-channel collaborator. Nil when GitHub is not
// configured.
type GitHub interface {
	CloneURL(ctx context.Context, owner, repo string) (string, error)
	CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error
}

// History records finalized tasks. Implemented by history.Store.
type History interface {
	Record(ctx context.Context, e history.Entry) error
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Deps wires the engine's collaborators.
type Deps struct {
	Config    *config.Config
	Queue     *task.Queue
	Sessions  *session.Store
	Worktrees Worktrees
	Runner    AgentRunner
	Gateway   ApprovalScope
	Notifier  Notifier
	GitHub    GitHub // optional
	History   History
	Resolver  *identity.Resolver
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Engine pumps the task queue through the agent with exactly one task in
// flight at any time.
type Engine struct {
	cfg       *config.Config
	queue     *task.Queue
	sessions  *session.Store
	worktrees Worktrees
	runner    AgentRunner
	gateway   ApprovalScope
	notifier  Notifier
	github    GitHub
	history   History
	resolver  *identity.Resolver
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	ctx        context.Context
	processing atomic.Bool
	wg         sync.WaitGroup
}

// New creates the engine.
func New(d Deps) *Engine {
	return &Engine{
		cfg:       d.Config,
		queue:     d.Queue,
		sessions:  d.Sessions,
		worktrees: d.Worktrees,
		runner:    d.Runner,
		gateway:   d.Gateway,
		notifier:  d.Notifier,
		github:    d.GitHub,
		history:   d.History,
		resolver:  d.Resolver,
		metrics:   d.Metrics,
		logger:    d.Logger.With().Str("component", "engine").Logger(),
	}
}

// Start subscribes to queue events and begins dispatching. ctx bounds all
// task runs; cancelling it stops the pump after the in-flight task.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
	e.queue.Subscribe(task.EventAdded, func(task.Task) { e.pump() })
	e.pump()
	if e.cfg.ReflectionInterval > 0 && e.history != nil {
		go e.runReflection(ctx)
	}
}

// Stop waits for the in-flight task to finish, up to ctx's deadline.
func (e *Engine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

// Enqueue adds a task from an adapter callback and returns its ID.
func (e *Engine) Enqueue(source task.Source, prompt string, meta task.Metadata) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("empty prompt: %w", cerrors.ErrInvalidInput)
	}
	return e.queue.Add(source, prompt, meta), nil
}

// EnqueueIssue adds a task for a newly observed labeled issue.
func (e *Engine) EnqueueIssue(owner, repo string, number int, title, body, url, user string) string {
	prompt := title
	if body != "" {
		prompt = title + "\n\n" + body
	}
	return e.queue.Add(task.SourceGitHub, prompt, task.Metadata{
		Source: task.SourceGitHub,
		GitHub: &task.GitHubMeta{
			Owner:       owner,
			Repo:        repo,
			IssueNumber: number,
			IssueTitle:  title,
			IssueURL:    url,
			User:        user,
		},
	})
}

// HandleIssueClosed cleans up state for a closed issue: thread link,
// session record, and worktree. Safe to call repeatedly.
func (e *Engine) HandleIssueClosed(ctx context.Context, owner, repo string, number int) {
	ref := session.IssueRef{Owner: owner, Repo: repo, IssueNumber: number}
	if threadID, ok := e.sessions.ThreadForIssue(ref); ok {
		if err := e.sessions.UnlinkThread(threadID); err != nil {
			e.logger.Warn().Err(err).Str("thread", threadID).Msg("unlinking thread failed")
		}
	}
	if err := e.sessions.Delete(session.GitHubKey(owner, repo, number)); err != nil {
		e.logger.Warn().Err(err).Msg("deleting issue session failed")
	}
	repoDir := filepath.Join(e.cfg.ReposDir(), owner, repo)
	if err := e.worktrees.RemoveWorktree(ctx, repoDir, strconv.Itoa(number)); err != nil {
		e.logger.Warn().Err(err).
			Str("repo", owner+"/"+repo).
			Int("issue", number).
			Msg("removing worktree failed")
	}
	e.logger.Info().Str("repo", owner+"/"+repo).Int("issue", number).Msg("issue state cleaned up")
}

// pump starts the drain goroutine unless one is already running.
func (e *Engine) pump() {
	if !e.processing.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go e.drain()
}

func (e *Engine) drain() {
	defer e.wg.Done()
	for {
		if e.ctx.Err() != nil {
			e.processing.Store(false)
			return
		}
		t, err := e.queue.NextPending()
		if err != nil {
			e.processing.Store(false)
			// a task may have slipped in between NextPending and the flag reset
			if len(e.queue.ListByStatus(task.StatusPending)) == 0 ||
				!e.processing.CompareAndSwap(false, true) {
				return
			}
			continue
		}
		e.processTask(e.ctx, t)
	}
}

func (e *Engine) processTask(ctx context.Context, t task.Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("task_id", t.ID).Msg("task processing panicked")
			e.queue.Complete(t.ID, task.Result{Error: fmt.Sprintf("internal error: %v", r)})
			if e.metrics != nil {
				e.metrics.RecordError("engine", "panic")
			}
		}
	}()

	start := time.Now()
	e.notifier.NotifyTaskStarted(ctx, channel.NotificationContext{TaskID: t.ID, Meta: t.Meta})

	ws, err := e.resolveWorkspace(ctx, &t)
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", t.ID).Msg("workspace resolution failed")
		e.finalize(ctx, t, start, runner.RunResult{Error: err.Error()})
		return
	}
	// resolution may attach a notification thread to the metadata
	nctx := channel.NotificationContext{TaskID: t.ID, Meta: t.Meta}

	e.gateway.SetCurrentTask(t.ID, t.Meta, e.requestedBy(t.Meta))
	defer e.gateway.ClearCurrentTask()

	res := e.runner.Run(ctx, runner.Options{
		Prompt:        ws.prompt,
		SystemPrompt:  defaultSystemPrompt,
		WorkDir:       ws.dir,
		SessionID:     ws.sessionID,
		MaxTurns:      e.cfg.AgentMaxTurns,
		Timeout:       e.cfg.AgentTimeout,
		MaxOutputSize: e.cfg.AgentMaxOutput,
		SanitizeEnv:   e.cfg.SanitizeEnv,
		TaskID:        t.ID,
		GatewayPort:   e.cfg.GatewayPort,
	}, func(ev runner.WorkLogEvent) {
		e.notifier.NotifyWorkLog(ctx, nctx, ev.Type, ev.Tool, ev.Details)
	})

	// session writes happen strictly after the agent process exits
	if res.SessionID != "" {
		for _, key := range []string{ws.primaryKey, ws.userKey} {
			if key == "" {
				continue
			}
			if err := e.sessions.Set(key, res.SessionID, ws.dir); err != nil {
				e.logger.Warn().Err(err).Str("key", key).Msg("persisting session failed")
			}
		}
	}

	// Push whatever the run left behind, even when it failed, so partial
	// work on the linked issue is never lost.
	if ws.linkedIssue != nil {
		msg := fmt.Sprintf("fix: Issue #%d - additional changes", ws.linkedIssue.IssueNumber)
		changed, err := e.worktrees.CommitAndPush(ctx, ws.dir, msg)
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("commit-and-push failed")
		case changed:
			e.notifier.NotifyProgress(ctx, nctx, "📤 変更をプッシュしました")
		}
	}

	e.finalize(ctx, t, start, res)
}

func (e *Engine) finalize(ctx context.Context, t task.Task, start time.Time, res runner.RunResult) {
	if err := e.queue.Complete(t.ID, task.Result{
		Success:   res.Success,
		Output:    res.Output,
		PRURL:     res.PRURL,
		Error:     res.Error,
		SessionID: res.SessionID,
	}); err != nil {
		e.logger.Error().Err(err).Str("task_id", t.ID).Msg("completing task failed")
	}

	nctx := channel.NotificationContext{TaskID: t.ID, Meta: t.Meta}
	if res.Success {
		output := notifyOutput(res.Output)
		e.notifier.NotifyTaskCompleted(ctx, nctx, output, res.PRURL)
		if t.Source == task.SourceGitHub && e.github != nil && t.Meta.GitHub != nil {
			g := t.Meta.GitHub
			body := output
			if res.PRURL != "" {
				body += "\n\n🔗 " + res.PRURL
			}
			if err := e.github.CommentOnIssue(ctx, g.Owner, g.Repo, g.IssueNumber, body); err != nil {
				e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("issue comment failed")
			}
		}
	} else {
		e.notifier.NotifyTaskError(ctx, nctx, res.Error)
	}

	if e.history != nil {
		if err := e.history.Record(ctx, history.Entry{
			TaskID:      t.ID,
			Source:      string(t.Source),
			Prompt:      t.Prompt,
			Success:     res.Success,
			Output:      res.Output,
			PRURL:       res.PRURL,
			Error:       res.Error,
			SessionID:   res.SessionID,
			CreatedAt:   t.CreatedAt,
			CompletedAt: time.Now(),
		}); err != nil {
			e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("history record failed")
		}
	}

	if e.metrics != nil {
		status := "completed"
		if !res.Success {
			status = "failed"
		}
		e.metrics.RecordTask(string(t.Source), status)
		e.metrics.ObserveTaskDuration(string(t.Source), time.Since(start).Seconds())
	}
}

// requestedBy derives the user the gateway should route approvals to.
func (e *Engine) requestedBy(meta task.Metadata) string {
	switch meta.Source {
	case task.SourceSlack:
		if meta.Slack != nil {
			return meta.Slack.UserID
		}
	case task.SourceGitHub:
		if meta.GitHub != nil {
			return e.resolver.SlackFor(meta.GitHub.User)
		}
	case task.SourceLine:
		if meta.Line != nil {
			return meta.Line.UserID
		}
	case task.SourceHTTP:
		if meta.HTTP != nil {
			return meta.HTTP.DeviceID
		}
	}
	return ""
}

// notifyOutput prepares agent output for a completion notification.
func notifyOutput(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return "（出力はありませんでした）"
	}
	runes := []rune(out)
	if len(runes) > maxNotifyOutput {
		out = string(runes[:maxNotifyOutput]) + "…"
	}
	return out
}
