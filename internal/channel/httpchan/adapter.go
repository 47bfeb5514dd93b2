// Package httpchan implements the poll-based HTTP channel. Devices POST a
// message, receive a task ID, and poll for status; approvals and questions
// surface in the poll response and resolve through dedicated endpoints.
package httpchan

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/config"
	"github.com/claps-dev/claps/internal/task"
	"github.com/claps-dev/claps/pkg/lru"
)

const finishedCacheSize = 256

// TaskLookup is the slice of the queue the adapter reads.
type TaskLookup interface {
	Get(id string) (task.Task, bool)
}

type pendingKind string

const (
	kindApproval pendingKind = "approval"
	kindQuestion pendingKind = "question"
)

// pendingState is an outstanding approval or question for one task.
type pendingState struct {
	Kind      pendingKind
	RequestID string
	Tool      string
	Command   string
	Question  string
	Options   []string
	resolve   chan resolution
}

type resolution struct {
	decision channel.Decision
	comment  string
	answer   string
}

// Adapter is the HTTP poll channel.
type Adapter struct {
	admin  *config.AdminConfig
	lookup TaskLookup
	logger zerolog.Logger

	mu           sync.Mutex
	cb           channel.Callbacks
	pending      map[string]*pendingState // taskID -> pending
	progress     map[string]string        // taskID -> latest progress line
	finished     *lru.Cache[string, task.Task]
	healthSource func() map[string]error
	started      bool
}

// New creates the HTTP adapter.
func New(admin *config.AdminConfig, lookup TaskLookup, logger zerolog.Logger) *Adapter {
	return &Adapter{
		admin:    admin,
		lookup:   lookup,
		logger:   logger.With().Str("component", "http-adapter").Logger(),
		pending:  make(map[string]*pendingState),
		progress: make(map[string]string),
		finished: lru.New[string, task.Task](finishedCacheSize),
	}
}

func (a *Adapter) Name() string        { return "http" }
func (a *Adapter) Source() task.Source { return task.SourceHTTP }

func (a *Adapter) Init(cb channel.Callbacks) error {
	if cb.OnTask == nil {
		return fmt.Errorf("http adapter requires an OnTask callback")
	}
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()
	return nil
}

// Start is a no-op; routes are served by the gateway's Fiber app.
func (a *Adapter) Start(context.Context) error {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	for id, p := range a.pending {
		select {
		case p.resolve <- resolution{decision: channel.DecisionDeny}:
		default:
		}
		delete(a.pending, id)
	}
	return nil
}

func (a *Adapter) Health() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return fmt.Errorf("http adapter not started")
	}
	return nil
}

func (a *Adapter) IsUserAllowed(userID string) bool {
	return a.admin.IsUserAllowed("http", userID)
}

// SendMessage records the text as the task's latest progress line; poll
// clients pick it up on the next GET.
func (a *Adapter) SendMessage(_ context.Context, nctx channel.NotificationContext, text string) error {
	a.mu.Lock()
	a.progress[nctx.TaskID] = text
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SendSplitMessage(ctx context.Context, nctx channel.NotificationContext, text string) error {
	return a.SendMessage(ctx, nctx, text)
}

// RequestApproval parks the request for poll pickup and blocks until a
// device answers or ctx is done.
func (a *Adapter) RequestApproval(ctx context.Context, nctx channel.NotificationContext, requestID, tool, command, _ string) (channel.ApprovalResponse, error) {
	p := &pendingState{
		Kind:      kindApproval,
		RequestID: requestID,
		Tool:      tool,
		Command:   command,
		resolve:   make(chan resolution, 1),
	}
	a.mu.Lock()
	a.pending[nctx.TaskID] = p
	a.mu.Unlock()
	defer a.clearPending(nctx.TaskID, requestID)

	select {
	case res := <-p.resolve:
		return channel.ApprovalResponse{Decision: res.decision, Comment: res.comment, RespondedBy: "http"}, nil
	case <-ctx.Done():
		return channel.ApprovalResponse{Decision: channel.DecisionDeny}, nil
	}
}

// AskQuestion parks the question for poll pickup and blocks for the answer.
func (a *Adapter) AskQuestion(ctx context.Context, nctx channel.NotificationContext, requestID, question string, options []string) (string, error) {
	p := &pendingState{
		Kind:      kindQuestion,
		RequestID: requestID,
		Question:  question,
		Options:   options,
		resolve:   make(chan resolution, 1),
	}
	a.mu.Lock()
	a.pending[nctx.TaskID] = p
	a.mu.Unlock()
	defer a.clearPending(nctx.TaskID, requestID)

	select {
	case res := <-p.resolve:
		return res.answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Adapter) clearPending(taskID, requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pending[taskID]; ok && p.RequestID == requestID {
		delete(a.pending, taskID)
	}
}

func (a *Adapter) NotifyTaskStarted(_ context.Context, nctx channel.NotificationContext) {
	a.mu.Lock()
	a.progress[nctx.TaskID] = "processing"
	a.mu.Unlock()
}

func (a *Adapter) NotifyTaskCompleted(_ context.Context, nctx channel.NotificationContext, _, _ string) {
	a.snapshotFinished(nctx.TaskID)
}

func (a *Adapter) NotifyTaskError(_ context.Context, nctx channel.NotificationContext, _ string) {
	a.snapshotFinished(nctx.TaskID)
}

func (a *Adapter) NotifyProgress(_ context.Context, nctx channel.NotificationContext, message string) {
	a.mu.Lock()
	a.progress[nctx.TaskID] = message
	a.mu.Unlock()
}

func (a *Adapter) NotifyWorkLog(_ context.Context, nctx channel.NotificationContext, eventType, tool, details string) {
	if eventType != "tool_start" {
		return
	}
	a.mu.Lock()
	a.progress[nctx.TaskID] = fmt.Sprintf("%s %s", tool, details)
	a.mu.Unlock()
}

// PostReflectionResult has no poll surface.
func (a *Adapter) PostReflectionResult(context.Context, string) error { return nil }

// CreateIssueThread is meaningless for poll clients.
func (a *Adapter) CreateIssueThread(context.Context, string, string, int, string, string) (string, error) {
	return "", nil
}

// snapshotFinished caches the terminal task state so clients can poll after
// the queue eventually forgets old tasks.
func (a *Adapter) snapshotFinished(taskID string) {
	if a.lookup == nil {
		return
	}
	t, ok := a.lookup.Get(taskID)
	if !ok {
		return
	}
	a.mu.Lock()
	a.finished.Put(taskID, t)
	delete(a.progress, taskID)
	a.mu.Unlock()
}
