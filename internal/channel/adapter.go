// Package channel defines the adapter contract every messaging channel
// implements, plus the registry and router that drive them.
package channel

import (
	"context"

	"github.com/claps-dev/claps/internal/task"
)

// Decision is an approval outcome.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// ApprovalResponse is a user's answer to an approval request.
type ApprovalResponse struct {
	Decision    Decision
	Comment     string
	RespondedBy string
}

// NotificationContext identifies which conversation a notification belongs
// to.
type NotificationContext struct {
	TaskID string
	Meta   task.Metadata
}

// Callbacks are provided to adapters at init time. OnTask enqueues a new
// task and returns its ID.
type Callbacks struct {
	OnTask func(source task.Source, prompt string, meta task.Metadata) (string, error)
}

// Adapter is the capability surface of one messaging channel. Notification
// methods are best effort; adapters log failures rather than propagate them
// into the engine.
type Adapter interface {
	Name() string
	Source() task.Source

	Init(cb Callbacks) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() error

	IsUserAllowed(userID string) bool

	SendMessage(ctx context.Context, nctx NotificationContext, text string) error
	SendSplitMessage(ctx context.Context, nctx NotificationContext, text string) error

	// RequestApproval blocks until the user decides or ctx is done.
	RequestApproval(ctx context.Context, nctx NotificationContext, requestID, tool, command, requestedBy string) (ApprovalResponse, error)
	// AskQuestion blocks until the user answers or ctx is done.
	AskQuestion(ctx context.Context, nctx NotificationContext, requestID, question string, options []string) (string, error)

	NotifyTaskStarted(ctx context.Context, nctx NotificationContext)
	NotifyTaskCompleted(ctx context.Context, nctx NotificationContext, output, prURL string)
	NotifyTaskError(ctx context.Context, nctx NotificationContext, errMsg string)
	NotifyProgress(ctx context.Context, nctx NotificationContext, message string)
	NotifyWorkLog(ctx context.Context, nctx NotificationContext, eventType, tool, details string)

	// PostReflectionResult broadcasts a periodic self-review summary.
	PostReflectionResult(ctx context.Context, text string) error

	// CreateIssueThread opens a notification thread for a new issue task and
	// returns the thread ID, or empty when the channel has no thread concept.
	CreateIssueThread(ctx context.Context, owner, repo string, issueNumber int, title, url string) (string, error)
}
