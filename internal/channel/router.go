package channel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	cerrors "github.com/claps-dev/claps/internal/errors"
	"github.com/claps-dev/claps/internal/task"
)

// Router resolves the adapter responsible for a task's notifications and
// fans out broadcasts. GitHub tasks have no adapter of their own; their
// notifications land on the default adapter's issue thread.
type Router struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewRouter creates a router over a registry.
func NewRouter(registry *Registry, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger.With().Str("component", "channel-router").Logger(),
	}
}

// Resolve returns the adapter that owns notifications for meta.
func (r *Router) Resolve(meta task.Metadata) (Adapter, error) {
	if meta.Source != task.SourceGitHub {
		if a := r.registry.BySource(meta.Source); a != nil {
			return a, nil
		}
	}
	if a := r.registry.Default(); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("no adapter for source %q: %w", meta.Source, cerrors.ErrNoAdapter)
}

// RequestApproval forwards an approval request to the owning adapter.
func (r *Router) RequestApproval(ctx context.Context, nctx NotificationContext, requestID, tool, command, requestedBy string) (ApprovalResponse, error) {
	a, err := r.Resolve(nctx.Meta)
	if err != nil {
		return ApprovalResponse{Decision: DecisionDeny}, err
	}
	return a.RequestApproval(ctx, nctx, requestID, tool, command, requestedBy)
}

// AskQuestion forwards a question to the owning adapter.
func (r *Router) AskQuestion(ctx context.Context, nctx NotificationContext, requestID, question string, options []string) (string, error) {
	a, err := r.Resolve(nctx.Meta)
	if err != nil {
		return "", err
	}
	return a.AskQuestion(ctx, nctx, requestID, question, options)
}

// NotifyTaskStarted notifies the owning adapter; errors are logged.
func (r *Router) NotifyTaskStarted(ctx context.Context, nctx NotificationContext) {
	if a, err := r.Resolve(nctx.Meta); err == nil {
		a.NotifyTaskStarted(ctx, nctx)
	}
}

// NotifyTaskCompleted notifies the owning adapter.
func (r *Router) NotifyTaskCompleted(ctx context.Context, nctx NotificationContext, output, prURL string) {
	if a, err := r.Resolve(nctx.Meta); err == nil {
		a.NotifyTaskCompleted(ctx, nctx, output, prURL)
	}
}

// NotifyTaskError notifies the owning adapter.
func (r *Router) NotifyTaskError(ctx context.Context, nctx NotificationContext, errMsg string) {
	if a, err := r.Resolve(nctx.Meta); err == nil {
		a.NotifyTaskError(ctx, nctx, errMsg)
	}
}

// NotifyProgress notifies the owning adapter.
func (r *Router) NotifyProgress(ctx context.Context, nctx NotificationContext, message string) {
	if a, err := r.Resolve(nctx.Meta); err == nil {
		a.NotifyProgress(ctx, nctx, message)
	}
}

// NotifyWorkLog notifies the owning adapter.
func (r *Router) NotifyWorkLog(ctx context.Context, nctx NotificationContext, eventType, tool, details string) {
	if a, err := r.Resolve(nctx.Meta); err == nil {
		a.NotifyWorkLog(ctx, nctx, eventType, tool, details)
	}
}

// PostReflectionResult broadcasts to every active adapter exactly once. A
// panic or error in one adapter does not skip the rest.
func (r *Router) PostReflectionResult(ctx context.Context, text string) {
	for _, a := range r.registry.Active() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Interface("panic", rec).Str("adapter", a.Name()).Msg("reflection broadcast panicked")
				}
			}()
			if err := a.PostReflectionResult(ctx, text); err != nil {
				r.logger.Warn().Err(err).Str("adapter", a.Name()).Msg("reflection broadcast failed")
			}
		}()
	}
}

// CreateIssueThread opens a notification thread on the default adapter.
func (r *Router) CreateIssueThread(ctx context.Context, owner, repo string, issueNumber int, title, url string) (string, error) {
	a := r.registry.Default()
	if a == nil {
		return "", cerrors.ErrNoAdapter
	}
	return a.CreateIssueThread(ctx, owner, repo, issueNumber, title, url)
}
