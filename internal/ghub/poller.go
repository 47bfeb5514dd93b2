package ghub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// IssueSource lists labeled issues. Implemented by Client; narrowed for
// tests.
type IssueSource interface {
	ListOpenIssuesByLabel(ctx context.Context, owner, repo, label string) ([]Issue, error)
	ListClosedIssuesByLabel(ctx context.Context, owner, repo, label string) ([]Issue, error)
}

// PollerCallbacks receive poll observations.
type PollerCallbacks struct {
	// OnNewIssue fires once per labeled issue not yet seen.
	OnNewIssue func(ctx context.Context, issue Issue)
	// OnIssueClosed fires once per closed issue previously dispatched.
	OnIssueClosed func(ctx context.Context, issue Issue)
}

// Seen reports whether an issue was already dispatched. Backed by the task
// queue.
type Seen func(owner, repo string, number int) bool

// Poller watches labeled issues across configured repositories.
type Poller struct {
	source   IssueSource
	repos    []string // owner/repo
	label    string
	interval time.Duration
	seen     Seen
	cb       PollerCallbacks
	logger   zerolog.Logger

	mu         sync.Mutex
	dispatched map[string]bool // owner/repo#n -> handed to OnNewIssue
	closed     map[string]bool
}

// NewPoller creates an issue poller.
func NewPoller(source IssueSource, repos []string, label string, interval time.Duration, seen Seen, cb PollerCallbacks, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		source:     source,
		repos:      repos,
		label:      label,
		interval:   interval,
		seen:       seen,
		cb:         cb,
		logger:     logger.With().Str("component", "issue-poller").Logger(),
		dispatched: make(map[string]bool),
		closed:     make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. The first tick fires immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one poll pass over all repositories.
func (p *Poller) Tick(ctx context.Context) {
	for _, full := range p.repos {
		owner, repo, ok := splitRepo(full)
		if !ok {
			p.logger.Warn().Str("repo", full).Msg("skipping malformed repo entry")
			continue
		}
		p.pollRepo(ctx, owner, repo)
	}
}

func (p *Poller) pollRepo(ctx context.Context, owner, repo string) {
	open, err := p.source.ListOpenIssuesByLabel(ctx, owner, repo, p.label)
	if err != nil {
		p.logger.Warn().Err(err).Str("repo", owner+"/"+repo).Msg("issue poll failed")
	} else {
		for _, issue := range open {
			key := issueKey(issue)
			p.mu.Lock()
			done := p.dispatched[key]
			p.mu.Unlock()
			if done || (p.seen != nil && p.seen(issue.Owner, issue.Repo, issue.Number)) {
				continue
			}
			p.mu.Lock()
			p.dispatched[key] = true
			p.mu.Unlock()
			p.logger.Info().Str("issue", key).Msg("new labeled issue")
			if p.cb.OnNewIssue != nil {
				p.cb.OnNewIssue(ctx, issue)
			}
		}
	}

	closed, err := p.source.ListClosedIssuesByLabel(ctx, owner, repo, p.label)
	if err != nil {
		p.logger.Warn().Err(err).Str("repo", owner+"/"+repo).Msg("closed issue poll failed")
		return
	}
	for _, issue := range closed {
		key := issueKey(issue)
		p.mu.Lock()
		wasDispatched := p.dispatched[key] || (p.seen != nil && p.seen(issue.Owner, issue.Repo, issue.Number))
		already := p.closed[key]
		if wasDispatched && !already {
			p.closed[key] = true
		}
		p.mu.Unlock()
		if wasDispatched && !already && p.cb.OnIssueClosed != nil {
			p.logger.Info().Str("issue", key).Msg("dispatched issue closed")
			p.cb.OnIssueClosed(ctx, issue)
		}
	}
}

func issueKey(i Issue) string {
	return fmt.Sprintf("%s/%s#%d", i.Owner, i.Repo, i.Number)
}

func splitRepo(full string) (owner, repo string, ok bool) {
	parts := strings.Split(full, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
