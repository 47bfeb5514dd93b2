// Package slack implements the Slack channel over Socket Mode. It is the
// default notification adapter: GitHub issue tasks get their threads here.
package slack

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/config"
	"github.com/claps-dev/claps/internal/task"
)

// BotAPI abstracts the Slack Web API client for testing.
type BotAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTest() (*slack.AuthTestResponse, error)
}

// Config holds Slack adapter settings.
type Config struct {
	BotToken        string
	AppToken        string
	NotifyChannel   string
	AllowedChannels []string
}

// Adapter is the Slack channel adapter.
type Adapter struct {
	cfg    Config
	admin  *config.AdminConfig
	logger zerolog.Logger

	api    BotAPI
	socket *socketmode.Client
	botID  string

	mu            sync.Mutex
	cb            channel.Callbacks
	pendingAppr   map[string]chan channel.ApprovalResponse // requestID -> resolver
	pendingAns    map[string]chan string
	activeThreads map[string]bool // channelID:threadTS
	connected     bool

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New creates a Slack adapter.
func New(cfg Config, admin *config.AdminConfig, logger zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:           cfg,
		admin:         admin,
		logger:        logger.With().Str("component", "slack-adapter").Logger(),
		pendingAppr:   make(map[string]chan channel.ApprovalResponse),
		pendingAns:    make(map[string]chan string),
		activeThreads: make(map[string]bool),
	}
}

func (a *Adapter) Name() string        { return "slack" }
func (a *Adapter) Source() task.Source { return task.SourceSlack }

func (a *Adapter) Init(cb channel.Callbacks) error {
	if a.cfg.BotToken == "" || a.cfg.AppToken == "" {
		return fmt.Errorf("slack adapter requires bot and app tokens")
	}
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()

	if a.api == nil {
		client := slack.New(a.cfg.BotToken, slack.OptionAppLevelToken(a.cfg.AppToken))
		a.api = client
		a.socket = socketmode.New(client)
	}

	auth, err := a.api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.botID = auth.UserID
	return nil
}

// Start launches the Socket Mode loop in the background.
func (a *Adapter) Start(ctx context.Context) error {
	if a.socket == nil {
		return fmt.Errorf("slack adapter not initialized")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runDone = make(chan struct{})

	go func() {
		for evt := range a.socket.Events {
			a.handleEvent(runCtx, evt)
		}
	}()
	go func() {
		defer close(a.runDone)
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error().Err(err).Msg("socket mode loop exited")
		}
	}()

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.logger.Info().Msg("slack socket mode started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}
	a.mu.Lock()
	a.connected = false
	for id, ch := range a.pendingAppr {
		select {
		case ch <- channel.ApprovalResponse{Decision: channel.DecisionDeny}:
		default:
		}
		delete(a.pendingAppr, id)
	}
	a.mu.Unlock()

	if a.runDone != nil {
		select {
		case <-a.runDone:
		case <-ctx.Done():
		}
	}
	return nil
}

func (a *Adapter) Health() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack socket not connected")
	}
	return nil
}

func (a *Adapter) IsUserAllowed(userID string) bool {
	return a.admin.IsUserAllowed("slack", userID)
}

// destination resolves the Slack channel and thread for a notification.
// Non-Slack metadata lands in the notify channel, threaded when a GitHub
// task has a linked thread.
func (a *Adapter) destination(meta task.Metadata) (channelID, threadTS string) {
	switch meta.Source {
	case task.SourceSlack:
		if meta.Slack != nil {
			return meta.Slack.ChannelID, meta.Slack.ThreadTS
		}
	case task.SourceGitHub:
		if meta.GitHub != nil {
			return a.cfg.NotifyChannel, meta.GitHub.ThreadID
		}
	}
	return a.cfg.NotifyChannel, ""
}

func (a *Adapter) post(channelID, threadTS string, options ...slack.MsgOption) (string, error) {
	if channelID == "" {
		return "", fmt.Errorf("no slack channel to post to")
	}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := a.api.PostMessage(channelID, options...)
	return ts, err
}

func (a *Adapter) SendMessage(_ context.Context, nctx channel.NotificationContext, text string) error {
	channelID, threadTS := a.destination(nctx.Meta)
	_, err := a.post(channelID, threadTS, slack.MsgOptionText(text, false))
	return err
}

// SendSplitMessage posts long text as consecutive thread messages, capped
// at Slack's practical block size.
func (a *Adapter) SendSplitMessage(ctx context.Context, nctx channel.NotificationContext, text string) error {
	for _, chunk := range splitMessage(text, maxSlackChunk) {
		if err := a.SendMessage(ctx, nctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// RequestApproval posts an interactive approval prompt and blocks until a
// button is pressed or ctx is done.
func (a *Adapter) RequestApproval(ctx context.Context, nctx channel.NotificationContext, requestID, tool, command, requestedBy string) (channel.ApprovalResponse, error) {
	resolve := make(chan channel.ApprovalResponse, 1)
	a.mu.Lock()
	a.pendingAppr[requestID] = resolve
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pendingAppr, requestID)
		a.mu.Unlock()
	}()

	channelID, threadTS := a.destination(nctx.Meta)
	blocks := buildApprovalBlocks(requestID, tool, command, requestedBy)
	if _, err := a.post(channelID, threadTS, slack.MsgOptionBlocks(blocks...)); err != nil {
		return channel.ApprovalResponse{Decision: channel.DecisionDeny}, fmt.Errorf("posting approval prompt: %w", err)
	}

	select {
	case resp := <-resolve:
		return resp, nil
	case <-ctx.Done():
		return channel.ApprovalResponse{Decision: channel.DecisionDeny}, nil
	}
}

// AskQuestion posts option buttons and blocks for the chosen answer.
func (a *Adapter) AskQuestion(ctx context.Context, nctx channel.NotificationContext, requestID, question string, options []string) (string, error) {
	resolve := make(chan string, 1)
	a.mu.Lock()
	a.pendingAns[requestID] = resolve
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pendingAns, requestID)
		a.mu.Unlock()
	}()

	channelID, threadTS := a.destination(nctx.Meta)
	blocks := buildQuestionBlocks(requestID, question, options)
	if _, err := a.post(channelID, threadTS, slack.MsgOptionBlocks(blocks...)); err != nil {
		return "", fmt.Errorf("posting question: %w", err)
	}

	select {
	case answer := <-resolve:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Adapter) NotifyTaskStarted(ctx context.Context, nctx channel.NotificationContext) {
	a.notify(ctx, nctx, "🚀 作業を開始しました")
}

func (a *Adapter) NotifyTaskCompleted(ctx context.Context, nctx channel.NotificationContext, output, prURL string) {
	text := output
	if prURL != "" {
		text = fmt.Sprintf("%s\n\n🔗 %s", output, prURL)
	}
	if err := a.SendSplitMessage(ctx, nctx, text); err != nil {
		a.logger.Warn().Err(err).Str("task_id", nctx.TaskID).Msg("completion notification failed")
	}
}

func (a *Adapter) NotifyTaskError(ctx context.Context, nctx channel.NotificationContext, errMsg string) {
	a.notify(ctx, nctx, fmt.Sprintf("⚠️ エラーが発生しました: %s", errMsg))
}

func (a *Adapter) NotifyProgress(ctx context.Context, nctx channel.NotificationContext, message string) {
	a.notify(ctx, nctx, message)
}

func (a *Adapter) NotifyWorkLog(ctx context.Context, nctx channel.NotificationContext, eventType, tool, details string) {
	line := formatWorkLog(eventType, tool, details)
	if line == "" {
		return
	}
	a.notify(ctx, nctx, line)
}

func (a *Adapter) notify(ctx context.Context, nctx channel.NotificationContext, text string) {
	if err := a.SendMessage(ctx, nctx, text); err != nil {
		a.logger.Warn().Err(err).Str("task_id", nctx.TaskID).Msg("notification failed")
	}
}

// PostReflectionResult posts to the notify channel.
func (a *Adapter) PostReflectionResult(_ context.Context, text string) error {
	_, err := a.post(a.cfg.NotifyChannel, "", slack.MsgOptionText(text, false))
	return err
}

// CreateIssueThread opens the notification thread for a new issue task and
// marks it active so replies become follow-up tasks.
func (a *Adapter) CreateIssueThread(_ context.Context, owner, repo string, issueNumber int, title, url string) (string, error) {
	text := fmt.Sprintf("📋 Issue taken: <%s|%s/%s#%d> %s", url, owner, repo, issueNumber, title)
	ts, err := a.post(a.cfg.NotifyChannel, "", slack.MsgOptionText(text, false))
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.activeThreads[a.cfg.NotifyChannel+":"+ts] = true
	a.mu.Unlock()
	return ts, nil
}
