// Package line implements the LINE channel. Inbound messages arrive on a
// webhook server; approvals and questions use quick-reply postbacks.
package line

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/rs/zerolog"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/config"
	"github.com/claps-dev/claps/internal/task"
)

const maxLineChunk = 5000

// MessagingAPI abstracts the LINE messaging client for testing.
type MessagingAPI interface {
	PushMessage(request *messaging_api.PushMessageRequest, xLineRetryKey string) (*messaging_api.PushMessageResponse, error)
	ReplyMessage(request *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error)
}

// Config holds LINE adapter settings.
type Config struct {
	ChannelSecret string
	ChannelToken  string
	WebhookPort   int
}

// Adapter is the LINE channel adapter.
type Adapter struct {
	cfg    Config
	admin  *config.AdminConfig
	logger zerolog.Logger

	api    MessagingAPI
	server *http.Server

	mu          sync.Mutex
	cb          channel.Callbacks
	pendingAppr map[string]pendingApproval // "approve:<requestID>" data -> resolver
	pendingAns  map[string]chan string
	running     bool
}

type pendingApproval struct {
	resolve chan channel.ApprovalResponse
}

// New creates a LINE adapter.
func New(cfg Config, admin *config.AdminConfig, logger zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:         cfg,
		admin:       admin,
		logger:      logger.With().Str("component", "line-adapter").Logger(),
		pendingAppr: make(map[string]pendingApproval),
		pendingAns:  make(map[string]chan string),
	}
}

func (a *Adapter) Name() string        { return "line" }
func (a *Adapter) Source() task.Source { return task.SourceLine }

func (a *Adapter) Init(cb channel.Callbacks) error {
	if a.cfg.ChannelSecret == "" || a.cfg.ChannelToken == "" {
		return fmt.Errorf("line adapter requires channel secret and token")
	}
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()

	if a.api == nil {
		api, err := messaging_api.NewMessagingApiAPI(a.cfg.ChannelToken)
		if err != nil {
			return fmt.Errorf("creating line client: %w", err)
		}
		a.api = api
	}
	return nil
}

// Start serves the webhook endpoint on its own listener.
func (a *Adapter) Start(context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", a.handleWebhook)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.WebhookPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("line webhook server exited")
		}
	}()

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	a.logger.Info().Int("port", a.cfg.WebhookPort).Msg("line webhook listening")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.running = false
	for key, p := range a.pendingAppr {
		select {
		case p.resolve <- channel.ApprovalResponse{Decision: channel.DecisionDeny}:
		default:
		}
		delete(a.pendingAppr, key)
	}
	a.mu.Unlock()

	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *Adapter) Health() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return fmt.Errorf("line webhook server not running")
	}
	return nil
}

func (a *Adapter) IsUserAllowed(userID string) bool {
	return a.admin.IsUserAllowed("line", userID)
}

// handleWebhook verifies the signature and dispatches events.
func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	cb, err := webhook.ParseRequest(a.cfg.ChannelSecret, r)
	if err != nil {
		if err == webhook.ErrInvalidSignature {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for _, event := range cb.Events {
		switch ev := event.(type) {
		case webhook.MessageEvent:
			a.handleMessageEvent(ev)
		case webhook.PostbackEvent:
			a.handlePostback(ev)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) handleMessageEvent(ev webhook.MessageEvent) {
	text, ok := ev.Message.(webhook.TextMessageContent)
	if !ok {
		return
	}
	source, ok := ev.Source.(webhook.UserSource)
	if !ok {
		return
	}
	a.dispatchMessage(source.UserId, strings.TrimSpace(text.Text), ev.ReplyToken)
}

func (a *Adapter) dispatchMessage(userID, text, replyToken string) {
	if text == "" {
		return
	}
	if !a.IsUserAllowed(userID) {
		a.logger.Warn().Str("user", userID).Msg("message from non-allowed user ignored")
		return
	}

	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()
	if cb.OnTask == nil {
		return
	}

	targetRepo, prompt := parseTargetRepo(text)
	meta := task.Metadata{
		Source: task.SourceLine,
		Line: &task.LineMeta{
			UserID:     userID,
			ReplyToken: replyToken,
			Text:       text,
			TargetRepo: targetRepo,
		},
	}
	if _, err := cb.OnTask(task.SourceLine, prompt, meta); err != nil {
		a.logger.Error().Err(err).Str("user", userID).Msg("failed to enqueue line task")
		return
	}

	a.reply(replyToken, "受け付けました。処理を開始します…")
}

// handlePostback resolves quick-reply approvals and answers. Postback data
// formats: "approve:<id>", "deny:<id>", "answer:<id>:<text>".
func (a *Adapter) handlePostback(ev webhook.PostbackEvent) {
	data := ev.Postback.Data
	source, _ := ev.Source.(webhook.UserSource)

	switch {
	case strings.HasPrefix(data, "approve:"), strings.HasPrefix(data, "deny:"):
		parts := strings.SplitN(data, ":", 2)
		decision := channel.DecisionDeny
		if parts[0] == "approve" {
			decision = channel.DecisionAllow
		}
		a.resolveApproval(parts[1], decision, source.UserId)
	case strings.HasPrefix(data, "answer:"):
		parts := strings.SplitN(data, ":", 3)
		if len(parts) == 3 {
			a.resolveAnswer(parts[1], parts[2])
		}
	}
}

func (a *Adapter) resolveApproval(requestID string, decision channel.Decision, userID string) {
	a.mu.Lock()
	p, ok := a.pendingAppr[requestID]
	a.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.resolve <- channel.ApprovalResponse{Decision: decision, RespondedBy: userID}:
	default:
	}
}

func (a *Adapter) resolveAnswer(requestID, answer string) {
	a.mu.Lock()
	ch, ok := a.pendingAns[requestID]
	a.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- answer:
	default:
	}
}

func (a *Adapter) userFor(meta task.Metadata) string {
	if meta.Line != nil {
		return meta.Line.UserID
	}
	return ""
}

func (a *Adapter) push(userID string, messages ...messaging_api.MessageInterface) error {
	if userID == "" {
		return fmt.Errorf("no line user to push to")
	}
	_, err := a.api.PushMessage(&messaging_api.PushMessageRequest{
		To:       userID,
		Messages: messages,
	}, "")
	return err
}

func (a *Adapter) reply(replyToken, text string) {
	if replyToken == "" {
		return
	}
	_, err := a.api.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("line reply failed")
	}
}

func (a *Adapter) SendMessage(_ context.Context, nctx channel.NotificationContext, text string) error {
	return a.push(a.userFor(nctx.Meta), messaging_api.TextMessage{Text: text})
}

func (a *Adapter) SendSplitMessage(ctx context.Context, nctx channel.NotificationContext, text string) error {
	for _, chunk := range splitText(text, maxLineChunk) {
		if err := a.SendMessage(ctx, nctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// RequestApproval pushes a quick-reply prompt and blocks for the postback.
func (a *Adapter) RequestApproval(ctx context.Context, nctx channel.NotificationContext, requestID, tool, command, _ string) (channel.ApprovalResponse, error) {
	resolve := make(chan channel.ApprovalResponse, 1)
	a.mu.Lock()
	a.pendingAppr[requestID] = pendingApproval{resolve: resolve}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pendingAppr, requestID)
		a.mu.Unlock()
	}()

	text := fmt.Sprintf("🔐 承認リクエスト: %s\n%s", tool, clip(command, 500))
	msg := messaging_api.TextMessage{
		Text: text,
		QuickReply: &messaging_api.QuickReply{
			Items: []messaging_api.QuickReplyItem{
				{Action: messaging_api.PostbackAction{
					Label: "✅ 許可", Data: "approve:" + requestID, DisplayText: "許可",
				}},
				{Action: messaging_api.PostbackAction{
					Label: "❌ 拒否", Data: "deny:" + requestID, DisplayText: "拒否",
				}},
			},
		},
	}
	if err := a.push(a.userFor(nctx.Meta), msg); err != nil {
		return channel.ApprovalResponse{Decision: channel.DecisionDeny}, fmt.Errorf("pushing approval prompt: %w", err)
	}

	select {
	case resp := <-resolve:
		return resp, nil
	case <-ctx.Done():
		return channel.ApprovalResponse{Decision: channel.DecisionDeny}, nil
	}
}

// AskQuestion pushes option quick replies and blocks for the postback.
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

	items := make([]messaging_api.QuickReplyItem, 0, len(options))
	for _, opt := range options {
		items = append(items, messaging_api.QuickReplyItem{
			Action: messaging_api.PostbackAction{
				Label:       clip(opt, 20),
				Data:        fmt.Sprintf("answer:%s:%s", requestID, opt),
				DisplayText: opt,
			},
		})
	}
	msg := messaging_api.TextMessage{
		Text:       "❓ " + question,
		QuickReply: &messaging_api.QuickReply{Items: items},
	}
	if err := a.push(a.userFor(nctx.Meta), msg); err != nil {
		return "", fmt.Errorf("pushing question: %w", err)
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
	a.notify(ctx, nctx, "⚠️ エラーが発生しました: "+errMsg)
}

func (a *Adapter) NotifyProgress(ctx context.Context, nctx channel.NotificationContext, message string) {
	a.notify(ctx, nctx, message)
}

// NotifyWorkLog drops per-tool noise; LINE pushes are costly.
func (a *Adapter) NotifyWorkLog(context.Context, channel.NotificationContext, string, string, string) {
}

func (a *Adapter) notify(_ context.Context, nctx channel.NotificationContext, text string) {
	if err := a.push(a.userFor(nctx.Meta), messaging_api.TextMessage{Text: text}); err != nil {
		a.logger.Warn().Err(err).Str("task_id", nctx.TaskID).Msg("notification failed")
	}
}

// PostReflectionResult has no broadcast surface on LINE.
func (a *Adapter) PostReflectionResult(context.Context, string) error { return nil }

// CreateIssueThread is meaningless on LINE.
func (a *Adapter) CreateIssueThread(context.Context, string, string, int, string, string) (string, error) {
	return "", nil
}

// parseTargetRepo peels a leading "owner/repo" token off the message text.
func parseTargetRepo(text string) (targetRepo, prompt string) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return "", text
	}
	first := fields[0]
	if strings.Count(first, "/") == 1 && !strings.ContainsAny(first, "<>:") {
		parts := strings.Split(first, "/")
		if parts[0] != "" && parts[1] != "" {
			return first, strings.TrimSpace(strings.TrimPrefix(text, first))
		}
	}
	return "", text
}

// splitText cuts on rune boundaries so multibyte output never gets
// split mid-character.
func splitText(text string, max int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > max {
		chunks = append(chunks, string(runes[:max]))
		runes = runes[max:]
	}
	return append(chunks, string(runes))
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
