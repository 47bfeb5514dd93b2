package slack

import (
	"context"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/task"
)

// handleEvent routes Socket Mode events.
func (a *Adapter) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if apiEvent.Type == slackevents.CallbackEvent {
			a.handleCallback(ctx, apiEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		a.handleInteraction(evt)
	case socketmode.EventTypeConnected:
		a.logger.Info().Msg("slack socket connected")
	case socketmode.EventTypeDisconnect:
		a.logger.Warn().Msg("slack socket disconnected")
	}
}

func (a *Adapter) handleCallback(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		text := stripMention(ev.Text, a.botID)
		a.dispatchMessage(ctx, ev.Channel, ev.User, text, ev.ThreadTimeStamp, ev.TimeStamp)

	case *slackevents.MessageEvent:
		// Ignore bot echoes and edits
		if ev.User == "" || ev.BotID != "" || ev.SubType != "" {
			return
		}
		if ev.ChannelType == "im" {
			a.dispatchMessage(ctx, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp)
			return
		}
		// Replies in threads we own continue the conversation without a
		// fresh mention.
		if ev.ThreadTimeStamp != "" && a.isActiveThread(ev.Channel, ev.ThreadTimeStamp) {
			a.dispatchMessage(ctx, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp)
		}
	}
}

func (a *Adapter) isActiveThread(channelID, threadTS string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeThreads[channelID+":"+threadTS]
}

// dispatchMessage turns an inbound Slack message into a task.
func (a *Adapter) dispatchMessage(_ context.Context, channelID, userID, text, threadTS, messageTS string) {
	if len(a.cfg.AllowedChannels) > 0 && !contains(a.cfg.AllowedChannels, channelID) {
		a.logger.Debug().Str("channel", channelID).Msg("message from non-allowed channel ignored")
		return
	}
	if !a.IsUserAllowed(userID) {
		a.logger.Warn().Str("user", userID).Msg("message from non-allowed user ignored")
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	// The thread anchors the conversation; a top-level message starts one.
	if threadTS == "" {
		threadTS = messageTS
	}
	a.mu.Lock()
	a.activeThreads[channelID+":"+threadTS] = true
	cb := a.cb
	a.mu.Unlock()
	if cb.OnTask == nil {
		return
	}

	targetRepo, prompt := parseTargetRepo(text)
	meta := task.Metadata{
		Source: task.SourceSlack,
		Slack: &task.SlackMeta{
			ChannelID:  channelID,
			ThreadTS:   threadTS,
			UserID:     userID,
			Text:       text,
			TargetRepo: targetRepo,
		},
	}
	if _, err := cb.OnTask(task.SourceSlack, prompt, meta); err != nil {
		a.logger.Error().Err(err).Str("user", userID).Msg("failed to enqueue slack task")
	}
}

// handleInteraction resolves approval and question buttons.
func (a *Adapter) handleInteraction(evt socketmode.Event) {
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}
	cb, ok := evt.Data.(slack.InteractionCallback)
	if !ok {
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		switch {
		case strings.HasPrefix(action.ActionID, "approve_"):
			id := strings.TrimPrefix(action.ActionID, "approve_")
			a.ResolveApproval(id, channel.DecisionAllow, "", cb.User.ID)
		case strings.HasPrefix(action.ActionID, "deny_"):
			id := strings.TrimPrefix(action.ActionID, "deny_")
			a.ResolveApproval(id, channel.DecisionDeny, "", cb.User.ID)
		case strings.HasPrefix(action.ActionID, "answer_"):
			id := answerRequestID(action.ActionID)
			a.ResolveAnswer(id, action.Value)
		}
	}
}

// ResolveApproval completes a pending approval. Unknown or already resolved
// request IDs are ignored.
func (a *Adapter) ResolveApproval(requestID string, decision channel.Decision, comment, userID string) {
	a.mu.Lock()
	ch, ok := a.pendingAppr[requestID]
	a.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- channel.ApprovalResponse{Decision: decision, Comment: comment, RespondedBy: userID}:
	default:
	}
}

// ResolveAnswer completes a pending question.
func (a *Adapter) ResolveAnswer(requestID, answer string) {
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

// answerRequestID extracts the request ID from "answer_<id>_<index>".
func answerRequestID(actionID string) string {
	rest := strings.TrimPrefix(actionID, "answer_")
	if i := strings.LastIndex(rest, "_"); i > 0 {
		return rest[:i]
	}
	return rest
}

// contains reports whether list has item.
func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// stripMention removes the bot's leading mention token.
func stripMention(text, botID string) string {
	if botID == "" {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botID+">", ""))
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
