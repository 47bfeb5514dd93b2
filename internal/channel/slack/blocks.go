package slack

import (
	"fmt"

	"github.com/slack-go/slack"
)

const maxSlackChunk = 3000

// buildApprovalBlocks renders the approve/deny prompt for one tool call.
func buildApprovalBlocks(requestID, tool, command, requestedBy string) []slack.Block {
	header := fmt.Sprintf("*🔐 承認リクエスト: %s*", tool)
	if requestedBy != "" {
		header += fmt.Sprintf(" (requested by <@%s>)", requestedBy)
	}
	detail := fmt.Sprintf("```%s```", truncate(command, 2800))

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", header+"\n"+detail, false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			"approval_actions",
			slack.NewButtonBlockElement(
				"approve_"+requestID, "approve",
				slack.NewTextBlockObject("plain_text", "✅ 許可", false, false),
			),
			slack.NewButtonBlockElement(
				"deny_"+requestID, "deny",
				slack.NewTextBlockObject("plain_text", "❌ 拒否", false, false),
			),
		),
	}
}

// buildQuestionBlocks renders a question with one button per option.
func buildQuestionBlocks(requestID, question string, options []string) []slack.Block {
	buttons := make([]slack.BlockElement, 0, len(options))
	for i, opt := range options {
		buttons = append(buttons, slack.NewButtonBlockElement(
			fmt.Sprintf("answer_%s_%d", requestID, i), opt,
			slack.NewTextBlockObject("plain_text", truncate(opt, 75), false, false),
		))
	}
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*❓ %s*", question), false, false),
			nil, nil,
		),
		slack.NewActionBlock("question_actions", buttons...),
	}
}

// formatWorkLog renders a one-line progress entry for a work-log event.
func formatWorkLog(eventType, tool, details string) string {
	switch eventType {
	case "tool_start":
		if details != "" {
			return fmt.Sprintf("🔧 %s: `%s`", tool, truncate(details, 100))
		}
		return fmt.Sprintf("🔧 %s", tool)
	case "thinking":
		return fmt.Sprintf("💭 %s", truncate(details, 100))
	case "error":
		return "⚠️ ツール実行でエラーが発生しました"
	case "approval_pending":
		return fmt.Sprintf("⏳ %s の承認待ちです", tool)
	}
	return ""
}

// splitMessage cuts text into chunks of at most max bytes, preferring
// newline boundaries.
// splitMessage cuts on rune boundaries so multibyte output never gets
// split mid-character.
func splitMessage(text string, max int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(chunks, string(runes))
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
