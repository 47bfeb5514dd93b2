package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// reflectionWindow bounds how many finished tasks one reflection covers.
const reflectionWindow = 20

// runReflection periodically summarizes recent task history and broadcasts
// the summary to every active adapter.
func (e *Engine) runReflection(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReflectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reflect(ctx)
		}
	}
}

func (e *Engine) reflect(ctx context.Context) {
	entries, err := e.history.Recent(ctx, reflectionWindow)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reflection history query failed")
		return
	}
	if len(entries) == 0 {
		return
	}

	succeeded := 0
	var failures []string
	for _, entry := range entries {
		if entry.Success {
			succeeded++
			continue
		}
		msg := entry.Error
		if r := []rune(msg); len(r) > 120 {
			msg = string(r[:120]) + "…"
		}
		failures = append(failures, fmt.Sprintf("- %s (%s): %s", entry.TaskID, entry.Source, msg))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📝 振り返り: 直近 %d 件のタスクのうち %d 件成功、%d 件失敗\n",
		len(entries), succeeded, len(entries)-succeeded)
	if len(failures) > 0 {
		b.WriteString("失敗したタスク:\n")
		b.WriteString(strings.Join(failures, "\n"))
	}
	e.notifier.PostReflectionResult(ctx, b.String())
}
