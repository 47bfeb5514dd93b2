package task

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/claps-dev/claps/internal/errors"
)

func newTestQueue() *Queue {
	return NewQueue(zerolog.Nop())
}

func slackMeta(user string) Metadata {
	return Metadata{Source: SourceSlack, Slack: &SlackMeta{ChannelID: "C1", ThreadTS: "1.0", UserID: user, Text: "hi"}}
}

func TestQueueFIFO(t *testing.T) {
	q := newTestQueue()
	id1 := q.Add(SourceSlack, "first", slackMeta("U1"))
	id2 := q.Add(SourceSlack, "second", slackMeta("U1"))

	got, err := q.NextPending()
	require.NoError(t, err)
	assert.Equal(t, id1, got.ID)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	got, err = q.NextPending()
	require.NoError(t, err)
	assert.Equal(t, id2, got.ID)

	_, err = q.NextPending()
	assert.ErrorIs(t, err, cerrors.ErrNoTask)
}

func TestQueueComplete(t *testing.T) {
	q := newTestQueue()
	id := q.Add(SourceSlack, "p", slackMeta("U1"))
	_, err := q.NextPending()
	require.NoError(t, err)

	require.NoError(t, q.Complete(id, Result{Success: true, Output: "done"}))
	got, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Output)
	require.NotNil(t, got.CompletedAt)

	id2 := q.Add(SourceSlack, "p2", slackMeta("U1"))
	_, err = q.NextPending()
	require.NoError(t, err)
	require.NoError(t, q.Complete(id2, Result{Success: false, Error: "boom"}))
	got, _ = q.Get(id2)
	assert.Equal(t, StatusFailed, got.Status)

	assert.ErrorIs(t, q.Complete("missing", Result{}), cerrors.ErrNotFound)
}

func TestQueueHTTPCorrelationID(t *testing.T) {
	q := newTestQueue()
	meta := Metadata{Source: SourceHTTP, HTTP: &HTTPMeta{CorrelationID: "corr-1", Text: "x"}}
	id := q.Add(SourceHTTP, "x", meta)
	assert.Equal(t, "corr-1", id)
}

func TestQueueListByStatus(t *testing.T) {
	q := newTestQueue()
	q.Add(SourceSlack, "a", slackMeta("U1"))
	q.Add(SourceSlack, "b", slackMeta("U1"))
	_, err := q.NextPending()
	require.NoError(t, err)

	pending := q.ListByStatus(StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].Prompt)
	assert.Len(t, q.ListByStatus(StatusRunning), 1)
}

func TestQueueIsIssueProcessed(t *testing.T) {
	q := newTestQueue()
	meta := Metadata{Source: SourceGitHub, GitHub: &GitHubMeta{Owner: "o", Repo: "r", IssueNumber: 7}}
	q.Add(SourceGitHub, "fix", meta)

	assert.True(t, q.IsIssueProcessed("o", "r", 7))
	assert.False(t, q.IsIssueProcessed("o", "r", 8))
	assert.False(t, q.IsIssueProcessed("o", "other", 7))
}

func TestQueueListenerIsolation(t *testing.T) {
	q := newTestQueue()
	var seen []Event
	q.Subscribe(EventAdded, func(Task) { panic("bad listener") })
	q.Subscribe(EventAdded, func(Task) { seen = append(seen, EventAdded) })
	q.Subscribe(EventFailed, func(tk Task) { seen = append(seen, EventFailed) })

	id := q.Add(SourceSlack, "p", slackMeta("U1"))
	_, err := q.NextPending()
	require.NoError(t, err)
	require.NoError(t, q.Complete(id, Result{Success: false, Error: "e"}))

	assert.Equal(t, []Event{EventAdded, EventFailed}, seen)
}
