package line

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/config"
	"github.com/claps-dev/claps/internal/task"
)

type fakeMessaging struct {
	mu      sync.Mutex
	pushed  []*messaging_api.PushMessageRequest
	replied []*messaging_api.ReplyMessageRequest
}

func (f *fakeMessaging) PushMessage(req *messaging_api.PushMessageRequest, _ string) (*messaging_api.PushMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, req)
	return &messaging_api.PushMessageResponse{}, nil
}

func (f *fakeMessaging) ReplyMessage(req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replied = append(f.replied, req)
	return &messaging_api.ReplyMessageResponse{}, nil
}

func (f *fakeMessaging) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func newTestAdapter(api *fakeMessaging) *Adapter {
	a := New(Config{
		ChannelSecret: "secret",
		ChannelToken:  "token",
		WebhookPort:   0,
	}, &config.AdminConfig{}, zerolog.Nop())
	a.api = api
	return a
}

func lineMeta(user string) task.Metadata {
	return task.Metadata{Source: task.SourceLine, Line: &task.LineMeta{UserID: user}}
}

func TestDispatchMessageEnqueues(t *testing.T) {
	api := &fakeMessaging{}
	a := newTestAdapter(api)

	var got task.Metadata
	require.NoError(t, a.Init(channel.Callbacks{
		OnTask: func(_ task.Source, prompt string, meta task.Metadata) (string, error) {
			got = meta
			assert.Equal(t, "fix the parser", prompt)
			return "t1", nil
		},
	}))

	a.dispatchMessage("L1", "o/r fix the parser", "reply-1")
	require.NotNil(t, got.Line)
	assert.Equal(t, "L1", got.Line.UserID)
	assert.Equal(t, "o/r", got.Line.TargetRepo)
	assert.Equal(t, "reply-1", got.Line.ReplyToken)

	// an ack reply went out
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.replied, 1)
	assert.Equal(t, "reply-1", api.replied[0].ReplyToken)
}

func TestDispatchMessageDisallowedUser(t *testing.T) {
	a := New(Config{ChannelSecret: "s", ChannelToken: "t"}, &config.AdminConfig{
		AllowedUsers: map[string][]string{"line": {"LOK"}},
	}, zerolog.Nop())
	a.api = &fakeMessaging{}

	called := false
	require.NoError(t, a.Init(channel.Callbacks{
		OnTask: func(task.Source, string, task.Metadata) (string, error) {
			called = true
			return "t1", nil
		},
	}))

	a.dispatchMessage("LBAD", "hello", "r1")
	assert.False(t, called)
	a.dispatchMessage("LOK", "hello there", "r2")
	assert.True(t, called)
}

func TestApprovalPostbackRoundTrip(t *testing.T) {
	api := &fakeMessaging{}
	a := newTestAdapter(api)

	got := make(chan channel.ApprovalResponse, 1)
	go func() {
		resp, err := a.RequestApproval(context.Background(),
			channel.NotificationContext{TaskID: "t1", Meta: lineMeta("L1")},
			"req-1", "Bash", "make build", "")
		if err == nil {
			got <- resp
		}
	}()

	require.Eventually(t, func() bool { return api.pushCount() == 1 }, time.Second, 5*time.Millisecond)

	a.handlePostback(webhook.PostbackEvent{
		Source:   webhook.UserSource{UserId: "L1"},
		Postback: &webhook.PostbackContent{Data: "approve:req-1"},
	})

	resp := <-got
	assert.Equal(t, channel.DecisionAllow, resp.Decision)
	assert.Equal(t, "L1", resp.RespondedBy)
}

func TestApprovalDenyPostback(t *testing.T) {
	api := &fakeMessaging{}
	a := newTestAdapter(api)

	got := make(chan channel.ApprovalResponse, 1)
	go func() {
		resp, _ := a.RequestApproval(context.Background(),
			channel.NotificationContext{TaskID: "t1", Meta: lineMeta("L1")},
			"req-2", "Write", "risky", "")
		got <- resp
	}()
	require.Eventually(t, func() bool { return api.pushCount() == 1 }, time.Second, 5*time.Millisecond)

	a.handlePostback(webhook.PostbackEvent{
		Source:   webhook.UserSource{UserId: "L1"},
		Postback: &webhook.PostbackContent{Data: "deny:req-2"},
	})
	assert.Equal(t, channel.DecisionDeny, (<-got).Decision)
}

func TestQuestionPostbackRoundTrip(t *testing.T) {
	api := &fakeMessaging{}
	a := newTestAdapter(api)

	answers := make(chan string, 1)
	go func() {
		ans, err := a.AskQuestion(context.Background(),
			channel.NotificationContext{TaskID: "t1", Meta: lineMeta("L1")},
			"req-q", "続行しますか？", []string{"はい", "いいえ"})
		if err == nil {
			answers <- ans
		}
	}()
	require.Eventually(t, func() bool { return api.pushCount() == 1 }, time.Second, 5*time.Millisecond)

	a.handlePostback(webhook.PostbackEvent{
		Source:   webhook.UserSource{UserId: "L1"},
		Postback: &webhook.PostbackContent{Data: "answer:req-q:はい"},
	})
	assert.Equal(t, "はい", <-answers)
}

func TestSendSplitMessage(t *testing.T) {
	api := &fakeMessaging{}
	a := newTestAdapter(api)

	long := strings.Repeat("x", maxLineChunk+100)
	require.NoError(t, a.SendSplitMessage(context.Background(),
		channel.NotificationContext{Meta: lineMeta("L1")}, long))
	assert.Equal(t, 2, api.pushCount())
}

func TestParseTargetRepo(t *testing.T) {
	repo, prompt := parseTargetRepo("owner/repo do it")
	assert.Equal(t, "owner/repo", repo)
	assert.Equal(t, "do it", prompt)

	repo, prompt = parseTargetRepo("just a message")
	assert.Equal(t, "", repo)
	assert.Equal(t, "just a message", prompt)
}

func TestSplitText(t *testing.T) {
	assert.Nil(t, splitText("", 5))
	chunks := splitText("abcdefgh", 3)
	assert.Equal(t, []string{"abc", "def", "gh"}, chunks)
}

func TestSplitTextMultibyte(t *testing.T) {
	text := strings.Repeat("日本語テキスト", 10)
	chunks := splitText(text, 7)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk split mid-rune: %q", c)
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 7)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestClipMultibyte(t *testing.T) {
	assert.Equal(t, "短い", clip("短い", 10))
	out := clip(strings.Repeat("語", 8), 4)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, strings.Repeat("語", 4)+"…", out)
}
