package httpchan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/config"
	"github.com/claps-dev/claps/internal/task"
)

type fakeLookup struct {
	mu    sync.Mutex
	tasks map[string]task.Task
}

func (f *fakeLookup) Get(id string) (task.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeLookup) set(t task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

type testEnv struct {
	adapter *Adapter
	lookup  *fakeLookup
	app     *fiber.App
	queued  []string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{lookup: &fakeLookup{tasks: make(map[string]task.Task)}}
	env.adapter = New(&config.AdminConfig{}, env.lookup, zerolog.Nop())

	require.NoError(t, env.adapter.Init(channel.Callbacks{
		OnTask: func(_ task.Source, _ string, meta task.Metadata) (string, error) {
			id := meta.HTTP.CorrelationID
			env.queued = append(env.queued, id)
			env.lookup.set(task.Task{ID: id, Source: task.SourceHTTP, Status: task.StatusPending, Meta: meta})
			return id, nil
		},
	}))
	require.NoError(t, env.adapter.Start(context.Background()))

	env.app = fiber.New()
	env.adapter.RegisterRoutes(env.app.Group("/api/v1"))
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPostMessage(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, "POST", "/api/v1/messages", `{"message":"build it","deviceId":"dev-1"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	taskID := body["taskId"].(string)
	assert.Equal(t, "/api/v1/tasks/"+taskID, body["pollUrl"])
	assert.Equal(t, []string{taskID}, env.queued)

	resp, _ = env.do(t, "POST", "/api/v1/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTaskStatuses(t *testing.T) {
	env := newEnv(t)

	resp, _ := env.do(t, "GET", "/api/v1/tasks/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.lookup.set(task.Task{ID: "t1", Status: task.StatusPending})
	_, body := env.do(t, "GET", "/api/v1/tasks/t1", "")
	assert.Equal(t, "queued", body["status"])

	env.lookup.set(task.Task{ID: "t1", Status: task.StatusRunning})
	_, body = env.do(t, "GET", "/api/v1/tasks/t1", "")
	assert.Equal(t, "processing", body["status"])

	env.lookup.set(task.Task{ID: "t1", Status: task.StatusCompleted, Result: &task.Result{Success: true, Output: "done"}})
	_, body = env.do(t, "GET", "/api/v1/tasks/t1", "")
	assert.Equal(t, "completed", body["status"])
	require.NotNil(t, body["result"])
	assert.Equal(t, "done", body["result"].(map[string]any)["output"])
}

func TestApprovalRoundTrip(t *testing.T) {
	env := newEnv(t)
	env.lookup.set(task.Task{ID: "t1", Status: task.StatusRunning})

	type outcome struct {
		resp channel.ApprovalResponse
		err  error
	}
	got := make(chan outcome, 1)
	go func() {
		resp, err := env.adapter.RequestApproval(context.Background(),
			channel.NotificationContext{TaskID: "t1"}, "req-1", "Bash", "rm -rf build", "")
		got <- outcome{resp, err}
	}()

	// wait for the pending state to land
	require.Eventually(t, func() bool {
		_, body := env.do(t, "GET", "/api/v1/tasks/t1", "")
		return body["status"] == "awaiting_approval"
	}, time.Second, 10*time.Millisecond)

	_, body := env.do(t, "GET", "/api/v1/tasks/t1", "")
	pending := body["pending"].(map[string]any)
	assert.Equal(t, "req-1", pending["requestId"])
	assert.Equal(t, "Bash", pending["tool"])

	// wrong request id is rejected
	resp, _ := env.do(t, "POST", "/api/v1/tasks/t1/approve", `{"requestId":"bogus","decision":"allow"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, ack := env.do(t, "POST", "/api/v1/tasks/t1/approve", `{"requestId":"req-1","decision":"allow","comment":"ok"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, ack["accepted"])

	out := <-got
	require.NoError(t, out.err)
	assert.Equal(t, channel.DecisionAllow, out.resp.Decision)
	assert.Equal(t, "ok", out.resp.Comment)

	// pending cleared
	_, body = env.do(t, "GET", "/api/v1/tasks/t1", "")
	assert.Equal(t, "processing", body["status"])
}

func TestQuestionRoundTrip(t *testing.T) {
	env := newEnv(t)
	env.lookup.set(task.Task{ID: "t1", Status: task.StatusRunning})

	answers := make(chan string, 1)
	go func() {
		ans, err := env.adapter.AskQuestion(context.Background(),
			channel.NotificationContext{TaskID: "t1"}, "req-q", "continue?", []string{"yes", "no"})
		if err == nil {
			answers <- ans
		}
	}()

	require.Eventually(t, func() bool {
		_, body := env.do(t, "GET", "/api/v1/tasks/t1", "")
		return body["status"] == "awaiting_answer"
	}, time.Second, 10*time.Millisecond)

	resp, _ := env.do(t, "POST", "/api/v1/tasks/t1/answer", `{"requestId":"req-q","answer":"yes"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", <-answers)
}

func TestApprovalDeniedOnContextCancel(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := env.adapter.RequestApproval(ctx, channel.NotificationContext{TaskID: "t1"}, "r", "Bash", "ls", "")
	require.NoError(t, err)
	assert.Equal(t, channel.DecisionDeny, resp.Decision)
}

func TestFinishedCacheServesEvictedTasks(t *testing.T) {
	env := newEnv(t)
	env.lookup.set(task.Task{ID: "t1", Status: task.StatusCompleted, Result: &task.Result{Success: true, Output: "x"}})
	env.adapter.NotifyTaskCompleted(context.Background(), channel.NotificationContext{TaskID: "t1"}, "x", "")

	// queue forgot the task; the cache still answers
	env.lookup.mu.Lock()
	delete(env.lookup.tasks, "t1")
	env.lookup.mu.Unlock()

	resp, body := env.do(t, "GET", "/api/v1/tasks/t1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
}

func TestHealthEndpoint(t *testing.T) {
	env := newEnv(t)
	env.adapter.SetHealthSource(func() map[string]error {
		return map[string]error{"http": nil, "slack": errors.New("socket closed")}
	})

	_, body := env.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, "degraded", body["status"])
	channels := body["channels"].(map[string]any)
	assert.Equal(t, "ok", channels["http"])
	assert.Equal(t, "down", channels["slack"])
}
