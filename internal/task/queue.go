package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cerrors "github.com/claps-dev/claps/internal/errors"
)

// Event is a queue lifecycle notification type.
type Event string

const (
	EventAdded     Event = "added"
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
)

// Listener receives a snapshot of the task that triggered an event.
type Listener func(Task)

// Queue is an in-memory FIFO task queue. All returned tasks are snapshots;
// mutating them does not affect queue state.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	order     []string
	listeners map[Event][]Listener
	logger    zerolog.Logger
}

// NewQueue creates an empty queue.
func NewQueue(logger zerolog.Logger) *Queue {
	return &Queue{
		tasks:     make(map[string]*Task),
		order:     make([]string, 0, 16),
		listeners: make(map[Event][]Listener),
		logger:    logger.With().Str("component", "task-queue").Logger(),
	}
}

// Add enqueues a new pending task and returns its ID. HTTP tasks reuse the
// client correlation ID as the task ID so poll URLs stay stable.
func (q *Queue) Add(source Source, prompt string, meta Metadata) string {
	id := ""
	if source == SourceHTTP && meta.HTTP != nil && meta.HTTP.CorrelationID != "" {
		id = meta.HTTP.CorrelationID
	}
	if id == "" {
		id = uuid.NewString()
	}

	t := &Task{
		ID:        id,
		Source:    source,
		CreatedAt: time.Now(),
		Prompt:    prompt,
		Meta:      meta,
		Status:    StatusPending,
	}

	q.mu.Lock()
	q.tasks[id] = t
	q.order = append(q.order, id)
	snap := *t
	q.mu.Unlock()

	q.logger.Info().Str("task_id", id).Str("source", string(source)).Msg("task enqueued")
	q.emit(EventAdded, snap)
	return id
}

// NextPending atomically claims the oldest pending task, transitioning it to
// running. Returns ErrNoTask when nothing is pending.
func (q *Queue) NextPending() (Task, error) {
	q.mu.Lock()
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		now := time.Now()
		t.Status = StatusRunning
		t.StartedAt = &now
		snap := *t
		q.mu.Unlock()
		q.emit(EventStarted, snap)
		return snap, nil
	}
	q.mu.Unlock()
	return Task{}, cerrors.ErrNoTask
}

// Complete records the outcome of a running task. Success maps to completed,
// failure to failed.
func (q *Queue) Complete(id string, res Result) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return cerrors.ErrNotFound
	}
	now := time.Now()
	t.CompletedAt = &now
	r := res
	t.Result = &r
	ev := EventCompleted
	if res.Success {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusFailed
		ev = EventFailed
	}
	snap := *t
	q.mu.Unlock()

	q.logger.Info().
		Str("task_id", id).
		Str("status", string(snap.Status)).
		Msg("task finished")
	q.emit(ev, snap)
	return nil
}

// Get returns a snapshot of the task with the given ID.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ListByStatus returns snapshots of all tasks with the given status, in
// enqueue order.
func (q *Queue) ListByStatus(status Status) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0)
	for _, id := range q.order {
		if t := q.tasks[id]; t.Status == status {
			out = append(out, *t)
		}
	}
	return out
}

// IsIssueProcessed reports whether a task for the given issue already exists
// in any state. The GitHub poller uses this for dedup across ticks.
func (q *Queue) IsIssueProcessed(owner, repo string, issueNumber int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		g := t.Meta.GitHub
		if g != nil && g.Owner == owner && g.Repo == repo && g.IssueNumber == issueNumber {
			return true
		}
	}
	return false
}

// Subscribe registers a listener for an event. Listeners run synchronously
// on the calling goroutine; a panicking listener is isolated and logged.
func (q *Queue) Subscribe(ev Event, fn Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners[ev] = append(q.listeners[ev], fn)
}

func (q *Queue) emit(ev Event, snap Task) {
	q.mu.Lock()
	fns := make([]Listener, len(q.listeners[ev]))
	copy(fns, q.listeners[ev])
	q.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error().
						Interface("panic", r).
						Str("event", string(ev)).
						Str("task_id", snap.ID).
						Msg("task listener panicked")
				}
			}()
			fn(snap)
		}()
	}
}
