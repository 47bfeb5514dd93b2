package httpchan

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/task"
)

// SetHealthSource wires the registry health view into GET /health.
func (a *Adapter) SetHealthSource(fn func() map[string]error) {
	a.mu.Lock()
	a.healthSource = fn
	a.mu.Unlock()
}

// RegisterRoutes mounts the poll API onto a router group (normally the
// gateway's /api/v1).
func (a *Adapter) RegisterRoutes(r fiber.Router) {
	r.Post("/messages", a.handlePostMessage)
	r.Get("/tasks/:id", a.handleGetTask)
	r.Post("/tasks/:id/approve", a.handleApprove)
	r.Post("/tasks/:id/answer", a.handleAnswer)
	r.Get("/health", a.handleHealth)
}

type postMessageRequest struct {
	Message    string `json:"message"`
	DeviceID   string `json:"deviceId,omitempty"`
	TargetRepo string `json:"targetRepo,omitempty"`
}

func (a *Adapter) handlePostMessage(c *fiber.Ctx) error {
	var req postMessageRequest
	if err := c.BodyParser(&req); err != nil || req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message is required"})
	}
	if !a.IsUserAllowed(req.DeviceID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "device not allowed"})
	}

	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()
	if cb.OnTask == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not ready"})
	}

	correlationID := uuid.NewString()
	meta := task.Metadata{
		Source: task.SourceHTTP,
		HTTP: &task.HTTPMeta{
			CorrelationID: correlationID,
			DeviceID:      req.DeviceID,
			Text:          req.Message,
			TargetRepo:    req.TargetRepo,
		},
	}
	taskID, err := cb.OnTask(task.SourceHTTP, req.Message, meta)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to enqueue http task")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to enqueue task"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"taskId":  taskID,
		"status":  "queued",
		"pollUrl": "/api/v1/tasks/" + taskID,
	})
}

type pendingView struct {
	Kind      string   `json:"kind"`
	RequestID string   `json:"requestId"`
	Tool      string   `json:"tool,omitempty"`
	Command   string   `json:"command,omitempty"`
	Question  string   `json:"question,omitempty"`
	Options   []string `json:"options,omitempty"`
}

func (a *Adapter) handleGetTask(c *fiber.Ctx) error {
	id := c.Params("id")

	a.mu.Lock()
	pending := a.pending[id]
	progress := a.progress[id]
	cached, inCache := a.finished.Get(id)
	a.mu.Unlock()

	t, ok := task.Task{}, false
	if a.lookup != nil {
		t, ok = a.lookup.Get(id)
	}
	if !ok {
		if !inCache {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
		}
		t = cached
	}

	resp := fiber.Map{"taskId": id, "status": pollStatus(t, pending)}
	if progress != "" {
		resp["progress"] = progress
	}
	if t.Result != nil {
		resp["result"] = t.Result
	}
	if pending != nil {
		resp["pending"] = pendingView{
			Kind:      string(pending.Kind),
			RequestID: pending.RequestID,
			Tool:      pending.Tool,
			Command:   pending.Command,
			Question:  pending.Question,
			Options:   pending.Options,
		}
	}
	return c.JSON(resp)
}

// pollStatus maps internal task state onto the poll protocol's vocabulary.
func pollStatus(t task.Task, pending *pendingState) string {
	if pending != nil {
		if pending.Kind == kindQuestion {
			return "awaiting_answer"
		}
		return "awaiting_approval"
	}
	switch t.Status {
	case task.StatusPending:
		return "queued"
	case task.StatusRunning:
		return "processing"
	case task.StatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}

type approveBody struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment,omitempty"`
}

func (a *Adapter) handleApprove(c *fiber.Ctx) error {
	id := c.Params("id")
	var body approveBody
	if err := c.BodyParser(&body); err != nil || body.RequestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "requestId is required"})
	}
	if body.Decision != "allow" && body.Decision != "deny" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "decision must be allow or deny"})
	}

	a.mu.Lock()
	p := a.pending[id]
	a.mu.Unlock()
	if p == nil || p.Kind != kindApproval || p.RequestID != body.RequestID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no matching pending approval"})
	}

	select {
	case p.resolve <- resolution{decision: channel.Decision(body.Decision), comment: body.Comment}:
	default:
	}
	return c.JSON(fiber.Map{"requestId": body.RequestID, "decision": body.Decision, "accepted": true})
}

type answerBody struct {
	RequestID string `json:"requestId"`
	Answer    string `json:"answer"`
}

func (a *Adapter) handleAnswer(c *fiber.Ctx) error {
	id := c.Params("id")
	var body answerBody
	if err := c.BodyParser(&body); err != nil || body.RequestID == "" || body.Answer == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "requestId and answer are required"})
	}

	a.mu.Lock()
	p := a.pending[id]
	a.mu.Unlock()
	if p == nil || p.Kind != kindQuestion || p.RequestID != body.RequestID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no matching pending question"})
	}

	select {
	case p.resolve <- resolution{answer: body.Answer}:
	default:
	}
	return c.JSON(fiber.Map{"requestId": body.RequestID, "answer": body.Answer, "accepted": true})
}

func (a *Adapter) handleHealth(c *fiber.Ctx) error {
	a.mu.Lock()
	fn := a.healthSource
	a.mu.Unlock()

	channels := fiber.Map{}
	status := "ok"
	if fn != nil {
		for name, err := range fn() {
			if err != nil {
				channels[name] = "down"
				status = "degraded"
			} else {
				channels[name] = "ok"
			}
		}
	}
	return c.JSON(fiber.Map{"status": status, "channels": channels})
}
