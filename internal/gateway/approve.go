package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/claps-dev/claps/internal/channel"
)

// Only these tools ever require user approval.
var needsApproval = map[string]struct{}{
	"Bash":         {},
	"Write":        {},
	"Edit":         {},
	"Task":         {},
	"NotebookEdit": {},
}

const autoApproveLogLimit = 5

type approveRequest struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type approveResponse struct {
	PermissionDecision string `json:"permissionDecision"`
	Message            string `json:"message,omitempty"`
}

// fingerprint derives the auto-approve key for a tool invocation.
func fingerprint(tool string, input json.RawMessage) string {
	var in struct {
		Command  string `json:"command"`
		FilePath string `json:"file_path"`
	}
	json.Unmarshal(input, &in)
	switch tool {
	case "Bash":
		return "Bash:" + in.Command
	case "Write":
		return "Write:" + in.FilePath
	case "Edit":
		return "Edit:" + in.FilePath
	}
	return tool
}

// buildPreview renders a human-readable summary of the tool invocation for
// the approval prompt.
func buildPreview(tool string, input json.RawMessage) string {
	var in struct {
		Command   string `json:"command"`
		FilePath  string `json:"file_path"`
		Content   string `json:"content"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	json.Unmarshal(input, &in)

	switch tool {
	case "Bash":
		return in.Command
	case "Write":
		preview := in.Content
		marker := ""
		if len(preview) > 200 {
			preview = preview[:200]
			marker = "\n..."
		}
		return fmt.Sprintf("Write to: %s\n\nContent preview:\n%s%s", in.FilePath, preview, marker)
	case "Edit":
		return fmt.Sprintf("Edit: %s\n\nOld:\n%s\n\nNew:\n%s",
			in.FilePath, clip(in.OldString, 100), clip(in.NewString, 100))
	}

	var pretty map[string]any
	if err := json.Unmarshal(input, &pretty); err == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			return string(out)
		}
	}
	return string(input)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Server) handleApprove(c *fiber.Ctx) error {
	var req approveRequest
	if err := c.BodyParser(&req); err != nil || req.ToolName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tool_name is required"})
	}

	if _, ok := needsApproval[req.ToolName]; !ok {
		return c.JSON(approveResponse{PermissionDecision: "allow"})
	}

	key := fingerprint(req.ToolName, req.ToolInput)

	s.mu.Lock()
	taskID := s.taskID
	meta := s.taskMeta
	requestedBy := s.requestedBy
	if _, allowed := s.allowedKeys[key]; allowed {
		s.approveCount[key]++
		count := s.approveCount[key]
		s.mu.Unlock()

		if count <= autoApproveLogLimit {
			s.logger.Info().Str("tool", req.ToolName).Str("key", key).Int("count", count).Msg("auto-approved")
		} else if count == autoApproveLogLimit+1 {
			s.logger.Info().Str("key", key).Msg("suppressing further auto-approve logs for this key")
		}
		if s.metrics != nil {
			s.metrics.RecordApproval(req.ToolName, "auto")
		}
		return c.JSON(approveResponse{
			PermissionDecision: "allow",
			Message:            "Auto-approved (previously allowed in this task)",
		})
	}
	s.mu.Unlock()

	if taskID == "" {
		return c.JSON(approveResponse{PermissionDecision: "deny", Message: "No active task"})
	}

	requestID := uuid.NewString()
	preview := buildPreview(req.ToolName, req.ToolInput)
	nctx := channel.NotificationContext{TaskID: taskID, Meta: meta}

	resp, err := s.router.RequestApproval(s.lifeCtx, nctx, requestID, req.ToolName, preview, requestedBy)
	if err != nil {
		s.logger.Error().Err(err).Str("tool", req.ToolName).Msg("approval request failed")
		if s.metrics != nil {
			s.metrics.RecordApproval(req.ToolName, "error")
		}
		return c.JSON(approveResponse{PermissionDecision: "deny", Message: "Approval request failed"})
	}

	if resp.Decision == channel.DecisionAllow {
		s.mu.Lock()
		// Guard against the task having changed while we waited.
		if s.taskID == taskID {
			s.allowedKeys[key] = struct{}{}
		}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordApproval(req.ToolName, "allow")
		}
		return c.JSON(approveResponse{
			PermissionDecision: "allow",
			Message:            withComment("Approved", resp.Comment),
		})
	}

	if s.metrics != nil {
		s.metrics.RecordApproval(req.ToolName, "deny")
	}
	return c.JSON(approveResponse{
		PermissionDecision: "deny",
		Message:            withComment("Denied", resp.Comment),
	})
}

func withComment(decision, comment string) string {
	if comment == "" {
		return decision
	}
	return decision + ": " + comment
}

func (s *Server) handleNotifyTool(c *fiber.Ctx) error {
	var req approveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	s.mu.Lock()
	taskID := s.taskID
	meta := s.taskMeta
	throttled := time.Since(s.lastProgress) < s.cfg.ProgressEvery
	if !throttled {
		s.lastProgress = time.Now()
	}
	s.mu.Unlock()

	if taskID != "" && !throttled {
		msg := fmt.Sprintf("🔧 %s", req.ToolName)
		go s.router.NotifyProgress(s.lifeCtx, channel.NotificationContext{TaskID: taskID, Meta: meta}, msg)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type askRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Context  string   `json:"context,omitempty"`
}

var defaultAskOptions = []string{"はい", "いいえ", "わからない"}

func (s *Server) handleAsk(c *fiber.Ctx) error {
	var req askRequest
	if err := c.BodyParser(&req); err != nil || req.Question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "question is required"})
	}
	if len(req.Options) == 0 {
		req.Options = defaultAskOptions
	}

	s.mu.Lock()
	taskID := s.taskID
	meta := s.taskMeta
	s.mu.Unlock()
	if taskID == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active task"})
	}

	question := req.Question
	if req.Context != "" {
		question = req.Context + "\n\n" + question
	}

	requestID := uuid.NewString()
	nctx := channel.NotificationContext{TaskID: taskID, Meta: meta}
	answer, err := s.router.AskQuestion(s.lifeCtx, nctx, requestID, question, req.Options)
	if err != nil {
		s.logger.Error().Err(err).Msg("question failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "question failed"})
	}
	return c.JSON(fiber.Map{"answer": answer})
}
