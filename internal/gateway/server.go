// Package gateway runs the loopback HTTP server the agent's hooks call for
// tool authorization, progress notification, and questions.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/claps-dev/claps/internal/channel"
	"github.com/claps-dev/claps/internal/health"
	"github.com/claps-dev/claps/internal/metrics"
	"github.com/claps-dev/claps/internal/requestid"
	"github.com/claps-dev/claps/internal/task"
)

// TaskRouter is the slice of the notification router the gateway needs.
type TaskRouter interface {
	RequestApproval(ctx context.Context, nctx channel.NotificationContext, requestID, tool, command, requestedBy string) (channel.ApprovalResponse, error)
	AskQuestion(ctx context.Context, nctx channel.NotificationContext, requestID, question string, options []string) (string, error)
	NotifyProgress(ctx context.Context, nctx channel.NotificationContext, message string)
}

// Config configures the gateway server.
type Config struct {
	Port          int
	TokenPath     string
	ProgressEvery time.Duration // min interval between tool progress posts
}

// Server is the loopback auth gateway.
type Server struct {
	cfg     Config
	app     *fiber.App
	router  TaskRouter
	metrics *metrics.Metrics
	checker *health.Checker
	logger  zerolog.Logger

	token []byte

	// lifeCtx spans Start..Shutdown; cancelling it resolves every pending
	// approval and question as deny.
	lifeCtx  context.Context
	lifeStop context.CancelFunc

	mu           sync.Mutex
	taskID       string
	taskMeta     task.Metadata
	requestedBy  string
	allowedKeys  map[string]struct{}
	approveCount map[string]int
	lastProgress time.Time
}

// New creates a gateway server. Init must be called before Start.
func New(cfg Config, router TaskRouter, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10 * time.Second
	}
	lifeCtx, lifeStop := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		router:       router,
		metrics:      m,
		logger:       logger.With().Str("component", "gateway").Logger(),
		lifeCtx:      lifeCtx,
		lifeStop:     lifeStop,
		allowedKeys:  make(map[string]struct{}),
		approveCount: make(map[string]int),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Init generates the auth token and writes it to the token file with mode
// 0600.
func (s *Server) Init() error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	s.token = []byte(hex.EncodeToString(raw))

	if err := os.MkdirAll(filepath.Dir(s.cfg.TokenPath), 0o755); err != nil {
		return fmt.Errorf("creating token dir: %w", err)
	}
	if err := os.WriteFile(s.cfg.TokenPath, s.token, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

// SetHealthChecker enriches GET /health with named dependency checks.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

// App exposes the Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// MountAPI registers extra routes under /api/v1, authenticated with a
// Bearer token equal to the gateway token.
func (s *Server) MountAPI(register func(fiber.Router)) {
	group := s.app.Group("/api/v1", s.bearerAuth)
	register(group)
}

// Start begins serving on the loopback interface. Blocks until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	s.logger.Info().Str("addr", addr).Msg("gateway listening")
	return s.app.Listen(addr)
}

// Shutdown resolves pending requests as deny, stops the server, and deletes
// the token file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifeStop()
	err := s.app.ShutdownWithContext(ctx)
	if rmErr := os.Remove(s.cfg.TokenPath); rmErr != nil && !os.IsNotExist(rmErr) {
		s.logger.Warn().Err(rmErr).Msg("failed to remove token file")
	}
	return err
}

// SetCurrentTask replaces the approval scope. Previously granted
// fingerprints do not carry over.
func (s *Server) SetCurrentTask(taskID string, meta task.Metadata, requestedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = taskID
	s.taskMeta = meta
	s.requestedBy = requestedBy
	s.allowedKeys = make(map[string]struct{})
}

// ClearCurrentTask drops the approval scope, the auto-approve counters, and
// the progress throttle.
func (s *Server) ClearCurrentTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = ""
	s.taskMeta = task.Metadata{}
	s.requestedBy = ""
	s.allowedKeys = make(map[string]struct{})
	s.approveCount = make(map[string]int)
	s.lastProgress = time.Time{}
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())

	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		return c.Next()
	})

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/health" || path == "/metrics" || strings.HasPrefix(path, "/api/v1") {
			return c.Next()
		}
		header := c.Get("X-Auth-Token")
		if !s.tokenMatches(header) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	})
}

func (s *Server) bearerAuth(c *fiber.Ctx) error {
	// Poll clients discover availability before they have the token.
	if c.Path() == "/api/v1/health" {
		return c.Next()
	}
	auth := c.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || !s.tokenMatches(token) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}

func (s *Server) tokenMatches(candidate string) bool {
	if len(s.token) == 0 || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare(s.token, []byte(candidate)) == 1
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		if s.checker == nil {
			return c.JSON(fiber.Map{"status": "ok"})
		}
		checks := s.checker.RunAll(c.Context())
		status := "ok"
		for _, st := range checks {
			if st != health.StatusOK {
				status = "degraded"
				break
			}
		}
		return c.JSON(fiber.Map{"status": status, "checks": checks})
	})
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	s.app.Post("/approve", s.handleApprove)
	s.app.Post("/notify-tool", s.handleNotifyTool)
	s.app.Post("/set-task", s.handleSetTask)
	s.app.Post("/ask", s.handleAsk)
}

type setTaskRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleSetTask(c *fiber.Ctx) error {
	var req setTaskRequest
	if err := c.BodyParser(&req); err != nil || req.TaskID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "task_id is required"})
	}
	s.mu.Lock()
	s.taskID = req.TaskID
	s.allowedKeys = make(map[string]struct{})
	s.mu.Unlock()
	return c.JSON(fiber.Map{"status": "ok"})
}
