package server

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/maildraft/maildraft/internal/database"
	"github.com/maildraft/maildraft/internal/events"
	"github.com/maildraft/maildraft/internal/imapx"
	"github.com/maildraft/maildraft/internal/jobs"
	"github.com/maildraft/maildraft/internal/pipeline"
	"github.com/maildraft/maildraft/internal/scheduler"
	"github.com/maildraft/maildraft/pkg/models"
)

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	DB          *database.DB
	Processor   *pipeline.Processor
	Scheduler   *scheduler.Manager
	Registry    *imapx.Registry
	Runtime     *jobs.Runtime
	Broadcaster *events.Broadcaster
	Mail        *imapx.MailboxOps
	Queue       pipeline.Enqueuer
	Logger      *slog.Logger
}

// Server is the HTTP and WebSocket API over the processing core.
type Server struct {
	app    *fiber.App
	deps   Deps
	logger *slog.Logger
}

// New creates the API server and registers its routes
func New(deps Deps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		ErrorHandler:          errorHandler(deps.Logger),
	})

	s := &Server{
		app:    app,
		deps:   deps,
		logger: deps.Logger.With("component", "server"),
	}

	app.Use(recover.New())
	app.Use(s.requestLogger)

	api := app.Group("/api", s.requireUser)
	api.Post("/process-single", s.handleProcessSingle)
	api.Get("/accounts/:accountID/actions", s.handleListActions)
	api.Post("/accounts/:accountID/test", s.handleTestAccount)
	api.Post("/accounts/:accountID/rebuild-profile", s.handleRebuildProfile)

	api.Get("/schedulers", s.handleListSchedulers)
	api.Get("/schedulers/:taskID/:accountID", s.handleSchedulerStatus)
	api.Put("/schedulers/:taskID/:accountID", s.handleSchedulerUpdate)

	api.Get("/monitor/status", s.handleMonitorStatus)
	api.Post("/monitor/:accountID/start", s.handleMonitorStart)
	api.Post("/monitor/:accountID/stop", s.handleMonitorStop)

	api.Post("/workers/pause", s.handleWorkersPause)
	api.Post("/workers/resume", s.handleWorkersResume)
	api.Post("/workers/emergency-pause", s.handleWorkersEmergencyPause)

	app.Use("/ws", s.requireUser, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEvents))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	return s
}

// Listen serves until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

// requireUser authenticates the request from the X-User-ID header set by the
// fronting gateway. The core trusts the gateway; it does not verify identity
// itself.
func (s *Server) requireUser(c *fiber.Ctx) error {
	raw := c.Get("X-User-ID")
	if raw == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing X-User-ID header")
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid X-User-ID header")
	}
	c.Locals("user_id", userID)
	return c.Next()
}

// userID returns the authenticated user for the request.
func userID(c *fiber.Ctx) int64 {
	id, _ := c.Locals("user_id").(int64)
	return id
}

// ownedAccount loads an account and verifies the caller owns it. Foreign
// accounts read as not found rather than forbidden.
func (s *Server) ownedAccount(c *fiber.Ctx, accountID int64) (*models.Account, error) {
	account, err := s.deps.DB.GetAccountByID(c.Context(), accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fiber.NewError(fiber.StatusNotFound, "account not found")
	}
	if err != nil {
		return nil, err
	}
	if account.UserID != userID(c) {
		return nil, fiber.NewError(fiber.StatusNotFound, "account not found")
	}
	return account, nil
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		"method", c.Method(), "path", c.Path(),
		"status", c.Response().StatusCode(), "duration", time.Since(start))
	return err
}

// errorHandler renders every error as a JSON envelope.
func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
		}
		if code >= 500 {
			logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}
