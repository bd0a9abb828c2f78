package handler

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/editalflow/api/internal/governor"
	"github.com/editalflow/api/internal/model"
	ws "github.com/editalflow/api/internal/websocket"
	"github.com/editalflow/api/pkg/response"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Governor  *governor.Governor
	Hub       *ws.Hub
	Validator *validator.Validate
	// Auth resolves the owner for /api and /ws routes.
	Auth fiber.Handler
	// ForwardAuth, when set, is served at /auth/verify for a gateway.
	ForwardAuth fiber.Handler
	// SubmitLimit, when set, guards submissions and reprocessing.
	SubmitLimit fiber.Handler
	MaxFileSize int64
	Logger      *slog.Logger
	Debug       bool
}

func NewApp(d Deps) *fiber.App {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Validator == nil {
		d.Validator = validator.New()
	}
	pass := func(c *fiber.Ctx) error { return c.Next() }
	if d.SubmitLimit == nil {
		d.SubmitLimit = pass
	}
	if d.Auth == nil {
		d.Auth = pass
	}

	bodyLimit := fiber.DefaultBodyLimit
	if d.MaxFileSize > 0 {
		// Room for the multipart envelope so oversized files get our 413 body.
		bodyLimit = int(d.MaxFileSize) + 1024*1024
	}
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler(d.Logger),
		BodyLimit:    bodyLimit,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if d.Debug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{Format: logFormat}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", health(d.Governor))
	if d.ForwardAuth != nil {
		app.Get("/auth/verify", d.ForwardAuth)
	}

	editais := NewEditalHandler(d.Governor, d.Validator, d.MaxFileSize, d.Logger)
	api := app.Group("/api", d.Auth)
	api.Post("/editais", d.SubmitLimit, editais.Submit)
	api.Get("/editais/:jobId/status", editais.Status)
	api.Get("/editais/:jobId/result", editais.Result)
	api.Get("/editais/:jobId/tables", editais.Tables)
	api.Post("/editais/:jobId/cancel", editais.Cancel)
	api.Post("/editais/:jobId/reprocess", d.SubmitLimit, editais.Reprocess)

	if d.Hub != nil {
		app.Get("/ws/jobs/:jobId", d.Auth, editais.progressUpgrade, websocket.New(func(c *websocket.Conn) {
			snapshot, _ := c.Locals("snapshot").([]byte)
			d.Hub.HandleConnection(c, c.Params("jobId"), snapshot)
		}))
	}
	return app
}

// progressUpgrade authorizes a progress subscription and stashes the job's
// current state so the socket starts with a snapshot.
func (h *EditalHandler) progressUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	job, err := h.job(c)
	if err != nil {
		return h.writeError(c, err)
	}
	snapshot, err := json.Marshal(model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		JobID:       job.ID,
		Progress:    job.Progress,
		Status:      job.Status,
		Stage:       job.Stage,
		StageIndex:  job.StageIndex,
		CurrentStep: job.CurrentStep,
	})
	if err == nil {
		c.Locals("snapshot", snapshot)
	}
	return c.Next()
}

func health(gov *governor.Governor) fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats, err := gov.Stats(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
			"jobs":      stats,
		})
	}
}

func errorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if e, ok := err.(*fiber.Error); ok {
			if e.Code == fiber.StatusRequestEntityTooLarge {
				return response.PayloadTooLarge(c, e.Message)
			}
			return response.Error(c, e.Code, response.CodeServiceError, e.Message, nil)
		}
		log.Error("unhandled error", "path", c.Path(), "error", err)
		return response.ServiceError(c, "Internal Server Error")
	}
}
