package sessionHandler

import (
	sessionService "RepairLens/internal/api/session/service"
	"RepairLens/internal/middleware"
	"RepairLens/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type SessionHandler struct {
	log            *logrus.Logger
	validator      *validator.Validate
	middleware     middleware.Middleware
	sessionService sessionService.ISessionService
	utils          utils.IUtils
}

func New(
	log *logrus.Logger,
	validator *validator.Validate,
	middleware middleware.Middleware,
	ss sessionService.ISessionService,
	utils utils.IUtils,
) *SessionHandler {
	return &SessionHandler{
		log:            log,
		validator:      validator,
		middleware:     middleware,
		sessionService: ss,
		utils:          utils,
	}
}

func (h *SessionHandler) Start(srv fiber.Router) {
	wsMiddleware := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	sessions := srv.Group("/sessions")

	sessions.Post("/", h.CreateSession)
	sessions.Get("/:session_id", h.GetSession)
	sessions.Post("/:session_id/events", h.PushEvent)
	sessions.Post("/:session_id/voice", h.middleware.NewRateLimiter, h.AskVoiceQuestion)

	sessions.Use("/:session_id/camera/ws", wsMiddleware)
	sessions.Get("/:session_id/camera/ws", websocket.New(h.handleCameraWebSocket))

	sessions.Use("/:session_id/stream/ws", wsMiddleware)
	sessions.Get("/:session_id/stream/ws", websocket.New(h.handleStreamWebSocket))
}
