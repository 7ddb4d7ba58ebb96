package config

import (
	"RepairLens/database/postgres"
	sessionHandler "RepairLens/internal/api/session/handler"
	sessionRepository "RepairLens/internal/api/session/repository"
	sessionService "RepairLens/internal/api/session/service"
	"RepairLens/internal/middleware"
	"RepairLens/pkg/audio"
	"RepairLens/pkg/gemini"
	"RepairLens/pkg/nlp"
	"RepairLens/pkg/redis"
	"RepairLens/pkg/s3"
	"RepairLens/pkg/utils"
	"RepairLens/pkg/visionws"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type ServerOption func(*Server) error

type Server struct {
	engine       *fiber.App
	db           *sqlx.DB
	log          *logrus.Logger
	middleware   middleware.Middleware
	validator    *validator.Validate
	utils        utils.IUtils
	handlers     []handler
	redisServer  redis.IRedis
	visionSocket visionws.IVisionSocket
	geminiClient gemini.IGemini
	s3Client     s3.ItfS3
	transcriber  audio.ITranscriber
	ttsClient    audio.ITTS

	sessions sessionService.ISessionService
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

func WithDatabase() ServerOption {
	return func(s *Server) error {
		db, err := postgres.New()
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to connect to database: %v", err)
			}
			return fmt.Errorf("failed to create database connection: %w", err)
		}
		s.db = db
		return nil
	}
}

func WithRedisServer(redisServer redis.IRedis) ServerOption {
	return func(s *Server) error {
		s.redisServer = redisServer
		return nil
	}
}

func WithVisionSocket(socket visionws.IVisionSocket) ServerOption {
	return func(s *Server) error {
		s.visionSocket = socket
		return nil
	}
}

func WithMiddleware() ServerOption {
	return func(s *Server) error {
		if s.log == nil {
			return fmt.Errorf("logger must be initialized before middleware")
		}
		s.middleware = middleware.New(s.log)
		return nil
	}
}

func WithS3Client() ServerOption {
	return func(s *Server) error {
		client, err := s3.New()
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to initialize S3 client: %v", err)
			}
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		s.s3Client = client
		return nil
	}
}

func WithGeminiClient() ServerOption {
	return func(s *Server) error {
		client, err := gemini.NewGeminiClient()
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to create Gemini client: %v", err)
			}
			return fmt.Errorf("failed to create Gemini client: %w", err)
		}
		s.geminiClient = client
		return nil
	}
}

func WithTranscriber() ServerOption {
	return func(s *Server) error {
		s.transcriber = audio.NewTranscriptionService(os.Getenv("OPENAI_API_KEY"))
		return nil
	}
}

func WithTTSClient() ServerOption {
	return func(s *Server) error {
		s.ttsClient = audio.NewTTSService(os.Getenv("ELEVENLABS_API_KEY"), os.Getenv("ELEVENLABS_VOICE_ID"))
		return nil
	}
}

func WithUtils() ServerOption {
	return func(s *Server) error {
		s.utils = utils.New()
		return nil
	}
}

func (s *Server) RegisterHandler() {
	// Session Domain
	sessionRepo := sessionRepository.New(s.db, s.log)
	s.sessions = sessionService.NewSessionService(
		s.log,
		sessionService.TuningFromEnv(),
		sessionRepo,
		s.redisServer,
		s.utils,
		s.geminiClient,
		s.visionSocket,
		s.transcriber,
		s.ttsClient,
		s.s3Client,
		nlp.NewConstraintExtractor(),
	)
	sessionHandlers := sessionHandler.New(s.log, s.validator, s.middleware, s.sessions, s.utils)

	s.setupHealthCheck()
	s.handlers = append(s.handlers, sessionHandlers)
}

func (s *Server) Run() error {
	router := s.engine.Group("/api/v1")
	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(middleware.LoggerConfig())

	for _, h := range s.handlers {
		h.Start(router)
	}

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "3000"
	}

	if err := s.engine.Listen(fmt.Sprintf(":%s", port)); err != nil {
		return err
	}

	return nil
}

// Shutdown closes every live session engine before the process exits.
func (s *Server) Shutdown() {
	if s.sessions != nil {
		s.sessions.Shutdown()
	}
	if s.visionSocket != nil {
		s.visionSocket.CloseConnection()
	}
}

func (s *Server) setupHealthCheck() {
	s.engine.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"message": "Server is Healthy!",
		})
	})
}
