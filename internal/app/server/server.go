package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/kisalt/internal/app/service"
	inthttp "github.com/sifan077/kisalt/internal/http/handler"
	"github.com/sifan077/kisalt/internal/http/middleware"
	"go.uber.org/zap"
)

const defaultBodyLimit = 1 << 20

// Dependencies bundles what the HTTP server needs to serve requests.
type Dependencies struct {
	Logger   *zap.Logger
	Service  *service.URLService
	Resolver *service.Resolver
	Store    inthttp.StoreStats
	// BaseURL prefixes generated short URLs; empty uses the request host.
	BaseURL string
	Fiber   fiber.Config
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with middleware and routes registered.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	cfg := deps.Fiber
	if cfg.AppName == "" {
		cfg.AppName = "kisalt"
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaultBodyLimit
	}
	cfg.DisableStartupMessage = true
	cfg.ErrorHandler = errorHandler(deps.Logger)

	s := &Server{
		app:  fiber.New(cfg),
		deps: deps,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// App exposes the underlying Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerMiddleware() {
	s.app.Use(middleware.Recovery(s.deps.Logger))
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.Logger(s.deps.Logger, "/health"))
}

func (s *Server) registerRoutes() {
	apiHandler := inthttp.NewAPIHandler(inthttp.APIDeps{
		Logger:  s.deps.Logger,
		Service: s.deps.Service,
		BaseURL: s.deps.BaseURL,
	})
	apiHandler.Register(s.app)

	// catch-all, keep last
	redirectHandler := inthttp.NewRedirectHandler(inthttp.RedirectDeps{
		Logger:   s.deps.Logger,
		Resolver: s.deps.Resolver,
		Store:    s.deps.Store,
	})
	redirectHandler.Register(s.app)
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		msg := "internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			msg = fe.Message
		} else {
			logger.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		}
		return c.Status(code).JSON(fiber.Map{
			"error": msg,
		})
	}
}
