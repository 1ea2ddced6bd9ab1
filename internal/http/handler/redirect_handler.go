package handler

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/kisalt/internal/app/service"
	"go.uber.org/zap"
)

// StoreStats reports the state of the record store for health checks.
type StoreStats interface {
	Len() int
	Durable() bool
	Unsynced() int
}

// RedirectDeps groups dependencies required by redirect handlers.
type RedirectDeps struct {
	Logger   *zap.Logger
	Resolver *service.Resolver
	Store    StoreStats
}

// RedirectHandler implements the redirect flow and the health endpoint.
type RedirectHandler struct {
	logger   *zap.Logger
	resolver *service.Resolver
	store    StoreStats
}

// NewRedirectHandler creates a redirect handler with the provided dependencies.
func NewRedirectHandler(deps RedirectDeps) *RedirectHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedirectHandler{
		logger:   logger.Named("redirect"),
		resolver: deps.Resolver,
		store:    deps.Store,
	}
}

// Register wires redirect routes onto the provided router. The catch-all
// route must be registered after every other route.
func (h *RedirectHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
	router.Get("/:shortCode", h.Resolve)
}

// Health reports liveness together with the fast tier size.
func (h *RedirectHandler) Health(c *fiber.Ctx) error {
	body := fiber.Map{
		"service": "kisalt",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if h.store != nil {
		body["urls"] = h.store.Len()
		body["durable"] = h.store.Durable()
		body["unsynced"] = h.store.Unsynced()
	}
	return c.JSON(body)
}

// Resolve handles GET /:shortCode.
func (h *RedirectHandler) Resolve(c *fiber.Ctx) error {
	// Params aliases the pooled request buffer; the code outlives the request
	// in the access recorder.
	code := utils.CopyString(c.Params("shortCode"))

	target, err := h.resolver.Resolve(requestContext(c), code)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "short URL not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}

	h.logger.Debug("redirecting short link", zap.String("code", code), zap.String("target", target))
	return c.Redirect(target, fiber.StatusFound)
}
