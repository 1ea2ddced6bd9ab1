package handler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/kisalt/internal/app/model"
	"github.com/sifan077/kisalt/internal/app/service"
	"go.uber.org/zap"
)

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger  *zap.Logger
	Service *service.URLService
	// BaseURL prefixes short URLs. Empty means the request's scheme and host.
	BaseURL string
}

// APIHandler implements the management API endpoints.
type APIHandler struct {
	logger  *zap.Logger
	svc     *service.URLService
	baseURL string
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		logger:  logger.Named("api"),
		svc:     deps.Service,
		baseURL: strings.TrimRight(deps.BaseURL, "/"),
	}
}

// Register wires API routes onto the provided router.
func (h *APIHandler) Register(router fiber.Router) {
	api := router.Group("/api")
	{
		api.Post("/shorten", h.Shorten)
		api.Post("/bulk-shorten", h.BulkShorten)
		api.Get("/urls", h.ListURLs)
		api.Get("/stats/:shortCode", h.Stats)
		api.Delete("/delete-all", h.DeleteAll)
		api.Delete("/delete/:shortCode", h.Delete)
	}
}

// ShortenRequest represents the request body for shortening a URL.
type ShortenRequest struct {
	OriginalURL    string `json:"originalUrl"`
	CustomName     string `json:"customName,omitempty"`
	ExpirationDays int    `json:"expirationDays,omitempty"`
}

// ShortenResponse represents a freshly created short URL.
type ShortenResponse struct {
	OriginalURL string           `json:"originalUrl"`
	ShortURL    string           `json:"shortUrl"`
	ShortCode   string           `json:"shortCode"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExpiresAt   *time.Time       `json:"expiresAt"`
	Preview     *service.Preview `json:"preview,omitempty"`
}

// Shorten handles POST /api/shorten
func (h *APIHandler) Shorten(c *fiber.Ctx) error {
	var req ShortenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	res, err := h.svc.Shorten(requestContext(c), service.ShortenInput{
		OriginalURL:    strings.TrimSpace(req.OriginalURL),
		CustomName:     req.CustomName,
		ExpirationDays: req.ExpirationDays,
	})
	if err != nil {
		return h.fail(c, err)
	}

	resp := h.toShortenResponse(c, res.Record)
	resp.Preview = res.Preview
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// BulkItemResult is the outcome of one bulk entry.
type BulkItemResult struct {
	Index       int        `json:"index"`
	OriginalURL string     `json:"originalUrl"`
	Success     bool       `json:"success"`
	ShortCode   string     `json:"shortCode,omitempty"`
	ShortURL    string     `json:"shortUrl,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// BulkShortenResponse summarises a bulk request.
type BulkShortenResponse struct {
	Results   []BulkItemResult `json:"results"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// BulkShorten handles POST /api/bulk-shorten
func (h *APIHandler) BulkShorten(c *fiber.Ctx) error {
	var req service.BulkInput
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	results, err := h.svc.BulkShorten(requestContext(c), req)
	if err != nil {
		return h.fail(c, err)
	}

	resp := BulkShortenResponse{
		Results: make([]BulkItemResult, len(results)),
		Total:   len(results),
	}
	for i, r := range results {
		item := BulkItemResult{Index: r.Index, OriginalURL: r.OriginalURL}
		if r.Err != nil {
			item.Error = h.errorMessage(r.Err)
			resp.Failed++
		} else {
			item.Success = true
			item.ShortCode = r.Record.Code
			item.ShortURL = h.shortURL(c, r.Record.Code)
			item.ExpiresAt = r.Record.ExpiresAt
			resp.Succeeded++
		}
		resp.Results[i] = item
	}
	return c.JSON(resp)
}

// URLEntry is one row of the URL listing.
type URLEntry struct {
	ShortCode   string `json:"shortCode"`
	OriginalURL string `json:"originalUrl"`
	ShortURL    string `json:"shortUrl"`
}

// ListURLs handles GET /api/urls
func (h *APIHandler) ListURLs(c *fiber.Ctx) error {
	urls, err := h.svc.List(requestContext(c))
	if err != nil {
		return h.fail(c, err)
	}

	entries := make([]URLEntry, 0, len(urls))
	for code, target := range urls {
		entries = append(entries, URLEntry{
			ShortCode:   code,
			OriginalURL: target,
			ShortURL:    h.shortURL(c, code),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ShortCode < entries[j].ShortCode })

	return c.JSON(entries)
}

// StatsResponse exposes the access metadata of a short code.
type StatsResponse struct {
	ShortCode      string     `json:"shortCode"`
	OriginalURL    string     `json:"originalUrl"`
	ShortURL       string     `json:"shortUrl"`
	Clicks         int64      `json:"clicks"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

// Stats handles GET /api/stats/:shortCode
func (h *APIHandler) Stats(c *fiber.Ctx) error {
	code := utils.CopyString(c.Params("shortCode"))

	rec, err := h.svc.Stats(requestContext(c), code)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(StatsResponse{
		ShortCode:      rec.Code,
		OriginalURL:    rec.OriginalURL,
		ShortURL:       h.shortURL(c, rec.Code),
		Clicks:         rec.Clicks,
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		ExpiresAt:      rec.ExpiresAt,
	})
}

// DeleteRequest carries the admin password.
type DeleteRequest struct {
	Password string `json:"password"`
}

// Delete handles DELETE /api/delete/:shortCode
func (h *APIHandler) Delete(c *fiber.Ctx) error {
	req, err := parseDeleteRequest(c)
	if err != nil {
		return badRequest(c, "invalid request body")
	}
	code := utils.CopyString(c.Params("shortCode"))

	n, err := h.svc.Delete(requestContext(c), req.Password, code)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"deleted":   n,
		"shortCode": strings.ToLower(code),
	})
}

// DeleteAll handles DELETE /api/delete-all
func (h *APIHandler) DeleteAll(c *fiber.Ctx) error {
	req, err := parseDeleteRequest(c)
	if err != nil {
		return badRequest(c, "invalid request body")
	}

	n, err := h.svc.DeleteAll(requestContext(c), req.Password)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"deleted": n,
	})
}

func (h *APIHandler) toShortenResponse(c *fiber.Ctx, rec *model.URLRecord) ShortenResponse {
	return ShortenResponse{
		OriginalURL: rec.OriginalURL,
		ShortURL:    h.shortURL(c, rec.Code),
		ShortCode:   rec.Code,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}
}

func (h *APIHandler) shortURL(c *fiber.Ctx, code string) string {
	base := h.baseURL
	if base == "" {
		base = c.BaseURL()
	}
	return base + "/" + code
}

// fail maps service errors onto HTTP statuses.
func (h *APIHandler) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": h.errorMessage(err),
	})
}

func statusFor(err error) int {
	var (
		verr *service.ValidationError
		serr *service.SafetyError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &serr), errors.Is(err, service.ErrNameTaken):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, service.ErrCodeSpaceExhausted):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *APIHandler) errorMessage(err error) string {
	var (
		verr *service.ValidationError
		serr *service.SafetyError
	)
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.As(err, &serr):
		return "URL rejected: " + serr.Reason
	case errors.Is(err, service.ErrNameTaken):
		return "custom name is already in use, pick another name"
	case errors.Is(err, service.ErrNotFound):
		return "short URL not found"
	case errors.Is(err, service.ErrUnauthorized):
		return "invalid password"
	case errors.Is(err, service.ErrCodeSpaceExhausted):
		return "could not allocate a short code, try again"
	default:
		return "internal server error"
	}
}

// parseDeleteRequest accepts an empty body as an empty password.
func parseDeleteRequest(c *fiber.Ctx) (DeleteRequest, error) {
	var req DeleteRequest
	if len(c.Body()) == 0 {
		return req, nil
	}
	err := c.BodyParser(&req)
	return req, err
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
