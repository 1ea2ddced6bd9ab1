package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	// LocalRequestID is the fiber.Ctx locals key holding the request ID.
	LocalRequestID = "request_id"

	maxRequestIDLen = 128
)

// RequestID propagates the caller's request ID or assigns a fresh one.
// Oversized incoming IDs are replaced.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rid := c.Get(RequestIDHeader)
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.New().String()
		}
		c.Set(RequestIDHeader, rid)
		c.Locals(LocalRequestID, rid)
		return c.Next()
	}
}

// GetRequestID returns the request ID assigned by RequestID, if any.
func GetRequestID(c *fiber.Ctx) string {
	rid, _ := c.Locals(LocalRequestID).(string)
	return rid
}
