package service

import (
	"errors"
	"fmt"

	"github.com/sifan077/kisalt/internal/app/store"
)

var (
	// ErrNameTaken signals that a custom name is already in use.
	ErrNameTaken = errors.New("custom name already in use")
	// ErrNotFound signals an unknown, expired or reserved short code.
	ErrNotFound = store.ErrNotFound
	// ErrUnauthorized signals a missing or wrong admin password.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCodeSpaceExhausted signals that no free random code was found within the retry budget.
	ErrCodeSpaceExhausted = errors.New("could not allocate a free short code")
	// ErrStorage signals a durable tier failure that could not be degraded.
	ErrStorage = store.ErrStorage
)

// ValidationError reports malformed input. Message is safe to show to users.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// SafetyError reports a URL rejected by the safety validator.
type SafetyError struct {
	Check  string
	Reason string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("url rejected by %s check: %s", e.Check, e.Reason)
}
