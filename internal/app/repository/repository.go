package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sifan077/kisalt/internal/app/model"
)

var (
	// ErrNotFound signals that no live record exists for the code.
	ErrNotFound = errors.New("url record not found")
	// ErrCodeExists signals that Create lost the race for a code.
	ErrCodeExists = errors.New("short code already exists")
)

// URLRepository is the durable tier contract. Implementations must be safe for
// concurrent use and must honour record expiration on reads.
type URLRepository interface {
	Get(ctx context.Context, code string) (*model.URLRecord, error)
	// Create inserts the record only if the code is free.
	Create(ctx context.Context, rec *model.URLRecord) error
	// Put inserts or replaces the record.
	Put(ctx context.Context, rec *model.URLRecord) error
	// Touch sets the last access time and adds delta to the click counter.
	Touch(ctx context.Context, code string, accessedAt time.Time, delta int64) error
	// Delete removes the given codes and returns how many existed.
	Delete(ctx context.Context, codes ...string) (int64, error)
	// Keys enumerates live codes starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Load returns every live record.
	Load(ctx context.Context) ([]model.URLRecord, error)
}

// ExpiringRepository is implemented by backends without native TTL support that
// need an explicit sweep to evict expired records.
type ExpiringRepository interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
