package service

import (
	"context"
	"errors"
	"strings"

	metrics "github.com/sifan077/kisalt/internal/infra/prometheus"
	"go.uber.org/zap"
)

// Resolver maps short codes to their targets on the redirect path.
type Resolver struct {
	store  URLStore
	logger *zap.Logger
}

func NewResolver(store URLStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger.Named("resolver")}
}

// Resolve returns the target URL for code. Reserved static names never reach
// the store. A hit records the access in the background.
func (r *Resolver) Resolve(ctx context.Context, code string) (string, error) {
	if code == "" || IsReservedPath(code) {
		metrics.ResolveTotal.WithLabelValues("reserved").Inc()
		return "", ErrNotFound
	}
	code = strings.ToLower(code)

	rec, err := r.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.ResolveTotal.WithLabelValues("not_found").Inc()
			return "", ErrNotFound
		}
		metrics.ResolveTotal.WithLabelValues("error").Inc()
		r.logger.Error("failed to resolve short code", zap.String("code", code), zap.Error(err))
		return "", err
	}

	r.store.RecordAccess(code)
	metrics.ResolveTotal.WithLabelValues("hit").Inc()
	return rec.OriginalURL, nil
}
