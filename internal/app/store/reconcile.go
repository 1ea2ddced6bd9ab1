package store

import (
	"context"
	"errors"
	"time"

	"github.com/sifan077/kisalt/internal/app/repository"
	metrics "github.com/sifan077/kisalt/internal/infra/prometheus"
	"go.uber.org/zap"
)

func (s *Store) markUnsynced(code string) {
	s.mu.Lock()
	s.unsynced[code] = struct{}{}
	n := len(s.unsynced)
	s.mu.Unlock()
	metrics.UnsyncedRecords.Set(float64(n))
}

func (s *Store) clearUnsynced(code string) {
	s.mu.Lock()
	delete(s.unsynced, code)
	n := len(s.unsynced)
	s.mu.Unlock()
	metrics.UnsyncedRecords.Set(float64(n))
}

func (s *Store) takeUnsynced() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.unsynced))
	for code := range s.unsynced {
		codes = append(codes, code)
	}
	s.unsynced = make(map[string]struct{})
	return codes
}

// Unsynced reports how many records are waiting for a durable write.
func (s *Store) Unsynced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsynced)
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Synced  int
	Evicted int
	Pending int
	Expired int64
}

// Reconcile retries durable writes that failed in Put and, for backends without
// native TTL, deletes expired records. When the durable tier already holds a
// different record for a code, the durable record wins and the fast tier copy
// is evicted.
func (s *Store) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	if s.durable == nil {
		return res, nil
	}

	var errs []error
	for _, code := range s.takeUnsynced() {
		e, ok := s.getFast(code)
		if !ok {
			// deleted or expired meanwhile
			continue
		}
		rec := e.snapshot()

		dctx, cancel := s.durableCtx(ctx)
		err := s.durable.Create(dctx, &rec)
		if errors.Is(err, repository.ErrCodeExists) {
			existing, getErr := s.durable.Get(dctx, code)
			switch {
			case getErr == nil && existing.OriginalURL == rec.OriginalURL:
				// An earlier attempt landed after its timeout. Accesses counted
				// only in the fast tier since then are written back.
				err = nil
				if rec.Clicks > existing.Clicks {
					err = s.durable.Put(dctx, &rec)
				}
			case getErr == nil:
				s.fast.Delete(code)
				res.Evicted++
				s.logger.Warn("fast tier record conflicts with durable record, evicted",
					zap.String("code", code),
				)
				cancel()
				continue
			default:
				err = getErr
			}
		}
		cancel()

		if err != nil {
			s.markUnsynced(code)
			errs = append(errs, err)
			continue
		}
		res.Synced++
	}

	if exp, ok := s.durable.(repository.ExpiringRepository); ok {
		dctx, cancel := s.durableCtx(ctx)
		n, err := exp.DeleteExpired(dctx, s.now())
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
		res.Expired = n
	}

	res.Pending = s.Unsynced()
	metrics.UnsyncedRecords.Set(float64(res.Pending))
	return res, errors.Join(errs...)
}

// Reconciler runs Reconcile on a fixed interval.
type Reconciler struct {
	store    *Store
	logger   *zap.Logger
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
}

// NewReconciler creates a reconciler for store.
func NewReconciler(store *Store, logger *zap.Logger, interval time.Duration) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		store:    store,
		logger:   logger.Named("reconciler"),
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic reconciliation.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop ends the loop and waits for an in-progress pass to finish.
func (r *Reconciler) Stop() {
	close(r.stopChan)
	<-r.done
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopChan:
			r.logger.Info("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	res, err := r.store.Reconcile(context.Background())
	if err != nil {
		r.logger.Error("reconciliation pass failed",
			zap.Int("pending", res.Pending),
			zap.Error(err),
		)
	}
	if res.Synced > 0 || res.Evicted > 0 || res.Expired > 0 {
		r.logger.Info("reconciled durable tier",
			zap.Int("synced", res.Synced),
			zap.Int("evicted", res.Evicted),
			zap.Int64("expired", res.Expired),
			zap.Int("pending", res.Pending),
		)
	}
}
