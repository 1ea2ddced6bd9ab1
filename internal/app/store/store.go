package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sifan077/kisalt/internal/app/model"
	"github.com/sifan077/kisalt/internal/app/repository"
	metrics "github.com/sifan077/kisalt/internal/infra/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound signals that no live record exists in either tier.
	ErrNotFound = errors.New("short code not found")
	// ErrCodeTaken signals that the code is already reserved.
	ErrCodeTaken = errors.New("short code already taken")
	// ErrStorage wraps durable tier failures that could not be served from the fast tier.
	ErrStorage = errors.New("storage unavailable")
)

const (
	defaultDurableTimeout = 3 * time.Second
	janitorInterval       = time.Minute
)

// Options tunes a Store. Zero values fall back to sane defaults.
type Options struct {
	// CacheTTL bounds how long a record stays in the fast tier when a durable
	// tier is configured. Without a durable tier records live until they expire.
	CacheTTL       time.Duration
	DurableTimeout time.Duration

	AccessWorkers   int
	AccessQueueSize int
	// AccessSink receives coalesced access updates. Defaults to the durable tier.
	AccessSink AccessSink
}

// Store is the two-tier record store: an in-process fast tier in front of an
// optional durable tier. The fast tier is a cache; when a durable tier is
// configured it is the source of truth.
type Store struct {
	fast    *cache.Cache
	durable repository.URLRepository
	logger  *zap.Logger
	opts    Options
	group   singleflight.Group
	access  *AccessRecorder
	now     func() time.Time

	mu       sync.Mutex
	unsynced map[string]struct{}
}

type entry struct {
	mu  sync.Mutex
	rec model.URLRecord
}

func (e *entry) snapshot() model.URLRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// New builds a Store. A nil durable repository runs the store memory-only.
func New(durable repository.URLRepository, logger *zap.Logger, opts Options) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DurableTimeout <= 0 {
		opts.DurableTimeout = defaultDurableTimeout
	}

	s := &Store{
		fast:     cache.New(cache.NoExpiration, janitorInterval),
		durable:  durable,
		logger:   logger.Named("store"),
		opts:     opts,
		now:      time.Now,
		unsynced: make(map[string]struct{}),
	}

	if durable != nil {
		sink := opts.AccessSink
		if sink == nil {
			sink = durable
		}
		s.access = NewAccessRecorder(sink, s.logger, AccessOptions{
			Workers:   opts.AccessWorkers,
			QueueSize: opts.AccessQueueSize,
			Timeout:   opts.DurableTimeout,
		})
	}
	return s
}

// Durable reports whether a durable tier is configured.
func (s *Store) Durable() bool {
	return s.durable != nil
}

// Start launches the background access workers.
func (s *Store) Start() {
	if s.access != nil {
		s.access.Start()
	}
}

// Close stops the background workers after flushing pending access updates.
func (s *Store) Close() {
	if s.access != nil {
		s.access.Stop()
	}
}

func (s *Store) durableCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	// Durable calls outlive a disconnected client so a write is never left half done.
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.DurableTimeout)
}

func (s *Store) fastTTL(rec *model.URLRecord) time.Duration {
	ttl := time.Duration(cache.NoExpiration)
	if rec.ExpiresAt != nil {
		ttl = rec.TTL(s.now())
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	if s.durable != nil && s.opts.CacheTTL > 0 && (ttl < 0 || s.opts.CacheTTL < ttl) {
		ttl = s.opts.CacheTTL
	}
	return ttl
}

func (s *Store) getFast(code string) (*entry, bool) {
	item, ok := s.fast.Get(code)
	if !ok {
		return nil, false
	}
	e := item.(*entry)
	rec := e.snapshot()
	if rec.Expired(s.now()) {
		s.fast.Delete(code)
		return nil, false
	}
	return e, true
}

// Get returns the live record for code, reading through to the durable tier on
// a fast tier miss. Get has no side effects on access metadata; see RecordAccess.
func (s *Store) Get(ctx context.Context, code string) (*model.URLRecord, error) {
	if e, ok := s.getFast(code); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		rec := e.snapshot()
		return &rec, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	if s.durable == nil {
		return nil, ErrNotFound
	}

	v, err, _ := s.group.Do(code, func() (interface{}, error) {
		dctx, cancel := s.durableCtx(ctx)
		defer cancel()

		rec, err := s.durable.Get(dctx, code)
		if err != nil {
			return nil, err
		}
		if rec.Expired(s.now()) {
			return nil, repository.ErrNotFound
		}
		s.populate(rec)
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		metrics.DurableFailures.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	rec := *v.(*model.URLRecord)
	return &rec, nil
}

func (s *Store) populate(rec *model.URLRecord) {
	// Add loses to a concurrent Put or populate, which already holds an equal or newer record.
	_ = s.fast.Add(rec.Code, &entry{rec: *rec}, s.fastTTL(rec))
}

// Put reserves code for url and persists the record. The fast tier reservation
// is a single insert-if-absent, so two concurrent calls for the same code can
// never both succeed.
//
// A durable write failure does not roll back the fast tier: the record stays
// servable from this process, the failure is logged and counted, and the code
// is queued for Reconcile. Callers get a successful result in that case.
func (s *Store) Put(ctx context.Context, code, url string, expirationDays int) (*model.URLRecord, error) {
	rec := model.NewURLRecord(code, url, expirationDays, s.now())

	if err := s.fast.Add(code, &entry{rec: *rec}, s.fastTTL(rec)); err != nil {
		return nil, ErrCodeTaken
	}
	if s.durable == nil {
		return rec, nil
	}

	dctx, cancel := s.durableCtx(ctx)
	defer cancel()

	err := s.durable.Create(dctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrCodeExists):
		s.fast.Delete(code)
		return nil, ErrCodeTaken
	default:
		metrics.DurableFailures.WithLabelValues("put").Inc()
		s.logger.Error("durable write failed, record kept in fast tier only",
			zap.String("code", code),
			zap.Error(err),
		)
		s.markUnsynced(code)
	}
	return rec, nil
}

// RecordAccess bumps the access metadata of code: immediately in the fast
// tier and asynchronously in the durable tier.
func (s *Store) RecordAccess(code string) {
	now := s.now()
	if e, ok := s.getFast(code); ok {
		e.mu.Lock()
		e.rec.Clicks++
		if now.After(e.rec.LastAccessedAt) {
			e.rec.LastAccessedAt = now
		}
		e.mu.Unlock()
	}
	if s.access != nil {
		s.access.Record(code, now)
	}
}

// Delete removes code from both tiers and reports how many records were removed.
// Deleting an absent code removes zero records and is not an error.
func (s *Store) Delete(ctx context.Context, code string) (int64, error) {
	_, inFast := s.getFast(code)
	s.fast.Delete(code)
	s.clearUnsynced(code)

	var removed int64
	if inFast {
		removed = 1
	}
	if s.durable == nil {
		return removed, nil
	}

	dctx, cancel := s.durableCtx(ctx)
	defer cancel()

	n, err := s.durable.Delete(dctx, code)
	if err != nil {
		metrics.DurableFailures.WithLabelValues("delete").Inc()
		return removed, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return max(n, removed), nil
}

// DeleteAll empties both tiers and reports how many distinct codes were removed.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	fastCodes := s.fastCodes()
	for _, code := range fastCodes {
		s.fast.Delete(code)
	}
	s.mu.Lock()
	s.unsynced = make(map[string]struct{})
	s.mu.Unlock()
	metrics.UnsyncedRecords.Set(0)

	if s.durable == nil {
		return int64(len(fastCodes)), nil
	}

	dctx, cancel := s.durableCtx(ctx)
	defer cancel()

	durableCodes, err := s.durable.Keys(dctx, "")
	if err != nil {
		metrics.DurableFailures.WithLabelValues("keys").Inc()
		return int64(len(fastCodes)), fmt.Errorf("%w: %w", ErrStorage, err)
	}
	n, err := s.durable.Delete(dctx, durableCodes...)
	if err != nil {
		metrics.DurableFailures.WithLabelValues("delete").Inc()
		return int64(len(fastCodes)), fmt.Errorf("%w: %w", ErrStorage, err)
	}

	inDurable := make(map[string]struct{}, len(durableCodes))
	for _, code := range durableCodes {
		inDurable[code] = struct{}{}
	}
	for _, code := range fastCodes {
		if _, ok := inDurable[code]; !ok {
			n++
		}
	}
	return n, nil
}

// List returns every live code mapped to its URL. Durable entries win over
// fast tier entries. If the durable tier is unreachable the fast tier view is
// returned and the failure is logged.
func (s *Store) List(ctx context.Context) (map[string]string, error) {
	now := s.now()
	result := make(map[string]string, s.fast.ItemCount())
	for code, item := range s.fast.Items() {
		rec := item.Object.(*entry).snapshot()
		if !rec.Expired(now) {
			result[code] = rec.OriginalURL
		}
	}
	if s.durable == nil {
		return result, nil
	}

	dctx, cancel := s.durableCtx(ctx)
	defer cancel()

	records, err := s.durable.Load(dctx)
	if err != nil {
		metrics.DurableFailures.WithLabelValues("load").Inc()
		s.logger.Warn("durable list failed, serving fast tier only", zap.Error(err))
		return result, nil
	}
	for _, rec := range records {
		if !rec.Expired(now) {
			result[rec.Code] = rec.OriginalURL
		}
	}
	return result, nil
}

// Codes returns every known code across both tiers.
func (s *Store) Codes(ctx context.Context) ([]string, error) {
	codes := s.fastCodes()
	if s.durable == nil {
		return codes, nil
	}

	dctx, cancel := s.durableCtx(ctx)
	defer cancel()

	durableCodes, err := s.durable.Keys(dctx, "")
	if err != nil {
		return codes, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return append(codes, durableCodes...), nil
}

// Warm bulk loads durable records into the fast tier.
func (s *Store) Warm(ctx context.Context) (int, error) {
	if s.durable == nil {
		return 0, nil
	}

	records, err := s.durable.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	now := s.now()
	loaded := 0
	for i := range records {
		if records[i].Expired(now) {
			continue
		}
		s.populate(&records[i])
		loaded++
	}
	return loaded, nil
}

// Len reports how many records the fast tier holds.
func (s *Store) Len() int {
	return s.fast.ItemCount()
}

func (s *Store) fastCodes() []string {
	items := s.fast.Items()
	codes := make([]string, 0, len(items))
	for code := range items {
		codes = append(codes, code)
	}
	return codes
}
