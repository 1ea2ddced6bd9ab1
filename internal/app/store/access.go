package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sifan077/kisalt/internal/app/repository"
	metrics "github.com/sifan077/kisalt/internal/infra/prometheus"
	"go.uber.org/zap"
)

// AccessSink applies a batch of resolves for one code.
type AccessSink interface {
	Touch(ctx context.Context, code string, accessedAt time.Time, delta int64) error
}

// AccessOptions tunes an AccessRecorder.
type AccessOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// RetryDelay is the first backoff after a failed update. It doubles per
	// consecutive failure up to 16 times the base.
	RetryDelay time.Duration
}

const (
	defaultRetryDelay = 2 * time.Second
	maxRetryShift     = 4
)

type accessBatch struct {
	clicks int64
	at     time.Time
}

type pendingAccess struct {
	next accessBatch
	// failed is re-sent unchanged before next is taken.
	failed   *accessBatch
	failures int
	queued   bool
	inflight bool
}

// AccessRecorder coalesces access updates per code and applies them on a small
// worker pool. At most one update per code is in flight at any time; resolves
// arriving meanwhile accumulate into the next update.
type AccessRecorder struct {
	sink    AccessSink
	logger  *zap.Logger
	opts    AccessOptions
	queue   chan string
	stopped chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu      sync.Mutex
	pending map[string]*pendingAccess
}

// NewAccessRecorder creates a recorder delivering to sink. Call Start to run it.
func NewAccessRecorder(sink AccessSink, logger *zap.Logger, opts AccessOptions) *AccessRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDurableTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &AccessRecorder{
		sink:    sink,
		logger:  logger,
		opts:    opts,
		queue:   make(chan string, opts.QueueSize),
		stopped: make(chan struct{}),
		pending: make(map[string]*pendingAccess),
	}
}

// Start launches the workers.
func (a *AccessRecorder) Start() {
	for i := 0; i < a.opts.Workers; i++ {
		a.wg.Add(1)
		go a.work()
	}
}

// Stop halts the workers and delivers whatever is still pending.
func (a *AccessRecorder) Stop() {
	a.once.Do(func() {
		close(a.stopped)
		a.wg.Wait()
		a.flush()
	})
}

// Record notes one access of code at the given time.
func (a *AccessRecorder) Record(code string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// The key outlives the caller's buffer.
	code = strings.Clone(code)
	p, ok := a.pending[code]
	if !ok {
		p = &pendingAccess{}
		a.pending[code] = p
	}
	p.next.clicks++
	if at.After(p.next.at) {
		p.next.at = at
	}
	if !p.queued && !p.inflight {
		a.enqueueLocked(code, p)
	}
}

func (a *AccessRecorder) enqueueLocked(code string, p *pendingAccess) {
	select {
	case a.queue <- code:
		p.queued = true
	default:
		// Queue full; the update stays pending and rides along with the next Record or the final flush.
		metrics.AccessDropped.Inc()
	}
}

func (a *AccessRecorder) work() {
	defer a.wg.Done()
	for {
		select {
		case code := <-a.queue:
			a.apply(code)
		case <-a.stopped:
			return
		}
	}
}

// apply delivers one batch for code. It reports whether more clicks are
// waiting after a successful delivery.
func (a *AccessRecorder) apply(code string) bool {
	a.mu.Lock()
	p, ok := a.pending[code]
	if !ok || p.inflight {
		a.mu.Unlock()
		return false
	}
	p.queued = false
	p.inflight = true
	batch := p.next
	if p.failed != nil {
		batch = *p.failed
	} else {
		p.next = accessBatch{}
	}
	a.mu.Unlock()

	err := a.deliver(code, batch)

	a.mu.Lock()
	defer a.mu.Unlock()
	p.inflight = false
	if err != nil {
		p.failed = &batch
		p.failures++
		a.scheduleRetryLocked(code, p)
		return false
	}
	p.failed = nil
	p.failures = 0
	if p.next.clicks > 0 {
		a.enqueueLocked(code, p)
		return true
	}
	if !p.queued {
		delete(a.pending, code)
	}
	return false
}

func (a *AccessRecorder) scheduleRetryLocked(code string, p *pendingAccess) {
	if a.isStopped() {
		return
	}
	shift := p.failures - 1
	if shift > maxRetryShift {
		shift = maxRetryShift
	}
	time.AfterFunc(a.opts.RetryDelay<<shift, func() {
		if a.isStopped() {
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.pending[code] == p && !p.queued && !p.inflight {
			a.enqueueLocked(code, p)
		}
	})
}

func (a *AccessRecorder) isStopped() bool {
	select {
	case <-a.stopped:
		return true
	default:
		return false
	}
}

func (a *AccessRecorder) deliver(code string, batch accessBatch) error {
	if batch.clicks == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.Timeout)
	defer cancel()

	err := a.sink.Touch(ctx, code, batch.at, batch.clicks)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		// deleted or expired since the resolve
		return nil
	default:
		metrics.DurableFailures.WithLabelValues("touch").Inc()
		a.logger.Warn("failed to apply access update",
			zap.String("code", code),
			zap.Int64("clicks", batch.clicks),
			zap.Error(err),
		)
		return err
	}
}

func (a *AccessRecorder) flush() {
	a.mu.Lock()
	codes := make([]string, 0, len(a.pending))
	for code := range a.pending {
		codes = append(codes, code)
	}
	a.mu.Unlock()

	for _, code := range codes {
		for a.apply(code) {
		}
	}
}

// Pending reports how many codes have undelivered updates.
func (a *AccessRecorder) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
