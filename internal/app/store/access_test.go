package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSink struct {
	release  chan struct{}
	entered  chan struct{}
	inflight atomic.Int32
	overlap  atomic.Bool
	err      error

	mu     sync.Mutex
	deltas []int64
}

func (b *blockingSink) Touch(ctx context.Context, code string, at time.Time, delta int64) error {
	if b.inflight.Add(1) > 1 {
		b.overlap.Store(true)
	}
	defer b.inflight.Add(-1)

	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release

	b.mu.Lock()
	b.deltas = append(b.deltas, delta)
	b.mu.Unlock()
	return b.err
}

func (b *blockingSink) total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sum int64
	for _, d := range b.deltas {
		sum += d
	}
	return sum
}

func TestAccessRecorder_CoalescesWhileInFlight(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	rec := NewAccessRecorder(sink, nil, AccessOptions{Workers: 4, QueueSize: 16, Timeout: time.Second})
	rec.Start()

	now := time.Now()
	rec.Record("code", now)
	<-sink.entered

	for i := 0; i < 9; i++ {
		rec.Record("code", now.Add(time.Duration(i)*time.Millisecond))
	}
	close(sink.release)
	rec.Stop()

	assert.False(t, sink.overlap.Load(), "updates for one code must never overlap")
	assert.Equal(t, int64(10), sink.total())
	assert.LessOrEqual(t, len(sink.deltas), 3)
	assert.Zero(t, rec.Pending())
}

func TestAccessRecorder_RetainsClicksOnFailure(t *testing.T) {
	release := make(chan struct{})
	close(release)
	sink := &blockingSink{release: release, entered: make(chan struct{}, 1), err: errors.New("down")}

	rec := NewAccessRecorder(sink, nil, AccessOptions{Workers: 1, QueueSize: 4})
	rec.Record("code", time.Now())
	rec.Record("code", time.Now())

	rec.Start()
	require.Eventually(t, func() bool { return len(sink.entered) > 0 || sink.total() > 0 }, time.Second, 5*time.Millisecond)
	rec.Stop()

	assert.Equal(t, 1, rec.Pending(), "failed updates stay pending")
}

type touchCall struct {
	at    time.Time
	delta int64
}

// flakySink fails the first failN calls and records every call.
type flakySink struct {
	failN int

	mu    sync.Mutex
	calls []touchCall
	ok    int64
}

func (f *flakySink) Touch(ctx context.Context, code string, at time.Time, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, touchCall{at: at, delta: delta})
	if len(f.calls) <= f.failN {
		return errors.New("down")
	}
	f.ok += delta
	return nil
}

func (f *flakySink) snapshot() ([]touchCall, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]touchCall(nil), f.calls...), f.ok
}

func TestAccessRecorder_RetriesQuietCode(t *testing.T) {
	sink := &flakySink{failN: 2}
	rec := NewAccessRecorder(sink, nil, AccessOptions{Workers: 1, RetryDelay: 5 * time.Millisecond})
	rec.Start()
	defer rec.Stop()

	rec.Record("quiet", time.Now())

	require.Eventually(t, func() bool {
		_, ok := sink.snapshot()
		return ok == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.Pending() == 0 }, time.Second, 5*time.Millisecond)

	calls, _ := sink.snapshot()
	assert.Len(t, calls, 3)
}

func TestAccessRecorder_ResendsFailedBatchUnchanged(t *testing.T) {
	sink := &flakySink{failN: 1}
	rec := NewAccessRecorder(sink, nil, AccessOptions{Workers: 1, RetryDelay: time.Hour})

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec.Record("code", first)
	rec.Start()
	require.Eventually(t, func() bool {
		calls, _ := sink.snapshot()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)

	later := first.Add(time.Minute)
	rec.Record("code", later)
	rec.Record("code", later)
	rec.Stop()

	calls, ok := sink.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0], calls[1], "a failed batch is re-sent as is")
	assert.Equal(t, touchCall{at: later, delta: 2}, calls[2])
	assert.Equal(t, int64(3), ok)
	assert.Zero(t, rec.Pending())
}
