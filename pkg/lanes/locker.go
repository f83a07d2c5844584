package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/ragent/internal/observability"
)

// ErrConflict is returned when a lane could not be acquired within the wait limit.
var ErrConflict = errors.New("lane is busy")

// Release gives up a held lane. Calling it more than once is a no-op.
type Release func()

type waiter struct {
	ready   chan struct{}
	granted bool
}

type lane struct {
	held    bool
	waiters []*waiter
}

// Locker serializes work per key. Waiters are granted the lane in the order
// they called Acquire.
type Locker struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	logger zerolog.Logger
}

// New creates a Locker.
func New(logger zerolog.Logger) *Locker {
	return &Locker{
		lanes:  make(map[string]*lane),
		logger: logger.With().Str("component", "lanes").Logger(),
	}
}

// Acquire takes the lane for key, queueing behind earlier callers for at most
// wait. It returns ErrConflict when the wait runs out, or ctx.Err() when ctx
// ends first. A wait <= 0 fails immediately if the lane is held.
func (l *Locker) Acquire(ctx context.Context, key string, wait time.Duration) (Release, error) {
	start := time.Now()

	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{}
		l.lanes[key] = ln
	}
	if !ln.held && len(ln.waiters) == 0 {
		ln.held = true
		l.mu.Unlock()
		observability.RecordLaneWait(0, false)
		return l.releaser(key), nil
	}
	if wait <= 0 {
		l.mu.Unlock()
		observability.RecordLaneWait(0, true)
		return nil, fmt.Errorf("%w: %s", ErrConflict, key)
	}

	w := &waiter{ready: make(chan struct{})}
	ln.waiters = append(ln.waiters, w)
	position := len(ln.waiters)
	l.mu.Unlock()

	l.logger.Debug().Str("lane", key).Int("position", position).Msg("Waiting for lane")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var failure error
	select {
	case <-w.ready:
		observability.RecordLaneWait(time.Since(start), false)
		return l.releaser(key), nil
	case <-timer.C:
		failure = fmt.Errorf("%w: %s still held after %v", ErrConflict, key, wait)
	case <-ctx.Done():
		failure = ctx.Err()
	}

	l.mu.Lock()
	if w.granted {
		// Handed the lane while giving up; keep it rather than stall the queue.
		l.mu.Unlock()
		observability.RecordLaneWait(time.Since(start), false)
		return l.releaser(key), nil
	}
	for i, queued := range ln.waiters {
		if queued == w {
			ln.waiters = append(ln.waiters[:i], ln.waiters[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	observability.RecordLaneWait(time.Since(start), true)
	l.logger.Debug().Str("lane", key).Dur("waited", time.Since(start)).Err(failure).Msg("Gave up waiting for lane")
	return nil, failure
}

func (l *Locker) releaser(key string) Release {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key) })
	}
}

func (l *Locker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ln, ok := l.lanes[key]
	if !ok {
		return
	}
	if len(ln.waiters) > 0 {
		next := ln.waiters[0]
		ln.waiters = ln.waiters[1:]
		next.granted = true
		close(next.ready)
		return
	}
	delete(l.lanes, key)
}

// Waiting returns the number of callers queued for key.
func (l *Locker) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.lanes[key]; ok {
		return len(ln.waiters)
	}
	return 0
}

// Held reports whether key is currently held.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[key]
	return ok && ln.held
}
