package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Gate is a capacity limiter for headless rendering. Permits above
// MaxConcurrent wait in a strict FIFO queue; a queued acquirer is
// rejected after the queue timeout, or immediately when the queue is at
// its optional length cap. Release is idempotent.
type Gate struct {
	mu           sync.Mutex
	max          int
	active       int
	queueTimeout time.Duration
	maxQueueLen  int // 0 means unbounded
	waiters      []*waiter
}

type waiterState int

const (
	waiting waiterState = iota
	granted
	abandoned
)

type waiter struct {
	ch    chan struct{}
	state waiterState
}

// NewGate creates a gate. maxConcurrent and queueTimeout are clamped to
// sane minimums; maxQueueLen <= 0 disables the length cap.
func NewGate(maxConcurrent int, queueTimeout time.Duration, maxQueueLen int) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if queueTimeout < time.Millisecond {
		queueTimeout = time.Millisecond
	}
	return &Gate{
		max:          maxConcurrent,
		queueTimeout: queueTimeout,
		maxQueueLen:  maxQueueLen,
	}
}

// Acquire obtains a permit, waiting in FIFO order when the gate is at
// capacity. The returned release func is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context, label string) (func(), error) {
	g.mu.Lock()
	if g.active < g.max {
		g.active++
		g.mu.Unlock()
		return g.releaseOnce(), nil
	}
	if g.maxQueueLen > 0 && len(g.waiters) >= g.maxQueueLen {
		g.mu.Unlock()
		return nil, fmt.Errorf("browser gate: %s rejected, queue full (%d waiting)", label, g.maxQueueLen)
	}
	w := &waiter{ch: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(g.queueTimeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return g.releaseOnce(), nil
	case <-timer.C:
		if g.abandon(w) {
			return nil, fmt.Errorf("browser gate: %s timed out after waiting %dms in queue",
				label, time.Since(start).Milliseconds())
		}
		// Granted concurrently with the timer firing; keep the permit.
		return g.releaseOnce(), nil
	case <-ctx.Done():
		if g.abandon(w) {
			return nil, ctx.Err()
		}
		// Granted concurrently with cancellation; give the permit back.
		g.release()
		return nil, ctx.Err()
	}
}

// abandon marks a waiter as given up. Returns false when the waiter was
// already granted a permit.
func (g *Gate) abandon(w *waiter) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.state == granted {
		return false
	}
	w.state = abandoned
	return true
}

// release hands the permit to the next live waiter, or frees it.
func (g *Gate) release() {
	g.mu.Lock()
	for len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		if w.state == waiting {
			w.state = granted
			close(w.ch)
			g.mu.Unlock()
			return
		}
	}
	g.active--
	g.mu.Unlock()
}

// releaseOnce wraps release so handles are idempotent.
func (g *Gate) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(g.release)
	}
}

// Run executes fn under a permit, releasing on every exit path.
func (g *Gate) Run(ctx context.Context, label string, fn func(context.Context) error) error {
	release, err := g.Acquire(ctx, label)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Active returns the number of held permits.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// QueueLength returns the number of queued acquirers, not counting
// abandoned entries that have yet to be swept.
func (g *Gate) QueueLength() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, w := range g.waiters {
		if w.state == waiting {
			n++
		}
	}
	return n
}
