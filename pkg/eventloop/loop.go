// Package eventloop runs all player state changes on one goroutine. Network
// reads, dials and WebRTC callbacks happen elsewhere and Post their results.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// Handle cancels a scheduled task.
type Handle interface {
	Stop() bool
}

// Scheduler is the subset of Loop that components depend on, so tests can
// substitute a manual clock.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Handle
}

// Loop executes posted functions one at a time in FIFO order.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	closed bool
	mu     sync.RWMutex
}

// New returns a loop with room for queue pending tasks before Post blocks.
func New(queue int) *Loop {
	if queue <= 0 {
		queue = 256
	}
	return &Loop{
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

// Post queues fn. Posting after the loop stopped is a no-op.
func (l *Loop) Post(fn func()) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Handle {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Run processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
}

func (l *Loop) stop() {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	})
}

// Timer is a re-armable single task. Reset cancels any pending run, so at
// most one is ever outstanding. A Timer must only be used from the loop.
type Timer struct {
	sched  Scheduler
	handle Handle
	gen    uint64
	armed  bool
}

func NewTimer(sched Scheduler) *Timer {
	return &Timer{sched: sched}
}

// Reset schedules fn after d, replacing any pending task.
func (t *Timer) Reset(d time.Duration, fn func()) {
	t.Stop()
	t.gen++
	gen := t.gen
	t.armed = true
	t.handle = t.sched.AfterFunc(d, func() {
		// A task already queued on the loop when Stop ran must not fire.
		if gen != t.gen || !t.armed {
			return
		}
		t.armed = false
		fn()
	})
}

// Stop cancels the pending task. It reports whether one was pending.
func (t *Timer) Stop() bool {
	pending := t.armed
	t.armed = false
	t.gen++
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
	return pending
}

// Pending reports whether a task is armed.
func (t *Timer) Pending() bool {
	return t.armed
}
