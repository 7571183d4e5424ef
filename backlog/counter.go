// Package backlog implements the shared backlog counter and the
// backpressure protocol built on top of it.
//
// The counter is the only state mutated by both the producer (a worker) and
// the consumer. Its value is changed exclusively through atomic
// read-modify-write operations; Wait and Notify provide futex-style
// blocking for the producer side.
package backlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// WaitResult reports why Counter.Wait returned.
type WaitResult int

const (
	// WaitOK means the waiter was woken by Notify.
	WaitOK WaitResult = iota
	// WaitNotEqual means the value differed from the expected one on entry.
	WaitNotEqual
	// WaitTimedOut means the timeout elapsed before a notification.
	WaitTimedOut
	// WaitCanceled means the context was canceled before a notification.
	WaitCanceled
)

func (r WaitResult) String() string {
	switch r {
	case WaitOK:
		return "ok"
	case WaitNotEqual:
		return "not-equal"
	case WaitTimedOut:
		return "timed-out"
	case WaitCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Counter is a 32-bit signed integer shared between execution contexts.
// The zero value is a counter at 0 with no waiters.
type Counter struct {
	value atomic.Int32

	// mu orders Wait registration against Notify so that a waiter that
	// observed the expected value cannot miss the notification that follows.
	mu      sync.Mutex
	wake    chan struct{}
	waiters int
}

// NewCounter creates a counter with the given initial value.
func NewCounter(initial int32) *Counter {
	c := &Counter{}
	c.value.Store(initial)
	return c
}

// Load returns the current value.
func (c *Counter) Load() int32 {
	return c.value.Load()
}

// Add atomically adds delta and returns the new value.
func (c *Counter) Add(delta int32) int32 {
	return c.value.Add(delta)
}

// Sub atomically subtracts delta and returns the new value.
func (c *Counter) Sub(delta int32) int32 {
	return c.value.Add(-delta)
}

// Wait blocks while the counter holds expected, until Notify is called,
// the timeout elapses (timeout <= 0 waits indefinitely), or ctx is done.
// It returns WaitNotEqual immediately if the value differs on entry.
func (c *Counter) Wait(ctx context.Context, expected int32, timeout time.Duration) WaitResult {
	c.mu.Lock()
	if c.value.Load() != expected {
		c.mu.Unlock()
		return WaitNotEqual
	}
	if c.wake == nil {
		c.wake = make(chan struct{})
	}
	ch := c.wake
	c.waiters++
	c.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ch:
		return WaitOK
	case <-timer:
		c.leave(ch)
		return WaitTimedOut
	case <-ctx.Done():
		c.leave(ch)
		return WaitCanceled
	}
}

// leave deregisters a waiter that gave up, unless a Notify already
// released its generation.
func (c *Counter) leave(ch chan struct{}) {
	c.mu.Lock()
	if c.wake == ch {
		c.waiters--
	}
	c.mu.Unlock()
}

// Notify wakes every current waiter and returns how many were woken.
func (c *Counter) Notify() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.waiters
	if c.wake != nil {
		close(c.wake)
		c.wake = nil
	}
	c.waiters = 0
	return n
}

// Waiters returns the number of goroutines currently blocked in Wait.
func (c *Counter) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters
}
