// Package testutil holds shared test doubles for the chat core.
package testutil

import (
	"sync"
	"time"

	"github.com/zjrosen/confab/internal/chat/respond"
)

// MockClock implements respond.Clock with manually advanced time.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

// NewMockClock returns a clock pinned to a fixed instant.
func NewMockClock() *MockClock {
	return &MockClock{now: time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)}
}

// Now returns the mock's current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer creates a timer that fires when Advance passes its deadline.
func (c *MockClock) NewTimer(d time.Duration) respond.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{
		deadline: c.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires any expired timers.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	timers := c.timers
	c.mu.Unlock()

	for _, t := range timers {
		t.fire(now)
	}
}

type mockTimer struct {
	mu       sync.Mutex
	deadline time.Time
	ch       chan time.Time
	stopped  bool
	fired    bool
}

func (t *mockTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired || t.deadline.After(now) {
		return
	}
	t.fired = true
	select {
	case t.ch <- now:
	default:
	}
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasRunning := !t.stopped && !t.fired
	t.stopped = true
	return wasRunning
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }
