// Package retrytest provides a backoff timer for tests.
package retrytest

import (
	"slices"
	"sync"
	"time"
)

// InstantTimer fires immediately and records the requested waits.
type InstantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func (t *InstantTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.delays = append(t.delays, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}

func (t *InstantTimer) Stop() {}

func (t *InstantTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.c
}

// Waits returns the delays requested so far.
func (t *InstantTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.delays)
}
