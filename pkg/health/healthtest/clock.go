// Package healthtest provides a manual clock and scripted checkers for
// exercising poll loops without real delays.
package healthtest

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/rollout/pkg/health"
)

// FakeClock advances only when Sleep is called
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock starts at a fixed instant
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// Advance moves time forward without recording a sleep
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns every duration passed to Sleep
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Slept is the sum of all sleeps
func (c *FakeClock) Slept() time.Duration {
	var total time.Duration
	for _, d := range c.Sleeps() {
		total += d
	}
	return total
}

// Always returns a checker with a fixed verdict that counts its calls
func Always(healthy bool, message string) (health.Checker, *int) {
	calls := new(int)
	return health.CheckerFunc(func(context.Context) health.Result {
		*calls++
		return health.Result{Healthy: healthy, Message: message, CheckedAt: time.Now()}
	}), calls
}

// Sequence returns the given verdicts in order, repeating the last one
func Sequence(verdicts ...bool) health.Checker {
	n := 0
	return health.CheckerFunc(func(context.Context) health.Result {
		v := verdicts[min(n, len(verdicts)-1)]
		n++
		msg := "HTTP 503 Service Unavailable"
		if v {
			msg = "HTTP 200 OK"
		}
		return health.Result{Healthy: v, Message: msg, CheckedAt: time.Now()}
	})
}
