// Package storetest provides counter store doubles for tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/berserk3142-max/trust-guard/store"
)

// Down fails every call with store.ErrUnavailable.
type Down struct{}

var _ store.CounterStore = Down{}

func unavailable(op string) error {
	return fmt.Errorf("%w: %s: connection refused", store.ErrUnavailable, op)
}

func (Down) Get(context.Context, string) ([]byte, error) { return nil, unavailable("get") }
func (Down) Set(context.Context, string, []byte, time.Duration) error {
	return unavailable("set")
}
func (Down) Incr(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, unavailable("incr")
}
func (Down) Update(context.Context, string, time.Duration, store.UpdateFunc) error {
	return unavailable("update")
}
func (Down) Delete(context.Context, string) error { return unavailable("delete") }
func (Down) Ping(context.Context) error           { return unavailable("ping") }
func (Down) Close() error                         { return nil }

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
