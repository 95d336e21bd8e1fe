package testutil

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"mlc-go/internal/mlc"
)

// StubClock is a manual clock for journal timestamps. With a non-zero step
// every Now call moves it forward, so consecutive journal rows get distinct,
// ordered times.
type StubClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

var _ mlc.Clock = (*StubClock)(nil)

// NewStubClock creates a StubClock that stands still at t.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock standing still at 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

// TickingClock returns a clock starting at the FixedClock time that advances
// by step after every reading.
func TickingClock(step time.Duration) *StubClock {
	c := FixedClock()
	c.step = step
	return c
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator hands out "q1", "q2", ... and remembers them, so tests can
// predict and look up quarantine paths.
type StubIDGenerator struct {
	mu     sync.Mutex
	issued []string
}

var _ mlc.IDGenerator = (*StubIDGenerator)(nil)

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("q%d", len(g.issued)+1)
	g.issued = append(g.issued, id)
	return id
}

// Issued returns every ID handed out so far, in order.
func (g *StubIDGenerator) Issued() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.issued)
}
