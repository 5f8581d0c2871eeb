package clock

import (
	"sync"
	"time"
)

// Clock is the single monotonic time source shared by the delivery loops.
// Now returns the time elapsed since the clock's epoch.
type Clock interface {
	Now() time.Duration
}

// Monotonic 基于 time.Since 的单调时钟
type Monotonic struct {
	epoch time.Time
}

// NewMonotonic 创建以当前时刻为起点的单调时钟
func NewMonotonic() *Monotonic {
	return &Monotonic{epoch: time.Now()}
}

// Now implements Clock
func (m *Monotonic) Now() time.Duration {
	return time.Since(m.epoch)
}

// Epoch returns the wall time the clock started at
func (m *Monotonic) Epoch() time.Time {
	return m.epoch
}

// Manual is a clock that only moves when told to. Used by tests and simulations.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

// NewManual 创建手动时钟
func NewManual(start time.Duration) *Manual {
	return &Manual{now: start}
}

// Now implements Clock
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time
func (m *Manual) Advance(d time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now += d
	}
	return m.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.now {
		m.now = t
	}
}
