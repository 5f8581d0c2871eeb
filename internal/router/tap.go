package router

import (
	"sync"
	"sync/atomic"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// Tap receives a copy of every unit a stream delivers. Publishing never
// blocks the delivery loop: when the queue is full the unit is dropped and counted.
type Tap struct {
	name      string
	mediaType media.Type

	mu     sync.Mutex
	ch     chan media.Unit
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewTap 创建订阅队列
func NewTap(mt media.Type, name string, capacity int) *Tap {
	if capacity < 1 {
		capacity = 1
	}
	return &Tap{name: name, mediaType: mt, ch: make(chan media.Unit, capacity)}
}

func (t *Tap) Name() string          { return t.name }
func (t *Tap) MediaType() media.Type { return t.mediaType }
func (t *Tap) C() <-chan media.Unit  { return t.ch }
func (t *Tap) Published() uint64     { return t.published.Load() }
func (t *Tap) Dropped() uint64       { return t.dropped.Load() }

// Publish queues u without blocking and reports whether it was accepted
func (t *Tap) Publish(u media.Unit) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case t.ch <- u:
		t.published.Add(1)
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

// Close closes the channel; queued units stay readable
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
}

// Closed reports whether Close was called
func (t *Tap) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
