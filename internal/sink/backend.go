package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// Capability 后端能力标签
type Capability uint32

const (
	CapVideo Capability = 1 << iota
	CapAudio
	// CapModern marks backends built on the current OS device framework
	CapModern
	// CapLegacy marks fallback backends
	CapLegacy
	// CapLiveReconfigure 可在不重开设备的情况下切换格式
	CapLiveReconfigure
	// CapVirtual 输出到消费端应用可见的虚拟设备
	CapVirtual
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapVideo, "video"},
	{CapAudio, "audio"},
	{CapModern, "modern"},
	{CapLegacy, "legacy"},
	{CapLiveReconfigure, "live-reconfigure"},
	{CapVirtual, "virtual"},
}

// Has reports whether every bit of o is set
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

// Strings returns the tag names
func (c Capability) Strings() []string {
	return lo.FilterMap(capabilityNames, func(n struct {
		cap  Capability
		name string
	}, _ int) (string, bool) {
		return n.name, c.Has(n.cap)
	})
}

// Supports reports whether the capability set covers the media type
func (c Capability) Supports(mt media.Type) bool {
	if mt == media.TypeVideo {
		return c.Has(CapVideo)
	}
	return c.Has(CapAudio)
}

// Backend is one OS device binding. A Backend instance serves a single sink;
// Write is only called by one goroutine and never concurrently with
// Open, Reconfigure or Close.
type Backend interface {
	Name() string
	Capabilities() Capability

	// Available returns nil when the backend can be opened on this host,
	// otherwise the reason it cannot.
	Available(ctx context.Context) error

	Open(ctx context.Context, format media.Format) error
	Write(unit media.Unit) error
	Reconfigure(format media.Format) error
	Close() error
}

// Factory creates a fresh backend instance
type Factory func() Backend

type registration struct {
	name    string
	caps    Capability
	factory Factory
	order   int
}

// Registry 后端注册表，按名称注册，按偏好顺序选择
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds or replaces a backend
func (r *Registry) Register(name string, caps Capability, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := len(r.entries)
	if existing, ok := r.entries[name]; ok {
		order = existing.order
	}
	r.entries[name] = registration{name: name, caps: caps, factory: factory, order: order}
}

// Names returns registered names in registration order
func (r *Registry) Names() []string {
	return lo.Map(r.sorted(), func(e registration, _ int) string { return e.name })
}

// Capabilities returns the tags of a registered backend
func (r *Registry) Capabilities(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.caps, ok
}

// New instantiates a registered backend
func (r *Registry) New(name string) (Backend, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	return e.factory(), nil
}

// Candidates returns the backend names to try for a media type.
// Names in preference come first in the given order; without a preference
// every matching backend is returned, modern before legacy.
func (r *Registry) Candidates(mt media.Type, preference []string) []string {
	all := lo.Filter(r.sorted(), func(e registration, _ int) bool {
		return e.caps.Supports(mt)
	})

	if len(preference) > 0 {
		known := lo.SliceToMap(all, func(e registration) (string, bool) { return e.name, true })
		return lo.Filter(lo.Uniq(preference), func(name string, _ int) bool { return known[name] })
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].caps.Has(CapModern) && !all[j].caps.Has(CapModern)
	})
	return lo.Map(all, func(e registration, _ int) string { return e.name })
}

func (r *Registry) sorted() []registration {
	r.mu.RLock()
	entries := lo.Values(r.entries)
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	return entries
}
