package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// MemoryBackendName is the registry name of the in-process backend
const MemoryBackendName = "memory"

// MemoryOptions 内存后端的故障注入参数
type MemoryOptions struct {
	// Caps overrides the default capability tags
	Caps Capability

	// Unavailable is returned by Available when set
	Unavailable error

	// Reject returns true for formats Open and Reconfigure must refuse
	Reject func(media.Format) bool

	// TransientFailures makes the next N writes fail with TransientWriteFailure
	TransientFailures int

	// WriteDelay simulates a slow device
	WriteDelay time.Duration

	// OnWrite is called after each successful write
	OnWrite func(media.Unit)

	// Keep bounds the number of recorded units; 0 keeps all of them
	Keep int
}

// Memory 内存后端，记录投递的单元，用于诊断和测试
type Memory struct {
	opts MemoryOptions

	mu        sync.Mutex
	open      bool
	format    media.Format
	units     []media.Unit
	writes    uint64
	opens     int
	failLeft  int
	reconfigs int
}

// NewMemory 创建内存后端
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Caps == 0 {
		opts.Caps = CapVideo | CapAudio | CapVirtual | CapLiveReconfigure
	}
	return &Memory{opts: opts, failLeft: opts.TransientFailures}
}

func (m *Memory) Name() string             { return MemoryBackendName }
func (m *Memory) Capabilities() Capability { return m.opts.Caps }

func (m *Memory) Available(ctx context.Context) error {
	return m.opts.Unavailable
}

func (m *Memory) Open(ctx context.Context, format media.Format) error {
	if m.opts.Reject != nil && m.opts.Reject(format) {
		return NewError(FormatRejected, m.Name(), "open", errors.New("format not supported: "+format.String()))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	m.format = format
	m.opens++
	return nil
}

func (m *Memory) Write(unit media.Unit) error {
	if m.opts.WriteDelay > 0 {
		time.Sleep(m.opts.WriteDelay)
	}

	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return NewError(DeviceUnavailable, m.Name(), "write", errors.New("device closed"))
	}
	if m.failLeft > 0 {
		m.failLeft--
		m.mu.Unlock()
		return NewError(TransientWriteFailure, m.Name(), "write", errors.New("device busy"))
	}
	m.writes++
	m.units = append(m.units, unit)
	if m.opts.Keep > 0 && len(m.units) > m.opts.Keep {
		m.units = m.units[len(m.units)-m.opts.Keep:]
	}
	m.mu.Unlock()

	if m.opts.OnWrite != nil {
		m.opts.OnWrite(unit)
	}
	return nil
}

func (m *Memory) Reconfigure(format media.Format) error {
	if m.opts.Reject != nil && m.opts.Reject(format) {
		return NewError(FormatRejected, m.Name(), "reconfigure", errors.New("format not supported: "+format.String()))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.format = format
	m.reconfigs++
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// Units returns a copy of the recorded units
func (m *Memory) Units() []media.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]media.Unit(nil), m.units...)
}

// Writes returns the number of successful writes
func (m *Memory) Writes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// DeviceFormat returns the format the backend was last opened or reconfigured with
func (m *Memory) DeviceFormat() media.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// IsOpen reports whether the backend is open
func (m *Memory) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Opens returns how many times Open succeeded
func (m *Memory) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// RegisterMemory registers a memory backend factory that always returns
// the same instance, so callers can inspect what was delivered.
func RegisterMemory(r *Registry, m *Memory) {
	r.Register(MemoryBackendName, m.Capabilities(), func() Backend { return m })
}
