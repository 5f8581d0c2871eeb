// Package router 实现 MediaRouter：每种媒体类型一条独立的解码→缓冲→投递流水线，
// 支持循环播放、低延迟切换、音量/静音控制和下游订阅。
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/open-beagle/bdwind-vcam/internal/clock"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

var (
	// ErrNotStreaming is returned by Switch when the stream is idle
	ErrNotStreaming = errors.New("stream is not active")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("router is closed")
	// ErrInvalidVolume is returned for volumes outside 0.0-1.0
	ErrInvalidVolume = errors.New("volume must be between 0.0 and 1.0")
	// ErrUnknownMediaType is returned for media types the router does not route
	ErrUnknownMediaType = errors.New("unknown media type")
)

// Output is the device side of a stream. *sink.Sink implements it.
type Output interface {
	Initialize(ctx context.Context, preference []string, format media.Format) error
	Deliver(ctx context.Context, unit media.Unit) error
	Reconfigure(format media.Format) error
	Release() error
	Active() bool
	ActiveBackend() string
}

// Observer receives stream events for metrics and the diagnostics log.
// Calls come from the delivery and decode goroutines and must not block.
type Observer interface {
	Delivered(mt media.Type, unit media.Unit)
	Underrun(mt media.Type)
	Dropped(mt media.Type, n uint64)
	Switched(mt media.Type, path string, latency time.Duration)
	LoopRestarted(mt media.Type, path string, latency time.Duration)
	StreamError(mt media.Type, err error)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) Delivered(media.Type, media.Unit)                {}
func (NopObserver) Underrun(media.Type)                             {}
func (NopObserver) Dropped(media.Type, uint64)                      {}
func (NopObserver) Switched(media.Type, string, time.Duration)      {}
func (NopObserver) LoopRestarted(media.Type, string, time.Duration) {}
func (NopObserver) StreamError(media.Type, error)                   {}

// Options 路由器依赖
type Options struct {
	Config config.RouterConfig

	Opener decoder.Opener
	Sync   *clock.Sync

	// Outputs 按媒体类型索引
	Outputs map[media.Type]Output

	// Backends 每种媒体类型的后端优先顺序
	Backends map[media.Type][]string

	Observer Observer
	Logger   *logrus.Entry
}

// Router 媒体路由器 (MediaRouter)
type Router struct {
	cfg      atomic.Pointer[config.RouterConfig]
	opener   decoder.Opener
	sync     *clock.Sync
	observer Observer
	logger   *logrus.Entry

	streams [2]*stream
	closed  atomic.Bool

	closeOnce sync.Once
}

// New 创建路由器
func New(opts Options) (*Router, error) {
	if opts.Opener == nil {
		return nil, fmt.Errorf("router requires a decoder opener")
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLoggerWithPrefix("router")
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Sync == nil {
		opts.Sync = clock.NewSync(config.DefaultSyncConfig(), nil, opts.Logger.WithField("component", "sync"))
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}

	r := &Router{
		opener:   opts.Opener,
		sync:     opts.Sync,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
	r.cfg.Store(&cfg)

	for _, mt := range media.Types {
		out, ok := opts.Outputs[mt]
		if !ok || out == nil {
			return nil, fmt.Errorf("no output configured for %s", mt)
		}
		r.streams[mt] = newStream(r, mt, out, opts.Backends[mt])
	}
	return r, nil
}

func (r *Router) config() config.RouterConfig {
	return *r.cfg.Load()
}

// ApplyConfig replaces the router settings; running sources keep their buffers
func (r *Router) ApplyConfig(cfg config.RouterConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg.Store(&cfg)
	return nil
}

func (r *Router) stream(mt media.Type) (*stream, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if mt != media.TypeVideo && mt != media.TypeAudio {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMediaType, mt)
	}
	return r.streams[mt], nil
}

// Start begins streaming path to the virtual device. When the stream is
// already active it behaves like Switch after applying loop and volume.
func (r *Router) Start(ctx context.Context, mt media.Type, path string, loop bool, volume float64) error {
	s, err := r.stream(mt)
	if err != nil {
		return err
	}
	if volume < 0 || volume > 1 {
		return ErrInvalidVolume
	}
	return s.start(ctx, path, loop, volume)
}

// Switch replaces the current source without a gap
func (r *Router) Switch(ctx context.Context, mt media.Type, path string) error {
	s, err := r.stream(mt)
	if err != nil {
		return err
	}
	return s.switchTo(ctx, path)
}

// Stop stops the stream. The device stays open unless release is set.
func (r *Router) Stop(ctx context.Context, mt media.Type, release bool) error {
	s, err := r.stream(mt)
	if err != nil {
		return err
	}
	return s.stop(ctx, release)
}

// SetVolume applies from the next delivered block. It returns after any
// in-flight delivery has completed.
func (r *Router) SetVolume(mt media.Type, volume float64) error {
	s, err := r.stream(mt)
	if err != nil {
		return err
	}
	if volume < 0 || volume > 1 {
		return ErrInvalidVolume
	}
	s.setVolume(volume)
	return nil
}

// SetMuted applies from the next delivered unit
func (r *Router) SetMuted(mt media.Type, muted bool) error {
	s, err := r.stream(mt)
	if err != nil {
		return err
	}
	s.setMuted(muted)
	return nil
}

// SetLoop changes loop mode of the running stream
func (r *Router) SetLoop(mt media.Type, loop bool) error {
	s, err := r.stream(mt)
	if err != nil {
		return err
	}
	s.loop.Store(loop)
	return nil
}

// Status returns a snapshot of one stream
func (r *Router) Status(mt media.Type) (Status, error) {
	s, err := r.stream(mt)
	if err != nil {
		return Status{}, err
	}
	return s.status(), nil
}

// Statuses returns snapshots of every stream
func (r *Router) Statuses() []Status {
	out := make([]Status, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.status())
	}
	return out
}

// IsActive reports whether the stream is streaming or switching
func (r *Router) IsActive(mt media.Type) bool {
	s, err := r.stream(mt)
	if err != nil {
		return false
	}
	return s.state.Load().active()
}

// Subscribe attaches a tap that receives every delivered unit of mt.
// Taps survive Stop and Start; a name already in use is replaced.
func (r *Router) Subscribe(mt media.Type, name string, capacity int) (*Tap, error) {
	s, err := r.stream(mt)
	if err != nil {
		return nil, err
	}
	return s.subscribe(name, capacity), nil
}

// Unsubscribe detaches and closes the named tap
func (r *Router) Unsubscribe(mt media.Type, name string) {
	if mt != media.TypeVideo && mt != media.TypeAudio {
		return
	}
	r.streams[mt].unsubscribe(name)
}

// Sync returns the clock sync shared by both streams
func (r *Router) Sync() *clock.Sync {
	return r.sync
}

// Close stops both streams in parallel and releases the devices
func (r *Router) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range r.streams {
			s := s
			g.Go(func() error {
				return s.stop(gctx, true)
			})
		}
		err = g.Wait()
		for _, s := range r.streams {
			s.closeTaps()
		}
		r.logger.Info("Media router closed")
	})
	return err
}
