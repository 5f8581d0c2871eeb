package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// ErrNotInitialized is returned by Deliver before Initialize succeeds or after Release
var ErrNotInitialized = errors.New("sink is not initialized")

// Options Sink 参数
type Options struct {
	// WriteRetries bounds attempts per unit, including the first
	WriteRetries uint
	RetryDelay   time.Duration

	// 视频设备拒绝源格式时的回退分辨率
	FallbackWidth  int
	FallbackHeight int
}

// OptionsFromConfig builds sink options from the sinks section
func OptionsFromConfig(cfg config.SinksConfig) Options {
	return Options{
		WriteRetries:   cfg.WriteRetries,
		RetryDelay:     cfg.RetryDelay,
		FallbackWidth:  cfg.Video.FallbackWidth,
		FallbackHeight: cfg.Video.FallbackHeight,
	}
}

// Status Sink 状态
type Status struct {
	MediaType     string       `json:"media_type"`
	Active        bool         `json:"active"`
	Backend       string       `json:"backend,omitempty"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	Format        media.Format `json:"format"`
	DeviceFormat  media.Format `json:"device_format"`
	Scaling       bool         `json:"scaling"`
	Delivered     uint64       `json:"delivered"`
	Failures      uint64       `json:"failures"`
	Retries       uint64       `json:"retries"`
	Overruns      uint64       `json:"overruns"`
	LastError     string       `json:"last_error,omitempty"`
	Unavailable   []string     `json:"unavailable,omitempty"`
	InitializedAt time.Time    `json:"initialized_at,omitempty"`
}

// Sink 虚拟输出设备 (VirtualOutputSink)。
// Deliver 持有共享锁，Initialize/Reconfigure/Release 持有独占锁。
type Sink struct {
	mediaType media.Type
	registry  *Registry
	opts      Options
	logger    *logrus.Entry

	mu           sync.RWMutex
	backend      Backend
	format       media.Format
	deviceFormat media.Format
	scale        bool
	unavailable  []string
	initAt       time.Time

	delivered atomic.Uint64
	failures  atomic.Uint64
	retries   atomic.Uint64
	overruns  atomic.Uint64
	lastError atomic.Value
}

// NewSink 创建指定媒体类型的 Sink
func NewSink(mt media.Type, registry *Registry, opts Options, logger *logrus.Entry) *Sink {
	if logger == nil {
		logger = config.GetLoggerWithPrefix("sink-" + mt.String())
	}
	if opts.WriteRetries == 0 {
		opts.WriteRetries = 1
	}
	return &Sink{
		mediaType: mt,
		registry:  registry,
		opts:      opts,
		logger:    logger,
	}
}

// MediaType returns the media type this sink serves
func (s *Sink) MediaType() media.Type {
	return s.mediaType
}

// Initialize opens the first usable backend in preference order.
// It is a no-op when a backend is already open for the same shape.
func (s *Sink) Initialize(ctx context.Context, preference []string, format media.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		if s.format.SameShape(format) {
			return nil
		}
		return s.reconfigureLocked(format)
	}

	candidates := s.registry.Candidates(s.mediaType, preference)
	if len(candidates) == 0 {
		err := NewError(DeviceUnavailable, strings.Join(preference, ","), "initialize",
			fmt.Errorf("no registered %s backend matches the preference", s.mediaType))
		s.setLastError(err)
		return err
	}

	var reasons []error
	s.unavailable = nil
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := s.registry.New(name)
		if err != nil {
			reasons = append(reasons, err)
			continue
		}

		if err := b.Available(ctx); err != nil {
			s.logger.Infof("Backend %s unavailable: %v", name, err)
			s.unavailable = append(s.unavailable, fmt.Sprintf("%s: %v", name, err))
			reasons = append(reasons, fmt.Errorf("%s: %w", name, err))
			continue
		}

		deviceFormat, err := s.openBackend(ctx, b, format)
		if err != nil {
			s.logger.Warnf("Backend %s failed to open %s: %v", name, format, err)
			s.unavailable = append(s.unavailable, fmt.Sprintf("%s: %v", name, err))
			reasons = append(reasons, fmt.Errorf("%s: %w", name, err))
			continue
		}

		s.backend = b
		s.format = format
		s.deviceFormat = deviceFormat
		s.scale = !deviceFormat.SameShape(format)
		s.initAt = time.Now()
		s.logger.Infof("Sink initialized with backend %s (%s)", name, deviceFormat)
		if s.scale {
			s.logger.Warnf("Device rejected %s, frames are scaled to %dx%d",
				format, deviceFormat.Width, deviceFormat.Height)
		}
		return nil
	}

	err := NewError(DeviceUnavailable, strings.Join(candidates, ","), "initialize", errors.Join(reasons...))
	s.setLastError(err)
	return err
}

// openBackend opens b, retrying once at the fallback resolution when a video
// device rejects the source format.
func (s *Sink) openBackend(ctx context.Context, b Backend, format media.Format) (media.Format, error) {
	err := b.Open(ctx, format)
	if err == nil {
		return format, nil
	}
	fallback, ok := s.fallbackFormat(format)
	if !IsKind(err, FormatRejected) || !ok {
		return media.Format{}, err
	}

	s.logger.Warnf("Backend %s rejected %s, retrying with %s", b.Name(), format, fallback)
	if err := b.Open(ctx, fallback); err != nil {
		return media.Format{}, err
	}
	return fallback, nil
}

func (s *Sink) fallbackFormat(format media.Format) (media.Format, bool) {
	if s.mediaType != media.TypeVideo || s.opts.FallbackWidth <= 0 || s.opts.FallbackHeight <= 0 {
		return media.Format{}, false
	}
	if format.Width == s.opts.FallbackWidth && format.Height == s.opts.FallbackHeight {
		return media.Format{}, false
	}
	fb := format
	fb.Width = s.opts.FallbackWidth
	fb.Height = s.opts.FallbackHeight
	fb.PixelFormat = media.PixelFormatRGB24
	return fb, true
}

// Deliver writes one unit to the active backend. Transient write failures are
// retried a bounded number of times, then escalated as DeviceUnavailable.
func (s *Sink) Deliver(ctx context.Context, unit media.Unit) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.backend == nil {
		return ErrNotInitialized
	}
	if unit.MediaType() != s.mediaType {
		return fmt.Errorf("cannot deliver %s unit to %s sink", unit.MediaType(), s.mediaType)
	}

	out := unit
	if s.scale {
		if f, ok := unit.(*media.TimedFrame); ok {
			out = f.Scaled(s.deviceFormat.Width, s.deviceFormat.Height)
		}
	}

	start := time.Now()
	attempt := 0
	err := retry.New(
		retry.Attempts(s.opts.WriteRetries),
		retry.Delay(s.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(IsTransient),
	).Do(func() error {
		attempt++
		if attempt > 1 {
			s.retries.Add(1)
		}
		return s.backend.Write(out)
	})
	elapsed := time.Since(start)

	if budget := unit.Length(); budget > 0 && elapsed > budget {
		s.overruns.Add(1)
	}

	if err != nil {
		s.failures.Add(1)
		if IsTransient(err) {
			err = NewError(DeviceUnavailable, s.backend.Name(), "write",
				fmt.Errorf("write failed after %d attempts: %w", attempt, err))
		}
		s.setLastError(err)
		return err
	}

	s.delivered.Add(1)
	return nil
}

// Reconfigure switches the negotiated format. Deliveries are blocked for the
// duration of the call.
func (s *Sink) Reconfigure(format media.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return ErrNotInitialized
	}
	return s.reconfigureLocked(format)
}

func (s *Sink) reconfigureLocked(format media.Format) error {
	if s.format.SameShape(format) {
		s.format = format
		return nil
	}

	b := s.backend
	target := format
	err := s.applyFormat(b, target)
	if err != nil && IsKind(err, FormatRejected) {
		if fb, ok := s.fallbackFormat(format); ok {
			s.logger.Warnf("Backend %s rejected %s, falling back to %s", b.Name(), format, fb)
			target = fb
			err = s.applyFormat(b, target)
		}
	}
	if err != nil {
		s.setLastError(err)
		return err
	}

	s.format = format
	s.deviceFormat = target
	s.scale = !target.SameShape(format)
	s.logger.Infof("Sink reconfigured to %s (device %s)", format, target)
	return nil
}

func (s *Sink) applyFormat(b Backend, format media.Format) error {
	if b.Capabilities().Has(CapLiveReconfigure) {
		return b.Reconfigure(format)
	}
	if err := b.Close(); err != nil {
		s.logger.Debugf("Close before reopen: %v", err)
	}
	return b.Open(context.Background(), format)
}

// Release closes the active backend
func (s *Sink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}
	name := s.backend.Name()
	err := s.backend.Close()
	s.backend = nil
	s.scale = false
	if err != nil {
		s.logger.Warnf("Backend %s close error: %v", name, err)
		return err
	}
	s.logger.Infof("Sink released (backend %s)", name)
	return nil
}

// Active reports whether a backend is open
func (s *Sink) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend != nil
}

// ActiveBackend returns the open backend name, or "" when none
func (s *Sink) ActiveBackend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return ""
	}
	return s.backend.Name()
}

// Format returns the source format the sink was negotiated for
func (s *Sink) Format() media.Format {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.format
}

// Status returns a snapshot
func (s *Sink) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		MediaType:     s.mediaType.String(),
		Active:        s.backend != nil,
		Format:        s.format,
		DeviceFormat:  s.deviceFormat,
		Scaling:       s.scale,
		Delivered:     s.delivered.Load(),
		Failures:      s.failures.Load(),
		Retries:       s.retries.Load(),
		Overruns:      s.overruns.Load(),
		Unavailable:   append([]string(nil), s.unavailable...),
		InitializedAt: s.initAt,
	}
	if s.backend != nil {
		st.Backend = s.backend.Name()
		st.Capabilities = s.backend.Capabilities().Strings()
	}
	if v, ok := s.lastError.Load().(string); ok {
		st.LastError = v
	}
	return st
}

func (s *Sink) setLastError(err error) {
	s.lastError.Store(err.Error())
}
