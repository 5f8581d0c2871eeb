package sink

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/ffmpeg"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

const (
	FFmpegV4L2Name  = "ffmpeg-v4l2"
	FFmpegPulseName = "ffmpeg-pulse"

	// ffmpeg 打开输出设备失败时会很快退出
	ffmpegStartupWait = 150 * time.Millisecond
)

// ffmpegBackend 共用的子进程管理
type ffmpegBackend struct {
	name   string
	caps   Capability
	path   string
	logger *logrus.Entry
	args   func(media.Format) []string
	ensure func(ctx context.Context) error
	ready  func(ctx context.Context) error

	proc   *ffmpeg.Process
	format media.Format
}

func (b *ffmpegBackend) Name() string             { return b.name }
func (b *ffmpegBackend) Capabilities() Capability { return b.caps }

func (b *ffmpegBackend) Available(ctx context.Context) error {
	if _, err := exec.LookPath(b.path); err != nil {
		return fmt.Errorf("%s not found in PATH", b.path)
	}
	return b.ready(ctx)
}

func (b *ffmpegBackend) Open(ctx context.Context, format media.Format) error {
	if err := b.ensure(ctx); err != nil {
		return err
	}

	// 子进程生命周期由 Close 控制，不跟随 Open 的 ctx
	proc, err := ffmpeg.Start(context.Background(), ffmpeg.Options{Path: b.path, Args: b.args(format)}, b.logger)
	if err != nil {
		return NewError(DeviceUnavailable, b.name, "open", err)
	}
	if err := proc.WaitStartup(ffmpegStartupWait); err != nil {
		if isFormatRejection(proc.Stderr()) {
			return NewError(FormatRejected, b.name, "open", err)
		}
		return NewError(DeviceUnavailable, b.name, "open", err)
	}

	b.proc = proc
	b.format = format
	return nil
}

func (b *ffmpegBackend) Write(unit media.Unit) error {
	if b.proc == nil {
		return NewError(DeviceUnavailable, b.name, "write", errors.New("backend is not open"))
	}
	data := payload(unit)
	n, err := b.proc.Write(data)
	switch {
	case err == nil && n == len(data):
		return nil
	case errors.Is(err, ffmpeg.ErrExited):
		return NewError(DeviceUnavailable, b.name, "write", err)
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR), err == nil:
		return NewError(TransientWriteFailure, b.name, "write", fmt.Errorf("short write %d/%d: %v", n, len(data), err))
	default:
		return NewError(DeviceUnavailable, b.name, "write", err)
	}
}

// Reconfigure is unsupported; the sink reopens the process instead
func (b *ffmpegBackend) Reconfigure(format media.Format) error {
	return NewError(FormatRejected, b.name, "reconfigure", errors.New("live reconfigure is not supported"))
}

func (b *ffmpegBackend) Close() error {
	if b.proc == nil {
		return nil
	}
	b.proc.Stop()
	b.proc = nil
	return nil
}

func payload(unit media.Unit) []byte {
	switch u := unit.(type) {
	case *media.TimedFrame:
		return u.Data
	case *media.TimedSample:
		return u.Bytes()
	default:
		return nil
	}
}

func isFormatRejection(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "invalid argument") ||
		strings.Contains(s, "not supported") ||
		strings.Contains(s, "unsupported")
}

// NewFFmpegV4L2 ffmpeg 写 v4l2loopback 的后端
func NewFFmpegV4L2(cfg config.VideoSinkConfig, ffmpegPath string, logger *logrus.Entry) Backend {
	if logger == nil {
		logger = config.GetLoggerWithPrefix(FFmpegV4L2Name)
	}
	return &ffmpegBackend{
		name:   FFmpegV4L2Name,
		caps:   CapVideo | CapLegacy | CapVirtual,
		path:   ffmpegPath,
		logger: logger,
		args:   func(f media.Format) []string { return v4l2Args(cfg, f) },
		ensure: func(ctx context.Context) error { return EnsureVideoDevice(ctx, cfg) },
		ready:  func(ctx context.Context) error { return VideoDeviceReady(cfg) },
	}
}

func v4l2Args(cfg config.VideoSinkConfig, f media.Format) []string {
	fps := f.FrameRate
	if fps <= 0 {
		fps = cfg.FrameRate
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", f.PixelFormat.FFmpegName(),
		"-video_size", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"-framerate", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-pix_fmt", "yuv420p",
		"-f", "v4l2",
		cfg.Device,
	}
}

// NewFFmpegPulse ffmpeg 写 PulseAudio null sink 的后端
func NewFFmpegPulse(cfg config.AudioSinkConfig, ffmpegPath string, logger *logrus.Entry) Backend {
	if logger == nil {
		logger = config.GetLoggerWithPrefix(FFmpegPulseName)
	}
	return &ffmpegBackend{
		name:   FFmpegPulseName,
		caps:   CapAudio | CapLegacy | CapVirtual,
		path:   ffmpegPath,
		logger: logger,
		args:   func(f media.Format) []string { return pulseArgs(cfg, f) },
		ensure: func(ctx context.Context) error { return EnsurePulseSink(ctx, cfg) },
		ready:  PulseReady,
	}
}

func pulseArgs(cfg config.AudioSinkConfig, f media.Format) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "f32le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
		"-f", "pulse",
		"-device", cfg.Device,
		cfg.Description,
	}
}
