package gstreamer

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

const (
	V4L2BackendName  = "gst-v4l2"
	PulseBackendName = "gst-pulse"
)

// RegisterBackends registers the go-gst device backends
func RegisterBackends(r *sink.Registry, cfg config.SinksConfig) {
	r.Register(V4L2BackendName, v4l2Caps, func() sink.Backend { return NewV4L2Backend(cfg.Video, nil) })
	r.Register(PulseBackendName, pulseCaps, func() sink.Backend { return NewPulseBackend(cfg.Audio, nil) })
}

const (
	v4l2Caps  = sink.CapVideo | sink.CapModern | sink.CapVirtual | sink.CapLiveReconfigure
	pulseCaps = sink.CapAudio | sink.CapModern | sink.CapVirtual | sink.CapLiveReconfigure
)

// appsrcBackend 共用 appsrc 推流管道，只有下游元素不同
type appsrcBackend struct {
	name   string
	caps   sink.Capability
	logger *logrus.Entry

	elements  []string
	configure func(elems []*gst.Element, format media.Format) error
	srcCaps   func(format media.Format) string
	ready     func(ctx context.Context) error
	ensure    func(ctx context.Context) error

	pipeline *gst.Pipeline
	src      *app.Source
	bus      *BusMonitor
}

func (b *appsrcBackend) Name() string                  { return b.name }
func (b *appsrcBackend) Capabilities() sink.Capability { return b.caps }

func (b *appsrcBackend) Available(ctx context.Context) error {
	if err := HasElements(append([]string{"appsrc"}, b.elements...)...); err != nil {
		return err
	}
	return b.ready(ctx)
}

func (b *appsrcBackend) Open(ctx context.Context, format media.Format) error {
	if err := b.ensure(ctx); err != nil {
		return err
	}
	Init()

	pipeline, err := gst.NewPipeline(b.name)
	if err != nil {
		return sink.NewError(sink.DeviceUnavailable, b.name, "open", err)
	}
	srcElem, err := gst.NewElement("appsrc")
	if err != nil {
		return sink.NewError(sink.DeviceUnavailable, b.name, "open", err)
	}
	src := app.SrcFromElement(srcElem)
	src.SetCaps(gst.NewCapsFromString(b.srcCaps(format)))
	src.SetFormat(gst.FormatTime)
	src.SetDoTimestamp(false)
	src.SetProperty("is-live", true)

	elems, err := makeElements(b.elements...)
	if err != nil {
		return sink.NewError(sink.DeviceUnavailable, b.name, "open", err)
	}
	if err := b.configure(elems, format); err != nil {
		return sink.NewError(sink.DeviceUnavailable, b.name, "open", err)
	}

	pipeline.AddMany(srcElem)
	pipeline.AddMany(elems...)
	if err := gst.ElementLinkMany(append([]*gst.Element{srcElem}, elems...)...); err != nil {
		return sink.NewError(sink.DeviceUnavailable, b.name, "open", err)
	}

	b.pipeline = pipeline
	b.src = src
	b.bus = NewBusMonitor(pipeline, b.logger)

	if err := setState(pipeline, gst.StatePlaying, b.logger); err != nil {
		perr := b.bus.Err()
		b.teardown()
		if perr != nil {
			return sink.NewError(sinkKindOpen(perr), b.name, "open", perr)
		}
		return sink.NewError(sink.DeviceUnavailable, b.name, "open", err)
	}
	return nil
}

// sinkKindOpen never reports a transient failure while opening
func sinkKindOpen(err error) sink.ErrorKind {
	if k := sinkKind(err); k == sink.FormatRejected {
		return k
	}
	return sink.DeviceUnavailable
}

func (b *appsrcBackend) Write(unit media.Unit) error {
	if b.src == nil {
		return sink.NewError(sink.DeviceUnavailable, b.name, "write", errors.New("backend is not open"))
	}
	if err := b.bus.Err(); err != nil {
		return sink.NewError(sinkKind(err), b.name, "write", err)
	}

	var data []byte
	switch u := unit.(type) {
	case *media.TimedFrame:
		data = u.Data
	case *media.TimedSample:
		data = u.Bytes()
	default:
		return sink.NewError(sink.FormatRejected, b.name, "write", fmt.Errorf("unexpected unit %T", unit))
	}

	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(gst.ClockTime(unit.Timestamp()))
	buf.SetDuration(gst.ClockTime(unit.Length()))

	switch ret := b.src.PushBuffer(buf); ret {
	case gst.FlowOK:
		return nil
	case gst.FlowFlushing:
		return sink.NewError(sink.TransientWriteFailure, b.name, "write", fmt.Errorf("push-buffer: %s", ret.String()))
	case gst.FlowNotNegotiated:
		return sink.NewError(sink.FormatRejected, b.name, "write", fmt.Errorf("push-buffer: %s", ret.String()))
	default:
		return sink.NewError(sink.DeviceUnavailable, b.name, "write", fmt.Errorf("push-buffer: %s", ret.String()))
	}
}

// Reconfigure updates the appsrc caps, converters downstream adapt
func (b *appsrcBackend) Reconfigure(format media.Format) error {
	if b.src == nil {
		return sink.NewError(sink.DeviceUnavailable, b.name, "reconfigure", errors.New("backend is not open"))
	}
	b.src.SetCaps(gst.NewCapsFromString(b.srcCaps(format)))
	return nil
}

func (b *appsrcBackend) Close() error {
	if b.src != nil {
		b.src.EndStream()
	}
	b.teardown()
	return nil
}

func (b *appsrcBackend) teardown() {
	if b.pipeline != nil {
		if err := b.pipeline.SetState(gst.StateNull); err != nil {
			b.logger.Debugf("Failed to stop %s pipeline: %v", b.name, err)
		}
	}
	if b.bus != nil {
		b.bus.Stop()
	}
	b.pipeline, b.src, b.bus = nil, nil, nil
}

func videoCaps(f media.Format) string {
	fps := f.FrameRate
	if fps <= 0 {
		fps = 30
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		f.PixelFormat.String(), f.Width, f.Height, fps)
}

func audioCaps(f media.Format) string {
	return fmt.Sprintf("audio/x-raw,format=F32LE,layout=interleaved,rate=%d,channels=%d",
		f.SampleRate, f.Channels)
}

// NewV4L2Backend appsrc ! videoconvert ! videoscale ! capsfilter ! v4l2sink
func NewV4L2Backend(cfg config.VideoSinkConfig, logger *logrus.Entry) sink.Backend {
	if logger == nil {
		logger = config.GetLoggerWithPrefix(V4L2BackendName)
	}
	return &appsrcBackend{
		name:     V4L2BackendName,
		caps:     v4l2Caps,
		logger:   logger,
		elements: []string{"videoconvert", "videoscale", "capsfilter", "v4l2sink"},
		srcCaps:  videoCaps,
		configure: func(elems []*gst.Element, f media.Format) error {
			// 设备尺寸在打开时固定，之后源尺寸变化由 videoscale 处理
			out := fmt.Sprintf("video/x-raw,format=YUY2,width=%d,height=%d", f.Width, f.Height)
			if err := elems[2].SetProperty("caps", gst.NewCapsFromString(out)); err != nil {
				return err
			}
			if err := elems[3].SetProperty("device", cfg.Device); err != nil {
				return err
			}
			return elems[3].SetProperty("sync", false)
		},
		ready:  func(ctx context.Context) error { return sink.VideoDeviceReady(cfg) },
		ensure: func(ctx context.Context) error { return sink.EnsureVideoDevice(ctx, cfg) },
	}
}

// NewPulseBackend appsrc ! audioconvert ! audioresample ! pulsesink
func NewPulseBackend(cfg config.AudioSinkConfig, logger *logrus.Entry) sink.Backend {
	if logger == nil {
		logger = config.GetLoggerWithPrefix(PulseBackendName)
	}
	return &appsrcBackend{
		name:     PulseBackendName,
		caps:     pulseCaps,
		logger:   logger,
		elements: []string{"audioconvert", "audioresample", "pulsesink"},
		srcCaps:  audioCaps,
		configure: func(elems []*gst.Element, f media.Format) error {
			ps := elems[2]
			if err := ps.SetProperty("device", cfg.Device); err != nil {
				return err
			}
			if err := ps.SetProperty("client-name", cfg.Description); err != nil {
				return err
			}
			return ps.SetProperty("sync", false)
		},
		ready:  sink.PulseReady,
		ensure: func(ctx context.Context) error { return sink.EnsurePulseSink(ctx, cfg) },
	}
}
