package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/recording"
)

// MuxerName is the recording.muxer value selecting this muxer
const MuxerName = "gstreamer"

var muxerElements = []string{
	"appsrc", "videoconvert", "videoscale", "capsfilter", "x264enc", "h264parse", "queue",
	"audioconvert", "audioresample", "avenc_aac", "aacparse", "mp4mux", "filesink",
}

// Muxer 录制封装器：appsrc(video) ! x264enc, appsrc(audio) ! avenc_aac, 汇入 mp4mux ! filesink
type Muxer struct {
	logger *logrus.Entry

	path     string
	pipeline *gst.Pipeline
	video    *app.Source
	audio    *app.Source
	bus      *BusMonitor
}

// NewMuxer 创建 GStreamer 录制封装器
func NewMuxer(logger *logrus.Entry) *Muxer {
	if logger == nil {
		logger = config.GetLoggerWithPrefix("gst-muxer")
	}
	return &Muxer{logger: logger}
}

// MuxerAvailable reports whether the encoders and muxer are installed
func MuxerAvailable() error {
	return HasElements(muxerElements...)
}

func (m *Muxer) Name() string { return MuxerName }

// Open builds and starts the encode pipeline
func (m *Muxer) Open(ctx context.Context, path string, video, audio media.Format, s recording.EncoderSettings) error {
	if err := MuxerAvailable(); err != nil {
		return err
	}

	pipeline, err := gst.NewPipeline("recorder")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	vchain, err := makeElements("appsrc", "videoconvert", "videoscale", "capsfilter", "x264enc", "h264parse", "queue")
	if err != nil {
		return err
	}
	achain, err := makeElements("appsrc", "audioconvert", "audioresample", "avenc_aac", "aacparse", "queue")
	if err != nil {
		return err
	}
	tail, err := makeElements("mp4mux", "filesink")
	if err != nil {
		return err
	}
	mux, filesink := tail[0], tail[1]

	vsrc := app.SrcFromElement(vchain[0])
	vsrc.SetCaps(gst.NewCapsFromString(videoCaps(video)))
	vsrc.SetFormat(gst.FormatTime)
	vsrc.SetDoTimestamp(false)

	asrc := app.SrcFromElement(achain[0])
	asrc.SetCaps(gst.NewCapsFromString(audioCaps(audio)))
	asrc.SetFormat(gst.FormatTime)
	asrc.SetDoTimestamp(false)

	outCaps := fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d", s.Width, s.Height)
	if err := vchain[3].SetProperty("caps", gst.NewCapsFromString(outCaps)); err != nil {
		return fmt.Errorf("failed to set output caps: %w", err)
	}

	enc := vchain[4]
	props := []struct {
		name  string
		value interface{}
	}{
		{"speed-preset", s.SpeedPreset},
		{"pass", "qual"},
		{"quantizer", uint(s.CRF)},
		{"bitrate", uint(s.VideoBitrate)},
		{"key-int-max", uint(s.GOP())},
	}
	for _, p := range props {
		if err := enc.SetProperty(p.name, p.value); err != nil {
			return fmt.Errorf("failed to set x264enc %s=%v: %w", p.name, p.value, err)
		}
	}
	if err := achain[3].SetProperty("bitrate", s.AudioBitrate); err != nil {
		return fmt.Errorf("failed to set avenc_aac bitrate: %w", err)
	}
	if err := filesink.SetProperty("location", path); err != nil {
		return fmt.Errorf("failed to set location: %w", err)
	}

	pipeline.AddMany(vchain...)
	pipeline.AddMany(achain...)
	pipeline.AddMany(tail...)
	if err := gst.ElementLinkMany(append(vchain, mux)...); err != nil {
		return fmt.Errorf("failed to link video branch: %w", err)
	}
	if err := gst.ElementLinkMany(achain...); err != nil {
		return fmt.Errorf("failed to link audio branch: %w", err)
	}
	if err := achain[len(achain)-1].Link(mux); err != nil {
		return fmt.Errorf("failed to link audio to mp4mux: %w", err)
	}
	if err := mux.Link(filesink); err != nil {
		return fmt.Errorf("failed to link mp4mux to filesink: %w", err)
	}

	m.path = path
	m.pipeline = pipeline
	m.video = vsrc
	m.audio = asrc
	m.bus = NewBusMonitor(pipeline, m.logger)

	if err := setState(pipeline, gst.StatePlaying, m.logger); err != nil {
		if perr := m.bus.Err(); perr != nil {
			err = perr
		}
		_ = m.Abort()
		return err
	}
	m.logger.Infof("Recording pipeline started: %s (%dx%d, %s, crf %d)", path, s.Width, s.Height, s.SpeedPreset, s.CRF)
	return nil
}

// WriteVideo pushes one raw frame
func (m *Muxer) WriteVideo(frame *media.TimedFrame) error {
	return m.push(m.video, frame.Data, frame)
}

// WriteAudio pushes one F32 block
func (m *Muxer) WriteAudio(block *media.TimedSample) error {
	return m.push(m.audio, block.Bytes(), block)
}

func (m *Muxer) push(src *app.Source, data []byte, unit media.Unit) error {
	if src == nil {
		return errors.New("muxer is not open")
	}
	if err := m.bus.Err(); err != nil {
		return err
	}
	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(gst.ClockTime(unit.Timestamp()))
	buf.SetDuration(gst.ClockTime(unit.Length()))
	if ret := src.PushBuffer(buf); ret != gst.FlowOK {
		if err := m.bus.Err(); err != nil {
			return err
		}
		return fmt.Errorf("push-buffer: %s", ret.String())
	}
	return nil
}

// BytesWritten returns the current output file size
func (m *Muxer) BytesWritten() int64 {
	if m.path == "" {
		return -1
	}
	fi, err := os.Stat(m.path)
	if err != nil {
		return -1
	}
	return fi.Size()
}

// Finalize sends EOS on both inputs and waits for mp4mux to write the index
func (m *Muxer) Finalize(ctx context.Context) error {
	if m.pipeline == nil {
		return errors.New("muxer is not open")
	}
	m.video.EndStream()
	m.audio.EndStream()

	err := m.bus.WaitEOS(ctx)
	m.teardown()
	if err != nil {
		return fmt.Errorf("finalize %s: %w", m.path, err)
	}
	m.logger.Infof("Recording finalized: %s", m.path)
	return nil
}

// Abort stops the pipeline without waiting for EOS
func (m *Muxer) Abort() error {
	m.teardown()
	return nil
}

func (m *Muxer) teardown() {
	if m.pipeline != nil {
		if err := m.pipeline.SetState(gst.StateNull); err != nil {
			m.logger.Debugf("Failed to stop recording pipeline: %v", err)
		}
	}
	if m.bus != nil {
		m.bus.Stop()
	}
	m.pipeline, m.video, m.audio, m.bus = nil, nil, nil, nil
}
