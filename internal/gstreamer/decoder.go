package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// DecoderOptions 解码输出格式
type DecoderOptions struct {
	SampleRate int
	Channels   int
	AudioBlock time.Duration

	// FallbackFrameRate is used when the stream does not carry frame durations
	FallbackFrameRate int
}

// DecoderOptionsFromConfig builds decoder options from the router and sink sections
func DecoderOptionsFromConfig(cfg *config.Config) DecoderOptions {
	return DecoderOptions{
		SampleRate:        cfg.Sinks.Audio.SampleRate,
		Channels:          cfg.Sinks.Audio.Channels,
		AudioBlock:        cfg.Router.AudioBlock,
		FallbackFrameRate: cfg.Sinks.Video.FrameRate,
	}
}

// Opener opens media files through decodebin
type Opener struct {
	opts   DecoderOptions
	logger *logrus.Entry
}

// NewOpener 创建 GStreamer 解码器工厂
func NewOpener(opts DecoderOptions, logger *logrus.Entry) *Opener {
	if logger == nil {
		logger = config.GetLoggerWithPrefix("gst-decoder")
	}
	if opts.FallbackFrameRate <= 0 {
		opts.FallbackFrameRate = 30
	}
	return &Opener{opts: opts, logger: logger}
}

// Open implements decoder.Opener
func (o *Opener) Open(ctx context.Context, path string, mt media.Type) (decoder.Decoder, error) {
	Init()
	d := &Decoder{
		path:   path,
		mt:     mt,
		opts:   o.opts,
		logger: o.logger.WithField("path", path),
	}
	if err := d.build(); err != nil {
		d.teardown()
		return nil, decoder.NewError(decoder.UnsupportedFormat, path, "open", err)
	}
	if err := d.preroll(ctx); err != nil {
		d.teardown()
		return nil, err
	}
	return d, nil
}

// Decoder 基于 filesrc ! decodebin ! appsink 的解码器，同步拉取样本
type Decoder struct {
	path   string
	mt     media.Type
	opts   DecoderOptions
	logger *logrus.Entry

	pipeline *gst.Pipeline
	queue    *gst.Element
	appsink  *app.Sink
	bus      *BusMonitor
	linked   atomic.Bool

	info    media.Info
	chunker *decoder.Chunker
	pending []*media.TimedSample

	frameDur time.Duration
	frames   int64
	lastPTS  time.Duration
	seq      uint64
	closed   bool
}

func (d *Decoder) build() error {
	pipeline, err := gst.NewPipeline("decoder-" + d.mt.String())
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	d.pipeline = pipeline

	head, err := makeElements("filesrc", "decodebin")
	if err != nil {
		return err
	}
	filesrc, decodebin := head[0], head[1]
	if err := filesrc.SetProperty("location", d.path); err != nil {
		return fmt.Errorf("failed to set location: %w", err)
	}

	var chain []*gst.Element
	var caps string
	if d.mt == media.TypeVideo {
		chain, err = makeElements("queue", "videoconvert", "videoscale", "capsfilter")
		caps = "video/x-raw,format=RGB"
	} else {
		chain, err = makeElements("queue", "audioconvert", "audioresample", "capsfilter")
		caps = fmt.Sprintf("audio/x-raw,format=F32LE,layout=interleaved,rate=%d,channels=%d",
			d.opts.SampleRate, d.opts.Channels)
	}
	if err != nil {
		return err
	}
	if err := chain[3].SetProperty("caps", gst.NewCapsFromString(caps)); err != nil {
		return fmt.Errorf("failed to set caps: %w", err)
	}

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetMaxBuffers(8)
	appsink.SetDrop(false)
	appsink.SetEmitSignals(false)
	d.appsink = appsink
	d.queue = chain[0]

	pipeline.AddMany(filesrc, decodebin)
	pipeline.AddMany(chain...)
	pipeline.AddMany(appsink.Element)

	if err := filesrc.Link(decodebin); err != nil {
		return fmt.Errorf("failed to link filesrc to decodebin: %w", err)
	}
	if err := gst.ElementLinkMany(append(chain, appsink.Element)...); err != nil {
		return fmt.Errorf("failed to link convert chain: %w", err)
	}

	prefix := d.mt.String() + "/"
	decodebin.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		caps := pad.GetCurrentCaps()
		if caps == nil || caps.GetSize() == 0 {
			return
		}
		if !strings.HasPrefix(caps.GetStructureAt(0).Name(), prefix) {
			return
		}
		sinkPad := d.queue.GetStaticPad("sink")
		if sinkPad.IsLinked() {
			return
		}
		if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
			d.logger.Warnf("Failed to link decoded %s pad: %s", d.mt, ret.String())
			return
		}
		d.linked.Store(true)
	})

	d.bus = NewBusMonitor(pipeline, d.logger)
	return nil
}

// preroll pauses the pipeline to learn the stream layout before playback
func (d *Decoder) preroll(ctx context.Context) error {
	if err := d.pipeline.SetState(gst.StatePaused); err != nil {
		return d.openError(err)
	}
	ret, _ := d.pipeline.GetState(gst.StatePaused, gst.ClockTime(stateTimeout))
	if ret == gst.StateChangeFailure {
		if err := d.bus.Err(); err != nil {
			return d.openError(err)
		}
		return d.openError(errors.New("pipeline failed to preroll"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sample := d.appsink.TryPullPreroll(gst.ClockTime(stateTimeout))
	if sample == nil {
		if err := d.bus.Err(); err != nil {
			return d.openError(err)
		}
		return d.openError(errors.New("no decodable stream"))
	}

	info := media.Info{Path: d.path, Type: d.mt}
	if ok, dur := d.pipeline.QueryDuration(gst.FormatTime); ok && dur > 0 {
		info.Duration = time.Duration(dur)
	}

	st := sample.GetCaps().GetStructureAt(0)
	if d.mt == media.TypeVideo {
		info.Width = intField(st, "width")
		info.Height = intField(st, "height")
		info.FrameRate = float64(d.opts.FallbackFrameRate)
		if buf := sample.GetBuffer(); buf != nil {
			if dur := buf.Duration(); dur != gst.ClockTimeNone && dur > 0 {
				info.FrameRate = float64(time.Second) / float64(dur)
			}
		}
		if info.Width <= 0 || info.Height <= 0 {
			return d.openError(fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height))
		}
		d.frameDur = media.FrameDuration(info.FrameRate)
	} else {
		info.SampleRate = d.opts.SampleRate
		info.Channels = d.opts.Channels
		d.chunker = decoder.NewChunker(info.SampleRate, info.Channels, d.opts.AudioBlock, d.path)
	}
	d.info = info

	if err := d.pipeline.SetState(gst.StatePlaying); err != nil {
		return d.openError(err)
	}
	d.logger.Debugf("Decoder opened: %+v", info)
	return nil
}

func (d *Decoder) openError(err error) error {
	kind := decodeKind(err)
	if !d.linked.Load() {
		kind = decoder.UnsupportedFormat
		err = fmt.Errorf("no %s stream: %w", d.mt, err)
	}
	return decoder.NewError(kind, d.path, "open", err)
}

func intField(st *gst.Structure, name string) int {
	v, err := st.GetValue(name)
	if err != nil {
		return 0
	}
	if n, ok := v.(int); ok {
		return n
	}
	return 0
}

// Info implements decoder.Decoder
func (d *Decoder) Info() media.Info {
	return d.info
}

// Next implements decoder.Decoder
func (d *Decoder) Next(ctx context.Context) (media.Unit, error) {
	if d.closed {
		return nil, decoder.NewError(decoder.IoFailure, d.path, "next", errors.New("decoder closed"))
	}

	for {
		if len(d.pending) > 0 {
			s := d.pending[0]
			d.pending = d.pending[1:]
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.bus.Err(); err != nil {
			return nil, decoder.NewError(decodeKind(err), d.path, "next", err)
		}

		sample := d.appsink.TryPullSample(gst.ClockTime(pullTimeout))
		if sample == nil {
			if d.appsink.IsEOS() {
				if d.chunker != nil {
					if tail := d.chunker.Flush(); tail != nil {
						return tail, nil
					}
				}
				return nil, io.EOF
			}
			continue
		}

		if d.mt == media.TypeVideo {
			return d.frame(sample)
		}
		if err := d.audio(sample); err != nil {
			return nil, err
		}
	}
}

func (d *Decoder) frame(sample *gst.Sample) (media.Unit, error) {
	buf := sample.GetBuffer()
	if buf == nil {
		return nil, decoder.NewError(decoder.CorruptStream, d.path, "next", errors.New("no buffer in sample"))
	}
	mapInfo := buf.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, decoder.NewError(decoder.CorruptStream, d.path, "next", errors.New("failed to map buffer"))
	}
	data := packRGB(mapInfo.Bytes(), d.info.Width, d.info.Height)
	buf.Unmap()
	if data == nil {
		return nil, decoder.NewError(decoder.CorruptStream, d.path, "next", errors.New("short frame buffer"))
	}

	pts := time.Duration(d.frames) * d.frameDur
	if p := buf.PresentationTimestamp(); p != gst.ClockTimeNone {
		pts = time.Duration(p)
	}
	if pts < d.lastPTS {
		pts = d.lastPTS
	}
	d.lastPTS = pts
	d.frames++
	d.seq++

	return &media.TimedFrame{
		Data:        data,
		Width:       d.info.Width,
		Height:      d.info.Height,
		PixelFormat: media.PixelFormatRGB24,
		PTS:         pts,
		Duration:    d.frameDur,
		Seq:         d.seq,
		Origin:      d.path,
	}, nil
}

// packRGB copies an RGB frame, removing the 4-byte row alignment GStreamer
// applies when width*3 is not a multiple of 4.
func packRGB(src []byte, width, height int) []byte {
	row := width * 3
	stride := (row + 3) &^ 3
	if len(src) >= row*height && (stride == row || len(src) < stride*height) {
		out := make([]byte, row*height)
		copy(out, src[:row*height])
		return out
	}
	if len(src) < stride*(height-1)+row {
		return nil
	}
	out := make([]byte, row*height)
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], src[y*stride:y*stride+row])
	}
	return out
}

func (d *Decoder) audio(sample *gst.Sample) error {
	buf := sample.GetBuffer()
	if buf == nil {
		return decoder.NewError(decoder.CorruptStream, d.path, "next", errors.New("no buffer in sample"))
	}
	mapInfo := buf.Map(gst.MapRead)
	if mapInfo == nil {
		return decoder.NewError(decoder.CorruptStream, d.path, "next", errors.New("failed to map buffer"))
	}
	samples := media.DecodeF32LE(mapInfo.Bytes())
	buf.Unmap()

	d.pending = append(d.pending, d.chunker.Push(samples)...)
	return nil
}

// Restart seeks back to the start without reopening the file
func (d *Decoder) Restart(ctx context.Context) error {
	if d.closed {
		return decoder.NewError(decoder.IoFailure, d.path, "restart", errors.New("decoder closed"))
	}
	if !d.pipeline.SeekSimple(0, gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit) {
		return decoder.NewError(decoder.IoFailure, d.path, "restart", errors.New("seek to start failed"))
	}
	d.pending = nil
	d.frames = 0
	d.lastPTS = 0
	if d.chunker != nil {
		d.chunker.Reset()
	}
	return nil
}

// Close releases the pipeline
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.teardown()
	return nil
}

func (d *Decoder) teardown() {
	if d.pipeline != nil {
		if err := d.pipeline.SetState(gst.StateNull); err != nil {
			d.logger.Debugf("Failed to stop decoder pipeline: %v", err)
		}
	}
	if d.bus != nil {
		d.bus.Stop()
	}
}
