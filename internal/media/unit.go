package media

import (
	"encoding/binary"
	"math"
	"time"
)

// Unit is one decoded video frame or audio block.
// Units are immutable once produced; Rebased returns a copy that shares the payload.
type Unit interface {
	MediaType() Type
	Timestamp() time.Duration
	Length() time.Duration
	Sequence() uint64
	Source() string
	Format() Format
	Rebased(pts time.Duration, seq uint64) Unit
}

// TimedFrame 视频帧
type TimedFrame struct {
	// Data contains the raw pixel buffer
	Data []byte

	Width       int
	Height      int
	PixelFormat PixelFormat

	// PTS is the presentation timestamp relative to stream start
	PTS      time.Duration
	Duration time.Duration

	// Seq increases strictly within one decoder session
	Seq uint64

	// Origin is the path of the source that produced this frame
	Origin string
}

func (f *TimedFrame) MediaType() Type          { return TypeVideo }
func (f *TimedFrame) Timestamp() time.Duration { return f.PTS }
func (f *TimedFrame) Length() time.Duration    { return f.Duration }
func (f *TimedFrame) Sequence() uint64         { return f.Seq }
func (f *TimedFrame) Source() string           { return f.Origin }

// Format returns the raw layout of the frame
func (f *TimedFrame) Format() Format {
	fps := 0
	if f.Duration > 0 {
		fps = int((time.Second + f.Duration/2) / f.Duration)
	}
	return Format{
		Type:        TypeVideo,
		Width:       f.Width,
		Height:      f.Height,
		PixelFormat: f.PixelFormat,
		FrameRate:   fps,
	}
}

// Rebased returns a shallow copy carrying new timing
func (f *TimedFrame) Rebased(pts time.Duration, seq uint64) Unit {
	c := *f
	c.PTS = pts
	c.Seq = seq
	return &c
}

// Scaled returns a nearest-neighbour resized copy of an RGB24 or BGRA frame.
// I420 frames are returned unchanged.
func (f *TimedFrame) Scaled(width, height int) *TimedFrame {
	if width == f.Width && height == f.Height {
		return f
	}
	bpp := 0
	switch f.PixelFormat {
	case PixelFormatRGB24:
		bpp = 3
	case PixelFormatBGRA:
		bpp = 4
	default:
		return f
	}
	if f.Width == 0 || f.Height == 0 || len(f.Data) < f.Width*f.Height*bpp {
		return f
	}

	out := make([]byte, width*height*bpp)
	for y := 0; y < height; y++ {
		sy := y * f.Height / height
		for x := 0; x < width; x++ {
			sx := x * f.Width / width
			copy(out[(y*width+x)*bpp:(y*width+x+1)*bpp], f.Data[(sy*f.Width+sx)*bpp:(sy*f.Width+sx+1)*bpp])
		}
	}

	c := *f
	c.Data = out
	c.Width = width
	c.Height = height
	return &c
}

// TimedSample 音频样本块（F32 交错）
type TimedSample struct {
	// Data contains interleaved float32 samples
	Data []float32

	Channels   int
	SampleRate int

	PTS      time.Duration
	Duration time.Duration
	Seq      uint64
	Origin   string
}

func (s *TimedSample) MediaType() Type          { return TypeAudio }
func (s *TimedSample) Timestamp() time.Duration { return s.PTS }
func (s *TimedSample) Length() time.Duration    { return s.Duration }
func (s *TimedSample) Sequence() uint64         { return s.Seq }
func (s *TimedSample) Source() string           { return s.Origin }

// Format returns the raw layout of the block
func (s *TimedSample) Format() Format {
	return Format{Type: TypeAudio, SampleRate: s.SampleRate, Channels: s.Channels}
}

// Rebased returns a shallow copy carrying new timing
func (s *TimedSample) Rebased(pts time.Duration, seq uint64) Unit {
	c := *s
	c.PTS = pts
	c.Seq = seq
	return &c
}

// Frames returns the number of samples per channel
func (s *TimedSample) Frames() int {
	if s.Channels <= 0 {
		return 0
	}
	return len(s.Data) / s.Channels
}

// WithGain returns a copy scaled by gain. A gain of 1 returns the block itself.
func (s *TimedSample) WithGain(gain float64) *TimedSample {
	if gain == 1 {
		return s
	}
	c := *s
	c.Data = make([]float32, len(s.Data))
	if gain <= 0 {
		return &c
	}
	g := float32(gain)
	for i, v := range s.Data {
		c.Data[i] = v * g
	}
	return &c
}

// Silence returns a silent block shaped like s
func (s *TimedSample) Silence() *TimedSample {
	c := *s
	c.Data = make([]float32, len(s.Data))
	return &c
}

// NewSilence builds a silent block of the given duration
func NewSilence(d time.Duration, sampleRate, channels int) *TimedSample {
	frames := int(int64(d) * int64(sampleRate) / int64(time.Second))
	return &TimedSample{
		Data:       make([]float32, frames*channels),
		Channels:   channels,
		SampleRate: sampleRate,
		Duration:   SamplesDuration(frames, sampleRate),
	}
}

// Bytes encodes the block as little endian F32
func (s *TimedSample) Bytes() []byte {
	return EncodeF32LE(s.Data)
}

// IsSilent reports whether every sample is zero
func (s *TimedSample) IsSilent() bool {
	for _, v := range s.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// EncodeF32LE encodes float32 samples as little endian bytes
func EncodeF32LE(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeF32LE decodes little endian F32 bytes. Trailing partial samples are ignored.
func DecodeF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
