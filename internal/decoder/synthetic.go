package decoder

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// SyntheticScheme 合成源 scheme
const SyntheticScheme = "synthetic"

// SyntheticOpener opens synthetic sources.
//
//	synthetic://name?duration=2s&fps=30&width=64&height=48
//	synthetic://name?duration=2s&rate=48000&channels=2&freq=440&block=20ms
//
// corrupt_at=N makes Next fail with CorruptStream from the Nth unit on.
// Paths without the scheme are accepted too, the whole path becomes the name.
type SyntheticOpener struct{}

// Open implements Opener
func (SyntheticOpener) Open(ctx context.Context, path string, mt media.Type) (Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(IoFailure, path, "open", err)
	}
	p, err := parseSynthetic(path, mt)
	if err != nil {
		return nil, NewError(UnsupportedFormat, path, "open", err)
	}
	return &Synthetic{params: p, path: path}, nil
}

type syntheticParams struct {
	name      string
	mt        media.Type
	duration  time.Duration
	fps       float64
	width     int
	height    int
	rate      int
	channels  int
	freq      float64
	block     time.Duration
	corruptAt int
}

func parseSynthetic(path string, mt media.Type) (syntheticParams, error) {
	p := syntheticParams{
		mt:        mt,
		duration:  2 * time.Second,
		fps:       30,
		width:     64,
		height:    48,
		rate:      48000,
		channels:  2,
		freq:      440,
		block:     20 * time.Millisecond,
		corruptAt: -1,
	}

	rest := strings.TrimPrefix(path, SyntheticScheme+"://")
	name, rawQuery, _ := strings.Cut(rest, "?")
	p.name = name

	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return p, fmt.Errorf("invalid query: %w", err)
	}

	for key, values := range q {
		v := values[len(values)-1]
		var perr error
		switch key {
		case "duration":
			p.duration, perr = time.ParseDuration(v)
		case "block":
			p.block, perr = time.ParseDuration(v)
		case "fps":
			p.fps, perr = strconv.ParseFloat(v, 64)
		case "freq":
			p.freq, perr = strconv.ParseFloat(v, 64)
		case "width":
			p.width, perr = strconv.Atoi(v)
		case "height":
			p.height, perr = strconv.Atoi(v)
		case "rate":
			p.rate, perr = strconv.Atoi(v)
		case "channels":
			p.channels, perr = strconv.Atoi(v)
		case "corrupt_at":
			p.corruptAt, perr = strconv.Atoi(v)
		default:
			perr = fmt.Errorf("unknown parameter")
		}
		if perr != nil {
			return p, fmt.Errorf("parameter %s=%q: %w", key, v, perr)
		}
	}

	if p.duration <= 0 {
		return p, fmt.Errorf("duration must be positive")
	}
	switch mt {
	case media.TypeVideo:
		if p.fps <= 0 || p.width <= 0 || p.height <= 0 {
			return p, fmt.Errorf("invalid video geometry %dx%d@%v", p.width, p.height, p.fps)
		}
	case media.TypeAudio:
		if p.rate <= 0 || p.channels <= 0 || p.block <= 0 {
			return p, fmt.Errorf("invalid audio layout %dHz/%dch block %v", p.rate, p.channels, p.block)
		}
	}
	return p, nil
}

// Synthetic 合成解码器，视频输出移动色条，音频输出正弦波
type Synthetic struct {
	params syntheticParams
	path   string

	index    int // units produced in the current iteration
	produced int // units produced since open
	seq      uint64
	closed   bool
}

// Info implements Decoder
func (s *Synthetic) Info() media.Info {
	p := s.params
	info := media.Info{Path: s.path, Type: p.mt, Duration: p.duration}
	if p.mt == media.TypeVideo {
		info.Width = p.width
		info.Height = p.height
		info.FrameRate = p.fps
	} else {
		info.SampleRate = p.rate
		info.Channels = p.channels
	}
	return info
}

// Next implements Decoder
func (s *Synthetic) Next(ctx context.Context) (media.Unit, error) {
	if s.closed {
		return nil, NewError(IoFailure, s.path, "next", io.ErrClosedPipe)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.params.corruptAt >= 0 && s.produced >= s.params.corruptAt {
		return nil, NewError(CorruptStream, s.path, "next", fmt.Errorf("synthetic corruption at unit %d", s.produced))
	}

	var u media.Unit
	if s.params.mt == media.TypeVideo {
		u = s.nextFrame()
	} else {
		u = s.nextBlock()
	}
	if u == nil {
		return nil, io.EOF
	}

	s.index++
	s.produced++
	s.seq++
	return u, nil
}

func (s *Synthetic) nextFrame() media.Unit {
	p := s.params
	frameDur := media.FrameDuration(p.fps)
	total := int(math.Ceil(p.duration.Seconds()*p.fps - 1e-9))
	if s.index >= total {
		return nil
	}
	pts := time.Duration(s.index) * frameDur

	data := make([]byte, media.PixelFormatRGB24.FrameSize(p.width, p.height))
	base := nameColor(p.name)
	bar := s.index % p.width
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			off := (y*p.width + x) * 3
			if x == bar {
				data[off], data[off+1], data[off+2] = 255, 255, 255
				continue
			}
			data[off], data[off+1], data[off+2] = base[0], base[1], base[2]
		}
	}

	d := frameDur
	if rem := p.duration - pts; rem < d {
		d = rem
	}
	return &media.TimedFrame{
		Data:        data,
		Width:       p.width,
		Height:      p.height,
		PixelFormat: media.PixelFormatRGB24,
		PTS:         pts,
		Duration:    d,
		Seq:         s.seq,
		Origin:      s.path,
	}
}

func (s *Synthetic) nextBlock() media.Unit {
	p := s.params
	blockFrames := int(int64(p.block) * int64(p.rate) / int64(time.Second))
	totalFrames := int(int64(p.duration) * int64(p.rate) / int64(time.Second))
	start := s.index * blockFrames
	if start >= totalFrames || blockFrames == 0 {
		return nil
	}
	frames := blockFrames
	if start+frames > totalFrames {
		frames = totalFrames - start
	}

	data := make([]float32, frames*p.channels)
	step := 2 * math.Pi * p.freq / float64(p.rate)
	for i := 0; i < frames; i++ {
		v := float32(0.2 * math.Sin(step*float64(start+i)))
		for c := 0; c < p.channels; c++ {
			data[i*p.channels+c] = v
		}
	}

	return &media.TimedSample{
		Data:       data,
		Channels:   p.channels,
		SampleRate: p.rate,
		PTS:        media.SamplesDuration(start, p.rate),
		Duration:   media.SamplesDuration(frames, p.rate),
		Seq:        s.seq,
		Origin:     s.path,
	}
}

// Restart implements Decoder
func (s *Synthetic) Restart(ctx context.Context) error {
	if s.closed {
		return NewError(IoFailure, s.path, "restart", io.ErrClosedPipe)
	}
	s.index = 0
	return ctx.Err()
}

// Close implements Decoder
func (s *Synthetic) Close() error {
	s.closed = true
	return nil
}

func nameColor(name string) [3]byte {
	h := fnv.New32a()
	h.Write([]byte(name))
	v := h.Sum32()
	return [3]byte{byte(v), byte(v >> 8), byte(v >> 16)}
}
