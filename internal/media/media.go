package media

import (
	"fmt"
	"strings"
	"time"
)

// Type 媒体类型
type Type int

const (
	TypeVideo Type = iota
	TypeAudio
)

// Types lists every routed media type in a stable order.
var Types = []Type{TypeVideo, TypeAudio}

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// ParseType 解析媒体类型字符串
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video":
		return TypeVideo, nil
	case "audio":
		return TypeAudio, nil
	default:
		return 0, fmt.Errorf("unknown media type: %q", s)
	}
}

// PixelFormat 像素格式
type PixelFormat int

const (
	PixelFormatRGB24 PixelFormat = iota
	PixelFormatBGRA
	PixelFormatI420
)

// String returns the GStreamer raw format name
func (p PixelFormat) String() string {
	switch p {
	case PixelFormatRGB24:
		return "RGB"
	case PixelFormatBGRA:
		return "BGRA"
	case PixelFormatI420:
		return "I420"
	default:
		return "unknown"
	}
}

// FFmpegName returns the pix_fmt name ffmpeg uses for this format
func (p PixelFormat) FFmpegName() string {
	switch p {
	case PixelFormatRGB24:
		return "rgb24"
	case PixelFormatBGRA:
		return "bgra"
	case PixelFormatI420:
		return "yuv420p"
	default:
		return ""
	}
}

// FrameSize returns the number of bytes of one frame
func (p PixelFormat) FrameSize(width, height int) int {
	switch p {
	case PixelFormatRGB24:
		return width * height * 3
	case PixelFormatBGRA:
		return width * height * 4
	case PixelFormatI420:
		return width*height + 2*((width+1)/2)*((height+1)/2)
	default:
		return 0
	}
}

// Format describes what a sink is negotiated for.
type Format struct {
	Type        Type        `json:"type"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
	PixelFormat PixelFormat `json:"pixel_format,omitempty"`
	FrameRate   int         `json:"frame_rate,omitempty"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	Channels    int         `json:"channels,omitempty"`
}

// String returns a compact representation used in logs
func (f Format) String() string {
	if f.Type == TypeVideo {
		return fmt.Sprintf("%s %dx%d@%d", f.PixelFormat, f.Width, f.Height, f.FrameRate)
	}
	return fmt.Sprintf("F32LE %dHz/%dch", f.SampleRate, f.Channels)
}

// SameShape reports whether two formats carry identical raw layouts.
// Frame rate is ignored, only the buffer geometry matters to a sink.
func (f Format) SameShape(o Format) bool {
	if f.Type != o.Type {
		return false
	}
	if f.Type == TypeVideo {
		return f.Width == o.Width && f.Height == o.Height && f.PixelFormat == o.PixelFormat
	}
	return f.SampleRate == o.SampleRate && f.Channels == o.Channels
}

// Info 媒体文件信息，由解码器打开文件时返回
type Info struct {
	Path       string        `json:"path"`
	Type       Type          `json:"type"`
	Duration   time.Duration `json:"duration"`
	Width      int           `json:"width,omitempty"`
	Height     int           `json:"height,omitempty"`
	FrameRate  float64       `json:"frame_rate,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Channels   int           `json:"channels,omitempty"`
}

// Format returns the raw output format the decoder produces
func (i Info) Format() Format {
	if i.Type == TypeVideo {
		return Format{
			Type:        TypeVideo,
			Width:       i.Width,
			Height:      i.Height,
			PixelFormat: PixelFormatRGB24,
			FrameRate:   int(i.FrameRate + 0.5),
		}
	}
	return Format{
		Type:       TypeAudio,
		SampleRate: i.SampleRate,
		Channels:   i.Channels,
	}
}

// FrameDuration returns the nominal duration of one frame at the given rate
func FrameDuration(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// SamplesDuration returns the duration of n samples per channel
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}
