package recording

import (
	"fmt"
	"strings"
	"time"
)

// Resolution 录制分辨率
type Resolution string

const (
	Resolution480p  Resolution = "480p"
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
)

// VideoQuality 视频质量档位
type VideoQuality string

const (
	QualityFast     VideoQuality = "fast"
	QualityBalanced VideoQuality = "balanced"
	QualityHigh     VideoQuality = "high"
	QualityUltra    VideoQuality = "ultra"
)

// AudioQuality AAC 码率档位
type AudioQuality string

const (
	AudioLow      AudioQuality = "low"
	AudioStandard AudioQuality = "standard"
	AudioHigh     AudioQuality = "high"
)

// Preset 录制预设
type Preset struct {
	Resolution   Resolution   `json:"resolution"`
	VideoQuality VideoQuality `json:"video_quality"`
	AudioQuality AudioQuality `json:"audio_quality"`
}

// DefaultPreset 720p/balanced/standard
func DefaultPreset() Preset {
	return Preset{Resolution: Resolution720p, VideoQuality: QualityBalanced, AudioQuality: AudioStandard}
}

// ParsePreset parses "<resolution>/<video_quality>/<audio_quality>".
// Missing trailing parts take the default.
func ParsePreset(s string) (Preset, error) {
	p := DefaultPreset()
	if strings.TrimSpace(s) == "" {
		return p, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return p, fmt.Errorf("invalid preset %q, expected resolution/video_quality/audio_quality", s)
	}
	if len(parts) > 0 && parts[0] != "" {
		p.Resolution = Resolution(strings.TrimSpace(parts[0]))
	}
	if len(parts) > 1 && parts[1] != "" {
		p.VideoQuality = VideoQuality(strings.TrimSpace(parts[1]))
	}
	if len(parts) > 2 && parts[2] != "" {
		p.AudioQuality = AudioQuality(strings.TrimSpace(parts[2]))
	}
	return p, p.Validate()
}

// WithDefaults fills empty fields from def
func (p Preset) WithDefaults(def Preset) Preset {
	if p.Resolution == "" {
		p.Resolution = def.Resolution
	}
	if p.VideoQuality == "" {
		p.VideoQuality = def.VideoQuality
	}
	if p.AudioQuality == "" {
		p.AudioQuality = def.AudioQuality
	}
	return p
}

// Validate 验证预设
func (p Preset) Validate() error {
	if _, _, ok := p.Resolution.Size(); !ok {
		return fmt.Errorf("invalid resolution %q, must be one of: 480p, 720p, 1080p", p.Resolution)
	}
	if _, ok := videoQualities[p.VideoQuality]; !ok {
		return fmt.Errorf("invalid video quality %q, must be one of: fast, balanced, high, ultra", p.VideoQuality)
	}
	if p.AudioQuality.Bitrate() == 0 {
		return fmt.Errorf("invalid audio quality %q, must be one of: low, standard, high", p.AudioQuality)
	}
	return nil
}

// String returns the slash form accepted by ParsePreset
func (p Preset) String() string {
	return fmt.Sprintf("%s/%s/%s", p.Resolution, p.VideoQuality, p.AudioQuality)
}

// Size returns the output frame size
func (r Resolution) Size() (int, int, bool) {
	switch r {
	case Resolution480p:
		return 854, 480, true
	case Resolution720p:
		return 1280, 720, true
	case Resolution1080p:
		return 1920, 1080, true
	default:
		return 0, 0, false
	}
}

// baseBitrate kbit/s at balanced quality
func (r Resolution) baseBitrate() int {
	switch r {
	case Resolution480p:
		return 1500
	case Resolution1080p:
		return 6000
	default:
		return 3000
	}
}

type qualityParams struct {
	multiplier float64
	crf        int
	speed      string
}

var videoQualities = map[VideoQuality]qualityParams{
	QualityFast:     {multiplier: 0.75, crf: 28, speed: "veryfast"},
	QualityBalanced: {multiplier: 1.0, crf: 23, speed: "faster"},
	QualityHigh:     {multiplier: 1.5, crf: 20, speed: "medium"},
	QualityUltra:    {multiplier: 2.0, crf: 17, speed: "slow"},
}

// Bitrate returns AAC bits per second
func (a AudioQuality) Bitrate() int {
	switch a {
	case AudioLow:
		return 96000
	case AudioStandard:
		return 128000
	case AudioHigh:
		return 192000
	default:
		return 0
	}
}

// EncoderSettings 预设展开后的编码参数
type EncoderSettings struct {
	Width        int
	Height       int
	FrameRate    int
	VideoBitrate int // kbit/s
	CRF          int
	SpeedPreset  string
	AudioBitrate int // bit/s
	SampleRate   int
	Channels     int
}

// Settings expands the preset for a frame rate and audio layout
func (p Preset) Settings(frameRate, sampleRate, channels int) EncoderSettings {
	w, h, _ := p.Resolution.Size()
	q := videoQualities[p.VideoQuality]
	return EncoderSettings{
		Width:        w,
		Height:       h,
		FrameRate:    frameRate,
		VideoBitrate: int(float64(p.Resolution.baseBitrate()) * q.multiplier),
		CRF:          q.crf,
		SpeedPreset:  q.speed,
		AudioBitrate: p.AudioQuality.Bitrate(),
		SampleRate:   sampleRate,
		Channels:     channels,
	}
}

// EstimatedSize returns the expected file size after d at the preset bitrates
func (s EncoderSettings) EstimatedSize(d time.Duration) int64 {
	bitsPerSecond := int64(s.VideoBitrate)*1000 + int64(s.AudioBitrate)
	return bitsPerSecond * int64(d) / int64(time.Second) / 8
}

// GOP returns the keyframe interval in frames, two seconds of video
func (s EncoderSettings) GOP() int {
	if s.FrameRate <= 0 {
		return 60
	}
	return s.FrameRate * 2
}
