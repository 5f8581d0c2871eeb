package clock

import (
	"fmt"
	"strings"
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// Action is a one-unit correction a delivery loop applies to its stream
type Action int

const (
	ActionNone Action = iota
	// ActionSkip drops one stale unit, the stream's content jumps ahead by one unit
	ActionSkip
	// ActionRepeat delivers the previous video frame again, content holds for one unit
	ActionRepeat
	// ActionInsertSilence delivers one silent audio block, content holds for one unit
	ActionInsertSilence
)

// String returns the string representation of Action
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSkip:
		return "skip"
	case ActionRepeat:
		return "repeat"
	case ActionInsertSilence:
		return "insert_silence"
	default:
		return "unknown"
	}
}

// Master 主时钟
type Master int

const (
	MasterAudio Master = iota
	MasterVideo
)

// String returns the string representation of Master
func (m Master) String() string {
	if m == MasterVideo {
		return "video"
	}
	return "audio"
}

// ParseMaster 解析主时钟名称
func ParseMaster(s string) (Master, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "audio":
		return MasterAudio, nil
	case "video":
		return MasterVideo, nil
	default:
		return MasterAudio, fmt.Errorf("invalid sync master %q", s)
	}
}

// Corrected returns the media type that gets corrected under this master
func (m Master) Corrected() media.Type {
	if m == MasterVideo {
		return media.TypeAudio
	}
	return media.TypeVideo
}

// Corrector decides the one-unit correction for a measured drift.
// drift is audio minus video content position: positive means video lags.
type Corrector struct {
	Threshold time.Duration
	Master    Master
}

// Decide returns the stream to correct and the action, or ActionNone when
// |drift| is within the threshold.
func (c Corrector) Decide(drift time.Duration) (media.Type, Action) {
	target := c.Master.Corrected()
	if drift <= c.Threshold && drift >= -c.Threshold {
		return target, ActionNone
	}

	videoLags := drift > 0
	if target == media.TypeVideo {
		if videoLags {
			return target, ActionSkip
		}
		return target, ActionRepeat
	}

	// 视频为主时钟，纠正音频
	if videoLags {
		return target, ActionInsertSilence
	}
	return target, ActionSkip
}

// Effect returns how an action moves the corrected stream's content position,
// in units of that stream's unit duration.
func Effect(a Action) int {
	switch a {
	case ActionSkip:
		return 1
	case ActionRepeat, ActionInsertSilence:
		return -1
	default:
		return 0
	}
}
