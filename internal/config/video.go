package config

import (
	"fmt"
	"strings"
)

// VideoSinkConfig 虚拟摄像头配置
type VideoSinkConfig struct {
	// 后端优先级 (gst-v4l2, ffmpeg-v4l2, memory)
	Backends []string `yaml:"backends" json:"backends"`

	// v4l2loopback 设备节点
	Device string `yaml:"device" json:"device"`

	// 设备名称，消费端应用里显示的摄像头名字
	CardLabel string `yaml:"card_label" json:"card_label"`

	// 设备不存在时尝试 modprobe v4l2loopback
	AutoLoad bool `yaml:"auto_load" json:"auto_load"`

	// 设备拒绝源格式时使用的回退分辨率
	FallbackWidth  int `yaml:"fallback_width" json:"fallback_width"`
	FallbackHeight int `yaml:"fallback_height" json:"fallback_height"`

	// 声明给设备的帧率
	FrameRate int `yaml:"frame_rate" json:"frame_rate"`
}

// DefaultVideoSinkConfig 返回默认虚拟摄像头配置
func DefaultVideoSinkConfig() VideoSinkConfig {
	return VideoSinkConfig{
		Backends:       []string{"gst-v4l2", "ffmpeg-v4l2"},
		Device:         "/dev/video10",
		CardLabel:      "BDWind Virtual Camera",
		AutoLoad:       true,
		FallbackWidth:  1280,
		FallbackHeight: 720,
		FrameRate:      30,
	}
}

// Validate 验证虚拟摄像头配置
func (c *VideoSinkConfig) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one video backend is required")
	}

	validBackends := []string{"gst-v4l2", "ffmpeg-v4l2", "memory"}
	for _, b := range c.Backends {
		if !isValidOption(b, validBackends) {
			return fmt.Errorf("invalid video backend '%s', must be one of: %v", b, validBackends)
		}
	}

	if !strings.HasPrefix(c.Device, "/dev/video") {
		return fmt.Errorf("invalid video device %q, expected /dev/videoN", c.Device)
	}

	if c.FallbackWidth <= 0 || c.FallbackHeight <= 0 {
		return fmt.Errorf("invalid fallback resolution %dx%d", c.FallbackWidth, c.FallbackHeight)
	}

	if c.FrameRate < 1 || c.FrameRate > 120 {
		return fmt.Errorf("invalid frame rate %d, must be between 1 and 120", c.FrameRate)
	}

	return nil
}

// DeviceNumber 返回设备节点编号，/dev/video10 -> 10
func (c *VideoSinkConfig) DeviceNumber() int {
	n := 0
	for _, r := range strings.TrimPrefix(c.Device, "/dev/video") {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
