package config

import (
	"fmt"
	"time"
)

// RouterConfig 媒体路由配置
type RouterConfig struct {
	// 视频缓冲帧数 (约 10s @30fps)
	VideoBufferFrames int `yaml:"video_buffer_frames" json:"video_buffer_frames"`

	// 音频缓冲时长
	AudioBuffer time.Duration `yaml:"audio_buffer" json:"audio_buffer"`

	// 解码器输出的音频块时长
	AudioBlock time.Duration `yaml:"audio_block" json:"audio_block"`

	// 切换时预加载的单元数，约等于一个投递周期
	VideoPreloadUnits int `yaml:"video_preload_units" json:"video_preload_units"`
	AudioPreloadUnits int `yaml:"audio_preload_units" json:"audio_preload_units"`

	// 预加载超时，超时后使用已缓冲的内容直接切换
	PreloadTimeout time.Duration `yaml:"preload_timeout" json:"preload_timeout"`

	// 循环重启耗时预算，超出时记录告警
	LoopRestartBudget time.Duration `yaml:"loop_restart_budget" json:"loop_restart_budget"`

	// 出错时记录的最近序列号数量
	ErrorHistory int `yaml:"error_history" json:"error_history"`

	// 默认音量 0.0-1.0
	DefaultVolume float64 `yaml:"default_volume" json:"default_volume"`
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		VideoBufferFrames: 300,
		AudioBuffer:       200 * time.Millisecond,
		AudioBlock:        20 * time.Millisecond,
		VideoPreloadUnits: 3,
		AudioPreloadUnits: 5,
		PreloadTimeout:    150 * time.Millisecond,
		LoopRestartBudget: 50 * time.Millisecond,
		ErrorHistory:      8,
		DefaultVolume:     1.0,
	}
}

// Validate 验证路由配置
func (c *RouterConfig) Validate() error {
	if c.VideoBufferFrames < 1 {
		return fmt.Errorf("video buffer must hold at least one frame, got: %d", c.VideoBufferFrames)
	}
	if c.AudioBlock <= 0 || c.AudioBlock > time.Second {
		return fmt.Errorf("invalid audio block duration: %v", c.AudioBlock)
	}
	if c.AudioBuffer < c.AudioBlock {
		return fmt.Errorf("audio buffer (%v) must hold at least one block (%v)", c.AudioBuffer, c.AudioBlock)
	}
	if c.VideoPreloadUnits < 1 || c.AudioPreloadUnits < 1 {
		return fmt.Errorf("preload units must be positive")
	}
	if c.VideoPreloadUnits > c.VideoBufferFrames {
		return fmt.Errorf("video preload (%d) exceeds buffer capacity (%d)", c.VideoPreloadUnits, c.VideoBufferFrames)
	}
	if c.AudioPreloadUnits > c.AudioBufferUnits() {
		return fmt.Errorf("audio preload (%d) exceeds buffer capacity (%d)", c.AudioPreloadUnits, c.AudioBufferUnits())
	}
	if c.PreloadTimeout <= 0 {
		return fmt.Errorf("preload timeout must be positive, got: %v", c.PreloadTimeout)
	}
	if c.DefaultVolume < 0 || c.DefaultVolume > 1 {
		return fmt.Errorf("default volume %v out of range 0.0-1.0", c.DefaultVolume)
	}
	return nil
}

// AudioBufferUnits 音频缓冲可容纳的块数
func (c *RouterConfig) AudioBufferUnits() int {
	if c.AudioBlock <= 0 {
		return 1
	}
	n := int((c.AudioBuffer + c.AudioBlock - 1) / c.AudioBlock)
	if n < 1 {
		n = 1
	}
	return n
}

// SyncConfig 音视频同步配置
type SyncConfig struct {
	// 漂移超过该值时纠正
	Threshold time.Duration `yaml:"threshold" json:"threshold"`

	// 漂移计算周期
	Interval time.Duration `yaml:"interval" json:"interval"`

	// 主时钟 (audio, video)，被纠正的是另一路
	Master string `yaml:"master" json:"master"`

	// 超过该时间没有上报的流不参与漂移计算
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`

	// 保留的纠正记录数
	History int `yaml:"history" json:"history"`
}

// DefaultSyncConfig 返回默认同步配置
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Threshold:  40 * time.Millisecond,
		Interval:   200 * time.Millisecond,
		Master:     "audio",
		StaleAfter: time.Second,
		History:    32,
	}
}

// Validate 验证同步配置
func (c *SyncConfig) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("sync threshold must be positive, got: %v", c.Threshold)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got: %v", c.Interval)
	}
	if !isValidOption(c.Master, []string{"audio", "video"}) {
		return fmt.Errorf("invalid sync master '%s', must be 'audio' or 'video'", c.Master)
	}
	if c.StaleAfter < c.Interval {
		return fmt.Errorf("stale_after (%v) must not be shorter than the interval (%v)", c.StaleAfter, c.Interval)
	}
	return nil
}

// SinksConfig 虚拟设备配置
type SinksConfig struct {
	Video VideoSinkConfig `yaml:"video" json:"video"`
	Audio AudioSinkConfig `yaml:"audio" json:"audio"`

	// 瞬时写失败的最大重试次数
	WriteRetries uint `yaml:"write_retries" json:"write_retries"`

	// 重试间隔
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// ffmpeg 可执行文件路径，旧版后端使用
	FFmpegPath string `yaml:"ffmpeg_path" json:"ffmpeg_path"`
}

// DefaultSinksConfig 返回默认虚拟设备配置
func DefaultSinksConfig() SinksConfig {
	return SinksConfig{
		Video:        DefaultVideoSinkConfig(),
		Audio:        DefaultAudioSinkConfig(),
		WriteRetries: 3,
		RetryDelay:   2 * time.Millisecond,
		FFmpegPath:   "ffmpeg",
	}
}

// Validate 验证虚拟设备配置
func (c *SinksConfig) Validate() error {
	if err := c.Video.Validate(); err != nil {
		return fmt.Errorf("invalid video sink config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("invalid audio sink config: %w", err)
	}
	if c.WriteRetries == 0 {
		return fmt.Errorf("write_retries must be at least 1")
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path is required")
	}
	return nil
}
