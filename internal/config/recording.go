package config

import (
	"fmt"
	"time"
)

// RecordingConfig 录制配置
type RecordingConfig struct {
	// 默认输出目录，start 未给出路径时使用
	OutputDir string `yaml:"output_dir" json:"output_dir" split_words:"true"`

	// 封装器 (gstreamer, ffmpeg)
	Muxer string `yaml:"muxer" json:"muxer"`

	// 默认预设，格式 "<resolution>/<quality>/<audio>"，如 "720p/balanced/standard"
	DefaultPreset string `yaml:"default_preset" json:"default_preset"`

	// 录制帧率
	FrameRate int `yaml:"frame_rate" json:"frame_rate"`

	// 同步检查周期与阈值
	SyncInterval  time.Duration `yaml:"sync_interval" json:"sync_interval"`
	SyncThreshold time.Duration `yaml:"sync_threshold" json:"sync_threshold"`

	// 订阅队列长度
	VideoQueueFrames int           `yaml:"video_queue_frames" json:"video_queue_frames"`
	AudioQueue       time.Duration `yaml:"audio_queue" json:"audio_queue"`

	// 停止时等待封装器落盘的最长时间
	FinalizeTimeout time.Duration `yaml:"finalize_timeout" json:"finalize_timeout"`
}

// DefaultRecordingConfig 返回默认录制配置
func DefaultRecordingConfig() RecordingConfig {
	return RecordingConfig{
		OutputDir:        "recordings",
		Muxer:            "gstreamer",
		DefaultPreset:    "720p/balanced/standard",
		FrameRate:        30,
		SyncInterval:     500 * time.Millisecond,
		SyncThreshold:    40 * time.Millisecond,
		VideoQueueFrames: 120,
		AudioQueue:       time.Second,
		FinalizeTimeout:  10 * time.Second,
	}
}

// Validate 验证录制配置
func (c *RecordingConfig) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("recording output_dir cannot be empty")
	}
	if !isValidOption(c.Muxer, []string{"gstreamer", "ffmpeg"}) {
		return fmt.Errorf("invalid muxer '%s', must be 'gstreamer' or 'ffmpeg'", c.Muxer)
	}
	if c.FrameRate < 1 || c.FrameRate > 120 {
		return fmt.Errorf("invalid recording frame rate %d", c.FrameRate)
	}
	if c.SyncInterval <= 0 || c.SyncThreshold <= 0 {
		return fmt.Errorf("recording sync interval and threshold must be positive")
	}
	if c.VideoQueueFrames < 1 || c.AudioQueue <= 0 {
		return fmt.Errorf("recording queues must not be empty")
	}
	if c.FinalizeTimeout <= 0 {
		return fmt.Errorf("finalize timeout must be positive, got: %v", c.FinalizeTimeout)
	}
	return nil
}

// EngineConfig 引擎配置
type EngineConfig struct {
	// 状态推送与 gauge 刷新周期
	StatusInterval time.Duration `yaml:"status_interval" json:"status_interval"`

	// 诊断事件日志 (JSON 行)，为空时不写
	EventLog string `yaml:"event_log" json:"event_log" split_words:"true"`

	// 启动时自动开始的源
	InitialVideo string `yaml:"initial_video" json:"initial_video" split_words:"true"`
	InitialAudio string `yaml:"initial_audio" json:"initial_audio" split_words:"true"`
	Loop         bool   `yaml:"loop" json:"loop"`
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StatusInterval: time.Second,
		Loop:           true,
	}
}

// Validate 验证引擎配置
func (c *EngineConfig) Validate() error {
	if c.StatusInterval < 100*time.Millisecond {
		return fmt.Errorf("status interval too short: %v (minimum: 100ms)", c.StatusInterval)
	}
	return nil
}
