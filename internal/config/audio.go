package config

import (
	"fmt"
)

// AudioSinkConfig virtual microphone configuration
type AudioSinkConfig struct {
	// Backend preference order (gst-pulse, ffmpeg-pulse, oto, memory)
	Backends []string `yaml:"backends" json:"backends"`

	// PulseAudio sink the virtual microphone is fed through
	Device string `yaml:"device" json:"device"`

	// Description shown by the sound server for an auto-created sink
	Description string `yaml:"description" json:"description"`

	// Create the null sink with pactl when it does not exist
	AutoCreate bool `yaml:"auto_create" json:"auto_create"`

	// Sample rate in Hz the device is opened with
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Number of channels
	Channels int `yaml:"channels" json:"channels"`
}

// DefaultAudioSinkConfig returns default audio sink configuration
func DefaultAudioSinkConfig() AudioSinkConfig {
	return AudioSinkConfig{
		Backends:    []string{"gst-pulse", "ffmpeg-pulse", "oto"},
		Device:      "bdwind_vmic",
		Description: "BDWind Virtual Microphone",
		AutoCreate:  true,
		SampleRate:  48000,
		Channels:    2,
	}
}

// Validate validates audio sink configuration
func (cfg *AudioSinkConfig) Validate() error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one audio backend is required")
	}

	validBackends := []string{"gst-pulse", "ffmpeg-pulse", "oto", "memory"}
	for _, b := range cfg.Backends {
		if !isValidOption(b, validBackends) {
			return fmt.Errorf("invalid audio backend '%s', must be one of: %v", b, validBackends)
		}
	}

	validSampleRates := []int{8000, 16000, 22050, 44100, 48000, 96000}
	if !isValidSampleRate(cfg.SampleRate, validSampleRates) {
		return fmt.Errorf("invalid sample rate %d, must be one of: %v", cfg.SampleRate, validSampleRates)
	}

	if cfg.Channels < 1 || cfg.Channels > 8 {
		return fmt.Errorf("invalid channel count %d, must be between 1 and 8", cfg.Channels)
	}

	return nil
}

// isValidOption checks if option is in valid options list
func isValidOption(option string, validOptions []string) bool {
	for _, validOption := range validOptions {
		if option == validOption {
			return true
		}
	}
	return false
}

// isValidSampleRate checks if sample rate is valid
func isValidSampleRate(rate int, validRates []int) bool {
	for _, validRate := range validRates {
		if rate == validRate {
			return true
		}
	}
	return false
}
