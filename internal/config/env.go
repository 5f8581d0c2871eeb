package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "VCAM"

// ApplyEnv 用环境变量覆盖配置
// 嵌套字段的键为 VCAM_<SECTION>_<FIELD>，例如 VCAM_WEBSERVER_PORT、VCAM_SYNC_THRESHOLD=60ms、
// VCAM_SINKS_VIDEO_BACKENDS=ffmpeg-v4l2,memory。未设置的变量保持原值。
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// LoadConfig 依次加载默认值、配置文件(可选)和环境变量，然后验证
func LoadConfig(filename string) (*Config, error) {
	var (
		cfg *Config
		err error
	)

	if filename != "" {
		cfg, err = LoadConfigFromFile(filename)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// EnvUsage 返回支持的环境变量列表，用于 -help 输出
func EnvUsage() string {
	var b strings.Builder
	if err := envconfig.Usagef(EnvPrefix, DefaultConfig(), &b, "  {{range .}}{{usage_key .}}\n  {{end}}"); err != nil {
		return ""
	}
	return strings.TrimRight(b.String(), " ")
}
