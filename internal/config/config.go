package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config BDWind 虚拟摄像头服务配置聚合器
type Config struct {
	// Web服务器配置模块
	WebServer *WebServerConfig `yaml:"webserver" json:"webserver"`

	// Metrics配置模块
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`

	// 日志配置
	Logging *LoggingConfig `yaml:"logging" json:"logging"`

	// 媒体路由
	Router RouterConfig `yaml:"router" json:"router"`

	// 音视频同步
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// 虚拟设备
	Sinks SinksConfig `yaml:"sinks" json:"sinks"`

	// 录制
	Recording RecordingConfig `yaml:"recording" json:"recording"`

	// 引擎
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// 生命周期管理配置
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`
}

// LifecycleConfig 生命周期管理配置
type LifecycleConfig struct {
	// 优雅关闭超时时间
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// 强制关闭超时时间
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout" json:"force_shutdown_timeout"`

	// 组件启动超时时间
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`

	// 是否启用优雅关闭
	EnableGracefulShutdown bool `yaml:"enable_graceful_shutdown" json:"enable_graceful_shutdown"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	cfg := &Config{
		WebServer: DefaultWebServerConfig(),
		Metrics:   DefaultMetricsConfig(),
		Logging:   DefaultLoggingConfig(),
		Router:    DefaultRouterConfig(),
		Sync:      DefaultSyncConfig(),
		Sinks:     DefaultSinksConfig(),
		Recording: DefaultRecordingConfig(),
		Engine:    DefaultEngineConfig(),
	}

	cfg.Lifecycle.ShutdownTimeout = 30 * time.Second
	cfg.Lifecycle.ForceShutdownTimeout = 10 * time.Second
	cfg.Lifecycle.StartupTimeout = 60 * time.Second
	cfg.Lifecycle.EnableGracefulShutdown = true

	return cfg
}

// LoadConfigFromFile 从文件加载配置，未出现的字段保持默认值
func LoadConfigFromFile(filename string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.WebServer != nil {
		if err := c.WebServer.Validate(); err != nil {
			return fmt.Errorf("invalid webserver config: %w", err)
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("invalid metrics config: %w", err)
		}
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return fmt.Errorf("invalid logging config: %w", err)
		}
	}

	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("invalid router config: %w", err)
	}

	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}

	if err := c.Sinks.Validate(); err != nil {
		return fmt.Errorf("invalid sinks config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("invalid recording config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}

	if err := c.validateLifecycleConfig(); err != nil {
		return fmt.Errorf("invalid lifecycle config: %w", err)
	}

	if err := c.validateCrossModuleCompatibility(); err != nil {
		return fmt.Errorf("module compatibility error: %w", err)
	}

	return nil
}

// validateLifecycleConfig 验证生命周期配置
func (c *Config) validateLifecycleConfig() error {
	if c.Lifecycle.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got: %v", c.Lifecycle.ShutdownTimeout)
	}

	if c.Lifecycle.ForceShutdownTimeout <= 0 {
		return fmt.Errorf("force shutdown timeout must be positive, got: %v", c.Lifecycle.ForceShutdownTimeout)
	}

	if c.Lifecycle.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive, got: %v", c.Lifecycle.StartupTimeout)
	}

	if c.Lifecycle.ShutdownTimeout < c.Lifecycle.ForceShutdownTimeout {
		return fmt.Errorf("shutdown timeout (%v) must be greater than or equal to force shutdown timeout (%v)",
			c.Lifecycle.ShutdownTimeout, c.Lifecycle.ForceShutdownTimeout)
	}

	return nil
}

// validateCrossModuleCompatibility 验证模块间的兼容性
func (c *Config) validateCrossModuleCompatibility() error {
	usedPorts := make(map[int]string)

	if c.WebServer != nil {
		usedPorts[c.WebServer.Port] = "webserver"
	}

	if c.Metrics != nil && c.Metrics.External.Enabled {
		if existing, exists := usedPorts[c.Metrics.External.Port]; exists {
			return fmt.Errorf("port conflict: metrics port %d already used by %s", c.Metrics.External.Port, existing)
		}
	}

	// 录制同步阈值不能比实时同步更宽松
	if c.Recording.SyncThreshold > c.Sync.Threshold {
		return fmt.Errorf("recording sync threshold (%v) exceeds live sync threshold (%v)",
			c.Recording.SyncThreshold, c.Sync.Threshold)
	}

	if c.Sinks.Audio.SampleRate <= 0 || c.Router.AudioBlock <= 0 {
		return nil
	}
	// 每个音频块必须是整数个采样帧
	if (int64(c.Sinks.Audio.SampleRate)*int64(c.Router.AudioBlock))%int64(time.Second) != 0 {
		return fmt.Errorf("audio block %v is not a whole number of frames at %d Hz",
			c.Router.AudioBlock, c.Sinks.Audio.SampleRate)
	}

	return nil
}

// String 返回配置的字符串表示
func (c *Config) String() string {
	webInfo := "disabled"
	if c.WebServer != nil {
		webInfo = c.WebServer.Addr()
	}

	return fmt.Sprintf("Config{WebServer: %s, Camera: %s %v, Mic: %s %v, Sync: %s/%v, Recording: %s}",
		webInfo,
		c.Sinks.Video.Device, c.Sinks.Video.Backends,
		c.Sinks.Audio.Device, c.Sinks.Audio.Backends,
		c.Sync.Master, c.Sync.Threshold,
		c.Recording.Muxer)
}

// GetWebServerConfig 获取WebServer配置
func (c *Config) GetWebServerConfig() *WebServerConfig {
	if c.WebServer == nil {
		c.WebServer = DefaultWebServerConfig()
	}
	return c.WebServer
}

// GetMetricsConfig 获取Metrics配置
func (c *Config) GetMetricsConfig() *MetricsConfig {
	if c.Metrics == nil {
		c.Metrics = DefaultMetricsConfig()
	}
	return c.Metrics
}

// GetLoggingConfig 获取日志配置
func (c *Config) GetLoggingConfig() *LoggingConfig {
	if c.Logging == nil {
		c.Logging = DefaultLoggingConfig()
	}
	return c.Logging
}

// SaveToFile 保存配置到文件
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
