package config

import (
	"fmt"
	"time"
)

// MetricsConfig Metrics配置模块
type MetricsConfig struct {
	// 采集间隔，缓冲水位等 gauge 按该周期刷新
	CollectionInterval time.Duration `yaml:"collection_interval" json:"collection_interval"`

	// 外部暴露配置（默认禁用，为Grafana等外部工具提供数据）
	External ExternalMetricsConfig `yaml:"external" json:"external"`
}

// ExternalMetricsConfig 外部监控配置
type ExternalMetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
	Host    string `yaml:"host" json:"host"`
}

// DefaultMetricsConfig 返回默认的Metrics配置
func DefaultMetricsConfig() *MetricsConfig {
	c := &MetricsConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults 设置默认值
func (c *MetricsConfig) SetDefaults() {
	c.CollectionInterval = time.Second
	c.External = ExternalMetricsConfig{
		Enabled: false,
		Port:    9090,
		Path:    "/metrics",
		Host:    "0.0.0.0",
	}
}

// Validate 验证配置
func (c *MetricsConfig) Validate() error {
	if c.CollectionInterval < 100*time.Millisecond {
		return fmt.Errorf("collection interval too short: %v (minimum: 100ms)", c.CollectionInterval)
	}
	if c.CollectionInterval > 5*time.Minute {
		return fmt.Errorf("collection interval too long: %v (maximum: 5m)", c.CollectionInterval)
	}

	// 外部暴露配置仅在启用时验证
	if !c.External.Enabled {
		return nil
	}
	if c.External.Port < 1 || c.External.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d (must be between 1 and 65535)", c.External.Port)
	}
	if c.External.Path == "" || c.External.Path[0] != '/' {
		return fmt.Errorf("metrics path must start with '/', got: %q", c.External.Path)
	}
	if c.External.Host == "" {
		return fmt.Errorf("metrics host cannot be empty")
	}
	return nil
}

// Addr 返回外部监控监听地址
func (c *MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.External.Host, c.External.Port)
}
