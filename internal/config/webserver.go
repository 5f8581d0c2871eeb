package config

import (
	"fmt"
	"time"
)

// WebServerConfig 控制接口 HTTP 服务配置
type WebServerConfig struct {
	Host       string    `yaml:"host" json:"host"`
	Port       int       `yaml:"port" json:"port"`
	EnableTLS  bool      `yaml:"enable_tls" json:"enable_tls" split_words:"true"`
	TLS        TLSConfig `yaml:"tls" json:"tls"`
	EnableCORS bool      `yaml:"enable_cors" json:"enable_cors" split_words:"true"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// TLSConfig TLS配置
type TLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file" split_words:"true"`
	KeyFile  string `yaml:"key_file" json:"key_file" split_words:"true"`
}

// DefaultWebServerConfig 返回默认的WebServer配置
func DefaultWebServerConfig() *WebServerConfig {
	c := &WebServerConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults 设置默认值
func (c *WebServerConfig) SetDefaults() {
	c.Host = "127.0.0.1"
	c.Port = 8090
	c.EnableTLS = false
	c.TLS = TLSConfig{}
	c.EnableCORS = true
	c.ReadTimeout = 15 * time.Second
	c.WriteTimeout = 15 * time.Second
}

// Validate 验证配置
func (c *WebServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Port)
	}

	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if c.EnableTLS {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		}
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	return nil
}

// Addr 返回监听地址
func (c *WebServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
