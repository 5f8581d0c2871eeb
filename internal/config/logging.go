package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig 日志配置
type LoggingConfig struct {
	// Level 日志等级 (trace, debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Format 日志格式 (text, json)
	Format string `yaml:"format" json:"format"`

	// Output 输出目标 (stdout, stderr, file)
	Output string `yaml:"output" json:"output"`

	// File 日志文件路径 (当Output为file时使用)
	File string `yaml:"file" json:"file"`

	// 日志轮转 (仅 file 输出)
	MaxSizeMB  int  `yaml:"max_size_mb" json:"max_size_mb" split_words:"true"`
	MaxBackups int  `yaml:"max_backups" json:"max_backups" split_words:"true"`
	MaxAgeDays int  `yaml:"max_age_days" json:"max_age_days" split_words:"true"`
	Compress   bool `yaml:"compress" json:"compress"`

	// EnableTimestamp 是否启用时间戳
	EnableTimestamp bool `yaml:"enable_timestamp" json:"enable_timestamp" split_words:"true"`

	// EnableCaller 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller" split_words:"true"`

	// EnableColors 是否启用颜色输出
	EnableColors bool `yaml:"enable_colors" json:"enable_colors" split_words:"true"`
}

// DefaultLoggingConfig 返回默认日志配置
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Level:           "info",
		Format:          "text",
		Output:          "stdout",
		File:            "",
		MaxSizeMB:       50,
		MaxBackups:      5,
		MaxAgeDays:      14,
		Compress:        true,
		EnableTimestamp: true,
		EnableCaller:    false,
		EnableColors:    true,
	}
}

// Validate 验证日志配置
func (c *LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	if c.Format != "text" && c.Format != "json" {
		return fmt.Errorf("invalid log format: %s, must be 'text' or 'json'", c.Format)
	}

	if c.Output != "stdout" && c.Output != "stderr" && c.Output != "file" {
		return fmt.Errorf("invalid log output: %s, must be 'stdout', 'stderr', or 'file'", c.Output)
	}

	if c.Output == "file" && c.File == "" {
		return fmt.Errorf("log file path is required when output is 'file'")
	}

	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}

	return nil
}

// Merge 合并日志配置
func (c *LoggingConfig) Merge(other *LoggingConfig) error {
	if other == nil {
		return nil
	}

	if other.Level != "" {
		c.Level = other.Level
	}
	if other.Format != "" {
		c.Format = other.Format
	}
	if other.Output != "" {
		c.Output = other.Output
	}
	if other.File != "" {
		c.File = other.File
	}
	if other.MaxSizeMB > 0 {
		c.MaxSizeMB = other.MaxSizeMB
	}
	if other.MaxBackups > 0 {
		c.MaxBackups = other.MaxBackups
	}
	if other.MaxAgeDays > 0 {
		c.MaxAgeDays = other.MaxAgeDays
	}

	c.Compress = other.Compress
	c.EnableTimestamp = other.EnableTimestamp
	c.EnableCaller = other.EnableCaller
	c.EnableColors = other.EnableColors

	return c.Validate()
}

// RotatingWriter 返回带轮转的文件 writer
func (c *LoggingConfig) RotatingWriter(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// SetupLogger 根据配置设置 logrus
func SetupLogger(config *LoggingConfig) error {
	if config == nil {
		config = DefaultLoggingConfig()
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	logrus.SetLevel(level)

	var output io.Writer
	switch config.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		output = config.RotatingWriter(config.File)
	}
	logrus.SetOutput(output)

	logrus.SetFormatter(NewFormatter(config))
	logrus.SetReportCaller(config.EnableCaller)

	return nil
}

// NewFormatter 按配置创建格式化器，text 格式使用带前缀的格式化器
func NewFormatter(config *LoggingConfig) logrus.Formatter {
	if config.Format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		}
	}

	return &prefixed.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		FullTimestamp:   config.EnableTimestamp,
		ForceColors:     config.EnableColors && config.Output != "file",
		DisableColors:   !config.EnableColors || config.Output == "file",
	}
}

// ParseLogLevel 解析日志等级字符串
func ParseLogLevel(level string) (string, error) {
	normalizedLevel := strings.ToLower(strings.TrimSpace(level))

	if _, err := logrus.ParseLevel(normalizedLevel); err != nil {
		return "info", fmt.Errorf("invalid log level: %s", level)
	}

	return normalizedLevel, nil
}

// GetLoggerWithPrefix 获取带前缀的logger
// prefixed 格式化器会把 prefix 字段显示在消息前
func GetLoggerWithPrefix(prefix string) *logrus.Entry {
	return logrus.WithField("prefix", prefix)
}

// SetGlobalLogLevel 动态设置全局日志等级
func SetGlobalLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logrus.SetLevel(logLevel)
	return nil
}

// GetGlobalLogLevel 获取当前全局日志等级
func GetGlobalLogLevel() string {
	return logrus.GetLevel().String()
}

// GetStandardLoggerWithPrefix 获取带前缀的标准库兼容logger，用于 http.Server.ErrorLog
func GetStandardLoggerWithPrefix(prefix string) *log.Logger {
	entry := GetLoggerWithPrefix(prefix)
	return log.New(&logrusWriter{entry: entry}, "", 0)
}

// logrusWriter 将 logrus.Entry 包装为 io.Writer
type logrusWriter struct {
	entry *logrus.Entry
}

// Write 实现 io.Writer 接口
func (w *logrusWriter) Write(p []byte) (n int, err error) {
	message := strings.TrimSuffix(string(p), "\n")
	w.entry.Warn(message)
	return len(p), nil
}
