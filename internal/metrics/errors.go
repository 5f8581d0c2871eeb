package metrics

import "errors"

var (
	// ErrManagerAlreadyRunning 管理器已运行
	ErrManagerAlreadyRunning = errors.New("metrics: manager already running")

	// ErrMetricAlreadyRegistered 指标已注册错误
	ErrMetricAlreadyRegistered = errors.New("metrics: metric already registered")
)
