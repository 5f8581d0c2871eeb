package engine

import (
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/open-beagle/bdwind-vcam/internal/clock"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/metrics"
	"github.com/open-beagle/bdwind-vcam/internal/router"
)

// fanout 把路由事件依次转发给多个观察者
type fanout []router.Observer

func (f fanout) Delivered(mt media.Type, u media.Unit) {
	for _, o := range f {
		o.Delivered(mt, u)
	}
}

func (f fanout) Underrun(mt media.Type) {
	for _, o := range f {
		o.Underrun(mt)
	}
}

func (f fanout) Dropped(mt media.Type, n uint64) {
	for _, o := range f {
		o.Dropped(mt, n)
	}
}

func (f fanout) Switched(mt media.Type, path string, latency time.Duration) {
	for _, o := range f {
		o.Switched(mt, path, latency)
	}
}

func (f fanout) LoopRestarted(mt media.Type, path string, latency time.Duration) {
	for _, o := range f {
		o.LoopRestarted(mt, path, latency)
	}
}

func (f fanout) StreamError(mt media.Type, err error) {
	for _, o := range f {
		o.StreamError(mt, err)
	}
}

// EventLog 诊断事件日志：每个事件一行 JSON，文件由 lumberjack 轮转。
// 记录丢帧、漂移纠正、切换、欠载和错误，不记录正常投递。
type EventLog struct {
	logger *logrus.Logger
	writer *lumberjack.Logger
}

// NewEventLog opens the event log at path using the rotation settings of logging
func NewEventLog(path string, logging *config.LoggingConfig) (*EventLog, error) {
	if logging == nil {
		logging = config.DefaultLoggingConfig()
	}
	w := logging.RotatingWriter(path)

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "event",
		},
	})

	// 立即打开文件，路径不可写时在启动阶段报错
	if _, err := w.Write(nil); err != nil {
		return nil, err
	}
	return &EventLog{logger: logger, writer: w}, nil
}

func (e *EventLog) Delivered(media.Type, media.Unit) {}

func (e *EventLog) Underrun(mt media.Type) {
	e.logger.WithField("media_type", mt.String()).Info("underrun")
}

func (e *EventLog) Dropped(mt media.Type, n uint64) {
	e.logger.WithFields(logrus.Fields{
		"media_type": mt.String(),
		"count":      n,
	}).Info("drop")
}

func (e *EventLog) Switched(mt media.Type, path string, latency time.Duration) {
	e.logger.WithFields(logrus.Fields{
		"media_type": mt.String(),
		"path":       path,
		"latency_ms": float64(latency) / float64(time.Millisecond),
	}).Info("switch")
}

func (e *EventLog) LoopRestarted(mt media.Type, path string, latency time.Duration) {
	e.logger.WithFields(logrus.Fields{
		"media_type": mt.String(),
		"path":       path,
		"latency_ms": float64(latency) / float64(time.Millisecond),
	}).Info("loop")
}

func (e *EventLog) StreamError(mt media.Type, err error) {
	e.logger.WithFields(logrus.Fields{
		"media_type": mt.String(),
		"kind":       metrics.ErrorKind(err),
		"error":      err.Error(),
	}).Warn("error")
}

// Correction 记录一次完成的漂移纠正
func (e *EventLog) Correction(c clock.Correction) {
	e.logger.WithFields(logrus.Fields{
		"stream":    c.Stream,
		"action":    c.Action,
		"before_ms": float64(c.Before) / float64(time.Millisecond),
		"after_ms":  float64(c.After) / float64(time.Millisecond),
		"applied":   c.Applied,
	}).Info("drift_correction")
}

// Recording 记录录制开始/结束
func (e *EventLog) Recording(event, path string, err error) {
	entry := e.logger.WithFields(logrus.Fields{"path": path})
	if err != nil {
		entry.WithField("error", err.Error()).Warn(event)
		return
	}
	entry.Info(event)
}

// Close 关闭日志文件
func (e *EventLog) Close() error {
	return e.writer.Close()
}
