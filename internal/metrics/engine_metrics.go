package metrics

import (
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

// latencyBuckets 切换与循环重启延迟分布 (秒)，200ms/50ms 预算附近加密
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.2, 0.3, 0.5, 1}

// EngineMetrics 路由、同步、设备与录制指标。
// 方法签名与 router.Observer 一致，可直接作为路由观察者使用
type EngineMetrics struct {
	// 投递
	delivered Counter
	underruns Counter
	dropped   Counter
	errors    Counter

	// 缓冲水位
	bufferFill     Gauge
	bufferCapacity Gauge
	active         Gauge

	// 延迟
	switchLatency Histogram
	loopLatency   Histogram

	// 同步
	drift       Gauge
	corrections Counter

	// 设备
	sinkFailures Counter

	// 录制
	recordingBytes  Gauge
	recordingActive Gauge
}

// NewEngineMetrics 在 m 上注册引擎指标
func NewEngineMetrics(m Metrics) (*EngineMetrics, error) {
	em := &EngineMetrics{}
	var err error

	typeLabel := []string{"media_type"}

	if em.delivered, err = m.RegisterCounter("units_delivered_total",
		"Units written to the virtual device", typeLabel); err != nil {
		return nil, err
	}
	if em.underruns, err = m.RegisterCounter("underruns_total",
		"Delivery cycles filled with a repeated frame or silence", typeLabel); err != nil {
		return nil, err
	}
	if em.dropped, err = m.RegisterCounter("units_dropped_total",
		"Units lost to buffer overflow or sequence gaps", typeLabel); err != nil {
		return nil, err
	}
	if em.errors, err = m.RegisterCounter("stream_errors_total",
		"Stream errors by kind", []string{"media_type", "kind"}); err != nil {
		return nil, err
	}

	if em.bufferFill, err = m.RegisterGauge("buffer_fill_units",
		"Units waiting in the stream buffer", typeLabel); err != nil {
		return nil, err
	}
	if em.bufferCapacity, err = m.RegisterGauge("buffer_capacity_units",
		"Stream buffer capacity", typeLabel); err != nil {
		return nil, err
	}
	if em.active, err = m.RegisterGauge("stream_active",
		"1 while the stream is delivering", typeLabel); err != nil {
		return nil, err
	}

	if em.switchLatency, err = m.RegisterHistogram("switch_latency_seconds",
		"Time from a switch request to the first unit of the new source", typeLabel, latencyBuckets); err != nil {
		return nil, err
	}
	if em.loopLatency, err = m.RegisterHistogram("loop_restart_latency_seconds",
		"Time to seek a looping source back to zero", typeLabel, latencyBuckets); err != nil {
		return nil, err
	}

	if em.drift, err = m.RegisterGauge("sync_drift_seconds",
		"Audio minus video presentation offset", nil); err != nil {
		return nil, err
	}
	if em.corrections, err = m.RegisterCounter("sync_corrections_total",
		"Drift corrections applied", []string{"stream", "action"}); err != nil {
		return nil, err
	}

	if em.sinkFailures, err = m.RegisterCounter("sink_failures_total",
		"Virtual device failures by kind", []string{"media_type", "kind"}); err != nil {
		return nil, err
	}

	if em.recordingBytes, err = m.RegisterGauge("recording_bytes",
		"Bytes written by the current recording", nil); err != nil {
		return nil, err
	}
	if em.recordingActive, err = m.RegisterGauge("recording_active",
		"1 while a recording is running", nil); err != nil {
		return nil, err
	}

	return em, nil
}

func (em *EngineMetrics) Delivered(mt media.Type, _ media.Unit) { em.delivered.Inc(mt.String()) }
func (em *EngineMetrics) Underrun(mt media.Type)                { em.underruns.Inc(mt.String()) }

func (em *EngineMetrics) Dropped(mt media.Type, n uint64) {
	em.dropped.Add(float64(n), mt.String())
}

func (em *EngineMetrics) Switched(mt media.Type, _ string, latency time.Duration) {
	em.switchLatency.Observe(latency.Seconds(), mt.String())
}

func (em *EngineMetrics) LoopRestarted(mt media.Type, _ string, latency time.Duration) {
	em.loopLatency.Observe(latency.Seconds(), mt.String())
}

// StreamError counts err under its decoder or sink kind
func (em *EngineMetrics) StreamError(mt media.Type, err error) {
	kind := ErrorKind(err)
	em.errors.Inc(mt.String(), kind)
	if _, ok := sink.KindOf(err); ok {
		em.sinkFailures.Inc(mt.String(), kind)
	}
}

// ErrorKind returns the typed kind of err, or "other"
func ErrorKind(err error) string {
	if k, ok := decoder.KindOf(err); ok {
		return k.String()
	}
	if k, ok := sink.KindOf(err); ok {
		return k.String()
	}
	return "other"
}

// SetBuffer 更新缓冲水位
func (em *EngineMetrics) SetBuffer(mt media.Type, fill, capacity int, active bool) {
	em.bufferFill.Set(float64(fill), mt.String())
	em.bufferCapacity.Set(float64(capacity), mt.String())
	v := 0.0
	if active {
		v = 1
	}
	em.active.Set(v, mt.String())
}

// SetDrift 更新当前漂移
func (em *EngineMetrics) SetDrift(d time.Duration) {
	em.drift.Set(d.Seconds())
}

// Correction 记录一次同步纠正
func (em *EngineMetrics) Correction(stream, action string) {
	em.corrections.Inc(stream, action)
}

// SetRecording 更新录制状态
func (em *EngineMetrics) SetRecording(active bool, bytes int64) {
	if !active {
		em.recordingActive.Set(0)
		return
	}
	em.recordingActive.Set(1)
	em.recordingBytes.Set(float64(bytes))
}
