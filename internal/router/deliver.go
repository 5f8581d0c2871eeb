package router

import (
	"context"
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/clock"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

const (
	// maxLag 投递落后超过该值时重新对齐时钟，而不是突发追赶
	maxLag = 500 * time.Millisecond

	// reinitInterval 设备不可用后重新初始化的间隔
	reinitInterval = time.Second
)

// pickKind describes where a delivered unit came from
type pickKind int

const (
	pickContent pickKind = iota
	// pickHold is a correction that holds content (repeat or inserted silence)
	pickHold
	// pickFill covers an underrun
	pickFill
	// pickEnded holds the last unit after a non-looping source finished
	pickEnded
)

// deliverer 投递循环：按单元时长节拍从当前源取出单元，重定时后写入设备
type deliverer struct {
	s   *stream
	clk clock.Clock

	// origin + slot is when the next unit is due; slot is also its output PTS
	origin time.Duration
	slot   time.Duration
	seq    uint64

	// content 真实内容在共享时钟上的位置，上报给 ClockSync
	content time.Duration

	last   media.Unit
	format media.Format

	// latencyFor is the swapped-in source whose first delivery completes a switch
	latencyFor *source
	requested  time.Time

	sinkDown bool
	retryAt  time.Duration
}

func newDeliverer(s *stream, format media.Format) *deliverer {
	clk := s.r.sync.Clock()
	now := clk.Now()
	return &deliverer{
		s:       s,
		clk:     clk,
		origin:  now,
		content: now,
		format:  format,
	}
}

func (d *deliverer) period() time.Duration {
	if d.last != nil && d.last.Length() > 0 {
		return d.last.Length()
	}
	if d.s.mediaType == media.TypeAudio {
		return d.s.r.config().AudioBlock
	}
	if d.format.FrameRate > 0 {
		return media.FrameDuration(float64(d.format.FrameRate))
	}
	return media.FrameDuration(30)
}

func (d *deliverer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	s := d.s
	s.logger.Debug("Delivery loop started")
	defer s.logger.Debug("Delivery loop stopped")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due := d.origin + d.slot
		wait := due - d.clk.Now()
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else if -wait > maxLag {
			s.logger.Warnf("Delivery fell %v behind, realigning", -wait)
			d.origin = d.clk.Now() - d.slot
		}
		if ctx.Err() != nil {
			return
		}

		if !d.step(ctx) {
			return
		}
	}
}

// swapIfReady completes a pending switch once its preload lead is buffered
// or the preload timeout has passed.
func (d *deliverer) swapIfReady() *source {
	s := d.s
	cur := s.current.Load()
	p := s.pending.Load()
	if p == nil {
		s.state.CompareAndSwap(StateSwitching, StateStreaming)
		return cur
	}
	requested := time.Unix(0, s.switchAt.Load())
	if !p.isReady() && time.Since(requested) < s.r.config().PreloadTimeout {
		return cur
	}
	if !s.pending.CompareAndSwap(p, nil) {
		return cur
	}

	old := s.current.Swap(p)
	if old != nil {
		old.closeAsync()
	}
	d.latencyFor = p
	d.requested = requested
	if s.pending.Load() == nil {
		s.state.CompareAndSwap(StateSwitching, StateStreaming)
	}
	s.logger.Infof("Switched %s stream to %s (%d units buffered)", s.mediaType, p.path, p.buf.Len())
	return p
}

// pick selects the next unit, applying a pending drift correction
func (d *deliverer) pick(src *source, action clock.Action) (media.Unit, pickKind, time.Duration) {
	switch action {
	case clock.ActionRepeat:
		if d.last != nil {
			return d.last, pickHold, 0
		}
	case clock.ActionInsertSilence:
		if blk, ok := d.last.(*media.TimedSample); ok {
			return blk.Silence(), pickHold, 0
		}
	}

	var skipped time.Duration
	if action == clock.ActionSkip && src != nil {
		if u, ok := src.buf.Pop(); ok {
			skipped = u.Length()
		}
	}

	if src != nil {
		if u, ok := src.buf.Pop(); ok {
			return u, pickContent, skipped
		}
	}

	kind := pickFill
	if src != nil && src.finished.Load() && src.failure() == nil {
		kind = pickEnded
	}
	if d.s.mediaType == media.TypeVideo {
		if d.last == nil {
			return nil, kind, skipped
		}
		return d.last, kind, skipped
	}
	if blk, ok := d.last.(*media.TimedSample); ok {
		return blk.Silence(), kind, skipped
	}
	cfg := d.s.r.config()
	return media.NewSilence(cfg.AudioBlock, d.format.SampleRate, d.format.Channels), kind, skipped
}

// step delivers one unit. It returns false when the stream must stop.
func (d *deliverer) step(ctx context.Context) bool {
	s := d.s
	src := d.swapIfReady()
	action := s.r.sync.Take(s.mediaType)

	unit, kind, skipped := d.pick(src, action)
	if unit == nil {
		d.slot += d.period()
		return true
	}

	if kind == pickContent {
		d.last = unit
		d.content += skipped + unit.Length()
	}
	if kind == pickFill {
		s.underruns.Add(1)
		s.r.observer.Underrun(s.mediaType)
	}

	if format := unit.Format(); !format.SameShape(d.format) {
		if err := s.out.Reconfigure(format); err != nil {
			s.setLastError(err)
			s.r.observer.StreamError(s.mediaType, err)
			s.logger.WithField("recent", s.trace.String()).Errorf("Failed to reconfigure output for %s: %v", format, err)
			if s.mediaType == media.TypeAudio && sink.IsKind(err, sink.FormatRejected) {
				d.abandon()
				return false
			}
		}
		d.format = format
	}

	length := unit.Length()
	if length <= 0 {
		length = d.period()
	}

	s.deliverMu.Lock()
	out := d.prepare(unit)
	out = out.Rebased(d.slot, d.seq+1)
	ok := d.write(ctx, out)
	s.deliverMu.Unlock()
	d.slot += length

	if !ok {
		return ctx.Err() == nil
	}

	d.seq++
	s.delivered.Add(1)
	s.trace.add(out.Sequence(), out.Timestamp())
	s.r.observer.Delivered(s.mediaType, out)
	s.publish(out)

	if kind == pickContent || kind == pickHold {
		s.r.sync.Report(s.mediaType, d.content)
	}
	if kind == pickContent && d.latencyFor != nil && d.latencyFor == src {
		latency := time.Since(d.requested)
		s.lastSwitchLatency.Store(int64(latency))
		s.r.observer.Switched(s.mediaType, src.path, latency)
		s.logger.Infof("Switch to %s completed in %v", src.path, latency)
		d.latencyFor = nil
	}
	return true
}

// abandon 设备拒绝格式后结束流：关闭所有源并回到 idle，与 stop 的终态一致
func (d *deliverer) abandon() {
	s := d.s
	s.state.Store(StateStopping)
	if p := s.pending.Swap(nil); p != nil {
		p.close()
	}
	if c := s.current.Swap(nil); c != nil {
		c.close()
	}
	s.r.sync.Forget(s.mediaType)
	s.state.Store(StateIdle)
	s.logger.Warnf("%s stream stopped: output rejected the source format", s.mediaType)
}

// prepare applies mute and volume; called with deliverMu held
func (d *deliverer) prepare(unit media.Unit) media.Unit {
	s := d.s
	switch u := unit.(type) {
	case *media.TimedSample:
		if s.muted.Load() {
			return u.Silence()
		}
		return u.WithGain(s.loadVolume())
	case *media.TimedFrame:
		if s.muted.Load() {
			return blackFrame(u)
		}
	}
	return unit
}

// write delivers to the device, re-initializing it after DeviceUnavailable
func (d *deliverer) write(ctx context.Context, out media.Unit) bool {
	s := d.s
	if d.sinkDown {
		now := d.clk.Now()
		if now < d.retryAt {
			return false
		}
		if err := s.out.Initialize(ctx, s.backends, d.format); err != nil {
			d.retryAt = now + reinitInterval
			return false
		}
		d.sinkDown = false
		s.setLastError(nil)
		s.logger.Infof("%s output recovered on %s", s.mediaType, s.out.ActiveBackend())
	}

	err := s.out.Deliver(ctx, out)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	s.setLastError(err)
	s.r.observer.StreamError(s.mediaType, err)
	s.logger.WithField("recent", s.trace.String()).Errorf("Failed to deliver %s unit #%d: %v",
		s.mediaType, out.Sequence(), err)
	if sink.IsKind(err, sink.DeviceUnavailable) {
		d.sinkDown = true
		d.retryAt = d.clk.Now() + reinitInterval
	}
	return false
}

// blackFrame returns an all-zero frame shaped like f
func blackFrame(f *media.TimedFrame) *media.TimedFrame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	return &c
}
