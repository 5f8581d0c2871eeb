package recording

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/clock"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/router"
)

// run 一次录制：从订阅队列读取单元，按自己的写入游标重定时后交给封装器
type run struct {
	session  *Session
	id       string
	path     string
	preset   Preset
	settings EncoderSettings
	muxer    Muxer
	logger   *logrus.Entry

	tapName string
	video   *router.Tap
	audio   *router.Tap

	period    time.Duration
	block     time.Duration
	corrector clock.Corrector
	interval  time.Duration
	start     time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	// mux goroutine only; Stop reads them after done is closed
	lastOut   *media.TimedFrame
	skipVideo int
	skipAudio int
	err       error
	warned    bool

	errMu  sync.Mutex
	errMsg string

	vCursor     atomic.Int64
	aCursor     atomic.Int64
	frames      atomic.Uint64
	blocks      atomic.Uint64
	corrections atomic.Uint64
	degraded    atomic.Bool

	segMu    sync.Mutex
	segments []Segment
	openSeg  [2]int
}

func (r *run) loop(ctx context.Context) {
	defer close(r.done)

	interval := r.interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	resync := time.NewTicker(interval)
	defer resync.Stop()
	fill := time.NewTicker(fillInterval)
	defer fill.Stop()

	vc, ac := r.video.C(), r.audio.C()
	for r.err == nil {
		select {
		case <-ctx.Done():
			r.drain(vc, ac)
			return
		case u, ok := <-vc:
			if !ok {
				vc = nil
				continue
			}
			r.onVideo(u)
		case u, ok := <-ac:
			if !ok {
				ac = nil
				continue
			}
			r.onAudio(u)
		case <-resync.C:
			r.resync()
		case <-fill.C:
			r.fill(vc == nil, ac == nil)
		}
	}

	r.logger.Errorf("Recording write failed: %v", r.err)
}

// drain writes units still queued when Stop was called
func (r *run) drain(vc, ac <-chan media.Unit) {
	for r.err == nil {
		select {
		case u, ok := <-vc:
			if !ok {
				vc = nil
				continue
			}
			r.onVideo(u)
		case u, ok := <-ac:
			if !ok {
				ac = nil
				continue
			}
			r.onAudio(u)
		default:
			return
		}
	}
}

func (r *run) setErr(err error) {
	r.err = err
	r.errMu.Lock()
	r.errMsg = err.Error()
	r.errMu.Unlock()
}

func (r *run) errText() string {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.errMsg
}

func (r *run) onVideo(u media.Unit) {
	f, ok := u.(*media.TimedFrame)
	if !ok {
		return
	}
	r.endSegment(media.TypeVideo)

	out := f
	if f.Width != r.settings.Width || f.Height != r.settings.Height {
		out = f.Scaled(r.settings.Width, r.settings.Height)
	}
	if r.skipVideo > 0 {
		r.skipVideo--
		r.lastOut = out
		return
	}
	r.writeFrame(out)
}

func (r *run) onAudio(u media.Unit) {
	b, ok := u.(*media.TimedSample)
	if !ok {
		return
	}
	if b.SampleRate != r.settings.SampleRate || b.Channels != r.settings.Channels {
		if !r.warned {
			r.logger.Warnf("Dropping audio %dHz/%dch, recording expects %dHz/%dch",
				b.SampleRate, b.Channels, r.settings.SampleRate, r.settings.Channels)
			r.warned = true
		}
		return
	}
	r.endSegment(media.TypeAudio)
	if b.Duration > 0 {
		r.block = b.Duration
	}
	if r.skipAudio > 0 {
		r.skipAudio--
		return
	}
	r.writeBlock(b)
}

func (r *run) writeFrame(f *media.TimedFrame) {
	c := *f
	c.PTS = time.Duration(r.vCursor.Load())
	c.Duration = r.period
	c.Seq = r.frames.Load() + 1
	if err := r.muxer.WriteVideo(&c); err != nil {
		r.setErr(err)
		return
	}
	r.lastOut = f
	r.vCursor.Add(int64(r.period))
	r.frames.Add(1)
}

// repeatFrame writes the last frame again, or black before any frame arrived
func (r *run) repeatFrame() {
	f := r.lastOut
	if f == nil {
		f = &media.TimedFrame{
			Data:        make([]byte, media.PixelFormatRGB24.FrameSize(r.settings.Width, r.settings.Height)),
			Width:       r.settings.Width,
			Height:      r.settings.Height,
			PixelFormat: media.PixelFormatRGB24,
		}
	}
	r.writeFrame(f)
}

func (r *run) writeBlock(b *media.TimedSample) {
	length := b.Duration
	if length <= 0 {
		length = media.SamplesDuration(b.Frames(), b.SampleRate)
	}
	c := *b
	c.PTS = time.Duration(r.aCursor.Load())
	c.Seq = r.blocks.Load() + 1
	if err := r.muxer.WriteAudio(&c); err != nil {
		r.setErr(err)
		return
	}
	r.aCursor.Add(int64(length))
	r.blocks.Add(1)
}

func (r *run) writeSilence() {
	r.writeBlock(media.NewSilence(r.block, r.settings.SampleRate, r.settings.Channels))
}

// resync compares the write cursors and corrects the non-master stream
// by as many whole units as the drift spans.
func (r *run) resync() {
	if r.frames.Load() == 0 || r.blocks.Load() == 0 || r.skipVideo > 0 || r.skipAudio > 0 {
		return
	}
	drift := time.Duration(r.aCursor.Load() - r.vCursor.Load())
	target, action := r.corrector.Decide(drift)
	if action == clock.ActionNone {
		return
	}

	abs := drift
	if abs < 0 {
		abs = -abs
	}
	unit := r.period
	if target == media.TypeAudio {
		unit = r.block
	}
	n := int(abs / unit)
	if n < 1 {
		n = 1
	}

	// drift > 0: the video cursor is behind audio
	switch {
	case target == media.TypeVideo && drift > 0:
		for i := 0; i < n && r.err == nil; i++ {
			r.repeatFrame()
		}
	case target == media.TypeVideo:
		r.skipVideo += n
	case drift < 0:
		for i := 0; i < n && r.err == nil; i++ {
			r.writeSilence()
		}
	default:
		r.skipAudio += n
	}
	r.corrections.Add(1)
	r.logger.Debugf("Recording drift %v, corrected %s by %d units", drift, target, n)
}

// fill keeps a stopped stream's track advancing with the last frame or silence
func (r *run) fill(videoClosed, audioClosed bool) {
	elapsed := r.session.clock.Now() - r.start

	if (videoClosed || !r.session.feed.IsActive(media.TypeVideo)) && len(r.video.C()) == 0 {
		if time.Duration(r.vCursor.Load())+r.period <= elapsed {
			r.beginSegment(media.TypeVideo)
			for time.Duration(r.vCursor.Load())+r.period <= elapsed && r.err == nil {
				r.repeatFrame()
			}
			r.extendSegment(media.TypeVideo)
		}
	}
	if (audioClosed || !r.session.feed.IsActive(media.TypeAudio)) && len(r.audio.C()) == 0 {
		if time.Duration(r.aCursor.Load())+r.block <= elapsed {
			r.beginSegment(media.TypeAudio)
			for time.Duration(r.aCursor.Load())+r.block <= elapsed && r.err == nil {
				r.writeSilence()
			}
			r.extendSegment(media.TypeAudio)
		}
	}
}

// pad extends the shorter track so both end within one unit of each other
func (r *run) pad() {
	for time.Duration(r.aCursor.Load()-r.vCursor.Load()) >= r.period && r.err == nil {
		r.repeatFrame()
	}
	for time.Duration(r.vCursor.Load()-r.aCursor.Load()) >= r.block && r.err == nil {
		r.writeSilence()
	}
}

func (r *run) cursor(mt media.Type) time.Duration {
	if mt == media.TypeVideo {
		return time.Duration(r.vCursor.Load())
	}
	return time.Duration(r.aCursor.Load())
}

func (r *run) beginSegment(mt media.Type) {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	if r.openSeg[mt] != 0 {
		return
	}
	at := r.cursor(mt)
	r.segments = append(r.segments, Segment{Stream: mt.String(), Start: at, End: at})
	r.openSeg[mt] = len(r.segments)
	r.degraded.Store(true)
	r.logger.Warnf("%s stream stopped, recording degraded from %v", mt, at)
}

func (r *run) extendSegment(mt media.Type) {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	if i := r.openSeg[mt]; i != 0 {
		r.segments[i-1].End = r.cursor(mt)
	}
}

func (r *run) endSegment(mt media.Type) {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	i := r.openSeg[mt]
	if i == 0 {
		return
	}
	r.segments[i-1].End = r.cursor(mt)
	r.openSeg[mt] = 0
	r.logger.Infof("%s stream resumed at %v", mt, r.segments[i-1].End)
}

func (r *run) segmentsSnapshot() []Segment {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	return append([]Segment(nil), r.segments...)
}
