package router

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/buffer"
	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// source 一个已打开的解码器及其解码循环
type source struct {
	stream *stream
	path   string
	dec    decoder.Decoder
	info   media.Info
	buf    *buffer.TimedBuffer[media.Unit]
	logger *logrus.Entry

	// preload 达到后关闭 ready
	preload   int
	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// finished is set when the decode loop exits (EOF without loop, error or cancel)
	finished atomic.Bool

	mu      sync.Mutex
	failErr error

	// delivered is set once the delivery loop has sent a unit of this source
	delivered atomic.Bool

	// decode goroutine only
	loopOffset time.Duration
	lastEnd    time.Duration
	lastSeq    uint64
	restarts   uint64
}

func newSource(s *stream, path string, dec decoder.Decoder, capacity, preload int) *source {
	ctx, cancel := context.WithCancel(context.Background())
	if preload > capacity {
		preload = capacity
	}
	return &source{
		stream:  s,
		path:    path,
		dec:     dec,
		info:    dec.Info(),
		buf:     buffer.New[media.Unit](capacity),
		logger:  s.logger.WithField("source", path),
		preload: preload,
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (src *source) start() {
	go src.decodeLoop()
}

func (src *source) markReady() {
	src.readyOnce.Do(func() { close(src.ready) })
}

// isReady reports whether the preload lead is buffered or no more units will come
func (src *source) isReady() bool {
	select {
	case <-src.ready:
		return true
	default:
		return false
	}
}

// failure returns the error that ended the decode loop, if any
func (src *source) failure() error {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.failErr
}

// decodeLoop fills the buffer, waiting for space instead of evicting
func (src *source) decodeLoop() {
	defer close(src.done)
	defer src.finished.Store(true)
	defer src.markReady()

	s := src.stream
	for {
		if src.ctx.Err() != nil {
			return
		}
		if src.buf.Full() {
			select {
			case <-src.ctx.Done():
				return
			case <-src.buf.Space():
			}
			continue
		}

		unit, err := src.dec.Next(src.ctx)
		if errors.Is(err, io.EOF) {
			if !s.loop.Load() {
				src.logger.Debug("Source reached end of stream")
				return
			}
			if err := src.restart(); err != nil {
				src.fail(err)
				return
			}
			continue
		}
		if err != nil {
			if src.ctx.Err() != nil {
				return
			}
			src.fail(err)
			return
		}

		if src.lastSeq != 0 && unit.Sequence() > src.lastSeq+1 {
			gap := unit.Sequence() - src.lastSeq - 1
			s.dropped.Add(gap)
			s.r.observer.Dropped(s.mediaType, gap)
		}
		src.lastSeq = unit.Sequence()

		pts := unit.Timestamp() + src.loopOffset
		if pts < src.lastEnd {
			pts = src.lastEnd
		}
		src.lastEnd = pts + unit.Length()
		if pts != unit.Timestamp() {
			unit = unit.Rebased(pts, unit.Sequence())
		}

		if src.buf.Push(unit) {
			s.dropped.Add(1)
			s.r.observer.Dropped(s.mediaType, 1)
		}
		if src.buf.Len() >= src.preload {
			src.markReady()
		}
	}
}

// restart seeks back to zero and continues the source timeline after the last unit
func (src *source) restart() error {
	s := src.stream
	started := time.Now()
	if err := src.dec.Restart(src.ctx); err != nil {
		return err
	}
	latency := time.Since(started)

	src.loopOffset = src.lastEnd
	src.restarts++
	s.loops.Add(1)
	s.r.observer.LoopRestarted(s.mediaType, src.path, latency)

	budget := s.r.config().LoopRestartBudget
	if budget > 0 && latency > budget {
		src.logger.Warnf("Loop restart took %v (budget %v)", latency, budget)
	} else {
		src.logger.Debugf("Loop restart #%d took %v", src.restarts, latency)
	}
	return nil
}

func (src *source) fail(err error) {
	src.mu.Lock()
	src.failErr = err
	src.mu.Unlock()
	s := src.stream
	s.setLastError(err)
	s.r.observer.StreamError(s.mediaType, err)
	s.logger.WithField("recent", s.trace.String()).Errorf("Decoding %s failed: %v", src.path, err)
}

// close cancels the decode loop, waits for it and closes the decoder
func (src *source) close() {
	src.cancel()
	<-src.done
	if err := src.dec.Close(); err != nil {
		src.logger.Debugf("Failed to close decoder: %v", err)
	}
	src.buf.Clear()
}

// closeAsync tears the source down without blocking the caller
func (src *source) closeAsync() {
	go src.close()
}
