package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// startTimeout bounds how long Start waits for the first decoded units
const startTimeout = 3 * time.Second

// State 流状态
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateStreaming
	StateSwitching
	StateStopping
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateSwitching:
		return "switching"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) active() bool {
	return s == StateStreaming || s == StateSwitching
}

type stateValue struct{ v atomic.Int32 }

func (b *stateValue) Load() State   { return State(b.v.Load()) }
func (b *stateValue) Store(s State) { b.v.Store(int32(s)) }

func (b *stateValue) CompareAndSwap(old, n State) bool {
	return b.v.CompareAndSwap(int32(old), int32(n))
}

// Status 单路流状态
type Status struct {
	MediaType         string        `json:"media_type"`
	State             string        `json:"state"`
	IsActive          bool          `json:"is_active"`
	CurrentPath       string        `json:"current_path,omitempty"`
	PendingPath       string        `json:"pending_path,omitempty"`
	Loop              bool          `json:"loop"`
	Volume            float64       `json:"volume"`
	Muted             bool          `json:"muted"`
	Elapsed           time.Duration `json:"elapsed"`
	BufferFillCount   int           `json:"buffer_fill_count"`
	BufferCapacity    int           `json:"buffer_capacity"`
	DropCount         uint64        `json:"drop_count"`
	Delivered         uint64        `json:"delivered"`
	Underruns         uint64        `json:"underruns"`
	Loops             uint64        `json:"loops"`
	Switches          uint64        `json:"switches"`
	ActiveBackend     string        `json:"active_backend,omitempty"`
	LastSwitchLatency time.Duration `json:"last_switch_latency"`
	LastError         string        `json:"last_error,omitempty"`
	Source            *media.Info   `json:"source,omitempty"`
}

// stream 单一媒体类型的流水线
type stream struct {
	r         *Router
	mediaType media.Type
	out       Output
	backends  []string
	logger    *logrus.Entry

	// ctrl 串行化 start/switch/stop
	ctrl      sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}

	state  stateValue
	volume atomic.Uint64
	muted  atomic.Bool
	loop   atomic.Bool

	// deliverMu 覆盖一次投递的读取音量到写入设备
	deliverMu sync.Mutex

	current  atomic.Pointer[source]
	pending  atomic.Pointer[source]
	switchAt atomic.Int64
	started  atomic.Int64

	delivered         atomic.Uint64
	underruns         atomic.Uint64
	dropped           atomic.Uint64
	loops             atomic.Uint64
	switches          atomic.Uint64
	lastSwitchLatency atomic.Int64
	lastErr           atomic.Value

	trace *traceRing

	tapMu sync.RWMutex
	taps  map[string]*Tap
}

func newStream(r *Router, mt media.Type, out Output, backends []string) *stream {
	s := &stream{
		r:         r,
		mediaType: mt,
		out:       out,
		backends:  backends,
		logger:    r.logger.WithField("stream", mt.String()),
		trace:     newTraceRing(r.config().ErrorHistory),
		taps:      make(map[string]*Tap),
	}
	s.storeVolume(r.config().DefaultVolume)
	s.lastErr.Store("")
	return s
}

func (s *stream) storeVolume(v float64) {
	s.volume.Store(math.Float64bits(v))
}

func (s *stream) loadVolume() float64 {
	return math.Float64frombits(s.volume.Load())
}

func (s *stream) setLastError(err error) {
	if err == nil {
		s.lastErr.Store("")
		return
	}
	s.lastErr.Store(err.Error())
}

func (s *stream) capacity() (int, int) {
	cfg := s.r.config()
	if s.mediaType == media.TypeVideo {
		return cfg.VideoBufferFrames, cfg.VideoPreloadUnits
	}
	return cfg.AudioBufferUnits(), cfg.AudioPreloadUnits
}

// open validates the path and starts its decode loop
func (s *stream) open(ctx context.Context, path string) (*source, error) {
	if strings.TrimSpace(path) == "" {
		return nil, decoder.NewError(decoder.IoFailure, path, "open", errors.New("empty path"))
	}
	dec, err := s.r.opener.Open(ctx, path, s.mediaType)
	if err != nil {
		return nil, err
	}
	if info := dec.Info(); info.Type != s.mediaType {
		_ = dec.Close()
		return nil, decoder.NewError(decoder.UnsupportedFormat, path, "open",
			fmt.Errorf("source is %s, expected %s", info.Type, s.mediaType))
	}
	capacity, preload := s.capacity()
	src := newSource(s, path, dec, capacity, preload)
	src.start()
	return src, nil
}

func (s *stream) start(ctx context.Context, path string, loop bool, volume float64) error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	s.loop.Store(loop)
	s.storeVolume(volume)
	if s.state.Load().active() {
		return s.switchLocked(ctx, path)
	}

	s.cleanupLocked()
	s.setLastError(nil)
	s.state.Store(StateInitializing)
	s.logger.Infof("Starting %s stream: %s (loop=%v)", s.mediaType, path, loop)

	src, err := s.open(ctx, path)
	if err != nil {
		s.state.Store(StateIdle)
		s.setLastError(err)
		return err
	}

	first, err := s.awaitFirst(ctx, src)
	if err != nil {
		src.close()
		s.state.Store(StateIdle)
		s.setLastError(err)
		return err
	}

	format := first.Format()
	if err := s.out.Initialize(ctx, s.backends, format); err != nil {
		src.close()
		s.state.Store(StateIdle)
		s.setLastError(err)
		s.logger.Errorf("Failed to initialize %s output: %v", s.mediaType, err)
		return err
	}

	// 预加载期间的解码错误保留在 last_error 中
	if ferr := src.failure(); ferr != nil {
		s.setLastError(ferr)
	}
	s.current.Store(src)
	s.started.Store(time.Now().UnixNano())

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.runDone = make(chan struct{})
	d := newDeliverer(s, format)
	s.state.Store(StateStreaming)
	go d.run(runCtx, s.runDone)

	s.logger.Infof("%s stream started on %s (%s)", s.mediaType, s.out.ActiveBackend(), format)
	return nil
}

// awaitFirst waits until the source has buffered its preload lead and returns the first unit
func (s *stream) awaitFirst(ctx context.Context, src *source) (media.Unit, error) {
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	select {
	case <-src.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	first, ok := src.buf.Peek()
	if ok {
		return first, nil
	}
	if err := src.failure(); err != nil {
		return nil, err
	}
	return nil, decoder.NewError(decoder.CorruptStream, src.path, "start", errors.New("source produced no units"))
}

func (s *stream) switchTo(ctx context.Context, path string) error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()
	return s.switchLocked(ctx, path)
}

func (s *stream) switchLocked(ctx context.Context, path string) error {
	if !s.state.Load().active() {
		return ErrNotStreaming
	}
	requested := time.Now()

	src, err := s.open(ctx, path)
	if err != nil {
		s.setLastError(err)
		s.logger.Warnf("Switch to %s rejected: %v", path, err)
		return err
	}

	// pending 先于状态发布，投递循环看到 switching 时 pending 已就位
	s.switchAt.Store(requested.UnixNano())
	if old := s.pending.Swap(src); old != nil {
		s.logger.Infof("Cancelled pending switch to %s", old.path)
		old.closeAsync()
	}
	if !s.state.CompareAndSwap(StateStreaming, StateSwitching) && s.state.Load() != StateSwitching {
		// 投递循环已自行停止
		if p := s.pending.Swap(nil); p != nil {
			p.closeAsync()
		}
		return ErrNotStreaming
	}
	s.switches.Add(1)
	s.logger.Infof("Switching %s stream to %s", s.mediaType, path)
	return nil
}

func (s *stream) stop(ctx context.Context, release bool) error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	if s.state.Load() != StateIdle {
		s.state.Store(StateStopping)
		s.logger.Infof("Stopping %s stream", s.mediaType)
	}

	if err := s.haltLocked(ctx); err != nil {
		return err
	}
	s.cleanupLocked()
	s.r.sync.Forget(s.mediaType)
	s.state.Store(StateIdle)

	if release {
		if err := s.out.Release(); err != nil {
			s.setLastError(err)
			return fmt.Errorf("failed to release %s output: %w", s.mediaType, err)
		}
	}
	return nil
}

// haltLocked stops the delivery loop and waits for it
func (s *stream) haltLocked(ctx context.Context) error {
	if s.runCancel == nil {
		return nil
	}
	s.runCancel()
	select {
	case <-s.runDone:
	case <-ctx.Done():
		return fmt.Errorf("timed out stopping %s delivery: %w", s.mediaType, ctx.Err())
	}
	s.runCancel = nil
	return nil
}

// cleanupLocked tears down sources left by a stopped or failed delivery loop
func (s *stream) cleanupLocked() {
	if s.runCancel != nil {
		s.runCancel()
		<-s.runDone
		s.runCancel = nil
	}
	if p := s.pending.Swap(nil); p != nil {
		p.close()
	}
	if c := s.current.Swap(nil); c != nil {
		c.close()
	}
}

func (s *stream) setVolume(v float64) {
	s.storeVolume(v)
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

func (s *stream) setMuted(m bool) {
	s.muted.Store(m)
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
	s.logger.Infof("%s stream muted=%v", s.mediaType, m)
}

func (s *stream) subscribe(name string, capacity int) *Tap {
	t := NewTap(s.mediaType, name, capacity)
	s.tapMu.Lock()
	old := s.taps[name]
	s.taps[name] = t
	s.tapMu.Unlock()
	if old != nil {
		old.Close()
	}
	return t
}

func (s *stream) unsubscribe(name string) {
	s.tapMu.Lock()
	t := s.taps[name]
	delete(s.taps, name)
	s.tapMu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (s *stream) publish(u media.Unit) {
	s.tapMu.RLock()
	defer s.tapMu.RUnlock()
	for _, t := range s.taps {
		t.Publish(u)
	}
}

func (s *stream) closeTaps() {
	s.tapMu.Lock()
	taps := s.taps
	s.taps = make(map[string]*Tap)
	s.tapMu.Unlock()
	for _, t := range taps {
		t.Close()
	}
}

func (s *stream) status() Status {
	st := s.state.Load()
	out := Status{
		MediaType:         s.mediaType.String(),
		State:             st.String(),
		IsActive:          st.active(),
		Loop:              s.loop.Load(),
		Volume:            s.loadVolume(),
		Muted:             s.muted.Load(),
		DropCount:         s.dropped.Load(),
		Delivered:         s.delivered.Load(),
		Underruns:         s.underruns.Load(),
		Loops:             s.loops.Load(),
		Switches:          s.switches.Load(),
		ActiveBackend:     s.out.ActiveBackend(),
		LastSwitchLatency: time.Duration(s.lastSwitchLatency.Load()),
	}
	out.LastError, _ = s.lastErr.Load().(string)

	if cur := s.current.Load(); cur != nil {
		out.CurrentPath = cur.path
		out.BufferFillCount = cur.buf.Len()
		out.BufferCapacity = cur.buf.Cap()
		info := cur.info
		out.Source = &info
	} else {
		out.BufferCapacity, _ = s.capacity()
	}
	if p := s.pending.Load(); p != nil {
		out.PendingPath = p.path
	}
	if st.active() {
		out.Elapsed = time.Since(time.Unix(0, s.started.Load()))
	}
	return out
}

// traceRing 最近投递单元的序列号和时间戳，出错时写入日志
type traceRing struct {
	mu      sync.Mutex
	entries []traceEntry
	next    int
	full    bool
}

type traceEntry struct {
	seq uint64
	pts time.Duration
}

func newTraceRing(n int) *traceRing {
	if n < 1 {
		n = 8
	}
	return &traceRing{entries: make([]traceEntry, n)}
}

func (t *traceRing) add(seq uint64, pts time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[t.next] = traceEntry{seq: seq, pts: pts}
	t.next = (t.next + 1) % len(t.entries)
	if t.next == 0 {
		t.full = true
	}
}

// String lists entries oldest first
func (t *traceRing) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ordered []traceEntry
	if t.full {
		ordered = append(ordered, t.entries[t.next:]...)
	}
	ordered = append(ordered, t.entries[:t.next]...)
	parts := make([]string, len(ordered))
	for i, e := range ordered {
		parts[i] = fmt.Sprintf("#%d@%v", e.seq, e.pts)
	}
	return strings.Join(parts, " ")
}
