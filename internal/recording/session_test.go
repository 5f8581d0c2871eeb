package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/clock"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/router"
)

const (
	testRate   = 8000
	testBlock  = 20 * time.Millisecond
	testPeriod = time.Second / 30
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

// fakeFeed hands out taps that already hold the queued units
type fakeFeed struct {
	mu      sync.Mutex
	active  map[media.Type]bool
	queued  map[media.Type][]media.Unit
	taps    map[media.Type]*router.Tap
	removed []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		active: map[media.Type]bool{media.TypeVideo: true, media.TypeAudio: true},
		queued: map[media.Type][]media.Unit{},
		taps:   map[media.Type]*router.Tap{},
	}
}

func (f *fakeFeed) IsActive(mt media.Type) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[mt]
}

func (f *fakeFeed) setActive(mt media.Type, v bool) {
	f.mu.Lock()
	f.active[mt] = v
	f.mu.Unlock()
}

func (f *fakeFeed) Subscribe(mt media.Type, name string, capacity int) (*router.Tap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := router.NewTap(mt, name, capacity)
	for _, u := range f.queued[mt] {
		t.Publish(u)
	}
	f.taps[mt] = t
	return t, nil
}

func (f *fakeFeed) Unsubscribe(mt media.Type, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.taps[mt]; ok && t.Name() == name {
		t.Close()
		f.removed = append(f.removed, mt.String())
	}
}

func (f *fakeFeed) tap(mt media.Type) *router.Tap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taps[mt]
}

// written is one unit seen by the fake muxer
type written struct {
	pts      time.Duration
	duration time.Duration
	width    int
	silent   bool
}

type fakeMuxer struct {
	mu        sync.Mutex
	path      string
	video     []written
	audio     []written
	openErr   error
	failAt    int
	failErr   error
	finalErr  error
	finalized bool
	aborted   bool
}

func (m *fakeMuxer) Name() string { return "fake" }

func (m *fakeMuxer) Open(ctx context.Context, path string, video, audio media.Format, s EncoderSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.path = path
	return nil
}

func (m *fakeMuxer) WriteVideo(f *media.TimedFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && len(m.video)+1 >= m.failAt {
		return m.failErr
	}
	m.video = append(m.video, written{pts: f.PTS, duration: f.Duration, width: f.Width})
	return nil
}

func (m *fakeMuxer) WriteAudio(b *media.TimedSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = append(m.audio, written{pts: b.PTS, duration: b.Duration, silent: b.IsSilent()})
	return nil
}

func (m *fakeMuxer) BytesWritten() int64 { return -1 }

func (m *fakeMuxer) Finalize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = true
	return m.finalErr
}

func (m *fakeMuxer) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	return nil
}

func (m *fakeMuxer) snapshot() (video, audio []written) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]written(nil), m.video...), append([]written(nil), m.audio...)
}

func trackLength(ws []written) time.Duration {
	var d time.Duration
	for _, w := range ws {
		d += w.duration
	}
	return d
}

func testFrames(n int) []media.Unit {
	return sizedFrames(n, 16, 12)
}

func sizedFrames(n, width, height int) []media.Unit {
	out := make([]media.Unit, n)
	for i := range out {
		data := make([]byte, width*height*3)
		data[0] = byte(i + 1)
		out[i] = &media.TimedFrame{
			Data: data, Width: width, Height: height, PixelFormat: media.PixelFormatRGB24,
			PTS: time.Duration(i) * testPeriod, Duration: testPeriod, Seq: uint64(i + 1),
		}
	}
	return out
}

func testBlocks(n int) []media.Unit {
	out := make([]media.Unit, n)
	for i := range out {
		data := make([]float32, testRate*int(testBlock)/int(time.Second))
		for j := range data {
			data[j] = 0.25
		}
		out[i] = &media.TimedSample{
			Data: data, Channels: 1, SampleRate: testRate,
			PTS: time.Duration(i) * testBlock, Duration: testBlock, Seq: uint64(i + 1),
		}
	}
	return out
}

func testConfig(t *testing.T) config.RecordingConfig {
	cfg := config.DefaultRecordingConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Muxer = "fake"
	cfg.DefaultPreset = "480p/fast/low"
	cfg.SyncInterval = time.Hour
	return cfg
}

func newTestSession(feed Feed, m *fakeMuxer, cfg config.RecordingConfig, clk clock.Clock) *Session {
	return NewSession(feed, Options{
		Config:     cfg,
		SampleRate: testRate,
		Channels:   1,
		AudioBlock: testBlock,
		Muxers:     map[string]MuxerFactory{"fake": func() Muxer { return m }},
		Clock:      clk,
		Logger:     testLogger(),
	})
}

func TestSession_DurationWithinOneFrame(t *testing.T) {
	feed := newFakeFeed()
	feed.queued[media.TypeVideo] = testFrames(30)
	feed.queued[media.TypeAudio] = testBlocks(50)
	m := &fakeMuxer{}
	cfg := testConfig(t)
	s := newTestSession(feed, m, cfg, nil)

	require.NoError(t, s.Start(context.Background(), "", Preset{}))
	assert.True(t, s.IsRecording())

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Frames == 30 && st.AudioBlocks == 50
	}, 5*time.Second, 10*time.Millisecond)

	st := s.Status()
	assert.Equal(t, "480p/fast/low", st.Preset)
	assert.Equal(t, "fake", st.Muxer)
	assert.False(t, st.Degraded)
	assert.Positive(t, st.EstimatedFileSize)

	path, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m.path, path)
	assert.Equal(t, cfg.OutputDir, filepath.Dir(path))

	video, audio := m.snapshot()
	require.Len(t, video, 30)
	require.Len(t, audio, 50)
	diff := trackLength(audio) - trackLength(video)
	if diff < 0 {
		diff = -diff
	}
	assert.Less(t, diff, testPeriod)
	assert.True(t, m.finalized)
	assert.False(t, s.IsRecording())
	assert.Equal(t, path, s.Status().LastOutput)

	// frames are scaled to the preset and re-timed on the write cursor
	for i, w := range video {
		assert.Equal(t, 854, w.width)
		assert.Equal(t, time.Duration(i)*testPeriod, w.pts)
	}
	assert.ElementsMatch(t, []string{"video", "audio"}, feed.removed)
}

func TestSession_StopPadsShorterStream(t *testing.T) {
	feed := newFakeFeed()
	feed.queued[media.TypeVideo] = testFrames(24)
	feed.queued[media.TypeAudio] = testBlocks(50)
	m := &fakeMuxer{}
	s := newTestSession(feed, m, testConfig(t), nil)

	require.NoError(t, s.Start(context.Background(), "", Preset{}))
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Frames == 24 && st.AudioBlocks == 50
	}, 5*time.Second, 10*time.Millisecond)

	_, err := s.Stop(context.Background())
	require.NoError(t, err)

	video, audio := m.snapshot()
	assert.Len(t, video, 30)
	diff := trackLength(audio) - trackLength(video)
	if diff < 0 {
		diff = -diff
	}
	assert.Less(t, diff, testPeriod)
}

func TestSession_ResyncCorrectsVideoCursor(t *testing.T) {
	feed := newFakeFeed()
	// preset-sized frames so the loop drains the queue well inside one sync interval
	feed.queued[media.TypeVideo] = sizedFrames(20, 854, 480)
	feed.queued[media.TypeAudio] = testBlocks(50)
	m := &fakeMuxer{}
	cfg := testConfig(t)
	cfg.SyncInterval = 20 * time.Millisecond
	cfg.SyncThreshold = 40 * time.Millisecond
	s := newTestSession(feed, m, cfg, nil)

	require.NoError(t, s.Start(context.Background(), "", Preset{}))
	require.Eventually(t, func() bool {
		return s.Status().Corrections >= 1
	}, 5*time.Second, 10*time.Millisecond)

	st := s.Status()
	// 333ms of missing video is ten repeated frames
	assert.Equal(t, uint64(30), st.Frames)
	drift := st.AudioDuration - st.VideoDuration
	if drift < 0 {
		drift = -drift
	}
	assert.LessOrEqual(t, drift, cfg.SyncThreshold)

	_, err := s.Stop(context.Background())
	require.NoError(t, err)
}

func TestSession_DegradedWhenStreamStops(t *testing.T) {
	feed := newFakeFeed()
	feed.queued[media.TypeAudio] = testBlocks(50)
	m := &fakeMuxer{}
	clk := clock.NewManual(0)
	s := newTestSession(feed, m, testConfig(t), clk)

	require.NoError(t, s.Start(context.Background(), "", Preset{}))
	feed.setActive(media.TypeVideo, false)
	clk.Set(time.Second)

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Frames == 30 && st.AudioBlocks == 50
	}, 5*time.Second, 10*time.Millisecond)

	st := s.Status()
	assert.True(t, st.Degraded)
	require.Len(t, st.Segments, 1)
	assert.Equal(t, "video", st.Segments[0].Stream)
	assert.Equal(t, time.Duration(0), st.Segments[0].Start)
	assert.Equal(t, 30*testPeriod, st.Segments[0].End)

	// the stream comes back: the segment closes and real frames follow
	feed.setActive(media.TypeVideo, true)
	feed.tap(media.TypeVideo).Publish(testFrames(1)[0])
	require.Eventually(t, func() bool {
		return s.Status().Frames == 31
	}, 5*time.Second, 10*time.Millisecond)

	_, err := s.Stop(context.Background())
	require.NoError(t, err)
}

func TestSession_Errors(t *testing.T) {
	t.Run("not ready", func(t *testing.T) {
		feed := newFakeFeed()
		feed.setActive(media.TypeAudio, false)
		s := newTestSession(feed, &fakeMuxer{}, testConfig(t), nil)

		err := s.Start(context.Background(), "", Preset{})
		assert.True(t, IsKind(err, NotReady))
		assert.False(t, s.IsRecording())
	})

	t.Run("already recording and not recording", func(t *testing.T) {
		s := newTestSession(newFakeFeed(), &fakeMuxer{}, testConfig(t), nil)

		_, err := s.Stop(context.Background())
		assert.True(t, IsKind(err, NotRecording))

		require.NoError(t, s.Start(context.Background(), "", Preset{}))
		err = s.Start(context.Background(), "", Preset{})
		assert.True(t, IsKind(err, AlreadyRecording))

		_, err = s.Stop(context.Background())
		require.NoError(t, err)
	})

	t.Run("invalid preset", func(t *testing.T) {
		s := newTestSession(newFakeFeed(), &fakeMuxer{}, testConfig(t), nil)
		err := s.Start(context.Background(), "", Preset{Resolution: "4k"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "4k")
	})

	t.Run("unknown muxer", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Muxer = "missing"
		s := newTestSession(newFakeFeed(), &fakeMuxer{}, cfg, nil)
		err := s.Start(context.Background(), "", Preset{})
		assert.True(t, IsKind(err, MuxerFailure))
	})

	t.Run("muxer open failure", func(t *testing.T) {
		m := &fakeMuxer{openErr: errors.New("x264enc missing")}
		s := newTestSession(newFakeFeed(), m, testConfig(t), nil)

		err := s.Start(context.Background(), "", Preset{})
		var re *RecordError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, MuxerFailure, re.Kind)
		assert.False(t, re.Partial)
		assert.False(t, s.IsRecording())
	})

	t.Run("disk full finalizes partial file", func(t *testing.T) {
		feed := newFakeFeed()
		feed.queued[media.TypeVideo] = testFrames(10)
		m := &fakeMuxer{failAt: 5, failErr: fmt.Errorf("write frame: %w", syscall.ENOSPC)}
		s := newTestSession(feed, m, testConfig(t), nil)

		require.NoError(t, s.Start(context.Background(), "", Preset{}))

		// 写入失败后不等待 Stop，录制自行结束并写完文件尾
		require.Eventually(t, func() bool { return !s.IsRecording() }, 5*time.Second, 10*time.Millisecond)
		m.mu.Lock()
		assert.True(t, m.finalized, "partial file is finalized")
		assert.False(t, m.aborted)
		m.mu.Unlock()
		assert.ElementsMatch(t, []string{"video", "audio"}, feed.removed)

		st := s.Status()
		assert.False(t, st.IsRecording)
		assert.Contains(t, st.LastError, "disk_full")
		assert.Equal(t, m.path, st.LastOutput)

		// 下一次 Stop 报告该失败一次
		path, err := s.Stop(context.Background())
		assert.Equal(t, m.path, path)
		var re *RecordError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, DiskFull, re.Kind)
		assert.True(t, re.Partial)
		assert.ErrorIs(t, err, syscall.ENOSPC)

		_, err = s.Stop(context.Background())
		assert.True(t, IsKind(err, NotRecording))

		// 可以立即开始新的录制
		m2 := &fakeMuxer{}
		s.opts.Muxers["fake"] = func() Muxer { return m2 }
		require.NoError(t, s.Start(context.Background(), "", Preset{}))
		_, err = s.Stop(context.Background())
		require.NoError(t, err)
	})

	t.Run("write failure with failing finalize aborts", func(t *testing.T) {
		feed := newFakeFeed()
		feed.queued[media.TypeVideo] = testFrames(4)
		m := &fakeMuxer{
			failAt:   2,
			failErr:  errors.New("pipe closed"),
			finalErr: errors.New("mp4mux: moov not written"),
		}
		s := newTestSession(feed, m, testConfig(t), nil)

		require.NoError(t, s.Start(context.Background(), "", Preset{}))
		require.Eventually(t, func() bool { return !s.IsRecording() }, 5*time.Second, 10*time.Millisecond)
		m.mu.Lock()
		assert.True(t, m.finalized)
		assert.True(t, m.aborted, "abort is the fallback when finalize fails")
		m.mu.Unlock()

		_, err := s.Stop(context.Background())
		assert.True(t, IsKind(err, MuxerFailure))
		assert.Contains(t, err.Error(), "pipe closed")
	})

	t.Run("finalize failure", func(t *testing.T) {
		m := &fakeMuxer{finalErr: errors.New("mp4mux: moov not written")}
		s := newTestSession(newFakeFeed(), m, testConfig(t), nil)

		require.NoError(t, s.Start(context.Background(), "", Preset{}))
		path, err := s.Stop(context.Background())
		assert.NotEmpty(t, path)
		assert.True(t, IsKind(err, MuxerFailure))
		kind, ok := KindOf(err)
		assert.True(t, ok)
		assert.Equal(t, "muxer_failure", kind.String())
	})
}

func TestResolveOutput(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	assert.Equal(t, "recording_20240305_140709.mp4", OutputName(now))

	dir := t.TempDir()

	t.Run("existing directory", func(t *testing.T) {
		p, err := resolveOutput(dir, "", now)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, OutputName(now)), p)
	})

	t.Run("new directory without extension", func(t *testing.T) {
		sub := filepath.Join(dir, "takes")
		p, err := resolveOutput(sub, "", now)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(sub, OutputName(now)), p)
		fi, err := os.Stat(sub)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	})

	t.Run("file path", func(t *testing.T) {
		want := filepath.Join(dir, "a", "clip.mp4")
		p, err := resolveOutput(want, "", now)
		require.NoError(t, err)
		assert.Equal(t, want, p)
		_, err = os.Stat(filepath.Join(dir, "a"))
		assert.NoError(t, err)
	})

	t.Run("empty uses default directory", func(t *testing.T) {
		def := filepath.Join(dir, "default")
		p, err := resolveOutput("  ", def, now)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(def, OutputName(now)), p)
	})
}
