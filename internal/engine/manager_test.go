package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/clock"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/metrics"
	"github.com/open-beagle/bdwind-vcam/internal/recording"
	"github.com/open-beagle/bdwind-vcam/internal/router"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

const (
	clipA = "synthetic://a?duration=2s&fps=30&width=16&height=12"
	clipB = "synthetic://b?duration=2s&fps=30&width=16&height=12"
	tone  = "synthetic://tone?duration=2s&rate=8000&channels=1&block=20ms"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// nopMuxer accepts everything and reports a growing size
type nopMuxer struct {
	mu     sync.Mutex
	bytes  int64
	frames int
}

func (m *nopMuxer) Name() string { return "nop" }

func (m *nopMuxer) Open(context.Context, string, media.Format, media.Format, recording.EncoderSettings) error {
	return nil
}

func (m *nopMuxer) WriteVideo(f *media.TimedFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames++
	m.bytes += int64(len(f.Data))
	return nil
}

func (m *nopMuxer) WriteAudio(b *media.TimedSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += int64(len(b.Data) * 4)
	return nil
}

func (m *nopMuxer) BytesWritten() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

func (m *nopMuxer) Finalize(context.Context) error { return nil }
func (m *nopMuxer) Abort() error                   { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Sinks.Video.Backends = []string{sink.MemoryBackendName}
	cfg.Sinks.Audio.Backends = []string{sink.MemoryBackendName}
	cfg.Sinks.Audio.SampleRate = 8000
	cfg.Sinks.Audio.Channels = 1
	cfg.Sinks.RetryDelay = time.Millisecond
	cfg.Recording.OutputDir = t.TempDir()
	cfg.Recording.DefaultPreset = "480p/fast/low"
	cfg.Engine.StatusInterval = 100 * time.Millisecond
	return cfg
}

type fixture struct {
	mgr    *Manager
	router *mux.Router
	video  *sink.Memory
	audio  *sink.Memory
}

func newFixture(t *testing.T, cfg *config.Config, em *metrics.EngineMetrics) *fixture {
	t.Helper()
	f := &fixture{
		video: sink.NewMemory(sink.MemoryOptions{Keep: 16}),
		audio: sink.NewMemory(sink.MemoryOptions{Keep: 16}),
	}
	vreg := sink.NewRegistry()
	sink.RegisterMemory(vreg, f.video)
	areg := sink.NewRegistry()
	sink.RegisterMemory(areg, f.audio)

	mgr, err := NewManager(cfg, Options{
		Registries: map[media.Type]*sink.Registry{
			media.TypeVideo: vreg,
			media.TypeAudio: areg,
		},
		Muxers: map[string]recording.MuxerFactory{
			"gstreamer": func() recording.Muxer { return &nopMuxer{} },
		},
		Metrics: em,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})

	f.mgr = mgr
	f.router = mux.NewRouter()
	require.NoError(t, mgr.SetupRoutes(f.router))
	return f
}

// do sends a JSON request through the routes and decodes the response into out
func (f *fixture) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestManager_StreamCommands(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)

	var st router.Status
	code := f.do(t, http.MethodPost, "/api/streams/video/start", map[string]interface{}{
		"path": clipA, "loop": true,
	}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, st.IsActive)
	assert.Equal(t, clipA, st.CurrentPath)
	assert.True(t, st.Loop)
	assert.Equal(t, sink.MemoryBackendName, st.ActiveBackend)

	code = f.do(t, http.MethodPost, "/api/streams/video/mute", map[string]bool{"muted": true}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, st.Muted)

	code = f.do(t, http.MethodPost, "/api/streams/video/switch", map[string]string{"path": clipB}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, st.IsActive)

	code = f.do(t, http.MethodGet, "/api/streams/video/status", nil, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "video", st.MediaType)

	require.Eventually(t, func() bool { return f.video.Writes() > 0 }, 2*time.Second, 10*time.Millisecond)

	code = f.do(t, http.MethodPost, "/api/streams/video/stop", map[string]bool{"release": true}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, st.IsActive)
	assert.False(t, f.video.IsOpen())

	// 音频路由与视频互不影响
	assert.Zero(t, f.audio.Opens())
}

func TestManager_CommandErrors(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
		kind   string
	}{
		{"unknown media type", http.MethodPost, "/api/streams/subtitle/start", map[string]string{"path": clipA}, http.StatusBadRequest, "InvalidMediaType"},
		{"missing path", http.MethodPost, "/api/streams/video/start", map[string]string{}, http.StatusBadRequest, "InvalidRequest"},
		{"unknown field", http.MethodPost, "/api/streams/video/start", map[string]string{"file": clipA}, http.StatusBadRequest, "InvalidRequest"},
		{"volume out of range", http.MethodPost, "/api/streams/audio/start", map[string]interface{}{"path": tone, "volume": 1.5}, http.StatusBadRequest, "InvalidVolume"},
		{"unknown scheme", http.MethodPost, "/api/streams/video/start", map[string]string{"path": "rtsp://camera/1"}, http.StatusUnprocessableEntity, "UnsupportedFormat"},
		{"missing file", http.MethodPost, "/api/streams/video/start", map[string]string{"path": "/nonexistent/clip.mp4"}, http.StatusNotFound, "IoFailure"},
		{"no file decoder", http.MethodPost, "/api/streams/video/start", map[string]string{"path": os.Args[0]}, http.StatusUnprocessableEntity, "UnsupportedFormat"},
		{"switch while idle", http.MethodPost, "/api/streams/audio/switch", map[string]string{"path": tone}, http.StatusConflict, "NotStreaming"},
		{"volume missing", http.MethodPost, "/api/streams/audio/volume", map[string]string{}, http.StatusBadRequest, "InvalidRequest"},
		{"record not ready", http.MethodPost, "/api/recording/start", map[string]string{}, http.StatusConflict, "not_ready"},
		{"record stop idle", http.MethodPost, "/api/recording/stop", nil, http.StatusConflict, "not_recording"},
		{"invalid preset", http.MethodPost, "/api/recording/start", map[string]interface{}{
			"preset": map[string]string{"resolution": "4k"},
		}, http.StatusBadRequest, "InvalidPreset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			code := f.do(t, tt.method, tt.path, tt.body, &resp)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestManager_RecordingFlow(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/streams/video/start",
		map[string]string{"path": clipA}, nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/streams/audio/start",
		map[string]string{"path": tone}, nil))

	var st recording.Status
	code := f.do(t, http.MethodPost, "/api/recording/start", map[string]interface{}{
		"preset": map[string]string{"video_quality": "high"},
	}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, st.IsRecording)
	assert.Equal(t, "480p/high/low", st.Preset)
	assert.True(t, strings.HasPrefix(filepath.Base(st.OutputPath), "recording_"))

	var errResp errorResponse
	code = f.do(t, http.MethodPost, "/api/recording/start", map[string]string{}, &errResp)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_recording", errResp.Kind)

	time.Sleep(300 * time.Millisecond)

	code = f.do(t, http.MethodGet, "/api/recording/status", nil, &st)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, st.IsRecording)
	assert.Greater(t, st.Frames, uint64(0))

	var stopped map[string]string
	code = f.do(t, http.MethodPost, "/api/recording/stop", nil, &stopped)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", stopped["status"])
	assert.Equal(t, st.OutputPath, stopped["path"])
	assert.False(t, f.mgr.Recorder().IsRecording())
}

func TestManager_StatusAndSync(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/streams/audio/start",
		map[string]string{"path": tone}, nil))

	var snap Snapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/status", nil, &snap))
	require.Len(t, snap.Streams, 2)
	assert.Contains(t, snap.Sinks, "audio")
	assert.True(t, snap.Sinks["audio"].Active)
	assert.False(t, snap.Recording.IsRecording)

	var syncStatus clock.Status
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/sync", nil, &syncStatus))
	assert.Equal(t, 40*time.Millisecond, syncStatus.Threshold)

	var devices map[string]sink.Inventory
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/devices", nil, &devices))
	require.Contains(t, devices, "video")
	assert.Equal(t, []string{sink.MemoryBackendName}, devices["video"].AvailableFor(media.TypeVideo))
}

func TestManager_StatusWebSocket(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 连接时推送一次，之后按 status_interval 推送
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg struct {
			Type string   `json:"type"`
			Data Snapshot `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "status", msg.Type)
		assert.Len(t, msg.Data.Streams, 2)
	}

	assert.Eventually(t, func() bool { return f.mgr.hub.count() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return f.mgr.hub.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_CollectAndObserve(t *testing.T) {
	reg := metrics.NewMetrics()
	em, err := metrics.NewEngineMetrics(reg)
	require.NoError(t, err)

	f := newFixture(t, testConfig(t), em)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/streams/video/start",
		map[string]string{"path": clipA}, nil))
	f.mgr.Collect(em)

	scrape := func() string {
		rec := httptest.NewRecorder()
		reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Body.String()
	}
	out := scrape()
	assert.Contains(t, out, `vcam_buffer_capacity_units{media_type="video"} 300`)
	assert.Contains(t, out, `vcam_stream_active{media_type="video"} 1`)
	assert.Contains(t, out, "vcam_recording_active 0")

	// 投递计数来自路由观察者
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(), `vcam_units_delivered_total{media_type="video"}`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManager_ApplyConfig(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)

	next := testConfig(t)
	next.Sync.Threshold = 60 * time.Millisecond
	next.Logging.Level = "debug"
	defer config.SetGlobalLogLevel("info")

	require.NoError(t, f.mgr.ApplyConfig(next))
	assert.Equal(t, 60*time.Millisecond, f.mgr.Sync().Status().Threshold)
	assert.Equal(t, "debug", config.GetGlobalLogLevel())

	bad := testConfig(t)
	bad.Sync.Threshold = 0
	assert.Error(t, f.mgr.ApplyConfig(bad))
}

func TestManager_HealthCheck(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)

	details, err := f.mgr.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, true, details["running"])

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/streams/video/start",
		map[string]string{"path": clipA}, nil))
	assert.Eventually(t, func() bool {
		_, err := f.mgr.HealthCheck()
		return err == nil && f.video.IsOpen()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.mgr.Stop(context.Background()))
	_, err = f.mgr.HealthCheck()
	assert.Error(t, err)
}

func TestManager_InitialSources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.InitialVideo = clipA
	cfg.Engine.InitialAudio = tone
	f := newFixture(t, cfg, nil)

	assert.True(t, f.mgr.Router().IsActive(media.TypeVideo))
	assert.True(t, f.mgr.Router().IsActive(media.TypeAudio))
	assert.Equal(t, true, f.mgr.GetStats()["video_active"])

	bad := testConfig(t)
	bad.Engine.InitialVideo = clipA
	bad.Engine.InitialAudio = "synthetic://tone?rate=0"
	mgr, err := NewManager(bad, Options{
		Registries: map[media.Type]*sink.Registry{
			media.TypeVideo: memoryRegistry(),
			media.TypeAudio: memoryRegistry(),
		},
		Logger: testLogger(),
	})
	require.NoError(t, err)
	err = mgr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, decoder.IsKind(err, decoder.UnsupportedFormat))
	assert.False(t, mgr.IsRunning())
	assert.False(t, mgr.Router().IsActive(media.TypeVideo))
}

func memoryRegistry() *sink.Registry {
	r := sink.NewRegistry()
	sink.RegisterMemory(r, sink.NewMemory(sink.MemoryOptions{Keep: 4}))
	return r
}

func TestEventLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	events, err := NewEventLog(path, nil)
	require.NoError(t, err)

	events.Switched(media.TypeVideo, clipB, 42*time.Millisecond)
	events.Dropped(media.TypeAudio, 3)
	events.Delivered(media.TypeAudio, nil)
	events.StreamError(media.TypeVideo, decoder.NewError(decoder.CorruptStream, clipA, "decode", errors.New("bad packet")))
	events.Correction(clock.Correction{Stream: "video", Action: "repeat", Before: 100 * time.Millisecond, After: 60 * time.Millisecond})
	events.Recording("recording_stopped", "/tmp/out.mp4", nil)
	require.NoError(t, events.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var got []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		got = append(got, line)
	}
	require.Len(t, got, 5)

	assert.Equal(t, "switch", got[0]["event"])
	assert.Equal(t, 42.0, got[0]["latency_ms"])
	assert.Equal(t, "drop", got[1]["event"])
	assert.Equal(t, "CorruptStream", got[2]["kind"])
	assert.Equal(t, "drift_correction", got[3]["event"])
	assert.Equal(t, 100.0, got[3]["before_ms"])
	assert.Equal(t, "recording_stopped", got[4]["event"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{recording.NewError(recording.DiskFull, "a.mp4", nil), http.StatusInsufficientStorage, "disk_full"},
		{recording.NewError(recording.MuxerFailure, "a.mp4", nil), http.StatusInternalServerError, "muxer_failure"},
		{sink.NewError(sink.DeviceUnavailable, "gst-v4l2", "open", nil), http.StatusServiceUnavailable, "DeviceUnavailable"},
		{sink.NewError(sink.FormatRejected, "gst-v4l2", "open", nil), http.StatusUnprocessableEntity, "FormatRejected"},
		{fmt.Errorf("start: %w", decoder.NewError(decoder.CorruptStream, "a.mp4", "decode", nil)), http.StatusUnprocessableEntity, "CorruptStream"},
		{router.ErrClosed, http.StatusServiceUnavailable, "Closed"},
		{errors.New("boom"), http.StatusInternalServerError, "Internal"},
	}
	for _, tt := range tests {
		code, kind := classify(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.kind, kind)
	}
}
