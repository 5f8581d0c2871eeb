package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

// scrape renders the registry in the Prometheus text format
func scrape(t *testing.T, m Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_RegisterDuplicates(t *testing.T) {
	m := NewMetrics()

	gauge, err := m.RegisterGauge("test_gauge", "Test gauge metric", []string{"label1"})
	if err != nil {
		t.Fatalf("Failed to register gauge: %v", err)
	}
	gauge.Set(10.5, "value1")
	gauge.Inc("value1")
	gauge.Dec("value1")
	gauge.Add(2, "value1")

	if _, err := m.RegisterGauge("test_gauge", "Duplicate gauge", []string{"label1"}); err != ErrMetricAlreadyRegistered {
		t.Errorf("Expected ErrMetricAlreadyRegistered, got %v", err)
	}

	counter, err := m.RegisterCounter("test_counter", "Test counter metric", []string{"label1"})
	if err != nil {
		t.Fatalf("Failed to register counter: %v", err)
	}
	counter.Inc("value1")
	counter.Add(5, "value1")
	if _, err := m.RegisterCounter("test_counter", "Duplicate counter", nil); err != ErrMetricAlreadyRegistered {
		t.Errorf("Expected ErrMetricAlreadyRegistered, got %v", err)
	}

	histogram, err := m.RegisterHistogram("test_histogram", "Test histogram metric", []string{"label1"}, []float64{0.1, 1})
	if err != nil {
		t.Fatalf("Failed to register histogram: %v", err)
	}
	histogram.Observe(0.5, "value1")
	if _, err := m.RegisterHistogram("test_histogram", "Duplicate", nil, nil); err != ErrMetricAlreadyRegistered {
		t.Errorf("Expected ErrMetricAlreadyRegistered, got %v", err)
	}

	out := scrape(t, m)
	for _, want := range []string{
		`vcam_test_gauge{label1="value1"} 12.5`,
		`vcam_test_counter{label1="value1"} 6`,
		`vcam_test_histogram_count{label1="value1"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in scrape output", want)
		}
	}
}

func TestEngineMetrics_Observer(t *testing.T) {
	m := NewMetrics()
	em, err := NewEngineMetrics(m)
	if err != nil {
		t.Fatalf("Failed to create engine metrics: %v", err)
	}

	em.Delivered(media.TypeVideo, nil)
	em.Delivered(media.TypeVideo, nil)
	em.Underrun(media.TypeAudio)
	em.Dropped(media.TypeVideo, 3)
	em.Switched(media.TypeVideo, "b.mp4", 40*time.Millisecond)
	em.LoopRestarted(media.TypeAudio, "a.wav", 5*time.Millisecond)
	em.StreamError(media.TypeVideo, decoder.NewError(decoder.CorruptStream, "a.mp4", "decode", errors.New("bad packet")))
	em.StreamError(media.TypeAudio, sink.NewError(sink.DeviceUnavailable, "gst-pulse", "open", errors.New("no server")))
	em.SetBuffer(media.TypeVideo, 12, 300, true)
	em.SetDrift(-20 * time.Millisecond)
	em.Correction("video", "skip")
	em.SetRecording(true, 4096)

	out := scrape(t, m)
	for _, want := range []string{
		`vcam_units_delivered_total{media_type="video"} 2`,
		`vcam_underruns_total{media_type="audio"} 1`,
		`vcam_units_dropped_total{media_type="video"} 3`,
		`vcam_switch_latency_seconds_bucket{media_type="video",le="0.05"} 1`,
		`vcam_loop_restart_latency_seconds_count{media_type="audio"} 1`,
		`vcam_stream_errors_total{kind="CorruptStream",media_type="video"} 1`,
		`vcam_sink_failures_total{kind="DeviceUnavailable",media_type="audio"} 1`,
		`vcam_buffer_fill_units{media_type="video"} 12`,
		`vcam_stream_active{media_type="video"} 1`,
		`vcam_sync_drift_seconds -0.02`,
		`vcam_sync_corrections_total{action="skip",stream="video"} 1`,
		`vcam_recording_bytes 4096`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in scrape output", want)
		}
	}

	if got := ErrorKind(errors.New("plain")); got != "other" {
		t.Errorf("Expected other, got %s", got)
	}
}

func TestManager_CollectAndRoutes(t *testing.T) {
	cfg := config.DefaultMetricsConfig()
	cfg.CollectionInterval = 100 * time.Millisecond

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mgr, err := NewManager(cfg, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	calls := make(chan struct{}, 10)
	mgr.AddCollector(func(em *EngineMetrics) {
		em.SetBuffer(media.TypeAudio, 4, 10, true)
		select {
		case calls <- struct{}{}:
		default:
		}
	})

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start manager: %v", err)
	}
	if err := mgr.Start(context.Background()); err != ErrManagerAlreadyRunning {
		t.Errorf("Expected ErrManagerAlreadyRunning, got %v", err)
	}

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("collector was not called")
	}

	router := mux.NewRouter()
	if err := mgr.SetupRoutes(router); err != nil {
		t.Fatalf("Failed to set up routes: %v", err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `vcam_buffer_fill_units{media_type="audio"} 4`) {
		t.Error("Expected collected buffer fill in /metrics")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics/status", nil))
	if !strings.Contains(rec.Body.String(), `"running":true`) {
		t.Errorf("Unexpected status body: %s", rec.Body.String())
	}

	if err := mgr.Stop(context.Background()); err != nil {
		t.Fatalf("Failed to stop manager: %v", err)
	}
	if mgr.IsRunning() {
		t.Error("Manager should not be running")
	}
}
