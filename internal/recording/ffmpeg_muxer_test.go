package recording

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// requireFFmpeg skips unless ffmpeg with libx264/aac and ffprobe are installed
func requireFFmpeg(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping ffmpeg recording test in short mode")
	}
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil {
		t.Skipf("ffmpeg -encoders failed: %v", err)
	}
	for _, enc := range []string{"libx264", " aac "} {
		if !strings.Contains(string(out), enc) {
			t.Skipf("ffmpeg built without %s", strings.TrimSpace(enc))
		}
	}
}

type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

func parseSeconds(t *testing.T, s string) time.Duration {
	t.Helper()
	v, err := strconv.ParseFloat(s, 64)
	require.NoError(t, err, "duration %q", s)
	return time.Duration(v * float64(time.Second))
}

// containerDurations returns the format duration and per-stream durations ffprobe reports
func containerDurations(t *testing.T, path string) (time.Duration, map[string]time.Duration) {
	t.Helper()
	out, err := exec.Command("ffprobe", "-v", "error",
		"-show_entries", "format=duration:stream=codec_type,duration",
		"-of", "json", path).Output()
	require.NoError(t, err)

	var res probeResult
	require.NoError(t, json.Unmarshal(out, &res))
	streams := make(map[string]time.Duration)
	for _, s := range res.Streams {
		if s.Duration != "" {
			streams[s.CodecType] = parseSeconds(t, s.Duration)
		}
	}
	return parseSeconds(t, res.Format.Duration), streams
}

func TestFFmpegMuxer_ContainerDurationWithinOneFrame(t *testing.T) {
	requireFFmpeg(t)

	const (
		fps      = 30
		frames   = 60
		rate     = 48000
		channels = 2
		block    = 20 * time.Millisecond
	)
	period := time.Second / fps
	want := frames * period

	settings := EncoderSettings{
		Width: 64, Height: 48, FrameRate: fps,
		VideoBitrate: 200, CRF: 28, SpeedPreset: "ultrafast",
		AudioBitrate: 64000, SampleRate: rate, Channels: channels,
	}
	videoFmt := media.Format{
		Type: media.TypeVideo, Width: 64, Height: 48,
		PixelFormat: media.PixelFormatRGB24, FrameRate: fps,
	}
	audioFmt := media.Format{Type: media.TypeAudio, SampleRate: rate, Channels: channels}

	path := filepath.Join(t.TempDir(), "out.mp4")
	m := NewFFmpegMuxer("", testLogger())
	require.NoError(t, m.Open(context.Background(), path, videoFmt, audioFmt, settings))

	// 按时间戳交错写入两路，避免管道互相阻塞
	var vAt, aAt time.Duration
	written := 0
	for written < frames || aAt < want {
		if written < frames && vAt <= aAt {
			data := make([]byte, media.PixelFormatRGB24.FrameSize(64, 48))
			for i := range data {
				data[i] = byte(written * 4)
			}
			f := &media.TimedFrame{
				Data: data, Width: 64, Height: 48, PixelFormat: media.PixelFormatRGB24,
				PTS: vAt, Duration: period, Seq: uint64(written + 1),
			}
			require.NoError(t, m.WriteVideo(f))
			vAt += period
			written++
			continue
		}
		blk := media.NewSilence(block, rate, channels)
		blk.PTS = aAt
		require.NoError(t, m.WriteAudio(blk))
		aAt += block
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.Finalize(ctx))
	assert.Positive(t, m.BytesWritten())

	total, streams := containerDurations(t, path)
	assert.InDelta(t, float64(want), float64(total), float64(period),
		"container duration %v, expected %v", total, want)
	require.Contains(t, streams, "video")
	require.Contains(t, streams, "audio")
	assert.InDelta(t, float64(want), float64(streams["video"]), float64(period))
	assert.InDelta(t, float64(streams["video"]), float64(streams["audio"]), float64(period),
		"audio and video end within one frame")
}
