package recording

import (
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

func TestParsePreset(t *testing.T) {
	tests := []struct {
		in      string
		want    Preset
		wantErr bool
	}{
		{in: "", want: DefaultPreset()},
		{in: "1080p/high/high", want: Preset{Resolution1080p, QualityHigh, AudioHigh}},
		{in: "480p", want: Preset{Resolution480p, QualityBalanced, AudioStandard}},
		{in: "720p//low", want: Preset{Resolution720p, QualityBalanced, AudioLow}},
		{in: "4k", wantErr: true},
		{in: "720p/best", wantErr: true},
		{in: "720p/fast/loud", wantErr: true},
		{in: "720p/fast/low/extra", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePreset(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Preset {
	p, err := ParsePreset(s)
	require.NoError(t, err)
	return p
}

func TestPreset_Settings(t *testing.T) {
	s := Preset{Resolution1080p, QualityHigh, AudioHigh}.Settings(30, 48000, 2)
	assert.Equal(t, 1920, s.Width)
	assert.Equal(t, 1080, s.Height)
	assert.Equal(t, 9000, s.VideoBitrate)
	assert.Equal(t, 20, s.CRF)
	assert.Equal(t, "medium", s.SpeedPreset)
	assert.Equal(t, 192000, s.AudioBitrate)
	assert.Equal(t, 60, s.GOP())

	fast := Preset{Resolution480p, QualityFast, AudioLow}.Settings(25, 48000, 2)
	assert.Equal(t, 854, fast.Width)
	assert.Equal(t, 1125, fast.VideoBitrate)
	assert.Equal(t, "veryfast", fast.SpeedPreset)
	assert.Equal(t, 96000, fast.AudioBitrate)
	assert.Equal(t, 50, fast.GOP())

	// 720p balanced standard: (3000 kbit/s + 128 kbit/s) for 10s
	std := DefaultPreset().Settings(30, 48000, 2)
	assert.Equal(t, int64(3_910_000), std.EstimatedSize(10*time.Second))
}

func TestPreset_WithDefaults(t *testing.T) {
	p := Preset{VideoQuality: QualityUltra}.WithDefaults(DefaultPreset())
	assert.Equal(t, Preset{Resolution720p, QualityUltra, AudioStandard}, p)
	assert.NoError(t, p.Validate())
}

func TestRecordError(t *testing.T) {
	err := writeFailure("/tmp/out.mp4", fmt.Errorf("write: %w", syscall.ENOSPC))
	assert.Equal(t, DiskFull, err.Kind)
	assert.True(t, err.Partial)
	assert.Contains(t, err.Error(), `recording disk_full "/tmp/out.mp4" (partial file kept)`)
	assert.ErrorIs(t, err, syscall.ENOSPC)

	other := writeFailure("/tmp/out.mp4", fmt.Errorf("pipeline error"))
	assert.Equal(t, MuxerFailure, other.Kind)

	_, ok := KindOf(fmt.Errorf("plain"))
	assert.False(t, ok)
	assert.True(t, IsKind(fmt.Errorf("wrapped: %w", NewError(NotReady, "", nil)), NotReady))
}

func TestMuxArgs(t *testing.T) {
	video := media.Format{Type: media.TypeVideo, Width: 1280, Height: 720, PixelFormat: media.PixelFormatRGB24, FrameRate: 30}
	audio := media.Format{Type: media.TypeAudio, SampleRate: 48000, Channels: 2}
	s := DefaultPreset().Settings(30, 48000, 2)

	args := strings.Join(muxArgs("/tmp/out.mp4", video, audio, s), " ")
	assert.Contains(t, args, "-f rawvideo -pix_fmt rgb24 -s 1280x720 -framerate 30 -i pipe:0")
	assert.Contains(t, args, "-f f32le -ar 48000 -ac 2 -i pipe:3")
	assert.Contains(t, args, "-c:v libx264 -preset faster -crf 23")
	assert.Contains(t, args, "-maxrate 3000k -bufsize 6000k -g 60")
	assert.Contains(t, args, "-c:a aac -b:a 128000")
	assert.True(t, strings.HasSuffix(args, "/tmp/out.mp4"))
}
