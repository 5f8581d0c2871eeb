package decoder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

func drain(t *testing.T, d Decoder) []media.Unit {
	t.Helper()
	var units []media.Unit
	for {
		u, err := d.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return units
		}
		require.NoError(t, err)
		units = append(units, u)
	}
}

func TestSynthetic_Video(t *testing.T) {
	d, err := SyntheticOpener{}.Open(context.Background(), "synthetic://a?duration=1s&fps=30&width=8&height=4", media.TypeVideo)
	require.NoError(t, err)
	defer d.Close()

	info := d.Info()
	assert.Equal(t, media.TypeVideo, info.Type)
	assert.Equal(t, time.Second, info.Duration)
	assert.Equal(t, 8, info.Width)
	assert.Equal(t, 30.0, info.FrameRate)

	units := drain(t, d)
	require.Len(t, units, 30)

	for i, u := range units {
		f := u.(*media.TimedFrame)
		assert.Len(t, f.Data, 8*4*3)
		if i > 0 {
			assert.Greater(t, f.Seq, units[i-1].Sequence())
			assert.Greater(t, f.PTS, units[i-1].Timestamp())
		}
	}
}

func TestSynthetic_AudioBlocks(t *testing.T) {
	d, err := SyntheticOpener{}.Open(context.Background(), "synthetic://tone?duration=110ms&rate=48000&channels=2", media.TypeAudio)
	require.NoError(t, err)

	units := drain(t, d)
	require.Len(t, units, 6, "5 full 20ms blocks plus a 10ms tail")

	first := units[0].(*media.TimedSample)
	assert.Equal(t, 960*2, len(first.Data))
	assert.Equal(t, 20*time.Millisecond, first.Duration)
	assert.False(t, first.IsSilent())

	last := units[5].(*media.TimedSample)
	assert.Equal(t, 100*time.Millisecond, last.PTS)
	assert.Equal(t, 10*time.Millisecond, last.Duration)
}

func TestSynthetic_RestartKeepsSequence(t *testing.T) {
	d, err := SyntheticOpener{}.Open(context.Background(), "synthetic://loop?duration=100ms&fps=30", media.TypeVideo)
	require.NoError(t, err)

	first := drain(t, d)
	require.NoError(t, d.Restart(context.Background()))
	second := drain(t, d)

	require.Equal(t, len(first), len(second))
	assert.Equal(t, time.Duration(0), second[0].Timestamp(), "restart resets timestamps")
	assert.Equal(t, first[len(first)-1].Sequence()+1, second[0].Sequence(), "sequence numbers continue")
}

func TestSynthetic_Corruption(t *testing.T) {
	d, err := SyntheticOpener{}.Open(context.Background(), "synthetic://bad?fps=30&corrupt_at=2", media.TypeVideo)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := d.Next(context.Background())
		require.NoError(t, err)
	}
	_, err = d.Next(context.Background())
	assert.True(t, IsKind(err, CorruptStream))
}

func TestSynthetic_InvalidParams(t *testing.T) {
	tests := []struct {
		path string
		mt   media.Type
	}{
		{"synthetic://x?duration=0s", media.TypeVideo},
		{"synthetic://x?fps=0", media.TypeVideo},
		{"synthetic://x?channels=0", media.TypeAudio},
		{"synthetic://x?bogus=1", media.TypeVideo},
		{"synthetic://x?width=abc", media.TypeVideo},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := SyntheticOpener{}.Open(context.Background(), tt.path, tt.mt)
			require.Error(t, err)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, UnsupportedFormat, kind)
		})
	}
}

func TestSchemeOpener(t *testing.T) {
	var fallbackCalls int
	fallback := OpenerFunc(func(ctx context.Context, path string, mt media.Type) (Decoder, error) {
		fallbackCalls++
		return SyntheticOpener{}.Open(ctx, "synthetic://file", mt)
	})
	o := NewSchemeOpener(fallback)
	ctx := context.Background()

	d, err := o.Open(ctx, "synthetic://clip?duration=1s", media.TypeVideo)
	require.NoError(t, err)
	assert.IsType(t, &Synthetic{}, d)
	assert.Zero(t, fallbackCalls)

	_, err = o.Open(ctx, "rtsp://camera/stream", media.TypeVideo)
	assert.True(t, IsKind(err, UnsupportedFormat))

	_, err = o.Open(ctx, filepath.Join(t.TempDir(), "missing.mp4"), media.TypeVideo)
	assert.True(t, IsKind(err, IoFailure))

	_, err = o.Open(ctx, t.TempDir(), media.TypeVideo)
	assert.True(t, IsKind(err, UnsupportedFormat))

	clip := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("not really mp4"), 0644))
	_, err = o.Open(ctx, "file://"+clip, media.TypeVideo)
	require.NoError(t, err)
	assert.Equal(t, 1, fallbackCalls)

	o.SetFallback(nil)
	_, err = o.Open(ctx, clip, media.TypeVideo)
	assert.True(t, IsKind(err, UnsupportedFormat))
}

func TestError_Wrapping(t *testing.T) {
	cause := errors.New("short read")
	err := NewError(IoFailure, "/clips/a.mp4", "next", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "IoFailure")
	assert.Contains(t, err.Error(), "/clips/a.mp4")
	assert.False(t, IsKind(cause, IoFailure))
}

func TestChunker(t *testing.T) {
	c := NewChunker(1000, 2, 10*time.Millisecond, "tone")

	// 10ms @1kHz = 10 frames = 20 samples per block
	blocks := c.Push(make([]float32, 15))
	assert.Empty(t, blocks)

	blocks = c.Push(make([]float32, 30))
	require.Len(t, blocks, 2)
	assert.Equal(t, time.Duration(0), blocks[0].PTS)
	assert.Equal(t, 10*time.Millisecond, blocks[1].PTS)
	assert.Equal(t, uint64(2), blocks[1].Seq)

	tail := c.Flush()
	require.NotNil(t, tail)
	assert.Len(t, tail.Data, 4)
	assert.Equal(t, 20*time.Millisecond, tail.PTS)
	assert.Equal(t, 2*time.Millisecond, tail.Duration)

	c.Reset()
	blocks = c.Push(make([]float32, 20))
	require.Len(t, blocks, 1)
	assert.Equal(t, time.Duration(0), blocks[0].PTS)
	assert.Equal(t, uint64(4), blocks[0].Seq)
	assert.Nil(t, c.Flush())
}
