package gstreamer

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

func TestPackRGB(t *testing.T) {
	// width 2: row is 6 bytes, GStreamer pads rows to 8
	padded := []byte{
		1, 2, 3, 4, 5, 6, 0, 0,
		7, 8, 9, 10, 11, 12, 0, 0,
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, packRGB(padded, 2, 2))

	// width 4: row is already aligned
	tight := make([]byte, 4*3*2)
	for i := range tight {
		tight[i] = byte(i)
	}
	assert.Equal(t, tight, packRGB(tight, 4, 2))

	assert.Nil(t, packRGB([]byte{1, 2, 3}, 2, 2))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		msg        string
		decodeWant decoder.ErrorKind
		sinkWant   sink.ErrorKind
	}{
		{"Could not determine type of stream.", decoder.UnsupportedFormat, sink.DeviceUnavailable},
		{"Internal data stream error: not-negotiated", decoder.UnsupportedFormat, sink.FormatRejected},
		{"Resource not found.", decoder.IoFailure, sink.DeviceUnavailable},
		{"Resource busy or not available.", decoder.CorruptStream, sink.TransientWriteFailure},
		{"Failed to decode frame", decoder.CorruptStream, sink.DeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := fmt.Errorf("bus: %w", &PipelineError{Source: "src", Message: tt.msg})
			assert.Equal(t, tt.decodeWant, decodeKind(err))
			assert.Equal(t, tt.sinkWant, sinkKind(err))
		})
	}

	assert.Equal(t, decoder.IoFailure, decodeKind(errors.New("plain")))
	assert.Equal(t, sink.DeviceUnavailable, sinkKind(errors.New("plain")))
	assert.Equal(t, sink.DeviceUnavailable, sinkKindOpen(&PipelineError{Message: "resource busy"}))
}

func TestPipelineError_NoSpace(t *testing.T) {
	err := &PipelineError{Source: "filesink0", Message: "Error while writing to file", Debug: "No space left on device"}
	assert.ErrorIs(t, err, syscall.ENOSPC)
	assert.Equal(t, "filesink0: Error while writing to file", err.Error())

	assert.NotErrorIs(t, &PipelineError{Message: "Could not open file"}, syscall.ENOSPC)
}

func TestCaps(t *testing.T) {
	v := media.Format{Type: media.TypeVideo, Width: 640, Height: 360, PixelFormat: media.PixelFormatRGB24}
	assert.Equal(t, "video/x-raw,format=RGB,width=640,height=360,framerate=30/1", videoCaps(v))

	a := media.Format{Type: media.TypeAudio, SampleRate: 48000, Channels: 2}
	assert.Equal(t, "audio/x-raw,format=F32LE,layout=interleaved,rate=48000,channels=2", audioCaps(a))
}
