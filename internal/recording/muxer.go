package recording

import (
	"context"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// Muxer encodes raw frames and blocks into a container file.
// WriteVideo and WriteAudio are called from a single goroutine.
type Muxer interface {
	Name() string
	Open(ctx context.Context, path string, video, audio media.Format, settings EncoderSettings) error
	WriteVideo(frame *media.TimedFrame) error
	WriteAudio(block *media.TimedSample) error

	// BytesWritten returns bytes on disk so far, or -1 when unknown
	BytesWritten() int64

	// Finalize flushes encoders and writes the container index
	Finalize(ctx context.Context) error

	// Abort stops without finalizing
	Abort() error
}

// MuxerFactory creates a muxer for one session
type MuxerFactory func() Muxer
