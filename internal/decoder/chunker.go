package decoder

import (
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// Chunker re-cuts arbitrary sized interleaved F32 buffers into fixed duration blocks.
// Timestamps are derived from the sample count since the last Reset so they stay
// exact regardless of how the upstream buffers were sized.
type Chunker struct {
	rate        int
	channels    int
	blockFrames int
	origin      string

	pending []float32
	emitted int64 // frames emitted since reset
	seq     uint64
}

// NewChunker 创建音频分块器
func NewChunker(rate, channels int, block time.Duration, origin string) *Chunker {
	frames := int(int64(block) * int64(rate) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return &Chunker{
		rate:        rate,
		channels:    channels,
		blockFrames: frames,
		origin:      origin,
	}
}

// Push appends samples and returns every complete block
func (c *Chunker) Push(data []float32) []*media.TimedSample {
	c.pending = append(c.pending, data...)

	need := c.blockFrames * c.channels
	var out []*media.TimedSample
	for len(c.pending) >= need {
		block := make([]float32, need)
		copy(block, c.pending[:need])
		c.pending = c.pending[need:]
		out = append(out, c.emit(block))
	}
	// 避免底层数组无限增长
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return out
}

// Flush returns the trailing partial block, or nil
func (c *Chunker) Flush() *media.TimedSample {
	usable := len(c.pending) - len(c.pending)%c.channels
	if usable <= 0 {
		c.pending = nil
		return nil
	}
	block := make([]float32, usable)
	copy(block, c.pending[:usable])
	c.pending = nil
	return c.emit(block)
}

// Reset drops pending samples and restarts timestamps at zero. Sequence numbers continue.
func (c *Chunker) Reset() {
	c.pending = nil
	c.emitted = 0
}

func (c *Chunker) emit(block []float32) *media.TimedSample {
	frames := len(block) / c.channels
	c.seq++
	s := &media.TimedSample{
		Data:       block,
		Channels:   c.channels,
		SampleRate: c.rate,
		PTS:        media.SamplesDuration(int(c.emitted), c.rate),
		Duration:   media.SamplesDuration(frames, c.rate),
		Seq:        c.seq,
		Origin:     c.origin,
	}
	c.emitted += int64(frames)
	return s
}
