package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/ffmpeg"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// FFmpegMuxerName is the recording.muxer value selecting the ffmpeg muxer
const FFmpegMuxerName = "ffmpeg"

// FFmpegMuxer encodes through an ffmpeg subprocess: rawvideo on stdin, f32le on fd 3
type FFmpegMuxer struct {
	binary string
	logger *logrus.Entry

	path string
	proc *ffmpeg.Process
}

// NewFFmpegMuxer 创建 ffmpeg 封装器
func NewFFmpegMuxer(binary string, logger *logrus.Entry) *FFmpegMuxer {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = config.GetLoggerWithPrefix("ffmpeg-muxer")
	}
	return &FFmpegMuxer{binary: binary, logger: logger}
}

func (m *FFmpegMuxer) Name() string { return FFmpegMuxerName }

// muxArgs builds the ffmpeg command line for one recording
func muxArgs(path string, video, audio media.Format, s EncoderSettings) []string {
	fps := s.FrameRate
	if fps <= 0 {
		fps = 30
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-f", "rawvideo", "-pix_fmt", video.PixelFormat.FFmpegName(),
		"-s", fmt.Sprintf("%dx%d", video.Width, video.Height),
		"-framerate", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-f", "f32le", "-ar", strconv.Itoa(audio.SampleRate), "-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:3",
		"-map", "0:v", "-map", "1:a",
		"-vf", fmt.Sprintf("scale=%d:%d", s.Width, s.Height),
		"-c:v", "libx264", "-preset", s.SpeedPreset, "-crf", strconv.Itoa(s.CRF),
		"-maxrate", fmt.Sprintf("%dk", s.VideoBitrate), "-bufsize", fmt.Sprintf("%dk", 2*s.VideoBitrate),
		"-g", strconv.Itoa(s.GOP()), "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", strconv.Itoa(s.AudioBitrate),
		"-movflags", "+faststart",
		path,
	}
}

// Open starts ffmpeg writing to path
func (m *FFmpegMuxer) Open(ctx context.Context, path string, video, audio media.Format, s EncoderSettings) error {
	args := muxArgs(path, video, audio, s)
	// 录制进程的生命周期由 Finalize/Abort 控制，不跟随请求的 ctx
	proc, err := ffmpeg.Start(context.Background(), ffmpeg.Options{
		Path:        m.binary,
		Args:        args,
		ExtraInputs: 1,
	}, m.logger)
	if err != nil {
		return err
	}
	if err := proc.WaitStartup(150 * time.Millisecond); err != nil {
		proc.Stop()
		return m.classify(proc, err)
	}
	m.path = path
	m.proc = proc
	m.logger.Infof("ffmpeg recording started: %s (pid %d)", path, proc.Pid())
	return ctx.Err()
}

// classify maps an ffmpeg failure onto ENOSPC when stderr says so
func (m *FFmpegMuxer) classify(proc *ffmpeg.Process, err error) error {
	if strings.Contains(strings.ToLower(proc.Stderr()), "no space left") {
		return fmt.Errorf("%w: %v", syscall.ENOSPC, err)
	}
	return err
}

func (m *FFmpegMuxer) WriteVideo(frame *media.TimedFrame) error {
	if m.proc == nil {
		return errors.New("muxer is not open")
	}
	if _, err := m.proc.Write(frame.Data); err != nil {
		return m.classify(m.proc, err)
	}
	return nil
}

func (m *FFmpegMuxer) WriteAudio(block *media.TimedSample) error {
	if m.proc == nil {
		return errors.New("muxer is not open")
	}
	if _, err := m.proc.WriteInput(0, block.Bytes()); err != nil {
		return m.classify(m.proc, err)
	}
	return nil
}

func (m *FFmpegMuxer) BytesWritten() int64 {
	if m.path == "" {
		return -1
	}
	fi, err := os.Stat(m.path)
	if err != nil {
		return -1
	}
	return fi.Size()
}

// Finalize closes the inputs and waits for ffmpeg to write the moov atom
func (m *FFmpegMuxer) Finalize(ctx context.Context) error {
	if m.proc == nil {
		return errors.New("muxer is not open")
	}
	if err := m.proc.Wait(ctx); err != nil {
		return m.classify(m.proc, err)
	}
	m.logger.Infof("ffmpeg recording finalized: %s", m.path)
	return nil
}

func (m *FFmpegMuxer) Abort() error {
	if m.proc != nil {
		m.proc.Stop()
	}
	return nil
}
