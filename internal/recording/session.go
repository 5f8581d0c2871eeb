package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/clock"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/router"
)

// fillInterval 检查停止的流并补齐的周期
const fillInterval = 50 * time.Millisecond

// Feed is the part of the router a session records from. *router.Router implements it.
type Feed interface {
	IsActive(mt media.Type) bool
	Subscribe(mt media.Type, name string, capacity int) (*router.Tap, error)
	Unsubscribe(mt media.Type, name string)
}

// Options 录制会话参数
type Options struct {
	Config config.RecordingConfig

	// SampleRate and Channels describe the routed audio
	SampleRate int
	Channels   int
	AudioBlock time.Duration

	// Muxers 按名称索引，recording.muxer 选择其一
	Muxers map[string]MuxerFactory

	Clock  clock.Clock
	Logger *logrus.Entry
}

// Segment is a stretch of the file where a stream was filled because it stopped
type Segment struct {
	Stream string        `json:"stream"`
	Start  time.Duration `json:"start"`
	End    time.Duration `json:"end"`
}

// Status 录制状态
type Status struct {
	IsRecording       bool          `json:"is_recording"`
	SessionID         string        `json:"session_id,omitempty"`
	Elapsed           time.Duration `json:"elapsed"`
	OutputPath        string        `json:"output_path,omitempty"`
	EstimatedFileSize int64         `json:"estimated_file_size"`
	Frames            uint64        `json:"frames"`
	AudioBlocks       uint64        `json:"audio_blocks"`
	VideoDuration     time.Duration `json:"video_duration"`
	AudioDuration     time.Duration `json:"audio_duration"`
	Corrections       uint64        `json:"corrections"`
	Degraded          bool          `json:"degraded"`
	Segments          []Segment     `json:"segments,omitempty"`
	Preset            string        `json:"preset,omitempty"`
	Muxer             string        `json:"muxer,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastOutput        string        `json:"last_output,omitempty"`
}

// Session 录制会话 (RecordingSession)，同一时间最多一个活动录制
type Session struct {
	feed   Feed
	opts   Options
	clock  clock.Clock
	logger *logrus.Entry

	mu         sync.Mutex
	active     *run
	lastOutput string
	lastError  string

	// failed 写入失败后自行结束的录制，由下一次 Stop 返回
	failed *RecordError
}

// NewSession 创建录制会话
func NewSession(feed Feed, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = config.GetLoggerWithPrefix("recording")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewMonotonic()
	}
	if opts.AudioBlock <= 0 {
		opts.AudioBlock = 20 * time.Millisecond
	}
	return &Session{feed: feed, opts: opts, clock: opts.Clock, logger: opts.Logger}
}

// ApplyConfig updates settings used by the next recording
func (s *Session) ApplyConfig(cfg config.RecordingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Config = cfg
}

// OutputName returns the timestamped file name used when no file is given
func OutputName(t time.Time) string {
	return "recording_" + t.Format("20060102_150405") + ".mp4"
}

// resolveOutput turns the requested path into a file path, creating directories
func resolveOutput(requested, defaultDir string, now time.Time) (string, error) {
	p := strings.TrimSpace(requested)
	if p == "" {
		p = defaultDir
	}
	if p == "" {
		p = "."
	}

	dirLike := strings.HasSuffix(p, string(os.PathSeparator))
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		dirLike = true
	}
	if dirLike || filepath.Ext(p) == "" {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return "", err
		}
		return filepath.Join(p, OutputName(now)), nil
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	return p, nil
}

// Start begins recording both live streams to outputPath
func (s *Session) Start(ctx context.Context, outputPath string, preset Preset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return NewError(AlreadyRecording, s.active.path, errors.New("a recording is already in progress"))
	}
	for _, mt := range media.Types {
		if !s.feed.IsActive(mt) {
			return NewError(NotReady, "", fmt.Errorf("%s stream is not active", mt))
		}
	}

	cfg := s.opts.Config
	def, err := ParsePreset(cfg.DefaultPreset)
	if err != nil {
		def = DefaultPreset()
	}
	preset = preset.WithDefaults(def)
	if err := preset.Validate(); err != nil {
		return err
	}

	factory, ok := s.opts.Muxers[cfg.Muxer]
	if !ok {
		return NewError(MuxerFailure, "", fmt.Errorf("muxer %q is not available", cfg.Muxer))
	}

	path, err := resolveOutput(outputPath, cfg.OutputDir, time.Now())
	if err != nil {
		return writeFailure(outputPath, err)
	}

	settings := preset.Settings(cfg.FrameRate, s.opts.SampleRate, s.opts.Channels)
	videoFmt := media.Format{
		Type:        media.TypeVideo,
		Width:       settings.Width,
		Height:      settings.Height,
		PixelFormat: media.PixelFormatRGB24,
		FrameRate:   settings.FrameRate,
	}
	audioFmt := media.Format{Type: media.TypeAudio, SampleRate: s.opts.SampleRate, Channels: s.opts.Channels}

	muxer := factory()
	if err := muxer.Open(ctx, path, videoFmt, audioFmt, settings); err != nil {
		s.lastError = err.Error()
		re := writeFailure(path, err)
		re.Partial = false
		return re
	}

	id := uuid.NewString()
	tapName := "recording-" + id
	audioQueue := int(cfg.AudioQueue / s.opts.AudioBlock)
	vtap, err := s.feed.Subscribe(media.TypeVideo, tapName, cfg.VideoQueueFrames)
	if err != nil {
		_ = muxer.Abort()
		return NewError(NotReady, path, err)
	}
	atap, err := s.feed.Subscribe(media.TypeAudio, tapName, audioQueue)
	if err != nil {
		s.feed.Unsubscribe(media.TypeVideo, tapName)
		_ = muxer.Abort()
		return NewError(NotReady, path, err)
	}

	fps := settings.FrameRate
	if fps <= 0 {
		fps = 30
	}
	r := &run{
		session:   s,
		id:        id,
		path:      path,
		preset:    preset,
		settings:  settings,
		muxer:     muxer,
		tapName:   tapName,
		video:     vtap,
		audio:     atap,
		period:    time.Second / time.Duration(fps),
		block:     s.opts.AudioBlock,
		corrector: clock.Corrector{Threshold: cfg.SyncThreshold, Master: clock.MasterAudio},
		interval:  cfg.SyncInterval,
		start:     s.clock.Now(),
		done:      make(chan struct{}),
		logger:    s.logger.WithField("session", id),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	s.active = r
	s.lastError = ""
	s.failed = nil
	go s.watch(runCtx, r)

	s.logger.Infof("Recording %s started: %s (%s, %s muxer)", id, path, preset, muxer.Name())
	return nil
}

// watch runs the mux loop. A write error ends the recording right away:
// the file is finalized so the frames written so far stay playable.
func (s *Session) watch(ctx context.Context, r *run) {
	r.loop(ctx)
	if r.err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != r {
		// Stop 已接管
		return
	}
	s.active = nil
	r.cancel()
	r.logger.Warnf("Recording %s stopped after write failure, finalizing partial file", r.id)
	s.failed = s.finishLocked(context.Background(), r)
}

// Stop drains the taps, pads the shorter stream and finalizes the file.
// On failure the path is still returned together with a partial RecordError.
// A recording that already ended on a write failure reports that failure once.
func (s *Session) Stop(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active
	if r == nil {
		if f := s.failed; f != nil {
			s.failed = nil
			return f.Path, f
		}
		return "", NewError(NotRecording, "", errors.New("no recording in progress"))
	}
	s.active = nil
	s.failed = nil

	r.cancel()
	<-r.done
	if re := s.finishLocked(ctx, r); re != nil {
		return r.path, re
	}
	return r.path, nil
}

// finishLocked releases the taps and closes the file. Finalize is attempted
// even after a write error; Abort is only the fallback when it fails.
func (s *Session) finishLocked(ctx context.Context, r *run) *RecordError {
	s.feed.Unsubscribe(media.TypeVideo, r.tapName)
	s.feed.Unsubscribe(media.TypeAudio, r.tapName)

	if r.err == nil {
		r.pad()
	}

	timeout := s.opts.Config.FinalizeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result *RecordError
	if err := r.muxer.Finalize(fctx); err != nil {
		if aerr := r.muxer.Abort(); aerr != nil {
			r.logger.Debugf("Abort after failed finalize: %v", aerr)
		}
		if r.err == nil {
			r.err = err
		}
	}
	if r.err != nil {
		result = writeFailure(r.path, r.err)
	}

	s.lastOutput = r.path
	if result != nil {
		s.lastError = result.Error()
		r.logger.Errorf("Recording %s ended with error: %v", r.id, result)
		return result
	}

	r.logger.Infof("Recording %s finished: %s (%d frames, %d blocks, video %v, audio %v)",
		r.id, r.path, r.frames.Load(), r.blocks.Load(),
		time.Duration(r.vCursor.Load()), time.Duration(r.aCursor.Load()))
	return nil
}

// IsRecording reports whether a session is running
func (s *Session) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Status returns a snapshot
func (s *Session) Status() Status {
	s.mu.Lock()
	r := s.active
	st := Status{LastOutput: s.lastOutput, LastError: s.lastError}
	s.mu.Unlock()

	if r == nil {
		return st
	}
	elapsed := s.clock.Now() - r.start
	st.IsRecording = true
	st.SessionID = r.id
	st.Elapsed = elapsed
	st.OutputPath = r.path
	st.Frames = r.frames.Load()
	st.AudioBlocks = r.blocks.Load()
	st.VideoDuration = time.Duration(r.vCursor.Load())
	st.AudioDuration = time.Duration(r.aCursor.Load())
	st.Corrections = r.corrections.Load()
	st.Degraded = r.degraded.Load()
	st.Segments = r.segmentsSnapshot()
	st.Preset = r.preset.String()
	st.Muxer = r.muxer.Name()
	if n := r.muxer.BytesWritten(); n >= 0 {
		st.EstimatedFileSize = n
	} else {
		st.EstimatedFileSize = r.settings.EstimatedSize(elapsed)
	}
	if msg := r.errText(); msg != "" {
		st.LastError = msg
	}
	return st
}
