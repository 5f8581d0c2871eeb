// Package engine 组装媒体路由、虚拟设备、时钟同步与录制，
// 并以 webserver 组件的形式暴露命令接口和状态推送。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/open-beagle/bdwind-vcam/internal/clock"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/metrics"
	"github.com/open-beagle/bdwind-vcam/internal/recording"
	"github.com/open-beagle/bdwind-vcam/internal/router"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

// ErrAlreadyRunning is returned by Start on a running manager
var ErrAlreadyRunning = errors.New("engine manager already running")

// Options 外部注入的依赖，零值使用纯 Go 的默认实现
type Options struct {
	// RegisterBackends adds device backends (e.g. go-gst) to each registry
	RegisterBackends func(r *sink.Registry, cfg config.SinksConfig)

	// Registries overrides the per media type backend registries
	Registries map[media.Type]*sink.Registry

	// FileOpener decodes plain file paths; synthetic:// is always available
	FileOpener decoder.Opener

	// Muxers are added to the built-in ffmpeg muxer
	Muxers map[string]recording.MuxerFactory

	Metrics *metrics.EngineMetrics
	Clock   clock.Clock
	Logger  *logrus.Entry
}

// Manager 引擎组件管理器，实现 webserver.ComponentManager
type Manager struct {
	logger *logrus.Entry

	cfgMu sync.RWMutex
	cfg   *config.Config

	registries map[media.Type]*sink.Registry
	sinks      map[media.Type]*sink.Sink
	opener     *decoder.SchemeOpener
	syncer     *clock.Sync
	router     *router.Router
	recorder   *recording.Session
	metrics    *metrics.EngineMetrics
	events     *EventLog
	hub        *statusHub

	mutex     sync.RWMutex
	running   bool
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager 创建引擎管理器
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLoggerWithPrefix("engine")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewMonotonic()
	}

	m := &Manager{
		logger:     opts.Logger,
		cfg:        cfg,
		registries: opts.Registries,
		sinks:      make(map[media.Type]*sink.Sink),
		metrics:    opts.Metrics,
	}

	if m.registries == nil {
		m.registries = make(map[media.Type]*sink.Registry)
		for _, mt := range media.Types {
			m.registries[mt] = defaultRegistry(cfg.Sinks, opts.RegisterBackends)
		}
	}

	if cfg.Engine.EventLog != "" {
		events, err := NewEventLog(cfg.Engine.EventLog, cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		m.events = events
	}

	m.opener = decoder.NewSchemeOpener(opts.FileOpener)
	m.syncer = clock.NewSync(cfg.Sync, opts.Clock, config.GetLoggerWithPrefix("sync"))
	m.syncer.OnCorrection(m.onCorrection)

	sinkOpts := sink.OptionsFromConfig(cfg.Sinks)
	outputs := make(map[media.Type]router.Output, len(media.Types))
	for _, mt := range media.Types {
		s := sink.NewSink(mt, m.registries[mt], sinkOpts, config.GetLoggerWithPrefix("sink-"+mt.String()))
		m.sinks[mt] = s
		outputs[mt] = s
	}

	r, err := router.New(router.Options{
		Config:  cfg.Router,
		Opener:  m.opener,
		Sync:    m.syncer,
		Outputs: outputs,
		Backends: map[media.Type][]string{
			media.TypeVideo: cfg.Sinks.Video.Backends,
			media.TypeAudio: cfg.Sinks.Audio.Backends,
		},
		Observer: m.observer(),
		Logger:   config.GetLoggerWithPrefix("router"),
	})
	if err != nil {
		m.closeEvents()
		return nil, fmt.Errorf("failed to create media router: %w", err)
	}
	m.router = r

	muxers := map[string]recording.MuxerFactory{
		recording.FFmpegMuxerName: func() recording.Muxer {
			return recording.NewFFmpegMuxer(cfg.Sinks.FFmpegPath, nil)
		},
	}
	for name, f := range opts.Muxers {
		muxers[name] = f
	}
	m.recorder = recording.NewSession(r, recording.Options{
		Config:     cfg.Recording,
		SampleRate: cfg.Sinks.Audio.SampleRate,
		Channels:   cfg.Sinks.Audio.Channels,
		AudioBlock: cfg.Router.AudioBlock,
		Muxers:     muxers,
		Clock:      opts.Clock,
		Logger:     config.GetLoggerWithPrefix("recording"),
	})

	m.hub = newStatusHub(m.Snapshot, config.GetLoggerWithPrefix("engine-ws"))
	return m, nil
}

// defaultRegistry 注册旧式后端、内存后端和外部提供的后端
func defaultRegistry(cfg config.SinksConfig, register func(*sink.Registry, config.SinksConfig)) *sink.Registry {
	r := sink.NewRegistry()
	if register != nil {
		register(r, cfg)
	}
	sink.RegisterLegacy(r, cfg)
	sink.RegisterMemory(r, sink.NewMemory(sink.MemoryOptions{Keep: 64}))
	return r
}

// observer 路由事件分发给指标和诊断日志
func (m *Manager) observer() router.Observer {
	var obs fanout
	if m.metrics != nil {
		obs = append(obs, m.metrics)
	}
	if m.events != nil {
		obs = append(obs, m.events)
	}
	switch len(obs) {
	case 0:
		return router.NopObserver{}
	case 1:
		return obs[0]
	}
	return obs
}

func (m *Manager) onCorrection(c clock.Correction) {
	if m.metrics != nil {
		m.metrics.Correction(c.Stream, c.Action)
	}
	if m.events != nil {
		m.events.Correction(c)
	}
}

func (m *Manager) config() *config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Start 启动同步循环、状态推送，并按配置打开初始源
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	m.logger.Info("Starting engine manager...")
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.syncer.Run(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.hub.run(m.ctx, m.config().Engine.StatusInterval)
	}()

	cfg := m.config()
	initial := []struct {
		mt   media.Type
		path string
	}{
		{media.TypeVideo, cfg.Engine.InitialVideo},
		{media.TypeAudio, cfg.Engine.InitialAudio},
	}
	var started []media.Type
	for _, src := range initial {
		if src.path == "" {
			continue
		}
		if err := m.router.Start(ctx, src.mt, src.path, cfg.Engine.Loop, cfg.Router.DefaultVolume); err != nil {
			for _, mt := range started {
				if stopErr := m.router.Stop(context.Background(), mt, true); stopErr != nil {
					m.logger.Warnf("Rolling back %s stream: %v", mt, stopErr)
				}
			}
			m.cancel()
			m.wg.Wait()
			return fmt.Errorf("failed to start initial %s source %s: %w", src.mt, src.path, err)
		}
		started = append(started, src.mt)
		m.logger.Infof("Initial %s source started: %s", src.mt, src.path)
	}

	m.running = true
	m.startTime = time.Now()
	m.logger.Info("Engine manager started successfully")
	return nil
}

// Stop 结束录制，关闭路由与虚拟设备
func (m *Manager) Stop(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return nil
	}
	m.logger.Info("Stopping engine manager...")

	var errs []error
	if m.recorder.IsRecording() {
		if path, err := m.recorder.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recording %s: %w", path, err))
		} else {
			m.logger.Infof("Recording finalized on shutdown: %s", path)
		}
	}

	// 录制已结束，路由与推送可以并行收尾
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.router.Close(gctx)
	})
	g.Go(func() error {
		m.cancel()
		m.hub.closeAll()
		m.wg.Wait()
		return nil
	})
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}

	m.closeEvents()
	m.running = false

	if err := errors.Join(errs...); err != nil {
		m.logger.Errorf("Engine manager stopped with errors: %v", err)
		return err
	}
	m.logger.Info("Engine manager stopped")
	return nil
}

func (m *Manager) closeEvents() {
	if m.events == nil {
		return
	}
	if err := m.events.Close(); err != nil {
		m.logger.Debugf("Failed to close event log: %v", err)
	}
}

// IsEnabled 引擎始终启用
func (m *Manager) IsEnabled() bool {
	return true
}

// IsRunning 检查引擎是否正在运行
func (m *Manager) IsRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.running
}

// GetContext 返回引擎上下文，未启动时为 nil
func (m *Manager) GetContext() context.Context {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.ctx
}

// GetStats 获取引擎统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.RLock()
	running, started := m.running, m.startTime
	m.mutex.RUnlock()

	stats := map[string]interface{}{
		"running":      running,
		"recording":    m.recorder.IsRecording(),
		"ws_clients":   m.hub.count(),
		"sync_drift":   m.syncer.Status().Drift.String(),
		"event_log":    m.events != nil,
		"video_active": m.router.IsActive(media.TypeVideo),
		"audio_active": m.router.IsActive(media.TypeAudio),
	}
	if running {
		stats["uptime"] = time.Since(started).Seconds()
	}
	return stats
}

// HealthCheck 参与 /health：引擎未运行，或活动流没有可用的输出后端时视为不健康
func (m *Manager) HealthCheck() (map[string]interface{}, error) {
	details := map[string]interface{}{
		"running":   m.IsRunning(),
		"recording": m.recorder.IsRecording(),
	}
	if !m.IsRunning() {
		return details, errors.New("engine not running")
	}

	var errs []error
	for mt, s := range m.sinks {
		st := s.Status()
		details[mt.String()] = map[string]interface{}{
			"active":     st.Active,
			"backend":    st.Backend,
			"last_error": st.LastError,
		}
		if m.router.IsActive(mt) && !st.Active {
			errs = append(errs, fmt.Errorf("%s stream has no output backend", mt))
		}
	}
	return details, errors.Join(errs...)
}

// Snapshot 完整状态快照，/api/status 与 websocket 推送共用
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Streams   []router.Status        `json:"streams"`
	Sinks     map[string]sink.Status `json:"sinks"`
	Sync      clock.Status           `json:"sync"`
	Recording recording.Status       `json:"recording"`
}

// Snapshot returns the current state of every component
func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now(),
		Streams:   m.router.Statuses(),
		Sinks:     make(map[string]sink.Status, len(m.sinks)),
		Sync:      m.syncer.Status(),
		Recording: m.recorder.Status(),
	}
	for mt, s := range m.sinks {
		snap.Sinks[mt.String()] = s.Status()
	}
	return snap
}

// Collect 刷新水位类指标，由 metrics.Manager 周期调用
func (m *Manager) Collect(em *metrics.EngineMetrics) {
	for _, st := range m.router.Statuses() {
		mt, err := media.ParseType(st.MediaType)
		if err != nil {
			continue
		}
		em.SetBuffer(mt, st.BufferFillCount, st.BufferCapacity, st.IsActive)
	}
	if drift, ok := m.syncer.Drift(); ok {
		em.SetDrift(drift)
	}
	rs := m.recorder.Status()
	em.SetRecording(rs.IsRecording, rs.EstimatedFileSize)
}

// ApplyConfig 热更新：日志级别、同步阈值、路由参数和下一次录制的设置
func (m *Manager) ApplyConfig(cfg *config.Config) error {
	var errs []error
	if cfg.Logging != nil {
		if err := config.SetGlobalLogLevel(cfg.Logging.Level); err != nil {
			errs = append(errs, fmt.Errorf("log level: %w", err))
		}
	}
	if err := m.syncer.Apply(cfg.Sync); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := m.router.ApplyConfig(cfg.Router); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	m.recorder.ApplyConfig(cfg.Recording)

	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	if err := errors.Join(errs...); err != nil {
		m.logger.Warnf("Configuration partially applied: %v", err)
		return err
	}
	m.logger.Info("Configuration reloaded")
	return nil
}

// Router 返回媒体路由器
func (m *Manager) Router() *router.Router {
	return m.router
}

// Recorder 返回录制会话
func (m *Manager) Recorder() *recording.Session {
	return m.recorder
}

// Sync 返回时钟同步器
func (m *Manager) Sync() *clock.Sync {
	return m.syncer
}

// Registry 返回指定媒体类型的后端注册表
func (m *Manager) Registry(mt media.Type) *sink.Registry {
	return m.registries[mt]
}
