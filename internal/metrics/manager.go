package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// CollectFunc 周期采集回调，用于刷新水位类 gauge
type CollectFunc func(em *EngineMetrics)

// Manager 监控组件管理器：持有注册表与引擎指标，
// 按 collection_interval 调用采集回调，可选地在独立端口暴露 /metrics
type Manager struct {
	config  *config.MetricsConfig
	metrics Metrics
	engine  *EngineMetrics
	logger  *logrus.Entry

	mutex           sync.RWMutex
	collectors      []CollectFunc
	externalServer  *http.Server
	running         bool
	externalRunning bool
	startTime       time.Time
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
}

// NewManager 创建新的监控管理器
func NewManager(cfg *config.MetricsConfig, logger *logrus.Entry) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("metrics config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}
	if logger == nil {
		logger = config.GetLoggerWithPrefix("metrics")
	}

	m := NewMetrics()
	em, err := NewEngineMetrics(m)
	if err != nil {
		return nil, fmt.Errorf("failed to register engine metrics: %w", err)
	}

	return &Manager{
		config:  cfg,
		metrics: m,
		engine:  em,
		logger:  logger,
	}, nil
}

// AddCollector 注册周期采集回调，Start 之前调用
func (m *Manager) AddCollector(fn CollectFunc) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.collectors = append(m.collectors, fn)
}

// Start 启动采集循环与外部 metrics 服务
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return ErrManagerAlreadyRunning
	}

	m.logger.Info("Starting metrics manager...")

	loopCtx, cancel := context.WithCancel(context.Background())
	m.ctx, m.cancel = loopCtx, cancel
	m.done = make(chan struct{})
	go m.collectLoop(loopCtx, append([]CollectFunc(nil), m.collectors...))

	// 外部暴露失败不影响内部采集
	if m.config.External.Enabled {
		if err := m.startExternal(); err != nil {
			m.logger.Warnf("Failed to start external metrics server: %v", err)
		}
	} else {
		m.logger.Debug("External metrics disabled, /metrics is served by the web server only")
	}

	m.running = true
	m.startTime = time.Now()
	m.logger.Info("Metrics manager started successfully")
	return ctx.Err()
}

func (m *Manager) collectLoop(ctx context.Context, collectors []CollectFunc) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, fn := range collectors {
				fn(m.engine)
			}
		}
	}
}

// startExternal 在独立端口暴露 Prometheus 指标
func (m *Manager) startExternal() error {
	router := http.NewServeMux()
	router.Handle(m.config.External.Path, m.metrics.Handler())

	addr := m.config.Addr()
	m.externalServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		m.logger.Infof("External metrics server listening on %s%s", addr, m.config.External.Path)
		if err := m.externalServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Errorf("External metrics server error: %v", err)
		}
	}()

	m.externalRunning = true
	return nil
}

// Stop 停止监控管理器
func (m *Manager) Stop(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return nil
	}

	m.logger.Info("Stopping metrics manager...")
	m.cancel()
	<-m.done

	var err error
	if m.externalRunning && m.externalServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if serr := m.externalServer.Shutdown(shutdownCtx); serr != nil {
			err = fmt.Errorf("failed to stop external metrics server: %w", serr)
		}
		m.externalRunning = false
	}

	m.running = false
	m.logger.Info("Metrics manager stopped")
	return err
}

// GetContext 返回采集循环的上下文，未启动时为 nil
func (m *Manager) GetContext() context.Context {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.ctx
}

// IsEnabled 监控组件始终启用，外部暴露可选
func (m *Manager) IsEnabled() bool {
	return true
}

// IsRunning 检查监控管理器是否正在运行
func (m *Manager) IsRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.running
}

// GetStats 获取监控管理器的统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := map[string]interface{}{
		"running":             m.running,
		"external_enabled":    m.config.External.Enabled,
		"external_running":    m.externalRunning,
		"collection_interval": m.config.CollectionInterval.String(),
	}
	if m.running {
		stats["uptime"] = time.Since(m.startTime).Seconds()
	}
	if m.externalRunning {
		stats["external_endpoint"] = m.config.Addr() + m.config.External.Path
	}
	return stats
}

// SetupRoutes 在主 web 服务上注册 /metrics 与状态路由
func (m *Manager) SetupRoutes(router *mux.Router) error {
	router.Handle("/metrics", m.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/api/metrics/status", m.handleStatus).Methods(http.MethodGet)
	return nil
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.GetStats()); err != nil {
		m.logger.Debugf("Failed to encode metrics status: %v", err)
	}
}

// GetMetrics 获取指标注册接口
func (m *Manager) GetMetrics() Metrics {
	return m.metrics
}

// Engine 获取引擎指标
func (m *Manager) Engine() *EngineMetrics {
	return m.engine
}
