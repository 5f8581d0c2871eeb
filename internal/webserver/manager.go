package webserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// Manager webserver组件管理器
type Manager struct {
	config    *config.WebServerConfig
	server    *http.Server
	webServer *WebServer
	logger    *logrus.Entry
	running   bool
	startTime time.Time
	addr      string
	mutex     sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	serveErr  chan error
}

// NewManager 创建新的webserver管理器
func NewManager(ctx context.Context, cfg *config.WebServerConfig, logger *logrus.Entry) (*Manager, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("webserver config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid webserver config: %w", err)
	}
	if logger == nil {
		logger = config.GetLoggerWithPrefix("webserver")
	}

	webServer, err := NewWebServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create webserver: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		config:    cfg,
		webServer: webServer,
		logger:    logger,
		ctx:       childCtx,
		cancel:    cancel,
	}, nil
}

// Start 监听端口并在后台提供服务。监听失败 (如端口被占用) 直接返回错误
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return fmt.Errorf("webserver manager already running")
	}

	handler := m.webServer.GetHandler()
	m.server = &http.Server{
		Addr:         m.config.Addr(),
		Handler:      handler,
		ReadTimeout:  m.config.ReadTimeout,
		WriteTimeout: m.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     config.GetStandardLoggerWithPrefix("webserver-http"),
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.server.Addr, err)
	}
	m.addr = ln.Addr().String()

	m.serveErr = make(chan error, 1)
	go func() {
		var err error
		if m.config.EnableTLS {
			err = m.server.ServeTLS(ln, m.config.TLS.CertFile, m.config.TLS.KeyFile)
		} else {
			err = m.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Errorf("Webserver error: %v", err)
		}
		m.serveErr <- err
	}()

	m.running = true
	m.startTime = time.Now()

	m.logger.Infof("Webserver started on %s", m.GetAddress())
	return nil
}

// Stop 停止webserver管理器
func (m *Manager) Stop(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return nil
	}

	m.logger.Info("Stopping webserver manager...")
	if m.cancel != nil {
		m.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Warnf("Error during server shutdown: %v", err)
		_ = m.server.Close()
	}
	<-m.serveErr

	m.running = false
	m.logger.Info("Webserver manager stopped")
	return nil
}

// IsEnabled webserver 始终启用
func (m *Manager) IsEnabled() bool {
	return true
}

// IsRunning 检查webserver是否正在运行
func (m *Manager) IsRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.running
}

// GetStats 获取webserver统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := map[string]interface{}{
		"running":    m.running,
		"address":    m.addr,
		"tls":        m.config.EnableTLS,
		"cors":       m.config.EnableCORS,
		"components": m.webServer.ListComponents(),
	}
	if m.running {
		stats["uptime"] = time.Since(m.startTime).Seconds()
	}
	return stats
}

// GetContext 获取组件的上下文
func (m *Manager) GetContext() context.Context {
	return m.ctx
}

// GetWebServer 获取webserver实例
func (m *Manager) GetWebServer() *WebServer {
	return m.webServer
}

// GetAddress 获取服务器地址，启动后为实际监听地址
func (m *Manager) GetAddress() string {
	protocol := "http"
	if m.config.EnableTLS {
		protocol = "https"
	}
	addr := m.addr
	if addr == "" {
		addr = m.config.Addr()
	}
	return fmt.Sprintf("%s://%s", protocol, addr)
}
