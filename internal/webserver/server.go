package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// Version 构建版本，由 main 在启动时设置
var Version = "dev"

// WebServer Web服务器
type WebServer struct {
	config     *config.WebServerConfig
	server     *http.Server
	router     *mux.Router
	logger     *logrus.Entry
	mutex      sync.RWMutex
	running    bool
	startTime  time.Time
	components map[string]ComponentManager // 注册的组件
}

// NewWebServer 创建Web服务器
func NewWebServer(cfg *config.WebServerConfig) (*WebServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ws := &WebServer{
		config:     cfg,
		router:     mux.NewRouter(),
		logger:     config.GetLoggerWithPrefix("webserver"),
		startTime:  time.Now(),
		components: make(map[string]ComponentManager),
	}

	ws.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      ws.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     config.GetStandardLoggerWithPrefix("webserver-http"),
	}

	return ws, nil
}

// GetRouter 获取路由器实例
func (ws *WebServer) GetRouter() *mux.Router {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return ws.router
}

// GetHandler 构建路由 (包括组件路由) 并返回 HTTP 处理器
func (ws *WebServer) GetHandler() http.Handler {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	ws.setupRoutes()
	return ws.router
}

// API处理器
func (ws *WebServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	})
}

// handleHealth 汇总实现了 HealthChecker 的组件
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()

	checks := map[string]any{
		"webserver": map[string]any{"running": ws.running},
	}
	healthy := true
	for name, component := range ws.components {
		checker, ok := component.(HealthChecker)
		if !ok {
			checks[name] = map[string]any{"running": component.IsRunning()}
			continue
		}
		details, err := checker.HealthCheck()
		if err != nil {
			healthy = false
			if details == nil {
				details = map[string]interface{}{}
			}
			details["error"] = err.Error()
		}
		checks[name] = details
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	ws.writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(ws.startTime).Seconds(),
		"checks": checks,
	})
}

// handleComponentList 处理组件列表请求
func (ws *WebServer) handleComponentList(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()

	list := make([]map[string]any, 0, len(ws.components))
	for _, name := range ws.listComponentsLocked() {
		c := ws.components[name]
		list = append(list, map[string]any{
			"name":    name,
			"enabled": c.IsEnabled(),
			"running": c.IsRunning(),
		})
	}
	ws.writeJSON(w, http.StatusOK, map[string]any{"components": list})
}

// handleComponentStats 处理单个组件统计信息请求
func (ws *WebServer) handleComponentStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	component, ok := ws.GetComponent(name)
	if !ok {
		ws.writeJSON(w, http.StatusNotFound, map[string]any{
			"status":  "error",
			"kind":    "NotFound",
			"message": fmt.Sprintf("component %s not found", name),
		})
		return
	}
	ws.writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"enabled": component.IsEnabled(),
		"running": component.IsRunning(),
		"stats":   component.GetStats(),
	})
}

// 工具方法
func (ws *WebServer) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		ws.logger.Debugf("Failed to encode JSON: %v", err)
	}
}

// Start 启动Web服务器，阻塞直到服务器关闭
func (ws *WebServer) Start() error {
	ws.mutex.Lock()
	ws.setupRoutes()
	ws.running = true
	ws.startTime = time.Now()
	ws.mutex.Unlock()

	ws.logger.Infof("Starting web server on %s", ws.server.Addr)

	if ws.config.EnableTLS {
		return ws.server.ListenAndServeTLS(ws.config.TLS.CertFile, ws.config.TLS.KeyFile)
	}
	return ws.server.ListenAndServe()
}

// Stop 停止Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	ws.mutex.Lock()
	ws.running = false
	ws.mutex.Unlock()

	ws.logger.Info("Stopping web server...")
	return ws.server.Shutdown(ctx)
}

// IsRunning 检查服务器是否运行中
func (ws *WebServer) IsRunning() bool {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return ws.running
}

// RegisterComponent 注册组件
func (ws *WebServer) RegisterComponent(name string, component ComponentManager) error {
	if component == nil {
		return fmt.Errorf("component %s is nil", name)
	}

	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if _, exists := ws.components[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	ws.components[name] = component
	ws.logger.Debugf("Component %s registered", name)

	// 服务器已运行时立即设置组件路由
	if ws.running {
		if err := component.SetupRoutes(ws.router); err != nil {
			delete(ws.components, name)
			return fmt.Errorf("failed to setup routes for component %s: %w", name, err)
		}
	}
	return nil
}

// UnregisterComponent 注销组件。已注册的路由要到下次构建路由时才会移除
func (ws *WebServer) UnregisterComponent(name string) error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if _, exists := ws.components[name]; !exists {
		return fmt.Errorf("component %s not found", name)
	}
	delete(ws.components, name)
	ws.logger.Debugf("Component %s unregistered", name)
	return nil
}

// GetComponent 获取已注册的组件
func (ws *WebServer) GetComponent(name string) (ComponentManager, bool) {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()

	component, exists := ws.components[name]
	return component, exists
}

// ListComponents 列出所有已注册的组件名称
func (ws *WebServer) ListComponents() []string {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return ws.listComponentsLocked()
}

func (ws *WebServer) listComponentsLocked() []string {
	names := make([]string, 0, len(ws.components))
	for name := range ws.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// setupComponentRoutes 设置组件路由，调用方必须持有 mutex
func (ws *WebServer) setupComponentRoutes() error {
	for _, name := range ws.listComponentsLocked() {
		if err := ws.components[name].SetupRoutes(ws.router); err != nil {
			return fmt.Errorf("failed to setup routes for component %s: %w", name, err)
		}
		ws.logger.Debugf("Routes for component %s set up", name)
	}
	return nil
}
