package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/engine"
	"github.com/open-beagle/bdwind-vcam/internal/gstreamer"
	"github.com/open-beagle/bdwind-vcam/internal/metrics"
	"github.com/open-beagle/bdwind-vcam/internal/recording"
	"github.com/open-beagle/bdwind-vcam/internal/webserver"
)

// lifecycle 各管理器共有的启停方法
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

type managerInfo struct {
	name    string
	manager lifecycle
}

// BDWindApp 虚拟摄像头应用
type BDWindApp struct {
	config       *config.Config
	configPath   string
	webserverMgr *webserver.Manager
	engineMgr    *engine.Manager
	metricsMgr   *metrics.Manager
	logger       *logrus.Entry
	startTime    time.Time

	rootCtx    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	sigChan    chan os.Signal
}

// NewBDWindApp 创建应用。configPath 非空时启动后监听配置文件变化
func NewBDWindApp(cfg *config.Config, configPath string, logger *logrus.Entry) (*BDWindApp, error) {
	if logger == nil {
		logger = config.GetLoggerWithPrefix("app")
	}

	rootCtx, cancelFunc := context.WithCancel(context.Background())

	// 创建监控管理器
	metricsMgr, err := metrics.NewManager(cfg.Metrics, nil)
	if err != nil {
		cancelFunc()
		return nil, fmt.Errorf("failed to create metrics manager: %w", err)
	}

	// 创建引擎，GStreamer 后端与解码器在这里注入
	engineMgr, err := engine.NewManager(cfg, engine.Options{
		RegisterBackends: gstreamer.RegisterBackends,
		FileOpener:       gstreamer.NewOpener(gstreamer.DecoderOptionsFromConfig(cfg), nil),
		Muxers: map[string]recording.MuxerFactory{
			gstreamer.MuxerName: func() recording.Muxer { return gstreamer.NewMuxer(nil) },
		},
		Metrics: metricsMgr.Engine(),
	})
	if err != nil {
		cancelFunc()
		return nil, fmt.Errorf("failed to create engine manager: %w", err)
	}
	metricsMgr.AddCollector(engineMgr.Collect)

	// 创建webserver管理器
	webserverMgr, err := webserver.NewManager(rootCtx, cfg.WebServer, nil)
	if err != nil {
		cancelFunc()
		return nil, fmt.Errorf("failed to create webserver manager: %w", err)
	}

	return &BDWindApp{
		config:       cfg,
		configPath:   configPath,
		webserverMgr: webserverMgr,
		engineMgr:    engineMgr,
		metricsMgr:   metricsMgr,
		logger:       logger,
		startTime:    time.Now(),
		rootCtx:      rootCtx,
		cancelFunc:   cancelFunc,
		sigChan:      make(chan os.Signal, 1),
	}, nil
}

// Start 按 metrics → engine → webserver 顺序启动，失败时回滚已启动的组件
func (app *BDWindApp) Start() error {
	app.logger.Infof("Starting %s v%s", AppName, AppVersion)

	signal.Notify(app.sigChan, syscall.SIGINT, syscall.SIGTERM)
	app.wg.Add(1)
	go app.handleSignals()

	managers := []managerInfo{
		{"metrics", app.metricsMgr},
		{"engine", app.engineMgr},
		{"webserver", app.webserverMgr},
	}

	startCtx, cancel := context.WithTimeout(app.rootCtx, app.config.Lifecycle.StartupTimeout)
	defer cancel()

	for i, mgr := range managers {
		if mgr.name == "webserver" {
			// 路由在 webserver 启动时构建，组件必须先注册
			if err := app.registerComponentsWithWebServer(); err != nil {
				app.rollback(managers[:i])
				return fmt.Errorf("failed to register components with webserver: %w", err)
			}
		}

		app.logger.Infof("Starting %s manager...", mgr.name)
		if err := mgr.manager.Start(startCtx); err != nil {
			app.logger.Errorf("Failed to start %s manager: %v", mgr.name, err)
			app.rollback(managers[:i])
			return fmt.Errorf("failed to start %s manager: %w", mgr.name, err)
		}
		app.logger.Debugf("%s manager started successfully", mgr.name)
	}

	if app.configPath != "" {
		if err := app.watchConfig(); err != nil {
			// 热更新不可用不影响运行
			app.logger.Warnf("Config hot reload disabled: %v", err)
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// rollback 逆序停止已启动的组件
func (app *BDWindApp) rollback(started []managerInfo) {
	for j := len(started) - 1; j >= 0; j-- {
		app.logger.Infof("Rolling back: stopping %s manager...", started[j].name)
		if err := started[j].manager.Stop(context.Background()); err != nil {
			app.logger.Warnf("Failed to stop %s during rollback: %v", started[j].name, err)
		}
	}
}

// watchConfig 配置文件变化时热更新引擎
func (app *BDWindApp) watchConfig() error {
	watcher, err := config.NewWatcher(app.configPath, app.reloadConfig)
	if err != nil {
		return err
	}
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		watcher.Run(app.rootCtx)
	}()
	app.logger.Infof("Watching %s for changes", app.configPath)
	return nil
}

func (app *BDWindApp) reloadConfig(cfg *config.Config) {
	// 监听地址与后端选择需要重启才能生效
	if *cfg.WebServer != *app.config.WebServer {
		app.logger.Warn("Web server settings changed, restart to apply")
	}
	if err := app.engineMgr.ApplyConfig(cfg); err != nil {
		app.logger.Warnf("Config reload incomplete: %v", err)
	}
}

// Stop 按启动的逆序停止组件，收集所有错误
func (app *BDWindApp) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application...")

	app.cancelFunc()
	app.wg.Wait()
	signal.Stop(app.sigChan)

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), app.config.Lifecycle.ShutdownTimeout)
		defer cancel()
	}

	managers := []managerInfo{
		{"webserver", app.webserverMgr},
		{"engine", app.engineMgr},
		{"metrics", app.metricsMgr},
	}

	var errs []error
	for _, mgr := range managers {
		app.logger.Debugf("Stopping %s manager...", mgr.name)
		if err := mgr.manager.Stop(ctx); err != nil {
			app.logger.Errorf("Failed to stop %s manager: %v", mgr.name, err)
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", mgr.name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		app.logger.Warnf("Application stopped with %d errors", len(errs))
		return err
	}
	app.logger.Info("Application stopped successfully")
	return nil
}

// Done 收到退出信号后关闭
func (app *BDWindApp) Done() <-chan struct{} {
	return app.rootCtx.Done()
}

// handleSignals handles OS signals for graceful shutdown
func (app *BDWindApp) handleSignals() {
	defer app.wg.Done()

	select {
	case sig := <-app.sigChan:
		app.logger.Infof("Received signal: %v, initiating graceful shutdown", sig)
		app.cancelFunc()
	case <-app.rootCtx.Done():
	}
}

// registerComponentsWithWebServer 注册需要暴露 HTTP 路由的组件
func (app *BDWindApp) registerComponentsWithWebServer() error {
	webServer := app.webserverMgr.GetWebServer()
	if webServer == nil {
		return fmt.Errorf("webserver instance is nil")
	}

	components := map[string]webserver.ComponentManager{
		"metrics": app.metricsMgr,
		"engine":  app.engineMgr,
	}
	for name, mgr := range components {
		if err := webServer.RegisterComponent(name, mgr); err != nil {
			return fmt.Errorf("failed to register %s component: %w", name, err)
		}
		app.logger.Debugf("%s component registered", name)
	}
	return nil
}

// IsHealthy 所有组件都在运行
func (app *BDWindApp) IsHealthy() bool {
	for _, mgr := range []managerInfo{
		{"metrics", app.metricsMgr},
		{"engine", app.engineMgr},
		{"webserver", app.webserverMgr},
	} {
		if !mgr.manager.IsRunning() {
			app.logger.Debugf("Component %s is not running", mgr.name)
			return false
		}
	}
	return true
}
