package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadFunc 配置文件变更后以新配置回调
type ReloadFunc func(*Config)

// Watcher 监听配置文件变化，只有通过验证的配置才会回调
// 监听的是所在目录，编辑器以 rename 方式保存时也能收到事件
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   *logrus.Entry
	watcher  *fsnotify.Watcher
}

// NewWatcher 创建配置文件监听器
func NewWatcher(path string, onReload ReloadFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: 200 * time.Millisecond,
		onReload: onReload,
		logger:   GetLoggerWithPrefix("config"),
		watcher:  fw,
	}, nil
}

// Run 处理文件事件直到 ctx 取消
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// 一次保存通常触发多个事件
			pending = time.After(w.debounce)

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warnf("Ignoring config change: %v", err)
		return
	}
	w.logger.Infof("Config file %s reloaded", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
