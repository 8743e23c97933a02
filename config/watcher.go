package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher 配置文件监控器
type ConfigWatcher struct {
	configPath   string
	watcher      *fsnotify.Watcher
	hotReloader  *HotReloader
	pollInterval time.Duration
	settleDelay  time.Duration

	mu          sync.Mutex
	isWatching  bool
	lastModTime time.Time

	// 需要重启才能生效的变更
	restartChan chan *ConfigDiff
	errorChan   chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, hotReloader *HotReloader) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	var lastModTime time.Time
	if info, err := os.Stat(abs); err == nil {
		lastModTime = info.ModTime()
	}

	return &ConfigWatcher{
		configPath:   abs,
		watcher:      watcher,
		hotReloader:  hotReloader,
		pollInterval: time.Second,
		settleDelay:  100 * time.Millisecond,
		lastModTime:  lastModTime,
		restartChan:  make(chan *ConfigDiff, 1),
		errorChan:    make(chan error, 10),
	}, nil
}

// Start 开始监控配置文件（监控所在目录以兼容编辑器的原子替换）
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}
	cw.isWatching = true

	go cw.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.isWatching {
		return nil
	}
	cw.isWatching = false
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	// 轮询作为 fsnotify 丢事件时的备用机制
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				time.Sleep(cw.settleDelay)
				cw.reload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.reportError(err)

		case <-ticker.C:
			cw.reload()
		}
	}
}

// reload 文件修改时间变化时重新加载
func (cw *ConfigWatcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	info, err := os.Stat(cw.configPath)
	if err != nil {
		return
	}
	if !info.ModTime().After(cw.lastModTime) {
		return
	}
	cw.lastModTime = info.ModTime()

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}

	diff, err := cw.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		cw.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}

	if diff.RequiresRestart {
		select {
		case cw.restartChan <- diff:
		default:
		}
	}
}

func (cw *ConfigWatcher) reportError(err error) {
	select {
	case cw.errorChan <- err:
	default:
	}
}

// RestartRequired 需要重启才能生效的变更
func (cw *ConfigWatcher) RestartRequired() <-chan *ConfigDiff {
	return cw.restartChan
}

// Errors 错误通道
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errorChan
}
