package config

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigUpdateCallback 配置更新回调，只会收到可热更新的变更
type ConfigUpdateCallback func(oldConfig, newConfig *Config, diff *ConfigDiff) error

// HotReloader 配置热更新器
type HotReloader struct {
	mu            sync.RWMutex
	currentConfig *Config
	callbacks     []ConfigUpdateCallback
}

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.callbacks = append(hr.callbacks, callback)
}

// UpdateConfig 应用新配置中可热更新的部分
// 需要重启的变更不会生效，只在返回的 diff 中标出
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.currentConfig, newConfig)
	if len(diff.Changes) == 0 {
		return diff, nil
	}

	next, err := cloneConfig(hr.currentConfig)
	if err != nil {
		return nil, err
	}
	copyHotSections(next, newConfig)

	hot := &ConfigDiff{Changes: diff.HotReloadable()}
	if len(hot.Changes) > 0 {
		for _, cb := range hr.callbacks {
			if err := cb(hr.currentConfig, next, hot); err != nil {
				return nil, fmt.Errorf("配置更新回调执行失败: %w", err)
			}
		}
	}

	hr.currentConfig = next
	return diff, nil
}

// GetCurrentConfig 获取当前生效的配置
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}

// copyHotSections 与 hotReloadablePaths 保持一致
func copyHotSections(dest, src *Config) {
	dest.Copy.Symbols = src.Copy.Symbols
	dest.Copy.ExcludeSymbols = src.Copy.ExcludeSymbols
	dest.Copy.CopyLeverage = src.Copy.CopyLeverage
	dest.Copy.CopyMarginMode = src.Copy.CopyMarginMode
	dest.Copy.CopyTrailing = src.Copy.CopyTrailing
	dest.Copy.CopyMargin = src.Copy.CopyMargin
	dest.Risk = src.Risk
	dest.Trailing = src.Trailing
	dest.Margin = src.Margin
	dest.Reconcile.Tolerance = src.Reconcile.Tolerance
	dest.Reconcile.MaxFailedCycles = src.Reconcile.MaxFailedCycles
	dest.Notifications = src.Notifications
	dest.System.LogLevel = src.System.LogLevel
	dest.Web.APIKeyHash = src.Web.APIKeyHash
}

// cloneConfig 通过 YAML 往返做深拷贝
func cloneConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("复制配置失败: %w", err)
	}
	out := &Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("复制配置失败: %w", err)
	}
	return out, nil
}
