package monitor

import (
	"context"
	"sync"
	"time"

	"copymirror/logger"
	"copymirror/metrics"
)

// Sampler 定期采集进程资源和 Go 运行时状态并写入 Prometheus
type Sampler struct {
	interval time.Duration
	collect  func() (*SystemMetrics, error)
	runtime  *metrics.RuntimeObserver

	mu     sync.RWMutex
	latest *SystemMetrics
}

// NewSampler 创建采样器
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{
		interval: interval,
		collect:  CollectSystemMetrics,
		runtime:  metrics.NewRuntimeObserver(),
	}
}

// Run 阻塞直到 ctx 取消
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	if s.runtime != nil {
		s.runtime.Observe()
	}
	m, err := s.collect()
	if err != nil {
		logger.Warn("⚠️ [Monitor] 采集进程资源失败: %v", err)
		return
	}
	metrics.GetPrometheusMetrics().SetProcessStats(m.CPUPercent, m.RSSBytes, m.MemoryPercent)

	s.mu.Lock()
	s.latest = m
	s.mu.Unlock()
}

// Latest 最近一次采样，尚未采样时实时采集
func (s *Sampler) Latest() (*SystemMetrics, error) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest != nil {
		return latest, nil
	}
	return s.collect()
}
