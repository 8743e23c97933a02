package metrics

import (
	"runtime"
	"sync"
	"time"
)

// RuntimeObserver 把 Go 运行时状态写入 Prometheus
// 由 monitor.Sampler 在每次采样时调用，不单独起协程
type RuntimeObserver struct {
	mu     sync.Mutex
	pm     *PrometheusMetrics
	lastGC uint32
}

func NewRuntimeObserver() *RuntimeObserver {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	// 启动前的 GC 不计入停顿直方图
	return &RuntimeObserver{pm: GetPrometheusMetrics(), lastGC: m.NumGC}
}

// Observe 读取 MemStats，返回本次新增的 GC 次数
func (o *RuntimeObserver) Observe() int {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.pm.SetGoroutineCount(runtime.NumGoroutine())
	o.pm.SetMemoryAlloc(m.HeapAlloc)

	n := m.NumGC - o.lastGC
	// PauseNs 为 256 项环形缓冲
	for i := uint32(0); i < n && i < 256; i++ {
		if pause := m.PauseNs[(m.NumGC-i+255)%256]; pause > 0 {
			o.pm.RecordGCPause(time.Duration(pause))
		}
	}
	o.lastGC = m.NumGC
	return int(n)
}
