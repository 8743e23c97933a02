package monitor

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics 进程资源指标
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	RSSBytes      uint64    `json:"rss_bytes"`
	MemoryPercent float64   `json:"memory_percent"` // 占系统内存百分比
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	NumGC         uint32    `json:"num_gc"`
	ProcessID     int       `json:"process_id"`
}

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

func currentProcess() (*process.Process, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid()))
	})
	return self, selfErr
}

// CollectSystemMetrics 采集当前进程的资源指标
// CPU 占用率为距上次调用的区间值，首次调用为自进程启动以来的均值
func CollectSystemMetrics() (*SystemMetrics, error) {
	p, err := currentProcess()
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}

	cpuPercent, err := p.Percent(0)
	if err != nil {
		return nil, fmt.Errorf("获取CPU占用率失败: %w", err)
	}

	memInfo, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}

	var memoryPercent float64
	if memStat, err := mem.VirtualMemory(); err == nil && memStat.Total > 0 {
		memoryPercent = float64(memInfo.RSS) / float64(memStat.Total) * 100
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    cpuPercent,
		MemoryMB:      float64(memInfo.RSS) / 1024 / 1024,
		RSSBytes:      memInfo.RSS,
		MemoryPercent: memoryPercent,
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(m.HeapAlloc) / 1024 / 1024,
		NumGC:         m.NumGC,
		ProcessID:     os.Getpid(),
	}, nil
}
