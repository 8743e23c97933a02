package monitor

import (
	"fmt"

	"copymirror/config"
	"copymirror/logger"

	pyroscope "github.com/grafana/pyroscope-go"
)

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logger.Debug(format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logger.Debug(format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logger.Warn(format, args...) }

// StartProfiler 按配置启动持续性能剖析，未启用时返回 nil
func StartProfiler(cfg *config.Config) (*pyroscope.Profiler, error) {
	if !cfg.Profiling.Enabled {
		return nil, nil
	}
	if cfg.Profiling.ServerAddress == "" {
		return nil, fmt.Errorf("profiling.server_address 未配置")
	}

	name := cfg.App.Name
	if name == "" {
		name = "copymirror"
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.Profiling.ServerAddress,
		Tags: map[string]string{
			"instance": cfg.App.InstanceID,
		},
		Logger: profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("启动 pyroscope 失败: %w", err)
	}
	logger.Info("✅ [Monitor] 持续性能剖析已启动: %s", cfg.Profiling.ServerAddress)
	return profiler, nil
}
