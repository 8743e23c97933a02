package web

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"copymirror/copytrade"
	"copymirror/database"
	"copymirror/engine"
	"copymirror/logger"
	"copymirror/monitor"
	"copymirror/storage"

	"github.com/gin-gonic/gin"
)

// EngineProvider 跟单引擎：状态与运维命令
type EngineProvider interface {
	Status() engine.Status
	StartMirroring() error
	StopMirroring() error
	Flatten(ctx context.Context) (int, error)
	Acknowledge(key copytrade.PositionKey) bool
}

// StoreProvider 读模型查询
type StoreProvider interface {
	GetOpenPositions(ctx context.Context) ([]*database.PositionRecord, error)
	GetClosedPositions(ctx context.Context, limit int) ([]*database.PositionRecord, error)
	GetEquitySeries(ctx context.Context, role string, since time.Time) ([]*database.EquitySnapshot, error)
	GetOrders(ctx context.Context, filter *database.OrderFilter) ([]*database.Order, error)
	GetTrades(ctx context.Context, filter *database.TradeFilter) ([]*database.Trade, error)
	GetReconciliations(ctx context.Context, filter *database.ReconciliationFilter) ([]*database.Reconciliation, error)
	GetEvents(ctx context.Context, filter *database.EventFilter) ([]*database.EventRecord, error)
	Ping(ctx context.Context) error
}

// LogStorageProvider 日志查询
type LogStorageProvider interface {
	GetLogs(params storage.LogQueryParams) ([]*storage.LogRecord, int, error)
}

// SystemMetricsProvider 进程资源
type SystemMetricsProvider interface {
	Latest() (*monitor.SystemMetrics, error)
}

var (
	providersMu           sync.RWMutex
	engineProvider        EngineProvider
	storeProvider         StoreProvider
	logStorageProvider    LogStorageProvider
	systemMetricsProvider SystemMetricsProvider
	version               = "dev"
	startTime             = time.Now()
)

// SetEngineProvider 设置引擎
func SetEngineProvider(p EngineProvider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	engineProvider = p
}

// SetStoreProvider 设置读模型
func SetStoreProvider(p StoreProvider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	storeProvider = p
}

// SetLogStorageProvider 设置日志存储
func SetLogStorageProvider(p LogStorageProvider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	logStorageProvider = p
}

// SetSystemMetricsProvider 设置进程资源采样
func SetSystemMetricsProvider(p SystemMetricsProvider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	systemMetricsProvider = p
}

// SetVersion 设置版本号
func SetVersion(v string) {
	providersMu.Lock()
	defer providersMu.Unlock()
	version = v
}

func getEngine() EngineProvider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return engineProvider
}

func getStore() StoreProvider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return storeProvider
}

func getLogStorage() LogStorageProvider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return logStorageProvider
}

func getSystemMetrics() SystemMetricsProvider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return systemMetricsProvider
}

// queryInt 解析整数参数，非法或越界时取默认值并截断到上限
func queryInt(c *gin.Context, name string, def, max int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// respondError 返回本地化错误
func respondError(c *gin.Context, status int, key string, err ...error) {
	body := gin.H{"error": T(c, key)}
	if len(err) > 0 && err[0] != nil {
		body["detail"] = err[0].Error()
	}
	c.JSON(status, body)
}

func getHealth(c *gin.Context) {
	body := gin.H{"status": "ok", "time": time.Now().UTC()}
	if store := getStore(); store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	if eng := getEngine(); eng != nil {
		body["mirroring"] = eng.Status().Mirroring
	}
	c.JSON(http.StatusOK, body)
}

func getOpenPositions(c *gin.Context) {
	store := getStore()
	if store == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	positions, err := store.GetOpenPositions(c.Request.Context())
	if err != nil {
		logger.Error("❌ [Web] 查询持仓失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func getClosedPositions(c *gin.Context) {
	store := getStore()
	if store == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	limit := queryInt(c, "limit", 100, 1000)
	positions, err := store.GetClosedPositions(c.Request.Context(), limit)
	if err != nil {
		logger.Error("❌ [Web] 查询已平仓记录失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// getMetrics 跟单账户权益 KPI 与曲线
func getMetrics(c *gin.Context) {
	store := getStore()
	if store == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	hours := queryInt(c, "hours", 24, 24*90)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	series, err := store.GetEquitySeries(c.Request.Context(), string(copytrade.RoleFollower), since)
	if err != nil {
		logger.Error("❌ [Web] 查询权益序列失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hours":  hours,
		"kpis":   database.ComputeKPIs(series),
		"equity": database.EquityPoints(series),
		"margin": database.MarginPoints(series),
	})
}

func getStatus(c *gin.Context) {
	eng := getEngine()
	if eng == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	c.JSON(http.StatusOK, eng.Status())
}

func getSystem(c *gin.Context) {
	providersMu.RLock()
	v := version
	providersMu.RUnlock()

	body := gin.H{
		"version":    v,
		"go_version": runtime.Version(),
		"uptime":     time.Since(startTime).Truncate(time.Second).String(),
	}
	if p := getSystemMetrics(); p != nil {
		m, err := p.Latest()
		if err != nil {
			logger.Warn("⚠️ [Web] 采集进程资源失败: %v", err)
		} else {
			body["process"] = m
		}
	}
	c.JSON(http.StatusOK, body)
}

func getLogs(c *gin.Context) {
	ls := getLogStorage()
	if ls == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []interface{}{}, "total": 0})
		return
	}

	params := storage.LogQueryParams{
		Level:   c.Query("level"),
		Keyword: c.Query("keyword"),
		Limit:   queryInt(c, "limit", 100, 1000),
		Offset:  queryInt(c, "offset", 0, 1<<20),
	}
	start, _, ok := queryTimeRange(c)
	if !ok {
		return
	}
	if start != nil {
		params.StartTime = *start
	}

	logs, total, err := ls.GetLogs(params)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}

