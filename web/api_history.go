package web

import (
	"context"
	"net/http"
	"time"

	"copymirror/database"
	"copymirror/logger"
	"copymirror/utils"

	"github.com/gin-gonic/gin"
)

// 历史查询超时，SQLite 大表按时间扫描时可能较慢
const historyQueryTimeout = 10 * time.Second

// queryTimeRange 解析 start_time / end_time，格式见 utils.ParseTimeParam
// 参数非法时已写入 400 响应，调用方直接返回
func queryTimeRange(c *gin.Context) (start, end *time.Time, ok bool) {
	parse := func(name string) (*time.Time, bool) {
		s := c.Query(name)
		if s == "" {
			return nil, true
		}
		t, err := utils.ParseTimeParam(s)
		if err != nil {
			respondError(c, http.StatusBadRequest, "web.invalid_param", err)
			return nil, false
		}
		return &t, true
	}
	if start, ok = parse("start_time"); !ok {
		return nil, nil, false
	}
	if end, ok = parse("end_time"); !ok {
		return nil, nil, false
	}
	if start != nil && end != nil && end.Before(*start) {
		respondError(c, http.StatusBadRequest, "web.invalid_param")
		return nil, nil, false
	}
	return start, end, true
}

// historyContext 查询用的 ctx，跟随请求取消
func historyContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), historyQueryTimeout)
}

// getOrders 跟单订单，按交易对和状态筛选
func getOrders(c *gin.Context) {
	store := getStore()
	if store == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	ctx, cancel := historyContext(c)
	defer cancel()

	orders, err := store.GetOrders(ctx, &database.OrderFilter{
		Symbol: c.Query("symbol"),
		State:  c.Query("state"),
		Limit:  queryInt(c, "limit", 100, 1000),
		Offset: queryInt(c, "offset", 0, 1<<20),
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// getTrades 跟单账户成交
func getTrades(c *gin.Context) {
	store := getStore()
	if store == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	start, end, ok := queryTimeRange(c)
	if !ok {
		return
	}
	ctx, cancel := historyContext(c)
	defer cancel()

	trades, err := store.GetTrades(ctx, &database.TradeFilter{
		Symbol:    c.Query("symbol"),
		StartTime: start,
		EndTime:   end,
		Limit:     queryInt(c, "limit", 100, 1000),
		Offset:    queryInt(c, "offset", 0, 1<<20),
	})
	if err != nil {
		logger.Error("❌ [Web] 查询成交失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// getReconciliations 对账记录，only_diffs=true 只看有偏差的轮次
func getReconciliations(c *gin.Context) {
	store := getStore()
	if store == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	start, end, ok := queryTimeRange(c)
	if !ok {
		return
	}
	ctx, cancel := historyContext(c)
	defer cancel()

	records, err := store.GetReconciliations(ctx, &database.ReconciliationFilter{
		OnlyDiffs: c.Query("only_diffs") == "true",
		StartTime: start,
		EndTime:   end,
		Limit:     queryInt(c, "limit", 50, 500),
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliations": records, "count": len(records)})
}

// handleGetEvents 事件列表，支持按类型、严重程度、来源、交易对筛选
func handleGetEvents(c *gin.Context) {
	store := getStore()
	if store == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	start, end, ok := queryTimeRange(c)
	if !ok {
		return
	}
	ctx, cancel := historyContext(c)
	defer cancel()

	events, err := store.GetEvents(ctx, &database.EventFilter{
		Type:      c.Query("type"),
		Severity:  c.Query("severity"),
		Source:    c.Query("source"),
		Symbol:    c.Query("symbol"),
		StartTime: start,
		EndTime:   end,
		Limit:     queryInt(c, "limit", 100, 1000),
		Offset:    queryInt(c, "offset", 0, 1<<20),
	})
	if err != nil {
		logger.Error("❌ [Web] 查询事件失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
