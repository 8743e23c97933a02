package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"copymirror/copytrade"
	"copymirror/logger"

	"github.com/gin-gonic/gin"
)

func startMirroring(c *gin.Context) {
	eng := getEngine()
	if eng == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	if err := eng.StartMirroring(); err != nil {
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	logger.Info("▶️ [Web] 运维开始跟单 (%s)", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"mirroring": true})
}

func stopMirroring(c *gin.Context) {
	eng := getEngine()
	if eng == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	if err := eng.StopMirroring(); err != nil {
		respondError(c, http.StatusInternalServerError, "web.internal_error", err)
		return
	}
	logger.Warn("⏸️ [Web] 运维停止跟单 (%s)", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"mirroring": false})
}

// flattenAll 停止跟单并平掉全部跟单持仓，部分失败时返回 207
func flattenAll(c *gin.Context) {
	eng := getEngine()
	if eng == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	logger.Warn("🧹 [Web] 运维一键平仓 (%s)", c.ClientIP())
	n, err := eng.Flatten(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if n > 0 {
			status = http.StatusMultiStatus
		}
		c.JSON(status, gin.H{"mirroring": false, "submitted": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mirroring": false, "submitted": n})
}

func acknowledgeKey(c *gin.Context) {
	eng := getEngine()
	if eng == nil {
		respondError(c, http.StatusServiceUnavailable, "web.service_unavailable")
		return
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 || idx > 2 || symbol == "" {
		respondError(c, http.StatusBadRequest, "web.invalid_param")
		return
	}

	key := copytrade.PositionKey{Symbol: symbol, Idx: idx}
	if !eng.Acknowledge(key) {
		respondError(c, http.StatusNotFound, "web.key_not_found")
		return
	}
	logger.Info("✅ [Web] 运维确认 %s (%s)", key, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"key": key.String(), "acknowledged": true})
}
