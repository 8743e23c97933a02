package web

import (
	"fmt"
	"net/http"
	"time"

	"copymirror/logger"

	"github.com/gin-gonic/gin"
)

// 采集与探活路径，访问量大且没有排查价值
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// GinLoggerMiddleware 访问日志写入 web 日志文件
// verbose=false 时只记录失败请求和运维操作；运维操作同时写入主日志留痕
func GinLoggerMiddleware(verbose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.Request.URL.Path
		operator := c.Request.Method != http.MethodGet && status != http.StatusNotFound

		if !verbose && !operator && status < http.StatusBadRequest {
			return
		}
		if quietPaths[path] && status < http.StatusBadRequest {
			return
		}

		msg := fmt.Sprintf("[GIN] %d | %v | %s | %-6s %s",
			status, time.Since(start).Truncate(time.Microsecond), c.ClientIP(), c.Request.Method, path)
		if q := c.Request.URL.RawQuery; q != "" {
			msg += "?" + q
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			msg += " | " + errs
		}
		logger.WriteWebLog(msg)

		if operator && status < http.StatusBadRequest {
			logger.Info("🛠️ [Web] 运维操作 %s %s 来自 %s", c.Request.Method, path, c.ClientIP())
		}
	}
}
