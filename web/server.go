package web

import (
	"net/http/pprof"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pprof 按名称暴露的 profile
var namedProfiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

// SetupRoutes 注册全部路由
// 只读接口公开；启停、平仓、确认和 pprof 需要 X-API-Key，未配置密钥时返回 403
func SetupRoutes(r *gin.Engine) {
	r.GET("/health", getHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	registerReadRoutes(api)

	operator := api.Group("", apiKeyMiddleware())
	operator.POST("/mirror/start", startMirroring)
	operator.POST("/mirror/stop", stopMirroring)
	operator.POST("/mirror/flatten", flattenAll)
	operator.POST("/keys/:symbol/:idx/ack", acknowledgeKey)

	registerPprof(r.Group("/debug/pprof", apiKeyMiddleware()))
}

func registerReadRoutes(api *gin.RouterGroup) {
	api.GET("/status", getStatus)
	api.GET("/system", getSystem)
	api.GET("/metrics", getMetrics)

	api.GET("/positions/open", getOpenPositions)
	api.GET("/positions/closed", getClosedPositions)
	api.GET("/orders", getOrders)
	api.GET("/trades", getTrades)
	api.GET("/reconciliations", getReconciliations)
	api.GET("/events", handleGetEvents)
	api.GET("/logs", getLogs)
}

func registerPprof(g *gin.RouterGroup) {
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range namedProfiles {
		g.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
}
