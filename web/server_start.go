package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"copymirror/config"
	"copymirror/logger"

	"github.com/gin-gonic/gin"
)

// WebServer Web服务器
type WebServer struct {
	server *http.Server
	addr   string
}

// NewWebServer 创建Web服务器，web.enabled=false 时返回 nil
func NewWebServer(cfg *config.Config) *WebServer {
	if !cfg.Web.Enabled {
		return nil
	}

	if cfg.System.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(GinLoggerMiddleware(cfg.System.LogLevel == "debug"))
	r.Use(I18nMiddleware(cfg.System.Language))
	SetupRoutes(r)
	SetAPIKeyHash(cfg.Web.APIKeyHash)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	return &WebServer{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 45 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Run 启动并阻塞到 ctx 取消
func (ws *WebServer) Run(ctx context.Context) error {
	if ws == nil {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s", ws.addr)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("Web服务器启动失败: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("❌ Web服务器关闭失败: %v", err)
		return err
	}
	logger.Info("✅ Web服务器已关闭")
	return nil
}
