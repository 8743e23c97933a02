package web

import (
	"net/http"
	"sync"

	"copymirror/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader 运维接口认证头
const APIKeyHeader = "X-API-Key"

var (
	apiKeyMu   sync.RWMutex
	apiKeyHash string
)

// SetAPIKeyHash 设置运维密钥的 bcrypt 哈希，为空时运维接口全部拒绝
func SetAPIKeyHash(hash string) {
	apiKeyMu.Lock()
	defer apiKeyMu.Unlock()
	apiKeyHash = hash
}

// HashAPIKey 生成 web.api_key_hash 配置值
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// apiKeyMiddleware 运维接口认证
func apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKeyMu.RLock()
		hash := apiKeyHash
		apiKeyMu.RUnlock()

		if hash == "" {
			respondError(c, http.StatusForbidden, "web.operator_disabled")
			c.Abort()
			return
		}

		key := c.GetHeader(APIKeyHeader)
		if key == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
			logger.Warn("⚠️ [Web] 运维接口认证失败: %s %s (%s)", c.Request.Method, c.Request.URL.Path, c.ClientIP())
			respondError(c, http.StatusUnauthorized, "web.unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}
