package web

import (
	"strings"

	cmi18n "copymirror/i18n"

	"github.com/gin-gonic/gin"
)

// I18nMiddleware 解析请求的 Accept-Language 头并设置到上下文，缺省使用 system.language
func I18nMiddleware(defaultLang string) gin.HandlerFunc {
	if norm := cmi18n.Normalize(defaultLang); norm != "" {
		defaultLang = norm
	} else {
		defaultLang = cmi18n.LangZH
	}
	return func(c *gin.Context) {
		lang := parseAcceptLanguage(c.GetHeader("Accept-Language"), defaultLang)
		c.Set("language", lang)
		c.Next()
	}
}

// parseAcceptLanguage 取 Accept-Language 中第一个支持的语言
// 示例: "fr-FR,en;q=0.8" -> "en-US"
func parseAcceptLanguage(acceptLang, def string) string {
	for _, part := range strings.Split(acceptLang, ",") {
		tag, _, _ := strings.Cut(part, ";")
		if lang := cmi18n.Normalize(tag); lang != "" {
			return lang
		}
	}
	return def
}

// GetLanguage 从上下文获取语言
func GetLanguage(c *gin.Context) string {
	if lang, ok := c.Get("language"); ok {
		if l, ok := lang.(string); ok {
			return l
		}
	}
	return cmi18n.GetSystemLanguage()
}

// T 翻译消息（从上下文获取语言）
func T(c *gin.Context, key string, data ...interface{}) string {
	return cmi18n.TWithLang(GetLanguage(c), key, data...)
}
