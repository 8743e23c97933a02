package i18n

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"copymirror/logger"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// 通知与接口错误支持的语言
const (
	LangZH = "zh-CN"
	LangEN = "en-US"
)

var supported = []string{LangZH, LangEN}

var (
	mu             sync.RWMutex
	bundle         *i18n.Bundle
	localizers     map[string]*i18n.Localizer
	systemLanguage = LangZH
)

// Normalize 把 zh / zh-TW / en-GB 等归一到支持的语言，无法识别时返回空串
func Normalize(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	switch {
	case strings.HasPrefix(l, "zh"):
		return LangZH
	case strings.HasPrefix(l, "en"):
		return LangEN
	default:
		return ""
	}
}

// Init 加载内置翻译，lang 为 system.language
// 不支持的语言回退到中文并返回错误
func Init(lang string) error {
	b := i18n.NewBundle(language.Chinese)
	b.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	locs := make(map[string]*i18n.Localizer, len(supported))
	for _, l := range supported {
		filename := fmt.Sprintf("locales/%s.yaml", l)
		if _, err := b.LoadMessageFileFS(localeFS, filename); err != nil {
			logger.Warn("⚠️ [i18n] 加载翻译文件 %s 失败: %v", filename, err)
			continue
		}
		locs[l] = i18n.NewLocalizer(b, l)
	}

	mu.Lock()
	bundle = b
	localizers = locs
	mu.Unlock()

	if lang == "" {
		return nil
	}
	norm := Normalize(lang)
	if norm == "" {
		return fmt.Errorf("不支持的语言 %s，使用 %s", lang, LangZH)
	}
	SetSystemLanguage(norm)
	return nil
}

func localizer(lang string) *i18n.Localizer {
	mu.RLock()
	defer mu.RUnlock()
	if bundle == nil {
		return nil
	}
	if l, ok := localizers[Normalize(lang)]; ok {
		return l
	}
	return localizers[systemLanguage]
}

// T 使用 system.language 翻译
func T(key string, data ...interface{}) string {
	return TWithLang(GetSystemLanguage(), key, data...)
}

// TWithLang 指定语言翻译，未初始化或缺少翻译时返回 key
// data 可选，为模板参数 map
func TWithLang(lang string, key string, data ...interface{}) string {
	loc := localizer(lang)
	if loc == nil {
		return key
	}

	var templateData map[string]interface{}
	if len(data) > 0 {
		if m, ok := data[0].(map[string]interface{}); ok {
			templateData = m
		}
	}

	msg, err := loc.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
	if err != nil {
		return key
	}
	return msg
}

// SetSystemLanguage 设置默认语言，不支持的语言忽略
func SetSystemLanguage(lang string) {
	norm := Normalize(lang)
	if norm == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	systemLanguage = norm
}

// GetSystemLanguage 默认语言
func GetSystemLanguage() string {
	mu.RLock()
	defer mu.RUnlock()
	return systemLanguage
}
