package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel 日志级别
type LogLevel int32

const (
	DEBUG LogLevel = iota // 调试信息（包含每条流事件）
	INFO                  // 一般信息（信号、下单、对账结果）
	WARN                  // 警告信息（跳过、偏离、重试）
	ERROR                 // 错误信息（失败、冲突）
	FATAL                 // 致命错误（配置错误等）
)

var (
	globalLevel atomic.Int32

	// 应用日志与 Web 访问日志，均按天切分
	appFile = newDailyFile("copymirror")
	webFile = newDailyFile("web-gin")

	// 日志落库（通过函数指针避免与 storage 循环依赖）
	logStorageWriter func(level, message string)
	logStorageMu     sync.RWMutex

	// 日志输出目标，测试时可替换
	std = log.New(os.Stderr, "", log.LstdFlags)
)

func init() {
	globalLevel.Store(int32(INFO))
}

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLevel 设置全局日志级别，DEBUG 级别同时写入文件
func SetLevel(level LogLevel) {
	globalLevel.Store(int32(level))
	if level == DEBUG {
		if err := appFile.open(); err != nil {
			std.Printf("[WARN] 打开日志文件失败: %v，将只输出到控制台", err)
		}
	} else {
		appFile.close()
	}
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	return LogLevel(globalLevel.Load())
}

// SetLocation 设置日志文件切分使用的时区
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	appFile.setLocation(loc)
	webFile.setLocation(loc)
}

// SetLogDir 设置日志目录（默认 logs）
func SetLogDir(dir string) {
	appFile.setDir(dir)
	webFile.setDir(dir)
}

// InitLogStorage 注册日志落库函数
func InitLogStorage(writer func(level, message string)) {
	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = writer
}

// InitWebLogger 初始化 Web 访问日志文件
func InitWebLogger() error {
	return webFile.open()
}

// WriteWebLog 写入 Web 访问日志（供 gin 中间件使用）
func WriteWebLog(message string) {
	webFile.write(message)
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	appFile.close()
	webFile.close()
	InitLogStorage(nil)
}

func shouldLog(level LogLevel) bool {
	return level >= GetLevel()
}

func emit(level LogLevel, message string) {
	std.Print(message)

	if GetLevel() == DEBUG {
		appFile.write(message)
	}

	logStorageMu.RLock()
	writer := logStorageWriter
	logStorageMu.RUnlock()

	if writer != nil {
		go func() {
			// 落库失败不能影响主流程
			defer func() { _ = recover() }()
			writer(level.String(), message)
		}()
	}
}

func logf(level LogLevel, format string, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	emit(level, fmt.Sprintf("[%s] ", level)+fmt.Sprintf(format, args...))
}

func logln(level LogLevel, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	msg := fmt.Sprintln(append([]interface{}{fmt.Sprintf("[%s]", level)}, args...)...)
	emit(level, strings.TrimSuffix(msg, "\n"))
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Debugln 输出调试日志（无格式）
func Debugln(args ...interface{}) {
	logln(DEBUG, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Infoln 输出一般信息日志（无格式）
func Infoln(args ...interface{}) {
	logln(INFO, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Warnln 输出警告日志（无格式）
func Warnln(args ...interface{}) {
	logln(WARN, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Errorln 输出错误日志（无格式）
func Errorln(args ...interface{}) {
	logln(ERROR, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	os.Exit(1)
}

// Fatalf 兼容标准库写法
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
