package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"copymirror/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config 读模型存储参数
type Config struct {
	Type            string // sqlite / postgres / mysql
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string // silent / error / warn / info
}

// ConfigFromApp 从应用配置提取数据库配置
func ConfigFromApp(cfg *config.Config) *Config {
	return &Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	}
}

// NewDatabase 根据配置创建数据库实例
func NewDatabase(cfg *Config) (Database, error) {
	return NewGormDatabase(cfg)
}

// dialectorFor 选择驱动
// SQLite 文件库会先创建父目录，并打开 WAL 与 busy_timeout，快照写入和 Web 查询可以并发
func dialectorFor(cfg *Config) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "./data/copymirror.db"
		}
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("创建数据目录 %s 失败: %w", dir, err)
				}
			}
			if !strings.Contains(dsn, "?") {
				dsn += "?_journal_mode=WAL&_busy_timeout=5000"
			}
		}
		return sqlite.Open(dsn), nil
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		// 时间列需要 parseTime 才能扫描到 time.Time
		dsn := cfg.DSN
		if !strings.Contains(dsn, "parseTime") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "parseTime=true"
		}
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", cfg.Type)
	}
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Silent
	}
}
