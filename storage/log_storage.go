package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"copymirror/config"
	"copymirror/utils"

	_ "github.com/mattn/go-sqlite3"
)

// Options 日志存储参数
type Options struct {
	Path          string
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// OptionsFromConfig 从配置提取参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Path:          cfg.Storage.Path,
		BufferSize:    cfg.Storage.BufferSize,
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: time.Duration(cfg.Storage.FlushInterval) * time.Second,
	}
}

// LogStorage SQLite 日志存储，由 logger 的异步钩子写入
type LogStorage struct {
	db      *sql.DB
	mu      sync.RWMutex
	opts    Options
	logCh   chan *logEntry
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

type logEntry struct {
	level     string
	message   string
	timestamp time.Time
}

// LogQueryParams 日志查询参数
type LogQueryParams struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Keyword   string
	Limit     int
	Offset    int
}

// LogRecord 日志记录
type LogRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// NewLogStorage 创建日志存储
func NewLogStorage(opts Options) (*LogStorage, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ls := &LogStorage{
		db:    db,
		opts:  opts,
		logCh: make(chan *logEntry, opts.BufferSize),
		done:  make(chan struct{}),
	}
	if err := ls.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建日志表失败: %w", err)
	}

	go ls.processLogs()
	return ls, nil
}

func (ls *LogStorage) createTable() error {
	_, err := ls.db.Exec(`
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
	`)
	return err
}

// WriteLog 写入日志（异步，队列满时丢弃）
func (ls *LogStorage) WriteLog(level, message string) {
	ls.closeMu.RLock()
	defer ls.closeMu.RUnlock()
	if ls.closed {
		return
	}

	entry := &logEntry{level: level, message: message, timestamp: utils.NowUTC()}
	select {
	case ls.logCh <- entry:
	default:
		ls.dropped.Add(1)
	}
}

// Dropped 因队列满被丢弃的日志数
func (ls *LogStorage) Dropped() int64 {
	return ls.dropped.Load()
}

func (ls *LogStorage) processLogs() {
	defer close(ls.done)

	buffer := make([]*logEntry, 0, ls.opts.BatchSize)
	ticker := time.NewTicker(ls.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		ls.mu.Lock()
		// 写入失败时丢弃该批次，不影响主流程
		_ = ls.batchInsert(buffer)
		ls.mu.Unlock()
		buffer = buffer[:0]
	}

	for {
		select {
		case entry, ok := <-ls.logCh:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, entry)
			if len(buffer) >= ls.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (ls *LogStorage) batchInsert(entries []*logEntry) error {
	tx, err := ls.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.Exec(entry.timestamp, entry.level, entry.message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLogs 查询日志，按时间倒序
func (ls *LogStorage) GetLogs(params LogQueryParams) ([]*LogRecord, int, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	where := []string{"1=1"}
	args := []interface{}{}

	if !params.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, params.StartTime)
	}
	if !params.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, params.EndTime)
	}
	if params.Level != "" {
		where = append(where, "level = ?")
		args = append(args, strings.ToUpper(params.Level))
	}
	if params.Keyword != "" {
		where = append(where, "message LIKE ?")
		args = append(args, "%"+params.Keyword+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := ls.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM logs WHERE %s", whereClause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("查询日志总数失败: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	args = append(args, params.Limit, params.Offset)

	rows, err := ls.db.Query(fmt.Sprintf(`
		SELECT id, timestamp, level, message
		FROM logs
		WHERE %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	var logs []*LogRecord
	for rows.Next() {
		var rec LogRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &rec.Message); err != nil {
			continue
		}
		logs = append(logs, &rec)
	}
	return logs, total, rows.Err()
}

// CleanOldLogs 清理超过指定天数的日志
func (ls *LogStorage) CleanOldLogs(days int) (int64, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	result, err := ls.db.Exec(`DELETE FROM logs WHERE timestamp < ?`, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountByLevel 按级别统计
func (ls *LogStorage) CountByLevel() (map[string]int64, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	rows, err := ls.db.Query(`SELECT level, COUNT(*) FROM logs GROUP BY level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			continue
		}
		stats[level] = count
	}
	return stats, rows.Err()
}

// Close 刷新剩余日志后关闭
func (ls *LogStorage) Close() error {
	ls.closeMu.Lock()
	if ls.closed {
		ls.closeMu.Unlock()
		return nil
	}
	ls.closed = true
	close(ls.logCh)
	ls.closeMu.Unlock()

	<-ls.done
	return ls.db.Close()
}
