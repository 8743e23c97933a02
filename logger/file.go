package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dailyFile 按天切分的日志文件，文件名 {prefix}-YYYY-MM-DD.log
type dailyFile struct {
	mu     sync.Mutex
	prefix string
	dir    string
	loc    *time.Location
	date   string
	file   *os.File
	out    *log.Logger
}

func newDailyFile(prefix string) *dailyFile {
	return &dailyFile{prefix: prefix, dir: "logs", loc: time.Local}
}

func (d *dailyFile) setLocation(loc *time.Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loc = loc
}

func (d *dailyFile) setDir(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dir != "" && dir != d.dir {
		d.dir = dir
		d.closeLocked()
	}
}

func (d *dailyFile) open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rotateLocked(time.Now())
}

// rotateLocked 日期变化时重新打开文件，调用前必须持有 mu
func (d *dailyFile) rotateLocked(now time.Time) error {
	today := now.In(d.loc).Format("2006-01-02")
	if d.out != nil && d.date == today {
		return nil
	}
	d.closeLocked()

	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("创建日志文件夹失败: %w", err)
	}
	name := filepath.Join(d.dir, fmt.Sprintf("%s-%s.log", d.prefix, today))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	d.file = f
	d.date = today
	d.out = log.New(f, "", 0)
	return nil
}

func (d *dailyFile) write(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out == nil {
		return
	}
	now := time.Now()
	if err := d.rotateLocked(now); err != nil {
		return
	}
	d.out.Printf("%s %s", now.In(d.loc).Format("2006/01/02 15:04:05"), message)
}

func (d *dailyFile) path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return ""
	}
	return d.file.Name()
}

func (d *dailyFile) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *dailyFile) closeLocked() {
	if d.file != nil {
		d.file.Close()
	}
	d.file = nil
	d.out = nil
	d.date = ""
}
