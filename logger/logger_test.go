package logger

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStd(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := std
	std = log.New(&buf, "", 0)
	t.Cleanup(func() {
		std = old
		SetLevel(INFO)
	})
	return &buf
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("debug"))
	assert.Equal(t, WARN, ParseLogLevel(" warning "))
	assert.Equal(t, ERROR, ParseLogLevel("ERROR"))
	assert.Equal(t, INFO, ParseLogLevel("unknown"))
	assert.Equal(t, "FATAL", FATAL.String())
}

func TestLevelFiltering(t *testing.T) {
	buf := captureStd(t)
	SetLevel(WARN)

	Info("不应输出 %d", 1)
	Warn("⚠️ [Test] 应该输出 %d", 2)
	Errorln("❌", "错误")

	out := buf.String()
	assert.NotContains(t, out, "不应输出")
	assert.Contains(t, out, "[WARN] ⚠️ [Test] 应该输出 2")
	assert.Contains(t, out, "[ERROR] ❌ 错误")
}

func TestDebugWritesDailyFile(t *testing.T) {
	captureStd(t)
	dir := t.TempDir()
	SetLogDir(dir)
	t.Cleanup(func() { SetLogDir("logs") })

	SetLevel(DEBUG)
	Debug("🔍 [Test] 文件日志")

	name := appFile.path()
	require.NotEmpty(t, name)
	assert.True(t, strings.HasPrefix(name, dir))
	assert.Contains(t, name, "copymirror-"+time.Now().In(time.Local).Format("2006-01-02"))

	SetLevel(INFO)
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[DEBUG] 🔍 [Test] 文件日志")
}

func TestLogStorageWriter(t *testing.T) {
	captureStd(t)
	got := make(chan string, 1)
	InitLogStorage(func(level, message string) {
		got <- level + "|" + message
	})
	t.Cleanup(func() { InitLogStorage(nil) })

	Info("✅ [Test] 落库")

	select {
	case msg := <-got:
		assert.Equal(t, "INFO|[INFO] ✅ [Test] 落库", msg)
	case <-time.After(time.Second):
		t.Fatal("日志未写入存储")
	}
}
