package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *LogStorage {
	t.Helper()
	ls, err := NewLogStorage(Options{
		Path:          filepath.Join(t.TempDir(), "logs.db"),
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })
	return ls
}

func TestLogStorage_WriteAndQuery(t *testing.T) {
	ls := newTestStorage(t)

	ls.WriteLog("INFO", "✅ [Coordinator] BTCUSDT#1 下单成功")
	ls.WriteLog("WARN", "⚠️ [Reconcile] 获取对账锁失败")
	ls.WriteLog("INFO", "📈 [Tracker] ETHUSDT#0 开仓")

	assert.Eventually(t, func() bool {
		_, total, err := ls.GetLogs(LogQueryParams{})
		return err == nil && total == 3
	}, 2*time.Second, 20*time.Millisecond)

	logs, total, err := ls.GetLogs(LogQueryParams{Level: "info"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, logs, 2)

	logs, _, err = ls.GetLogs(LogQueryParams{Keyword: "Reconcile"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "WARN", logs[0].Level)

	counts, err := ls.CountByLevel()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["INFO"])
}

func TestLogStorage_CloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")
	ls, err := NewLogStorage(Options{Path: path, BatchSize: 100, FlushInterval: time.Hour})
	require.NoError(t, err)
	ls.WriteLog("ERROR", "❌ boom")
	require.NoError(t, ls.Close())
	ls.WriteLog("ERROR", "关闭后写入被忽略")

	reopened, err := NewLogStorage(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	_, total, err := reopened.GetLogs(LogQueryParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
