package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"copymirror/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectSystemMetrics(t *testing.T) {
	m, err := CollectSystemMetrics()
	require.NoError(t, err)
	assert.Positive(t, m.RSSBytes)
	assert.Positive(t, m.Goroutines)
	assert.NotZero(t, m.ProcessID)
}

func TestSampler_KeepsLatest(t *testing.T) {
	s := NewSampler(10 * time.Millisecond)
	calls := 0
	s.collect = func() (*SystemMetrics, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("boom")
		}
		return &SystemMetrics{CPUPercent: float64(calls)}, nil
	}

	s.sample()
	s.sample()
	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, 1.0, latest.CPUPercent, "采集失败时保留上一次结果")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

func TestStartProfiler_Disabled(t *testing.T) {
	p, err := StartProfiler(&config.Config{})
	require.NoError(t, err)
	assert.Nil(t, p)

	cfg := &config.Config{}
	cfg.Profiling.Enabled = true
	_, err = StartProfiler(cfg)
	assert.Error(t, err)
}
