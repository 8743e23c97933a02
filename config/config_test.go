package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"copymirror/copytrade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createValidConfig() *Config {
	cfg := &Config{}
	cfg.Exchanges.Donor = ExchangeConfig{APIKey: "donor_key", SecretKey: "donor_secret"}
	cfg.Exchanges.Follower = ExchangeConfig{APIKey: "main_key", SecretKey: "main_secret", HedgeMode: true}
	cfg.Risk.WinRate = 0.525
	cfg.Risk.WinLossRatio = 1.0
	cfg.Risk.MaxCopySizeUSDT = 1000
	cfg.Storage.Path = "./test_data/logs.db"
	cfg.Web.Port = 28888
	return cfg
}

const validYAML = `
exchanges:
  donor:
    api_key: donor_key
    secret_key: donor_secret
  follower:
    api_key: main_key
    secret_key: main_secret
    hedge_mode: true
risk:
  win_rate: 0.525
  win_loss_ratio: 1.0
  max_copy_size_usdt: 1000
margin:
  debounce_sec: 2
`

func TestConfigValidate(t *testing.T) {
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("有效配置验证失败: %v", err)
	}

	assert.Equal(t, "bybit", cfg.Exchanges.Donor.Exchange)
	assert.Equal(t, 0.5, cfg.Risk.ConservativeFactor)
	assert.Equal(t, 0.25, cfg.Risk.MaxKellyFraction)
	assert.Equal(t, 1000.0, cfg.Risk.MaxExposurePerSymbol)
	assert.Equal(t, "entry", cfg.Trailing.ReferenceMode)
	assert.Equal(t, 30, cfg.Reconcile.IntervalSec)
	assert.Equal(t, 20, cfg.Timing.WebSocketPingInterval)
	assert.True(t, cfg.CopyLeverage())
	assert.True(t, cfg.Risk.ProportionalCapEnabled())
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"缺少领航员密钥", func(c *Config) { c.Exchanges.Donor.SecretKey = "" }, "exchanges.donor"},
		{"缺少跟单密钥", func(c *Config) { c.Exchanges.Follower.APIKey = "" }, "exchanges.follower"},
		{"同一账户", func(c *Config) { c.Exchanges.Follower.APIKey = "donor_key" }, "exchanges"},
		{"胜率越界", func(c *Config) { c.Risk.WinRate = 1.2 }, "risk.win_rate"},
		{"盈亏比缺失", func(c *Config) { c.Risk.WinLossRatio = 0 }, "risk.win_loss_ratio"},
		{"单笔上限缺失", func(c *Config) { c.Risk.MaxCopySizeUSDT = 0 }, "risk.max_copy_size_usdt"},
		{"参考价格模式非法", func(c *Config) { c.Trailing.ReferenceMode = "last" }, "trailing.reference_mode"},
		{"kafka 缺少 broker", func(c *Config) { c.Kafka.Enabled = true }, "kafka.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var cerr *copytrade.ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestLoadConfigFromBytes(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(validYAML))
	require.NoError(t, err)
	assert.True(t, cfg.Copy.Enabled)
	assert.True(t, cfg.Exchanges.Follower.HedgeMode)
	assert.Equal(t, 2.0, cfg.Margin.DebounceSec)
	assert.Equal(t, 5.0, cfg.Margin.MinUSDT)

	_, err = LoadConfigFromBytes([]byte("risk: [oops"))
	assert.Error(t, err)
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("SOURCE_API_KEY", "env_donor")
	t.Setenv("MAIN_API_SECRET", "env_main_secret")
	t.Setenv("ENVIRONMENT", "testnet")
	t.Setenv("DATABASE_DSN", "file::memory:")

	cfg := createValidConfig()
	require.NoError(t, ApplyEnv(cfg, filepath.Join(t.TempDir(), "missing.env")))

	assert.Equal(t, "env_donor", cfg.Exchanges.Donor.APIKey)
	assert.Equal(t, "donor_secret", cfg.Exchanges.Donor.SecretKey)
	assert.Equal(t, "env_main_secret", cfg.Exchanges.Follower.SecretKey)
	assert.True(t, cfg.Exchanges.Donor.Testnet)
	assert.True(t, cfg.Exchanges.Follower.Testnet)
	assert.Equal(t, "file::memory:", cfg.Database.DSN)
}

func TestApplyEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TELEGRAM_BOT_TOKEN=from-dotenv\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("TELEGRAM_BOT_TOKEN") })

	cfg := createValidConfig()
	require.NoError(t, ApplyEnv(cfg, envFile))
	assert.Equal(t, "from-dotenv", cfg.Notifications.Telegram.BotToken)
}

func TestConfigDiff(t *testing.T) {
	oldCfg := createValidConfig()
	newCfg := createValidConfig()

	diff := DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 0 {
		t.Errorf("预期无变更，得到 %d 个", len(diff.Changes))
	}

	newCfg.Risk.WinRate = 0.6
	diff = DiffConfig(oldCfg, newCfg)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "risk.win_rate", diff.Changes[0].Path)
	assert.False(t, diff.RequiresRestart)

	newCfg.Web.Port = 9090
	diff = DiffConfig(oldCfg, newCfg)
	assert.Len(t, diff.Changes, 2)
	assert.True(t, diff.RequiresRestart)
	assert.Len(t, diff.HotReloadable(), 1)
	assert.True(t, diff.Has("web"))
}

func TestRequiresRestart(t *testing.T) {
	assert.False(t, RequiresRestart("margin.debounce_sec"))
	assert.False(t, RequiresRestart("copy.symbols[0]"))
	assert.False(t, RequiresRestart("reconcile.tolerance"))
	assert.True(t, RequiresRestart("reconcile.interval_sec"))
	assert.True(t, RequiresRestart("exchanges.follower.api_key"))
	assert.True(t, RequiresRestart("distributed_lock.enabled"))
}

func TestHotReloaderAppliesOnlyHotSections(t *testing.T) {
	oldCfg := createValidConfig()
	require.NoError(t, oldCfg.Validate())

	hr := NewHotReloader(oldCfg)
	var got *ConfigDiff
	hr.RegisterCallback(func(_, newConfig *Config, diff *ConfigDiff) error {
		got = diff
		assert.Equal(t, 7.0, newConfig.Margin.MinUSDT)
		return nil
	})

	newCfg := createValidConfig()
	require.NoError(t, newCfg.Validate())
	newCfg.Margin.MinUSDT = 7
	newCfg.Web.Port = 9999

	diff, err := hr.UpdateConfig(newCfg)
	require.NoError(t, err)
	assert.True(t, diff.RequiresRestart)
	require.NotNil(t, got)
	assert.Len(t, got.Changes, 1)

	current := hr.GetCurrentConfig()
	assert.Equal(t, 7.0, current.Margin.MinUSDT)
	assert.Equal(t, 28888, current.Web.Port)
}

func TestConfigWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0600))

	initial, err := LoadConfigFromBytes([]byte(validYAML))
	require.NoError(t, err)

	hr := NewHotReloader(initial)
	changed := make(chan float64, 1)
	hr.RegisterCallback(func(_, newConfig *Config, _ *ConfigDiff) error {
		changed <- newConfig.Margin.DebounceSec
		return nil
	})

	cw, err := NewConfigWatcher(path, hr)
	require.NoError(t, err)
	cw.pollInterval = 50 * time.Millisecond
	cw.settleDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cw.Start(ctx))
	defer cw.Stop()

	updated := strings.Replace(validYAML, "debounce_sec: 2", "debounce_sec: 5", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))
	// 确保修改时间前进
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case v := <-changed:
		assert.Equal(t, 5.0, v)
	case <-time.After(3 * time.Second):
		t.Fatal("配置未热更新")
	}
}
