package config

import (
	"fmt"
	"os"
	"strings"

	"copymirror/copytrade"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig 交易所账户配置
type ExchangeConfig struct {
	Exchange  string `yaml:"exchange" json:"exchange"` // 目前仅支持 bybit
	APIKey    string `yaml:"api_key" json:"api_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Testnet   bool   `yaml:"testnet" json:"testnet"`
	// HedgeMode 账户是否为双向持仓模式
	HedgeMode  bool `yaml:"hedge_mode" json:"hedge_mode"`
	RecvWindow int  `yaml:"recv_window" json:"recv_window"` // 毫秒，默认5000
}

// Config 跟单系统配置
type Config struct {
	App struct {
		Name       string `yaml:"name"`        // 实例名称，默认 copymirror
		InstanceID string `yaml:"instance_id"` // 多实例部署时的实例标识
		Category   string `yaml:"category"`    // 合约类别，默认 linear
		SettleCoin string `yaml:"settle_coin"` // 结算币种，默认 USDT
	} `yaml:"app"`

	Exchanges struct {
		Donor    ExchangeConfig `yaml:"donor"`    // 领航员账户（只读）
		Follower ExchangeConfig `yaml:"follower"` // 跟单账户
	} `yaml:"exchanges"`

	Copy struct {
		Enabled        bool     `yaml:"enabled"`         // 启动后是否立即开始跟单，默认 true
		Symbols        []string `yaml:"symbols"`         // 白名单，为空表示全部
		ExcludeSymbols []string `yaml:"exclude_symbols"` // 黑名单
		CopyLeverage   *bool    `yaml:"copy_leverage"`   // 是否同步杠杆，默认 true
		CopyMarginMode *bool    `yaml:"copy_margin_mode"`
		CopyTrailing   *bool    `yaml:"copy_trailing"`
		CopyMargin     *bool    `yaml:"copy_margin"`
	} `yaml:"copy"`

	Risk RiskConfig `yaml:"risk"`

	Trailing struct {
		ReferenceMode string `yaml:"reference_mode"` // entry / mark，默认 entry
	} `yaml:"trailing"`

	Margin struct {
		MinUSDT     float64 `yaml:"min_usdt"`       // 低于该值的变动直接忽略，默认 5
		MaxPct      float64 `yaml:"max_pct"`        // 累计待提交不超过跟单权益的比例，默认 0.1
		DebounceSec float64 `yaml:"debounce_sec"`   // 防抖时长（秒），默认 3
	} `yaml:"margin"`

	Coordinator struct {
		RateLimit     float64 `yaml:"rate_limit"`      // 每秒请求数，默认 10
		Burst         int     `yaml:"burst"`           // 突发容量，默认 20
		MaxRetries    int     `yaml:"max_retries"`     // 临时错误最大重试次数，默认 5
		BackoffBaseMs int     `yaml:"backoff_base_ms"` // 默认 200
		BackoffMaxMs  int     `yaml:"backoff_max_ms"`  // 默认 5000
		CallTimeoutMs int     `yaml:"call_timeout_ms"` // 单次交易所调用超时，默认 10000
		QueueSize     int     `yaml:"queue_size"`      // 每个持仓键最大排队数，默认 256
	} `yaml:"coordinator"`

	Reconcile struct {
		Enabled         bool    `yaml:"enabled"`
		IntervalSec     int     `yaml:"interval_sec"`      // 默认 30
		Tolerance       float64 `yaml:"tolerance"`         // 相对容差，默认 0.05
		RestRetries     int     `yaml:"rest_retries"`      // 默认 3
		MaxFailedCycles int     `yaml:"max_failed_cycles"` // 连续失败多少轮后告警，默认 3
	} `yaml:"reconcile"`

	// 时间间隔配置（单位：秒）
	Timing struct {
		WebSocketReconnectDelay int `yaml:"websocket_reconnect_delay"` // 断线重连初始等待，默认 1
		WebSocketMaxBackoff     int `yaml:"websocket_max_backoff"`     // 断线重连最大等待，默认 30
		WebSocketPongWait       int `yaml:"websocket_pong_wait"`       // 默认 60
		WebSocketPingInterval   int `yaml:"websocket_ping_interval"`   // 默认 20
		InstrumentsRefresh      int `yaml:"instruments_refresh"`       // 合约规格刷新间隔，默认 3600
	} `yaml:"timing"`

	System struct {
		LogLevel string `yaml:"log_level"`
		Timezone string `yaml:"timezone"` // 如 "Asia/Shanghai"
		Language string `yaml:"language"` // 通知语言 zh-CN / en-US
	} `yaml:"system"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // sqlite / postgres / mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 默认 ./data/copymirror.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 默认 20
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 默认 5
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒，默认 3600
		LogLevel        string `yaml:"log_level"`         // silent / error / warn / info，默认 error
	} `yaml:"database"`

	// 分布式锁配置（多实例部署）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`
		Type       string `yaml:"type"`        // redis
		Prefix     string `yaml:"prefix"`      // 默认 "copymirror:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 秒，默认 30

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	Notifications struct {
		Enabled bool `yaml:"enabled"`

		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`

		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Timeout int    `yaml:"timeout"` // 秒，默认 3
		} `yaml:"webhook"`

		Slack struct {
			Enabled bool   `yaml:"enabled"`
			Webhook string `yaml:"webhook"`
		} `yaml:"slack"`

		// 通知规则：哪些事件需要通知
		Rules struct {
			OrderPlaced   bool `yaml:"order_placed"`
			OrderFailed   bool `yaml:"order_failed"`
			Divergent     bool `yaml:"divergent"`
			StateConflict bool `yaml:"state_conflict"`
			Drawdown      bool `yaml:"drawdown"`
			Reconcile     bool `yaml:"reconcile"`
			Stream        bool `yaml:"stream"`
		} `yaml:"rules"`
	} `yaml:"notifications"`

	// 日志存储
	Storage struct {
		Enabled       bool   `yaml:"enabled"`
		Path          string `yaml:"path"`           // 默认 ./data/logs.db
		BufferSize    int    `yaml:"buffer_size"`    // 默认 1000
		BatchSize     int    `yaml:"batch_size"`     // 默认 100
		FlushInterval int    `yaml:"flush_interval"` // 秒，默认 5
	} `yaml:"storage"`

	Web struct {
		Enabled    bool   `yaml:"enabled"`
		Host       string `yaml:"host"`         // 默认 0.0.0.0
		Port       int    `yaml:"port"`         // 默认 8080
		APIKeyHash string `yaml:"api_key_hash"` // 运维接口 X-API-Key 的 bcrypt 哈希
	} `yaml:"web"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"` // 默认 copymirror.signals
	} `yaml:"kafka"`

	Profiling struct {
		Enabled       bool   `yaml:"enabled"`
		ServerAddress string `yaml:"server_address"`
	} `yaml:"profiling"`

	Reporting struct {
		SnapshotIntervalSec int `yaml:"snapshot_interval_sec"` // 权益快照间隔，默认 60
		SamplerIntervalSec  int `yaml:"sampler_interval_sec"`  // 进程资源采样间隔，默认 15
	} `yaml:"reporting"`
}

// RiskConfig 仓位计算参数
type RiskConfig struct {
	WinRate              float64 `yaml:"win_rate" json:"win_rate"`                             // 历史胜率 (0,1)
	WinLossRatio         float64 `yaml:"win_loss_ratio" json:"win_loss_ratio"`                 // 盈亏比 > 0
	ConservativeFactor   float64 `yaml:"conservative_factor" json:"conservative_factor"`       // 默认 0.5
	MaxKellyFraction     float64 `yaml:"max_kelly_fraction" json:"max_kelly_fraction"`         // 默认 0.25
	MaxCopySizeUSDT      float64 `yaml:"max_copy_size_usdt" json:"max_copy_size_usdt"`         // 单笔最大名义价值
	MaxExposurePerSymbol float64 `yaml:"max_exposure_per_symbol" json:"max_exposure_per_symbol"` // 单币种最大敞口，0 表示与单笔上限相同
	ProportionalCap      *bool   `yaml:"proportional_cap" json:"proportional_cap"`             // 不超过领航员按权益折算的名义价值，默认 true
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`             // 回撤保护，0 表示关闭
	RecoverPct           float64 `yaml:"recover_pct" json:"recover_pct"`                       // 回撤恢复阈值
}

// LoadConfig 加载配置文件并叠加环境变量
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, ""); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// LoadConfigFromBytes 从字节数组加载配置（不读取环境变量）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg := &Config{}
	cfg.Copy.Enabled = true
	cfg.Reconcile.Enabled = true
	cfg.Web.Enabled = true
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

func cfgErr(field, reason string) error {
	return &copytrade.ConfigurationError{Field: field, Reason: reason}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// CopyLeverage 是否同步杠杆
func (c *Config) CopyLeverage() bool { return boolOr(c.Copy.CopyLeverage, true) }

// CopyMarginMode 是否同步保证金模式
func (c *Config) CopyMarginMode() bool { return boolOr(c.Copy.CopyMarginMode, true) }

// CopyTrailing 是否同步追踪止损
func (c *Config) CopyTrailing() bool { return boolOr(c.Copy.CopyTrailing, true) }

// CopyMargin 是否同步逐仓保证金调整
func (c *Config) CopyMargin() bool { return boolOr(c.Copy.CopyMargin, true) }

// ProportionalCapEnabled 是否启用领航员比例上限
func (r RiskConfig) ProportionalCapEnabled() bool { return boolOr(r.ProportionalCap, true) }

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.App.Name == "" {
		c.App.Name = "copymirror"
	}
	if c.App.Category == "" {
		c.App.Category = "linear"
	}
	if c.App.SettleCoin == "" {
		c.App.SettleCoin = "USDT"
	}

	for role, ex := range map[string]*ExchangeConfig{"donor": &c.Exchanges.Donor, "follower": &c.Exchanges.Follower} {
		if ex.Exchange == "" {
			ex.Exchange = "bybit"
		}
		if ex.Exchange != "bybit" {
			return cfgErr("exchanges."+role+".exchange", fmt.Sprintf("不支持的交易所 %s", ex.Exchange))
		}
		if ex.APIKey == "" || ex.SecretKey == "" {
			return cfgErr("exchanges."+role, "API 配置不完整")
		}
		if ex.RecvWindow <= 0 {
			ex.RecvWindow = 5000
		}
	}
	if c.Exchanges.Donor.APIKey == c.Exchanges.Follower.APIKey {
		return cfgErr("exchanges", "领航员与跟单账户不能使用同一个 API Key")
	}

	for i, s := range c.Copy.Symbols {
		c.Copy.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, s := range c.Copy.ExcludeSymbols {
		c.Copy.ExcludeSymbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if err := c.Risk.validate(); err != nil {
		return err
	}

	switch c.Trailing.ReferenceMode {
	case "":
		c.Trailing.ReferenceMode = "entry"
	case "entry", "mark":
	default:
		return cfgErr("trailing.reference_mode", "必须为 entry 或 mark")
	}

	if c.Margin.MinUSDT <= 0 {
		c.Margin.MinUSDT = 5
	}
	if c.Margin.MaxPct <= 0 {
		c.Margin.MaxPct = 0.1
	}
	if c.Margin.MaxPct > 1 {
		return cfgErr("margin.max_pct", "不能大于 1")
	}
	if c.Margin.DebounceSec <= 0 {
		c.Margin.DebounceSec = 3
	}

	if c.Coordinator.RateLimit <= 0 {
		c.Coordinator.RateLimit = 10
	}
	if c.Coordinator.Burst <= 0 {
		c.Coordinator.Burst = 20
	}
	if c.Coordinator.MaxRetries <= 0 {
		c.Coordinator.MaxRetries = 5
	}
	if c.Coordinator.BackoffBaseMs <= 0 {
		c.Coordinator.BackoffBaseMs = 200
	}
	if c.Coordinator.BackoffMaxMs <= 0 {
		c.Coordinator.BackoffMaxMs = 5000
	}
	if c.Coordinator.CallTimeoutMs <= 0 {
		c.Coordinator.CallTimeoutMs = 10000
	}
	if c.Coordinator.QueueSize <= 0 {
		c.Coordinator.QueueSize = 256
	}

	if c.Reconcile.IntervalSec <= 0 {
		c.Reconcile.IntervalSec = 30
	}
	if c.Reconcile.Tolerance <= 0 {
		c.Reconcile.Tolerance = 0.05
	}
	if c.Reconcile.RestRetries <= 0 {
		c.Reconcile.RestRetries = 3
	}
	if c.Reconcile.MaxFailedCycles <= 0 {
		c.Reconcile.MaxFailedCycles = 3
	}

	if c.Timing.WebSocketReconnectDelay <= 0 {
		c.Timing.WebSocketReconnectDelay = 1
	}
	if c.Timing.WebSocketMaxBackoff <= 0 {
		c.Timing.WebSocketMaxBackoff = 30
	}
	if c.Timing.WebSocketPongWait <= 0 {
		c.Timing.WebSocketPongWait = 60
	}
	if c.Timing.WebSocketPingInterval <= 0 {
		c.Timing.WebSocketPingInterval = 20
	}
	if c.Timing.InstrumentsRefresh <= 0 {
		c.Timing.InstrumentsRefresh = 3600
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "Asia/Shanghai"
	}
	if c.System.Language == "" {
		c.System.Language = "zh-CN"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Type == "sqlite" {
		c.Database.DSN = "./data/copymirror.db"
	}
	if c.Database.DSN == "" {
		return cfgErr("database.dsn", "非 sqlite 数据库必须配置 DSN")
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	if c.DistributedLock.Enabled {
		if c.DistributedLock.Type == "" {
			c.DistributedLock.Type = "redis"
		}
		if c.DistributedLock.Redis.Addr == "" {
			c.DistributedLock.Redis.Addr = "localhost:6379"
		}
		if c.DistributedLock.Redis.PoolSize <= 0 {
			c.DistributedLock.Redis.PoolSize = 10
		}
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "copymirror:lock:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 30
	}

	if c.Notifications.Webhook.Timeout <= 0 {
		c.Notifications.Webhook.Timeout = 3
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/logs.db"
	}
	if c.Storage.BufferSize <= 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize <= 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval <= 0 {
		c.Storage.FlushInterval = 5
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 8080
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return cfgErr("kafka.brokers", "启用 Kafka 时必须配置 brokers")
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "copymirror.signals"
	}

	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		return cfgErr("profiling.server_address", "启用性能分析时必须配置服务地址")
	}

	if c.Reporting.SnapshotIntervalSec <= 0 {
		c.Reporting.SnapshotIntervalSec = 60
	}
	if c.Reporting.SamplerIntervalSec <= 0 {
		c.Reporting.SamplerIntervalSec = 15
	}

	return nil
}

func (r *RiskConfig) validate() error {
	if r.WinRate <= 0 || r.WinRate >= 1 {
		return cfgErr("risk.win_rate", "必须在 (0,1) 之间")
	}
	if r.WinLossRatio <= 0 {
		return cfgErr("risk.win_loss_ratio", "必须大于 0")
	}
	if r.MaxCopySizeUSDT <= 0 {
		return cfgErr("risk.max_copy_size_usdt", "必须大于 0")
	}
	if r.ConservativeFactor <= 0 {
		r.ConservativeFactor = 0.5
	}
	if r.ConservativeFactor > 1 {
		return cfgErr("risk.conservative_factor", "不能大于 1")
	}
	if r.MaxKellyFraction <= 0 {
		r.MaxKellyFraction = 0.25
	}
	if r.MaxExposurePerSymbol <= 0 {
		r.MaxExposurePerSymbol = r.MaxCopySizeUSDT
	}
	if r.MaxDrawdownPct < 0 || r.MaxDrawdownPct >= 1 {
		return cfgErr("risk.max_drawdown_pct", "必须在 [0,1) 之间")
	}
	if r.MaxDrawdownPct > 0 && (r.RecoverPct <= 0 || r.RecoverPct >= r.MaxDrawdownPct) {
		r.RecoverPct = r.MaxDrawdownPct / 2
	}
	return nil
}
