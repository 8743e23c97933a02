package exchange

import (
	"fmt"
	"time"

	"copymirror/config"
	"copymirror/copytrade"
	"copymirror/exchange/bybit"
)

// NewExchange 按角色创建交易所实例
func NewExchange(cfg *config.Config, role copytrade.Role) (IExchange, error) {
	var exchangeCfg config.ExchangeConfig
	switch role {
	case copytrade.RoleDonor:
		exchangeCfg = cfg.Exchanges.Donor
	case copytrade.RoleFollower:
		exchangeCfg = cfg.Exchanges.Follower
	default:
		return nil, fmt.Errorf("未知账户角色: %s", role)
	}

	switch exchangeCfg.Exchange {
	case "bybit", "":
		adapter, err := bybit.NewBybitAdapter(bybit.AdapterConfig{
			Name:           string(role),
			APIKey:         exchangeCfg.APIKey,
			SecretKey:      exchangeCfg.SecretKey,
			Testnet:        exchangeCfg.Testnet,
			HedgeMode:      exchangeCfg.HedgeMode,
			Category:       cfg.App.Category,
			SettleCoin:     cfg.App.SettleCoin,
			RecvWindow:     exchangeCfg.RecvWindow,
			InstrumentsTTL: time.Duration(cfg.Timing.InstrumentsRefresh) * time.Second,
			Stream: bybit.StreamConfig{
				PingInterval:   time.Duration(cfg.Timing.WebSocketPingInterval) * time.Second,
				PongWait:       time.Duration(cfg.Timing.WebSocketPongWait) * time.Second,
				ReconnectDelay: time.Duration(cfg.Timing.WebSocketReconnectDelay) * time.Second,
				MaxBackoff:     time.Duration(cfg.Timing.WebSocketMaxBackoff) * time.Second,
			},
		})
		if err != nil {
			return nil, err
		}
		return NewBybitWrapper(adapter, role), nil

	default:
		return nil, fmt.Errorf("不支持的交易所: %s", exchangeCfg.Exchange)
	}
}
