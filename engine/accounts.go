package engine

import (
	"sync"

	"copymirror/copytrade"
	"copymirror/metrics"
)

// Accounts 两侧账户权益，由各自的钱包推送更新
type Accounts struct {
	mu       sync.RWMutex
	donor    copytrade.Account
	follower copytrade.Account

	// onFollower 跟单账户权益更新回调（回撤保护）
	onFollower func(equity float64)
}

// NewAccounts 创建账户权益表
func NewAccounts() *Accounts {
	return &Accounts{}
}

// UpdateAccount 按角色写入最新权益
func (a *Accounts) UpdateAccount(account copytrade.Account) {
	a.mu.Lock()
	switch account.Role {
	case copytrade.RoleDonor:
		a.donor = account
	case copytrade.RoleFollower:
		a.follower = account
	default:
		a.mu.Unlock()
		return
	}
	onFollower := a.onFollower
	a.mu.Unlock()

	metrics.GetPrometheusMetrics().SetEquity(string(account.Role), account.Equity)
	if account.Role == copytrade.RoleFollower && onFollower != nil {
		onFollower(account.Equity)
	}
}

// FollowerEquity 跟单账户权益，未知时为 0
func (a *Accounts) FollowerEquity() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.follower.Equity
}

// DonorEquity 领航员账户权益，未知时为 0
func (a *Accounts) DonorEquity() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.donor.Equity
}

// Snapshot 两侧账户副本
func (a *Accounts) Snapshot() (donor, follower copytrade.Account) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.donor, a.follower
}
