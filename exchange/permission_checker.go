package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"copymirror/copytrade"
	"copymirror/exchange/bybit"
	"copymirror/logger"
)

// PermissionChecker API 权限检测接口
type PermissionChecker interface {
	// CheckAPIPermissions 检查 API 密钥权限
	CheckAPIPermissions(ctx context.Context) (*APIPermissions, error)
}

// APIPermissions API 权限信息
type APIPermissions struct {
	// 基本权限
	CanTrade    bool `json:"can_trade"`    // 是否可以交易合约
	CanWithdraw bool `json:"can_withdraw"` // 是否可以提现
	CanTransfer bool `json:"can_transfer"` // 是否可以转账
	CanRead     bool `json:"can_read"`

	// IP 限制
	IPRestricted bool     `json:"ip_restricted"`
	AllowedIPs   []string `json:"allowed_ips"`

	APIKeyName string `json:"api_key_name"`
	CreateTime int64  `json:"create_time"`

	// 安全评分（0-100，越高越安全）
	SecurityScore int    `json:"security_score"`
	RiskLevel     string `json:"risk_level"` // "low", "medium", "high"
}

func permissionsFromBybit(info *bybit.APIKeyInfo) *APIPermissions {
	p := &APIPermissions{
		CanRead:    true,
		APIKeyName: info.Note,
		AllowedIPs: info.IPs,
	}
	for _, ip := range info.IPs {
		if ip != "" && ip != "*" {
			p.IPRestricted = true
			break
		}
	}
	if info.ReadOnly == 0 {
		for _, perm := range info.Permissions["ContractTrade"] {
			if perm == "Order" || perm == "Position" {
				p.CanTrade = true
			}
		}
	}
	for _, perm := range info.Permissions["Wallet"] {
		switch perm {
		case "Withdraw":
			p.CanWithdraw = true
		case "AccountTransfer", "SubMemberTransfer":
			p.CanTransfer = true
		}
	}
	if t, err := time.Parse(time.RFC3339, info.CreatedAt); err == nil {
		p.CreateTime = t.Unix()
	} else if ms, err := strconv.ParseInt(info.CreatedAt, 10, 64); err == nil {
		p.CreateTime = ms / 1000
	}
	p.CalculateSecurityScore()
	return p
}

// CalculateSecurityScore 计算安全评分
func (p *APIPermissions) CalculateSecurityScore() {
	score := 100

	// 如果有提现权限，扣 50 分
	if p.CanWithdraw {
		score -= 50
	}
	if p.CanTransfer {
		score -= 30
	}
	if !p.IPRestricted {
		score -= 20
	}
	if score < 0 {
		score = 0
	}

	p.SecurityScore = score
	if score >= 80 {
		p.RiskLevel = "low"
	} else if score >= 50 {
		p.RiskLevel = "medium"
	} else {
		p.RiskLevel = "high"
	}
}

// IsSecure 判断密钥是否满足角色要求
// 领航员账户只需读取权限，跟单账户必须能交易；两者都不允许提现
func (p *APIPermissions) IsSecure(role copytrade.Role) bool {
	if p.CanWithdraw {
		return false
	}
	if role == copytrade.RoleFollower && !p.CanTrade {
		return false
	}
	return true
}

// GetWarnings 获取安全警告列表
func (p *APIPermissions) GetWarnings(role copytrade.Role) []string {
	warnings := []string{}

	if p.CanWithdraw {
		warnings = append(warnings, "⚠️ 危险：API 密钥具有提现权限！强烈建议禁用")
	}
	if p.CanTransfer {
		warnings = append(warnings, "⚠️ 警告：API 密钥具有转账权限，建议禁用")
	}
	if !p.IPRestricted {
		warnings = append(warnings, "💡 建议：启用 IP 白名单限制以提高安全性")
	}
	switch role {
	case copytrade.RoleFollower:
		if !p.CanTrade {
			warnings = append(warnings, "ℹ️ 注意：跟单账户 API 密钥没有合约交易权限，无法跟单")
		}
	case copytrade.RoleDonor:
		if p.CanTrade {
			warnings = append(warnings, "💡 建议：领航员账户只需只读密钥")
		}
	}
	return warnings
}

// VerifyPermissions 启动时校验密钥权限，不满足要求时返回配置错误
func VerifyPermissions(ctx context.Context, ex IExchange) error {
	perms, err := ex.CheckAPIPermissions(ctx)
	if err != nil {
		logger.Warn("⚠️ [%s] 无法查询 API 权限，跳过检查: %v", ex.Role(), err)
		return nil
	}
	for _, w := range perms.GetWarnings(ex.Role()) {
		logger.Warn("%s (%s)", w, ex.Role())
	}
	logger.Info("🔐 [%s] API 密钥安全评分 %d (%s)", ex.Role(), perms.SecurityScore, perms.RiskLevel)
	if !perms.IsSecure(ex.Role()) {
		return &copytrade.ConfigurationError{
			Field:  fmt.Sprintf("exchanges.%s", ex.Role()),
			Reason: "API 密钥权限不满足要求（禁止提现权限，跟单账户需要合约交易权限）",
		}
	}
	return nil
}
