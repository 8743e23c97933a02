package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// NewGormDatabase 打开数据库并迁移表结构
func NewGormDatabase(config *Config) (*GormDatabase, error) {
	dialector, err := dialectorFor(config)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel(config.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&PositionRecord{},
		&EquitySnapshot{},
		&Order{},
		&Trade{},
		&Reconciliation{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// SavePosition 按 symbol+idx 更新开仓中的记录，不存在时新建
func (g *GormDatabase) SavePosition(ctx context.Context, pos *PositionRecord) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PositionRecord
		err := tx.Where("symbol = ? AND idx = ? AND status = ?", pos.Symbol, pos.Idx, PositionStatusOpen).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pos.ID = 0
			pos.Status = PositionStatusOpen
			if pos.OpenedAt.IsZero() {
				pos.OpenedAt = time.Now()
			}
			return tx.Create(pos).Error
		}
		if err != nil {
			return err
		}

		pos.ID = existing.ID
		pos.Status = PositionStatusOpen
		pos.OpenedAt = existing.OpenedAt
		pos.OpenCumPnl = existing.OpenCumPnl
		return tx.Save(pos).Error
	})
}

// ClosePosition 关闭开仓中的记录；没有开仓记录时返回 nil, nil
func (g *GormDatabase) ClosePosition(ctx context.Context, symbol string, idx int, exitPrice, realizedPnl float64, closedAt time.Time) (*PositionRecord, error) {
	var closed *PositionRecord
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos PositionRecord
		err := tx.Where("symbol = ? AND idx = ? AND status = ?", symbol, idx, PositionStatusOpen).
			First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		pos.Status = PositionStatusClosed
		pos.ExitPrice = exitPrice
		pos.RealizedPnl = realizedPnl
		pos.ClosedAt = &closedAt
		if err := tx.Save(&pos).Error; err != nil {
			return err
		}
		closed = &pos
		return nil
	})
	return closed, err
}

// GetOpenPositions 获取开仓中的持仓
func (g *GormDatabase) GetOpenPositions(ctx context.Context) ([]*PositionRecord, error) {
	var positions []*PositionRecord
	err := g.db.WithContext(ctx).
		Where("status = ?", PositionStatusOpen).
		Order("symbol ASC, idx ASC").
		Find(&positions).Error
	return positions, err
}

// GetClosedPositions 获取最近平仓的持仓
func (g *GormDatabase) GetClosedPositions(ctx context.Context, limit int) ([]*PositionRecord, error) {
	query := g.db.WithContext(ctx).
		Where("status = ?", PositionStatusClosed).
		Order("closed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var positions []*PositionRecord
	err := query.Find(&positions).Error
	return positions, err
}

// SaveEquitySnapshot 保存权益快照
func (g *GormDatabase) SaveEquitySnapshot(ctx context.Context, snap *EquitySnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	return g.db.WithContext(ctx).Create(snap).Error
}

// GetEquitySeries 获取时间升序的权益序列
func (g *GormDatabase) GetEquitySeries(ctx context.Context, role string, since time.Time) ([]*EquitySnapshot, error) {
	query := g.db.WithContext(ctx).Model(&EquitySnapshot{})
	if role != "" {
		query = query.Where("role = ?", role)
	}
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	var series []*EquitySnapshot
	err := query.Order("created_at ASC").Find(&series).Error
	return series, err
}

// SaveOrder 按 orderLinkId 插入或更新跟单订单
func (g *GormDatabase) SaveOrder(ctx context.Context, order *Order) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_link_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "exchange_id", "error", "updated_at"}),
	}).Create(order).Error
}

// GetOrders 获取跟单订单
func (g *GormDatabase) GetOrders(ctx context.Context, filter *OrderFilter) ([]*Order, error) {
	query := g.db.WithContext(ctx).Model(&Order{})

	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var orders []*Order
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// SaveTrade 保存成交，重复的 execId 忽略
func (g *GormDatabase) SaveTrade(ctx context.Context, trade *Trade) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(trade).Error
}

// GetTrades 获取成交记录
func (g *GormDatabase) GetTrades(ctx context.Context, filter *TradeFilter) ([]*Trade, error) {
	query := g.db.WithContext(ctx).Model(&Trade{})

	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.StartTime != nil {
		query = query.Where("exec_time >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("exec_time <= ?", filter.EndTime)
	}

	query = query.Order("exec_time DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var trades []*Trade
	if err := query.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// SaveReconciliation 保存对账记录
func (g *GormDatabase) SaveReconciliation(ctx context.Context, recon *Reconciliation) error {
	return g.db.WithContext(ctx).Create(recon).Error
}

// GetReconciliations 获取对账记录
func (g *GormDatabase) GetReconciliations(ctx context.Context, filter *ReconciliationFilter) ([]*Reconciliation, error) {
	query := g.db.WithContext(ctx).Model(&Reconciliation{})

	if filter.OnlyDiffs {
		query = query.Where("diff_count > 0")
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var recons []*Reconciliation
	if err := query.Find(&recons).Error; err != nil {
		return nil, err
	}
	return recons, nil
}

// SaveEvent 保存事件记录
func (g *GormDatabase) SaveEvent(ctx context.Context, event *EventRecord) error {
	return g.db.WithContext(ctx).Create(event).Error
}

// GetEvents 获取事件记录
func (g *GormDatabase) GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error) {
	query := g.db.WithContext(ctx).Model(&EventRecord{})

	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var events []*EventRecord
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CleanupOldEvents 按天数和条数清理某一严重级别的事件
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error {
	cutoffDate := time.Now().AddDate(0, 0, -keepDays)
	if err := g.db.WithContext(ctx).
		Where("severity = ? AND created_at < ?", severity, cutoffDate).
		Delete(&EventRecord{}).Error; err != nil {
		return err
	}

	if keepCount <= 0 {
		return g.db.WithContext(ctx).Where("severity = ?", severity).Delete(&EventRecord{}).Error
	}

	var count int64
	g.db.WithContext(ctx).Model(&EventRecord{}).Where("severity = ?", severity).Count(&count)
	if int(count) <= keepCount {
		return nil
	}

	// 保留最新的 keepCount 条
	var cutoffIDs []int64
	g.db.WithContext(ctx).Model(&EventRecord{}).
		Where("severity = ?", severity).
		Order("id DESC").
		Limit(1).
		Offset(keepCount-1).
		Pluck("id", &cutoffIDs)
	if len(cutoffIDs) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).
		Where("severity = ? AND id < ?", severity, cutoffIDs[0]).
		Delete(&EventRecord{}).Error
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
