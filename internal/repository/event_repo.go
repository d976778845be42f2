package repository

import (
	"context"
	"errors"
	"time"

	"CipherSync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateEvent 重复观察到同一条 (block_number, log_index) 日志。
// 不是故障：实时订阅与回填同时看到同一条日志属于正常情况，上层直接跳过即可。
var ErrDuplicateEvent = errors.New("链上事件已存在")

// ChainEventRepository 链上事件存储。Append 是全管线唯一的去重边界，
// 其余组件可以假设"事件只会被应用一次"。
type ChainEventRepository interface {
	// Append 插入事件；(block_number, log_index) 已存在时返回 ErrDuplicateEvent
	Append(ctx context.Context, ev *model.ChainEvent) error
	// GetByBlockLog 按去重键取回已入库事件
	GetByBlockLog(ctx context.Context, blockNumber uint64, logIndex uint) (*model.ChainEvent, error)
	// ResetSyncAttempts 补投成功后清零重试计数
	ResetSyncAttempts(ctx context.Context, eventID uint64) error
	// PendingDecryption 返回尚未尝试解密的 BetPlaced 事件，最旧优先，限制批大小
	PendingDecryption(ctx context.Context, limit int) ([]*model.ChainEvent, error)
	// MarkDecryption 单调更新解密簿记：attempted 一旦置 true 不再回退
	MarkDecryption(ctx context.Context, eventID uint64, success bool, errMsg *string) error
	// IncrementSyncAttempts 处理失败时累加重试计数
	IncrementSyncAttempts(ctx context.Context, eventID uint64) error
	// CountSince 统计某时间点之后入库的事件数（健康接口用）
	CountSince(ctx context.Context, since time.Time) (int64, error)
	// LastBlock 已入库事件的最大区块号
	LastBlock(ctx context.Context) (uint64, error)
}

type chainEventRepository struct {
	db *gorm.DB
}

// NewChainEventRepository 创建链上事件仓储
func NewChainEventRepository(db *gorm.DB) ChainEventRepository {
	return &chainEventRepository{db: db}
}

func (r *chainEventRepository) Append(ctx context.Context, ev *model.ChainEvent) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "block_number"}, {Name: "log_index"}},
		DoNothing: true,
	}).Create(ev)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func (r *chainEventRepository) GetByBlockLog(ctx context.Context, blockNumber uint64, logIndex uint) (*model.ChainEvent, error) {
	var ev model.ChainEvent
	if err := r.db.WithContext(ctx).
		Where("block_number = ? AND log_index = ?", blockNumber, logIndex).
		First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *chainEventRepository) ResetSyncAttempts(ctx context.Context, eventID uint64) error {
	return r.db.WithContext(ctx).Model(&model.ChainEvent{}).
		Where("id = ?", eventID).
		UpdateColumn("sync_attempts", 0).Error
}

func (r *chainEventRepository) PendingDecryption(ctx context.Context, limit int) ([]*model.ChainEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []*model.ChainEvent
	if err := r.db.WithContext(ctx).
		Where("event_type = ? AND decryption_attempted = ?", string(model.EventBetPlaced), false).
		Order("block_number ASC, log_index ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *chainEventRepository) MarkDecryption(ctx context.Context, eventID uint64, success bool, errMsg *string) error {
	return r.db.WithContext(ctx).Model(&model.ChainEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"decryption_attempted": true,
			"decryption_success":   success,
			"decryption_error":     errMsg,
		}).Error
}

func (r *chainEventRepository) IncrementSyncAttempts(ctx context.Context, eventID uint64) error {
	return r.db.WithContext(ctx).Model(&model.ChainEvent{}).
		Where("id = ?", eventID).
		UpdateColumn("sync_attempts", gorm.Expr("sync_attempts + 1")).Error
}

func (r *chainEventRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.ChainEvent{}).
		Where("created_at >= ?", since).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *chainEventRepository) LastBlock(ctx context.Context) (uint64, error) {
	var max *uint64
	if err := r.db.WithContext(ctx).Model(&model.ChainEvent{}).
		Select("MAX(block_number)").Scan(&max).Error; err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}
