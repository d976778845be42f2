package repository

import (
	"context"
	"errors"
	"time"

	"CipherSync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicatePosition 同一笔下注交易已经建过持仓（幂等无操作）
var ErrDuplicatePosition = errors.New("持仓已存在")

// PositionRepository 持仓仓储。place_tx_hash 唯一索引保证同一笔链上下注只落一行。
type PositionRepository interface {
	GetByPlaceTxHash(ctx context.Context, txHash string) (*model.Position, error)
	// Create 插入持仓；place_tx_hash 冲突时返回 ErrDuplicatePosition
	Create(ctx context.Context, p *model.Position) error
	ListByBet(ctx context.Context, contractBetID uint64) ([]*model.Position, error)
	ListByUser(ctx context.Context, address string, page, pageSize int) ([]*model.Position, int64, error)
	// UpdateResolution 结算时翻转单个持仓的 is_resolved/is_winner
	UpdateResolution(ctx context.Context, positionID uint64, isWinner bool) error
	// MarkClaimed 领奖流程：置 claimed 并记录领奖交易哈希
	MarkClaimed(ctx context.Context, contractBetID uint64, userAddress, claimTxHash string) error
	// SetDecryptedAmount 解密巡检回填明文金额并重算入场价
	SetDecryptedAmount(ctx context.Context, placeTxHash string, amount float64, entryPrice int) error
	CountDistinctUsers(ctx context.Context, contractBetID uint64) (int64, error)
}

type positionRepository struct {
	db *gorm.DB
}

// NewPositionRepository 创建持仓仓储
func NewPositionRepository(db *gorm.DB) PositionRepository {
	return &positionRepository{db: db}
}

func (r *positionRepository) GetByPlaceTxHash(ctx context.Context, txHash string) (*model.Position, error) {
	var p model.Position
	if err := r.db.WithContext(ctx).Where("place_tx_hash = ?", txHash).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *positionRepository) Create(ctx context.Context, p *model.Position) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "place_tx_hash"}},
		DoNothing: true,
	}).Create(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicatePosition
	}
	return nil
}

func (r *positionRepository) ListByBet(ctx context.Context, contractBetID uint64) ([]*model.Position, error) {
	var list []*model.Position
	if err := r.db.WithContext(ctx).
		Where("contract_bet_id = ?", contractBetID).
		Order("block_number ASC, id ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *positionRepository) ListByUser(ctx context.Context, address string, page, pageSize int) ([]*model.Position, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	// 地址入库为 checksum 大小写混合格式，查询侧统一按不区分大小写匹配
	db := r.db.WithContext(ctx).Model(&model.Position{}).Where("LOWER(user_address) = LOWER(?)", address)
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []*model.Position
	if err := db.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r *positionRepository) UpdateResolution(ctx context.Context, positionID uint64, isWinner bool) error {
	return r.db.WithContext(ctx).Model(&model.Position{}).
		Where("id = ?", positionID).
		Updates(map[string]interface{}{
			"is_resolved": true,
			"is_winner":   isWinner,
			"updated_at":  time.Now(),
		}).Error
}

func (r *positionRepository) MarkClaimed(ctx context.Context, contractBetID uint64, userAddress, claimTxHash string) error {
	return r.db.WithContext(ctx).Model(&model.Position{}).
		Where("contract_bet_id = ? AND user_address = ? AND claimed = ?", contractBetID, userAddress, false).
		Updates(map[string]interface{}{
			"claimed":       true,
			"claim_tx_hash": claimTxHash,
			"updated_at":    time.Now(),
		}).Error
}

func (r *positionRepository) SetDecryptedAmount(ctx context.Context, placeTxHash string, amount float64, entryPrice int) error {
	return r.db.WithContext(ctx).Model(&model.Position{}).
		Where("place_tx_hash = ?", placeTxHash).
		Updates(map[string]interface{}{
			"amount":       amount,
			"entry_price":  entryPrice,
			"is_encrypted": false,
			"updated_at":   time.Now(),
		}).Error
}

func (r *positionRepository) CountDistinctUsers(ctx context.Context, contractBetID uint64) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Position{}).
		Where("contract_bet_id = ?", contractBetID).
		Distinct("user_address").
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
