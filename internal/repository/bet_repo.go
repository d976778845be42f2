package repository

import (
	"context"
	"errors"
	"time"

	"CipherSync/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBetMirrorMissing 链下尚无该市场镜像（可恢复：先做一次全量同步再继续）
var ErrBetMirrorMissing = errors.New("市场镜像不存在")

// BetRepository 市场镜像仓储。
// 约定：任何同步路径只允许走 UpdateChainFields / UpsertOption 等链上字段入口，
// 展示字段（title/description/category/visibility/tags）只归后台运营接口写。
type BetRepository interface {
	GetByContractID(ctx context.Context, contractBetID uint64) (*model.Bet, error)
	// Create 首次建镜像：市场与选项在同一事务内落库
	Create(ctx context.Context, bet *model.Bet, options []*model.BetOption) error
	// UpdateChainFields 幂等覆盖链上来源字段与同步元数据，不碰展示字段
	UpdateChainFields(ctx context.Context, contractBetID uint64, fields map[string]interface{}) error
	UpdateSyncStatus(ctx context.Context, contractBetID uint64, status string) error
	UpsertOption(ctx context.Context, opt *model.BetOption) error
	GetOptions(ctx context.Context, betID uint64) ([]*model.BetOption, error)
	// ListBySyncStatus 巡检用：按同步状态拉取待处理市场
	ListBySyncStatus(ctx context.Context, statuses []string, limit int) ([]*model.Bet, error)
	CountBySyncStatus(ctx context.Context, status string) (int64, error)
	// UpdateAggregates 回写市场级公开聚合缓存
	UpdateAggregates(ctx context.Context, betID uint64, participantCount, positionCount int, totalAmount *float64) error
	// UpdateOptionAggregates 回写选项级公开聚合缓存
	UpdateOptionAggregates(ctx context.Context, betID uint64, optionIndex int, positionCount int, totalAmount *float64) error
}

type betRepository struct {
	db *gorm.DB
}

// NewBetRepository 创建市场镜像仓储
func NewBetRepository(db *gorm.DB) BetRepository {
	return &betRepository{db: db}
}

func (r *betRepository) GetByContractID(ctx context.Context, contractBetID uint64) (*model.Bet, error) {
	var bet model.Bet
	if err := r.db.WithContext(ctx).Where("contract_bet_id = ?", contractBetID).First(&bet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBetMirrorMissing
		}
		return nil, err
	}
	return &bet, nil
}

func (r *betRepository) Create(ctx context.Context, bet *model.Bet, options []*model.BetOption) error {
	if bet.BetUUID == "" {
		bet.BetUUID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// contract_bet_id 唯一索引兜底：并发建镜像时后到者不报错
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contract_bet_id"}},
			DoNothing: true,
		}).Create(bet)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("contract_bet_id = ?", bet.ContractBetID).First(bet).Error
		}
		for _, opt := range options {
			opt.BetID = bet.ID
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "bet_id"}, {Name: "option_index"}},
				DoNothing: true,
			}).Create(opt).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *betRepository) UpdateChainFields(ctx context.Context, contractBetID uint64, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = time.Now()
	return r.db.WithContext(ctx).Model(&model.Bet{}).
		Where("contract_bet_id = ?", contractBetID).
		Updates(fields).Error
}

func (r *betRepository) UpdateSyncStatus(ctx context.Context, contractBetID uint64, status string) error {
	return r.UpdateChainFields(ctx, contractBetID, map[string]interface{}{"sync_status": status})
}

func (r *betRepository) UpsertOption(ctx context.Context, opt *model.BetOption) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bet_id"}, {Name: "option_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"public_total_shares", "is_winner", "updated_at"}),
	}).Create(opt).Error
}

func (r *betRepository) GetOptions(ctx context.Context, betID uint64) ([]*model.BetOption, error) {
	var opts []*model.BetOption
	if err := r.db.WithContext(ctx).
		Where("bet_id = ?", betID).
		Order("option_index ASC").
		Find(&opts).Error; err != nil {
		return nil, err
	}
	return opts, nil
}

func (r *betRepository) ListBySyncStatus(ctx context.Context, statuses []string, limit int) ([]*model.Bet, error) {
	if limit <= 0 {
		limit = 200
	}
	var bets []*model.Bet
	if err := r.db.WithContext(ctx).
		Where("sync_status IN ?", statuses).
		Order("updated_at ASC").
		Limit(limit).
		Find(&bets).Error; err != nil {
		return nil, err
	}
	return bets, nil
}

func (r *betRepository) CountBySyncStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Bet{}).
		Where("sync_status = ?", status).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *betRepository) UpdateAggregates(ctx context.Context, betID uint64, participantCount, positionCount int, totalAmount *float64) error {
	return r.db.WithContext(ctx).Model(&model.Bet{}).
		Where("id = ?", betID).
		Updates(map[string]interface{}{
			"participant_count": participantCount,
			"position_count":    positionCount,
			"total_amount":      totalAmount,
			"updated_at":        time.Now(),
		}).Error
}

func (r *betRepository) UpdateOptionAggregates(ctx context.Context, betID uint64, optionIndex int, positionCount int, totalAmount *float64) error {
	return r.db.WithContext(ctx).Model(&model.BetOption{}).
		Where("bet_id = ? AND option_index = ?", betID, optionIndex).
		Updates(map[string]interface{}{
			"position_count": positionCount,
			"total_amount":   totalAmount,
			"updated_at":     time.Now(),
		}).Error
}
