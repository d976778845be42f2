package service

import (
	"context"
	"fmt"
	"strings"

	"CipherSync/internal/model"
	"CipherSync/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AggregationService 聚合与隐私裁剪。
// 核心隐私不变式：金额可见性只由 (是否本人, 是否已结算) 决定，
// 与请求参数无关 —— 所有金额分支最终都收敛到 amountsVisible 这一个判定。
type AggregationService struct {
	bets      repository.BetRepository
	positions repository.PositionRepository
	logger    *logrus.Logger
}

// NewAggregationService 创建聚合服务
func NewAggregationService(bets repository.BetRepository, positions repository.PositionRepository, logger *logrus.Logger) *AggregationService {
	return &AggregationService{bets: bets, positions: positions, logger: logger}
}

// OptionAggregate 单个选项的聚合视图
type OptionAggregate struct {
	OptionIndex       int      `json:"option_index"`
	Title             string   `json:"title"`
	PublicTotalShares float64  `json:"public_total_shares"`
	IsWinner          bool     `json:"is_winner"`
	PositionCount     int      `json:"position_count"`
	TotalAmount       *float64 `json:"total_amount,omitempty"` // 仅结算后/创建者可见
}

// BetAggregate 市场聚合视图（已按请求者做隐私裁剪）
type BetAggregate struct {
	BetUUID          string            `json:"bet_uuid"`
	ContractBetID    uint64            `json:"contract_bet_id"`
	Title            string            `json:"title"`
	BetType          string            `json:"bet_type"`
	IsActive         bool              `json:"is_active"`
	IsResolved       bool              `json:"is_resolved"`
	ParticipantCount int               `json:"participant_count"`
	PositionCount    int               `json:"position_count"`
	TotalAmount      *float64          `json:"total_amount,omitempty"` // 仅结算后/创建者可见
	AmountsVisible   bool              `json:"amounts_visible"`
	Options          []OptionAggregate `json:"options"`
}

// UserPortfolio 用户持仓视图：本人金额始终可见，别人的永远不在这里出现
type UserPortfolio struct {
	Address        string            `json:"address"`
	Positions      []*model.Position `json:"positions"`
	Total          int64             `json:"total"`
	TotalWins      int               `json:"total_wins"`
	TotalClaimed   int               `json:"total_claimed"`
	TotalResolved  int               `json:"total_resolved"`
	TotalStaked    float64           `json:"total_staked"`    // 已解密金额合计
	EncryptedCount int               `json:"encrypted_count"` // 金额仍为密文的持仓数
}

// GetBetAggregate 市场聚合查询。
// 结算前：除创建者外任何请求者只能拿到计数（参与人数/持仓数/公开份额），
// 金额字段一律裁掉 —— 单笔金额是密文，能公开的只有"有多少笔"。
// 结算后：基于已解密金额的各选项合计对所有人公开。
func (s *AggregationService) GetBetAggregate(ctx context.Context, contractBetID uint64, requester string) (*BetAggregate, error) {
	bet, err := s.bets.GetByContractID(ctx, contractBetID)
	if err != nil {
		return nil, err
	}
	opts, err := s.bets.GetOptions(ctx, bet.ID)
	if err != nil {
		return nil, err
	}

	// 唯一的金额可见性判定点
	amountsVisible := bet.IsResolved ||
		(requester != "" && strings.EqualFold(requester, bet.CreatedBy))

	agg := &BetAggregate{
		BetUUID:          bet.BetUUID,
		ContractBetID:    bet.ContractBetID,
		Title:            bet.Title,
		BetType:          bet.BetType,
		IsActive:         bet.IsActive,
		IsResolved:       bet.IsResolved,
		ParticipantCount: bet.ParticipantCount,
		PositionCount:    bet.PositionCount,
		AmountsVisible:   amountsVisible,
		Options:          make([]OptionAggregate, 0, len(opts)),
	}
	if amountsVisible {
		agg.TotalAmount = bet.TotalAmount
	}
	for _, opt := range opts {
		oa := OptionAggregate{
			OptionIndex:       opt.OptionIndex,
			Title:             opt.Title,
			PublicTotalShares: opt.PublicTotalShares,
			IsWinner:          opt.IsWinner,
			PositionCount:     opt.PositionCount,
		}
		if amountsVisible {
			oa.TotalAmount = opt.TotalAmount
		}
		agg.Options = append(agg.Options, oa)
	}
	return agg, nil
}

// GetUserPortfolio 用户自己的持仓与统计：本人金额不受结算状态限制
func (s *AggregationService) GetUserPortfolio(ctx context.Context, address string, page, pageSize int) (*UserPortfolio, error) {
	list, total, err := s.positions.ListByUser(ctx, address, page, pageSize)
	if err != nil {
		return nil, err
	}
	pf := &UserPortfolio{
		Address:   address,
		Positions: list,
		Total:     total,
	}
	staked := decimal.Zero
	for _, p := range list {
		if p.IsResolved {
			pf.TotalResolved++
			if p.IsWinner {
				pf.TotalWins++
			}
		}
		if p.Claimed {
			pf.TotalClaimed++
		}
		if p.Amount != nil {
			staked = staked.Add(decimal.NewFromFloat(*p.Amount))
		} else {
			pf.EncryptedCount++
		}
	}
	pf.TotalStaked, _ = staked.Float64()
	return pf, nil
}

// RecomputeBetAggregates 重算并回写市场级/选项级公开聚合缓存。
// 金额合计只累加已解密（amount 非空）的持仓，密文金额永不估算；
// 缓存始终写全，对外暴露在读取端统一裁剪。
func (s *AggregationService) RecomputeBetAggregates(ctx context.Context, contractBetID uint64) error {
	bet, err := s.bets.GetByContractID(ctx, contractBetID)
	if err != nil {
		return err
	}
	list, err := s.positions.ListByBet(ctx, contractBetID)
	if err != nil {
		return err
	}

	participants, err := s.positions.CountDistinctUsers(ctx, contractBetID)
	if err != nil {
		return err
	}

	type optAgg struct {
		count     int
		sum       decimal.Decimal
		hasAmount bool
	}
	byOption := make(map[int]*optAgg)
	totalSum := decimal.Zero
	totalHasAmount := false

	for _, p := range list {
		oa := byOption[p.OptionIndex]
		if oa == nil {
			oa = &optAgg{sum: decimal.Zero}
			byOption[p.OptionIndex] = oa
		}
		oa.count++
		if p.Amount != nil {
			d := decimal.NewFromFloat(*p.Amount)
			oa.sum = oa.sum.Add(d)
			oa.hasAmount = true
			totalSum = totalSum.Add(d)
			totalHasAmount = true
		}
	}

	var totalAmount *float64
	if totalHasAmount {
		v, _ := totalSum.Float64()
		totalAmount = &v
	}
	if err := s.bets.UpdateAggregates(ctx, bet.ID, int(participants), len(list), totalAmount); err != nil {
		return fmt.Errorf("回写市场聚合缓存失败: %w", err)
	}

	opts, err := s.bets.GetOptions(ctx, bet.ID)
	if err != nil {
		return err
	}
	for _, opt := range opts {
		oa := byOption[opt.OptionIndex]
		count := 0
		var optAmount *float64
		if oa != nil {
			count = oa.count
			if oa.hasAmount {
				v, _ := oa.sum.Float64()
				optAmount = &v
			}
		}
		if err := s.bets.UpdateOptionAggregates(ctx, bet.ID, opt.OptionIndex, count, optAmount); err != nil {
			return fmt.Errorf("回写选项聚合缓存失败: %w", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"contract_bet_id": contractBetID,
		"participants":    participants,
		"positions":       len(list),
	}).Debug("市场聚合缓存已重算")
	return nil
}
