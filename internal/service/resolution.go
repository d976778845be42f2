package service

import (
	"context"
	"fmt"

	"CipherSync/internal/model"
	"CipherSync/internal/repository"

	"github.com/sirupsen/logrus"
)

// ResolutionService 结算对账：BetResolved 事件驱动，状态机 active → resolved（终态）。
// 胜负以重新同步后的镜像（即当前链上状态）为准，绝不信任内存里的事件先后顺序，
// 因此对同一市场重复投递 BetResolved 的结果是收敛的。
type ResolutionService struct {
	bets      repository.BetRepository
	positions repository.PositionRepository
	betSync   *BetSyncService
	agg       *AggregationService
	locks     *betLocks
	logger    *logrus.Logger
}

// NewResolutionService 创建结算对账服务
func NewResolutionService(
	bets repository.BetRepository,
	positions repository.PositionRepository,
	betSync *BetSyncService,
	agg *AggregationService,
	locks *betLocks,
	logger *logrus.Logger,
) *ResolutionService {
	return &ResolutionService{
		bets:      bets,
		positions: positions,
		betSync:   betSync,
		agg:       agg,
		locks:     locks,
		logger:    logger,
	}
}

// HandleBetResolved 处理一条 BetResolved 事件
func (s *ResolutionService) HandleBetResolved(ctx context.Context, ev *model.ChainEvent) error {
	raw, err := model.DecodePayload(ev.EventType, ev.EventData)
	if err != nil {
		return err
	}
	payload := raw.(*model.BetResolvedPayload)

	unlock := s.locks.Lock(ev.ContractBetID)
	defer unlock()

	// 1. 重新同步镜像，拿到权威的胜出选项与选项 is_winner 标记
	bet, err := s.betSync.SyncBet(ctx, ev.ContractBetID)
	if err != nil {
		return fmt.Errorf("结算前同步市场 %d 失败: %w", ev.ContractBetID, err)
	}

	winnerIndex := payload.WinnerIndex
	winningOutcome := payload.WinningOutcome
	if bet.IsResolved && bet.WinnerOptionIndex != nil {
		// 镜像已带链上权威值，优先于事件载荷
		winnerIndex = *bet.WinnerOptionIndex
		winningOutcome = bet.WinningOutcome
	} else if !bet.IsResolved {
		s.logger.WithField("contract_bet_id", ev.ContractBetID).
			Warn("收到 BetResolved 但链上读仍为未结算，按事件载荷结算")
	}

	// 2. 翻转该市场全部持仓
	list, err := s.positions.ListByBet(ctx, ev.ContractBetID)
	if err != nil {
		return err
	}
	for _, p := range list {
		isWinner := positionWins(bet.BetType, p, winnerIndex, winningOutcome)
		if p.IsResolved && p.IsWinner == isWinner {
			continue // 重复投递：同输入同结果，无需改写
		}
		if err := s.positions.UpdateResolution(ctx, p.ID, isWinner); err != nil {
			return fmt.Errorf("更新持仓 %d 结算状态失败: %w", p.ID, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"contract_bet_id": ev.ContractBetID,
		"winner_index":    winnerIndex,
		"positions":       len(list),
	}).Info("市场结算完成")

	// 3. 结算是密文金额对外公开的信任边界：此时重算公开聚合
	return s.agg.RecomputeBetAggregates(ctx, ev.ContractBetID)
}

// positionWins 胜负判定：选项序号相同即胜；nested 类型需同时命中 outcome。
// 非 nested 路径有意忽略 outcome（与合约语义一致）。
func positionWins(betType string, p *model.Position, winnerIndex int, winningOutcome *int) bool {
	if p.OptionIndex != winnerIndex {
		return false
	}
	if betType != model.BetTypeNested {
		return true
	}
	if winningOutcome == nil || p.Outcome == nil {
		return false
	}
	return *p.Outcome == *winningOutcome
}
