package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"CipherSync/internal/chain"
	"CipherSync/internal/model"
	"CipherSync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PositionSyncService 把 BetPlaced 事件转为持仓记录。
// 幂等性由两层保证：place_tx_hash 唯一索引 + 事件存储的 (block,log) 去重键；
// 管线方向固定为 事件 → 市场 → 持仓 → 聚合，缺市场镜像时先补一次市场同步，
// 不存在任何反向调用。
type PositionSyncService struct {
	reader    chain.Reader
	bets      repository.BetRepository
	positions repository.PositionRepository
	betSync   *BetSyncService
	agg       *AggregationService
	locks     *betLocks
	logger    *logrus.Logger
}

// NewPositionSyncService 创建持仓同步服务
func NewPositionSyncService(
	reader chain.Reader,
	bets repository.BetRepository,
	positions repository.PositionRepository,
	betSync *BetSyncService,
	agg *AggregationService,
	locks *betLocks,
	logger *logrus.Logger,
) *PositionSyncService {
	return &PositionSyncService{
		reader:    reader,
		bets:      bets,
		positions: positions,
		betSync:   betSync,
		agg:       agg,
		locks:     locks,
		logger:    logger,
	}
}

// HandleBetPlaced 处理一条 BetPlaced 事件（可重复投递，重复为无操作）
func (s *PositionSyncService) HandleBetPlaced(ctx context.Context, ev *model.ChainEvent) error {
	raw, err := model.DecodePayload(ev.EventType, ev.EventData)
	if err != nil {
		return err
	}
	payload := raw.(*model.BetPlacedPayload)

	// 1. 同一笔下注交易已有持仓：幂等无操作
	if _, err := s.positions.GetByPlaceTxHash(ctx, ev.TxHash); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	unlock := s.locks.Lock(ev.ContractBetID)
	defer unlock()

	// 2. 持仓不能挂在未知市场上：镜像缺失先补全量同步
	bet, err := s.bets.GetByContractID(ctx, ev.ContractBetID)
	if errors.Is(err, repository.ErrBetMirrorMissing) {
		bet, err = s.betSync.SyncBet(ctx, ev.ContractBetID)
	}
	if err != nil {
		return fmt.Errorf("市场 %d 镜像不可用: %w", ev.ContractBetID, err)
	}

	// 3. 读链上份额，金额若已解密则一并带出
	userState, err := s.reader.GetUserBet(ctx, ev.ContractBetID, payload.User)
	if err != nil {
		return fmt.Errorf("读取用户 %s 在市场 %d 的下注失败: %w", payload.User, ev.ContractBetID, err)
	}

	var amount *float64
	decrypted, ok, err := s.reader.DecryptedAmount(ctx, payload.EncryptedAmount)
	if err != nil {
		// 网关故障不阻塞建仓，金额留给解密巡检回填
		s.logger.WithError(err).WithField("tx_hash", ev.TxHash).Warn("查询解密网关失败，金额暂留密文")
	} else if ok {
		amount = &decrypted
	}

	// 4. 落持仓
	p := &model.Position{
		PlaceTxHash:     ev.TxHash,
		ContractBetID:   ev.ContractBetID,
		UserAddress:     payload.User,
		OptionIndex:     payload.OptionIndex,
		Outcome:         payload.Outcome,
		Shares:          userState.Shares,
		EncryptedAmount: payload.EncryptedAmount,
		Amount:          amount,
		EntryPrice:      entryPrice(amount, userState.Shares),
		IsEncrypted:     amount == nil,
		BlockNumber:     ev.BlockNumber,
	}
	// 跨类型乱序：该市场的 BetResolved 可能已先处理完毕，之后不会再有
	// 结算事件来翻转这笔持仓，结算状态在建仓时一并补齐
	if bet.IsResolved && bet.WinnerOptionIndex != nil {
		p.IsResolved = true
		p.IsWinner = positionWins(bet.BetType, p, *bet.WinnerOptionIndex, bet.WinningOutcome)
	}
	if err := s.positions.Create(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicatePosition) {
			return nil
		}
		return fmt.Errorf("创建持仓失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"contract_bet_id": ev.ContractBetID,
		"user":            payload.User,
		"option_index":    payload.OptionIndex,
		"tx_hash":         ev.TxHash,
	}).Info("持仓已创建")

	// 5. 重算该市场聚合缓存
	return s.agg.RecomputeBetAggregates(ctx, bet.ContractBetID)
}

// HandleWinningsClaimed 领奖事件：置 claimed 标记
func (s *PositionSyncService) HandleWinningsClaimed(ctx context.Context, ev *model.ChainEvent) error {
	raw, err := model.DecodePayload(ev.EventType, ev.EventData)
	if err != nil {
		return err
	}
	payload := raw.(*model.WinningsClaimedPayload)

	unlock := s.locks.Lock(ev.ContractBetID)
	defer unlock()

	if err := s.positions.MarkClaimed(ctx, ev.ContractBetID, payload.User, ev.TxHash); err != nil {
		return fmt.Errorf("标记领奖失败: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"contract_bet_id": ev.ContractBetID,
		"user":            payload.User,
		"amount":          payload.Amount,
	}).Info("持仓已标记领奖")
	return nil
}

// entryPrice 展示用入场价：amount/shares 折算到 [1,99]，避免 0/100 的退化显示；
// 金额未解密时固定 50，保证回放重算结果一致
func entryPrice(amount *float64, shares float64) int {
	if amount == nil || *amount <= 0 || shares <= 0 {
		return 50
	}
	p := int(math.Round(100 * *amount / shares))
	if p < 1 {
		return 1
	}
	if p > 99 {
		return 99
	}
	return p
}
