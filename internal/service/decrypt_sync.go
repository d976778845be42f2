package service

import (
	"context"

	"CipherSync/internal/chain"
	"CipherSync/internal/model"
	"CipherSync/internal/repository"

	"github.com/sirupsen/logrus"
)

// DecryptSyncService 解密巡检：批量拉取未尝试解密的 BetPlaced 事件，
// 逐条询问网关并回填持仓明文金额。批大小受配置限制，保护网关不被突发流量打爆。
// 簿记单调：decryption_attempted 只会从 false 变 true；
// "尚未就绪"（DecryptionPending）不置 attempted，留待下轮巡检，只累加 sync_attempts。
type DecryptSyncService struct {
	reader    chain.Reader
	events    repository.ChainEventRepository
	positions repository.PositionRepository
	agg       *AggregationService
	logger    *logrus.Logger
}

// NewDecryptSyncService 创建解密巡检服务
func NewDecryptSyncService(
	reader chain.Reader,
	events repository.ChainEventRepository,
	positions repository.PositionRepository,
	agg *AggregationService,
	logger *logrus.Logger,
) *DecryptSyncService {
	return &DecryptSyncService{
		reader:    reader,
		events:    events,
		positions: positions,
		agg:       agg,
		logger:    logger,
	}
}

// Run 跑一轮解密巡检；单条失败不阻塞整批
func (s *DecryptSyncService) Run(ctx context.Context, batch int) error {
	pending, err := s.events.PendingDecryption(ctx, batch)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	touched := make(map[uint64]struct{})
	decrypted := 0
	for _, ev := range pending {
		raw, err := model.DecodePayload(ev.EventType, ev.EventData)
		if err != nil {
			msg := err.Error()
			_ = s.events.MarkDecryption(ctx, ev.ID, false, &msg)
			s.logger.WithError(err).WithField("event_id", ev.ID).Warn("解密巡检：载荷解析失败")
			continue
		}
		payload := raw.(*model.BetPlacedPayload)

		amount, ok, err := s.reader.DecryptedAmount(ctx, payload.EncryptedAmount)
		if err != nil {
			msg := err.Error()
			if mErr := s.events.MarkDecryption(ctx, ev.ID, false, &msg); mErr != nil {
				s.logger.WithError(mErr).WithField("event_id", ev.ID).Warn("解密簿记写入失败")
			}
			continue
		}
		if !ok {
			// 网关尚未就绪：不是错误，下轮再试
			_ = s.events.IncrementSyncAttempts(ctx, ev.ID)
			continue
		}

		// 明文到手后入场价不再是密文阶段的占位值，按持仓份额重算
		p, err := s.positions.GetByPlaceTxHash(ctx, ev.TxHash)
		if err != nil {
			msg := err.Error()
			_ = s.events.MarkDecryption(ctx, ev.ID, false, &msg)
			s.logger.WithError(err).WithField("tx_hash", ev.TxHash).Warn("解密巡检：定位持仓失败")
			continue
		}
		if err := s.positions.SetDecryptedAmount(ctx, ev.TxHash, amount, entryPrice(&amount, p.Shares)); err != nil {
			msg := err.Error()
			_ = s.events.MarkDecryption(ctx, ev.ID, false, &msg)
			s.logger.WithError(err).WithField("tx_hash", ev.TxHash).Warn("解密巡检：回填持仓金额失败")
			continue
		}
		if err := s.events.MarkDecryption(ctx, ev.ID, true, nil); err != nil {
			s.logger.WithError(err).WithField("event_id", ev.ID).Warn("解密簿记写入失败")
		}
		touched[ev.ContractBetID] = struct{}{}
		decrypted++
	}

	// 明文金额变了，相关市场的聚合缓存（创建者视图/结算后公开值）需要重算
	for betID := range touched {
		if err := s.agg.RecomputeBetAggregates(ctx, betID); err != nil {
			s.logger.WithError(err).WithField("contract_bet_id", betID).Warn("解密后重算聚合失败")
		}
	}

	if decrypted > 0 {
		s.logger.Infof("解密巡检：本轮回填 %d 笔金额（待处理 %d 条）", decrypted, len(pending))
	}
	return nil
}
