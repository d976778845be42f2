package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"CipherSync/internal/chain"
	"CipherSync/internal/model"
	"CipherSync/internal/repository"

	"github.com/sirupsen/logrus"
)

// BetSyncService 市场镜像同步：从链上读取权威状态，幂等覆盖链上来源字段。
// 展示字段（title/description 等）归后台运营流程，本服务只在首次建镜像时
// 填入非空的安全默认值，之后永不改写。
type BetSyncService struct {
	reader chain.Reader
	bets   repository.BetRepository
	logger *logrus.Logger
}

// NewBetSyncService 创建市场镜像同步服务
func NewBetSyncService(reader chain.Reader, bets repository.BetRepository, logger *logrus.Logger) *BetSyncService {
	return &BetSyncService{reader: reader, bets: bets, logger: logger}
}

// SyncBet 对指定市场做一次全量同步，返回同步后的镜像。
// last_sync_block 取合约读取"之前"观察到的链高度：并发写入可能在读取后继续
// 推进链头，提前取高度保证不会把镜像标记为"已同步到"一个其实没读到的区块。
func (s *BetSyncService) SyncBet(ctx context.Context, contractBetID uint64) (*model.Bet, error) {
	height, err := s.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取链高度失败: %w", err)
	}

	state, err := s.reader.GetBet(ctx, contractBetID)
	if err != nil {
		// 读失败不静默：镜像存在则标记 failed，留给巡检重试
		if mErr := s.bets.UpdateSyncStatus(ctx, contractBetID, model.SyncStatusFailed); mErr != nil && !errors.Is(mErr, repository.ErrBetMirrorMissing) {
			s.logger.WithError(mErr).WithField("contract_bet_id", contractBetID).Warn("标记同步失败状态出错")
		}
		return nil, fmt.Errorf("读取市场 %d 链上状态失败: %w", contractBetID, err)
	}

	bet, err := s.bets.GetByContractID(ctx, contractBetID)
	if errors.Is(err, repository.ErrBetMirrorMissing) {
		return s.createMirror(ctx, contractBetID, state, height)
	}
	if err != nil {
		return nil, err
	}
	return s.updateMirror(ctx, bet, state, height)
}

// createMirror 首次建镜像：链上字段取实值，展示字段填安全默认（绝不留空）
func (s *BetSyncService) createMirror(ctx context.Context, contractBetID uint64, state *chain.BetState, height uint64) (*model.Bet, error) {
	now := time.Now()
	bet := &model.Bet{
		ContractBetID: contractBetID,
		Title:         fmt.Sprintf("链上市场 #%d", contractBetID),
		Description:   "等待运营补充描述",
		Visibility:    "public",
		BetType:       betTypeName(state.BetType),
		CreatedBy:     state.Creator,
		EndTime:       state.EndTime,
		MinBetAmount:  state.MinBetAmount,
		MaxBetAmount:  state.MaxBetAmount,
		IsActive:      state.IsActive,
		IsResolved:    state.IsResolved,
		SyncStatus:    model.SyncStatusSynced,
		LastSyncBlock: height,
		LastSyncAt:    &now,
	}
	if state.IsResolved {
		w := state.WinnerIndex
		bet.WinnerOptionIndex = &w
		if state.BetType == 1 {
			o := state.WinningOutcome
			bet.WinningOutcome = &o
		}
	}

	options := make([]*model.BetOption, 0, state.OptionCount)
	for i := 0; i < state.OptionCount; i++ {
		optState, err := s.reader.GetBetOption(ctx, contractBetID, i)
		if err != nil {
			return nil, fmt.Errorf("读取市场 %d 选项 %d 失败: %w", contractBetID, i, err)
		}
		options = append(options, &model.BetOption{
			OptionIndex:       i,
			Title:             fmt.Sprintf("选项 %d", i+1),
			PublicTotalShares: optState.TotalShares,
			IsWinner:          optState.IsWinner,
		})
	}
	bet.StateHash = stateHash(bet.Title, bet.EndTime, bet.IsActive, bet.IsResolved, options)

	if err := s.bets.Create(ctx, bet, options); err != nil {
		return nil, fmt.Errorf("建立市场镜像失败: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"contract_bet_id": contractBetID,
		"options":         len(options),
		"sync_block":      height,
	}).Info("市场镜像已建立")
	return bet, nil
}

// updateMirror 已有镜像：只覆盖链上来源字段，展示字段对同步路径只读
func (s *BetSyncService) updateMirror(ctx context.Context, bet *model.Bet, state *chain.BetState, height uint64) (*model.Bet, error) {
	options := make([]*model.BetOption, 0, state.OptionCount)
	for i := 0; i < state.OptionCount; i++ {
		optState, err := s.reader.GetBetOption(ctx, bet.ContractBetID, i)
		if err != nil {
			_ = s.bets.UpdateSyncStatus(ctx, bet.ContractBetID, model.SyncStatusFailed)
			return nil, fmt.Errorf("读取市场 %d 选项 %d 失败: %w", bet.ContractBetID, i, err)
		}
		options = append(options, &model.BetOption{
			BetID:             bet.ID,
			OptionIndex:       i,
			Title:             fmt.Sprintf("选项 %d", i+1),
			PublicTotalShares: optState.TotalShares,
			IsWinner:          optState.IsWinner,
		})
	}

	// 镜像内容被带外改动（state_hash 与镜像自身对不上）视为状态不一致：
	// 只告警并标记 stale，修正必须走后台路径，同步永远不碰展示字段
	syncStatus := model.SyncStatusSynced
	if bet.StateHash != "" {
		storedOpts, err := s.bets.GetOptions(ctx, bet.ID)
		if err != nil {
			return nil, err
		}
		if recomputed := stateHash(bet.Title, bet.EndTime, bet.IsActive, bet.IsResolved, storedOpts); recomputed != bet.StateHash {
			s.logger.WithFields(logrus.Fields{
				"contract_bet_id": bet.ContractBetID,
				"stored_hash":     bet.StateHash,
				"recomputed_hash": recomputed,
			}).Warn("镜像内容与记录的状态哈希不一致，标记 stale")
			syncStatus = model.SyncStatusStale
		}
	}

	now := time.Now()
	fields := map[string]interface{}{
		"end_time":        state.EndTime,
		"min_bet_amount":  state.MinBetAmount,
		"max_bet_amount":  state.MaxBetAmount,
		"is_active":       state.IsActive,
		"is_resolved":     state.IsResolved,
		"sync_status":     syncStatus,
		"last_sync_block": height,
		"last_sync_at":    now,
	}
	if state.IsResolved {
		fields["winner_option_index"] = state.WinnerIndex
		if state.BetType == 1 {
			fields["winning_outcome"] = state.WinningOutcome
		}
	}
	fields["state_hash"] = stateHash(bet.Title, state.EndTime, state.IsActive, state.IsResolved, options)

	if err := s.bets.UpdateChainFields(ctx, bet.ContractBetID, fields); err != nil {
		return nil, fmt.Errorf("更新市场镜像失败: %w", err)
	}
	for _, opt := range options {
		if err := s.bets.UpsertOption(ctx, opt); err != nil {
			return nil, fmt.Errorf("更新市场 %d 选项 %d 失败: %w", bet.ContractBetID, opt.OptionIndex, err)
		}
	}

	return s.bets.GetByContractID(ctx, bet.ContractBetID)
}

func betTypeName(t uint8) string {
	if t == 1 {
		return model.BetTypeNested
	}
	return model.BetTypeSingle
}

// stateHash 对 title/endTime/isActive/isResolved/选项集 做内容哈希，用于带外改动检测
func stateHash(title string, endTime time.Time, isActive, isResolved bool, options []*model.BetOption) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%t|%t", title, endTime.Unix(), isActive, isResolved)
	for _, opt := range options {
		fmt.Fprintf(h, "|%d:%.6f:%t", opt.OptionIndex, opt.PublicTotalShares, opt.IsWinner)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
