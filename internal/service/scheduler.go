package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"CipherSync/internal/chain"
	"CipherSync/internal/config"
	"CipherSync/internal/listener"
	"CipherSync/internal/model"
	"CipherSync/internal/repository"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler 同步调度器：三种驱动模式（实时订阅 / 定时巡检 / 历史回填）
// 汇聚到同一条 追加→分发 路径，最终状态只取决于事件集合，与到达方式无关。
// 重试策略全部集中在这里，处理器内部不做任何 ad-hoc 重试。
type Scheduler struct {
	cfg        *config.Config
	reader     chain.Reader
	events     repository.ChainEventRepository
	bets       repository.BetRepository
	betSync    *BetSyncService
	posSync    *PositionSyncService
	resolution *ResolutionService
	decrypt    *DecryptSyncService
	locks      *betLocks
	logger     *logrus.Logger

	cron          *cron.Cron
	baseCtx       context.Context
	isListening   atomic.Bool
	lastProcessed atomic.Uint64

	backfillMu      sync.Mutex
	backfillCancel  context.CancelFunc
	backfillRunning atomic.Bool

	btMu    sync.Mutex
	btBlock uint64
	btTime  time.Time
}

// NewScheduler 创建调度器（依赖全部注入，无任何包级单例状态）
func NewScheduler(
	cfg *config.Config,
	reader chain.Reader,
	events repository.ChainEventRepository,
	bets repository.BetRepository,
	betSync *BetSyncService,
	posSync *PositionSyncService,
	resolution *ResolutionService,
	decrypt *DecryptSyncService,
	locks *betLocks,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		reader:     reader,
		events:     events,
		bets:       bets,
		betSync:    betSync,
		posSync:    posSync,
		resolution: resolution,
		decrypt:    decrypt,
		locks:      locks,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start 启动实时订阅与定时任务；ctx 取消时全部停止
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx
	sub := listener.NewChainSubscriber(s.reader, s, s.setListening, s.logger)
	go func() {
		_ = sub.Run(ctx)
	}()

	if _, err := s.cron.AddFunc(s.cfg.Sync.SweepCron, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("注册巡检任务失败: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.Sync.DecryptCron, func() {
		if err := s.decrypt.Run(ctx, s.cfg.Sync.DecryptBatch); err != nil {
			s.logger.WithError(err).Warn("解密巡检执行失败")
		}
	}); err != nil {
		return fmt.Errorf("注册解密任务失败: %w", err)
	}
	s.cron.Start()
	s.logger.Infof("调度器已启动（巡检 %s / 解密 %s）", s.cfg.Sync.SweepCron, s.cfg.Sync.DecryptCron)

	go func() {
		<-ctx.Done()
		stopped := s.cron.Stop()
		<-stopped.Done()
		s.CancelBackfill()
		s.logger.Info("调度器已停止")
	}()
	return nil
}

func (s *Scheduler) setListening(v bool) {
	s.isListening.Store(v)
}

// ProcessLog 实时/回填共用入口：解码 → 追加（唯一去重边界）→ 分发。
// 重复日志在追加处吸收，这里安静返回。
func (s *Scheduler) ProcessLog(ctx context.Context, vLog types.Log) error {
	ev, err := listener.DecodeLog(vLog)
	if err != nil {
		return err
	}
	ev.EventTime = s.blockTime(ctx, ev.BlockNumber)
	if err := s.events.Append(ctx, ev); err != nil {
		if errors.Is(err, repository.ErrDuplicateEvent) {
			return s.redeliver(ctx, ev)
		}
		return err
	}
	if err := s.dispatch(ctx, ev); err != nil {
		// 单条事件失败不拖垮整批：记账、标记市场 failed，等巡检重试
		if aErr := s.events.IncrementSyncAttempts(ctx, ev.ID); aErr != nil {
			s.logger.WithError(aErr).WithField("event_id", ev.ID).Warn("累加事件重试计数失败")
		}
		if mErr := s.bets.UpdateSyncStatus(ctx, ev.ContractBetID, model.SyncStatusFailed); mErr != nil && !errors.Is(mErr, repository.ErrBetMirrorMissing) {
			s.logger.WithError(mErr).WithField("contract_bet_id", ev.ContractBetID).Warn("标记市场失败状态出错")
		}
		return err
	}
	s.advanceLastProcessed(ev.BlockNumber)
	return nil
}

// blockTime 事件时间取出块时间而不是观察时间（回填的历史事件两者相差可以很大）。
// 同一区块的多条日志共用一个时间戳，缓存上一次查询避免逐条打 RPC；
// 区块头读取失败时退回当前时间，入库不因此阻塞。
func (s *Scheduler) blockTime(ctx context.Context, block uint64) time.Time {
	s.btMu.Lock()
	defer s.btMu.Unlock()
	if s.btBlock == block && !s.btTime.IsZero() {
		return s.btTime
	}
	t, err := s.reader.BlockTime(ctx, block)
	if err != nil {
		s.logger.WithError(err).WithField("block", block).Warn("读取出块时间失败，退回当前时间")
		return time.Now().UTC()
	}
	s.btBlock = block
	s.btTime = t
	return t
}

// redeliver 重复投递的处理。事件行已存在且上次应用成功时为无操作；
// 带着重试计数（sync_attempts > 0）说明落库了、应用没完成（如建仓途中
// RPC 瞬时故障），重放（实时重投/回填）就是修复手段：取存量行重新分发，
// 成功后清零计数。
func (s *Scheduler) redeliver(ctx context.Context, ev *model.ChainEvent) error {
	stored, err := s.events.GetByBlockLog(ctx, ev.BlockNumber, ev.LogIndex)
	if err != nil {
		return err
	}
	if stored.SyncAttempts == 0 {
		s.logger.WithFields(logrus.Fields{
			"block":     ev.BlockNumber,
			"log_index": ev.LogIndex,
		}).Debug("重复事件，跳过")
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"event_id":      stored.ID,
		"event_type":    stored.EventType,
		"sync_attempts": stored.SyncAttempts,
	}).Info("重放未完成事件")
	if err := s.dispatch(ctx, stored); err != nil {
		if aErr := s.events.IncrementSyncAttempts(ctx, stored.ID); aErr != nil {
			s.logger.WithError(aErr).WithField("event_id", stored.ID).Warn("累加事件重试计数失败")
		}
		return err
	}
	if err := s.events.ResetSyncAttempts(ctx, stored.ID); err != nil {
		s.logger.WithError(err).WithField("event_id", stored.ID).Warn("清零事件重试计数失败")
	}
	s.advanceLastProcessed(stored.BlockNumber)
	return nil
}

// dispatch 按事件类型路由到处理器（处理器各自幂等，跨类型到达顺序不作假设）
func (s *Scheduler) dispatch(ctx context.Context, ev *model.ChainEvent) error {
	switch model.EventType(ev.EventType) {
	case model.EventBetCreated:
		unlock := s.locks.Lock(ev.ContractBetID)
		defer unlock()
		_, err := s.betSync.SyncBet(ctx, ev.ContractBetID)
		return err
	case model.EventBetPlaced:
		return s.posSync.HandleBetPlaced(ctx, ev)
	case model.EventBetResolved:
		return s.resolution.HandleBetResolved(ctx, ev)
	case model.EventWinningsClaimed:
		return s.posSync.HandleWinningsClaimed(ctx, ev)
	default:
		return fmt.Errorf("未知事件类型: %s", ev.EventType)
	}
}

// SyncBetNow 运维接口用的强制单市场同步（持锁，和事件处理互斥）
func (s *Scheduler) SyncBetNow(ctx context.Context, contractBetID uint64) error {
	unlock := s.locks.Lock(contractBetID)
	defer unlock()
	_, err := s.betSync.SyncBet(ctx, contractBetID)
	return err
}

// Sweep 定时巡检：重新同步所有 pending/failed 的市场镜像，
// 逐个之间加间隔，尊重 RPC 限流
func (s *Scheduler) Sweep(ctx context.Context) {
	bets, err := s.bets.ListBySyncStatus(ctx, []string{model.SyncStatusPending, model.SyncStatusFailed}, s.cfg.Sync.SweepLimit)
	if err != nil {
		s.logger.WithError(err).Warn("巡检：拉取待同步市场失败")
		return
	}
	if len(bets) == 0 {
		return
	}

	synced := 0
	for i, bet := range bets {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && s.cfg.Sync.SweepBackoff > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Sync.SweepBackoff):
			}
		}
		betID := bet.ContractBetID
		err := withRetry(ctx, s.cfg.Chain.MaxRetries, s.cfg.Chain.RetryBackoff, func(ctx context.Context) error {
			unlock := s.locks.Lock(betID)
			defer unlock()
			_, err := s.betSync.SyncBet(ctx, betID)
			return err
		})
		if err != nil {
			s.logger.WithError(err).WithField("contract_bet_id", betID).Warn("巡检：市场同步失败")
			continue
		}
		synced++
	}
	s.logger.Infof("巡检完成：%d/%d 个市场已重新同步", synced, len(bets))
}

// TriggerBackfill 触发历史回填（异步）。to=0 表示同步到当前最新块。
// 回填与实时处理走同一条 ProcessLog 路径，对同一区间重放的最终状态一致。
// 生命周期挂在调度器上而不是触发它的 HTTP 请求上，响应返回后回填继续跑。
func (s *Scheduler) TriggerBackfill(from, to uint64) error {
	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()
	if s.backfillRunning.Load() {
		return fmt.Errorf("已有回填任务在运行")
	}

	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	bfCtx, cancel := context.WithCancel(base)
	s.backfillCancel = cancel
	s.backfillRunning.Store(true)

	go func() {
		defer func() {
			s.backfillRunning.Store(false)
			cancel()
		}()
		if err := s.runBackfill(bfCtx, from, to); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("历史回填失败")
		}
	}()
	return nil
}

// CancelBackfill 取消进行中的回填任务（可随后从 last_processed_block 续跑）
func (s *Scheduler) CancelBackfill() {
	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()
	if s.backfillCancel != nil {
		s.backfillCancel()
	}
}

func (s *Scheduler) runBackfill(ctx context.Context, from, to uint64) error {
	if to == 0 {
		latest, err := s.reader.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("读取最新块失败: %w", err)
		}
		to = latest
	}
	ranges, err := splitRange(from, to, s.cfg.Chain.BackfillBatchSize)
	if err != nil {
		return err
	}
	s.logger.Infof("历史回填开始：区块 [%d, %d]，共 %d 批", from, to, len(ranges))

	total := 0
	for _, br := range ranges {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var logs []types.Log
		err := withRetry(ctx, s.cfg.Chain.MaxRetries, s.cfg.Chain.RetryBackoff, func(ctx context.Context) error {
			var err error
			logs, err = s.reader.FilterLogs(ctx,
				new(big.Int).SetUint64(br.from), new(big.Int).SetUint64(br.to))
			return err
		})
		if err != nil {
			return fmt.Errorf("拉取区块 [%d, %d] 日志失败: %w", br.from, br.to, err)
		}
		for _, vLog := range logs {
			if pErr := s.ProcessLog(ctx, vLog); pErr != nil {
				s.logger.WithError(pErr).WithFields(logrus.Fields{
					"tx_hash":   vLog.TxHash.Hex(),
					"block":     vLog.BlockNumber,
					"log_index": vLog.Index,
				}).Warn("回填：处理日志失败")
			}
		}
		total += len(logs)
		s.advanceLastProcessed(br.to)
	}

	s.logger.Infof("历史回填完成：区块 [%d, %d]，共处理 %d 条日志", from, to, total)
	return nil
}

func (s *Scheduler) advanceLastProcessed(block uint64) {
	for {
		cur := s.lastProcessed.Load()
		if block <= cur || s.lastProcessed.CompareAndSwap(cur, block) {
			return
		}
	}
}

// PipelineHealth 健康接口返回值：对外暴露的是积压与监听状态，不是裸异常
type PipelineHealth struct {
	IsListening        bool   `json:"is_listening"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	RecentEventCount   int64  `json:"recent_event_count"`
	PendingBets        int64  `json:"pending_bets"`
	FailedBets         int64  `json:"failed_bets"`
	BackfillRunning    bool   `json:"backfill_running"`
}

// Health 汇总管线健康状态（近一小时事件量 + 待处理/失败积压）
func (s *Scheduler) Health(ctx context.Context) (*PipelineHealth, error) {
	recent, err := s.events.CountSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	pending, err := s.bets.CountBySyncStatus(ctx, model.SyncStatusPending)
	if err != nil {
		return nil, err
	}
	failed, err := s.bets.CountBySyncStatus(ctx, model.SyncStatusFailed)
	if err != nil {
		return nil, err
	}
	last := s.lastProcessed.Load()
	if last == 0 {
		if dbLast, err := s.events.LastBlock(ctx); err == nil {
			last = dbLast
		}
	}
	return &PipelineHealth{
		IsListening:        s.isListening.Load(),
		LastProcessedBlock: last,
		RecentEventCount:   recent,
		PendingBets:        pending,
		FailedBets:         failed,
		BackfillRunning:    s.backfillRunning.Load(),
	}, nil
}

type blockRange struct {
	from uint64
	to   uint64
}

// splitRange 把闭区间 [from, to] 切成 batchSize 大小的批
func splitRange(from, to, batchSize uint64) ([]blockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("批大小必须大于0")
	}
	if to < from {
		return nil, fmt.Errorf("to 必须不小于 from")
	}
	ranges := make([]blockRange, 0)
	start := from
	for start <= to {
		end := start + batchSize - 1
		if end > to || end < start {
			end = to
		}
		ranges = append(ranges, blockRange{from: start, to: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return ranges, nil
}
