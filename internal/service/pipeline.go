package service

import (
	"CipherSync/internal/chain"
	"CipherSync/internal/config"
	"CipherSync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NewPipeline 装配整条同步管线：仓储 → 各同步服务 → 调度器。
// 市场锁在这里创建一份，事件处理、巡检、运维接口共用同一组锁。
func NewPipeline(cfg *config.Config, reader chain.Reader, db *gorm.DB, logger *logrus.Logger) (*Scheduler, *AggregationService) {
	events := repository.NewChainEventRepository(db)
	bets := repository.NewBetRepository(db)
	positions := repository.NewPositionRepository(db)

	locks := newBetLocks()
	agg := NewAggregationService(bets, positions, logger)
	betSync := NewBetSyncService(reader, bets, logger)
	posSync := NewPositionSyncService(reader, bets, positions, betSync, agg, locks, logger)
	resolution := NewResolutionService(bets, positions, betSync, agg, locks, logger)
	decrypt := NewDecryptSyncService(reader, events, positions, agg, logger)

	scheduler := NewScheduler(cfg, reader, events, bets, betSync, posSync, resolution, decrypt, locks, logger)
	return scheduler, agg
}
