package listener

import (
	"context"
	"time"

	"CipherSync/internal/chain"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// LogSink 订阅到的原始日志的去向（调度器实现：解码→追加→分发）
type LogSink interface {
	ProcessLog(ctx context.Context, vLog types.Log) error
}

// ChainSubscriber 使用 go-ethereum 订阅 BetMarket 合约事件并交给 LogSink。
// 订阅断开后按固定退避重连，节点抖动不终止实时模式。
type ChainSubscriber struct {
	reader    chain.Reader
	sink      LogSink
	logger    *logrus.Logger
	reconnect time.Duration

	listening func(bool) // 健康状态回调
}

// NewChainSubscriber 创建链上订阅器
func NewChainSubscriber(reader chain.Reader, sink LogSink, listening func(bool), logger *logrus.Logger) *ChainSubscriber {
	return &ChainSubscriber{
		reader:    reader,
		sink:      sink,
		logger:    logger,
		reconnect: 5 * time.Second,
		listening: listening,
	}
}

// Run 持续订阅直到 ctx 取消；单条日志处理失败只告警，不中断后续事件
func (s *ChainSubscriber) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if s.listening != nil {
			s.listening(false)
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.WithError(err).Warnf("链上订阅断开，%s 后重连", s.reconnect)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnect):
		}
	}
}

func (s *ChainSubscriber) runOnce(ctx context.Context) error {
	ch := make(chan types.Log, 64)
	sub, err := s.reader.SubscribeLogs(ctx, ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if s.listening != nil {
		s.listening(true)
	}
	s.logger.Info("链上订阅已建立")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case vLog := <-ch:
			if err := s.sink.ProcessLog(ctx, vLog); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"tx_hash":   vLog.TxHash.Hex(),
					"block":     vLog.BlockNumber,
					"log_index": vLog.Index,
				}).Warn("处理链上日志失败")
			}
		}
	}
}
