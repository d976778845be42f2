package service

import (
	"context"
	"testing"

	"CipherSync/internal/chain"

	"github.com/ethereum/go-ethereum/common"
)

func TestDecryptSyncPendingLeavesRetryable(t *testing.T) {
	tp := newTestPipeline()
	ctx := context.Background()
	seedSingleBet(tp.reader, 1)
	tp.reader.userBets[userBetKey(1, addrAlice)] = &chain.UserBetState{OptionIndex: 0, Shares: 10}

	handle := common.HexToHash("0xaa01").Hex()
	if err := tp.sched.ProcessLog(ctx, betPlacedLog(1, addrAlice, 0, 255, handle, 101, 0, "0x02")); err != nil {
		t.Fatalf("处理 BetPlaced 失败: %v", err)
	}

	// 网关尚未就绪：不算失败，不置 attempted
	if err := tp.sched.decrypt.Run(ctx, 50); err != nil {
		t.Fatalf("解密巡检失败: %v", err)
	}
	ev := tp.events.get(1)
	if ev.DecryptionAttempted {
		t.Fatalf("pending 状态不应置 decryption_attempted")
	}
	if ev.SyncAttempts != 1 {
		t.Fatalf("sync_attempts = %d, 期望 1", ev.SyncAttempts)
	}

	// 网关就绪后下一轮回填金额
	tp.reader.mu.Lock()
	tp.reader.decrypted[handle] = 25.5
	tp.reader.mu.Unlock()
	if err := tp.sched.decrypt.Run(ctx, 50); err != nil {
		t.Fatalf("解密巡检失败: %v", err)
	}

	ev = tp.events.get(1)
	if !ev.DecryptionAttempted || !ev.DecryptionSuccess {
		t.Fatalf("解密成功后簿记 = (%t, %t), 期望 (true, true)", ev.DecryptionAttempted, ev.DecryptionSuccess)
	}
	p, err := tp.positions.GetByPlaceTxHash(ctx, common.HexToHash("0x02").Hex())
	if err != nil {
		t.Fatalf("持仓不存在: %v", err)
	}
	if p.Amount == nil || *p.Amount != 25.5 {
		t.Fatalf("明文金额未回填: %v", p.Amount)
	}
	if p.IsEncrypted {
		t.Fatalf("回填后 is_encrypted 应为 false")
	}

	// 金额可见后聚合缓存应带上总额
	bet, _ := tp.bets.GetByContractID(ctx, 1)
	if bet.TotalAmount == nil || *bet.TotalAmount != 25.5 {
		t.Fatalf("聚合总额 = %v, 期望 25.5", bet.TotalAmount)
	}
}

// 明文回填后入场价按份额重算，不再停留在密文阶段的占位值 50
func TestDecryptSyncRecomputesEntryPrice(t *testing.T) {
	tp := newTestPipeline()
	ctx := context.Background()
	seedSingleBet(tp.reader, 1)
	tp.reader.userBets[userBetKey(1, addrAlice)] = &chain.UserBetState{OptionIndex: 0, Shares: 10}

	handle := common.HexToHash("0xaa01").Hex()
	if err := tp.sched.ProcessLog(ctx, betPlacedLog(1, addrAlice, 0, 255, handle, 101, 0, "0x02")); err != nil {
		t.Fatalf("处理 BetPlaced 失败: %v", err)
	}
	tp.reader.mu.Lock()
	tp.reader.decrypted[handle] = 2.5
	tp.reader.mu.Unlock()

	if err := tp.sched.decrypt.Run(ctx, 50); err != nil {
		t.Fatalf("解密巡检失败: %v", err)
	}

	p, err := tp.positions.GetByPlaceTxHash(ctx, common.HexToHash("0x02").Hex())
	if err != nil {
		t.Fatalf("持仓不存在: %v", err)
	}
	if p.Amount == nil || *p.Amount != 2.5 {
		t.Fatalf("明文金额未回填: %v", p.Amount)
	}
	if p.EntryPrice != 25 {
		t.Fatalf("入场价 = %d, 期望按 2.5/10 重算为 25", p.EntryPrice)
	}
}

func TestDecryptSyncBatchLimit(t *testing.T) {
	tp := newTestPipeline()
	ctx := context.Background()
	seedSingleBet(tp.reader, 1)
	tp.reader.userBets[userBetKey(1, addrAlice)] = &chain.UserBetState{OptionIndex: 0, Shares: 10}
	tp.reader.userBets[userBetKey(1, addrBob)] = &chain.UserBetState{OptionIndex: 1, Shares: 5}

	h1 := common.HexToHash("0xaa01").Hex()
	h2 := common.HexToHash("0xaa02").Hex()
	_ = tp.sched.ProcessLog(ctx, betPlacedLog(1, addrAlice, 0, 255, h1, 101, 0, "0x02"))
	_ = tp.sched.ProcessLog(ctx, betPlacedLog(1, addrBob, 1, 255, h2, 102, 0, "0x03"))
	tp.reader.mu.Lock()
	tp.reader.decrypted[h1] = 10
	tp.reader.decrypted[h2] = 20
	tp.reader.mu.Unlock()

	// 批大小 1：一轮只处理最旧的一条
	if err := tp.sched.decrypt.Run(ctx, 1); err != nil {
		t.Fatalf("解密巡检失败: %v", err)
	}
	if ev := tp.events.get(1); !ev.DecryptionAttempted {
		t.Fatalf("最旧事件应先被处理")
	}
	if ev := tp.events.get(2); ev.DecryptionAttempted {
		t.Fatalf("超出批大小的事件不应被处理")
	}
}
