package service

import (
	"context"
	"testing"
	"time"

	"CipherSync/internal/chain"
	"CipherSync/internal/model"
)

func intPtr(v int) *int { return &v }

func TestPositionWins(t *testing.T) {
	cases := []struct {
		name           string
		betType        string
		optionIndex    int
		outcome        *int
		winnerIndex    int
		winningOutcome *int
		want           bool
	}{
		{"single 选项命中", model.BetTypeSingle, 0, nil, 0, nil, true},
		{"single 选项未命中", model.BetTypeSingle, 1, nil, 0, nil, false},
		{"single 忽略 outcome", model.BetTypeSingle, 0, intPtr(1), 0, intPtr(0), true},
		{"nested 双键命中", model.BetTypeNested, 0, intPtr(1), 0, intPtr(1), true},
		{"nested 选项命中但 outcome 不符", model.BetTypeNested, 0, intPtr(0), 0, intPtr(1), false},
		{"nested 选项未命中", model.BetTypeNested, 1, intPtr(1), 0, intPtr(1), false},
		{"nested 缺持仓 outcome", model.BetTypeNested, 0, nil, 0, intPtr(1), false},
		{"nested 缺胜出 outcome", model.BetTypeNested, 0, intPtr(1), 0, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &model.Position{OptionIndex: tc.optionIndex, Outcome: tc.outcome}
			if got := positionWins(tc.betType, p, tc.winnerIndex, tc.winningOutcome); got != tc.want {
				t.Fatalf("positionWins = %t, 期望 %t", got, tc.want)
			}
		})
	}
}

func TestNestedResolutionRequiresBothKeys(t *testing.T) {
	tp := newTestPipeline()
	ctx := context.Background()

	tp.reader.bets[1] = &chain.BetState{
		Creator:     addrCreator,
		EndTime:     time.Now().Add(24 * time.Hour),
		BetType:     1, // nested
		IsActive:    true,
		OptionCount: 2,
	}
	tp.reader.options[1] = []chain.OptionState{{TotalShares: 10}, {TotalShares: 10}}
	tp.reader.userBets[userBetKey(1, addrAlice)] = &chain.UserBetState{OptionIndex: 0, Outcome: 1, Shares: 10}
	tp.reader.userBets[userBetKey(1, addrBob)] = &chain.UserBetState{OptionIndex: 0, Outcome: 0, Shares: 5}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("处理失败: %v", err)
		}
	}
	// alice 押 (选项0, outcome=1)，bob 押 (选项0, outcome=0)
	must(tp.sched.ProcessLog(ctx, betPlacedLog(1, addrAlice, 0, 1, "0xaa01", 101, 0, "0x02")))
	must(tp.sched.ProcessLog(ctx, betPlacedLog(1, addrBob, 0, 0, "0xaa02", 102, 0, "0x03")))

	// 结算：(选项0, outcome=1) 胜，只有 alice 赢
	tp.reader.mu.Lock()
	tp.reader.bets[1].IsResolved = true
	tp.reader.bets[1].WinnerIndex = 0
	tp.reader.bets[1].WinningOutcome = 1
	tp.reader.options[1][0].IsWinner = true
	tp.reader.mu.Unlock()
	must(tp.sched.ProcessLog(ctx, betResolvedLog(1, 0, 1, 103, 0, "0x04")))

	list, _ := tp.positions.ListByBet(ctx, 1)
	for _, p := range list {
		wantWin := p.Outcome != nil && *p.Outcome == 1
		if p.IsWinner != wantWin {
			t.Fatalf("持仓 outcome=%v is_winner=%t, 期望 %t", p.Outcome, p.IsWinner, wantWin)
		}
	}

	bet, _ := tp.bets.GetByContractID(ctx, 1)
	if bet.WinningOutcome == nil || *bet.WinningOutcome != 1 {
		t.Fatalf("镜像 winning_outcome = %v, 期望 1", bet.WinningOutcome)
	}
}
