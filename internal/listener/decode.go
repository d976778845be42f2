package listener

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"CipherSync/internal/chain"
	"CipherSync/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// noOutcome 合约约定：single 类型市场的 outcome 槽位固定为 255（无意义）
const noOutcome = 255

// DecodeLog 把原始日志解码为 ChainEvent（含类型化载荷）。
// 非 BetMarket 事件签名直接报错，调用方按"未知事件类型"拒绝。
func DecodeLog(vLog types.Log) (*model.ChainEvent, error) {
	if len(vLog.Topics) < 2 {
		return nil, fmt.Errorf("日志缺少 betId topic")
	}
	betID := new(big.Int).SetBytes(vLog.Topics[1].Bytes())
	if !betID.IsUint64() {
		return nil, fmt.Errorf("betId 超出 uint64: %s", betID)
	}

	var (
		eventType model.EventType
		payload   interface{}
		err       error
	)
	switch vLog.Topics[0] {
	case chain.SigBetCreated:
		eventType = model.EventBetCreated
		payload, err = decodeBetCreated(vLog)
	case chain.SigBetPlaced:
		eventType = model.EventBetPlaced
		payload, err = decodeBetPlaced(vLog)
	case chain.SigBetResolved:
		eventType = model.EventBetResolved
		payload, err = decodeBetResolved(vLog)
	case chain.SigWinningsClaimed:
		eventType = model.EventWinningsClaimed
		payload, err = decodeWinningsClaimed(vLog)
	default:
		return nil, fmt.Errorf("未知事件签名: %s", vLog.Topics[0].Hex())
	}
	if err != nil {
		return nil, err
	}

	data, err := model.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &model.ChainEvent{
		EventType:     string(eventType),
		ContractBetID: betID.Uint64(),
		BlockNumber:   vLog.BlockNumber,
		LogIndex:      vLog.Index,
		TxHash:        vLog.TxHash.Hex(),
		EventTime:     time.Now().UTC(), // 兜底值，入库前由调度器替换为出块时间
		EventData:     data,
	}, nil
}

// decodeBetCreated topic2=creator；data: endTime + betType + optionCount（各占32字节）
func decodeBetCreated(vLog types.Log) (*model.BetCreatedPayload, error) {
	if len(vLog.Topics) < 3 {
		return nil, fmt.Errorf("BetCreated 缺少 creator topic")
	}
	if len(vLog.Data) < 96 {
		return nil, fmt.Errorf("BetCreated data 长度不足: %d", len(vLog.Data))
	}
	creator := common.BytesToAddress(vLog.Topics[2].Bytes())
	endTime := new(big.Int).SetBytes(vLog.Data[0:32])
	return &model.BetCreatedPayload{
		Creator:     creator.Hex(),
		EndTime:     endTime.Int64(),
		BetType:     vLog.Data[63],
		OptionCount: vLog.Data[95],
	}, nil
}

// decodeBetPlaced topic2=user；data: optionIndex + outcome + encryptedAmount（各占32字节）
func decodeBetPlaced(vLog types.Log) (*model.BetPlacedPayload, error) {
	if len(vLog.Topics) < 3 {
		return nil, fmt.Errorf("BetPlaced 缺少 user topic")
	}
	if len(vLog.Data) < 96 {
		return nil, fmt.Errorf("BetPlaced data 长度不足: %d", len(vLog.Data))
	}
	user := common.BytesToAddress(vLog.Topics[2].Bytes())
	p := &model.BetPlacedPayload{
		User:            user.Hex(),
		OptionIndex:     int(vLog.Data[31]),
		EncryptedAmount: "0x" + hex.EncodeToString(vLog.Data[64:96]),
	}
	if vLog.Data[63] != noOutcome {
		outcome := int(vLog.Data[63])
		p.Outcome = &outcome
	}
	return p, nil
}

// decodeBetResolved data: winnerIndex + winningOutcome（各占32字节）
func decodeBetResolved(vLog types.Log) (*model.BetResolvedPayload, error) {
	if len(vLog.Data) < 64 {
		return nil, fmt.Errorf("BetResolved data 长度不足: %d", len(vLog.Data))
	}
	p := &model.BetResolvedPayload{
		WinnerIndex: int(vLog.Data[31]),
	}
	if vLog.Data[63] != noOutcome {
		outcome := int(vLog.Data[63])
		p.WinningOutcome = &outcome
	}
	return p, nil
}

// decodeWinningsClaimed topic2=user；data: amount（32字节，领奖时已是明文）
func decodeWinningsClaimed(vLog types.Log) (*model.WinningsClaimedPayload, error) {
	if len(vLog.Topics) < 3 {
		return nil, fmt.Errorf("WinningsClaimed 缺少 user topic")
	}
	if len(vLog.Data) < 32 {
		return nil, fmt.Errorf("WinningsClaimed data 长度不足: %d", len(vLog.Data))
	}
	user := common.BytesToAddress(vLog.Topics[2].Bytes())
	amount := new(big.Int).SetBytes(vLog.Data[0:32])
	return &model.WinningsClaimedPayload{
		User:   user.Hex(),
		Amount: chain.AmountToFloat(amount),
	}, nil
}
