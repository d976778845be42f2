package model

import (
	"encoding/json"
	"fmt"
)

// 事件载荷按类型定义为固定字段的结构体（不做松散 map 透传），
// 未知事件类型在 DecodePayload 处显式拒绝。

// BetCreatedPayload BetCreated(betId, creator, endTime, betType, optionCount)
type BetCreatedPayload struct {
	Creator     string `json:"creator"`
	EndTime     int64  `json:"end_time"`
	BetType     uint8  `json:"bet_type"` // 0=single 1=nested
	OptionCount uint8  `json:"option_count"`
}

// BetPlacedPayload BetPlaced(betId, user, optionIndex, outcome, encAmount)
// 金额为密文句柄，明文由解密巡检回填。
type BetPlacedPayload struct {
	User            string `json:"user"`
	OptionIndex     int    `json:"option_index"`
	Outcome         *int   `json:"outcome,omitempty"` // nested 类型才有
	EncryptedAmount string `json:"encrypted_amount"`
}

// BetResolvedPayload BetResolved(betId, winnerIndex, winningOutcome)
type BetResolvedPayload struct {
	WinnerIndex    int  `json:"winner_index"`
	WinningOutcome *int `json:"winning_outcome,omitempty"`
}

// WinningsClaimedPayload WinningsClaimed(betId, user, amount)
// 领奖时金额已公开，直接带明文。
type WinningsClaimedPayload struct {
	User   string  `json:"user"`
	Amount float64 `json:"amount"`
}

// EncodePayload 序列化载荷为 jsonb 存储值
func EncodePayload(p interface{}) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("序列化事件载荷失败: %w", err)
	}
	return b, nil
}

// DecodePayload 按事件类型还原为对应结构体，未知类型报错
func DecodePayload(eventType string, data []byte) (interface{}, error) {
	switch EventType(eventType) {
	case EventBetCreated:
		var p BetCreatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("解析BetCreated载荷失败: %w", err)
		}
		return &p, nil
	case EventBetPlaced:
		var p BetPlacedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("解析BetPlaced载荷失败: %w", err)
		}
		return &p, nil
	case EventBetResolved:
		var p BetResolvedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("解析BetResolved载荷失败: %w", err)
		}
		return &p, nil
	case EventWinningsClaimed:
		var p WinningsClaimedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("解析WinningsClaimed载荷失败: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("未知事件类型: %s", eventType)
	}
}
