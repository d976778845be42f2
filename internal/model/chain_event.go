package model

import (
	"time"

	"gorm.io/datatypes"
)

// EventType 链上事件类型枚举（只接受这四种，未知类型在解码时直接拒绝）
type EventType string

const (
	EventBetCreated      EventType = "BetCreated"
	EventBetPlaced       EventType = "BetPlaced"
	EventBetResolved     EventType = "BetResolved"
	EventWinningsClaimed EventType = "WinningsClaimed"
)

// ValidEventType 是否为已知事件类型
func ValidEventType(t string) bool {
	switch EventType(t) {
	case EventBetCreated, EventBetPlaced, EventBetResolved, EventWinningsClaimed:
		return true
	}
	return false
}

// ChainEvent 对应 chain_events 表，每条链上日志一行，追加写、不删除。
// (block_number, log_index) 为全局唯一去重键：同一笔交易可能发出多条日志，
// 仅凭 tx_hash 无法去重，tx_hash 只建普通索引。
// 解密簿记字段（decryption_attempted 等）是唯一允许更新的部分。
type ChainEvent struct {
	ID                  uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	EventType           string         `gorm:"column:event_type;type:varchar(32);not null;index"`
	ContractBetID       uint64         `gorm:"column:contract_bet_id;type:bigint;not null;index"`
	BlockNumber         uint64         `gorm:"column:block_number;type:bigint;not null;uniqueIndex:uk_block_log"`
	LogIndex            uint           `gorm:"column:log_index;type:bigint;not null;uniqueIndex:uk_block_log"`
	TxHash              string         `gorm:"column:tx_hash;type:varchar(66);not null;index"`
	EventTime           time.Time      `gorm:"column:event_time;type:timestamp;not null"`
	EventData           datatypes.JSON `gorm:"column:event_data;type:jsonb;not null"`
	DecryptionAttempted bool           `gorm:"column:decryption_attempted;type:boolean;default:false;index"`
	DecryptionSuccess   bool           `gorm:"column:decryption_success;type:boolean;default:false"`
	DecryptionError     *string        `gorm:"column:decryption_error;type:varchar(256)"`
	SyncAttempts        int            `gorm:"column:sync_attempts;type:int;default:0"`
	CreatedAt           time.Time      `gorm:"column:created_at;type:timestamp;default:now()"`
}

func (ChainEvent) TableName() string { return "chain_events" }
