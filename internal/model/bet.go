package model

import (
	"time"

	"gorm.io/datatypes"
)

// BetType 市场类型：single=单层选项，nested=选项内再分结果（需同时比较 outcome）
const (
	BetTypeSingle = "single"
	BetTypeNested = "nested"
)

// SyncStatus 镜像同步状态
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
	SyncStatusStale   = "stale"
	SyncStatusFailed  = "failed"
)

// Bet 对应 bets 表，链上市场的链下镜像。
// 链上来源字段（end_time/bet_type/created_by/min,max_bet_amount 及各解析状态）
// 由同步路径幂等覆盖；展示字段（title/description/category_id/visibility/tags）
// 归后台运营流程所有，任何同步操作不得改写。
type Bet struct {
	ID            uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	BetUUID       string         `gorm:"column:bet_uuid;type:varchar(64);uniqueIndex;not null"`
	ContractBetID uint64         `gorm:"column:contract_bet_id;type:bigint;uniqueIndex;not null"`

	// 展示字段（仅后台可写）
	Title       string         `gorm:"column:title;type:varchar(256);not null"`
	Description string         `gorm:"column:description;type:text"`
	CategoryID  *uint64        `gorm:"column:category_id;type:bigint"`
	Visibility  string         `gorm:"column:visibility;type:varchar(16);default:'public'"`
	Tags        datatypes.JSON `gorm:"column:tags;type:jsonb"`

	// 链上来源字段
	BetType           string   `gorm:"column:bet_type;type:varchar(16);not null"`
	CreatedBy         string   `gorm:"column:created_by;type:varchar(64);not null"`
	EndTime           time.Time `gorm:"column:end_time;type:timestamp;not null"`
	MinBetAmount      float64  `gorm:"column:min_bet_amount;type:numeric(18,6);default:0"`
	MaxBetAmount      float64  `gorm:"column:max_bet_amount;type:numeric(18,6);default:0"`
	IsActive          bool     `gorm:"column:is_active;type:boolean;default:true"`
	IsResolved        bool     `gorm:"column:is_resolved;type:boolean;default:false"`
	WinnerOptionIndex *int     `gorm:"column:winner_option_index;type:int"`
	WinningOutcome    *int     `gorm:"column:winning_outcome;type:int"` // 仅 nested 类型有值

	// 公开聚合缓存（由 position/resolution 流程重算）
	ParticipantCount int      `gorm:"column:participant_count;type:int;default:0"`
	PositionCount    int      `gorm:"column:position_count;type:int;default:0"`
	TotalAmount      *float64 `gorm:"column:total_amount;type:numeric(18,6)"` // 已解密金额合计，resolved 后才对外

	// 同步元数据
	SyncStatus    string     `gorm:"column:sync_status;type:varchar(16);default:'pending';index"`
	StateHash     string     `gorm:"column:state_hash;type:varchar(64)"`
	LastSyncBlock uint64     `gorm:"column:last_sync_block;type:bigint;default:0"`
	LastSyncAt    *time.Time `gorm:"column:last_sync_at;type:timestamp"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:now()"`
}

func (Bet) TableName() string { return "bets" }

// BetOption 对应 bet_options 表，选项有序列表。
// title 为展示字段；public_total_shares/is_winner 来自链上。
type BetOption struct {
	ID                uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	BetID             uint64    `gorm:"column:bet_id;type:bigint;not null;uniqueIndex:uk_bet_option"`
	OptionIndex       int       `gorm:"column:option_index;type:int;not null;uniqueIndex:uk_bet_option"`
	Title             string    `gorm:"column:title;type:varchar(128);not null"`
	PublicTotalShares float64   `gorm:"column:public_total_shares;type:numeric(18,6);default:0"`
	IsWinner          bool      `gorm:"column:is_winner;type:boolean;default:false"`
	PositionCount     int       `gorm:"column:position_count;type:int;default:0"`
	TotalAmount       *float64  `gorm:"column:total_amount;type:numeric(18,6)"` // 已解密金额合计
	UpdatedAt         time.Time `gorm:"column:updated_at;type:timestamp;default:now()"`
}

func (BetOption) TableName() string { return "bet_options" }
