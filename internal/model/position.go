package model

import "time"

// Position 对应 positions 表，用户在某市场某选项上的一笔下注。
// place_tx_hash 唯一：同一笔链上下注（实时+回填重复投递）只会落一行。
// amount 在解密/公开前保持 NULL；is_winner 仅在 is_resolved=true 时有意义。
type Position struct {
	ID            uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	PlaceTxHash   string  `gorm:"column:place_tx_hash;type:varchar(66);uniqueIndex;not null"`
	ContractBetID uint64  `gorm:"column:contract_bet_id;type:bigint;not null;index"`
	UserAddress   string  `gorm:"column:user_address;type:varchar(64);not null;index"`
	OptionIndex   int     `gorm:"column:option_index;type:int;not null"`
	Outcome       *int    `gorm:"column:outcome;type:int"` // 仅 nested 类型市场使用

	Shares          float64  `gorm:"column:shares;type:numeric(18,6);default:0"`
	EncryptedAmount string   `gorm:"column:encrypted_amount;type:varchar(130);not null"` // 链上密文句柄
	Amount          *float64 `gorm:"column:amount;type:numeric(18,6)"`                   // 解密后金额
	EntryPrice      int      `gorm:"column:entry_price;type:int;default:50"`             // 展示用，[1,99]
	IsEncrypted     bool     `gorm:"column:is_encrypted;type:boolean;default:true"`

	IsResolved  bool    `gorm:"column:is_resolved;type:boolean;default:false"`
	IsWinner    bool    `gorm:"column:is_winner;type:boolean;default:false"`
	Claimed     bool    `gorm:"column:claimed;type:boolean;default:false"`
	ClaimTxHash *string `gorm:"column:claim_tx_hash;type:varchar(66)"`

	BlockNumber uint64    `gorm:"column:block_number;type:bigint;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;type:timestamp;default:now()"`
	UpdatedAt   time.Time `gorm:"column:updated_at;type:timestamp;default:now()"`
}

func (Position) TableName() string { return "positions" }
