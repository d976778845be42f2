package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// BetMarket 只读访问器 ABI（getBet / getBetOption / getUserBet）
const betMarketABI = `[
	{"name":"getBet","type":"function","stateMutability":"view","inputs":[{"name":"betId","type":"uint256"}],"outputs":[
		{"name":"creator","type":"address"},
		{"name":"endTime","type":"uint64"},
		{"name":"betType","type":"uint8"},
		{"name":"minBetAmount","type":"uint256"},
		{"name":"maxBetAmount","type":"uint256"},
		{"name":"isActive","type":"bool"},
		{"name":"isResolved","type":"bool"},
		{"name":"winnerIndex","type":"uint8"},
		{"name":"winningOutcome","type":"uint8"},
		{"name":"optionCount","type":"uint8"}
	]},
	{"name":"getBetOption","type":"function","stateMutability":"view","inputs":[
		{"name":"betId","type":"uint256"},
		{"name":"optionIndex","type":"uint8"}
	],"outputs":[
		{"name":"totalShares","type":"uint256"},
		{"name":"isWinner","type":"bool"}
	]},
	{"name":"getUserBet","type":"function","stateMutability":"view","inputs":[
		{"name":"betId","type":"uint256"},
		{"name":"user","type":"address"}
	],"outputs":[
		{"name":"optionIndex","type":"uint8"},
		{"name":"outcome","type":"uint8"},
		{"name":"shares","type":"uint256"},
		{"name":"encryptedAmount","type":"bytes32"}
	]}
]`

// Gateway 解密网关只读 ABI：句柄尚未解密时 decrypted=false
const gatewayABI = `[
	{"name":"getDecryptedAmount","type":"function","stateMutability":"view","inputs":[
		{"name":"handle","type":"bytes32"}
	],"outputs":[
		{"name":"amount","type":"uint256"},
		{"name":"decrypted","type":"bool"}
	]}
]`

var (
	// BetCreated(uint256 indexed betId, address indexed creator, uint64 endTime, uint8 betType, uint8 optionCount)
	SigBetCreated = crypto.Keccak256Hash([]byte("BetCreated(uint256,address,uint64,uint8,uint8)"))
	// BetPlaced(uint256 indexed betId, address indexed user, uint8 optionIndex, uint8 outcome, bytes32 encryptedAmount)
	SigBetPlaced = crypto.Keccak256Hash([]byte("BetPlaced(uint256,address,uint8,uint8,bytes32)"))
	// BetResolved(uint256 indexed betId, uint8 winnerIndex, uint8 winningOutcome)
	SigBetResolved = crypto.Keccak256Hash([]byte("BetResolved(uint256,uint8,uint8)"))
	// WinningsClaimed(uint256 indexed betId, address indexed user, uint256 amount)
	SigWinningsClaimed = crypto.Keccak256Hash([]byte("WinningsClaimed(uint256,address,uint256)"))
)

// BetState getBet 返回的链上市场状态
type BetState struct {
	Creator        string
	EndTime        time.Time
	BetType        uint8 // 0=single 1=nested
	MinBetAmount   float64
	MaxBetAmount   float64
	IsActive       bool
	IsResolved     bool
	WinnerIndex    int
	WinningOutcome int
	OptionCount    int
}

// OptionState getBetOption 返回的选项状态
type OptionState struct {
	TotalShares float64
	IsWinner    bool
}

// UserBetState getUserBet 返回的用户下注状态（金额仍为密文句柄）
type UserBetState struct {
	OptionIndex     int
	Outcome         int
	Shares          float64
	EncryptedAmount string
}

const usdcDecimals = 6

// AmountToFloat 按 6 位小数（USDC）把链上 uint256 转为展示金额
func AmountToFloat(b *big.Int) float64 {
	if b == nil {
		return 0
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(usdcDecimals)), nil)
	var f, divF big.Float
	f.SetInt(b)
	divF.SetInt(div)
	f.Quo(&f, &divF)
	q, _ := f.Float64()
	return q
}
