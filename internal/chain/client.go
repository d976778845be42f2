package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"CipherSync/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Reader 管线消费的只读链上接口。实现本身不做重试：
// 瞬时 RPC 故障向上抛给调度器，由调度器统一决定重试策略，保证失败可观测。
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	// FilterLogs 拉取 [from, to] 闭区间内 BetMarket 合约的四类事件日志；to 为 nil 表示 latest
	FilterLogs(ctx context.Context, from, to *big.Int) ([]types.Log, error)
	// SubscribeLogs 订阅新事件日志
	SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error)
	// BlockTime 读取指定区块的出块时间
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	GetBet(ctx context.Context, betID uint64) (*BetState, error)
	GetBetOption(ctx context.Context, betID uint64, optionIndex int) (*OptionState, error)
	GetUserBet(ctx context.Context, betID uint64, user string) (*UserBetState, error)
	// DecryptedAmount 查询密文句柄是否已被网关解密；ok=false 表示解密尚未就绪（非错误）
	DecryptedAmount(ctx context.Context, handle string) (amount float64, ok bool, err error)
}

// Client 基于 ethclient 的 Reader 实现
type Client struct {
	eth        *ethclient.Client
	market     common.Address
	gateway    common.Address
	hasGateway bool
	marketABI  abi.ABI
	gwABI      abi.ABI
	timeout    time.Duration
}

// NewClient 连接 RPC 并解析合约 ABI（需传入已加载的链配置）
func NewClient(ctx context.Context, cfg *config.ChainConfig) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	marketParsed, err := abi.JSON(strings.NewReader(betMarketABI))
	if err != nil {
		return nil, fmt.Errorf("parse betmarket abi: %w", err)
	}
	gwParsed, err := abi.JSON(strings.NewReader(gatewayABI))
	if err != nil {
		return nil, fmt.Errorf("parse gateway abi: %w", err)
	}
	c := &Client{
		eth:       eth,
		market:    common.HexToAddress(cfg.BetMarketAddress),
		marketABI: marketParsed,
		gwABI:     gwParsed,
		timeout:   cfg.CallTimeout,
	}
	if cfg.GatewayAddress != "" {
		c.gateway = common.HexToAddress(cfg.GatewayAddress)
		c.hasGateway = true
	}
	return c, nil
}

// Close 关闭底层 RPC 连接
func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("读取区块 %d 头失败: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (c *Client) filterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.market},
		Topics: [][]common.Hash{{
			SigBetCreated, SigBetPlaced, SigBetResolved, SigWinningsClaimed,
		}},
	}
}

func (c *Client) FilterLogs(ctx context.Context, from, to *big.Int) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, c.filterQuery(from, to))
}

func (c *Client) SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.eth.SubscribeFilterLogs(ctx, c.filterQuery(nil, nil), ch)
}

// call 通用只读调用：pack → CallContract → unpack，单次调用受配置超时约束
func (c *Client) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	res, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *Client) GetBet(ctx context.Context, betID uint64) (*BetState, error) {
	out, err := c.call(ctx, c.market, c.marketABI, "getBet", new(big.Int).SetUint64(betID))
	if err != nil {
		return nil, err
	}
	if len(out) < 10 {
		return nil, fmt.Errorf("getBet 返回值数量异常: %d", len(out))
	}
	return &BetState{
		Creator:        out[0].(common.Address).Hex(),
		EndTime:        time.Unix(int64(out[1].(uint64)), 0).UTC(),
		BetType:        out[2].(uint8),
		MinBetAmount:   AmountToFloat(out[3].(*big.Int)),
		MaxBetAmount:   AmountToFloat(out[4].(*big.Int)),
		IsActive:       out[5].(bool),
		IsResolved:     out[6].(bool),
		WinnerIndex:    int(out[7].(uint8)),
		WinningOutcome: int(out[8].(uint8)),
		OptionCount:    int(out[9].(uint8)),
	}, nil
}

func (c *Client) GetBetOption(ctx context.Context, betID uint64, optionIndex int) (*OptionState, error) {
	out, err := c.call(ctx, c.market, c.marketABI, "getBetOption",
		new(big.Int).SetUint64(betID), uint8(optionIndex))
	if err != nil {
		return nil, err
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("getBetOption 返回值数量异常: %d", len(out))
	}
	return &OptionState{
		TotalShares: AmountToFloat(out[0].(*big.Int)),
		IsWinner:    out[1].(bool),
	}, nil
}

func (c *Client) GetUserBet(ctx context.Context, betID uint64, user string) (*UserBetState, error) {
	out, err := c.call(ctx, c.market, c.marketABI, "getUserBet",
		new(big.Int).SetUint64(betID), common.HexToAddress(user))
	if err != nil {
		return nil, err
	}
	if len(out) < 4 {
		return nil, fmt.Errorf("getUserBet 返回值数量异常: %d", len(out))
	}
	handle := out[3].([32]byte)
	return &UserBetState{
		OptionIndex:     int(out[0].(uint8)),
		Outcome:         int(out[1].(uint8)),
		Shares:          AmountToFloat(out[2].(*big.Int)),
		EncryptedAmount: "0x" + hex.EncodeToString(handle[:]),
	}, nil
}

func (c *Client) DecryptedAmount(ctx context.Context, handle string) (float64, bool, error) {
	if !c.hasGateway {
		// 未配置网关：视为一直未就绪，金额只能等结算后公开
		return 0, false, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(handle, "0x"))
	if err != nil || len(raw) != 32 {
		return 0, false, fmt.Errorf("非法密文句柄: %s", handle)
	}
	var h [32]byte
	copy(h[:], raw)
	out, err := c.call(ctx, c.gateway, c.gwABI, "getDecryptedAmount", h)
	if err != nil {
		return 0, false, err
	}
	if len(out) < 2 {
		return 0, false, fmt.Errorf("getDecryptedAmount 返回值数量异常: %d", len(out))
	}
	if !out[1].(bool) {
		return 0, false, nil
	}
	return AmountToFloat(out[0].(*big.Int)), true, nil
}
