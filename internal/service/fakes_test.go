package service

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"CipherSync/internal/chain"
	"CipherSync/internal/config"
	"CipherSync/internal/model"
	"CipherSync/internal/repository"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 内存版仓储与链上读取器，语义与真实实现保持一致（唯一键冲突、未找到错误等）

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*model.ChainEvent
	nextID uint64
}

func (r *fakeEventRepo) Append(_ context.Context, ev *model.ChainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.BlockNumber == ev.BlockNumber && e.LogIndex == ev.LogIndex {
			return repository.ErrDuplicateEvent
		}
	}
	r.nextID++
	ev.ID = r.nextID
	ev.CreatedAt = time.Now()
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

func (r *fakeEventRepo) GetByBlockLog(_ context.Context, blockNumber uint64, logIndex uint) (*model.ChainEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.BlockNumber == blockNumber && e.LogIndex == logIndex {
			cp := *e
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeEventRepo) ResetSyncAttempts(_ context.Context, eventID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == eventID {
			e.SyncAttempts = 0
			return nil
		}
	}
	return fmt.Errorf("事件 %d 不存在", eventID)
}

func (r *fakeEventRepo) PendingDecryption(_ context.Context, limit int) ([]*model.ChainEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ChainEvent
	for _, e := range r.events {
		if e.EventType == string(model.EventBetPlaced) && !e.DecryptionAttempted {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeEventRepo) MarkDecryption(_ context.Context, eventID uint64, success bool, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == eventID {
			e.DecryptionAttempted = true
			e.DecryptionSuccess = success
			e.DecryptionError = errMsg
			return nil
		}
	}
	return fmt.Errorf("事件 %d 不存在", eventID)
}

func (r *fakeEventRepo) IncrementSyncAttempts(_ context.Context, eventID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == eventID {
			e.SyncAttempts++
			return nil
		}
	}
	return fmt.Errorf("事件 %d 不存在", eventID)
}

func (r *fakeEventRepo) CountSince(_ context.Context, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeEventRepo) LastBlock(_ context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint64
	for _, e := range r.events {
		if e.BlockNumber > max {
			max = e.BlockNumber
		}
	}
	return max, nil
}

func (r *fakeEventRepo) get(eventID uint64) *model.ChainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == eventID {
			cp := *e
			return &cp
		}
	}
	return nil
}

type fakeBetRepo struct {
	mu      sync.Mutex
	bets    map[uint64]*model.Bet         // key: contract_bet_id
	options map[uint64][]*model.BetOption // key: bet.ID
	nextID  uint64
}

func newFakeBetRepo() *fakeBetRepo {
	return &fakeBetRepo{
		bets:    make(map[uint64]*model.Bet),
		options: make(map[uint64][]*model.BetOption),
	}
}

func (r *fakeBetRepo) GetByContractID(_ context.Context, contractBetID uint64) (*model.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bet, ok := r.bets[contractBetID]
	if !ok {
		return nil, repository.ErrBetMirrorMissing
	}
	cp := *bet
	return &cp, nil
}

func (r *fakeBetRepo) Create(_ context.Context, bet *model.Bet, options []*model.BetOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bets[bet.ContractBetID]; ok {
		*bet = *existing
		return nil
	}
	r.nextID++
	bet.ID = r.nextID
	cp := *bet
	r.bets[bet.ContractBetID] = &cp
	for _, opt := range options {
		opt.BetID = bet.ID
		ocp := *opt
		r.options[bet.ID] = append(r.options[bet.ID], &ocp)
	}
	return nil
}

func (r *fakeBetRepo) UpdateChainFields(_ context.Context, contractBetID uint64, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bet, ok := r.bets[contractBetID]
	if !ok {
		return repository.ErrBetMirrorMissing
	}
	for k, v := range fields {
		switch k {
		case "end_time":
			bet.EndTime = v.(time.Time)
		case "min_bet_amount":
			bet.MinBetAmount = v.(float64)
		case "max_bet_amount":
			bet.MaxBetAmount = v.(float64)
		case "is_active":
			bet.IsActive = v.(bool)
		case "is_resolved":
			bet.IsResolved = v.(bool)
		case "winner_option_index":
			w := v.(int)
			bet.WinnerOptionIndex = &w
		case "winning_outcome":
			o := v.(int)
			bet.WinningOutcome = &o
		case "sync_status":
			bet.SyncStatus = v.(string)
		case "state_hash":
			bet.StateHash = v.(string)
		case "last_sync_block":
			bet.LastSyncBlock = v.(uint64)
		case "last_sync_at":
			t := v.(time.Time)
			bet.LastSyncAt = &t
		case "updated_at":
			bet.UpdatedAt = v.(time.Time)
		}
	}
	return nil
}

func (r *fakeBetRepo) UpdateSyncStatus(ctx context.Context, contractBetID uint64, status string) error {
	return r.UpdateChainFields(ctx, contractBetID, map[string]interface{}{"sync_status": status})
}

func (r *fakeBetRepo) UpsertOption(_ context.Context, opt *model.BetOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.options[opt.BetID] {
		if existing.OptionIndex == opt.OptionIndex {
			existing.PublicTotalShares = opt.PublicTotalShares
			existing.IsWinner = opt.IsWinner
			return nil
		}
	}
	cp := *opt
	r.options[opt.BetID] = append(r.options[opt.BetID], &cp)
	return nil
}

func (r *fakeBetRepo) GetOptions(_ context.Context, betID uint64) ([]*model.BetOption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BetOption
	for _, opt := range r.options[betID] {
		cp := *opt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OptionIndex < out[j].OptionIndex })
	return out, nil
}

func (r *fakeBetRepo) ListBySyncStatus(_ context.Context, statuses []string, limit int) ([]*model.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Bet
	for _, bet := range r.bets {
		for _, s := range statuses {
			if bet.SyncStatus == s {
				cp := *bet
				out = append(out, &cp)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeBetRepo) CountBySyncStatus(_ context.Context, status string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, bet := range r.bets {
		if bet.SyncStatus == status {
			n++
		}
	}
	return n, nil
}

func (r *fakeBetRepo) UpdateAggregates(_ context.Context, betID uint64, participantCount, positionCount int, totalAmount *float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bet := range r.bets {
		if bet.ID == betID {
			bet.ParticipantCount = participantCount
			bet.PositionCount = positionCount
			bet.TotalAmount = totalAmount
			return nil
		}
	}
	return repository.ErrBetMirrorMissing
}

func (r *fakeBetRepo) UpdateOptionAggregates(_ context.Context, betID uint64, optionIndex int, positionCount int, totalAmount *float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, opt := range r.options[betID] {
		if opt.OptionIndex == optionIndex {
			opt.PositionCount = positionCount
			opt.TotalAmount = totalAmount
			return nil
		}
	}
	return fmt.Errorf("选项 %d 不存在", optionIndex)
}

// 测试内直接改镜像（模拟带外修改）
func (r *fakeBetRepo) mutate(contractBetID uint64, fn func(*model.Bet)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bet, ok := r.bets[contractBetID]; ok {
		fn(bet)
	}
}

type fakePositionRepo struct {
	mu        sync.Mutex
	positions []*model.Position
	nextID    uint64
}

func (r *fakePositionRepo) GetByPlaceTxHash(_ context.Context, txHash string) (*model.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.PlaceTxHash == txHash {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakePositionRepo) Create(_ context.Context, p *model.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.positions {
		if existing.PlaceTxHash == p.PlaceTxHash {
			return repository.ErrDuplicatePosition
		}
	}
	r.nextID++
	p.ID = r.nextID
	p.CreatedAt = time.Now()
	cp := *p
	r.positions = append(r.positions, &cp)
	return nil
}

func (r *fakePositionRepo) ListByBet(_ context.Context, contractBetID uint64) ([]*model.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Position
	for _, p := range r.positions {
		if p.ContractBetID == contractBetID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakePositionRepo) ListByUser(_ context.Context, address string, page, pageSize int) ([]*model.Position, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*model.Position
	for _, p := range r.positions {
		if strings.EqualFold(p.UserAddress, address) {
			cp := *p
			all = append(all, &cp)
		}
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total := int64(len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (r *fakePositionRepo) UpdateResolution(_ context.Context, positionID uint64, isWinner bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.ID == positionID {
			p.IsResolved = true
			p.IsWinner = isWinner
			return nil
		}
	}
	return fmt.Errorf("持仓 %d 不存在", positionID)
}

func (r *fakePositionRepo) MarkClaimed(_ context.Context, contractBetID uint64, userAddress, claimTxHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.ContractBetID == contractBetID && strings.EqualFold(p.UserAddress, userAddress) && !p.Claimed {
			p.Claimed = true
			tx := claimTxHash
			p.ClaimTxHash = &tx
		}
	}
	return nil
}

func (r *fakePositionRepo) SetDecryptedAmount(_ context.Context, placeTxHash string, amount float64, entryPrice int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.PlaceTxHash == placeTxHash {
			a := amount
			p.Amount = &a
			p.EntryPrice = entryPrice
			p.IsEncrypted = false
			return nil
		}
	}
	return fmt.Errorf("持仓 %s 不存在", placeTxHash)
}

func (r *fakePositionRepo) CountDistinctUsers(_ context.Context, contractBetID uint64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make(map[string]struct{})
	for _, p := range r.positions {
		if p.ContractBetID == contractBetID {
			users[strings.ToLower(p.UserAddress)] = struct{}{}
		}
	}
	return int64(len(users)), nil
}

// fakeReader 链上状态桩，测试直接改字段驱动各种场景
type fakeReader struct {
	mu         sync.Mutex
	height     uint64
	bets       map[uint64]*chain.BetState
	options    map[uint64][]chain.OptionState
	userBets   map[string]*chain.UserBetState // key: "betID|用户地址小写"
	decrypted  map[string]float64             // 句柄 -> 明文金额
	blockTimes map[uint64]time.Time           // 区块号 -> 出块时间
	logs       []types.Log
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		height:     1000,
		bets:       make(map[uint64]*chain.BetState),
		options:    make(map[uint64][]chain.OptionState),
		userBets:   make(map[string]*chain.UserBetState),
		decrypted:  make(map[string]float64),
		blockTimes: make(map[uint64]time.Time),
	}
}

func userBetKey(betID uint64, user string) string {
	return fmt.Sprintf("%d|%s", betID, strings.ToLower(user))
}

func (r *fakeReader) BlockNumber(_ context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.height, nil
}

func (r *fakeReader) BlockTime(_ context.Context, number uint64) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.blockTimes[number]; ok {
		return t, nil
	}
	// 未显式设置时给出与区块号挂钩的确定性时间
	return time.Unix(int64(1_700_000_000+number), 0).UTC(), nil
}

func (r *fakeReader) FilterLogs(_ context.Context, from, to *big.Int) ([]types.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Log
	for _, l := range r.logs {
		if from != nil && l.BlockNumber < from.Uint64() {
			continue
		}
		if to != nil && l.BlockNumber > to.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *fakeReader) SubscribeLogs(_ context.Context, _ chan<- types.Log) (ethereum.Subscription, error) {
	return nil, fmt.Errorf("测试桩不支持订阅")
}

func (r *fakeReader) GetBet(_ context.Context, betID uint64) (*chain.BetState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.bets[betID]
	if !ok {
		return nil, fmt.Errorf("市场 %d 不存在", betID)
	}
	cp := *state
	return &cp, nil
}

func (r *fakeReader) GetBetOption(_ context.Context, betID uint64, optionIndex int) (*chain.OptionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opts := r.options[betID]
	if optionIndex < 0 || optionIndex >= len(opts) {
		return nil, fmt.Errorf("市场 %d 选项 %d 不存在", betID, optionIndex)
	}
	cp := opts[optionIndex]
	return &cp, nil
}

func (r *fakeReader) GetUserBet(_ context.Context, betID uint64, user string) (*chain.UserBetState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.userBets[userBetKey(betID, user)]
	if !ok {
		return nil, fmt.Errorf("用户 %s 在市场 %d 无下注", user, betID)
	}
	cp := *state
	return &cp, nil
}

func (r *fakeReader) DecryptedAmount(_ context.Context, handle string) (float64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	amount, ok := r.decrypted[handle]
	return amount, ok, nil
}

// testPipeline 整条管线的内存装配，各 fake 仓储可直接断言
type testPipeline struct {
	sched     *Scheduler
	events    *fakeEventRepo
	bets      *fakeBetRepo
	positions *fakePositionRepo
	agg       *AggregationService
	reader    *fakeReader
}

func newTestPipeline() *testPipeline {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{}
	cfg.Chain.MaxRetries = 1
	cfg.Chain.RetryBackoff = time.Millisecond
	cfg.Chain.BackfillBatchSize = 100
	cfg.Sync.SweepCron = "@every 1m"
	cfg.Sync.DecryptCron = "@every 1m"
	cfg.Sync.SweepLimit = 100
	cfg.Sync.DecryptBatch = 50

	reader := newFakeReader()
	events := &fakeEventRepo{}
	bets := newFakeBetRepo()
	positions := &fakePositionRepo{}

	locks := newBetLocks()
	agg := NewAggregationService(bets, positions, logger)
	betSync := NewBetSyncService(reader, bets, logger)
	posSync := NewPositionSyncService(reader, bets, positions, betSync, agg, locks, logger)
	resolution := NewResolutionService(bets, positions, betSync, agg, locks, logger)
	decrypt := NewDecryptSyncService(reader, events, positions, agg, logger)
	sched := NewScheduler(cfg, reader, events, bets, betSync, posSync, resolution, decrypt, locks, logger)

	return &testPipeline{
		sched:     sched,
		events:    events,
		bets:      bets,
		positions: positions,
		agg:       agg,
		reader:    reader,
	}
}
