package service

import "sync"

// betLocks 按 contract_bet_id 串行化镜像与持仓的写入。
// 这是全系统唯一的硬串行化点：同一市场的同步/结算互斥，不同市场完全并行。
type betLocks struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func newBetLocks() *betLocks {
	return &betLocks{locks: make(map[uint64]*sync.Mutex)}
}

// Lock 锁定指定市场，返回解锁函数
func (l *betLocks) Lock(contractBetID uint64) func() {
	l.mu.Lock()
	m, ok := l.locks[contractBetID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[contractBetID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
