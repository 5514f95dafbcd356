package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evm-indexer/indexer/internal/chain"
)

// MemoryStore is an in-process Store used by component tests without a
// live Postgres. It enforces one block per height (I-B1) and one transfer
// per (block_number, log_index) (I-T1), and deletes a block's transfers
// with it; it does not check parent linkage (I-B2) or that a transfer's
// block exists. It is not used by production code.
type MemoryStore struct {
	mu          sync.Mutex
	blocks      map[uint64]chain.Block
	transfers   map[uint64][]chain.Log // keyed by block number
	checkpoints map[string]Checkpoint
	statuses    map[string]SyncStatus
	locks       map[string]lockEntry
}

type lockEntry struct {
	instanceID string
	expiresAt  time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:      make(map[uint64]chain.Block),
		transfers:   make(map[uint64][]chain.Log),
		checkpoints: make(map[string]Checkpoint),
		statuses:    make(map[string]SyncStatus),
		locks:       make(map[string]lockEntry),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error                { return nil }

func (m *MemoryStore) MaxHeight(context.Context) (*uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) == 0 {
		return nil, nil
	}
	var max uint64
	first := true
	for n := range m.blocks {
		if first || n > max {
			max = n
			first = false
		}
	}
	return &max, nil
}

func (m *MemoryStore) FindByHeight(_ context.Context, n uint64) (*chain.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blocks[n]; ok {
		return &b, nil
	}
	return nil, nil
}

func (m *MemoryStore) FindByHash(_ context.Context, hash string) (*chain.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if b.Hash == hash {
			bb := b
			return &bb, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SaveBatch(_ context.Context, blocks []chain.Block, transfers []chain.Log) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	restore := m.snapshotLocked()
	saved, err := m.saveBatchLocked(blocks, transfers)
	if err != nil {
		restore()
		return 0, err
	}
	return saved, nil
}

// snapshotLocked copies the block and transfer maps and returns a func that
// puts them back, so a failed write leaves no partial state. m.mu must be
// held.
func (m *MemoryStore) snapshotLocked() (restore func()) {
	blocks := make(map[uint64]chain.Block, len(m.blocks))
	for k, v := range m.blocks {
		blocks[k] = v
	}
	transfers := make(map[uint64][]chain.Log, len(m.transfers))
	for k, v := range m.transfers {
		transfers[k] = v
	}
	return func() { m.blocks, m.transfers = blocks, transfers }
}

// saveBatchLocked assumes m.mu is already held; it exists so CommitBatch can
// share one critical section with the rollback delete instead of locking
// twice (and thus observably, if briefly, unlocked in between).
func (m *MemoryStore) saveBatchLocked(blocks []chain.Block, transfers []chain.Log) (int, error) {
	saved := 0
	for _, b := range blocks {
		if existing, ok := m.blocks[b.Number]; ok {
			if existing.Hash != b.Hash {
				return 0, ErrHashConflict
			}
			continue
		}
		m.blocks[b.Number] = b
		saved++
	}
	for _, l := range transfers {
		if m.hasTransfer(l.BlockNumber, l.LogIndex) {
			continue
		}
		m.transfers[l.BlockNumber] = append(m.transfers[l.BlockNumber], l)
	}
	return saved, nil
}

func (m *MemoryStore) hasTransfer(blockNumber, logIndex uint64) bool {
	for _, l := range m.transfers[blockNumber] {
		if l.LogIndex == logIndex {
			return true
		}
	}
	return false
}

func (m *MemoryStore) DeleteAfter(_ context.Context, n uint64, allowDeep bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteAfterLocked(n, allowDeep)
}

func (m *MemoryStore) deleteAfterLocked(n uint64, allowDeep bool) (int, error) {
	var toDelete []uint64
	for num := range m.blocks {
		if num > n {
			toDelete = append(toDelete, num)
		}
	}
	if len(toDelete) > MaxReorgDepth && !allowDeep {
		return 0, ErrReorgTooDeep
	}
	for _, num := range toDelete {
		delete(m.blocks, num)
		delete(m.transfers, num)
	}
	return len(toDelete), nil
}

// CommitBatch mirrors PostgresStore.CommitBatch's atomicity: the rollback
// delete, the insert, and the checkpoint/status writes all happen under one
// lock acquisition, so no other call can observe the rollback applied
// without the replacement batch.
func (m *MemoryStore) CommitBatch(_ context.Context, rollbackTo uint64, needsRollback bool, blocks []chain.Block, transfers []chain.Log, cp Checkpoint, status SyncStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	restore := m.snapshotLocked()
	if needsRollback {
		if _, err := m.deleteAfterLocked(rollbackTo, false); err != nil {
			restore()
			return 0, fmt.Errorf("rollback to %d: %w", rollbackTo, err)
		}
	}
	saved, err := m.saveBatchLocked(blocks, transfers)
	if err != nil {
		restore()
		return 0, err
	}
	m.checkpoints[cp.Name] = cp
	m.statuses[status.ProcessorName] = status
	return saved, nil
}

func (m *MemoryStore) DetectGaps(_ context.Context) ([]GapRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) == 0 {
		return nil, nil
	}
	nums := make([]uint64, 0, len(m.blocks))
	for n := range m.blocks {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var gaps []GapRange
	for i := 1; i < len(nums); i++ {
		if nums[i] > nums[i-1]+1 {
			gaps = append(gaps, GapRange{Lo: nums[i-1] + 1, Hi: nums[i] - 1})
		}
	}
	return gaps, nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.Name] = cp
	return nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, name string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp, ok := m.checkpoints[name]; ok {
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) SaveSyncStatus(_ context.Context, s SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[s.ProcessorName] = s
	return nil
}

func (m *MemoryStore) GetSyncStatus(_ context.Context, processor string) (*SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[processor]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *MemoryStore) TryAcquireLock(_ context.Context, name, instanceID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.locks[name]; ok && existing.instanceID != instanceID && existing.expiresAt.After(now) {
		return ErrLockHeld
	}
	m.locks[name] = lockEntry{instanceID: instanceID, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, name, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locks[name]; ok && existing.instanceID == instanceID {
		delete(m.locks, name)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
