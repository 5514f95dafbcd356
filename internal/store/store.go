// Package store implements the Block Store (C4): durable persistence of
// blocks, transfers, checkpoints and sync status, with FK-cascade on
// reorg and the advisory lock that enforces a single active writer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/evm-indexer/indexer/internal/chain"
)

// MaxReorgDepth is the default cap on DeleteAfter's blast radius; callers
// must explicitly escalate to delete more (spec §4.4).
const MaxReorgDepth = 1000

// ErrReorgTooDeep is returned by DeleteAfter when the requested rollback
// would exceed MaxReorgDepth without the caller opting in.
var ErrReorgTooDeep = errors.New("store: reorg depth exceeds maximum without explicit escalation")

// ErrHashConflict is returned by SaveBatch when a block number is already
// present with a different hash; the caller (Sync Engine) must run a
// rollback via DeleteAfter before retrying.
var ErrHashConflict = errors.New("store: block number already present with a different hash")

// ErrLockHeld is returned by TryAcquireLock when another instance holds an
// unexpired lock.
var ErrLockHeld = errors.New("store: advisory lock is held by another instance")

// GapRange is an inclusive [Lo, Hi] range of missing block numbers.
type GapRange struct {
	Lo, Hi uint64
}

// Checkpoint mirrors CheckpointModel without the GORM tags, for callers
// outside this package.
type Checkpoint struct {
	Name        string
	BlockNumber uint64
	BlockHash   string
	SyncedAt    time.Time
	Metadata    string
}

// SyncStatus mirrors SyncStatusModel without the GORM tags.
type SyncStatus struct {
	ProcessorName      string
	LastProcessedBlock uint64
	LastProcessedHash  string
	TargetBlock        uint64
	SyncedPercent      float64
	State              SyncState
	ErrorMessage       string
}

// Store is the persistence capability the Sync Engine depends on (spec
// §4.4). Implementations must run SaveBatch/DeleteAfter-under-rollback
// inside a single transaction each.
type Store interface {
	MaxHeight(ctx context.Context) (*uint64, error)
	FindByHeight(ctx context.Context, n uint64) (*chain.Block, error)
	FindByHash(ctx context.Context, hash string) (*chain.Block, error)

	// SaveBatch commits blocks and transfers atomically. Same-height
	// same-hash blocks are no-ops; same-height different-hash is
	// ErrHashConflict. Same (block_number, log_index) transfers are
	// no-ops. Returns the number of blocks newly saved.
	SaveBatch(ctx context.Context, blocks []chain.Block, transfers []chain.Log) (int, error)

	// DeleteAfter deletes every block with number > n, cascading to its
	// transfers, inside one transaction. Refuses (ErrReorgTooDeep) to
	// delete more than MaxReorgDepth blocks unless allowDeep is true.
	DeleteAfter(ctx context.Context, n uint64, allowDeep bool) (int, error)

	DetectGaps(ctx context.Context) ([]GapRange, error)

	// CommitBatch applies an optional rollback (delete_after, when
	// needsRollback is true) and the subsequent block/transfer insert plus
	// checkpoint/sync-status update inside a single transaction, per spec
	// §4.7.3 step 4 and the §4.7.5 atomicity guarantee: a crash must never
	// observe the rollback applied without the replacement batch, or vice
	// versa. Returns the number of blocks newly saved.
	CommitBatch(ctx context.Context, rollbackTo uint64, needsRollback bool, blocks []chain.Block, transfers []chain.Log, cp Checkpoint, status SyncStatus) (int, error)

	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, name string) (*Checkpoint, error)

	SaveSyncStatus(ctx context.Context, s SyncStatus) error
	GetSyncStatus(ctx context.Context, processor string) (*SyncStatus, error)

	TryAcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, name, instanceID string) error

	// Ping verifies the store is reachable, for the /ready health probe.
	Ping(ctx context.Context) error

	Close() error
}
