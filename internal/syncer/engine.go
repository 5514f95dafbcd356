// Package syncer implements the Sync Engine (C7): the orchestrator that
// discovers the gap between chain head and local state, fetches and
// validates ranges of blocks/logs concurrently, detects and rolls back
// reorganizations, and commits atomically — the heart of spec §4.7.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/evm-indexer/indexer/internal/chain"
	"github.com/evm-indexer/indexer/internal/metrics"
	"github.com/evm-indexer/indexer/internal/ratelimit"
	"github.com/evm-indexer/indexer/internal/reorg"
	"github.com/evm-indexer/indexer/internal/retry"
	"github.com/evm-indexer/indexer/internal/store"
	"github.com/evm-indexer/indexer/internal/validate"
)

// LatestCheckpoint is the well-known checkpoint name recording the
// highest durably synced block (spec §3.1).
const LatestCheckpoint = "latest"

// ProcessorName identifies this engine's row in sync_status.
const ProcessorName = "block-sync"

// Config bounds the Sync Engine's behaviour (spec §4.7.3, §6).
type Config struct {
	BatchSize            int
	Concurrency          int
	ConfirmationDepth    uint64
	PollInterval         time.Duration
	MaxRetries           int
	MaxConsecutiveErrors int
	TokenContract        string // enables transfer log ingestion when non-empty
	StartBlock           uint64 // initial-sync floor when the store is empty (spec §6)
	DryRun               bool
}

const defaultMaxConsecutiveErrors = 5

// Engine drives the fetch -> validate -> write cycle described in
// spec §4.7. It holds no mutable shared state beyond its own fields and
// is driven by a single goroutine; only the fetch phase fans out.
type Engine struct {
	cfg     Config
	log     gethlog.Logger
	chain   chain.Client
	store   store.Store
	limiter *ratelimit.Bucket
	retrier *retry.Policy
	reorg   *reorg.Detector
	metrics *metrics.Metrics

	state            State
	consecutiveFails int
	startedAt        time.Time

	lastChainHeight atomic.Uint64
	lastLocalHeight atomic.Int64 // -1 until MaxHeight first reports a stored block
	rpcAlive        atomic.Bool
}

// New constructs an Engine. A non-positive cfg.BatchSize defaults to 100;
// one above the hard cap of 1000 (config.MaxBatchHardCap) is rejected.
func New(cfg Config, log gethlog.Logger, c chain.Client, s store.Store, limiter *ratelimit.Bucket, m *metrics.Metrics) (*Engine, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchSize > 1000 {
		return nil, fmt.Errorf("syncer: batch_size %d exceeds hard cap 1000", cfg.BatchSize)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	detector, err := reorg.New(s)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		log:     log,
		chain:   c,
		store:   s,
		limiter: limiter,
		retrier: retry.NewPolicy(cfg.MaxRetries),
		reorg:   detector,
		metrics: m,
		state:   Idle,
	}
	e.lastLocalHeight.Store(-1)
	return e, nil
}

// State returns the engine's current state, safe to call from the health
// probe goroutine (reads a plain field; Engine.Run is single-threaded
// aside from the fetch fan-out, so this is a benign race on an int at
// worst and is only ever used for display).
func (e *Engine) State() State { return e.state }

// ChainHeight, LocalHeight and RPCAlive report the rolling figures the
// Supervisor polls into the health snapshot (spec §6); all are safe for
// concurrent use since tick() only ever writes them via atomics.
func (e *Engine) ChainHeight() uint64 { return e.lastChainHeight.Load() }
func (e *Engine) LocalHeight() int64  { return e.lastLocalHeight.Load() }
func (e *Engine) RPCAlive() bool      { return e.rpcAlive.Load() }

// Run drives the state machine until ctx is cancelled or a fatal error
// occurs. Lock acquisition itself is the Supervisor's responsibility
// (spec §2 control flow); Run assumes the caller already holds the
// single-writer lock and simply owns Catchup/Tail/Shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now()
	e.state = Catchup

	for {
		if ctx.Err() != nil {
			e.state = Shutdown
			return nil
		}

		advanced, err := e.tick(ctx)
		if err != nil {
			e.consecutiveFails++
			e.metrics.BatchFailures.Inc()
			if e.consecutiveFails > e.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%w: %v", ErrTooManyConsecutiveFailures, err)
			}
			c := retry.Classify(err)
			if c.Action == retry.ActionShutdown || c.Action == retry.ActionAbort && c.Class == retry.ClassCritical {
				return err
			}
			e.log.Warn("sync batch failed, will retry after poll interval", "err", err, "consecutive_fails", e.consecutiveFails)
		} else {
			e.consecutiveFails = 0
		}

		if !advanced {
			if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
				e.state = Shutdown
				return nil
			}
		}
	}
}

// tick runs at most one batch (or a gap-repair step) and reports whether
// any work was performed, so Run knows whether to sleep before the next
// iteration.
func (e *Engine) tick(ctx context.Context) (bool, error) {
	chainHead, err := e.chain.HeadHeight(ctx)
	if err != nil {
		e.rpcAlive.Store(false)
		return false, err
	}
	e.rpcAlive.Store(true)
	e.lastChainHeight.Store(chainHead)
	e.metrics.ChainHeight.Set(float64(chainHead))

	target := uint64(0)
	if chainHead > e.cfg.ConfirmationDepth {
		target = chainHead - e.cfg.ConfirmationDepth
	}

	maxHeight, err := e.store.MaxHeight(ctx)
	if err != nil {
		return false, err
	}
	var lo uint64
	if maxHeight != nil {
		lo = *maxHeight + 1
		e.metrics.LocalHeight.Set(float64(*maxHeight))
		e.lastLocalHeight.Store(int64(*maxHeight))
	} else {
		lo = e.cfg.StartBlock
		e.metrics.LocalHeight.Set(-1)
	}

	if target+1 <= lo {
		e.state = Tail
		e.metrics.SyncLag.Set(0)
		return e.repairGaps(ctx, target)
	}

	gap := target - lo + 1
	if gap > uint64(e.cfg.BatchSize) {
		e.state = Catchup
	} else {
		e.state = Tail
	}
	e.metrics.SyncLag.Set(float64(gap))

	hi := lo + uint64(e.cfg.BatchSize) - 1
	if hi > target {
		hi = target
	}
	if err := e.runBatch(ctx, lo, hi); err != nil {
		return false, err
	}
	return true, nil
}

// repairGaps implements spec §4.7.4: find missing ranges and feed them
// back through the batch contract, clipped to the current chain tip.
func (e *Engine) repairGaps(ctx context.Context, tip uint64) (bool, error) {
	gaps, err := e.store.DetectGaps(ctx)
	if err != nil {
		return false, err
	}
	if len(gaps) == 0 {
		return false, nil
	}
	g := gaps[0]
	hi := g.Hi
	if hi > tip {
		hi = tip
	}
	if hi < g.Lo {
		return false, nil
	}
	if hi-g.Lo+1 > uint64(e.cfg.BatchSize) {
		hi = g.Lo + uint64(e.cfg.BatchSize) - 1
	}
	if err := e.runBatch(ctx, g.Lo, hi); err != nil {
		return false, err
	}
	return true, nil
}

// runBatch implements the full batch contract of spec §4.7.3 for a
// contiguous, already-bounded range [lo, hi].
func (e *Engine) runBatch(ctx context.Context, lo, hi uint64) error {
	if hi < lo {
		return nil
	}

	blocks, logs, err := e.fetch(ctx, lo, hi)
	if err != nil {
		return err
	}

	validated, err := validate.Batch(blocks, logs, time.Now())
	if err != nil {
		return err
	}
	sort.Slice(validated, func(i, j int) bool { return validated[i].Number < validated[j].Number })

	for i := 1; i < len(validated); i++ {
		if validated[i].ParentHash != validated[i-1].Hash {
			return fmt.Errorf("syncer: intra-batch linkage broken between %d and %d", validated[i-1].Number, validated[i].Number)
		}
	}

	rollbackTo, needsRollback, err := e.checkContinuity(ctx, lo, validated)
	if err != nil {
		return err
	}

	if e.cfg.DryRun {
		e.log.Info("dry run: skipping commit", "lo", lo, "hi", hi, "blocks", len(validated))
		return nil
	}

	return e.commit(ctx, validated, needsRollback, rollbackTo)
}

// fetch implements spec §4.7.3 step 1: concurrency-bounded, rate-limited,
// retried fetch of every block (and, if enabled, Transfer logs) in
// [lo, hi]. A single failing block fails the whole batch.
func (e *Engine) fetch(ctx context.Context, lo, hi uint64) ([]chain.Block, []chain.Log, error) {
	blocks := make([]chain.Block, hi-lo+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for n := lo; n <= hi; n++ {
		n := n
		g.Go(func() error {
			b, err := e.fetchOneBlock(gctx, n)
			if err != nil {
				return err
			}
			blocks[n-lo] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var logs []chain.Log
	if e.cfg.TokenContract != "" {
		var err error
		logs, err = e.fetchLogs(ctx, lo, hi)
		if err != nil {
			return nil, nil, err
		}
	}
	return blocks, logs, nil
}

func (e *Engine) fetchOneBlock(ctx context.Context, n uint64) (chain.Block, error) {
	var b chain.Block
	err := e.retrier.Do(ctx, func() error {
		if err := e.limiter.Consume(ctx, 1, e.cfg.MaxRetries); err != nil {
			return err
		}
		start := time.Now()
		var err error
		b, err = e.chain.BlockAt(ctx, n)
		e.metrics.RPCCallsTotal.WithLabelValues("eth_getBlockByNumber").Inc()
		e.metrics.RPCLatency.WithLabelValues("eth_getBlockByNumber").Observe(time.Since(start).Seconds())
		if err != nil {
			e.metrics.RPCErrorsTotal.WithLabelValues("eth_getBlockByNumber", retry.Classify(err).Class.String()).Inc()
		}
		return err
	}, func(attempt int, c retry.Classification) {
		e.log.Debug("retrying block fetch", "height", n, "attempt", attempt, "class", c.Class)
	})
	return b, err
}

func (e *Engine) fetchLogs(ctx context.Context, lo, hi uint64) ([]chain.Log, error) {
	var logs []chain.Log
	err := e.retrier.Do(ctx, func() error {
		if err := e.limiter.Consume(ctx, 1, e.cfg.MaxRetries); err != nil {
			return err
		}
		start := time.Now()
		var err error
		logs, err = e.chain.LogsInRange(ctx, lo, hi, chain.LogFilter{Address: e.cfg.TokenContract})
		e.metrics.RPCCallsTotal.WithLabelValues("eth_getLogs").Inc()
		e.metrics.RPCLatency.WithLabelValues("eth_getLogs").Observe(time.Since(start).Seconds())
		if err != nil {
			e.metrics.RPCErrorsTotal.WithLabelValues("eth_getLogs", retry.Classify(err).Class.String()).Inc()
		}
		return err
	}, nil)
	return logs, err
}

// checkContinuity implements spec §4.7.3 step 3. It must catch a reorg
// wherever its fork point lies: at the boundary (the fetched range's first
// block no longer parents onto the stored lo-1), or entirely inside the
// fetched range (the boundary still lines up, but a block already stored
// at one of these heights carries a different hash — e.g. suffix 6..10
// re-mined on the unchanged ancestor 5).
func (e *Engine) checkContinuity(ctx context.Context, lo uint64, validated []validate.ValidatedBlock) (rollbackTo uint64, needsRollback bool, err error) {
	if len(validated) == 0 {
		return 0, false, nil
	}

	if lo > 0 {
		localParent, err := e.store.FindByHeight(ctx, lo-1)
		if err != nil {
			return 0, false, err
		}
		if localParent != nil && validated[0].ParentHash != localParent.Hash {
			result, err := e.reorg.Detect(ctx, validated[0].Block)
			if err != nil {
				return 0, false, err
			}
			if !result.Reorg {
				// The boundary demonstrably mismatches but the detector
				// couldn't confirm a common ancestor (e.g. it hit its own
				// tip-advancing "gap" heuristic). Committing here would
				// insert a block whose parent_hash links to nothing in
				// the store, so the batch is abandoned instead (I-B2).
				return 0, false, ErrInconclusiveReorg
			}
			e.metrics.ReorgsTotal.Inc()
			return result.CommonAncestor, true, nil
		}
	}

	// Boundary links cleanly (or this is the very first batch); scan the
	// fetched range itself for a same-height/different-hash conflict. The
	// first such height is exactly where the stored chain and the fetched
	// chain diverge, since intra-batch linkage was already verified.
	for _, vb := range validated {
		existing, err := e.store.FindByHeight(ctx, vb.Number)
		if err != nil {
			return 0, false, err
		}
		if existing == nil || existing.Hash == vb.Hash {
			continue
		}
		if vb.Number == 0 {
			return 0, false, fmt.Errorf("syncer: conflicting hash at genesis height, cannot roll back")
		}
		e.metrics.ReorgsTotal.Inc()
		return vb.Number - 1, true, nil
	}
	return 0, false, nil
}

// commit implements spec §4.7.3 step 4-5. The rollback delete, the block
// and transfer inserts, and the checkpoint/sync-status update all go
// through a single Store.CommitBatch call so they run inside one
// transaction (spec §4.7.5): a crash partway through can never leave the
// store with the rollback applied but the replacement batch missing, or
// the reverse.
func (e *Engine) commit(ctx context.Context, validated []validate.ValidatedBlock, needsRollback bool, rollbackTo uint64) error {
	if len(validated) == 0 {
		return nil
	}

	blocks := make([]chain.Block, len(validated))
	var transfers []chain.Log
	for i, vb := range validated {
		blocks[i] = vb.Block
		transfers = append(transfers, vb.Logs...)
	}
	last := validated[len(validated)-1]

	// A gap-repair batch sits below the stored tip; the checkpoint keeps
	// naming the highest stored block instead of moving back to the gap.
	cpNumber, cpHash := last.Number, last.Hash
	if tip, err := e.store.MaxHeight(ctx); err != nil {
		return err
	} else if tip != nil && *tip > last.Number && !needsRollback {
		top, err := e.store.FindByHeight(ctx, *tip)
		if err != nil {
			return err
		}
		if top != nil {
			cpNumber, cpHash = top.Number, top.Hash
		}
	}
	cp := store.Checkpoint{Name: LatestCheckpoint, BlockNumber: cpNumber, BlockHash: cpHash, SyncedAt: time.Now()}
	status := store.SyncStatus{
		ProcessorName: ProcessorName, LastProcessedBlock: last.Number, LastProcessedHash: last.Hash,
		State: store.SyncActive,
	}

	start := time.Now()
	saved, err := e.store.CommitBatch(ctx, rollbackTo, needsRollback, blocks, transfers, cp, status)
	e.metrics.DBLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if needsRollback && errors.Is(err, store.ErrHashConflict) {
			return fmt.Errorf("%w: %v", ErrUnexpectedHashConflict, err)
		}
		return err
	}
	e.metrics.DBWritesTotal.Inc()
	e.metrics.BlocksIndexed.Add(float64(saved))
	e.metrics.TransfersIndexed.Add(float64(len(transfers)))

	// Post-commit verification (step 5): re-read the last block by hash.
	reread, err := e.store.FindByHash(ctx, last.Hash)
	if err != nil {
		return err
	}
	if reread == nil || reread.Number != last.Number {
		return ErrPostCommitMismatch
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
