// Package lifecycle implements the Lifecycle Supervisor (C8): the
// single-writer advisory lock, health probes, and the ordered shutdown
// sequence that ties every other component's lifetime to process signals.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/evm-indexer/indexer/internal/chain"
	"github.com/evm-indexer/indexer/internal/metrics"
	"github.com/evm-indexer/indexer/internal/store"
	"github.com/evm-indexer/indexer/internal/syncer"
)

// LockName is the single advisory lock name every instance contends for
// (spec §4.8).
const LockName = "block-sync"

// lockTTL bounds how long a lock survives without renewal.
const lockTTL = 30 * time.Second

// lockRenewInterval renews well inside the TTL to tolerate scheduling
// jitter without losing the lock mid-batch.
const lockRenewInterval = 10 * time.Second

// snapshotInterval bounds how stale /healthz's reported lag can be.
const snapshotInterval = 5 * time.Second

// Engine is the subset of syncer.Engine the Supervisor drives and polls
// for the health snapshot.
type Engine interface {
	Run(ctx context.Context) error
	State() syncer.State
	ChainHeight() uint64
	LocalHeight() int64
	RPCAlive() bool
}

// Supervisor wires together the advisory lock, health probes and ordered
// shutdown around a Sync Engine (spec §4.8, §2 control flow).
type Supervisor struct {
	log        gethlog.Logger
	store      store.Store
	chainHead  chain.Client
	engine     Engine
	instanceID string
	metrics    *metrics.Metrics

	health *HealthServer

	startedAt   time.Time
	lastChain   atomic.Uint64
	lastLocal   atomic.Int64 // -1 when unknown
	rpcAlive    atomic.Bool
	shutdownSeq *ShutdownSequence
}

// New constructs a Supervisor. healthAddr is the address the health/metrics
// HTTP server binds to.
func New(log gethlog.Logger, st store.Store, c chain.Client, e Engine, instanceID string, m *metrics.Metrics, healthAddr string) *Supervisor {
	sup := &Supervisor{
		log: log, store: st, chainHead: c, engine: e, instanceID: instanceID, metrics: m,
		shutdownSeq: NewShutdownSequence(log),
	}
	sup.lastLocal.Store(-1)
	sup.health = NewHealthServer(healthAddr, st, m, sup.snapshot)
	return sup
}

func (s *Supervisor) snapshot() syncSnapshot {
	local := s.lastLocal.Load()
	chainMax := s.lastChain.Load()
	snap := syncSnapshot{ChainMax: chainMax, Available: s.rpcAlive.Load(), LastSync: s.startedAt}
	if local >= 0 {
		snap.LocalMax = uint64(local)
		if chainMax > snap.LocalMax {
			snap.Lag = chainMax - snap.LocalMax
		}
	}
	return snap
}

// Run is the top-level entrypoint: acquires the single-writer lock (exits
// cleanly with nil if another instance holds it, per spec §4.7.1
// AcquireLock -> Shutdown), starts health probes, drives the engine, and
// runs the ordered shutdown sequence on signal or fatal error.
func (s *Supervisor) Run(parent context.Context) error {
	s.startedAt = time.Now()

	acquired, err := s.tryAcquireLock(parent)
	if err != nil {
		return fmt.Errorf("lifecycle: acquiring lock: %w", err)
	}
	if !acquired {
		s.log.Info("another instance holds the single-writer lock, exiting cleanly")
		return nil
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.health.Start()
	s.shutdownSeq.Register(PriorityStopProbes, "stop-health-probes", func(ctx context.Context) error {
		return s.health.Stop(ctx)
	})

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go s.renewLockLoop(renewCtx)
	go s.snapshotLoop(renewCtx)

	engineErrCh := make(chan error, 1)
	go func() {
		engineErrCh <- s.engine.Run(ctx)
	}()

	var engineErr error
	engineAlreadyStopped := false
	select {
	case <-ctx.Done():
	case engineErr = <-engineErrCh:
		engineAlreadyStopped = true
	}

	s.shutdownSeq.Register(PriorityStopEngine, "drain-engine", func(drainCtx context.Context) error {
		if engineAlreadyStopped {
			return nil
		}
		select {
		case err := <-engineErrCh:
			engineErr = err
			return err
		case <-drainCtx.Done():
			return drainCtx.Err()
		}
	})
	s.shutdownSeq.Register(PriorityReleaseLock, "release-lock", func(ctx context.Context) error {
		return s.store.ReleaseLock(ctx, LockName, s.instanceID)
	})
	s.shutdownSeq.Register(PriorityCloseStorePool, "close-store", func(context.Context) error {
		return s.store.Close()
	})

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if shutdownErr := s.shutdownSeq.Run(drainCtx); shutdownErr != nil && engineErr == nil {
		engineErr = shutdownErr
	}
	return engineErr
}

func (s *Supervisor) tryAcquireLock(ctx context.Context) (bool, error) {
	err := s.store.TryAcquireLock(ctx, LockName, s.instanceID, lockTTL)
	if err == nil {
		return true, nil
	}
	if err == store.ErrLockHeld {
		return false, nil
	}
	return false, err
}

func (s *Supervisor) renewLockLoop(ctx context.Context) {
	t := time.NewTicker(lockRenewInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.store.TryAcquireLock(ctx, LockName, s.instanceID, lockTTL); err != nil {
				s.log.Error("failed to renew advisory lock", "err", err)
			}
		}
	}
}

// snapshotLoop polls the engine's rolling height figures into the health
// snapshot on a fixed interval, decoupling /healthz from the engine's own
// poll cadence.
func (s *Supervisor) snapshotLoop(ctx context.Context) {
	t := time.NewTicker(snapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RecordSnapshot(s.engine.ChainHeight(), s.engine.LocalHeight(), s.engine.RPCAlive())
		}
	}
}

// RecordSnapshot updates the rolling chain/local-height figures the
// health probe reports.
func (s *Supervisor) RecordSnapshot(chainHeight uint64, localHeight int64, rpcAlive bool) {
	s.lastChain.Store(chainHeight)
	s.lastLocal.Store(localHeight)
	s.rpcAlive.Store(rpcAlive)
	s.metrics.Uptime.Set(time.Since(s.startedAt).Seconds())
}
