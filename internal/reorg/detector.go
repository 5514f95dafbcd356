// Package reorg implements the Reorg Detector (C6): given a candidate
// block whose claimed parent hash doesn't match the locally recorded
// parent, walk backward to find the common ancestor, bounded so a
// corrupted or pathological chain fails fast instead of looping forever.
package reorg

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/evm-indexer/indexer/internal/chain"
)

// MaxWalk bounds the backward walk (spec §4.6).
const MaxWalk = 1000

// cacheSize bounds the parent-lookup cache and the visited-hash set.
const cacheSize = 100

// ErrNoCommonAncestor is fatal: the walk exhausted MaxWalk iterations
// without finding a height where the stored hash matches.
var ErrNoCommonAncestor = errors.New("reorg: no common ancestor found within bound")

// ErrCycleDetected is fatal: the walk revisited a hash, which spec §4.6
// treats as a data-corruption fault.
var ErrCycleDetected = errors.New("reorg: cycle detected while walking for common ancestor")

// ErrExtremeReorg is fatal: depth arithmetic could not be narrowed to a
// native integer (spec §4.6: "only narrowed when provably <= 2^53-1").
var ErrExtremeReorg = errors.New("reorg: extreme reorg depth")

// BlockLookup is the minimal store capability the detector needs: lookup
// by height and by hash. internal/store.Store satisfies this.
type BlockLookup interface {
	FindByHeight(ctx context.Context, n uint64) (*chain.Block, error)
	FindByHash(ctx context.Context, hash string) (*chain.Block, error)
}

// Result is the outcome of Detect.
type Result struct {
	// Reorg is true if the candidate's parent hash diverged from local
	// state and a common ancestor had to be located.
	Reorg bool
	// CommonAncestor is the height to roll back to (delete_after target)
	// when Reorg is true.
	CommonAncestor uint64
}

// Detector runs the ancestor walk of spec §4.6 against a BlockLookup,
// using bounded caches to avoid N+1 store calls during the walk.
type Detector struct {
	store BlockLookup

	parentCache *lru.Cache[string, *chain.Block] // hash -> block at that hash
	visited     *lru.Cache[string, struct{}]
}

// New constructs a Detector backed by store.
func New(store BlockLookup) (*Detector, error) {
	parentCache, err := lru.New[string, *chain.Block](cacheSize)
	if err != nil {
		return nil, err
	}
	visited, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Detector{store: store, parentCache: parentCache, visited: visited}, nil
}

// Detect implements spec §4.6 steps 1-4 for a candidate block B, using
// B's own ParentHash as the claimed parent and looking local state up
// through the store.
func (d *Detector) Detect(ctx context.Context, candidate chain.Block) (Result, error) {
	if candidate.Number == 0 {
		return Result{}, nil // step 1: genesis always accepted
	}

	d.visited.Purge()

	if parent := d.lookupByHash(ctx, candidate.ParentHash); parent != nil {
		if err := d.cacheErr(ctx); err != nil {
			return Result{}, err
		}
		return Result{}, nil // step 2: parent found by hash, no reorg
	}
	if err := d.cacheErr(ctx); err != nil {
		return Result{}, err
	}

	stored, err := d.store.FindByHeight(ctx, candidate.Number)
	if err != nil {
		return Result{}, err
	}
	if stored == nil {
		return Result{}, nil // step 3: initial-sync gap, accept tentatively
	}

	// step 4: height collides with a different hash than our parent
	// claims; walk backward from the candidate's claimed parent.
	return d.walk(ctx, candidate)
}

func (d *Detector) walk(ctx context.Context, candidate chain.Block) (Result, error) {
	currentHeight := candidate.Number - 1
	currentHash := candidate.ParentHash

	for i := 0; i < MaxWalk; i++ {
		if _, seen := d.visited.Peek(currentHash); seen {
			return Result{}, ErrCycleDetected
		}
		d.visited.Add(currentHash, struct{}{})

		stored, err := d.store.FindByHeight(ctx, currentHeight)
		if err != nil {
			return Result{}, err
		}
		if stored != nil && stored.Hash == currentHash {
			return Result{Reorg: true, CommonAncestor: currentHeight}, nil
		}

		parent := d.lookupByHash(ctx, currentHash)
		if parent == nil {
			return Result{}, fmt.Errorf("%w: hash %s not found while walking", ErrNoCommonAncestor, currentHash)
		}
		if currentHeight == 0 {
			return Result{}, ErrNoCommonAncestor
		}
		currentHeight--
		currentHash = parent.ParentHash
	}
	return Result{}, ErrNoCommonAncestor
}

func (d *Detector) lookupByHash(ctx context.Context, hash string) *chain.Block {
	if hash == "" {
		return nil
	}
	if cached, ok := d.parentCache.Peek(hash); ok {
		return cached
	}
	b, err := d.store.FindByHash(ctx, hash)
	if err != nil || b == nil {
		d.parentCache.Add(hash, nil)
		return nil
	}
	d.parentCache.Add(hash, b)
	return b
}

// cacheErr surfaces a context cancellation observed mid-lookup; lookupByHash
// swallows store errors into a cache miss by design (spec treats a failed
// parent lookup as "not found"), but shutdown must still propagate.
func (d *Detector) cacheErr(ctx context.Context) error {
	return ctx.Err()
}
