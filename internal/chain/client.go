// Package chain implements the Chain Client capability (spec §4.1): reading
// block headers, blocks, logs and the chain head height from one or more
// RPC endpoints, round-robining between them on failure. The client is
// stateless from the caller's perspective — every call is retried
// independently by the caller (internal/retry), not by this package.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

// transferEventSignature is the canonical Transfer(address,address,uint256)
// event; a trailing uint256 timestamp is tolerated per the glossary.
var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Client is the capability set the Sync Engine depends on. Implementations
// must be safe for concurrent use; RPCClient below is the production
// implementation, backed by one or more JSON-RPC endpoints.
type Client interface {
	HeadHeight(ctx context.Context) (uint64, error)
	BlockAt(ctx context.Context, height uint64) (Block, error)
	BlocksInRange(ctx context.Context, lo, hi uint64) ([]Block, error)
	LogsInRange(ctx context.Context, lo, hi uint64, filter LogFilter) ([]Log, error)
}

// endpoint pairs a dialed client with its URL for error reporting.
type endpoint struct {
	url    string
	client *ethclient.Client
}

// RPCClient round-robins across a pool of endpoints, advancing past a
// failed one so repeated calls don't hammer a downed provider.
type RPCClient struct {
	log       gethlog.Logger
	endpoints []endpoint
	next      atomic.Uint64
}

// Dial connects to every URL eagerly; a single bad endpoint fails Dial,
// matching "any missing or malformed required value aborts startup".
func Dial(ctx context.Context, log gethlog.Logger, urls []string) (*RPCClient, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("chain: no RPC endpoints configured")
	}
	eps := make([]endpoint, 0, len(urls))
	for _, u := range urls {
		c, err := ethclient.DialContext(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("chain: dialing %s: %w", u, err)
		}
		eps = append(eps, endpoint{url: u, client: c})
	}
	return &RPCClient{log: log, endpoints: eps}, nil
}

// pick returns the next endpoint in round-robin order.
func (c *RPCClient) pick() endpoint {
	n := c.next.Add(1) - 1
	return c.endpoints[n%uint64(len(c.endpoints))]
}

func (c *RPCClient) HeadHeight(ctx context.Context) (uint64, error) {
	ep := c.pick()
	h, err := ep.client.BlockNumber(ctx)
	if err != nil {
		return 0, &Error{Kind: Classify(err), Endpoint: ep.url, Method: "eth_blockNumber", Err: err}
	}
	return h, nil
}

func (c *RPCClient) BlockAt(ctx context.Context, height uint64) (Block, error) {
	ep := c.pick()
	b, err := ep.client.BlockByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return Block{}, &Error{Kind: Classify(err), Endpoint: ep.url, Method: "eth_getBlockByNumber", Err: err}
	}
	return blockFromHeader(b), nil
}

func (c *RPCClient) BlocksInRange(ctx context.Context, lo, hi uint64) ([]Block, error) {
	if hi < lo {
		return nil, nil
	}
	out := make([]Block, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		b, err := c.BlockAt(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// logsPageSize bounds a single eth_getLogs call, avoiding provider
// log-count/range limits (spec §4.7.3).
const logsPageSize = 100

func (c *RPCClient) LogsInRange(ctx context.Context, lo, hi uint64, filter LogFilter) ([]Log, error) {
	if hi < lo {
		return nil, nil
	}
	if filter.Address == "" {
		return nil, nil
	}
	var out []Log
	for pageLo := lo; pageLo <= hi; pageLo += logsPageSize {
		pageHi := pageLo + logsPageSize - 1
		if pageHi > hi {
			pageHi = hi
		}
		page, err := c.logsPage(ctx, pageLo, pageHi, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

func (c *RPCClient) logsPage(ctx context.Context, lo, hi uint64, filter LogFilter) ([]Log, error) {
	ep := c.pick()
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(lo),
		ToBlock:   new(big.Int).SetUint64(hi),
		Addresses: []common.Address{common.HexToAddress(filter.Address)},
		Topics:    [][]common.Hash{{transferEventSignature}},
	}
	raw, err := ep.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, &Error{Kind: Classify(err), Endpoint: ep.url, Method: "eth_getLogs", Err: err}
	}
	out := make([]Log, 0, len(raw))
	for _, l := range raw {
		tl, err := decodeTransfer(l)
		if err != nil {
			return nil, &Error{Kind: Malformed, Endpoint: ep.url, Method: "eth_getLogs", Err: err}
		}
		out = append(out, tl)
	}
	return out, nil
}

func decodeTransfer(l types.Log) (Log, error) {
	if len(l.Topics) < 3 {
		return Log{}, fmt.Errorf("transfer log at block %d index %d has %d topics, want >= 3", l.BlockNumber, l.Index, len(l.Topics))
	}
	var amount *big.Int
	if len(l.Data) >= 32 {
		amount = new(big.Int).SetBytes(l.Data[:32])
	} else {
		amount = new(big.Int)
	}

	return Log{
		BlockNumber:     l.BlockNumber,
		TransactionHash: l.TxHash.Hex(),
		LogIndex:        uint64(l.Index),
		From:            common.HexToAddress(l.Topics[1].Hex()).Hex(),
		To:              common.HexToAddress(l.Topics[2].Hex()).Hex(),
		Amount:          decimal.NewFromBigInt(amount, 0),
		TokenAddress:    l.Address.Hex(),
	}, nil
}

func blockFromHeader(b *types.Block) Block {
	return Block{
		Number:     b.NumberU64(),
		Hash:       b.Hash().Hex(),
		ParentHash: b.ParentHash().Hex(),
		Timestamp:  b.Time(),
	}
}
