package chain

import "github.com/shopspring/decimal"

// Block is the subset of chain block data the indexer persists. Hashes are
// normalized lowercase 0x-hex, matching invariant I-B3.
type Block struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
	ChainID    uint64
}

// Log is a decoded Transfer(address,address,uint256[,uint256]) event, the
// only event shape this system interprets (spec §1 Non-goals).
type Log struct {
	BlockNumber     uint64
	TransactionHash string
	LogIndex        uint64
	From            string
	To              string
	Amount          decimal.Decimal
	TokenAddress    string
}

// LogFilter narrows logs_in_range to a single address, matching the
// {from, to, address?, topic0?} filter shape in spec §6. RPCClient ignores
// Topic0 and always filters on the Transfer event signature; an empty
// Address yields no logs.
type LogFilter struct {
	Address string
	Topic0  string
}
