// Package validate implements the Validator (C5): pure, I/O-free checks
// that decoded chain payloads satisfy the schema and invariants in spec
// §3 and §4.5 before anything is ever written to the store.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/evm-indexer/indexer/internal/chain"
)

var (
	hashPattern    = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

// maxFutureSkew bounds I-B4: timestamp <= now + 86400s.
const maxFutureSkew = 86400 * time.Second

// Error is the ValidationError sentinel: never retried (spec §4.3), always
// surfaced, and never silently swallowed.
type Error struct {
	Field   string
	Value   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation: field %q value %q: %s", e.Field, e.Value, e.Message)
}

// IsValidationError satisfies internal/retry.ValidationError without retry
// importing this package (avoids a dependency cycle).
func (e *Error) IsValidationError() {}

// ValidatedBlock is a Block that has passed every schema/invariant check
// and has its hex fields normalized to lowercase.
type ValidatedBlock struct {
	chain.Block
	Logs []chain.Log
}

// Block validates a single chain.Block against I-B3/I-B4. It does not
// check I-B1/I-B2 (uniqueness/linkage), which require store state and are
// enforced by the Block Store (internal/store) and the Sync Engine's
// continuity check.
func Block(b chain.Block, now time.Time) (ValidatedBlock, error) {
	hash := strings.ToLower(b.Hash)
	parent := strings.ToLower(b.ParentHash)

	if !hashPattern.MatchString(hash) {
		return ValidatedBlock{}, &Error{Field: "hash", Value: b.Hash, Message: "must match ^0x[0-9a-f]{64}$"}
	}
	if b.Number > 0 && !hashPattern.MatchString(parent) {
		return ValidatedBlock{}, &Error{Field: "parent_hash", Value: b.ParentHash, Message: "must match ^0x[0-9a-f]{64}$"}
	}
	limit := uint64(now.Add(maxFutureSkew).Unix())
	if b.Timestamp > limit {
		return ValidatedBlock{}, &Error{Field: "timestamp", Value: fmt.Sprint(b.Timestamp), Message: "exceeds now + 86400s"}
	}

	b.Hash = hash
	b.ParentHash = parent
	return ValidatedBlock{Block: b}, nil
}

// Log validates a single Transfer log against I-T3/I-T4 and normalizes its
// address fields to lowercase.
func Log(l chain.Log) (chain.Log, error) {
	l.From = strings.ToLower(l.From)
	l.To = strings.ToLower(l.To)
	l.TokenAddress = strings.ToLower(l.TokenAddress)

	if !addressPattern.MatchString(l.From) {
		return chain.Log{}, &Error{Field: "from_address", Value: l.From, Message: "must match ^0x[0-9a-f]{40}$"}
	}
	if !addressPattern.MatchString(l.To) {
		return chain.Log{}, &Error{Field: "to_address", Value: l.To, Message: "must match ^0x[0-9a-f]{40}$"}
	}
	if !addressPattern.MatchString(l.TokenAddress) {
		return chain.Log{}, &Error{Field: "token_address", Value: l.TokenAddress, Message: "must match ^0x[0-9a-f]{40}$"}
	}
	if l.Amount.IsNegative() {
		return chain.Log{}, &Error{Field: "amount", Value: l.Amount.String(), Message: "must be non-negative"}
	}
	if l.Amount.Exponent() != 0 {
		return chain.Log{}, &Error{Field: "amount", Value: l.Amount.String(), Message: "must be an integer, no fractional component"}
	}
	if len(l.Amount.Coefficient().String()) > 78 {
		return chain.Log{}, &Error{Field: "amount", Value: l.Amount.String(), Message: "exceeds 78 significant digits"}
	}
	return l, nil
}

// Amount converts a raw big-endian 256-bit integer (as returned by the
// chain client for log data) into a decimal.Decimal without precision
// loss, failing loudly if the value can't be represented in the uint256
// range at all (spec §9: "any conversion that loses precision fails
// loudly with context").
func Amount(raw []byte) (decimal.Decimal, error) {
	if len(raw) > 32 {
		return decimal.Decimal{}, &Error{Field: "amount", Value: fmt.Sprintf("%d bytes", len(raw)), Message: "exceeds 256 bits"}
	}
	u := new(uint256.Int).SetBytes(raw)
	return decimal.NewFromBigInt(u.ToBig(), 0), nil
}

// Batch validates every block and log in a batch; the first failure fails
// the whole batch (spec §4.5: "all-or-nothing").
func Batch(blocks []chain.Block, logs []chain.Log, now time.Time) ([]ValidatedBlock, error) {
	validated := make([]ValidatedBlock, 0, len(blocks))
	logsByBlock := make(map[uint64][]chain.Log, len(logs))
	for _, l := range logs {
		vl, err := Log(l)
		if err != nil {
			return nil, err
		}
		logsByBlock[vl.BlockNumber] = append(logsByBlock[vl.BlockNumber], vl)
	}
	for _, b := range blocks {
		vb, err := Block(b, now)
		if err != nil {
			return nil, err
		}
		vb.Logs = logsByBlock[vb.Number]
		validated = append(validated, vb)
	}
	return validated, nil
}
