package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestClassify_RecognizesTransientRPCErrors(t *testing.T) {
	cases := []string{
		"429 Too Many Requests",
		"rate limit exceeded",
		"read tcp: connection reset by peer",
		"context deadline exceeded (timeout)",
		"503 Service Unavailable",
	}
	for _, msg := range cases {
		if got := Classify(errors.New(msg)); got != Transient {
			t.Errorf("Classify(%q) = %s, want transient", msg, got)
		}
	}
}

func TestClassify_RecognizesMalformedResponses(t *testing.T) {
	if got := Classify(errors.New("json: cannot unmarshal string into Go value")); got != Malformed {
		t.Fatalf("expected malformed, got %s", got)
	}
}

func TestClassify_DefaultsToPermanent(t *testing.T) {
	if got := Classify(errors.New("invalid block number: must be positive")); got != Permanent {
		t.Fatalf("expected permanent, got %s", got)
	}
}

func TestError_UnwrapsUnderlyingCause(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Kind: Transient, Endpoint: "http://x", Method: "eth_getLogs", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected Error to unwrap to its underlying cause")
	}
}

func topicAddr(a common.Address) common.Hash {
	var h common.Hash
	copy(h[12:], a.Bytes())
	return h
}

func TestDecodeTransfer_ExtractsFromToAndAmount(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := big.NewInt(1_000_000)

	data := make([]byte, 32)
	amount.FillBytes(data)

	l := types.Log{
		Address:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Topics:      []common.Hash{transferEventSignature, topicAddr(from), topicAddr(to)},
		Data:        data,
		BlockNumber: 42,
		Index:       3,
	}

	tl, err := decodeTransfer(l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tl.From != from.Hex() || tl.To != to.Hex() {
		t.Fatalf("unexpected from/to: %s / %s", tl.From, tl.To)
	}
	if tl.Amount.String() != "1000000" {
		t.Fatalf("expected amount 1000000, got %s", tl.Amount.String())
	}
	if tl.BlockNumber != 42 || tl.LogIndex != 3 {
		t.Fatalf("expected block/index 42/3, got %d/%d", tl.BlockNumber, tl.LogIndex)
	}
}

func TestDecodeTransfer_RejectsTooFewTopics(t *testing.T) {
	l := types.Log{Topics: []common.Hash{transferEventSignature}, Data: make([]byte, 32)}
	if _, err := decodeTransfer(l); err == nil {
		t.Fatal("expected an error for a log missing from/to topics")
	}
}

func TestDecodeTransfer_ZeroAmountWhenDataShort(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	l := types.Log{
		Topics: []common.Hash{transferEventSignature, topicAddr(from), topicAddr(to)},
		Data:   nil,
	}
	tl, err := decodeTransfer(l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tl.Amount.IsZero() {
		t.Fatalf("expected zero amount for missing data, got %s", tl.Amount.String())
	}
}
