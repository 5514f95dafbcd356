package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evm-indexer/indexer/internal/chain"
)

func validBlock(n uint64) chain.Block {
	return chain.Block{
		Number:     n,
		Hash:       "0x" + strings.Repeat("a", 64),
		ParentHash: "0x" + strings.Repeat("b", 64),
		Timestamp:  uint64(time.Now().Unix()),
	}
}

func TestBlock_NormalizesHexToLowercase(t *testing.T) {
	b := validBlock(1)
	b.Hash = "0X" + strings.Repeat("A", 64)
	vb, err := Block(b, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vb.Hash != strings.ToLower(b.Hash) {
		t.Fatalf("expected lowercase hash, got %s", vb.Hash)
	}
}

func TestBlock_RejectsMalformedHash(t *testing.T) {
	b := validBlock(1)
	b.Hash = "0xnothex"
	if _, err := Block(b, time.Now()); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}

func TestBlock_GenesisAllowsEmptyParent(t *testing.T) {
	b := chain.Block{Number: 0, Hash: "0x" + strings.Repeat("1", 64), Timestamp: uint64(time.Now().Unix())}
	if _, err := Block(b, time.Now()); err != nil {
		t.Fatalf("unexpected error for genesis block: %v", err)
	}
}

func TestBlock_RejectsFutureTimestamp(t *testing.T) {
	b := validBlock(1)
	b.Timestamp = uint64(time.Now().Add(48 * time.Hour).Unix())
	if _, err := Block(b, time.Now()); err == nil {
		t.Fatal("expected error for timestamp too far in the future")
	}
}

func validLog() chain.Log {
	return chain.Log{
		BlockNumber:     1,
		TransactionHash: "0x" + strings.Repeat("c", 64),
		LogIndex:        0,
		From:            "0x" + strings.Repeat("1", 40),
		To:              "0x" + strings.Repeat("2", 40),
		TokenAddress:    "0x" + strings.Repeat("3", 40),
		Amount:          decimal.NewFromInt(100),
	}
}

func TestLog_RejectsMalformedAddress(t *testing.T) {
	l := validLog()
	l.From = "not-an-address"
	if _, err := Log(l); err == nil {
		t.Fatal("expected error for malformed from address")
	}
}

func TestLog_RejectsNegativeAmount(t *testing.T) {
	l := validLog()
	l.Amount = decimal.NewFromInt(-1)
	if _, err := Log(l); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestLog_PreservesDustAmount(t *testing.T) {
	l := validLog()
	l.Amount = decimal.NewFromInt(1)
	vl, err := Log(l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vl.Amount.String() != "1" {
		t.Fatalf("expected dust amount preserved, got %s", vl.Amount.String())
	}
}

func TestLog_PreservesZeroAmountIfProvided(t *testing.T) {
	l := validLog()
	l.Amount = decimal.Zero
	vl, err := Log(l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !vl.Amount.IsZero() {
		t.Fatal("expected zero amount to be preserved")
	}
}

func TestAmount_RoundTripsMaxUint256(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = 0xff
	}
	d, err := Amount(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	if d.String() != want {
		t.Fatalf("expected exact 2^256-1 round trip, got %s", d.String())
	}
}

func TestBatch_FailsAllOnSingleInvalidBlock(t *testing.T) {
	good := validBlock(1)
	bad := validBlock(2)
	bad.Hash = "bad"
	_, err := Batch([]chain.Block{good, bad}, nil, time.Now())
	if err == nil {
		t.Fatal("expected all-or-nothing batch failure")
	}
}
