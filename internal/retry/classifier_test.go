package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/evm-indexer/indexer/internal/chain"
)

func TestClassify_ChainTransientRetries(t *testing.T) {
	err := &chain.Error{Kind: chain.Transient, Endpoint: "x", Method: "eth_getBlockByNumber", Err: errors.New("timeout")}
	c := Classify(err)
	if c.Class != ClassRPC || c.Action != ActionRetry {
		t.Fatalf("expected rpc/retry, got %+v", c)
	}
}

func TestClassify_ChainMalformedSkips(t *testing.T) {
	err := &chain.Error{Kind: chain.Malformed, Endpoint: "x", Method: "eth_getLogs", Err: errors.New("bad topic count")}
	c := Classify(err)
	if c.Class != ClassValidation || c.Action != ActionSkip {
		t.Fatalf("expected validation/skip, got %+v", c)
	}
}

func TestClassify_ChainPermanentAborts(t *testing.T) {
	err := &chain.Error{Kind: chain.Permanent, Endpoint: "x", Method: "eth_getBlockByNumber", Err: errors.New("bad request")}
	c := Classify(err)
	if c.Class != ClassCritical || c.Action != ActionAbort {
		t.Fatalf("expected critical/abort, got %+v", c)
	}
}

func TestClassify_GenericNetworkErrorRetries(t *testing.T) {
	c := Classify(errors.New("dial tcp: connection reset by peer"))
	if c.Class != ClassNetwork || c.Action != ActionRetry {
		t.Fatalf("expected network/retry, got %+v", c)
	}
}

func TestPolicy_DoRetriesTransientThenSucceeds(t *testing.T) {
	p := NewPolicy(5)
	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &chain.Error{Kind: chain.Transient, Method: "x", Err: errors.New("429")}
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestPolicy_DoDoesNotRetryPermanent(t *testing.T) {
	p := NewPolicy(5)
	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return &chain.Error{Kind: chain.Permanent, Method: "x", Err: errors.New("bad request")}
	}, nil)
	if err == nil {
		t.Fatal("expected error to surface")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent failure, got %d", attempts)
	}
}

func TestPolicy_DoGivesUpAfterMaxRetries(t *testing.T) {
	p := NewPolicy(2)
	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return &chain.Error{Kind: chain.Transient, Method: "x", Err: errors.New("timeout")}
	}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 { // initial attempt + 2 retries
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
