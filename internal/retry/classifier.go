// Package retry classifies failures into the taxonomy from spec §4.3/§7 and
// drives exponential-backoff retries for the classes that warrant it, using
// cenkalti/backoff/v4 the way the wider op-stack-adjacent ecosystem already
// does for RPC retries.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/evm-indexer/indexer/internal/chain"
)

// Class is the five-way failure taxonomy from spec §4.3.
type Class int

const (
	ClassNetwork Class = iota
	ClassRPC
	ClassValidation
	ClassDatabase
	ClassCritical
)

func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassRPC:
		return "rpc"
	case ClassValidation:
		return "validation"
	case ClassDatabase:
		return "database"
	default:
		return "critical"
	}
}

// Action is the recovery action a classification maps to.
type Action int

const (
	ActionRetry Action = iota
	ActionSkip
	ActionAbort
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	case ActionAbort:
		return "abort"
	default:
		return "shutdown"
	}
}

// Classification is the result of classifying a single error.
type Classification struct {
	Class  Class
	Action Action
}

// retryableDBCodes are Postgres SQLSTATE classes considered transient:
// connection failures and deadlocks, not constraint or syntax errors.
var retryableDBCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
}

// ValidationError is the sentinel the validate package returns; retry
// imports the marker interface, not the concrete type, to avoid a cyclic
// dependency between internal/validate and internal/retry.
type ValidationError interface {
	error
	IsValidationError()
}

// Classify inspects err and assigns it a Class and recovery Action.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: ClassCritical, Action: ActionAbort}
	}

	var vErr ValidationError
	if errors.As(err, &vErr) {
		return Classification{Class: ClassValidation, Action: ActionSkip}
	}

	var chainErr *chain.Error
	if errors.As(err, &chainErr) {
		switch chainErr.Kind {
		case chain.Transient:
			return Classification{Class: ClassRPC, Action: ActionRetry}
		case chain.Malformed:
			return Classification{Class: ClassValidation, Action: ActionSkip}
		default:
			return Classification{Class: ClassCritical, Action: ActionAbort}
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if retryableDBCodes[pgErr.Code] {
			return Classification{Class: ClassDatabase, Action: ActionRetry}
		}
		return Classification{Class: ClassDatabase, Action: ActionShutdown}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return Classification{Class: ClassNetwork, Action: ActionRetry}
	default:
		return Classification{Class: ClassCritical, Action: ActionAbort}
	}
}

// Policy drives a bounded exponential backoff (base 100ms, cap 5s) for
// operations whose Classify result says ActionRetry. Non-retryable errors
// are returned immediately on first occurrence.
type Policy struct {
	MaxRetries int
}

// NewPolicy builds a retry policy bounded to maxRetries retries after the
// first attempt.
func NewPolicy(maxRetries int) *Policy {
	return &Policy{MaxRetries: maxRetries}
}

func (p *Policy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Do runs fn, retrying while Classify(err).Action == ActionRetry, up to
// MaxRetries retries after the first attempt. It never starts a retry once
// ctx is done (spec §5: "Retries honour the shutdown signal"). onRetry, if
// non-nil, is invoked after each retryable failure for observability
// (attempt count, classification), including the last one when no retry
// follows.
func (p *Policy) Do(ctx context.Context, fn func() error, onRetry func(attempt int, c Classification)) error {
	attempt := 0
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		c := Classify(err)
		if c.Action != ActionRetry {
			return backoff.Permanent(err)
		}
		attempt++
		if onRetry != nil {
			onRetry(attempt, c)
		}
		return err
	}
	return backoff.Retry(operation, p.backoff(ctx))
}
