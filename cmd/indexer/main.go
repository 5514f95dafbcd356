// Command indexer runs the EVM chain block indexer's Sync Engine: it
// discovers the gap between chain head and local state, fetches and
// validates blocks and Transfer logs, handles reorganizations, and
// persists everything to Postgres under a single-writer lock.
package main

import (
	"context"
	"fmt"
	"os"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/evm-indexer/indexer/internal/chain"
	"github.com/evm-indexer/indexer/internal/config"
	"github.com/evm-indexer/indexer/internal/lifecycle"
	"github.com/evm-indexer/indexer/internal/metrics"
	"github.com/evm-indexer/indexer/internal/ratelimit"
	"github.com/evm-indexer/indexer/internal/store"
	"github.com/evm-indexer/indexer/internal/syncer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "migrate" {
		return runMigrate(args[1:])
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "indexer: configuration error:", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)
	log.Info("starting indexer", "instance_id", cfg.InstanceID, "database", config.Redact(cfg.DatabaseURL))

	ctx := context.Background()

	st, err := store.Open(ctx, log, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open store", "err", err)
		return 1
	}

	chainClient, err := chain.Dial(ctx, log, cfg.RPCURLs)
	if err != nil {
		log.Error("failed to dial chain RPC", "err", err)
		return 1
	}

	limiter, err := ratelimit.New(cfg.RateTokens, cfg.RateIntervalMs, cfg.RateBurst)
	if err != nil {
		log.Error("invalid rate limit configuration", "err", err)
		return 1
	}

	m := metrics.New()

	engine, err := syncer.New(syncer.Config{
		BatchSize:            cfg.BatchSize,
		Concurrency:          cfg.Concurrency,
		ConfirmationDepth:    cfg.ConfirmDepth,
		PollInterval:         cfg.PollInterval,
		MaxRetries:           cfg.MaxRetries,
		TokenContract:        cfg.TokenContract,
		StartBlock:           cfg.StartBlock,
		DryRun:               cfg.DryRun,
	}, log, chainClient, st, limiter, m)
	if err != nil {
		log.Error("failed to construct sync engine", "err", err)
		return 1
	}

	healthAddr := fmt.Sprintf(":%d", cfg.HealthPort)
	supervisor := lifecycle.New(log, st, chainClient, engine, cfg.InstanceID, m, healthAddr)

	if err := supervisor.Run(ctx); err != nil {
		log.Error("indexer exited with fatal error", "err", err)
		return 1
	}
	log.Info("indexer shut down cleanly")
	return 0
}

func newLogger(level string) gethlog.Logger {
	var lvl gethlog.Lvl
	switch level {
	case "trace":
		lvl = gethlog.LvlTrace
	case "debug":
		lvl = gethlog.LvlDebug
	case "warn":
		lvl = gethlog.LvlWarn
	case "error":
		lvl = gethlog.LvlError
	case "fatal", "crit":
		lvl = gethlog.LvlCrit
	default:
		lvl = gethlog.LvlInfo
	}
	handler := gethlog.LvlFilterHandler(lvl, gethlog.StreamHandler(os.Stdout, gethlog.TerminalFormat(false)))
	log := gethlog.New()
	log.SetHandler(handler)
	return log
}
