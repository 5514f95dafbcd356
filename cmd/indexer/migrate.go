package main

import (
	"context"
	"fmt"
	"os"

	"github.com/evm-indexer/indexer/internal/config"
	"github.com/evm-indexer/indexer/internal/store"
)

// runMigrate implements the `indexer migrate` subcommand (SPEC_FULL §9.1):
// applies the GORM model tags as schema once, explicitly, outside the sync
// hot path. It is the only place AutoMigrate is ever called.
func runMigrate(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "indexer migrate: configuration error:", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)
	ctx := context.Background()

	st, err := store.Open(ctx, log, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open store", "err", err)
		return 1
	}
	defer st.Close()

	if err := st.AutoMigrate(); err != nil {
		log.Error("migration failed", "err", err)
		return 1
	}
	log.Info("schema migrated")
	return 0
}
