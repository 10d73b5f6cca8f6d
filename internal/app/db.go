package app

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// openLedgerDB connects to the ledger store's backing database: Postgres in
// production, SQLite for local/dev and tests, selected by cfg.LedgerDriver
// (mirrors the teacher's dual-driver GORM setup, scaled down from its
// internal/data/db package to the one table the ledger needs).
func openLedgerDB(cfg Config) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LedgerDriver)) {
	case "postgres", "postgresql":
		db, err := gorm.Open(postgres.Open(cfg.LedgerDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger db: %w", err)
		}
		return db, nil
	case "sqlite", "":
		db, err := gorm.Open(sqlite.Open(cfg.LedgerDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger db: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
}
