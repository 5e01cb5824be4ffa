package database

import (
	"fmt"
	"os"
	"path/filepath"

	"fsy-go/internal/config"
	"fsy-go/internal/fsy"
)

// NewStateStoreFromConfig creates a StateStore based on the database config type.
// Each node gets its own file, named after its node id.
func NewStateStoreFromConfig(cfg config.DatabaseConfig, nodeID fsy.NodeID) (fsy.StateStore, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, string(nodeID)+".db"))
	case "memory":
		return NewSQLiteStore(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
