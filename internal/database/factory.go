package database

import (
	"fmt"
	"os"
	"path/filepath"

	"zrbackup/internal/config"
)

// NewDatabaseFromConfig creates the metadata database for an account based
// on the database config type. The returned database is migrated.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, accountID string) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if accountID == "" {
			return nil, fmt.Errorf("account id required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, accountID+".db"))
	case "memory":
		return NewSQLiteDatabase(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
