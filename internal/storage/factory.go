package storage

import (
	"etl-engine/internal/common/errors"
	"etl-engine/internal/config"
	"etl-engine/internal/storage/postgres"
	"etl-engine/internal/storage/sqlite"
	"etl-engine/internal/storage/sqlstore"
)

var _ Storage = (*sqlstore.Store)(nil)

// New opens the storage backend selected by the configuration.
func New(cfg *config.Config) (Storage, error) {
	switch cfg.DatabaseType {
	case "sqlite":
		return sqlite.New(cfg.DatabasePath)
	case "postgres", "postgresql":
		return postgres.New(cfg.PostgresDSN())
	default:
		return nil, errors.ConfigError("unsupported database type: " + cfg.DatabaseType)
	}
}
