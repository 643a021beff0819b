package core

import (
	"context"
	"fmt"
	"os"

	"trackcore/internal/infra/persistence/memory"
	"trackcore/internal/infra/persistence/postgres"
	"trackcore/internal/infra/persistence/sqlite"
	"trackcore/pkg/domain"
)

// StorageDriver identifies a run catalog backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// CatalogOptions selects and configures a run catalog backend.
type CatalogOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// CatalogOptionsFromEnv reads the catalog settings from the environment.
// The driver defaults to sqlite when unset.
//
//	TRACKCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	TRACKCORE_SQLITE_PATH: path to sqlite file (default ./trackcore.db)
//	TRACKCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func CatalogOptionsFromEnv() CatalogOptions {
	driver := os.Getenv("TRACKCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	return CatalogOptions{
		Driver:      StorageDriver(driver),
		SQLitePath:  os.Getenv("TRACKCORE_SQLITE_PATH"),
		PostgresDSN: os.Getenv("TRACKCORE_POSTGRES_DSN"),
	}
}

// OpenRunCatalog opens the configured backend.
func OpenRunCatalog(ctx context.Context, opts CatalogOptions) (domain.RunCatalog, error) {
	switch opts.Driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite, "":
		s, err := sqlite.NewStore(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoragePostgres:
		s, err := postgres.NewStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", opts.Driver)
	}
}
