package provision

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"musive/internal/apperr"
	"musive/internal/storage"
)

// Backend opens repositories for a connection config.
type Backend interface {
	Name() string
	// Open returns a reachable repository. Implementations return an error
	// satisfying isMissingDatabase when the database does not exist.
	Open(ctx context.Context, cfg ConnectionConfig) (storage.Repository, error)
	// CreateDatabase creates cfg.DBName.
	CreateDatabase(ctx context.Context, cfg ConnectionConfig) error
}

// PostgresBackend provisions Postgres databases with pgx pools.
type PostgresBackend struct {
	SSLMode string
	// MaintenanceDB is the database used to issue CREATE DATABASE.
	MaintenanceDB string
	Options       []storage.Option
}

func (PostgresBackend) Name() string { return "postgres" }

func (b PostgresBackend) Open(ctx context.Context, cfg ConnectionConfig) (storage.Repository, error) {
	repo, err := storage.NewPostgresRepository(cfg.DSN("", b.sslMode()), b.Options...)
	if err != nil {
		return nil, err
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close(context.Background())
		return nil, err
	}
	return repo, nil
}

func (b PostgresBackend) CreateDatabase(ctx context.Context, cfg ConnectionConfig) error {
	maintenance := strings.TrimSpace(b.MaintenanceDB)
	if maintenance == "" {
		maintenance = "postgres"
	}
	return storage.CreateDatabase(ctx, cfg.DSN(maintenance, b.sslMode()), cfg.DBName)
}

func (b PostgresBackend) sslMode() string {
	if mode := strings.TrimSpace(b.SSLMode); mode != "" {
		return mode
	}
	return "prefer"
}

// JSONBackend keeps one JSON file per database name under Dir. Credentials
// are validated for shape only.
type JSONBackend struct {
	Dir     string
	Options []storage.Option
}

func (JSONBackend) Name() string { return "json" }

func (b JSONBackend) Open(ctx context.Context, cfg ConnectionConfig) (storage.Repository, error) {
	name := strings.TrimSpace(cfg.DBName)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, apperr.Validation("db_name", "db_name must be a plain name")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := storage.NewStorage(filepath.Join(b.Dir, name+".json"), b.Options...)
	if err != nil {
		return nil, fmt.Errorf("open json store: %w", err)
	}
	return store, nil
}

func (JSONBackend) CreateDatabase(context.Context, ConnectionConfig) error {
	return nil
}
