// Command migrate-json-to-postgres copies artists and tracks from a JSON
// store file into a Postgres database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"musive/internal/provision"
	"musive/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/musive.json", "path to the JSON store to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	pgService := flag.String("pg-service", "", "libpq service name to connect with instead of a DSN")
	pgServiceFile := flag.String("pg-service-file", "", "path to the libpq service file")
	pgPassfile := flag.String("pg-passfile", "", "path to a .pgpass file")
	sslMode := flag.String("sslmode", "prefer", "sslmode used with -pg-service")
	timeout := flag.Duration("timeout", 5*time.Minute, "deadline for the whole migration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn, err := resolveDSN(*postgresDSN, *pgService, firstNonEmpty(*pgServiceFile, os.Getenv("PGSERVICEFILE")), firstNonEmpty(*pgPassfile, os.Getenv("PGPASSFILE")), *sslMode)
	if err != nil {
		logger.Error("postgres connection required", "error", err, "hint", "set -postgres-dsn, -pg-service, MUSIVE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "artists", counts.Artists, "tracks", counts.Tracks)

	repo, err := storage.NewPostgresRepository(dsn, storage.WithPostgresApplicationName("musive-migrate"))
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = repo.Close(context.Background())
	}()

	report, err := repo.EnsureSchema(ctx)
	if err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	logger.Info("schema ready", "created", report.Created, "existing", report.Existing)

	result, err := storage.ImportSnapshotToPostgres(ctx, repo, snapshot)
	if err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, dsn, counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed",
		"artists_inserted", result.ArtistsInserted,
		"artists_skipped", result.ArtistsSkipped,
		"tracks_inserted", result.TracksInserted,
		"tracks_skipped", result.TracksSkipped,
	)
}

func resolveDSN(flagDSN, service, serviceFile, passFile, sslMode string) (string, error) {
	if dsn := firstNonEmpty(flagDSN, os.Getenv("MUSIVE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")); dsn != "" {
		return dsn, nil
	}
	if strings.TrimSpace(service) == "" {
		return "", fmt.Errorf("no DSN or service given")
	}
	cfg, err := provision.LoadServiceProfile(serviceFile, service, passFile)
	if err != nil {
		return "", err
	}
	return cfg.DSN("", sslMode), nil
}

// verifyCounts checks that every snapshot record is present. Existing rows are
// skipped on import, so the tables may hold more than the snapshot.
func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"artists", "SELECT COUNT(*) FROM artists", counts.Artists},
		{"tracks", "SELECT COUNT(*) FROM tracks", counts.Tracks},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
