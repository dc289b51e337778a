package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

type schemaObject struct {
	name     string
	relation string
	ddl      string
}

// schemaObjects are applied in order. Each statement is idempotent.
var schemaObjects = []schemaObject{
	{
		name:     "table:artists",
		relation: "public.artists",
		ddl: `CREATE TABLE IF NOT EXISTS artists (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	display_name TEXT NOT NULL,
	avatar JSONB NOT NULL DEFAULT '{}'::jsonb,
	gender TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT artists_username_key UNIQUE (username)
)`,
	},
	{
		name:     "table:tracks",
		relation: "public.tracks",
		ddl: `CREATE TABLE IF NOT EXISTS tracks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	track_name TEXT NOT NULL,
	duration BIGINT NOT NULL CHECK (duration >= 0),
	download_url TEXT NOT NULL,
	src TEXT NOT NULL,
	cover_image JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT tracks_track_name_key UNIQUE (track_name)
)`,
	},
	{
		name:     "index:tracks_user_id_idx",
		relation: "public.tracks_user_id_idx",
		ddl:      `CREATE INDEX IF NOT EXISTS tracks_user_id_idx ON tracks (user_id)`,
	},
}

// schemaLockKey serializes concurrent EnsureSchema calls across processes.
const schemaLockKey = 7_311_042

// EnsureSchema creates the artists and tracks tables when missing and reports
// which objects were created.
func (r *postgresRepository) EnsureSchema(ctx context.Context) (SchemaReport, error) {
	if r == nil || r.pool == nil {
		return SchemaReport{}, ErrPostgresUnavailable
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SchemaReport{}, translatePostgresError(err, "", nil)
	}
	defer rollbackTx(ctx, tx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(schemaLockKey)); err != nil {
		return SchemaReport{}, fmt.Errorf("acquire schema lock: %w", err)
	}

	var report SchemaReport
	for _, object := range schemaObjects {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, object.relation).Scan(&exists); err != nil {
			return SchemaReport{}, fmt.Errorf("inspect %s: %w", object.name, err)
		}
		if exists {
			report.Existing = append(report.Existing, object.name)
			continue
		}
		if _, err := tx.Exec(ctx, object.ddl); err != nil {
			return SchemaReport{}, fmt.Errorf("create %s: %w", object.name, err)
		}
		report.Created = append(report.Created, object.name)
	}

	if err := tx.Commit(ctx); err != nil {
		return SchemaReport{}, fmt.Errorf("commit schema: %w", err)
	}
	return report, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

// CreateDatabase issues CREATE DATABASE name over a connection to the
// maintenance database described by maintenanceDSN.
func CreateDatabase(ctx context.Context, maintenanceDSN, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("database name required")
	}
	conn, err := pgx.Connect(ctx, maintenanceDSN)
	if err != nil {
		return fmt.Errorf("connect maintenance database: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}
