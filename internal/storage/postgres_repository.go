package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"musive/internal/models"
)

// ErrPostgresUnavailable is returned when the pool has been closed or was
// never opened.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

const (
	pgUniqueViolation = "23505"

	artistColumns = "id, username, display_name, avatar, gender, created_at, updated_at"
	trackColumns  = "id, user_id, track_name, duration, download_url, src, cover_image, created_at, updated_at"
)

type postgresRepository struct {
	pool  *pgxpool.Pool
	cfg   PostgresConfig
	clock func() time.Time
}

// NewPostgresRepository opens a pool against dsn. Connections are established
// lazily; call Ping to verify reachability and EnsureSchema before use.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg, clock: cfg.Clock}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	return translatePostgresError(r.pool.Ping(ctx), "", nil)
}

func (r *postgresRepository) CreateArtist(ctx context.Context, artist models.Artist) (models.Artist, error) {
	if r == nil || r.pool == nil {
		return models.Artist{}, ErrPostgresUnavailable
	}
	artist.Username = NormalizeKey(artist.Username)
	avatar, err := json.Marshal(artist.Avatar)
	if err != nil {
		return models.Artist{}, fmt.Errorf("encode avatar: %w", err)
	}
	now := r.clock()
	row := r.pool.QueryRow(ctx, `
INSERT INTO artists (id, username, display_name, avatar, gender, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
RETURNING `+artistColumns,
		artist.ID, artist.Username, artist.DisplayName, string(avatar), artist.Gender, now)
	created, err := scanArtist(row)
	if err != nil {
		return models.Artist{}, translatePostgresError(err, "artist", map[string]string{
			"artists_pkey":         "id",
			"artists_username_key": "username",
		})
	}
	return created, nil
}

func (r *postgresRepository) GetArtist(ctx context.Context, username string) (models.Artist, error) {
	if r == nil || r.pool == nil {
		return models.Artist{}, ErrPostgresUnavailable
	}
	row := r.pool.QueryRow(ctx, `SELECT `+artistColumns+` FROM artists WHERE username = $1`, NormalizeKey(username))
	artist, err := scanArtist(row)
	if err != nil {
		return models.Artist{}, translatePostgresError(err, "artist", nil)
	}
	return artist, nil
}

func (r *postgresRepository) UpdateArtistAvatar(ctx context.Context, username string, avatar models.MediaAsset) (models.Artist, error) {
	if r == nil || r.pool == nil {
		return models.Artist{}, ErrPostgresUnavailable
	}
	encoded, err := json.Marshal(avatar)
	if err != nil {
		return models.Artist{}, fmt.Errorf("encode avatar: %w", err)
	}
	row := r.pool.QueryRow(ctx, `
UPDATE artists SET avatar = $2, updated_at = $3
WHERE username = $1
RETURNING `+artistColumns,
		NormalizeKey(username), string(encoded), r.clock())
	artist, err := scanArtist(row)
	if err != nil {
		return models.Artist{}, translatePostgresError(err, "artist", nil)
	}
	return artist, nil
}

func (r *postgresRepository) CreateTrack(ctx context.Context, track models.Track) (models.Track, error) {
	if r == nil || r.pool == nil {
		return models.Track{}, ErrPostgresUnavailable
	}
	track.TrackName = NormalizeKey(track.TrackName)
	cover, err := json.Marshal(track.CoverImage)
	if err != nil {
		return models.Track{}, fmt.Errorf("encode cover image: %w", err)
	}
	now := r.clock()
	row := r.pool.QueryRow(ctx, `
INSERT INTO tracks (id, user_id, track_name, duration, download_url, src, cover_image, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
RETURNING `+trackColumns,
		track.ID, track.UserID, track.TrackName, int64(track.Duration), track.DownloadURL, track.Src, string(cover), now)
	created, err := scanTrack(row)
	if err != nil {
		return models.Track{}, translatePostgresError(err, "track", map[string]string{
			"tracks_pkey":           "id",
			"tracks_track_name_key": "track_name",
		})
	}
	return created, nil
}

func (r *postgresRepository) GetTrack(ctx context.Context, trackName string) (models.Track, error) {
	if r == nil || r.pool == nil {
		return models.Track{}, ErrPostgresUnavailable
	}
	row := r.pool.QueryRow(ctx, `SELECT `+trackColumns+` FROM tracks WHERE track_name = $1`, NormalizeKey(trackName))
	track, err := scanTrack(row)
	if err != nil {
		return models.Track{}, translatePostgresError(err, "track", nil)
	}
	return track, nil
}

func (r *postgresRepository) UpdateTrack(ctx context.Context, trackName string, update TrackUpdate) (models.Track, error) {
	if r == nil || r.pool == nil {
		return models.Track{}, ErrPostgresUnavailable
	}
	if update.Empty() {
		return r.GetTrack(ctx, trackName)
	}
	var cover *string
	if update.CoverImage != nil {
		encoded, err := json.Marshal(update.CoverImage)
		if err != nil {
			return models.Track{}, fmt.Errorf("encode cover image: %w", err)
		}
		value := string(encoded)
		cover = &value
	}
	row := r.pool.QueryRow(ctx, `
UPDATE tracks SET
	download_url = COALESCE($2, download_url),
	src = COALESCE($3, src),
	cover_image = COALESCE($4::jsonb, cover_image),
	updated_at = $5
WHERE track_name = $1
RETURNING `+trackColumns,
		NormalizeKey(trackName), update.DownloadURL, update.Src, cover, r.clock())
	track, err := scanTrack(row)
	if err != nil {
		return models.Track{}, translatePostgresError(err, "track", nil)
	}
	return track, nil
}

func scanArtist(row pgx.Row) (models.Artist, error) {
	var (
		artist models.Artist
		avatar []byte
	)
	if err := row.Scan(&artist.ID, &artist.Username, &artist.DisplayName, &avatar, &artist.Gender, &artist.CreatedAt, &artist.UpdatedAt); err != nil {
		return models.Artist{}, err
	}
	if len(avatar) > 0 {
		if err := json.Unmarshal(avatar, &artist.Avatar); err != nil {
			return models.Artist{}, fmt.Errorf("decode avatar: %w", err)
		}
	}
	artist.CreatedAt = artist.CreatedAt.UTC()
	artist.UpdatedAt = artist.UpdatedAt.UTC()
	return artist, nil
}

func scanTrack(row pgx.Row) (models.Track, error) {
	var (
		track    models.Track
		duration int64
		cover    []byte
	)
	if err := row.Scan(&track.ID, &track.UserID, &track.TrackName, &duration, &track.DownloadURL, &track.Src, &cover, &track.CreatedAt, &track.UpdatedAt); err != nil {
		return models.Track{}, err
	}
	track.Duration = models.Seconds(duration)
	if len(cover) > 0 {
		if err := json.Unmarshal(cover, &track.CoverImage); err != nil {
			return models.Track{}, fmt.Errorf("decode cover image: %w", err)
		}
	}
	track.CreatedAt = track.CreatedAt.UTC()
	track.UpdatedAt = track.UpdatedAt.UTC()
	return track, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

// translatePostgresError maps driver errors onto the package sentinels.
// constraints maps unique constraint names to the field they guard.
func translatePostgresError(err error, entity string, constraints map[string]string) error {
	if err == nil {
		return nil
	}
	if isNoRows(err) {
		return ErrNotFound
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return fmt.Errorf("%w: %v", ErrPostgresUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		field := constraints[pgErr.ConstraintName]
		if field == "" {
			field = "key"
		}
		return &ConflictError{Entity: entity, Field: field}
	}
	return fmt.Errorf("postgres: %w", err)
}
