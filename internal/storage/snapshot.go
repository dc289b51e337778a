package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"musive/internal/models"
)

// Snapshot is the JSON file layout of the development store, grouped by
// external key, so it can be replayed into Postgres.
type Snapshot struct {
	Artists map[string]models.Artist `json:"artists"`
	Tracks  map[string]models.Track  `json:"tracks"`
}

// SnapshotCounts summarises a Snapshot.
type SnapshotCounts struct {
	Artists int
	Tracks  int
}

// ImportResult reports how many rows were inserted and how many were skipped
// because the key already existed.
type ImportResult struct {
	ArtistsInserted int
	ArtistsSkipped  int
	TracksInserted  int
	TracksSkipped   int
}

// LoadSnapshotFromJSON reads a snapshot written by the JSON store.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Artists == nil {
		s.Artists = make(map[string]models.Artist)
	}
	if s.Tracks == nil {
		s.Tracks = make(map[string]models.Track)
	}
}

// Counts returns the number of records of each kind.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	return SnapshotCounts{Artists: len(s.Artists), Tracks: len(s.Tracks)}
}

// ImportSnapshotToPostgres bulk-loads a snapshot into a Postgres repository in
// one transaction. Rows whose id or key already exists are skipped.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) (ImportResult, error) {
	if snapshot == nil {
		return ImportResult{}, fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return ImportResult{}, fmt.Errorf("postgres repository required for snapshot import")
	}
	snapshot.ensureInitialized()
	return pgRepo.importSnapshot(ctx, snapshot)
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) (ImportResult, error) {
	if r == nil || r.pool == nil {
		return ImportResult{}, ErrPostgresUnavailable
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ImportResult{}, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	var result ImportResult
	if err := importArtists(ctx, tx, snapshot.Artists, r.clock, &result); err != nil {
		return ImportResult{}, err
	}
	if err := importTracks(ctx, tx, snapshot.Tracks, r.clock, &result); err != nil {
		return ImportResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ImportResult{}, fmt.Errorf("commit snapshot import: %w", err)
	}
	return result, nil
}

func importArtists(ctx context.Context, tx pgx.Tx, artists map[string]models.Artist, clock func() time.Time, result *ImportResult) error {
	keys := make([]string, 0, len(artists))
	for key := range artists {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		artist := artists[key]
		username := NormalizeKey(artist.Username)
		if username == "" {
			username = NormalizeKey(key)
		}
		avatar, err := json.Marshal(artist.Avatar)
		if err != nil {
			return fmt.Errorf("encode avatar for %s: %w", username, err)
		}
		createdAt, updatedAt := importTimestamps(artist.CreatedAt, artist.UpdatedAt, clock)
		tag, err := tx.Exec(ctx, `
INSERT INTO artists (id, username, display_name, avatar, gender, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING`, artist.ID, username, artist.DisplayName, string(avatar), artist.Gender, createdAt, updatedAt)
		if err != nil {
			return fmt.Errorf("insert artist %s: %w", username, err)
		}
		if tag.RowsAffected() == 0 {
			result.ArtistsSkipped++
			continue
		}
		result.ArtistsInserted++
	}
	return nil
}

func importTracks(ctx context.Context, tx pgx.Tx, tracks map[string]models.Track, clock func() time.Time, result *ImportResult) error {
	keys := make([]string, 0, len(tracks))
	for key := range tracks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		track := tracks[key]
		name := NormalizeKey(track.TrackName)
		if name == "" {
			name = NormalizeKey(key)
		}
		cover, err := json.Marshal(track.CoverImage)
		if err != nil {
			return fmt.Errorf("encode cover image for %s: %w", name, err)
		}
		createdAt, updatedAt := importTimestamps(track.CreatedAt, track.UpdatedAt, clock)
		tag, err := tx.Exec(ctx, `
INSERT INTO tracks (id, user_id, track_name, duration, download_url, src, cover_image, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT DO NOTHING`, track.ID, track.UserID, name, int64(track.Duration), track.DownloadURL, track.Src, string(cover), createdAt, updatedAt)
		if err != nil {
			return fmt.Errorf("insert track %s: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			result.TracksSkipped++
			continue
		}
		result.TracksInserted++
	}
	return nil
}

func importTimestamps(createdAt, updatedAt time.Time, clock func() time.Time) (time.Time, time.Time) {
	if createdAt.IsZero() {
		createdAt = clock()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	return createdAt.UTC(), updatedAt.UTC()
}
