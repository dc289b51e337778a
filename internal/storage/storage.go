package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"musive/internal/models"
)

const (
	jsonArtistsCollection = "table:artists"
	jsonTracksCollection  = "table:tracks"
)

type dataset struct {
	Artists map[string]models.Artist `json:"artists"`
	Tracks  map[string]models.Track  `json:"tracks"`
}

func newDataset() dataset {
	return dataset{
		Artists: make(map[string]models.Artist),
		Tracks:  make(map[string]models.Track),
	}
}

// Storage is a JSON file backed Repository. Artists are keyed by username and
// tracks by track name; every mutation rewrites the file atomically.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// created reports collections that did not exist in the file at load.
	created map[string]bool
	clock   func() time.Time
	closed  bool
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens or creates the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Path returns the file backing the store.
func (s *Storage) Path() string {
	return s.filePath
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.created = map[string]bool{jsonArtistsCollection: true, jsonTracksCollection: true}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var raw dataset
	if err := json.NewDecoder(file).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if raw.Artists != nil {
		s.created[jsonArtistsCollection] = false
	}
	if raw.Tracks != nil {
		s.created[jsonTracksCollection] = false
	}
	s.data = raw
	if s.data.Artists == nil {
		s.data.Artists = make(map[string]models.Artist)
	}
	if s.data.Tracks == nil {
		s.data.Tracks = make(map[string]models.Track)
	}
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// cloneWith returns a copy of the dataset so a failed persist never leaves
// partially applied state behind.
func (s *Storage) cloneWith(mutate func(*dataset)) dataset {
	next := dataset{
		Artists: make(map[string]models.Artist, len(s.data.Artists)+1),
		Tracks:  make(map[string]models.Track, len(s.data.Tracks)+1),
	}
	for k, v := range s.data.Artists {
		next.Artists[k] = v
	}
	for k, v := range s.data.Tracks {
		next.Tracks[k] = v
	}
	mutate(&next)
	return next
}

func (s *Storage) commit(next dataset) error {
	if err := s.persistDataset(next); err != nil {
		return err
	}
	s.data = next
	for name := range s.created {
		s.created[name] = false
	}
	return nil
}

func (s *Storage) checkOpen(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Ping verifies the data directory is still reachable.
func (s *Storage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// EnsureSchema writes the store file if it does not exist yet and reports
// which collections were new.
func (s *Storage) EnsureSchema(ctx context.Context) (SchemaReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return SchemaReport{}, err
	}

	var report SchemaReport
	names := []string{jsonArtistsCollection, jsonTracksCollection}
	dirty := false
	for _, name := range names {
		if s.created[name] {
			report.Created = append(report.Created, name)
			dirty = true
			continue
		}
		report.Existing = append(report.Existing, name)
	}
	if dirty {
		if err := s.commit(s.cloneWith(func(*dataset) {})); err != nil {
			return SchemaReport{}, err
		}
	}
	return report, nil
}

func (s *Storage) CreateArtist(ctx context.Context, artist models.Artist) (models.Artist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return models.Artist{}, err
	}

	artist.Username = NormalizeKey(artist.Username)
	if _, exists := s.data.Artists[artist.Username]; exists {
		return models.Artist{}, &ConflictError{Entity: "artist", Field: "username", Value: artist.Username}
	}
	for _, existing := range s.data.Artists {
		if existing.ID == artist.ID {
			return models.Artist{}, &ConflictError{Entity: "artist", Field: "id", Value: artist.ID}
		}
	}

	now := s.clock()
	artist.CreatedAt = now
	artist.UpdatedAt = now
	next := s.cloneWith(func(d *dataset) {
		d.Artists[artist.Username] = artist
	})
	if err := s.commit(next); err != nil {
		return models.Artist{}, err
	}
	return artist, nil
}

func (s *Storage) GetArtist(ctx context.Context, username string) (models.Artist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(ctx); err != nil {
		return models.Artist{}, err
	}
	artist, ok := s.data.Artists[NormalizeKey(username)]
	if !ok {
		return models.Artist{}, ErrNotFound
	}
	return artist, nil
}

func (s *Storage) UpdateArtistAvatar(ctx context.Context, username string, avatar models.MediaAsset) (models.Artist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return models.Artist{}, err
	}

	key := NormalizeKey(username)
	artist, ok := s.data.Artists[key]
	if !ok {
		return models.Artist{}, ErrNotFound
	}
	artist.Avatar = avatar
	artist.UpdatedAt = s.clock()
	next := s.cloneWith(func(d *dataset) {
		d.Artists[key] = artist
	})
	if err := s.commit(next); err != nil {
		return models.Artist{}, err
	}
	return artist, nil
}

func (s *Storage) CreateTrack(ctx context.Context, track models.Track) (models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return models.Track{}, err
	}

	track.TrackName = NormalizeKey(track.TrackName)
	if _, exists := s.data.Tracks[track.TrackName]; exists {
		return models.Track{}, &ConflictError{Entity: "track", Field: "track_name", Value: track.TrackName}
	}
	for _, existing := range s.data.Tracks {
		if existing.ID == track.ID {
			return models.Track{}, &ConflictError{Entity: "track", Field: "id", Value: track.ID}
		}
	}

	now := s.clock()
	track.CreatedAt = now
	track.UpdatedAt = now
	next := s.cloneWith(func(d *dataset) {
		d.Tracks[track.TrackName] = track
	})
	if err := s.commit(next); err != nil {
		return models.Track{}, err
	}
	return track, nil
}

func (s *Storage) GetTrack(ctx context.Context, trackName string) (models.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(ctx); err != nil {
		return models.Track{}, err
	}
	track, ok := s.data.Tracks[NormalizeKey(trackName)]
	if !ok {
		return models.Track{}, ErrNotFound
	}
	return track, nil
}

func (s *Storage) UpdateTrack(ctx context.Context, trackName string, update TrackUpdate) (models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return models.Track{}, err
	}

	key := NormalizeKey(trackName)
	track, ok := s.data.Tracks[key]
	if !ok {
		return models.Track{}, ErrNotFound
	}
	if update.Empty() {
		return track, nil
	}
	if update.DownloadURL != nil {
		track.DownloadURL = *update.DownloadURL
	}
	if update.Src != nil {
		track.Src = *update.Src
	}
	if update.CoverImage != nil {
		track.CoverImage = *update.CoverImage
	}
	track.UpdatedAt = s.clock()
	next := s.cloneWith(func(d *dataset) {
		d.Tracks[key] = track
	})
	if err := s.commit(next); err != nil {
		return models.Track{}, err
	}
	return track, nil
}

// Close marks the store closed. Subsequent calls fail.
func (s *Storage) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Snapshot returns a copy of the stored records.
func (s *Storage) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := &Snapshot{
		Artists: make(map[string]models.Artist, len(s.data.Artists)),
		Tracks:  make(map[string]models.Track, len(s.data.Tracks)),
	}
	for k, v := range s.data.Artists {
		snapshot.Artists[k] = v
	}
	for k, v := range s.data.Tracks {
		snapshot.Tracks[k] = v
	}
	return snapshot
}
