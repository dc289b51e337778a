package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"musive/internal/models"
)

var (
	// ErrNotFound is returned when no record matches the requested key.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write would violate a unique key.
	ErrConflict = errors.New("record already exists")
	// ErrClosed is returned by a repository after Close.
	ErrClosed = errors.New("store closed")
)

// ConflictError names the unique key a rejected write collided with.
type ConflictError struct {
	Entity string
	Field  string
	Value  string
}

func (e *ConflictError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s with this %s already exists", e.Entity, e.Field)
	}
	return fmt.Sprintf("%s with %s %q already exists", e.Entity, e.Field, e.Value)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TrackUpdate carries the mutable track fields. Nil fields are left unchanged.
type TrackUpdate struct {
	DownloadURL *string
	Src         *string
	CoverImage  *models.MediaAsset
}

// Empty reports whether the update changes nothing.
func (u TrackUpdate) Empty() bool {
	return u.DownloadURL == nil && u.Src == nil && u.CoverImage == nil
}

// SchemaReport lists the schema objects EnsureSchema created and those that
// were already present.
type SchemaReport struct {
	Created  []string
	Existing []string
}

// Repository is the persistence contract for artists and tracks. Artists are
// addressed by username and tracks by track name; both keys are unique.
type Repository interface {
	Ping(ctx context.Context) error
	EnsureSchema(ctx context.Context) (SchemaReport, error)

	CreateArtist(ctx context.Context, artist models.Artist) (models.Artist, error)
	GetArtist(ctx context.Context, username string) (models.Artist, error)
	UpdateArtistAvatar(ctx context.Context, username string, avatar models.MediaAsset) (models.Artist, error)

	CreateTrack(ctx context.Context, track models.Track) (models.Track, error)
	GetTrack(ctx context.Context, trackName string) (models.Track, error)
	UpdateTrack(ctx context.Context, trackName string, update TrackUpdate) (models.Track, error)

	Close(ctx context.Context) error
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
)

// NormalizeKey trims and NFC-folds an external key so composed and
// decomposed spellings address the same record.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}
