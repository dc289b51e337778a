package catalog

import (
	"context"

	"musive/internal/cache"
	"musive/internal/media"
	"musive/internal/models"
	"musive/internal/provision"
	"musive/internal/storage"
)

// ArtistInput is the client-supplied artist. Timestamps are assigned by the
// store.
type ArtistInput struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	DisplayName string            `json:"display_name"`
	Avatar      models.MediaAsset `json:"avatar"`
	Gender      string            `json:"gender"`
}

// ArtistUpdate carries the mutable artist fields. A nil Avatar changes
// nothing.
type ArtistUpdate struct {
	Avatar *models.MediaAsset `json:"avatar"`
}

func (in ArtistInput) validate() error {
	for _, check := range []struct{ field, value string }{
		{"id", in.ID},
		{"username", in.Username},
		{"display_name", in.DisplayName},
		{"gender", in.Gender},
	} {
		if err := requireText(check.field, check.value); err != nil {
			return err
		}
	}
	return media.Validate("avatar", in.Avatar, false)
}

// CreateArtist persists a new artist with a normalized avatar.
func (s *Service) CreateArtist(ctx context.Context, in ArtistInput, cfg *provision.ConnectionConfig) (models.Artist, error) {
	artist, err := s.createArtist(ctx, in, cfg)
	s.observe(ctx, resourceArtist, "create", in.Username, err)
	return artist, err
}

func (s *Service) createArtist(ctx context.Context, in ArtistInput, cfg *provision.ConnectionConfig) (models.Artist, error) {
	if err := in.validate(); err != nil {
		return models.Artist{}, err
	}
	store, opCtx, cancel, err := s.store(ctx, cfg)
	if err != nil {
		return models.Artist{}, err
	}
	defer cancel()

	created, err := store.Repo.CreateArtist(opCtx, models.Artist{
		ID:          in.ID,
		Username:    in.Username,
		DisplayName: in.DisplayName,
		Avatar:      media.NormalizeAsset(in.Avatar),
		Gender:      in.Gender,
	})
	if err != nil {
		return models.Artist{}, translate(err, resourceArtist)
	}
	s.invalidate(ctx, cache.ArtistKey(store.Target, storage.NormalizeKey(created.Username)))
	return created, nil
}

// UpdateArtist replaces the avatar of an existing artist. Without an avatar
// the current record is returned unchanged.
func (s *Service) UpdateArtist(ctx context.Context, username string, update ArtistUpdate, cfg *provision.ConnectionConfig) (models.Artist, error) {
	artist, err := s.updateArtist(ctx, username, update, cfg)
	s.observe(ctx, resourceArtist, "update", username, err)
	return artist, err
}

func (s *Service) updateArtist(ctx context.Context, username string, update ArtistUpdate, cfg *provision.ConnectionConfig) (models.Artist, error) {
	if err := requireText("username", username); err != nil {
		return models.Artist{}, err
	}
	if update.Avatar != nil {
		if err := media.Validate("avatar", *update.Avatar, false); err != nil {
			return models.Artist{}, err
		}
	}
	store, opCtx, cancel, err := s.store(ctx, cfg)
	if err != nil {
		return models.Artist{}, err
	}
	defer cancel()

	var artist models.Artist
	if update.Avatar == nil {
		artist, err = store.Repo.GetArtist(opCtx, username)
	} else {
		artist, err = store.Repo.UpdateArtistAvatar(opCtx, username, media.NormalizeAsset(*update.Avatar))
	}
	if err != nil {
		return models.Artist{}, translate(err, resourceArtist)
	}
	s.invalidate(ctx, cache.ArtistKey(store.Target, storage.NormalizeKey(artist.Username)))
	return artist, nil
}

// GetArtist looks an artist up by username, consulting the cache first.
func (s *Service) GetArtist(ctx context.Context, username string, cfg *provision.ConnectionConfig) (models.Artist, error) {
	if err := requireText("username", username); err != nil {
		return models.Artist{}, err
	}
	store, opCtx, cancel, err := s.store(ctx, cfg)
	if err != nil {
		return models.Artist{}, err
	}
	defer cancel()

	key := cache.ArtistKey(store.Target, storage.NormalizeKey(username))
	var artist models.Artist
	if s.cacheGet(opCtx, key, &artist) {
		return artist, nil
	}
	version, fill := s.cacheVersion(opCtx, key)
	artist, err = store.Repo.GetArtist(opCtx, username)
	if err != nil {
		return models.Artist{}, translate(err, resourceArtist)
	}
	if fill {
		s.cacheFill(ctx, key, version, artist)
	}
	return artist, nil
}
