package catalog

import (
	"context"

	"musive/internal/apperr"
	"musive/internal/cache"
	"musive/internal/media"
	"musive/internal/models"
	"musive/internal/provision"
	"musive/internal/storage"
)

// TrackInput is the client-supplied track. Duration is whole seconds and is
// required.
type TrackInput struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	TrackName   string            `json:"track_name"`
	Duration    *models.Seconds   `json:"duration"`
	DownloadURL string            `json:"download_url"`
	Src         string            `json:"src"`
	CoverImage  models.MediaAsset `json:"cover_image"`
}

// TrackUpdate carries the mutable track fields. Nil fields are left
// unchanged; a cover image replaces the stored one whole.
type TrackUpdate struct {
	DownloadURL *string            `json:"download_url"`
	Src         *string            `json:"src"`
	CoverImage  *models.MediaAsset `json:"cover_image"`
}

func (in TrackInput) validate() error {
	for _, check := range []struct{ field, value string }{
		{"id", in.ID},
		{"user_id", in.UserID},
		{"track_name", in.TrackName},
	} {
		if err := requireText(check.field, check.value); err != nil {
			return err
		}
	}
	if in.Duration == nil {
		return apperr.Validation("duration", "duration is required")
	}
	if *in.Duration < 0 {
		return apperr.Validation("duration", "duration must not be negative")
	}
	if err := media.ValidateURL("download_url", in.DownloadURL); err != nil {
		return err
	}
	if err := media.ValidateURL("src", in.Src); err != nil {
		return err
	}
	return media.Validate("cover_image", in.CoverImage, true)
}

func (u TrackUpdate) validate() error {
	if u.DownloadURL != nil {
		if err := media.ValidateURL("download_url", *u.DownloadURL); err != nil {
			return err
		}
	}
	if u.Src != nil {
		if err := media.ValidateURL("src", *u.Src); err != nil {
			return err
		}
	}
	if u.CoverImage != nil {
		return media.Validate("cover_image", *u.CoverImage, true)
	}
	return nil
}

func (u TrackUpdate) normalized() storage.TrackUpdate {
	var out storage.TrackUpdate
	if u.DownloadURL != nil {
		value := media.NormalizeURL(*u.DownloadURL)
		out.DownloadURL = &value
	}
	if u.Src != nil {
		value := media.NormalizeURL(*u.Src)
		out.Src = &value
	}
	if u.CoverImage != nil {
		cover := media.NormalizeAsset(*u.CoverImage)
		out.CoverImage = &cover
	}
	return out
}

// CreateTrack persists a new track with normalized URLs.
func (s *Service) CreateTrack(ctx context.Context, in TrackInput, cfg *provision.ConnectionConfig) (models.Track, error) {
	track, err := s.createTrack(ctx, in, cfg)
	s.observe(ctx, resourceTrack, "create", in.TrackName, err)
	return track, err
}

func (s *Service) createTrack(ctx context.Context, in TrackInput, cfg *provision.ConnectionConfig) (models.Track, error) {
	if err := in.validate(); err != nil {
		return models.Track{}, err
	}
	store, opCtx, cancel, err := s.store(ctx, cfg)
	if err != nil {
		return models.Track{}, err
	}
	defer cancel()

	created, err := store.Repo.CreateTrack(opCtx, models.Track{
		ID:          in.ID,
		UserID:      in.UserID,
		TrackName:   in.TrackName,
		Duration:    *in.Duration,
		DownloadURL: media.NormalizeURL(in.DownloadURL),
		Src:         media.NormalizeURL(in.Src),
		CoverImage:  media.NormalizeAsset(in.CoverImage),
	})
	if err != nil {
		return models.Track{}, translate(err, resourceTrack)
	}
	s.invalidate(ctx, cache.TrackKey(store.Target, storage.NormalizeKey(created.TrackName)))
	return created, nil
}

// UpdateTrack changes the mutable fields of an existing track. It never
// creates a record.
func (s *Service) UpdateTrack(ctx context.Context, trackName string, update TrackUpdate, cfg *provision.ConnectionConfig) (models.Track, error) {
	track, err := s.updateTrack(ctx, trackName, update, cfg)
	s.observe(ctx, resourceTrack, "update", trackName, err)
	return track, err
}

func (s *Service) updateTrack(ctx context.Context, trackName string, update TrackUpdate, cfg *provision.ConnectionConfig) (models.Track, error) {
	if err := requireText("track_name", trackName); err != nil {
		return models.Track{}, err
	}
	if err := update.validate(); err != nil {
		return models.Track{}, err
	}
	store, opCtx, cancel, err := s.store(ctx, cfg)
	if err != nil {
		return models.Track{}, err
	}
	defer cancel()

	patch := update.normalized()
	var track models.Track
	if patch.Empty() {
		track, err = store.Repo.GetTrack(opCtx, trackName)
	} else {
		track, err = store.Repo.UpdateTrack(opCtx, trackName, patch)
	}
	if err != nil {
		return models.Track{}, translate(err, resourceTrack)
	}
	s.invalidate(ctx, cache.TrackKey(store.Target, storage.NormalizeKey(track.TrackName)))
	return track, nil
}

// GetTrack looks a track up by name, consulting the cache first.
func (s *Service) GetTrack(ctx context.Context, trackName string, cfg *provision.ConnectionConfig) (models.Track, error) {
	if err := requireText("track_name", trackName); err != nil {
		return models.Track{}, err
	}
	store, opCtx, cancel, err := s.store(ctx, cfg)
	if err != nil {
		return models.Track{}, err
	}
	defer cancel()

	key := cache.TrackKey(store.Target, storage.NormalizeKey(trackName))
	var track models.Track
	if s.cacheGet(opCtx, key, &track) {
		return track, nil
	}
	version, fill := s.cacheVersion(opCtx, key)
	track, err = store.Repo.GetTrack(opCtx, trackName)
	if err != nil {
		return models.Track{}, translate(err, resourceTrack)
	}
	if fill {
		s.cacheFill(ctx, key, version, track)
	}
	return track, nil
}
