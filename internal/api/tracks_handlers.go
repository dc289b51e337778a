package api

import (
	"net/http"

	"musive/internal/apperr"
	"musive/internal/catalog"
	"musive/internal/observability/logging"
	"musive/internal/provision"
)

type createTrackRequest struct {
	Track  *catalog.TrackInput         `json:"track"`
	Config *provision.ConnectionConfig `json:"config"`
}

type updateTrackRequest struct {
	Patch *catalog.TrackUpdate `json:"track_update"`
	catalog.TrackUpdate
	Config *provision.ConnectionConfig `json:"config"`
}

func (req updateTrackRequest) update() catalog.TrackUpdate {
	if req.Patch != nil {
		return *req.Patch
	}
	return req.TrackUpdate
}

// Tracks serves POST /tracks.
func (h *Handler) Tracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createTrackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Track == nil {
		writeError(w, r, apperr.Validation("track", "track is required"))
		return
	}

	ctx := logging.ContextWithResource(r.Context(), "track", req.Track.TrackName)
	track, err := h.Catalog.CreateTrack(ctx, *req.Track, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// TrackByName serves GET and PUT /tracks/{track_name}.
func (h *Handler) TrackByName(w http.ResponseWriter, r *http.Request) {
	trackName := r.PathValue("track_name")
	ctx := logging.ContextWithResource(r.Context(), "track", trackName)

	switch r.Method {
	case http.MethodGet:
		track, err := h.Catalog.GetTrack(ctx, trackName, nil)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, track)
	case http.MethodPut:
		var req updateTrackRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		track, err := h.Catalog.UpdateTrack(ctx, trackName, req.update(), req.Config)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, track)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}
