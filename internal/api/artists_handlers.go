package api

import (
	"net/http"

	"musive/internal/apperr"
	"musive/internal/catalog"
	"musive/internal/observability/logging"
	"musive/internal/provision"
)

type createArtistRequest struct {
	Artist *catalog.ArtistInput        `json:"artist"`
	Config *provision.ConnectionConfig `json:"config"`
}

// updateArtistRequest accepts the patch wrapped in artist_update or at the
// top level.
type updateArtistRequest struct {
	Patch *catalog.ArtistUpdate `json:"artist_update"`
	catalog.ArtistUpdate
	Config *provision.ConnectionConfig `json:"config"`
}

func (req updateArtistRequest) update() catalog.ArtistUpdate {
	if req.Patch != nil {
		return *req.Patch
	}
	return req.ArtistUpdate
}

// Artists serves POST /artists.
func (h *Handler) Artists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createArtistRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Artist == nil {
		writeError(w, r, apperr.Validation("artist", "artist is required"))
		return
	}

	ctx := logging.ContextWithResource(r.Context(), "artist", req.Artist.Username)
	artist, err := h.Catalog.CreateArtist(ctx, *req.Artist, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artist)
}

// ArtistByUsername serves GET and PUT /artists/{username}.
func (h *Handler) ArtistByUsername(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	ctx := logging.ContextWithResource(r.Context(), "artist", username)

	switch r.Method {
	case http.MethodGet:
		artist, err := h.Catalog.GetArtist(ctx, username, nil)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, artist)
	case http.MethodPut:
		var req updateArtistRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		artist, err := h.Catalog.UpdateArtist(ctx, username, req.update(), req.Config)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, artist)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}
