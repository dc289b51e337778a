package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"musive/internal/apperr"
	"musive/internal/observability/logging"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error     string      `json:"error"`
	Kind      apperr.Kind `json:"kind"`
	Reason    string      `json:"reason,omitempty"`
	Field     string      `json:"field,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{
		Error: apperr.PublicMessage(err),
		Kind:  apperr.KindOf(err),
	}
	if classified, ok := apperr.As(err); ok {
		resp.Reason = classified.Reason
		resp.Field = classified.Field
	}
	if r != nil {
		if id, ok := logging.RequestIDFromContext(r.Context()); ok {
			resp.RequestID = id
		}
	}
	writeJSON(w, apperr.HTTPStatus(err), resp)
}

// WriteError renders err in the API error shape. Middleware uses it so every
// response body looks the same.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, &apperr.Error{Kind: apperr.KindMethodNotAllowed, Message: fmt.Sprintf("method %s not allowed", r.Method)})
}

// decodeJSON reads a capped body into dest. Unknown fields are ignored; type
// mismatches come back as validation errors naming the field.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return apperr.Validation("", "request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		return decodeError(err)
	}
	return nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return apperr.Validation("", "request body is required")
	case errors.As(err, &maxErr):
		return apperr.Validationf("", "request body exceeds %d bytes", maxErr.Limit)
	case errors.As(err, &typeErr):
		return apperr.Validationf(typeErr.Field, "%s has the wrong type: got %s", typeErr.Field, typeErr.Value)
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return apperr.Validation("", "malformed JSON body")
	default:
		return apperr.Validationf("", "invalid request body: %v", err)
	}
}
