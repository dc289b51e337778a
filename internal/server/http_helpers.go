package server

import (
	"net/http"

	"musive/internal/api"
	"musive/internal/apperr"
)

// writeMiddlewareError renders middleware rejections in the API error shape.
func writeMiddlewareError(w http.ResponseWriter, r *http.Request, kind apperr.Kind, message string) {
	api.WriteError(w, r, &apperr.Error{Kind: kind, Message: message})
}
