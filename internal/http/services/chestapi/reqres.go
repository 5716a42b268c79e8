package chestapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dropchest/dropchest/pkg/appctx"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		appctx.GetLogger(r.Context()).Error().Err(err).Msg("error writing response body")
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Unclassified errors
// are internal: they are logged here and the client sees a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch err.(type) {
	case errtypes.IsBadRequest:
		status = http.StatusBadRequest
	case errtypes.IsInvalidCredentials:
		status = http.StatusUnauthorized
	case errtypes.IsPermissionDenied:
		status = http.StatusForbidden
	case errtypes.IsNotFound:
		status = http.StatusNotFound
	case errtypes.IsAlreadyExists:
		status = http.StatusConflict
	default:
		appctx.GetLogger(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

// decodeJSON decodes the request body, mapping parse failures to 400.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errtypes.BadRequest("malformed request body")
	}
	return nil
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return t
	}
	return ""
}
