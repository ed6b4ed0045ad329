// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/projection"
	"github.com/evented-go/evented/internal/store"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

// writeError maps engine errors onto HTTP status codes.
//
//	validation failure      400  nothing stored
//	stale expected version  409  nothing stored
//	no router / handler err 422  handler errors are stored with the error
//	unknown resource        404
func writeError(w http.ResponseWriter, err error) {
	var validation *event.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: validation.Error(), Field: validation.Field})
		return
	}

	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, errorBody{Error: conflict.Error()})
		return
	}
	if errors.Is(err, store.ErrConcurrencyConflict) {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}

	var processing *store.ProcessingError
	if errors.As(err, &processing) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   processing.Error(),
			EventID: processing.EventID.String(),
		})
		return
	}
	if errors.Is(err, store.ErrUnhandledStreamType) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}

	if errors.Is(err, store.ErrEventNotFound) || errors.Is(err, projection.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}
