// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/log"
	"github.com/evented-go/evented/internal/store"
)

// appendRequest is the write-side request body. Data is kept raw; the store
// and the handler's strict decode own payload validation.
type appendRequest struct {
	EventType       string          `json:"eventType"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Data            json.RawMessage `json:"data"`
	Metadata        struct {
		ActorID       string `json:"actorId"`
		Reason        string `json:"reason"`
		CorrelationID string `json:"correlationId,omitempty"`
	} `json:"metadata"`
}

// eventResponse is the wire form of a stored event.
type eventResponse struct {
	ID              string          `json:"id"`
	Sequence        int64           `json:"sequence"`
	StreamType      string          `json:"streamType"`
	StreamID        string          `json:"streamId"`
	StreamVersion   int64           `json:"streamVersion"`
	EventType       string          `json:"eventType"`
	Data            json.RawMessage `json:"data"`
	ActorID         string          `json:"actorId"`
	Reason          string          `json:"reason"`
	CorrelationID   string          `json:"correlationId"`
	CreatedAt       time.Time       `json:"createdAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	ProcessingError *string         `json:"processingError,omitempty"`
}

func toEventResponse(e event.Event) eventResponse {
	return eventResponse{
		ID:              e.ID.String(),
		Sequence:        e.Sequence,
		StreamType:      string(e.StreamType),
		StreamID:        e.StreamID,
		StreamVersion:   e.StreamVersion,
		EventType:       string(e.Type),
		Data:            e.Data,
		ActorID:         e.Metadata.ActorID,
		Reason:          e.Metadata.Reason,
		CorrelationID:   e.Metadata.CorrelationID,
		CreatedAt:       e.CreatedAt,
		ProcessedAt:     e.ProcessedAt,
		ProcessingError: e.ProcessingError,
	}
}

func toEventResponses(events []event.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	return out
}

// handleAppend is the single write endpoint. The caller observes its own
// write: a 201 means the event is committed and the projections reflect it.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	streamType := event.StreamType(chi.URLParam(r, "streamType"))
	streamID := chi.URLParam(r, "streamID")

	var req appendRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	meta := event.Metadata{
		ActorID:       req.Metadata.ActorID,
		Reason:        req.Metadata.Reason,
		CorrelationID: req.Metadata.CorrelationID,
	}
	ctx := log.ContextWithActorID(r.Context(), meta.ActorID)

	stored, err := s.store.Append(ctx, streamType, streamID, req.ExpectedVersion,
		event.Type(req.EventType), req.Data, meta)
	if err != nil {
		// The event may still have been stored; surface it alongside the
		// processing error so the client can reconcile.
		var processing *store.ProcessingError
		if errors.As(err, &processing) {
			writeJSON(w, http.StatusUnprocessableEntity, struct {
				errorBody
				Event eventResponse `json:"event"`
			}{
				errorBody: errorBody{Error: processing.Error(), EventID: processing.EventID.String()},
				Event:     toEventResponse(stored),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(stored))
}

func (s *Server) handleLoadStream(w http.ResponseWriter, r *http.Request) {
	streamType := event.StreamType(chi.URLParam(r, "streamType"))
	streamID := chi.URLParam(r, "streamID")

	events, err := s.store.Load(r.Context(), streamType, streamID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponses(events))
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid event id"})
		return
	}

	if err := s.store.Reprocess(r.Context(), eventID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "eventId": eventID.String()})
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := s.store.ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponses(events))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.queries.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.queries.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := s.queries.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queries.AuditByCorrelation(r.Context(), chi.URLParam(r, "correlationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
