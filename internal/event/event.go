// SPDX-License-Identifier: MIT

// Package event defines the domain event model and the event type catalog.
// Every event type is declared exactly once, together with its stream family
// and whether it fans out to the notification bus, so the synchronous and
// asynchronous dispatch tables cannot drift apart.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StreamType identifies an aggregate family.
type StreamType string

const (
	StreamUser         StreamType = "user"
	StreamOrganization StreamType = "organization"
	StreamRole         StreamType = "role"
)

// Type is a hierarchical event type name: {stream}.{action} or
// {stream}.{entity}.{action}. Dots separate hierarchy levels, underscores
// join compound words within a level.
type Type string

// Metadata carries the audit fields required on every event.
type Metadata struct {
	ActorID       string `json:"actor_id"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlation_id"`
}

// Validate checks the audit requirements. CorrelationID may be empty on the
// first event of a chain; the store assigns one.
func (m Metadata) Validate() error {
	if m.ActorID == "" {
		return &ValidationError{Field: "actor_id", Reason: "actor is required"}
	}
	if m.Reason == "" {
		return &ValidationError{Field: "reason", Reason: "reason is required"}
	}
	return nil
}

// Event is one immutable record in the event store.
type Event struct {
	ID            uuid.UUID
	Sequence      int64 // global insert order, assigned by the store
	StreamType    StreamType
	StreamID      string
	StreamVersion int64
	Type          Type
	Data          json.RawMessage
	Metadata      Metadata
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	ProcessingError *string
}

// ValidationError reports a rejected append before anything is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ValidateTypeName enforces the naming rule for event types: lowercase
// segments of letters and underscores, two or three levels deep, first level
// equal to the stream type. A mismatch here is the silent-drop bug class this
// engine exists to eliminate, so it is checked on every append.
func ValidateTypeName(stream StreamType, t Type) error {
	segments := strings.Split(string(t), ".")
	if len(segments) < 2 || len(segments) > 3 {
		return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q must have 2 or 3 dot-separated levels", t)}
	}
	if segments[0] != string(stream) {
		return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q does not belong to stream type %q", t, stream)}
	}
	for _, seg := range segments {
		if seg == "" {
			return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q has an empty hierarchy level", t)}
		}
		for _, r := range seg {
			if (r < 'a' || r > 'z') && r != '_' {
				return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q contains %q; only lowercase letters and underscores are allowed within a level", t, r)}
			}
		}
		if strings.HasPrefix(seg, "_") || strings.HasSuffix(seg, "_") {
			return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q has a level starting or ending with an underscore", t)}
		}
	}
	return nil
}

// DecodePayload unmarshals the event's data into its declared payload type.
// Unknown fields are rejected so that a field-name typo between emitter and
// handler surfaces as a processing error instead of a silent zero value.
func DecodePayload(e Event) (any, error) {
	def, ok := Lookup(e.Type)
	if !ok {
		return nil, fmt.Errorf("undeclared event type %q", e.Type)
	}
	payload := def.NewPayload()
	dec := json.NewDecoder(strings.NewReader(string(e.Data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return payload, nil
}
