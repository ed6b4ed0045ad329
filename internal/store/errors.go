// SPDX-License-Identifier: MIT

package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/evented-go/evented/internal/event"
)

var (
	// ErrConcurrencyConflict signals a stale expected version. Callers reload
	// the stream and retry; this is a normal outcome, not an anomaly.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrUnhandledStreamType rejects an append for a stream family no router
	// is registered for. Fatal by design: the event is not stored.
	ErrUnhandledStreamType = errors.New("unhandled stream type")

	// ErrEventNotFound is returned by lookups and Reprocess for unknown ids.
	ErrEventNotFound = errors.New("event not found")
)

// ConflictError carries the versions involved in a lost optimistic-lock race.
type ConflictError struct {
	StreamType event.StreamType
	StreamID   string
	Expected   int64
	Actual     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s/%s: expected version %d, stream is at %d",
		e.StreamType, e.StreamID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// ProcessingError reports that the event was durably stored but its
// projection effect could not be applied. The event id lets operators
// inspect and later reprocess it.
type ProcessingError struct {
	EventID uuid.UUID
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("event %s stored but not processed: %v", e.EventID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
