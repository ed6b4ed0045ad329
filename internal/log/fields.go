// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldActorID       = "actor_id"

	// Event fields
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldStreamType  = "stream_type"
	FieldStreamID    = "stream_id"
	FieldVersion     = "stream_version"
	FieldComponent   = "component"

	// Workflow fields
	FieldWorkflow = "workflow"
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
