// SPDX-License-Identifier: MIT

package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/evented-go/evented/internal/event"
)

// recordAudit writes the cross-stream audit row for a successfully routed
// event. Every router calls it exactly once per event; nothing else writes
// event_audit. Keyed on the event id, so replays are no-ops.
func recordAudit(ctx context.Context, tx *sql.Tx, e event.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO event_audit (event_id, stream_type, stream_id, event_type, actor_id, reason, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		e.ID.String(), e.StreamType, e.StreamID, e.Type,
		e.Metadata.ActorID, e.Metadata.Reason, e.Metadata.CorrelationID,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record audit for %s: %w", e.ID, err)
	}
	return nil
}

// ts renders an event timestamp for projection columns. Handlers derive all
// timestamps from the event, never from the wall clock, so replay and live
// processing produce identical rows.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
