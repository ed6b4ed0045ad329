// SPDX-License-Identifier: MIT

// Package projection holds the read models derived from the event stream:
// per-stream routers, one idempotent handler per event type, the projection
// schema and the read-only query API. Projection tables are written only by
// their owning handler; every other component reads.
package projection

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrUnhandledEventType is returned by a router's default branch. It is a
// hard error on purpose: a declared event type without a handler must fail
// the append instead of silently dropping the projection effect.
var ErrUnhandledEventType = errors.New("unhandled event type")

// ErrNotFound is returned by read-side queries for unknown ids.
var ErrNotFound = errors.New("not found")

// Migrate creates the projection tables.
func Migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('invited', 'active', 'deactivated')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_phones (
		user_id TEXT NOT NULL,
		number TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		added_at TEXT NOT NULL,
		PRIMARY KEY (user_id, number)
	);

	CREATE TABLE IF NOT EXISTS user_invites (
		invite_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		email TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'accepted', 'cancelled')),
		correlation_id TEXT NOT NULL,
		invited_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		owner_user_id TEXT NOT NULL DEFAULT '',
		subdomain TEXT NOT NULL DEFAULT '',
		subdomain_status TEXT NOT NULL DEFAULT 'none'
			CHECK(subdomain_status IN ('none', 'initiated', 'in_progress', 'verified', 'failed', 'cancelled')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS organization_members (
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		added_at TEXT NOT NULL,
		PRIMARY KEY (organization_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS role_permissions (
		role_id TEXT NOT NULL,
		permission TEXT NOT NULL,
		resource_path TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		PRIMARY KEY (role_id, permission, resource_path)
	);

	CREATE TABLE IF NOT EXISTS role_assignments (
		role_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		assigned_at TEXT NOT NULL,
		PRIMARY KEY (role_id, user_id, organization_id)
	);

	CREATE TABLE IF NOT EXISTS event_audit (
		event_id TEXT PRIMARY KEY,
		stream_type TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_invites_user ON user_invites(user_id);
	CREATE INDEX IF NOT EXISTS idx_org_members_user ON organization_members(user_id);
	CREATE INDEX IF NOT EXISTS idx_role_assignments_user ON role_assignments(user_id);
	CREATE INDEX IF NOT EXISTS idx_event_audit_correlation ON event_audit(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_event_audit_actor ON event_audit(actor_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate projections: %w", err)
	}
	return nil
}
