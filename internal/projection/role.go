// SPDX-License-Identifier: MIT

package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/evented-go/evented/internal/event"
)

// RoleRouter projects the role stream into the roles, role_permissions and
// role_assignments tables.
type RoleRouter struct{}

// NewRoleRouter returns the dispatch table for the role stream.
func NewRoleRouter() *RoleRouter { return &RoleRouter{} }

// Route matches exhaustively over the declared role event types.
func (r *RoleRouter) Route(ctx context.Context, tx *sql.Tx, e event.Event) error {
	payload, err := event.DecodePayload(e)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *event.RoleCreated:
		err = applyRoleCreated(ctx, tx, e, p)
	case *event.RoleDeleted:
		err = applyRoleDeleted(ctx, tx, e)
	case *event.RolePermissionGranted:
		err = applyRolePermissionGranted(ctx, tx, e, p)
	case *event.RolePermissionRevoked:
		err = applyRolePermissionRevoked(ctx, tx, e, p)
	case *event.RoleAssigned:
		err = applyRoleAssigned(ctx, tx, e, p)
	case *event.RoleRevoked:
		err = applyRoleRevoked(ctx, tx, e, p)
	default:
		return fmt.Errorf("%w: role router has no handler for %s", ErrUnhandledEventType, e.Type)
	}
	if err != nil {
		return err
	}
	return recordAudit(ctx, tx, e)
}

func applyRoleCreated(ctx context.Context, tx *sql.Tx, e event.Event, p *event.RoleCreated) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO roles (id, name, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		e.StreamID, p.Name, ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("apply role.created: %w", err)
	}
	return nil
}

func applyRoleDeleted(ctx context.Context, tx *sql.Tx, e event.Event) error {
	// Grants and assignments go with the role; all three tables are owned by
	// this router.
	for _, q := range []string{
		`DELETE FROM role_assignments WHERE role_id = ?`,
		`DELETE FROM role_permissions WHERE role_id = ?`,
		`DELETE FROM roles WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, e.StreamID); err != nil {
			return fmt.Errorf("apply role.deleted: %w", err)
		}
	}
	return nil
}

func applyRolePermissionGranted(ctx context.Context, tx *sql.Tx, e event.Event, p *event.RolePermissionGranted) error {
	if p.Permission == "" {
		return fmt.Errorf("apply role.permission.granted: permission is empty")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO role_permissions (role_id, permission, resource_path, granted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(role_id, permission, resource_path) DO NOTHING`,
		e.StreamID, p.Permission, p.ResourcePath, ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("apply role.permission.granted: %w", err)
	}
	return nil
}

func applyRolePermissionRevoked(ctx context.Context, tx *sql.Tx, e event.Event, p *event.RolePermissionRevoked) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = ? AND permission = ? AND resource_path = ?`,
		e.StreamID, p.Permission, p.ResourcePath,
	)
	if err != nil {
		return fmt.Errorf("apply role.permission.revoked: %w", err)
	}
	return nil
}

func applyRoleAssigned(ctx context.Context, tx *sql.Tx, e event.Event, p *event.RoleAssigned) error {
	if p.UserID == "" {
		return fmt.Errorf("apply role.assigned: user_id is empty")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO role_assignments (role_id, user_id, organization_id, assigned_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(role_id, user_id, organization_id) DO NOTHING`,
		e.StreamID, p.UserID, p.OrganizationID, ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("apply role.assigned: %w", err)
	}
	return nil
}

func applyRoleRevoked(ctx context.Context, tx *sql.Tx, e event.Event, p *event.RoleRevoked) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE role_id = ? AND user_id = ? AND organization_id = ?`,
		e.StreamID, p.UserID, p.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("apply role.revoked: %w", err)
	}
	return nil
}
