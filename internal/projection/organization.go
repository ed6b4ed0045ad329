// SPDX-License-Identifier: MIT

package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evented-go/evented/internal/event"
)

// OrganizationRouter projects the organization stream into the organizations
// and organization_members tables, including the subdomain verification
// state machine.
type OrganizationRouter struct{}

// NewOrganizationRouter returns the dispatch table for the organization stream.
func NewOrganizationRouter() *OrganizationRouter { return &OrganizationRouter{} }

// Route matches exhaustively over the declared organization event types.
func (r *OrganizationRouter) Route(ctx context.Context, tx *sql.Tx, e event.Event) error {
	payload, err := event.DecodePayload(e)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *event.OrganizationCreated:
		err = applyOrgCreated(ctx, tx, e, p)
	case *event.OrganizationUpdated:
		err = applyOrgUpdated(ctx, tx, e, p)
	case *event.OrganizationMemberAdded:
		err = applyOrgMemberAdded(ctx, tx, e, p)
	case *event.OrganizationMemberRemoved:
		err = applyOrgMemberRemoved(ctx, tx, e, p)
	case *event.SubdomainInitiated:
		err = applySubdomainState(ctx, tx, e, p.Subdomain, "initiated")
	case *event.SubdomainInProgress:
		err = applySubdomainState(ctx, tx, e, p.Subdomain, "in_progress")
	case *event.SubdomainVerified:
		err = applySubdomainState(ctx, tx, e, p.Subdomain, "verified")
	case *event.SubdomainFailed:
		err = applySubdomainState(ctx, tx, e, p.Subdomain, "failed")
	case *event.SubdomainCancelled:
		err = applySubdomainState(ctx, tx, e, p.Subdomain, "cancelled")
	default:
		return fmt.Errorf("%w: organization router has no handler for %s", ErrUnhandledEventType, e.Type)
	}
	if err != nil {
		return err
	}
	return recordAudit(ctx, tx, e)
}

func applyOrgCreated(ctx context.Context, tx *sql.Tx, e event.Event, p *event.OrganizationCreated) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name, owner_user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_user_id = excluded.owner_user_id,
			updated_at = excluded.updated_at`,
		e.StreamID, p.Name, p.OwnerUserID, ts(e.CreatedAt), ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("apply organization.created: %w", err)
	}
	return nil
}

func applyOrgUpdated(ctx context.Context, tx *sql.Tx, e event.Event, p *event.OrganizationUpdated) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE organizations SET name = COALESCE(?, name), updated_at = ? WHERE id = ?`,
		p.Name, ts(e.CreatedAt), e.StreamID,
	)
	if err != nil {
		return fmt.Errorf("apply organization.updated: %w", err)
	}
	return requireRow(res, "organization.updated", e.StreamID)
}

func applyOrgMemberAdded(ctx context.Context, tx *sql.Tx, e event.Event, p *event.OrganizationMemberAdded) error {
	if p.UserID == "" {
		return fmt.Errorf("apply organization.member.added: user_id is empty")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO organization_members (organization_id, user_id, added_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(organization_id, user_id) DO NOTHING`,
		e.StreamID, p.UserID, ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("apply organization.member.added: %w", err)
	}
	return nil
}

func applyOrgMemberRemoved(ctx context.Context, tx *sql.Tx, e event.Event, p *event.OrganizationMemberRemoved) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM organization_members WHERE organization_id = ? AND user_id = ?`,
		e.StreamID, p.UserID,
	)
	if err != nil {
		return fmt.Errorf("apply organization.member.removed: %w", err)
	}
	return nil
}

// subdomainTransitions lists the states each subdomain status may be entered
// from. Entering the state it is already in is always allowed, which keeps
// replays idempotent.
var subdomainTransitions = map[string][]string{
	"initiated":   {"none", "failed", "cancelled"},
	"in_progress": {"initiated"},
	"verified":    {"initiated", "in_progress"},
	"failed":      {"initiated", "in_progress"},
	"cancelled":   {"initiated", "in_progress"},
}

func applySubdomainState(ctx context.Context, tx *sql.Tx, e event.Event, subdomain, next string) error {
	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT subdomain_status FROM organizations WHERE id = ?`, e.StreamID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("apply %s: no organization row for %q", e.Type, e.StreamID)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", e.Type, err)
	}

	if current != next && !allowedFrom(current, next) {
		return fmt.Errorf("apply %s: invalid subdomain transition %s -> %s", e.Type, current, next)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE organizations SET subdomain = ?, subdomain_status = ?, updated_at = ? WHERE id = ?`,
		subdomain, next, ts(e.CreatedAt), e.StreamID,
	); err != nil {
		return fmt.Errorf("apply %s: %w", e.Type, err)
	}
	return nil
}

func allowedFrom(current, next string) bool {
	for _, from := range subdomainTransitions[next] {
		if from == current {
			return true
		}
	}
	return false
}
