// SPDX-License-Identifier: MIT

package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/evented-go/evented/internal/event"
)

// UserRouter projects the user stream into the users, user_phones and
// user_invites tables.
type UserRouter struct{}

// NewUserRouter returns the dispatch table for the user stream.
func NewUserRouter() *UserRouter { return &UserRouter{} }

// Route matches exhaustively over the declared user event types. The default
// branch is a hard error so a catalog entry without a handler fails the
// append instead of projecting nothing.
func (r *UserRouter) Route(ctx context.Context, tx *sql.Tx, e event.Event) error {
	payload, err := event.DecodePayload(e)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *event.UserCreated:
		err = applyUserCreated(ctx, tx, e, p)
	case *event.UserUpdated:
		err = applyUserUpdated(ctx, tx, e, p)
	case *event.UserDeactivated:
		err = applyUserDeactivated(ctx, tx, e)
	case *event.UserPhoneAdded:
		err = applyUserPhoneAdded(ctx, tx, e, p)
	case *event.UserPhoneRemoved:
		err = applyUserPhoneRemoved(ctx, tx, e, p)
	case *event.UserInvited:
		err = applyUserInvited(ctx, tx, e, p)
	case *event.UserInviteAccepted:
		err = applyUserInviteAccepted(ctx, tx, e, p)
	case *event.UserInviteCancelled:
		err = applyUserInviteCancelled(ctx, tx, e, p)
	default:
		return fmt.Errorf("%w: user router has no handler for %s", ErrUnhandledEventType, e.Type)
	}
	if err != nil {
		return err
	}
	return recordAudit(ctx, tx, e)
}

func applyUserCreated(ctx context.Context, tx *sql.Tx, e event.Event, p *event.UserCreated) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			status = 'active',
			updated_at = excluded.updated_at`,
		e.StreamID, p.Email, p.Name, ts(e.CreatedAt), ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("apply user.created: %w", err)
	}
	return nil
}

func applyUserUpdated(ctx context.Context, tx *sql.Tx, e event.Event, p *event.UserUpdated) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET
			email = COALESCE(?, email),
			name = COALESCE(?, name),
			updated_at = ?
		 WHERE id = ?`,
		p.Email, p.Name, ts(e.CreatedAt), e.StreamID,
	)
	if err != nil {
		return fmt.Errorf("apply user.updated: %w", err)
	}
	return requireRow(res, "user.updated", e.StreamID)
}

func applyUserDeactivated(ctx context.Context, tx *sql.Tx, e event.Event) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET status = 'deactivated', updated_at = ? WHERE id = ?`,
		ts(e.CreatedAt), e.StreamID,
	)
	if err != nil {
		return fmt.Errorf("apply user.deactivated: %w", err)
	}
	return requireRow(res, "user.deactivated", e.StreamID)
}

func applyUserPhoneAdded(ctx context.Context, tx *sql.Tx, e event.Event, p *event.UserPhoneAdded) error {
	if p.Number == "" {
		return fmt.Errorf("apply user.phone.added: number is empty")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO user_phones (user_id, number, label, added_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, number) DO UPDATE SET label = excluded.label`,
		e.StreamID, p.Number, p.Label, ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("apply user.phone.added: %w", err)
	}
	return nil
}

func applyUserPhoneRemoved(ctx context.Context, tx *sql.Tx, e event.Event, p *event.UserPhoneRemoved) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM user_phones WHERE user_id = ? AND number = ?`,
		e.StreamID, p.Number,
	)
	if err != nil {
		return fmt.Errorf("apply user.phone.removed: %w", err)
	}
	return nil
}

func applyUserInvited(ctx context.Context, tx *sql.Tx, e event.Event, p *event.UserInvited) error {
	if p.InviteID == "" {
		return fmt.Errorf("apply user.invited: invite_id is empty")
	}
	// The invited user gets a placeholder profile row; accepting the invite
	// activates it.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, status, created_at, updated_at)
		 VALUES (?, ?, 'invited', ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.StreamID, p.Email, ts(e.CreatedAt), ts(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("apply user.invited: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_invites (invite_id, user_id, email, organization_id, status, correlation_id, invited_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT(invite_id) DO NOTHING`,
		p.InviteID, e.StreamID, p.Email, p.OrganizationID, e.Metadata.CorrelationID, ts(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("apply user.invited: %w", err)
	}
	return nil
}

func applyUserInviteAccepted(ctx context.Context, tx *sql.Tx, e event.Event, p *event.UserInviteAccepted) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE user_invites SET status = 'accepted', resolved_at = ? WHERE invite_id = ?`,
		ts(e.CreatedAt), p.InviteID,
	)
	if err != nil {
		return fmt.Errorf("apply user.invite.accepted: %w", err)
	}
	if err := requireRow(res, "user.invite.accepted", p.InviteID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET status = 'active', updated_at = ? WHERE id = ? AND status = 'invited'`,
		ts(e.CreatedAt), e.StreamID,
	); err != nil {
		return fmt.Errorf("apply user.invite.accepted: %w", err)
	}
	return nil
}

func applyUserInviteCancelled(ctx context.Context, tx *sql.Tx, e event.Event, p *event.UserInviteCancelled) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE user_invites SET status = 'cancelled', resolved_at = ? WHERE invite_id = ?`,
		ts(e.CreatedAt), p.InviteID,
	)
	if err != nil {
		return fmt.Errorf("apply user.invite.cancelled: %w", err)
	}
	return requireRow(res, "user.invite.cancelled", p.InviteID)
}

// requireRow turns a zero-row update into a handler error: the event refers
// to a row that does not exist, which is a payload or ordering defect worth
// surfacing in processing_error rather than absorbing.
func requireRow(res sql.Result, eventType, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply %s: %w", eventType, err)
	}
	if n == 0 {
		return fmt.Errorf("apply %s: no row for %q", eventType, key)
	}
	return nil
}
