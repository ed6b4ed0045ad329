// SPDX-License-Identifier: MIT

package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is the read model of one user, with its owned sub-resources inlined.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Phones    []Phone   `json:"phones"`
	Invites   []Invite  `json:"invites"`
}

// Phone is one registered phone number.
type Phone struct {
	Number  string    `json:"number"`
	Label   string    `json:"label,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// Invite is one invite row for a user.
type Invite struct {
	InviteID       string     `json:"inviteId"`
	Email          string     `json:"email"`
	OrganizationID string     `json:"organizationId,omitempty"`
	Status         string     `json:"status"`
	CorrelationID  string     `json:"correlationId"`
	InvitedAt      time.Time  `json:"invitedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Organization is the read model of one organization.
type Organization struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	OwnerUserID     string    `json:"ownerUserId"`
	Subdomain       string    `json:"subdomain,omitempty"`
	SubdomainStatus string    `json:"subdomainStatus"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Members         []Member  `json:"members"`
}

// Member is one organization membership.
type Member struct {
	UserID  string    `json:"userId"`
	AddedAt time.Time `json:"addedAt"`
}

// Role is the read model of one role.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	CreatedAt   time.Time    `json:"createdAt"`
	Permissions []Permission `json:"permissions"`
	Assignments []Assignment `json:"assignments"`
}

// Permission is one (permission name, resource path) grant.
type Permission struct {
	Permission   string    `json:"permission"`
	ResourcePath string    `json:"resourcePath"`
	GrantedAt    time.Time `json:"grantedAt"`
}

// Assignment is one role-to-user grant.
type Assignment struct {
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	AssignedAt     time.Time `json:"assignedAt"`
}

// Queries is the read-only query API over the projection tables.
type Queries struct {
	db *sql.DB
}

// NewQueries wraps the shared database handle for read-side access.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// GetUser returns one user with phones and invites, or ErrNotFound.
func (q *Queries) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		u         User
		createdAt string
		updatedAt string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, email, name, status, created_at, updated_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if u.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT number, label, added_at FROM user_phones WHERE user_id = ? ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("query user phones: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			p       Phone
			addedAt string
		)
		if err := rows.Scan(&p.Number, &p.Label, &addedAt); err != nil {
			return nil, fmt.Errorf("scan phone row: %w", err)
		}
		if p.AddedAt, err = parseTS(addedAt); err != nil {
			return nil, err
		}
		u.Phones = append(u.Phones, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	u.Invites, err = q.userInvites(ctx, id)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (q *Queries) userInvites(ctx context.Context, userID string) ([]Invite, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT invite_id, email, organization_id, status, correlation_id, invited_at, resolved_at
		 FROM user_invites WHERE user_id = ? ORDER BY invited_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user invites: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invites []Invite
	for rows.Next() {
		var (
			inv        Invite
			invitedAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&inv.InviteID, &inv.Email, &inv.OrganizationID, &inv.Status, &inv.CorrelationID, &invitedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan invite row: %w", err)
		}
		if inv.InvitedAt, err = parseTS(invitedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t, err := parseTS(resolvedAt.String)
			if err != nil {
				return nil, err
			}
			inv.ResolvedAt = &t
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// GetOrganization returns one organization with members, or ErrNotFound.
func (q *Queries) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var (
		o         Organization
		createdAt string
		updatedAt string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, owner_user_id, subdomain, subdomain_status, created_at, updated_at
		 FROM organizations WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &o.OwnerUserID, &o.Subdomain, &o.SubdomainStatus, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query organization: %w", err)
	}
	if o.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT user_id, added_at FROM organization_members WHERE organization_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, fmt.Errorf("query organization members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			m       Member
			addedAt string
		)
		if err := rows.Scan(&m.UserID, &addedAt); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		if m.AddedAt, err = parseTS(addedAt); err != nil {
			return nil, err
		}
		o.Members = append(o.Members, m)
	}
	return &o, rows.Err()
}

// GetRole returns one role with permissions and assignments, or ErrNotFound.
func (q *Queries) GetRole(ctx context.Context, id string) (*Role, error) {
	var (
		r         Role
		createdAt string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM roles WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query role: %w", err)
	}
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}

	permRows, err := q.db.QueryContext(ctx,
		`SELECT permission, resource_path, granted_at FROM role_permissions WHERE role_id = ? ORDER BY permission, resource_path`, id)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer func() { _ = permRows.Close() }()
	for permRows.Next() {
		var (
			p         Permission
			grantedAt string
		)
		if err := permRows.Scan(&p.Permission, &p.ResourcePath, &grantedAt); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		if p.GrantedAt, err = parseTS(grantedAt); err != nil {
			return nil, err
		}
		r.Permissions = append(r.Permissions, p)
	}
	if err := permRows.Err(); err != nil {
		return nil, err
	}

	asgRows, err := q.db.QueryContext(ctx,
		`SELECT user_id, organization_id, assigned_at FROM role_assignments WHERE role_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, fmt.Errorf("query role assignments: %w", err)
	}
	defer func() { _ = asgRows.Close() }()
	for asgRows.Next() {
		var (
			a          Assignment
			assignedAt string
		)
		if err := asgRows.Scan(&a.UserID, &a.OrganizationID, &assignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment row: %w", err)
		}
		if a.AssignedAt, err = parseTS(assignedAt); err != nil {
			return nil, err
		}
		r.Assignments = append(r.Assignments, a)
	}
	return &r, asgRows.Err()
}

// AuditEntry is one row of the cross-stream audit projection.
type AuditEntry struct {
	EventID       string    `json:"eventId"`
	StreamType    string    `json:"streamType"`
	StreamID      string    `json:"streamId"`
	EventType     string    `json:"eventType"`
	ActorID       string    `json:"actorId"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuditByCorrelation returns the audit trail of one logical operation in
// event order.
func (q *Queries) AuditByCorrelation(ctx context.Context, correlationID string) ([]AuditEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT event_id, stream_type, stream_id, event_type, actor_id, reason, correlation_id, created_at
		 FROM event_audit WHERE correlation_id = ? ORDER BY created_at, rowid`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry     AuditEntry
			createdAt string
		)
		if err := rows.Scan(&entry.EventID, &entry.StreamType, &entry.StreamID, &entry.EventType, &entry.ActorID, &entry.Reason, &entry.CorrelationID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if entry.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse projection timestamp %q: %w", s, err)
	}
	return t, nil
}
