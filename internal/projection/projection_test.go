// SPDX-License-Identifier: MIT

package projection_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/persistence/sqlite"
	"github.com/evented-go/evented/internal/projection"
	"github.com/evented-go/evented/internal/store"
)

var fixedTime = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

func newEngine(t *testing.T) (*store.Store, *sql.DB, *projection.Queries) {
	t.Helper()

	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, projection.Migrate(db))

	s, err := store.New(db,
		store.WithRouter(event.StreamUser, projection.NewUserRouter()),
		store.WithRouter(event.StreamOrganization, projection.NewOrganizationRouter()),
		store.WithRouter(event.StreamRole, projection.NewRoleRouter()),
		store.WithClock(func() time.Time { return fixedTime }),
	)
	require.NoError(t, err)
	return s, db, projection.NewQueries(db)
}

func meta() event.Metadata {
	return event.Metadata{ActorID: "admin", Reason: "test"}
}

func TestUserCreatedProjectsRow(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamUser, "u1", 0, event.TypeUserCreated,
		event.UserCreated{Email: "a@example.com", Name: "Alice"}, meta())
	require.NoError(t, err)

	u, err := q.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.Equal(t, "Alice", u.Name)
	assert.Equal(t, "active", u.Status)
	// Projection timestamps come from the event, not the processing clock.
	assert.True(t, u.CreatedAt.Equal(fixedTime), "created_at %v != event time %v", u.CreatedAt, fixedTime)
}

func TestUserUpdatedPartial(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamUser, "u1", 0, event.TypeUserCreated,
		event.UserCreated{Email: "a@example.com", Name: "Alice"}, meta())
	require.NoError(t, err)

	name := "Alicia"
	_, err = s.Append(ctx, event.StreamUser, "u1", 1, event.TypeUserUpdated,
		event.UserUpdated{Name: &name}, meta())
	require.NoError(t, err)

	u, err := q.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", u.Name)
	assert.Equal(t, "a@example.com", u.Email, "absent fields stay untouched")
}

func TestPhoneAddedIdempotentUnderReprocess(t *testing.T) {
	s, db, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamUser, "u1", 0, event.TypeUserCreated, event.UserCreated{}, meta())
	require.NoError(t, err)

	e, err := s.Append(ctx, event.StreamUser, "u1", 1, event.TypeUserPhoneAdded,
		event.UserPhoneAdded{Number: "+15551234", Label: "mobile"}, meta())
	require.NoError(t, err)

	// Replaying the exact same event must not duplicate the row.
	require.NoError(t, s.Reprocess(ctx, e.ID))
	require.NoError(t, s.Reprocess(ctx, e.ID))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM user_phones WHERE user_id = 'u1'`).Scan(&n))
	assert.Equal(t, 1, n)

	u, err := q.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, u.Phones, 1)
	assert.Equal(t, "+15551234", u.Phones[0].Number)
}

func TestPhoneRemoved(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamUser, "u1", 0, event.TypeUserCreated, event.UserCreated{}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamUser, "u1", 1, event.TypeUserPhoneAdded,
		event.UserPhoneAdded{Number: "+15551234"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamUser, "u1", 2, event.TypeUserPhoneRemoved,
		event.UserPhoneRemoved{Number: "+15551234"}, meta())
	require.NoError(t, err)

	u, err := q.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, u.Phones)
}

func TestInviteFlow(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	first, err := s.Append(ctx, event.StreamUser, "u2", 0, event.TypeUserInvited,
		event.UserInvited{InviteID: "inv-1", Email: "b@example.com", OrganizationID: "org-1"}, meta())
	require.NoError(t, err)

	u, err := q.GetUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "invited", u.Status)
	require.Len(t, u.Invites, 1)
	assert.Equal(t, "pending", u.Invites[0].Status)
	assert.Equal(t, first.Metadata.CorrelationID, u.Invites[0].CorrelationID)

	// Accepting propagates the chain's correlation id unchanged.
	m := meta()
	m.CorrelationID = first.Metadata.CorrelationID
	_, err = s.Append(ctx, event.StreamUser, "u2", 1, event.TypeUserInviteAccepted,
		event.UserInviteAccepted{InviteID: "inv-1"}, m)
	require.NoError(t, err)

	u, err = q.GetUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "active", u.Status)
	assert.Equal(t, "accepted", u.Invites[0].Status)
	require.NotNil(t, u.Invites[0].ResolvedAt)
}

func TestInviteCancelled(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamUser, "u3", 0, event.TypeUserInvited,
		event.UserInvited{InviteID: "inv-2", Email: "c@example.com"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamUser, "u3", 1, event.TypeUserInviteCancelled,
		event.UserInviteCancelled{InviteID: "inv-2"}, meta())
	require.NoError(t, err)

	u, err := q.GetUser(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", u.Invites[0].Status)
}

func TestOrganizationMembers(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamOrganization, "org-1", 0, event.TypeOrgCreated,
		event.OrganizationCreated{Name: "Acme", OwnerUserID: "u1"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamOrganization, "org-1", 1, event.TypeOrgMemberAdded,
		event.OrganizationMemberAdded{UserID: "u2"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamOrganization, "org-1", 2, event.TypeOrgMemberAdded,
		event.OrganizationMemberAdded{UserID: "u3"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamOrganization, "org-1", 3, event.TypeOrgMemberRemoved,
		event.OrganizationMemberRemoved{UserID: "u2"}, meta())
	require.NoError(t, err)

	o, err := q.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", o.Name)
	assert.Equal(t, "u1", o.OwnerUserID)
	require.Len(t, o.Members, 1)
	assert.Equal(t, "u3", o.Members[0].UserID)
}

func TestSubdomainStateMachine(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamOrganization, "org-1", 0, event.TypeOrgCreated,
		event.OrganizationCreated{Name: "Acme"}, meta())
	require.NoError(t, err)

	steps := []struct {
		typ     event.Type
		payload any
		status  string
	}{
		{event.TypeOrgSubdomainInitiated, event.SubdomainInitiated{Subdomain: "acme"}, "initiated"},
		{event.TypeOrgSubdomainInProgress, event.SubdomainInProgress{Subdomain: "acme", Attempt: 1}, "in_progress"},
		{event.TypeOrgSubdomainVerified, event.SubdomainVerified{Subdomain: "acme"}, "verified"},
	}
	version := int64(1)
	for _, step := range steps {
		_, err := s.Append(ctx, event.StreamOrganization, "org-1", version, step.typ, step.payload, meta())
		require.NoError(t, err)
		version++

		o, err := q.GetOrganization(ctx, "org-1")
		require.NoError(t, err)
		assert.Equal(t, step.status, o.SubdomainStatus)
		assert.Equal(t, "acme", o.Subdomain)
	}

	// verified is terminal: regressing to in_progress is a handler error.
	// The event still commits, with processing_error set.
	e, err := s.Append(ctx, event.StreamOrganization, "org-1", version, event.TypeOrgSubdomainInProgress,
		event.SubdomainInProgress{Subdomain: "acme", Attempt: 2}, meta())
	var procErr *store.ProcessingError
	require.ErrorAs(t, err, &procErr)

	stored, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProcessingError)
	assert.Contains(t, *stored.ProcessingError, "invalid subdomain transition")

	o, err := q.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "verified", o.SubdomainStatus, "failed handler must not touch the projection")
}

func TestSubdomainFailedRetry(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamOrganization, "org-1", 0, event.TypeOrgCreated,
		event.OrganizationCreated{Name: "Acme"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamOrganization, "org-1", 1, event.TypeOrgSubdomainInitiated,
		event.SubdomainInitiated{Subdomain: "acme"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamOrganization, "org-1", 2, event.TypeOrgSubdomainFailed,
		event.SubdomainFailed{Subdomain: "acme", Reason: "dns timeout"}, meta())
	require.NoError(t, err)

	// failed may be retried by re-emitting initiated.
	_, err = s.Append(ctx, event.StreamOrganization, "org-1", 3, event.TypeOrgSubdomainInitiated,
		event.SubdomainInitiated{Subdomain: "acme"}, meta())
	require.NoError(t, err)

	o, err := q.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "initiated", o.SubdomainStatus)
}

func TestRoleLifecycle(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	_, err := s.Append(ctx, event.StreamRole, "r1", 0, event.TypeRoleCreated,
		event.RoleCreated{Name: "admin"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamRole, "r1", 1, event.TypeRolePermissionGranted,
		event.RolePermissionGranted{Permission: "users.write", ResourcePath: "/orgs/*/users"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamRole, "r1", 2, event.TypeRoleAssigned,
		event.RoleAssigned{UserID: "u1", OrganizationID: "org-1"}, meta())
	require.NoError(t, err)

	r, err := q.GetRole(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "admin", r.Name)
	require.Len(t, r.Permissions, 1)
	assert.Equal(t, "users.write", r.Permissions[0].Permission)
	require.Len(t, r.Assignments, 1)

	_, err = s.Append(ctx, event.StreamRole, "r1", 3, event.TypeRolePermissionRevoked,
		event.RolePermissionRevoked{Permission: "users.write", ResourcePath: "/orgs/*/users"}, meta())
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamRole, "r1", 4, event.TypeRoleRevoked,
		event.RoleRevoked{UserID: "u1", OrganizationID: "org-1"}, meta())
	require.NoError(t, err)

	r, err = q.GetRole(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, r.Permissions)
	assert.Empty(t, r.Assignments)

	_, err = s.Append(ctx, event.StreamRole, "r1", 5, event.TypeRoleDeleted, event.RoleDeleted{}, meta())
	require.NoError(t, err)
	_, err = q.GetRole(ctx, "r1")
	assert.ErrorIs(t, err, projection.ErrNotFound)
}

func TestAuditTrailByCorrelation(t *testing.T) {
	s, _, q := newEngine(t)
	ctx := context.Background()

	first, err := s.Append(ctx, event.StreamUser, "u1", 0, event.TypeUserCreated, event.UserCreated{}, meta())
	require.NoError(t, err)

	m := meta()
	m.CorrelationID = first.Metadata.CorrelationID
	_, err = s.Append(ctx, event.StreamUser, "u1", 1, event.TypeUserPhoneAdded,
		event.UserPhoneAdded{Number: "+15551234"}, m)
	require.NoError(t, err)
	_, err = s.Append(ctx, event.StreamUser, "u1", 2, event.TypeUserPhoneRemoved,
		event.UserPhoneRemoved{Number: "+15551234"}, m)
	require.NoError(t, err)

	// The fixed clock gives every entry the same created_at, so the trail
	// must still come back in insertion order.
	trail, err := q.AuditByCorrelation(ctx, first.Metadata.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "user.created", trail[0].EventType)
	assert.Equal(t, "user.phone.added", trail[1].EventType)
	assert.Equal(t, "user.phone.removed", trail[2].EventType)
	for _, entry := range trail {
		assert.Equal(t, "admin", entry.ActorID)
		assert.Equal(t, first.Metadata.CorrelationID, entry.CorrelationID)
	}
}

// TestRoutersAreExhaustive drives every declared event type through its
// stream's router. A catalog entry whose type hits the router's default
// branch fails here, which is the drift guard between the catalog and the
// dispatch tables.
func TestRoutersAreExhaustive(t *testing.T) {
	routers := map[event.StreamType]store.Router{
		event.StreamUser:         projection.NewUserRouter(),
		event.StreamOrganization: projection.NewOrganizationRouter(),
		event.StreamRole:         projection.NewRoleRouter(),
	}

	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, projection.Migrate(db))

	for _, typ := range event.Types("") {
		def, ok := event.Lookup(typ)
		require.True(t, ok)
		router := routers[def.Stream]
		require.NotNil(t, router, "no router for stream %s", def.Stream)

		data, err := json.Marshal(def.NewPayload())
		require.NoError(t, err)
		e := event.Event{
			ID:         uuid.New(),
			StreamType: def.Stream,
			StreamID:   "s1",
			Type:       typ,
			Data:       data,
			Metadata:   event.Metadata{ActorID: "admin", Reason: "test", CorrelationID: "chain-1"},
			CreatedAt:  fixedTime,
		}

		tx, err := db.Begin()
		require.NoError(t, err)
		routeErr := router.Route(context.Background(), tx, e)
		require.NoError(t, tx.Rollback())

		// Handlers may reject a zero payload, but only through their own
		// branch; the default branch means the dispatch tables drifted.
		assert.False(t, errors.Is(routeErr, projection.ErrUnhandledEventType),
			"event type %s has no handler in the %s router", typ, def.Stream)
	}
}
