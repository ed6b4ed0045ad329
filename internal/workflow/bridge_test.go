// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/notify"
	"github.com/evented-go/evented/internal/persistence/sqlite"
	"github.com/evented-go/evented/internal/projection"
	"github.com/evented-go/evented/internal/store"
)

type fakeActivity struct {
	mu          sync.Mutex
	invites     []event.UserInvited
	verifyCalls int
	verifyErr   error
}

func (a *fakeActivity) SendInviteEmail(_ context.Context, _ string, invite event.UserInvited) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invites = append(a.invites, invite)
	return nil
}

func (a *fakeActivity) VerifySubdomain(context.Context, string, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verifyCalls++
	return a.verifyErr
}

func (a *fakeActivity) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verifyCalls
}

func (a *fakeActivity) invited() []event.UserInvited {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]event.UserInvited(nil), a.invites...)
}

// newTestBridge wires a real store, projections and a miniredis-backed bus
// around the bridge under test. Backoff sleeps are disabled.
func newTestBridge(t *testing.T, act Activity, mod func(*Config)) (*Bridge, *store.Store, *projection.Queries, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, projection.Migrate(db))

	cfg := Config{BlockTimeout: 50 * time.Millisecond}
	if mod != nil {
		mod(&cfg)
	}
	cfg.withDefaults()

	dispatcher := notify.NewDispatcher(notify.NewStreamPublisher(client, cfg.Stream, 0), notify.Overrides{})
	st, err := store.New(db,
		store.WithRouter(event.StreamUser, projection.NewUserRouter()),
		store.WithRouter(event.StreamOrganization, projection.NewOrganizationRouter()),
		store.WithRouter(event.StreamRole, projection.NewRoleRouter()),
		store.WithAfterCommit(dispatcher.AfterCommit),
	)
	require.NoError(t, err)

	b := New(client, st, act, cfg)
	b.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return b, st, projection.NewQueries(db), client
}

func testMeta(correlationID string) event.Metadata {
	return event.Metadata{ActorID: "admin", Reason: "test", CorrelationID: correlationID}
}

func TestSubdomainVerifiedEndToEnd(t *testing.T) {
	// Registered before the fixture so it runs after the cleanups that close
	// the redis client and database.
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	act := &fakeActivity{}
	b, st, q, _ := newTestBridge(t, act, nil)
	ctx := context.Background()

	_, err := st.Append(ctx, event.StreamOrganization, "org-1", 0, event.TypeOrgCreated,
		event.OrganizationCreated{Name: "Acme", OwnerUserID: "u1"}, testMeta(""))
	require.NoError(t, err)
	_, err = st.Append(ctx, event.StreamOrganization, "org-1", 1, event.TypeOrgSubdomainInitiated,
		event.SubdomainInitiated{Subdomain: "acme"}, testMeta("chain-1"))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- b.Run(runCtx) }()

	require.Eventually(t, func() bool {
		org, err := q.GetOrganization(ctx, "org-1")
		return err == nil && org.SubdomainStatus == "verified"
	}, 5*time.Second, 20*time.Millisecond, "saga did not reach verified")

	cancel()
	require.NoError(t, <-done)

	// The follow-up hops reuse the initiating correlation id.
	events, err := st.Load(ctx, event.StreamOrganization, "org-1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, event.TypeOrgSubdomainInProgress, events[2].Type)
	assert.Equal(t, event.TypeOrgSubdomainVerified, events[3].Type)
	assert.Equal(t, "chain-1", events[2].Metadata.CorrelationID)
	assert.Equal(t, "chain-1", events[3].Metadata.CorrelationID)
	assert.Equal(t, 1, act.calls())
}

func TestSubdomainFailedAfterRetries(t *testing.T) {
	act := &fakeActivity{verifyErr: errors.New("dns says no")}
	b, st, q, _ := newTestBridge(t, act, func(c *Config) { c.MaxAttempts = 2 })
	ctx := context.Background()

	_, err := st.Append(ctx, event.StreamOrganization, "org-1", 0, event.TypeOrgCreated,
		event.OrganizationCreated{Name: "Acme", OwnerUserID: "u1"}, testMeta(""))
	require.NoError(t, err)
	initiated, err := st.Append(ctx, event.StreamOrganization, "org-1", 1, event.TypeOrgSubdomainInitiated,
		event.SubdomainInitiated{Subdomain: "acme"}, testMeta("chain-1"))
	require.NoError(t, err)

	// An activity failure is a domain outcome, not a handler error.
	require.NoError(t, b.handle(ctx, notify.Envelope{EventID: initiated.ID.String()}))

	assert.Equal(t, 2, act.calls())
	org, err := q.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", org.SubdomainStatus)

	events, err := st.Load(ctx, event.StreamOrganization, "org-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, event.TypeOrgSubdomainFailed, last.Type)
	payload, err := event.DecodePayload(last)
	require.NoError(t, err)
	assert.Contains(t, payload.(*event.SubdomainFailed).Reason, "dns says no")
}

func TestInviteDelivery(t *testing.T) {
	act := &fakeActivity{}
	b, st, _, _ := newTestBridge(t, act, nil)
	ctx := context.Background()

	_, err := st.Append(ctx, event.StreamUser, "u1", 0, event.TypeUserInvited,
		event.UserInvited{InviteID: "inv-1", Email: "a@example.com"}, testMeta("chain-1"))
	require.NoError(t, err)

	events, err := st.Load(ctx, event.StreamUser, "u1")
	require.NoError(t, err)
	require.NoError(t, b.handle(ctx, notify.Envelope{EventID: events[0].ID.String()}))

	invites := act.invited()
	require.Len(t, invites, 1)
	assert.Equal(t, "inv-1", invites[0].InviteID)
}

func TestDuplicateDeliverySkipped(t *testing.T) {
	act := &fakeActivity{}
	b, st, _, _ := newTestBridge(t, act, nil)
	ctx := context.Background()

	invited, err := st.Append(ctx, event.StreamUser, "u1", 0, event.TypeUserInvited,
		event.UserInvited{InviteID: "inv-1", Email: "a@example.com"}, testMeta("chain-1"))
	require.NoError(t, err)

	raw, err := json.Marshal(notify.Envelope{EventID: invited.ID.String(), EventType: string(invited.Type)})
	require.NoError(t, err)
	msg := redis.XMessage{ID: "1-1", Values: map[string]any{"envelope": string(raw)}}

	b.consume(ctx, msg)
	b.consume(ctx, msg)

	assert.Len(t, act.invited(), 1)
}

// flakyStore fails GetEvent a configured number of times before delegating,
// standing in for a store that is briefly unreachable.
type flakyStore struct {
	EventStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) GetEvent(ctx context.Context, id uuid.UUID) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return event.Event{}, errors.New("store briefly unavailable")
	}
	return f.EventStore.GetEvent(ctx, id)
}

func readGroup(t *testing.T, client *redis.Client, cfg Config) []redis.XMessage {
	t.Helper()
	res, err := client.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		Streams:  []string{cfg.Stream, ">"},
		Count:    10,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
	return res[0].Messages
}

func pendingCount(t *testing.T, client *redis.Client, cfg Config) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestTransientFailureLeavesMessagePending(t *testing.T) {
	act := &fakeActivity{}
	b, st, _, client := newTestBridge(t, act, nil)
	ctx := context.Background()
	b.store = &flakyStore{EventStore: st, failures: 1}

	_, err := st.Append(ctx, event.StreamUser, "u1", 0, event.TypeUserInvited,
		event.UserInvited{InviteID: "inv-1", Email: "a@example.com"}, testMeta("chain-1"))
	require.NoError(t, err)

	require.NoError(t, b.ensureGroup(ctx))
	msgs := readGroup(t, client, b.cfg)
	require.Len(t, msgs, 1)

	// The first delivery hits the outage: no invite, no ack.
	b.consume(ctx, msgs[0])
	assert.Empty(t, act.invited())
	assert.EqualValues(t, 1, pendingCount(t, client, b.cfg))

	// Redelivering the pending entry completes the workflow and acks it.
	b.consume(ctx, msgs[0])
	assert.Len(t, act.invited(), 1)
	assert.EqualValues(t, 0, pendingCount(t, client, b.cfg))

	// A further delivery is a duplicate, not a second email.
	b.consume(ctx, msgs[0])
	assert.Len(t, act.invited(), 1)
}

func TestVanishedEventDropped(t *testing.T) {
	act := &fakeActivity{}
	b, _, _, client := newTestBridge(t, act, nil)
	ctx := context.Background()

	require.NoError(t, b.ensureGroup(ctx))
	raw, err := json.Marshal(notify.Envelope{EventID: uuid.NewString(), EventType: string(event.TypeUserInvited)})
	require.NoError(t, err)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{"envelope": string(raw)},
	}).Err())

	msgs := readGroup(t, client, b.cfg)
	require.Len(t, msgs, 1)

	// No event behind the envelope: redelivery cannot help, so the message
	// is acked and dropped.
	b.consume(ctx, msgs[0])
	assert.Empty(t, act.invited())
	assert.EqualValues(t, 0, pendingCount(t, client, b.cfg))
}

func TestHopBoundStopsTheChain(t *testing.T) {
	act := &fakeActivity{}
	b, st, _, _ := newTestBridge(t, act, func(c *Config) { c.MaxHops = 2 })
	ctx := context.Background()

	// Two events already share the chain; the bound of two leaves no room
	// for follow-ups.
	_, err := st.Append(ctx, event.StreamOrganization, "org-1", 0, event.TypeOrgCreated,
		event.OrganizationCreated{Name: "Acme", OwnerUserID: "u1"}, testMeta("chain-1"))
	require.NoError(t, err)
	initiated, err := st.Append(ctx, event.StreamOrganization, "org-1", 1, event.TypeOrgSubdomainInitiated,
		event.SubdomainInitiated{Subdomain: "acme"}, testMeta("chain-1"))
	require.NoError(t, err)

	err = b.handle(ctx, notify.Envelope{EventID: initiated.ID.String()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hop bound")

	assert.Equal(t, 0, act.calls())
	version, err := st.CurrentVersion(ctx, event.StreamOrganization, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestCancelledEnvelopeNeedsNoWorkflow(t *testing.T) {
	act := &fakeActivity{}
	b, st, _, _ := newTestBridge(t, act, nil)
	ctx := context.Background()

	_, err := st.Append(ctx, event.StreamOrganization, "org-1", 0, event.TypeOrgCreated,
		event.OrganizationCreated{Name: "Acme", OwnerUserID: "u1"}, testMeta(""))
	require.NoError(t, err)
	_, err = st.Append(ctx, event.StreamOrganization, "org-1", 1, event.TypeOrgSubdomainInitiated,
		event.SubdomainInitiated{Subdomain: "acme"}, testMeta("chain-1"))
	require.NoError(t, err)
	cancelled, err := st.Append(ctx, event.StreamOrganization, "org-1", 2, event.TypeOrgSubdomainCancelled,
		event.SubdomainCancelled{Subdomain: "acme"}, testMeta("chain-1"))
	require.NoError(t, err)

	require.NoError(t, b.handle(ctx, notify.Envelope{EventID: cancelled.ID.String()}))
	assert.Equal(t, 0, act.calls())
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	b, _, _, _ := newTestBridge(t, &fakeActivity{}, nil)
	ctx := context.Background()

	require.NoError(t, b.ensureGroup(ctx))
	require.NoError(t, b.ensureGroup(ctx))
}
