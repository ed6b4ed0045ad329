// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evented-go/evented/internal/event"
)

func testEvent(typ event.Type) event.Event {
	return event.Event{
		ID:         uuid.New(),
		StreamType: event.StreamUser,
		StreamID:   "u1",
		Type:       typ,
		Metadata:   event.Metadata{ActorID: "admin", Reason: "test", CorrelationID: "c1"},
		CreatedAt:  time.Now().UTC(),
	}
}

type capturePublisher struct {
	published []Envelope
	err       error
}

func (p *capturePublisher) Publish(ctx context.Context, env Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, env)
	return nil
}

func TestDispatcherFiltersByAllowList(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDispatcher(pub, Overrides{})
	ctx := context.Background()

	// user.invited is notify-flagged in the catalog; user.created is not.
	d.AfterCommit(ctx, testEvent(event.TypeUserInvited))
	d.AfterCommit(ctx, testEvent(event.TypeUserCreated))

	require.Len(t, pub.published, 1)
	assert.Equal(t, string(event.TypeUserInvited), pub.published[0].EventType)
	assert.Equal(t, "user", pub.published[0].StreamType)
	assert.Equal(t, "u1", pub.published[0].StreamID)
	assert.False(t, pub.published[0].EnqueuedAt.IsZero())
}

func TestDispatcherOverrides(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDispatcher(pub, Overrides{
		ExtraTypes:    []string{string(event.TypeUserCreated)},
		DisabledTypes: []string{string(event.TypeUserInvited)},
	})

	assert.True(t, d.Allowed(event.TypeUserCreated))
	assert.False(t, d.Allowed(event.TypeUserInvited))

	// Reload swaps the list atomically back to the catalog default.
	d.SetOverrides(Overrides{})
	assert.False(t, d.Allowed(event.TypeUserCreated))
	assert.True(t, d.Allowed(event.TypeUserInvited))
}

func TestDispatcherPublishFailureIsSwallowed(t *testing.T) {
	pub := &capturePublisher{err: errors.New("bus down")}
	d := NewDispatcher(pub, Overrides{})

	// Must not panic or propagate; the event is already durable.
	d.AfterCommit(context.Background(), testEvent(event.TypeUserInvited))
	assert.Empty(t, pub.published)
}

func TestStreamPublisherRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewStreamPublisher(client, "eventd:notifications", 0)
	ctx := context.Background()

	env := Envelope{
		EventID:    uuid.NewString(),
		StreamType: "organization",
		StreamID:   "org-1",
		EventType:  "organization.subdomain.initiated",
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, pub.Publish(ctx, env))

	msgs, err := client.XRange(ctx, "eventd:notifications", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	values := make(map[string]any, len(msgs[0].Values))
	for k, v := range msgs[0].Values {
		values[k] = v
	}
	got, err := ParseEnvelope(values)
	require.NoError(t, err)
	if diff := cmp.Diff(env, got); diff != "" {
		t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	_, err := ParseEnvelope(map[string]any{})
	assert.Error(t, err)

	_, err = ParseEnvelope(map[string]any{"envelope": "{not json"})
	assert.Error(t, err)
}
