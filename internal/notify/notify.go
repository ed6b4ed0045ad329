// SPDX-License-Identifier: MIT

// Package notify fans events out to the asynchronous side-effect path. The
// dispatcher runs as an after-commit hook of the event store: it filters to
// the allow-listed event types and publishes a compact envelope to a Redis
// Stream. Consumers fetch full event data by id when they need it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/log"
	"github.com/evented-go/evented/internal/metrics"
)

// Envelope is the bus message: identifiers only, no business payload.
type Envelope struct {
	EventID    string    `json:"eventId"`
	StreamType string    `json:"streamType"`
	StreamID   string    `json:"streamId"`
	EventType  string    `json:"eventType"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Publisher delivers one envelope to the bus.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// StreamPublisher publishes envelopes to a Redis Stream via XADD.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher creates a publisher for the given stream key. maxLen
// caps the stream with approximate trimming; 0 disables trimming.
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends the envelope to the stream.
func (p *StreamPublisher) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"envelope": string(payload)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd to %s: %w", p.stream, err)
	}
	return nil
}

// ParseEnvelope decodes a bus message produced by StreamPublisher.
func ParseEnvelope(values map[string]any) (Envelope, error) {
	raw, ok := values["envelope"].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("bus message has no envelope field")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// Dispatcher filters committed events against the allow-list and publishes
// envelopes. Publish failures are logged and counted, never propagated: the
// event already happened and the bus consumer's retry policy owns delivery.
type Dispatcher struct {
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	allowed map[event.Type]struct{}
}

// Overrides adjusts the catalog-derived allow-list from configuration.
type Overrides struct {
	ExtraTypes    []string
	DisabledTypes []string
}

// NewDispatcher builds the allow-list from the event catalog plus overrides.
func NewDispatcher(pub Publisher, ov Overrides) *Dispatcher {
	d := &Dispatcher{
		pub:    pub,
		logger: log.WithComponent("notify"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	d.SetOverrides(ov)
	return d
}

// SetOverrides atomically replaces the allow-list; called on config reload.
func (d *Dispatcher) SetOverrides(ov Overrides) {
	allowed := make(map[event.Type]struct{})
	for _, typ := range event.NotifyTypes() {
		allowed[typ] = struct{}{}
	}
	for _, typ := range ov.ExtraTypes {
		allowed[event.Type(typ)] = struct{}{}
	}
	for _, typ := range ov.DisabledTypes {
		delete(allowed, event.Type(typ))
	}

	d.mu.Lock()
	d.allowed = allowed
	d.mu.Unlock()
}

// Allowed reports whether an event type currently fans out to the bus.
func (d *Dispatcher) Allowed(typ event.Type) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.allowed[typ]
	return ok
}

// AfterCommit is the store hook. It only ever sees committed events, so the
// "never notify about a rolled-back write" guarantee holds by construction.
func (d *Dispatcher) AfterCommit(ctx context.Context, e event.Event) {
	if !d.Allowed(e.Type) {
		return
	}

	env := Envelope{
		EventID:    e.ID.String(),
		StreamType: string(e.StreamType),
		StreamID:   e.StreamID,
		EventType:  string(e.Type),
		EnqueuedAt: d.now(),
	}
	if err := d.pub.Publish(ctx, env); err != nil {
		metrics.NotificationFailuresTotal.Inc()
		logger := log.WithContext(ctx, d.logger)
		logger.Error().
			Err(err).
			Str(log.FieldEventID, env.EventID).
			Str(log.FieldEventType, env.EventType).
			Msg("envelope publish failed; bus consumers will not see this event until reprocessed")
		return
	}
	metrics.NotificationsPublishedTotal.WithLabelValues(env.EventType).Inc()
}
