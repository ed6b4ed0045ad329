// SPDX-License-Identifier: MIT

// Package workflow consumes the notification bus and drives long-running
// side-effect flows. Terminal outcomes re-enter the engine as ordinary
// domain events through the same append contract as user-originated writes.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/log"
	"github.com/evented-go/evented/internal/metrics"
	"github.com/evented-go/evented/internal/notify"
	"github.com/evented-go/evented/internal/store"
)

// EventStore is the slice of the event store the bridge needs. Follow-up
// events go through Append, so they get the same validation, ordering and
// audit treatment as any other write.
type EventStore interface {
	Append(ctx context.Context, streamType event.StreamType, streamID string, expectedVersion int64, eventType event.Type, data any, meta event.Metadata) (event.Event, error)
	GetEvent(ctx context.Context, eventID uuid.UUID) (event.Event, error)
	CurrentVersion(ctx context.Context, streamType event.StreamType, streamID string) (int64, error)
	CountByCorrelation(ctx context.Context, correlationID string) (int, error)
}

// Activity performs the external side effects. Implementations own provider
// specifics; the bridge owns retry, backoff and the saga state.
type Activity interface {
	SendInviteEmail(ctx context.Context, userID string, invite event.UserInvited) error
	VerifySubdomain(ctx context.Context, organizationID, subdomain string) error
}

// errDropMessage marks failures no redelivery can repair (bad envelope,
// vanished event, rejected transition). Such messages are acknowledged and
// dropped instead of being retried forever.
var errDropMessage = errors.New("message cannot be handled")

// Config tunes the bridge consumer.
type Config struct {
	Stream       string
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	ReadCount    int64
	ClaimMinIdle time.Duration // pending entries older than this are claimed for retry
	MaxHops      int           // max events per correlation chain
	MaxAttempts  int           // activity retries before the flow fails
	RetryBackoff time.Duration // initial backoff between activity attempts
	MaxBackoff   time.Duration
	DedupeTTL    time.Duration // how long handled event ids stay remembered
}

func (c *Config) withDefaults() {
	if c.Stream == "" {
		c.Stream = "eventd:notifications"
	}
	if c.Group == "" {
		c.Group = "workflow-bridge"
	}
	if c.Consumer == "" {
		c.Consumer = "bridge-1"
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 16
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 24 * time.Hour
	}
}

// Bridge subscribes to the notification stream through a consumer group and
// dispatches each envelope to its workflow. Delivery is at-least-once: a
// message is acknowledged and its event id remembered only after handling
// succeeded, so a transient failure leaves the entry pending and a later
// claim retries it.
type Bridge struct {
	client   *redis.Client
	store    EventStore
	activity Activity
	cfg      Config
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Bridge. The config is defaulted in place.
func New(client *redis.Client, st EventStore, activity Activity, cfg Config) *Bridge {
	cfg.withDefaults()
	return &Bridge{
		client:   client,
		store:    st,
		activity: activity,
		cfg:      cfg,
		logger:   log.WithComponent("workflow"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run consumes until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		b.claimStale(ctx)

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    b.cfg.ReadCount,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn().Err(err).Msg("bus read failed; retrying")
			if err := b.sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.consume(ctx, msg)
			}
		}
	}
}

func (b *Bridge) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", b.cfg.Group, b.cfg.Stream, err)
	}
	return nil
}

// claimStale takes over pending entries whose consumer went away or whose
// handling failed transiently, so un-acked messages are eventually retried.
func (b *Bridge) claimStale(ctx context.Context) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    b.cfg.ReadCount,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			b.logger.Warn().Err(err).Msg("claim of pending entries failed")
		}
		return
	}
	for _, msg := range msgs {
		b.consume(ctx, msg)
	}
}

// consume handles one bus message. Acknowledgement policy:
//
//	duplicate or unrepairable message  ack, drop
//	handled successfully               mark event id handled, then ack
//	transient failure                  no ack; a later claim retries it
func (b *Bridge) consume(ctx context.Context, msg redis.XMessage) {
	env, err := notify.ParseEnvelope(msg.Values)
	if err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("unparseable bus message dropped")
		b.ack(ctx, msg.ID)
		return
	}

	handled, err := b.alreadyHandled(ctx, env.EventID)
	if err != nil {
		b.logger.Warn().Err(err).Str(log.FieldEventID, env.EventID).Msg("dedupe check failed; handling anyway")
	} else if handled {
		metrics.WorkflowDuplicatesTotal.Inc()
		b.logger.Debug().Str(log.FieldEventID, env.EventID).Msg("duplicate delivery skipped")
		b.ack(ctx, msg.ID)
		return
	}

	if err := b.handle(ctx, env); err != nil {
		if errors.Is(err, errDropMessage) || isRejectedAppend(err) {
			b.logger.Error().Err(err).
				Str(log.FieldEventID, env.EventID).
				Str(log.FieldEventType, env.EventType).
				Msg("workflow message dropped")
			b.ack(ctx, msg.ID)
			return
		}
		// Transient: leave the entry pending so a later claim retries it.
		b.logger.Error().Err(err).
			Str(log.FieldEventID, env.EventID).
			Str(log.FieldEventType, env.EventType).
			Msg("workflow handling failed; message left pending for retry")
		return
	}

	if err := b.markHandled(ctx, env.EventID); err != nil {
		b.logger.Warn().Err(err).Str(log.FieldEventID, env.EventID).Msg("dedupe record failed; a redelivery may repeat this workflow")
	}
	b.ack(ctx, msg.ID)
}

func (b *Bridge) ack(ctx context.Context, msgID string) {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, msgID).Err(); err != nil {
		b.logger.Warn().Err(err).Str("message_id", msgID).Msg("ack failed")
	}
}

func seenKey(eventID string) string {
	return "eventd:workflow:seen:" + eventID
}

func (b *Bridge) alreadyHandled(ctx context.Context, eventID string) (bool, error) {
	n, err := b.client.Exists(ctx, seenKey(eventID)).Result()
	return n > 0, err
}

// markHandled records the event id once handling succeeded. Recording after
// the work keeps the path at-least-once: a crash in between repeats the
// workflow rather than losing it.
func (b *Bridge) markHandled(ctx context.Context, eventID string) error {
	return b.client.Set(ctx, seenKey(eventID), 1, b.cfg.DedupeTTL).Err()
}

// isRejectedAppend reports a follow-up append that was durably rejected by
// the projection (e.g. a cancellation raced in). The saga ends; retrying the
// message would replay the same rejection.
func isRejectedAppend(err error) bool {
	var procErr *store.ProcessingError
	return errors.As(err, &procErr)
}

func (b *Bridge) handle(ctx context.Context, env notify.Envelope) error {
	id, err := uuid.Parse(env.EventID)
	if err != nil {
		return fmt.Errorf("%w: bad event id on bus: %v", errDropMessage, err)
	}
	e, err := b.store.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			return fmt.Errorf("%w: %v", errDropMessage, err)
		}
		return fmt.Errorf("load event for envelope: %w", err)
	}
	ctx = log.ContextWithCorrelationID(ctx, e.Metadata.CorrelationID)

	switch e.Type {
	case event.TypeUserInvited:
		return b.runInviteDelivery(ctx, e)
	case event.TypeOrgSubdomainInitiated:
		return b.runSubdomainVerification(ctx, e)
	case event.TypeOrgSubdomainCancelled:
		// Nothing to drive: the projection already recorded the terminal
		// state; the notification exists for external observers.
		logger := log.WithContext(ctx, b.logger)
		logger.Info().
			Str(log.FieldStreamID, e.StreamID).
			Msg("subdomain verification cancelled")
		return nil
	default:
		logger := log.WithContext(ctx, b.logger)
		logger.Warn().
			Str(log.FieldEventType, string(e.Type)).
			Msg("no workflow registered for allow-listed event type")
		return nil
	}
}

func (b *Bridge) runInviteDelivery(ctx context.Context, e event.Event) error {
	payload, err := event.DecodePayload(e)
	if err != nil {
		return fmt.Errorf("%w: %v", errDropMessage, err)
	}
	invite := payload.(*event.UserInvited)

	if err := b.withRetries(ctx, func(ctx context.Context) error {
		return b.activity.SendInviteEmail(ctx, e.StreamID, *invite)
	}); err != nil {
		return fmt.Errorf("send invite email: %w", err)
	}
	logger := log.WithContext(ctx, b.logger)
	logger.Info().
		Str(log.FieldStreamID, e.StreamID).
		Str("invite_id", invite.InviteID).
		Msg("invite email delivered")
	return nil
}

// runSubdomainVerification drives initiated -> in_progress -> {verified|failed}.
// Each transition is an ordinary append; the organization router enforces the
// state machine, so a cancellation that raced in simply rejects the next hop.
func (b *Bridge) runSubdomainVerification(ctx context.Context, e event.Event) error {
	payload, err := event.DecodePayload(e)
	if err != nil {
		return fmt.Errorf("%w: %v", errDropMessage, err)
	}
	initiated := payload.(*event.SubdomainInitiated)

	hops, err := b.store.CountByCorrelation(ctx, e.Metadata.CorrelationID)
	if err != nil {
		return err
	}
	if hops >= b.cfg.MaxHops {
		return fmt.Errorf("%w: correlation chain %s already has %d events; refusing to extend past the hop bound %d",
			errDropMessage, e.Metadata.CorrelationID, hops, b.cfg.MaxHops)
	}

	meta := event.Metadata{
		ActorID:       "workflow:subdomain",
		Reason:        "subdomain verification",
		CorrelationID: e.Metadata.CorrelationID,
	}

	if _, err := b.appendWithRetry(ctx, e.StreamID, event.TypeOrgSubdomainInProgress,
		event.SubdomainInProgress{Subdomain: initiated.Subdomain, Attempt: 1}, meta); err != nil {
		// A rejected transition here usually means the flow was cancelled or
		// already resolved; the saga stops without a terminal append.
		return fmt.Errorf("enter in_progress: %w", err)
	}
	metrics.WorkflowTransitionsTotal.WithLabelValues("subdomain", "in_progress").Inc()

	verifyErr := b.withRetries(ctx, func(ctx context.Context) error {
		return b.activity.VerifySubdomain(ctx, e.StreamID, initiated.Subdomain)
	})

	if verifyErr != nil {
		if _, err := b.appendWithRetry(ctx, e.StreamID, event.TypeOrgSubdomainFailed,
			event.SubdomainFailed{Subdomain: initiated.Subdomain, Reason: verifyErr.Error()}, meta); err != nil {
			return fmt.Errorf("record verification failure: %w", err)
		}
		metrics.WorkflowTransitionsTotal.WithLabelValues("subdomain", "failed").Inc()
		logger := log.WithContext(ctx, b.logger)
		logger.Warn().
			Err(verifyErr).
			Str(log.FieldStreamID, e.StreamID).
			Str(log.FieldNewState, "failed").
			Msg("subdomain verification failed")
		return nil
	}

	if _, err := b.appendWithRetry(ctx, e.StreamID, event.TypeOrgSubdomainVerified,
		event.SubdomainVerified{Subdomain: initiated.Subdomain}, meta); err != nil {
		return fmt.Errorf("record verification success: %w", err)
	}
	metrics.WorkflowTransitionsTotal.WithLabelValues("subdomain", "verified").Inc()
	logger := log.WithContext(ctx, b.logger)
	logger.Info().
		Str(log.FieldStreamID, e.StreamID).
		Str(log.FieldNewState, "verified").
		Msg("subdomain verified")
	return nil
}

// appendWithRetry reloads the stream version and retries on optimistic-lock
// conflicts; losing a version race against a concurrent writer is expected.
func (b *Bridge) appendWithRetry(ctx context.Context, orgID string, typ event.Type, payload any, meta event.Metadata) (event.Event, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		version, err := b.store.CurrentVersion(ctx, event.StreamOrganization, orgID)
		if err != nil {
			return event.Event{}, err
		}
		e, err := b.store.Append(ctx, event.StreamOrganization, orgID, version, typ, payload, meta)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return event.Event{}, err
		}
		lastErr = err
	}
	return event.Event{}, fmt.Errorf("append %s gave up after version conflicts: %w", typ, lastErr)
}

// withRetries runs fn under the configured attempt budget with doubling,
// capped backoff.
func (b *Bridge) withRetries(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := b.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt < b.cfg.MaxAttempts {
			if err := b.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > b.cfg.MaxBackoff {
				backoff = b.cfg.MaxBackoff
			}
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", b.cfg.MaxAttempts, lastErr)
}
