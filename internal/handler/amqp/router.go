// Package amqp bridges the message broker into the fabric: management
// plane services publish envelopes to the dns.events streams and the
// ingest handlers re-emit them through the broadcaster. An audit
// publisher mirrors session lifecycle back onto the broker.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/orbitdns/event-fabric/internal/adapter/pubsub"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/fabric/broadcast"
)

const (
	// ------------------- TOPICS (STREAMS) ----------------------
	TopicZoneEvents     = "dns.events.zones.v1"
	TopicRecordEvents   = "dns.events.records.v1"
	TopicSecurityEvents = "dns.events.security.v1"
	TopicSystemEvents   = "dns.events.system.v1"

	// ------------------- POISON ------------------------------
	IngestPoisonTopic = "event-fabric.ingest.poison.v1"
)

// IngestHandler decodes broker envelopes and hands them to the
// broadcaster, which owns validation, history and fan-out.
type IngestHandler struct {
	logger     *slog.Logger
	producer   broadcast.Producer
	dispatcher pubsub.EventDispatcher
}

func NewIngestHandler(logger *slog.Logger, producer broadcast.Producer, dispatcher pubsub.EventDispatcher) *IngestHandler {
	return &IngestHandler{logger: logger, producer: producer, dispatcher: dispatcher}
}

// RegisterHandlers wires one consumer per stream onto the router. Add new
// stream listeners here by following this table-driven pattern.
func (h *IngestHandler) RegisterHandlers(router *message.Router, provider *pubsub.Provider) error {
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), IngestPoisonTopic)
	if err != nil {
		return fmt.Errorf("amqp: poison queue setup: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_ZONE_EVENTS", TopicZoneEvents, Bind(h, h.OnDomainEventV1)},
		{"ON_RECORD_EVENTS", TopicRecordEvents, Bind(h, h.OnDomainEventV1)},
		{"ON_SECURITY_EVENTS", TopicSecurityEvents, Bind(h, h.OnSecurityEventV1)},
		{"ON_SYSTEM_EVENTS", TopicSystemEvents, Bind(h, h.OnDomainEventV1)},
	}

	for _, c := range configs {
		sub, err := provider.BuildSubscriber()
		if err != nil {
			return fmt.Errorf("amqp: subscriber for %s: %w", c.name, err)
		}

		router.AddNoPublisherHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(time.Second*30),
		)
	}

	h.logger.Info("broker ingest pipeline ready", "streams", len(configs))
	return nil
}

// OnDomainEventV1 re-emits a broker envelope through the broadcaster.
// Unknown event types are acked and dropped; retrying cannot fix them.
func (h *IngestHandler) OnDomainEventV1(_ context.Context, env *ingestEnvelope) error {
	return h.emit(env, nil)
}

// OnSecurityEventV1 handles the security stream; anything arriving there
// rides at least the HIGH lane regardless of the producer's marking.
func (h *IngestHandler) OnSecurityEventV1(_ context.Context, env *ingestEnvelope) error {
	floor := event.PriorityHigh
	return h.emit(env, &floor)
}

func (h *IngestHandler) emit(env *ingestEnvelope, priorityFloor *event.Priority) error {
	opts := []broadcast.EmitOption{}

	source := env.Source
	if source == "" {
		source = "amqp"
	}
	opts = append(opts, broadcast.WithSource(source))

	prio := event.ParsePriority(env.Priority)
	if priorityFloor != nil && *priorityFloor > prio {
		prio = *priorityFloor
	}
	opts = append(opts, broadcast.WithPriority(prio))

	if len(env.Tags) > 0 {
		opts = append(opts, broadcast.WithTags(env.Tags...))
	}
	if env.OccurredAt != nil {
		opts = append(opts, broadcast.WithTimestamp(*env.OccurredAt))
	}

	id, err := h.producer.Emit(event.Type(env.EventType), env.Payload, opts...)
	if err != nil {
		if errors.Is(err, broadcast.ErrInvalidEventType) {
			h.logger.Warn("broker envelope with unknown event type dropped",
				"event_type", env.EventType)
			return nil
		}
		return err
	}
	h.logger.Debug("broker event ingested", "event_id", id, "type", env.EventType)
	return nil
}
