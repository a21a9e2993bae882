package amqp

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ingestEnvelope is the broker wire shape for management-plane events.
// OccurredAt lets upstream producers preserve origin time through the
// broker hop.
type ingestEnvelope struct {
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	Priority   string         `json:"priority,omitempty"`
	Source     string         `json:"source,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
}

// DomainHandler is the functional signature for ingest business logic.
type DomainHandler[T any] func(ctx context.Context, payload *T) error

// Bind connects watermill to domain logic, handling panic recovery and
// poison-pill protection.
func Bind[T any](h *IngestHandler, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("ingest handler panic recovered",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			h.logger.Error("ingest decode failed", "err", err, "msg_id", msg.UUID)
			return nil // ACK: poison pill protection.
		}

		if err := fn(msg.Context(), payload); err != nil {
			return err // NACK: triggers the retry policy.
		}
		return nil
	}
}
