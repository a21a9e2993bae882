package amqp

import (
	"context"
	"log/slog"
	"time"

	"github.com/orbitdns/event-fabric/internal/adapter/pubsub"
	"github.com/orbitdns/event-fabric/internal/domain/model"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
)

// sessionAudit is the broker record for one session lifecycle transition.
type sessionAudit struct {
	Action    string    `json:"action"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CloseCode int       `json:"close_code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`

	topic string
}

func (a sessionAudit) RoutingKey() string { return a.topic }

// Auditor mirrors session lifecycle onto the broker so compliance
// tooling can follow connections without touching the fabric.
type Auditor struct {
	logger     *slog.Logger
	dispatcher pubsub.EventDispatcher
	exchange   string
}

func NewAuditor(logger *slog.Logger, dispatcher pubsub.EventDispatcher, exchange string) *Auditor {
	return &Auditor{logger: logger, dispatcher: dispatcher, exchange: exchange}
}

// SessionOpened is registered as a hub accept hook.
func (a *Auditor) SessionOpened(s *registry.Session) {
	a.publish(sessionAudit{
		Action:    "opened",
		SessionID: s.ID().String(),
		UserID:    s.Identity().UserID,
		Role:      roleName(s.Identity()),
		At:        time.Now().UTC(),
		topic:     a.exchange + ".session.opened.v1",
	})
}

// SessionClosed is registered as a hub close hook.
func (a *Auditor) SessionClosed(s *registry.Session) {
	code := s.CloseCode()
	a.publish(sessionAudit{
		Action:    "closed",
		SessionID: s.ID().String(),
		UserID:    s.Identity().UserID,
		Role:      roleName(s.Identity()),
		CloseCode: code,
		Reason:    model.CloseReason(code),
		At:        time.Now().UTC(),
		topic:     a.exchange + ".session.closed.v1",
	})
}

// publish is fire-and-forget; the audit trail must never stall a
// connection teardown.
func (a *Auditor) publish(rec sessionAudit) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.dispatcher.Publish(ctx, rec); err != nil {
			a.logger.Warn("audit publish failed",
				"action", rec.Action, "session_id", rec.SessionID, "err", err)
		}
	}()
}

func roleName(id model.Identity) string {
	if id.IsAdmin() {
		return "admin"
	}
	return "user"
}
