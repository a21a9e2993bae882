package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
	"github.com/orbitdns/event-fabric/internal/metrics"
)

var ErrHubClosed = errors.New("registry: hub is shut down")

// Hubber is the connection-manager gateway used by transports and the
// dispatcher.
type Hubber interface {
	Accept(ctx context.Context, identity model.Identity) (*Session, error)
	Get(sessionID uuid.UUID) (*Session, bool)
	Send(sessionID uuid.UUID, frame *event.Frame, prio event.Priority) bool
	SendControl(sessionID uuid.UUID, frame *event.Frame) bool
	BroadcastControl(frame *event.Frame)
	Close(sessionID uuid.UUID, code int)
	Len() int
	StartedAt() time.Time
}

// Hub holds at most one live Session per identity. Dispatchers only ever
// receive session ids from subscription snapshots and go through Send, so
// the lock here is the single synchronization point for session lifetime.
type Hub struct {
	mu         sync.RWMutex
	byIdentity map[string]*Session
	byID       map[uuid.UUID]*Session
	down       bool

	logger  *slog.Logger
	metrics *metrics.Metrics
	config  hubConfig

	// Lifecycle hooks. onClose runs after a session leaves the registry;
	// the subscription index and filter state clean up through these.
	// onAccept runs after registration (audit trail).
	hookMu   sync.Mutex
	onClose  []func(*Session)
	onAccept []func(*Session)

	startedAt time.Time
}

type hubConfig struct {
	queueDepth    int
	drainDeadline time.Duration
}

func NewHub(logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Hub {
	h := &Hub{
		byIdentity: make(map[string]*Session),
		byID:       make(map[uuid.UUID]*Session),
		logger:     logger,
		metrics:    m,
		config: hubConfig{
			queueDepth:    1024,
			drainDeadline: 5 * time.Second,
		},
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnSessionClose registers a teardown hook. Hooks must not call back into
// the hub.
func (h *Hub) OnSessionClose(fn func(*Session)) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.onClose = append(h.onClose, fn)
}

// OnSessionAccept registers a hook run after a session is registered.
func (h *Hub) OnSessionAccept(fn func(*Session)) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.onAccept = append(h.onAccept, fn)
}

// Accept registers a session for the identity, evicting any prior session
// with session_superseded first. The caller has already validated the
// token.
func (h *Hub) Accept(ctx context.Context, identity model.Identity) (*Session, error) {
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	prev := h.byIdentity[identity.UserID]
	if prev != nil {
		delete(h.byID, prev.ID())
	}
	s := newSession(ctx, identity, h.config.queueDepth)
	s.MarkAuthenticated()
	h.byIdentity[identity.UserID] = s
	h.byID[s.ID()] = s
	h.mu.Unlock()

	if prev != nil {
		h.metrics.SessionsSuperseded.Inc()
		h.logger.Info("session superseded",
			"user_id", identity.UserID, "old_session", prev.ID(), "new_session", s.ID())
		h.teardown(prev, model.CloseSessionSuperseded)
	}

	h.metrics.SessionsTotal.Inc()
	h.metrics.SessionsActive.Inc()

	h.hookMu.Lock()
	hooks := make([]func(*Session), len(h.onAccept))
	copy(hooks, h.onAccept)
	h.hookMu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
	return s, nil
}

func (h *Hub) Get(sessionID uuid.UUID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byID[sessionID]
	return s, ok
}

// Send enqueues an event frame with a per-session sequence number.
// Returns false when the frame was dropped or the session is gone.
func (h *Hub) Send(sessionID uuid.UUID, frame *event.Frame, prio event.Priority) bool {
	s, ok := h.Get(sessionID)
	if !ok {
		return false
	}
	switch s.Enqueue(frame, prio, true) {
	case EnqueueOK:
		h.metrics.IncSent()
		return true
	case EnqueueDropped:
		h.metrics.IncDropped()
	}
	return false
}

// SendControl enqueues a control frame (no sequence number). Control
// frames ride at CRITICAL priority so acknowledgements survive pressure.
func (h *Hub) SendControl(sessionID uuid.UUID, frame *event.Frame) bool {
	s, ok := h.Get(sessionID)
	if !ok {
		return false
	}
	return s.Enqueue(frame, event.PriorityCritical, false) == EnqueueOK
}

// BroadcastControl fans a control frame out to every live session.
func (h *Hub) BroadcastControl(frame *event.Frame) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.byID))
	for _, s := range h.byID {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Enqueue(frame, event.PriorityCritical, false)
	}
}

// Close removes the session from the registry and starts its drain. The
// transport finishes the close handshake and calls FinishClose.
func (h *Hub) Close(sessionID uuid.UUID, code int) {
	h.mu.Lock()
	s, ok := h.byID[sessionID]
	if ok {
		delete(h.byID, sessionID)
		if cur := h.byIdentity[s.Identity().UserID]; cur == s {
			delete(h.byIdentity, s.Identity().UserID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.teardown(s, code)
}

func (h *Hub) teardown(s *Session, code int) {
	s.beginClose(code)
	h.metrics.SessionsActive.Dec()
	h.logger.Info("session closing",
		"session_id", s.ID(), "user_id", s.Identity().UserID,
		"code", code, "reason", model.CloseReason(code))

	h.hookMu.Lock()
	hooks := make([]func(*Session), len(h.onClose))
	copy(hooks, h.onClose)
	h.hookMu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
}

// Len is the number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

func (h *Hub) StartedAt() time.Time { return h.startedAt }

// DrainDeadline is how long a closing session may keep flushing.
func (h *Hub) DrainDeadline() time.Duration { return h.config.drainDeadline }

// Shutdown evicts every session with going_away and refuses new accepts.
// Sessions get a server_shutdown notice ahead of the close frame; it is
// enqueued before teardown so the drain path flushes it.
func (h *Hub) Shutdown(ctx context.Context) {
	h.BroadcastControl(event.NewControlFrame(event.MsgServerShutdown, map[string]any{
		"reason": model.CloseReason(model.CloseGoingAway),
	}))

	h.mu.Lock()
	h.down = true
	sessions := make([]*Session, 0, len(h.byID))
	for _, s := range h.byID {
		sessions = append(sessions, s)
	}
	h.byID = make(map[uuid.UUID]*Session)
	h.byIdentity = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		h.teardown(s, model.CloseGoingAway)
	}

	// Give transports until the deadline to finish their close frames.
	deadline := time.After(h.config.drainDeadline)
	for _, s := range sessions {
		select {
		case <-s.Context().Done():
		case <-deadline:
			s.FinishClose()
		case <-ctx.Done():
			s.FinishClose()
		}
	}
}
