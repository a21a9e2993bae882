// Package ws serves the unified realtime channel: one authenticated
// WebSocket per identity multiplexing every event stream. The handler
// runs the read pump; a companion goroutine drains the session's
// outbound queue and drives the heartbeat.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orbitdns/event-fabric/internal/auth"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
	"github.com/orbitdns/event-fabric/internal/fabric/broadcast"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
	"github.com/orbitdns/event-fabric/internal/fabric/subscribe"
	"github.com/orbitdns/event-fabric/internal/metrics"
)

type HandlerConfig struct {
	PingPeriod           time.Duration
	WriteTimeout         time.Duration
	ProtocolErrorBudget  int
	DroppedNoticeEvery   time.Duration
	BackpressureTerminal time.Duration
	// CriticalDeadline bounds how long a CRITICAL frame may sit undelivered
	// on the outbound queue before the session is terminated.
	CriticalDeadline time.Duration
}

type Handler struct {
	logger      *slog.Logger
	verifier    auth.Verifier
	hub         registry.Hubber
	broadcaster *broadcast.Broadcaster
	index       *subscribe.Index
	metrics     *metrics.Metrics
	config      HandlerConfig
	upgrader    websocket.Upgrader
}

func NewHandler(
	logger *slog.Logger,
	verifier auth.Verifier,
	hub registry.Hubber,
	broadcaster *broadcast.Broadcaster,
	index *subscribe.Index,
	m *metrics.Metrics,
	cfg HandlerConfig,
) *Handler {
	return &Handler{
		logger:      logger,
		verifier:    verifier,
		hub:         hub,
		broadcaster: broadcaster,
		index:       index,
		metrics:     m,
		config:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// bearerToken pulls the token from the Authorization header or, for
// browser clients that cannot set headers on WebSocket dials, the token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Authentication happens on the upgraded channel so failures can be
	// reported with a typed close code.
	identity, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		code := model.CloseAuthFailed
		if errors.Is(err, auth.ErrExpiredToken) {
			code = model.CloseAuthExpired
		}
		h.writeClose(conn, code)
		return
	}

	// The request context is a fine session parent: the handler does not
	// return until teardown completes, so the two lifetimes coincide.
	sess, err := h.hub.Accept(r.Context(), identity)
	if err != nil {
		h.writeClose(conn, model.CloseGoingAway)
		return
	}

	h.hub.SendControl(sess.ID(), event.NewControlFrame(event.MsgConnectionEstablished, map[string]any{
		"session_id":    sess.ID().String(),
		"subscriptions": []string{},
	}))
	sess.MarkActive()

	h.logger.Info("ws opened", "user_id", identity.UserID, "session_id", sess.ID())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, sess)
	}()

	h.readPump(conn, sess)

	// Reader gone: if the hub has not already torn the session down,
	// this was a client-initiated close.
	h.hub.Close(sess.ID(), model.CloseNormal)
	<-writerDone
	h.logger.Info("ws closed",
		"user_id", identity.UserID, "session_id", sess.ID(),
		"reason", model.CloseReason(sess.CloseCode()))
}

// readPump processes inbound control messages until the connection dies.
func (h *Handler) readPump(conn *websocket.Conn, sess *registry.Session) {
	pongWait := 2 * h.config.PingPeriod
	_ = conn.SetReadDeadline(time.Now().Add(pongWait + h.config.PingPeriod))
	conn.SetPongHandler(func(string) error {
		latency := sess.MarkPong(time.Now())
		if latency > 0 {
			h.metrics.HeartbeatLatency.Observe(latency.Seconds())
		}
		return conn.SetReadDeadline(time.Now().Add(pongWait + h.config.PingPeriod))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait + h.config.PingPeriod))

		frame, err := event.ParseFrame(data)
		if err != nil || frame.Type == "" {
			if h.noteProtocolError(sess, "malformed_frame", "frame is not a valid JSON message") {
				return
			}
			continue
		}
		if done := h.handleClientFrame(sess, frame); done {
			return
		}
	}
}

// noteProtocolError reports the fault to the client and closes the
// session with policy_violation once the per-minute budget is exhausted.
// Returns true when the session was closed.
func (h *Handler) noteProtocolError(sess *registry.Session, cause, detail string) bool {
	h.hub.SendControl(sess.ID(), event.NewErrorFrame(cause, detail))
	if sess.NoteProtocolError(time.Now(), h.config.ProtocolErrorBudget) {
		h.hub.Close(sess.ID(), model.ClosePolicyViolation)
		return true
	}
	return false
}

// writePump drains the outbound queue, drives the heartbeat and handles
// teardown draining. It is the only goroutine writing to the connection.
func (h *Handler) writePump(conn *websocket.Conn, sess *registry.Session) {
	pingTicker := time.NewTicker(h.config.PingPeriod)
	defer pingTicker.Stop()
	noticeTicker := time.NewTicker(h.config.DroppedNoticeEvery)
	defer noticeTicker.Stop()

	for {
		for {
			out, ok := sess.TryDequeue()
			if !ok {
				break
			}
			if !h.writeFrame(conn, sess, out) {
				sess.FinishClose()
				return
			}
		}

		select {
		case <-sess.Ready():

		case <-pingTicker.C:
			if !h.heartbeat(conn, sess) {
				// Close initiated; the drain path below runs next loop.
				continue
			}

		case <-noticeTicker.C:
			h.backpressureCheck(conn, sess)

		case <-sess.Closing():
			h.drainAndClose(conn, sess)
			return

		case <-sess.Context().Done():
			return
		}
	}
}

// heartbeat sends a ping and enforces the two-missed-pong and token
// expiry rules. Returns false when it initiated a close.
func (h *Handler) heartbeat(conn *websocket.Conn, sess *registry.Session) bool {
	now := time.Now()

	if sess.Identity().Expired(now) {
		h.hub.SendControl(sess.ID(), event.NewControlFrame(event.MsgSessionExpired, map[string]any{
			"user_id": sess.Identity().UserID,
		}))
		h.hub.Close(sess.ID(), model.CloseAuthExpired)
		return false
	}

	if sess.MissedPongs() >= 2 {
		sess.SetUnhealthy()
		h.hub.Close(sess.ID(), model.CloseHeartbeatTimeout)
		return false
	}

	deadline := now.Add(h.config.WriteTimeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		h.hub.Close(sess.ID(), model.CloseGoingAway)
		return false
	}
	sess.MarkPing(now)
	return true
}

// backpressureCheck emits the periodic dropped_notice and escalates a
// persistently saturated queue to a terminal close.
func (h *Handler) backpressureCheck(conn *websocket.Conn, sess *registry.Session) {
	now := time.Now()
	if dropped := sess.ConsumeDropCount(); dropped > 0 {
		// Written directly: the queue that caused the drops may be full.
		notice := event.NewControlFrame(event.MsgDroppedNotice, map[string]any{
			"dropped":       dropped,
			"dropped_total": sess.DroppedTotal(),
		})
		h.writeFrame(conn, sess, &registry.Outbound{Frame: notice, Priority: event.PriorityCritical})
	}
	if full := sess.FullFor(now); full > h.config.BackpressureTerminal {
		h.hub.Close(sess.ID(), model.CloseBackpressureTerminal)
		return
	}
	// A CRITICAL frame must reach the wire within its deadline or the
	// session is terminated; a stalled reader cannot sit on one silently.
	if wait := sess.CriticalWaiting(now); h.config.CriticalDeadline > 0 && wait > h.config.CriticalDeadline {
		h.logger.Warn("critical delivery deadline exceeded",
			"session_id", sess.ID(), "waiting", wait)
		h.hub.Close(sess.ID(), model.CloseBackpressureTerminal)
	}
}

// drainAndClose flushes queued frames within the drain deadline, then
// performs the close handshake with the recorded code.
func (h *Handler) drainAndClose(conn *websocket.Conn, sess *registry.Session) {
	deadline := time.Now().Add(h.config.WriteTimeout)
	for {
		out, ok := sess.TryDequeue()
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		if !h.writeFrame(conn, sess, out) {
			break
		}
	}

	code := sess.CloseCode()
	if code == 0 {
		code = model.CloseNormal
	}
	msg := websocket.FormatCloseMessage(code, model.CloseReason(code))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.config.WriteTimeout))
	sess.FinishClose()
}

func (h *Handler) writeFrame(conn *websocket.Conn, sess *registry.Session, out *registry.Outbound) bool {
	data, err := json.Marshal(out.Frame)
	if err != nil {
		h.logger.Error("frame marshal failed", "session_id", sess.ID(), "error", err)
		return true // skip the frame, keep the connection
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn("ws send failed", "session_id", sess.ID(), "error", err)
		h.hub.Close(sess.ID(), model.CloseGoingAway)
		return false
	}
	return true
}

func (h *Handler) writeClose(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, model.CloseReason(code))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.config.WriteTimeout))
}
