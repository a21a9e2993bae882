package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/orbitdns/event-fabric/config"
	"github.com/orbitdns/event-fabric/internal/auth"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
	"github.com/orbitdns/event-fabric/internal/fabric/broadcast"
	"github.com/orbitdns/event-fabric/internal/fabric/filter"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
	"github.com/orbitdns/event-fabric/internal/fabric/subscribe"
	"github.com/orbitdns/event-fabric/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

type wsHarness struct {
	server      *httptest.Server
	hub         *registry.Hub
	broadcaster *broadcast.Broadcaster
	index       *subscribe.Index
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	verifier := auth.NewJWTVerifier(testSecret, time.Hour)
	hub := registry.NewHub(logger, m)
	index := subscribe.NewIndex()

	redactor := filter.NewRedactor()
	redactor.Reload(config.RedactionRules{
		"security_alert": {{Field: "client_ip", Action: "remove"}},
	})
	pipeline := filter.NewPipeline(redactor, filter.NewRateLimiter(0, time.Second))
	batcher := filter.NewBatcher(0, 0, func(sessionID uuid.UUID, frame *event.Frame, prio event.Priority) {
		hub.Send(sessionID, frame, prio)
	})

	b := broadcast.New(logger, m, hub, index, pipeline, batcher, broadcast.WithWorkers(2))
	hub.OnSessionClose(b.OnSessionClose)
	b.Start()

	handler := NewHandler(logger, verifier, hub, b, index, m, HandlerConfig{
		PingPeriod:           200 * time.Millisecond,
		WriteTimeout:         time.Second,
		ProtocolErrorBudget:  3,
		DroppedNoticeEvery:   100 * time.Millisecond,
		BackpressureTerminal: 5 * time.Second,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		b.Shutdown(ctx)
		srv.Close()
	})
	return &wsHarness{server: srv, hub: hub, broadcaster: b, index: index}
}

func (h *wsHarness) token(t *testing.T, sub, role, access string, types ...string) string {
	t.Helper()
	claims := auth.Claims{
		Role:        role,
		EventTypes:  types,
		AccessLevel: access,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *wsHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *event.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := event.ParseFrame(data)
	require.NoError(t, err)
	return f
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) *event.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %s frame before deadline", frameType)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data map[string]any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func closeCodeOf(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected a close error, got %v", err)
		return closeErr.Code
	}
}

func TestWS_ConnectEstablishesSession(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))

	f := readFrame(t, conn)
	assert.Equal(t, event.MsgConnectionEstablished, f.Type)
	assert.NotEmpty(t, f.Data["session_id"])
	assert.Equal(t, 1, h.hub.Len())
}

func TestWS_InvalidTokenClosed(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, "garbage-token")
	assert.Equal(t, model.CloseAuthFailed, closeCodeOf(t, conn))
}

func TestWS_ExpiredTokenClosed(t *testing.T) {
	h := newWSHarness(t)
	claims := auth.Claims{
		Role: "user", AccessLevel: "full",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	conn := h.dial(t, signed)
	assert.Equal(t, model.CloseAuthExpired, closeCodeOf(t, conn))
}

func TestWS_PingPong(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgPing, nil)
	f := readUntil(t, conn, event.MsgPong)
	assert.NotEmpty(t, f.Data["server_time"])
}

func TestWS_SubscribeFiltersUnpermitted(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgSubscribeEvents, map[string]any{
		"event_types": []string{"zone_created", "security_alert", "bogus_type"},
	})
	f := readUntil(t, conn, event.MsgSubscriptionUpdated)

	subs := f.Data["subscriptions"].([]any)
	assert.Equal(t, []any{"zone_created"}, subs)
	rejected := f.Data["rejected"].([]any)
	assert.ElementsMatch(t, []any{"security_alert", "bogus_type"}, rejected)
}

func TestWS_EventDeliveryWithRedaction(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "redacted", "security_alert"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgSubscribeEvents, map[string]any{"event_types": []string{"security_alert"}})
	readUntil(t, conn, event.MsgSubscriptionUpdated)

	_, err := h.broadcaster.Emit(event.TypeSecurityAlert, map[string]any{
		"client_ip": "10.0.0.9",
		"domain":    "bad.example",
	})
	require.NoError(t, err)

	f := readUntil(t, conn, "security_alert")
	_, hasIP := f.Data["client_ip"]
	assert.False(t, hasIP, "redacted identity must not see client_ip")
	assert.Equal(t, "bad.example", f.Data["domain"])
	assert.NotZero(t, f.Seq)
}

func TestWS_UnsubscribeStopsDelivery(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgSubscribeEvents, map[string]any{"event_types": []string{"zone_created"}})
	readUntil(t, conn, event.MsgSubscriptionUpdated)
	send(t, conn, event.MsgUnsubscribeEvents, map[string]any{"event_types": []string{"zone_created"}})
	f := readUntil(t, conn, event.MsgSubscriptionUpdated)
	assert.Empty(t, f.Data["subscriptions"])

	_, err := h.broadcaster.Emit(event.TypeZoneCreated, map[string]any{"zone": "x"})
	require.NoError(t, err)

	// Only heartbeat traffic may arrive now; a zone_created frame fails.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break // deadline reached with no event frame
		}
		parsed, perr := event.ParseFrame(data)
		require.NoError(t, perr)
		require.NotEqual(t, "zone_created", parsed.Type)
	}
}

func TestWS_SupersedeClosesPrevious(t *testing.T) {
	h := newWSHarness(t)
	token := h.token(t, "alice", "user", "full", "zone_created")

	first := h.dial(t, token)
	readUntil(t, first, event.MsgConnectionEstablished)
	second := h.dial(t, token)
	readUntil(t, second, event.MsgConnectionEstablished)

	assert.Equal(t, model.CloseSessionSuperseded, closeCodeOf(t, first))
	assert.Equal(t, 1, h.hub.Len())
}

func TestWS_EmitRequiresAdmin(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgEmitEvent, map[string]any{
		"event_type": "zone_created",
		"payload":    map[string]any{"zone": "example.org"},
	})
	f := readUntil(t, conn, event.MsgError)
	assert.Equal(t, "forbidden", f.Data["cause"])
}

func TestWS_AdminEmitRoundTrip(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "root", "admin", "full"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgSubscribeEvents, map[string]any{"event_types": []string{"config_change"}})
	readUntil(t, conn, event.MsgSubscriptionUpdated)

	send(t, conn, event.MsgEmitEvent, map[string]any{
		"event_type": "config_change",
		"payload":    map[string]any{"key": "forwarders"},
		"priority":   "high",
	})

	f := readUntil(t, conn, "config_change")
	assert.Equal(t, "forwarders", f.Data["key"])
	assert.Equal(t, "high", f.Priority)
	assert.Equal(t, "ws:root", f.Source)
}

func TestWS_GetRecentEventsRespectsPermissions(t *testing.T) {
	h := newWSHarness(t)
	_, err := h.broadcaster.Emit(event.TypeZoneCreated, map[string]any{"zone": "a"})
	require.NoError(t, err)
	_, err = h.broadcaster.Emit(event.TypeThreatDetected, map[string]any{"threat": "x"})
	require.NoError(t, err)

	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgGetRecentEvents, map[string]any{"limit": 10})
	f := readUntil(t, conn, event.MsgRecentEvents)
	assert.Equal(t, float64(1), f.Data["count"], "unpermitted history entries are withheld")
}

func TestWS_ConnectionStats(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgGetConnectionStats, nil)
	f := readUntil(t, conn, event.MsgConnectionStats)
	assert.Equal(t, float64(1), f.Data["sessions"])
	session := f.Data["session"].(map[string]any)
	assert.NotEmpty(t, session["session_id"])
}

func TestWS_MalformedFramesExhaustBudget(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	}
	assert.Equal(t, model.ClosePolicyViolation, closeCodeOf(t, conn))
}

func TestWS_ReplayOverChannel(t *testing.T) {
	h := newWSHarness(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := h.broadcaster.Emit(event.TypeZoneCreated, map[string]any{"n": i},
			broadcast.WithTimestamp(base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgStartReplay, map[string]any{
		"name":       "incident-review",
		"start_time": base.Add(-time.Minute).Format(time.RFC3339),
		"end_time":   base.Add(time.Minute).Format(time.RFC3339),
		"speed":      1000.0,
	})

	readUntil(t, conn, event.MsgReplayStarted)
	for i := 0; i < 3; i++ {
		f := readUntil(t, conn, event.MsgEventReplay)
		assert.NotNil(t, f.Data["original_event"])
	}
	status := readUntil(t, conn, event.MsgReplayStatus)
	assert.Equal(t, string(broadcast.ReplayCompleted), status.Data["status"])
}

func TestWS_ReplayAcceptsShortFieldNames(t *testing.T) {
	h := newWSHarness(t)
	base := time.Now().Add(-time.Hour)
	_, err := h.broadcaster.Emit(event.TypeZoneCreated, map[string]any{"zone": "a"},
		broadcast.WithTimestamp(base))
	require.NoError(t, err)

	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgStartReplay, map[string]any{
		"start":  base.Add(-time.Minute).Format(time.RFC3339),
		"end":    base.Add(time.Minute).Format(time.RFC3339),
		"filter": []string{"zone_created"},
		"speed":  1000.0,
	})

	readUntil(t, conn, event.MsgReplayStarted)
	f := readUntil(t, conn, event.MsgEventReplay)
	assert.NotNil(t, f.Data["original_event"])
}

func TestWS_ReplayRangeTooLarge(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.token(t, "alice", "user", "full", "zone_created"))
	readUntil(t, conn, event.MsgConnectionEstablished)

	send(t, conn, event.MsgStartReplay, map[string]any{
		"start_time": time.Now().Add(-10 * 24 * time.Hour).Format(time.RFC3339),
		"end_time":   time.Now().Format(time.RFC3339),
	})
	f := readUntil(t, conn, event.MsgError)
	assert.Equal(t, "range_too_large", f.Data["cause"])
}
