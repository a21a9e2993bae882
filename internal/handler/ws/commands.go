package ws

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
	"github.com/orbitdns/event-fabric/internal/fabric/broadcast"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
)

// handleClientFrame routes one inbound message. It returns true when the
// session was closed and the read pump should exit.
func (h *Handler) handleClientFrame(sess *registry.Session, frame *event.Frame) bool {
	switch frame.Type {
	case event.MsgPing:
		h.hub.SendControl(sess.ID(), event.NewControlFrame(event.MsgPong, map[string]any{
			"server_time": time.Now().UTC().Format(time.RFC3339Nano),
		}))
		return false

	case event.MsgSubscribeEvents:
		h.handleSubscribe(sess, frame)
		return false

	case event.MsgUnsubscribeEvents:
		h.handleUnsubscribe(sess, frame)
		return false

	case event.MsgEmitEvent:
		h.handleEmit(sess, frame)
		return false

	case event.MsgGetRecentEvents:
		h.handleRecentEvents(sess, frame)
		return false

	case event.MsgStartReplay:
		h.handleStartReplay(sess, frame)
		return false

	case event.MsgStopReplay:
		h.handleStopReplay(sess, frame)
		return false

	case event.MsgGetReplayStatus:
		h.handleReplayStatus(sess, frame)
		return false

	case event.MsgGetConnectionStats:
		h.handleConnectionStats(sess)
		return false

	default:
		return h.noteProtocolError(sess, "unknown_message_type", "unsupported message type: "+frame.Type)
	}
}

// parseTypes splits requested type names into permitted valid types and
// rejected names (invalid or outside the identity's allow list).
func parseTypes(identity model.Identity, raw []string) (accepted []event.Type, rejected []string) {
	for _, name := range raw {
		t := event.Type(name)
		if !t.Valid() || !identity.Permits(t) {
			rejected = append(rejected, name)
			continue
		}
		accepted = append(accepted, t)
	}
	return accepted, rejected
}

func (h *Handler) handleSubscribe(sess *registry.Session, frame *event.Frame) {
	requested := stringSlice(frame.Data, "event_types")
	if len(requested) == 0 {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("bad_request", "event_types is required"))
		return
	}
	accepted, rejected := parseTypes(sess.Identity(), requested)
	current := h.index.Subscribe(sess.ID(), accepted)

	h.hub.SendControl(sess.ID(), event.NewControlFrame(event.MsgSubscriptionUpdated, map[string]any{
		"action":        "subscribe",
		"subscriptions": typeNames(current),
		"rejected":      rejected,
	}))
	h.logger.Debug("subscriptions updated",
		"session_id", sess.ID(), "subscribed", len(current), "rejected", len(rejected))
}

func (h *Handler) handleUnsubscribe(sess *registry.Session, frame *event.Frame) {
	requested := stringSlice(frame.Data, "event_types")
	types := make([]event.Type, 0, len(requested))
	for _, name := range requested {
		types = append(types, event.Type(name))
	}
	current := h.index.Unsubscribe(sess.ID(), types)

	h.hub.SendControl(sess.ID(), event.NewControlFrame(event.MsgSubscriptionUpdated, map[string]any{
		"action":        "unsubscribe",
		"subscriptions": typeNames(current),
	}))
}

func (h *Handler) handleEmit(sess *registry.Session, frame *event.Frame) {
	if !sess.Identity().IsAdmin() {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("forbidden", "emit_event requires the admin role"))
		return
	}
	t := event.Type(stringField(frame.Data, "event_type"))
	payload, _ := frame.Data["payload"].(map[string]any)

	opts := []broadcast.EmitOption{broadcast.WithSource("ws:" + sess.Identity().UserID)}
	if raw := stringField(frame.Data, "priority"); raw != "" {
		opts = append(opts, broadcast.WithPriority(event.ParsePriority(raw)))
	}
	if tags := stringSlice(frame.Data, "tags"); len(tags) > 0 {
		opts = append(opts, broadcast.WithTags(tags...))
	}

	id, err := h.broadcaster.Emit(t, payload, opts...)
	if err != nil {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("emit_failed", err.Error()))
		return
	}
	h.logger.Info("event emitted over ws",
		"event_id", id, "type", t, "user_id", sess.Identity().UserID)
}

func (h *Handler) handleRecentEvents(sess *registry.Session, frame *event.Frame) {
	limit := intField(frame.Data, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	typeSet := map[event.Type]struct{}{}
	for _, name := range stringSlice(frame.Data, "event_types") {
		typeSet[event.Type(name)] = struct{}{}
	}

	frames := h.broadcaster.RecentEvents(sess.Identity(), limit, typeSet)
	items := make([]any, 0, len(frames))
	for _, f := range frames {
		items = append(items, f)
	}
	h.hub.SendControl(sess.ID(), event.NewControlFrame(event.MsgRecentEvents, map[string]any{
		"events": items,
		"count":  len(items),
	}))
}

func (h *Handler) handleStartReplay(sess *registry.Session, frame *event.Frame) {
	start, err1 := timeField(frame.Data, "start", "start_time")
	end, err2 := timeField(frame.Data, "end", "end_time")
	if err1 != nil || err2 != nil {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("bad_request", "start and end must be RFC3339 timestamps"))
		return
	}

	accepted, rejected := parseTypes(sess.Identity(), stringSlice(frame.Data, "filter", "event_types"))
	if len(rejected) > 0 {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("bad_request", "replay includes unknown or unpermitted event types"))
		return
	}

	speed := floatField(frame.Data, "speed", 1.0)
	name := stringField(frame.Data, "name")

	job, err := h.broadcaster.StartReplay(sess.ID(), name, start, end, accepted, speed)
	if err != nil {
		cause := "replay_failed"
		switch {
		case errors.Is(err, broadcast.ErrRangeTooLarge):
			cause = "range_too_large"
		case errors.Is(err, broadcast.ErrInvalidRange):
			cause = "invalid_range"
		}
		h.hub.SendControl(sess.ID(), event.NewErrorFrame(cause, err.Error()))
		return
	}
	h.logger.Info("replay started",
		"replay_id", job.ID, "session_id", sess.ID(), "speed", speed)
}

func (h *Handler) handleStopReplay(sess *registry.Session, frame *event.Frame) {
	id, err := uuid.Parse(stringField(frame.Data, "replay_id"))
	if err != nil {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("bad_request", "replay_id must be a UUID"))
		return
	}
	if err := h.broadcaster.StopReplay(id); err != nil {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("replay_not_found", err.Error()))
	}
}

func (h *Handler) handleReplayStatus(sess *registry.Session, frame *event.Frame) {
	id, err := uuid.Parse(stringField(frame.Data, "replay_id"))
	if err != nil {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("bad_request", "replay_id must be a UUID"))
		return
	}
	status, err := h.broadcaster.ReplayStatusOf(id)
	if err != nil {
		h.hub.SendControl(sess.ID(), event.NewErrorFrame("replay_not_found", err.Error()))
		return
	}
	h.hub.SendControl(sess.ID(), event.NewControlFrame(event.MsgReplayStatus, status))
}

func (h *Handler) handleConnectionStats(sess *registry.Session) {
	stats := h.broadcaster.Stats().ToMap()
	stats["session"] = map[string]any{
		"session_id":    sess.ID().String(),
		"connected_at":  sess.ConnectedAt().UTC().Format(time.RFC3339),
		"queue_len":     sess.QueueLen(),
		"dropped_total": sess.DroppedTotal(),
		"subscriptions": typeNames(h.index.SubscriptionsOf(sess.ID())),
	}
	h.hub.SendControl(sess.ID(), event.NewControlFrame(event.MsgConnectionStats, stats))
}

// --- frame data helpers ---

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// stringSlice returns the first of keys holding a string array; later
// keys are legacy aliases.
func stringSlice(data map[string]any, keys ...string) []string {
	for _, key := range keys {
		raw, ok := data[key].([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intField(data map[string]any, key string, def int) int {
	if f, ok := data[key].(float64); ok {
		return int(f)
	}
	return def
}

func floatField(data map[string]any, key string, def float64) float64 {
	if f, ok := data[key].(float64); ok {
		return f
	}
	return def
}

// timeField parses the first of keys holding an RFC3339 string; later
// keys are legacy aliases.
func timeField(data map[string]any, keys ...string) (time.Time, error) {
	for _, key := range keys {
		if s, ok := data[key].(string); ok {
			return time.Parse(time.RFC3339, s)
		}
	}
	return time.Time{}, errors.New("missing timestamp field")
}

func typeNames(types []event.Type) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}
