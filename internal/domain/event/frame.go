package event

import (
	"encoding/json"
	"time"
)

// Client→server message types.
const (
	MsgPing               = "ping"
	MsgSubscribeEvents    = "subscribe_events"
	MsgUnsubscribeEvents  = "unsubscribe_events"
	MsgEmitEvent          = "emit_event"
	MsgGetRecentEvents    = "get_recent_events"
	MsgStartReplay        = "start_replay"
	MsgStopReplay         = "stop_replay"
	MsgGetReplayStatus    = "get_replay_status"
	MsgGetConnectionStats = "get_connection_stats"
)

// Server→client message types that are not domain event frames.
const (
	MsgPong                  = "pong"
	MsgConnectionEstablished = "connection_established"
	MsgSubscriptionUpdated   = "subscription_updated"
	MsgEventBatch            = "event_batch"
	MsgEventReplay           = "event_replay"
	MsgReplayStarted         = "replay_started"
	MsgReplayStatus          = "replay_status"
	MsgReplayStopped         = "replay_stopped"
	MsgRecentEvents          = "recent_events"
	MsgConnectionStats       = "connection_stats"
	MsgRateLimited           = "rate_limited"
	MsgDroppedNotice         = "dropped_notice"
	MsgSessionExpired        = "session_expired"
	MsgServerShutdown        = "server_shutdown"
	MsgError                 = "error"
)

// Frame is the single wire shape for every message in either direction.
// Seq is assigned per session at send time; clients detect backpressure
// drops as gaps in it.
type Frame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	ID        string         `json:"id,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
	Category  string         `json:"category,omitempty"`
	Source    string         `json:"source,omitempty"`
	Severity  Severity       `json:"severity,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Priority  string         `json:"priority,omitempty"`
}

// ParseFrame decodes one inbound wire frame.
func ParseFrame(data []byte) (*Frame, error) {
	f := new(Frame)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

// NewControlFrame builds a non-event frame (acks, notices, errors).
func NewControlFrame(msgType string, data map[string]any) *Frame {
	if data == nil {
		data = map[string]any{}
	}
	return &Frame{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewEventFrame renders an event for delivery. The redacted payload is
// passed separately so the original Event stays untouched.
func NewEventFrame(ev *Event, payload map[string]any) *Frame {
	return &Frame{
		Type:      string(ev.Type),
		Data:      payload,
		Timestamp: ev.Timestamp,
		ID:        ev.ID,
		Source:    ev.Source,
		Tags:      ev.Tags,
		Metadata:  ev.Metadata,
		Priority:  ev.Priority.String(),
	}
}

// NewReplayFrame wraps an already rendered event frame for replay
// delivery, keeping the original distinguishable from live traffic.
func NewReplayFrame(replayID string, original *Frame) *Frame {
	return &Frame{
		Type: MsgEventReplay,
		Data: map[string]any{
			"replay_id":      replayID,
			"original_event": original,
		},
		Timestamp: time.Now(),
	}
}

// NewErrorFrame reports a protocol or request failure on the same channel.
func NewErrorFrame(cause string, detail string) *Frame {
	return &Frame{
		Type: MsgError,
		Data: map[string]any{
			"cause":  cause,
			"detail": detail,
		},
		Timestamp: time.Now(),
		Severity:  SeverityError,
	}
}
