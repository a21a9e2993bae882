package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType_Valid(t *testing.T) {
	assert.True(t, TypeZoneCreated.Valid())
	assert.True(t, TypeThreatDetected.Valid())
	assert.False(t, Type("zone_exploded").Valid())
	assert.False(t, Type("").Valid())
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority("bogus"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
}

func TestStamper_MonotonicSeq(t *testing.T) {
	s := NewStamper()
	ids := make(map[string]struct{})
	var last uint64
	for i := 0; i < 100; i++ {
		ev := &Event{Type: TypeZoneCreated}
		s.Stamp(ev)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		_, dup := ids[ev.ID]
		assert.False(t, dup, "duplicate id %s", ev.ID)
		ids[ev.ID] = struct{}{}
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestStamper_KeepsExplicitTimestamp(t *testing.T) {
	s := NewStamper()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := &Event{Type: TypeRecordUpdated, Timestamp: ts}
	s.Stamp(ev)
	assert.Equal(t, ts, ev.Timestamp)
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"subscribe_events","data":{"event_types":["zone_created"]}}`))
	require.NoError(t, err)
	assert.Equal(t, MsgSubscribeEvents, f.Type)
	assert.Equal(t, []any{"zone_created"}, f.Data["event_types"])

	_, err = ParseFrame([]byte(`{not json`))
	assert.Error(t, err)
}

func TestNewEventFrame_UsesGivenPayload(t *testing.T) {
	ev := &Event{
		ID:        "evt-1-abcd",
		Type:      TypeSecurityAlert,
		Payload:   map[string]any{"client_ip": "10.0.0.1"},
		Timestamp: time.Now(),
		Priority:  PriorityHigh,
	}
	redacted := map[string]any{"client_ip": "[redacted]"}

	f := NewEventFrame(ev, redacted)
	assert.Equal(t, "security_alert", f.Type)
	assert.Equal(t, redacted, f.Data)
	assert.Equal(t, "evt-1-abcd", f.ID)
	assert.Equal(t, "high", f.Priority)
	// The original event payload is untouched.
	assert.Equal(t, "10.0.0.1", ev.Payload["client_ip"])
}

func TestNewReplayFrame_WrapsOriginal(t *testing.T) {
	ev := &Event{ID: "evt-9-ffff", Type: TypeZoneDeleted, Timestamp: time.Now()}
	inner := NewEventFrame(ev, map[string]any{"zone": "example.org"})

	f := NewReplayFrame("replay-123", inner)
	assert.Equal(t, MsgEventReplay, f.Type)
	assert.Equal(t, "replay-123", f.Data["replay_id"])
	assert.Equal(t, inner, f.Data["original_event"])
}

func TestFrame_JSONRoundTrip(t *testing.T) {
	f := NewErrorFrame("bad_request", "missing field")
	raw, err := json.Marshal(f)
	require.NoError(t, err)

	parsed, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgError, parsed.Type)
	assert.Equal(t, "bad_request", parsed.Data["cause"])
	assert.Equal(t, string(SeverityError), string(parsed.Severity))
}
