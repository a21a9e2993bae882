package event

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// Type is the closed tag identifying what kind of fabric event a payload
// carries. Producers may only emit registered types; anything else is
// rejected at the ingestion boundary.
type Type string

const (
	TypeZoneCreated           Type = "zone_created"
	TypeZoneUpdated           Type = "zone_updated"
	TypeZoneDeleted           Type = "zone_deleted"
	TypeRecordCreated         Type = "record_created"
	TypeRecordUpdated         Type = "record_updated"
	TypeRecordDeleted         Type = "record_deleted"
	TypeHealthUpdate          Type = "health_update"
	TypeHealthAlert           Type = "health_alert"
	TypeForwarderStatusChange Type = "forwarder_status_change"
	TypeSecurityAlert         Type = "security_alert"
	TypeRPZUpdate             Type = "rpz_update"
	TypeThreatDetected        Type = "threat_detected"
	TypeSystemStatus          Type = "system_status"
	TypeBindReload            Type = "bind_reload"
	TypeConfigChange          Type = "config_change"
	TypeUserLogin             Type = "user_login"
	TypeUserLogout            Type = "user_logout"
)

// registeredTypes is the authoritative set. [ZERO_VALUE_GUARD] An empty
// Type is never registered.
var registeredTypes = map[Type]struct{}{
	TypeZoneCreated:           {},
	TypeZoneUpdated:           {},
	TypeZoneDeleted:           {},
	TypeRecordCreated:         {},
	TypeRecordUpdated:         {},
	TypeRecordDeleted:         {},
	TypeHealthUpdate:          {},
	TypeHealthAlert:           {},
	TypeForwarderStatusChange: {},
	TypeSecurityAlert:         {},
	TypeRPZUpdate:             {},
	TypeThreatDetected:        {},
	TypeSystemStatus:          {},
	TypeBindReload:            {},
	TypeConfigChange:          {},
	TypeUserLogin:             {},
	TypeUserLogout:            {},
}

// Valid reports whether t is a registered fabric event type.
func (t Type) Valid() bool {
	_, ok := registeredTypes[t]
	return ok
}

func (t Type) String() string { return string(t) }

// Types returns all registered event types. Order is unspecified.
func Types() []Type {
	out := make([]Type, 0, len(registeredTypes))
	for t := range registeredTypes {
		out = append(out, t)
	}
	return out
}

// Priority orders events inside the broadcaster lanes and steers the
// backpressure policy on session queues.
type Priority int32

const (
	PriorityLow      Priority = 10
	PriorityNormal   Priority = 20
	PriorityHigh     Priority = 30
	PriorityCritical Priority = 40
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority maps a wire string onto a Priority; unknown strings fall
// back to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Severity is advisory display metadata carried on wire frames.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the immutable unit flowing through the fabric. The broadcaster
// stamps Seq and ID at ingestion; nothing mutates an Event afterwards.
type Event struct {
	// Seq is strictly monotonic per broadcaster instance (64-bit, never
	// reset). The wire ID embeds it so clients can order replayed events.
	Seq       uint64         `json:"seq"`
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Priority  Priority       `json:"priority"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Stamper assigns monotonic identifiers to events at ingestion.
type Stamper struct {
	counter atomic.Uint64
}

func NewStamper() *Stamper {
	return &Stamper{}
}

// Stamp fills Seq, ID and Timestamp (when unset) on a freshly built event.
// The ID combines the monotonic counter with a random suffix so ids are
// unique across broadcaster restarts.
func (s *Stamper) Stamp(ev *Event) {
	ev.Seq = s.counter.Add(1)
	ev.ID = fmt.Sprintf("evt-%d-%s", ev.Seq, randomSuffix())
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
}

func randomSuffix() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
