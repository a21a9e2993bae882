package model

import "time"

// ConnectionStats is the payload of the connection_stats frame and the
// read-only metrics surface of the fabric.
type ConnectionStats struct {
	Sessions         int                    `json:"sessions"`
	MessagesSent     uint64                 `json:"messages_sent"`
	MessagesDropped  uint64                 `json:"messages_dropped"`
	RateLimitDropped uint64                 `json:"rate_limit_dropped"`
	FilterErrors     uint64                 `json:"filter_errors"`
	QueueDepths      map[string]int         `json:"queue_depths"`
	ProcessingMillis map[string]float64     `json:"processing_ms,omitempty"`
	ReplaysInFlight  int                    `json:"replays_in_flight"`
	BroadcasterUp    bool                   `json:"broadcaster_up"`
	Uptime           time.Duration          `json:"uptime"`
}

// ToMap renders the stats for a wire frame payload.
func (s ConnectionStats) ToMap() map[string]any {
	return map[string]any{
		"sessions":           s.Sessions,
		"messages_sent":      s.MessagesSent,
		"messages_dropped":   s.MessagesDropped,
		"rate_limit_dropped": s.RateLimitDropped,
		"filter_errors":      s.FilterErrors,
		"queue_depths":       s.QueueDepths,
		"processing_ms":      s.ProcessingMillis,
		"replays_in_flight":  s.ReplaysInFlight,
		"broadcaster_up":     s.BroadcasterUp,
		"uptime_seconds":     int64(s.Uptime.Seconds()),
	}
}
