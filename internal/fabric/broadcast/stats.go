package broadcast

import (
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
)

// Stats assembles the read-only connection_stats surface.
func (b *Broadcaster) Stats() model.ConnectionStats {
	sent, dropped, rateDropped, filterErrs := b.metrics.Counts()
	return model.ConnectionStats{
		Sessions:         b.hub.Len(),
		MessagesSent:     sent,
		MessagesDropped:  dropped,
		RateLimitDropped: rateDropped,
		FilterErrors:     filterErrs,
		QueueDepths:      b.queue.Depths(),
		ProcessingMillis: b.metrics.ProcessingMillis(),
		ReplaysInFlight:  b.ReplaysInFlight(),
		BroadcasterUp:    b.Up(),
		Uptime:           time.Since(b.hub.StartedAt()),
	}
}

// RecentEvents renders the newest history entries the identity may see,
// redacted per its access level, newest last. The scan walks the whole
// retained window newest-first and stops once limit entries matched, so
// permitted events are found however deep unpermitted runs sit above them.
func (b *Broadcaster) RecentEvents(identity model.Identity, limit int, types map[event.Type]struct{}) []*event.Frame {
	recent := b.history.Recent(0)
	frames := make([]*event.Frame, 0, limit)
	for i := len(recent) - 1; i >= 0 && len(frames) < limit; i-- {
		ev := recent[i]
		if len(types) > 0 {
			if _, want := types[ev.Type]; !want {
				continue
			}
		}
		if !identity.Permits(ev.Type) {
			continue
		}
		payload := ev.Payload
		if identity.AccessLevel == model.AccessRedacted {
			payload = b.pipeline.Redactor().Apply(ev.Type, payload)
		}
		frames = append(frames, event.NewEventFrame(ev, payload))
	}
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}
