package broadcast

import (
	"sync"
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
)

// HistoryBuffer is the bounded ring of recent events backing replay and
// the get_recent_events query. Single writer (broadcaster ingest), many
// readers; readers always receive copies of the slice, never the ring.
type HistoryBuffer struct {
	mu    sync.RWMutex
	ring  []*event.Event
	head  int // next write position
	count int
}

func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &HistoryBuffer{ring: make([]*event.Event, capacity)}
}

// Append stores the event, evicting the oldest entry on overflow.
func (h *HistoryBuffer) Append(ev *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
}

// Len is the number of retained events.
func (h *HistoryBuffer) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Recent returns up to limit of the newest events in chronological order.
func (h *HistoryBuffer) Recent(limit int) []*event.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*event.Event, 0, n)
	start := h.head - n
	if start < 0 {
		start += len(h.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

// Range returns retained events within [start, end] matching the type
// set (nil/empty = all types), oldest first.
func (h *HistoryBuffer) Range(start, end time.Time, types map[event.Type]struct{}) []*event.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*event.Event
	oldest := h.head - h.count
	if oldest < 0 {
		oldest += len(h.ring)
	}
	for i := 0; i < h.count; i++ {
		ev := h.ring[(oldest+i)%len(h.ring)]
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		if len(types) > 0 {
			if _, ok := types[ev.Type]; !ok {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}
