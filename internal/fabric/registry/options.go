package registry

import "time"

// Option is a functional configuration type for the Hub.
type Option func(*Hub)

// WithQueueDepth sets the [BACKPRESSURE] bound for each session's
// outbound queue.
func WithQueueDepth(depth int) Option {
	return func(h *Hub) {
		if depth > 0 {
			h.config.queueDepth = depth
		}
	}
}

// WithDrainDeadline bounds how long a closing session may keep flushing
// queued frames before the transport is cut.
func WithDrainDeadline(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.config.drainDeadline = d
		}
	}
}
