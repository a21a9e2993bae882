package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Prometheus counters are write-only from application code, but the
// connection_stats frame needs live values. The shadow mirrors the few
// counters that surface there; increments go through these helpers so the
// two views cannot drift.
type shadow struct {
	sent             atomic.Uint64
	dropped          atomic.Uint64
	rateLimitDropped atomic.Uint64
	filterErrors     atomic.Uint64
}

func (m *Metrics) IncSent() {
	m.MessagesSent.Inc()
	m.counts.sent.Add(1)
}

func (m *Metrics) IncDropped() {
	m.DroppedBackpress.Inc()
	m.counts.dropped.Add(1)
}

func (m *Metrics) IncRateLimitDropped() {
	m.RateLimitDropped.Inc()
	m.counts.rateLimitDropped.Add(1)
}

func (m *Metrics) IncFilterError() {
	m.FilterErrors.Inc()
	m.counts.filterErrors.Add(1)
}

// Counts returns the current shadow counter values, in the order sent,
// dropped, rate-limit dropped, filter errors.
func (m *Metrics) Counts() (sent, dropped, rateDropped, filterErrs uint64) {
	return m.counts.sent.Load(), m.counts.dropped.Load(),
		m.counts.rateLimitDropped.Load(), m.counts.filterErrors.Load()
}

// dispatchShadow mirrors the dispatch histogram per event type so the
// connection_stats frame can report mean processing time.
type dispatchShadow struct {
	mu     sync.Mutex
	millis map[string]float64
	count  map[string]uint64
}

// ObserveDispatch records one dispatch duration in both the histogram and
// the shadow aggregate.
func (m *Metrics) ObserveDispatch(eventType string, d time.Duration) {
	m.DispatchSeconds.WithLabelValues(eventType).Observe(d.Seconds())
	m.dispatch.mu.Lock()
	m.dispatch.millis[eventType] += float64(d.Nanoseconds()) / 1e6
	m.dispatch.count[eventType]++
	m.dispatch.mu.Unlock()
}

// ProcessingMillis returns the mean dispatch time per event type in
// milliseconds.
func (m *Metrics) ProcessingMillis() map[string]float64 {
	m.dispatch.mu.Lock()
	defer m.dispatch.mu.Unlock()
	out := make(map[string]float64, len(m.dispatch.millis))
	for t, total := range m.dispatch.millis {
		out[t] = total / float64(m.dispatch.count[t])
	}
	return out
}
