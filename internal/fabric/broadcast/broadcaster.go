// Package broadcast is the ingestion and dispatch hub of the fabric: the
// single Emit entry point, the priority lanes, the dispatcher workers,
// the history ring and the replay engine.
package broadcast

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/fabric/filter"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
	"github.com/orbitdns/event-fabric/internal/fabric/subscribe"
	"github.com/orbitdns/event-fabric/internal/metrics"
	"github.com/orbitdns/event-fabric/internal/store"
)

var (
	ErrInvalidEventType = errors.New("broadcast: invalid event type")
	ErrShuttingDown     = errors.New("broadcast: shutting down")
)

// Producer is the in-process ingestion interface handed to event sources.
// Emit never blocks on delivery; it returns once the event is on the
// priority queue.
type Producer interface {
	Emit(t event.Type, payload map[string]any, opts ...EmitOption) (string, error)
}

// EmitOption customises one emitted event.
type EmitOption func(*event.Event)

func WithSource(source string) EmitOption {
	return func(ev *event.Event) { ev.Source = source }
}

func WithPriority(p event.Priority) EmitOption {
	return func(ev *event.Event) {
		if p.Valid() {
			ev.Priority = p
		}
	}
}

func WithTags(tags ...string) EmitOption {
	return func(ev *event.Event) { ev.Tags = tags }
}

func WithMetadata(md map[string]any) EmitOption {
	return func(ev *event.Event) { ev.Metadata = md }
}

// WithTimestamp backdates an event (broker ingest carrying origin time).
func WithTimestamp(ts time.Time) EmitOption {
	return func(ev *event.Event) { ev.Timestamp = ts }
}

type broadcasterConfig struct {
	workers         int
	laneDepth       int
	starveEvery     int
	historyCapacity int
	restartBackoff  time.Duration
	replayMaxSpan   time.Duration
	replayProgress  time.Duration
}

// Broadcaster owns the history buffer and the priority queue. One
// instance is authoritative per deployment.
type Broadcaster struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	hub      registry.Hubber
	index    *subscribe.Index
	pipeline *filter.Pipeline
	batcher  *filter.Batcher

	stamper *event.Stamper
	queue   *priorityQueue
	history *HistoryBuffer
	// external is the optional pluggable replay source; nil when absent.
	external store.EventStore
	// archive receives every accepted event for long-term retention.
	archive Archiver

	config broadcasterConfig

	// shards route events to workers by type hash so per-(session, type)
	// ordering survives parallel dispatch.
	shards []chan *event.Event

	// requeued marks event ids already requeued after a worker panic so
	// an event is retried at most once.
	requeued sync.Map

	replays *replayTable

	up       atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(
	logger *slog.Logger,
	m *metrics.Metrics,
	hub registry.Hubber,
	index *subscribe.Index,
	pipeline *filter.Pipeline,
	batcher *filter.Batcher,
	opts ...BroadcastOption,
) *Broadcaster {
	b := &Broadcaster{
		logger:   logger,
		metrics:  m,
		hub:      hub,
		index:    index,
		pipeline: pipeline,
		batcher:  batcher,
		stamper:  event.NewStamper(),
		replays:  newReplayTable(),
		config: broadcasterConfig{
			workers:         2,
			laneDepth:       4096,
			starveEvery:     64,
			historyCapacity: 10_000,
			restartBackoff:  250 * time.Millisecond,
			replayMaxSpan:   7 * 24 * time.Hour,
			replayProgress:  time.Second,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = newPriorityQueue(b.config.laneDepth, b.config.starveEvery)
	b.history = NewHistoryBuffer(b.config.historyCapacity)
	return b
}

// History exposes the ring for the get_recent_events query.
func (b *Broadcaster) History() *HistoryBuffer { return b.history }

// Start launches the queue pump and the dispatcher workers.
func (b *Broadcaster) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.up.Store(true)

	b.shards = make([]chan *event.Event, b.config.workers)
	for i := range b.shards {
		b.shards[i] = make(chan *event.Event, 64)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.pump(ctx)
	}()

	for i := range b.shards {
		b.wg.Add(1)
		go func(shard int) {
			defer b.wg.Done()
			b.superviseWorker(ctx, shard)
		}(i)
	}
}

// Emit validates, stamps and enqueues one event. Callers get the wire id
// back immediately; delivery is asynchronous.
func (b *Broadcaster) Emit(t event.Type, payload map[string]any, opts ...EmitOption) (string, error) {
	if !t.Valid() {
		return "", ErrInvalidEventType
	}
	if !b.up.Load() {
		return "", ErrShuttingDown
	}

	ev := &event.Event{
		Type:     t,
		Payload:  payload,
		Priority: event.PriorityNormal,
	}
	for _, opt := range opts {
		opt(ev)
	}
	b.stamper.Stamp(ev)

	b.history.Append(ev)
	if b.archive != nil {
		if err := b.archive.Append(ev); err != nil {
			b.logger.Warn("archive append failed", "event_id", ev.ID, "err", err)
		}
	}
	if !b.queue.Push(ev) {
		// Bounded lane overflow; CRITICAL is exempt inside Push.
		b.metrics.IncDropped()
		b.logger.Warn("event dropped at ingest, lane full",
			"type", t, "priority", ev.Priority.String())
		return ev.ID, nil
	}
	b.metrics.EventsEmitted.WithLabelValues(string(t), ev.Priority.String()).Inc()
	b.observeDepths()
	return ev.ID, nil
}

func (b *Broadcaster) observeDepths() {
	for lane, depth := range b.queue.Depths() {
		b.metrics.LaneDepth.WithLabelValues(lane).Set(float64(depth))
	}
}

// pump is the single queue consumer; it routes events to worker shards
// by type hash, preserving per-type order across parallel workers.
func (b *Broadcaster) pump(ctx context.Context) {
	for {
		ev, ok := b.queue.Pop(ctx)
		if !ok {
			return
		}
		shard := b.shardFor(ev.Type)
		select {
		case b.shards[shard] <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broadcaster) shardFor(t event.Type) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t))
	return int(h.Sum32() % uint32(len(b.shards)))
}

// superviseWorker restarts a panicked worker after a bounded backoff; the
// in-flight event is requeued at its original priority at most once.
func (b *Broadcaster) superviseWorker(ctx context.Context, shard int) {
	for ctx.Err() == nil {
		if b.runWorker(ctx, shard) {
			return
		}
		b.metrics.WorkerRestarts.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.config.restartBackoff):
		}
	}
}

// runWorker returns true on clean shutdown, false after a recovered panic.
func (b *Broadcaster) runWorker(ctx context.Context, shard int) (clean bool) {
	var current *event.Event
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("dispatcher worker panic",
				"shard", shard, "err", r, "stack", string(debug.Stack()))
			if current != nil {
				if _, seen := b.requeued.LoadOrStore(current.ID, struct{}{}); !seen {
					b.queue.Push(current)
				}
			}
			clean = false
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true
		case ev := <-b.shards[shard]:
			current = ev
			b.dispatch(ev)
			b.requeued.Delete(ev.ID)
			current = nil
		}
	}
}

// dispatch fans one event out to the subscription snapshot through the
// filter pipeline.
func (b *Broadcaster) dispatch(ev *event.Event) {
	started := time.Now()
	defer func() {
		b.metrics.ObserveDispatch(string(ev.Type), time.Since(started))
		b.observeDepths()
	}()

	for _, sessionID := range b.index.Snapshot(ev.Type) {
		sess, ok := b.hub.Get(sessionID)
		if !ok || !sess.Active() {
			continue
		}

		res := b.pipeline.Evaluate(sess, ev, time.Now())
		switch res.Verdict {
		case filter.VerdictDenied:
			b.metrics.PermissionFiltered.Inc()
		case filter.VerdictRateLimited:
			b.metrics.IncRateLimitDropped()
			if res.Notify {
				b.hub.SendControl(sessionID, event.NewControlFrame(event.MsgRateLimited, map[string]any{
					"event_type": string(ev.Type),
				}))
			}
		case filter.VerdictError:
			b.metrics.IncFilterError()
		case filter.VerdictDeliver:
			frame := event.NewEventFrame(ev, res.Payload)
			if b.batcher.Enabled() && ev.Priority != event.PriorityCritical {
				b.batcher.Add(sessionID, ev.Type, frame, ev.Priority)
				continue
			}
			if b.batcher.Enabled() {
				// CRITICAL bypasses batching but flushes pending frames
				// of its type first so per-type order holds.
				b.batcher.FlushSession(sessionID, ev.Type)
			}
			b.hub.Send(sessionID, frame, ev.Priority)
		}
	}
}

// Shutdown stops ingest, then the dispatchers, then the replay jobs.
// Session draining is the hub's job and runs after this returns.
func (b *Broadcaster) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.up.Store(false)
		b.queue.Close()
		if b.cancel != nil {
			b.cancel()
		}
		b.replays.stopAll()
		b.batcher.Stop()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
}

// Up reports broadcaster liveness for the stats surface.
func (b *Broadcaster) Up() bool { return b.up.Load() }

// OnSessionClose is the hub teardown hook: releases filter state, pending
// batches and running replays of the session.
func (b *Broadcaster) OnSessionClose(s *registry.Session) {
	b.index.Drop(s.ID())
	b.pipeline.Limiter().DropSession(s.ID())
	b.batcher.DropSession(s.ID())
	b.replays.stopSession(s.ID())
}

// BroadcastOption configures a Broadcaster.
type BroadcastOption func(*Broadcaster)

func WithWorkers(n int) BroadcastOption {
	return func(b *Broadcaster) {
		if n >= 2 {
			b.config.workers = n
		}
	}
}

func WithLaneDepth(depth int) BroadcastOption {
	return func(b *Broadcaster) {
		if depth > 0 {
			b.config.laneDepth = depth
		}
	}
}

func WithStarvationEvery(k int) BroadcastOption {
	return func(b *Broadcaster) {
		if k > 0 {
			b.config.starveEvery = k
		}
	}
}

func WithHistoryCapacity(n int) BroadcastOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.config.historyCapacity = n
		}
	}
}

func WithRestartBackoff(d time.Duration) BroadcastOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.config.restartBackoff = d
		}
	}
}

func WithReplayLimits(maxSpan, progressInterval time.Duration) BroadcastOption {
	return func(b *Broadcaster) {
		if maxSpan > 0 {
			b.config.replayMaxSpan = maxSpan
		}
		if progressInterval > 0 {
			b.config.replayProgress = progressInterval
		}
	}
}

// WithExternalStore plugs in a long-term replay source consulted in
// addition to the in-memory window.
func WithExternalStore(s store.EventStore) BroadcastOption {
	return func(b *Broadcaster) { b.external = s }
}

// Archiver receives every accepted event for retention past the ring.
type Archiver interface {
	Append(ev *event.Event) error
}

// WithArchive plugs in the retention sink fed on every Emit.
func WithArchive(a Archiver) BroadcastOption {
	return func(b *Broadcaster) { b.archive = a }
}
