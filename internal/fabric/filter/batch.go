package filter

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
)

// Sink receives frames that left the batching stage.
type Sink func(sessionID uuid.UUID, frame *event.Frame, prio event.Priority)

type batchKey struct {
	session uuid.UUID
	typ     event.Type
}

type pendingBatch struct {
	frames []*event.Frame
	prio   event.Priority
	timer  *time.Timer
}

// Batcher coalesces same-type frames to the same session into one array
// payload when at least two arrive within the window, or the batch hits
// its size cap. CRITICAL events never enter the batcher. Ordering within
// a batch matches enqueue order; the batch frame itself takes the place
// of its members in the per-session sequence.
type Batcher struct {
	mu      sync.Mutex
	pending map[batchKey]*pendingBatch

	window  time.Duration
	maxSize int
	sink    Sink
	stopped bool
}

func NewBatcher(window time.Duration, maxSize int, sink Sink) *Batcher {
	return &Batcher{
		pending: make(map[batchKey]*pendingBatch),
		window:  window,
		maxSize: maxSize,
		sink:    sink,
	}
}

// Enabled reports whether batching is configured at all; the dispatcher
// bypasses the stage entirely otherwise.
func (b *Batcher) Enabled() bool {
	return b != nil && b.window > 0 && b.maxSize > 1
}

// Add stages one rendered frame. The first frame of a key arms the flush
// timer; hitting maxSize flushes synchronously.
func (b *Batcher) Add(sessionID uuid.UUID, t event.Type, frame *event.Frame, prio event.Priority) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	key := batchKey{session: sessionID, typ: t}
	p := b.pending[key]
	if p == nil {
		p = &pendingBatch{prio: prio}
		p.timer = time.AfterFunc(b.window, func() { b.flush(key) })
		b.pending[key] = p
	}
	p.frames = append(p.frames, frame)
	if prio > p.prio {
		p.prio = prio
	}
	full := len(p.frames) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flush(key)
	}
}

// FlushSession emits everything pending for a session, preserving order.
// The dispatcher calls this before sending a CRITICAL frame so per-type
// ordering survives the bypass.
func (b *Batcher) FlushSession(sessionID uuid.UUID, t event.Type) {
	b.flush(batchKey{session: sessionID, typ: t})
}

// DropSession discards pending batches of a closed session.
func (b *Batcher) DropSession(sessionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, p := range b.pending {
		if key.session == sessionID {
			p.timer.Stop()
			delete(b.pending, key)
		}
	}
}

// Stop flushes everything and refuses further adds (shutdown path).
func (b *Batcher) Stop() {
	b.mu.Lock()
	keys := make([]batchKey, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}
	b.stopped = true
	b.mu.Unlock()
	for _, key := range keys {
		b.flush(key)
	}
}

// flush holds the lock through the sink call. A concurrent FlushSession
// (the CRITICAL bypass) then observes either the pending batch or its
// frames already handed to the sink, never a detached batch still in
// flight, so per-(session, type) order survives the race with the window
// timer. The sink only enqueues and must not call back into the Batcher.
func (b *Batcher) flush(key batchKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending[key]
	if p == nil {
		return
	}
	p.timer.Stop()
	delete(b.pending, key)

	if len(p.frames) == 1 {
		// A lone frame within the window goes out as-is.
		b.sink(key.session, p.frames[0], p.prio)
		return
	}

	members := make([]*event.Frame, len(p.frames))
	copy(members, p.frames)
	batchFrame := &event.Frame{
		Type: string(key.typ),
		Data: map[string]any{
			"batched": true,
			"count":   len(members),
			"events":  members,
		},
		Timestamp: time.Now(),
		Priority:  p.prio.String(),
	}
	b.sink(key.session, batchFrame, p.prio)
}
