/*
Package registry implements the connection manager of the event fabric.

Key architectural concepts:
  - Single channel per identity: every authenticated user owns exactly one
    Session; a reconnect supersedes the previous one instead of stacking
    parallel channels.
  - Decoupling & backpressure: each Session carries a bounded outbound
    queue so one slow subscriber cannot stall the dispatcher. CRITICAL
    frames evict older traffic rather than being dropped.
  - Concurrency: the hub uses a single RWMutex over the identity and
    session maps; per-session state is atomic or guarded by the queue lock.
*/
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
)

// State is the session lifecycle position. Terminal state is StateClosed;
// a reconnect always produces a fresh Session id.
type State int32

const (
	StateConnecting State = iota + 1
	StateAuthenticated
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Outbound is one frame waiting on a session queue.
type Outbound struct {
	Frame    *event.Frame
	Priority event.Priority

	// enqueuedAt backs the critical-delivery deadline check.
	enqueuedAt time.Time
}

// Session is the delivery endpoint for one identity. The connection
// manager owns it exclusively: nothing else mutates the outbound queue.
type Session struct {
	id          uuid.UUID
	identity    model.Identity
	connectedAt time.Time

	state atomic.Int32

	// [MAILBOX] Bounded outbound queue. A deque (not a channel) because
	// the CRITICAL eviction policy needs to drop from the middle.
	qmu    sync.Mutex
	items  []*Outbound
	depth  int
	closed bool

	// notify wakes the write pump; capacity 1 is enough since the pump
	// drains the whole queue per wakeup.
	notify chan struct{}

	// closing signals the write pump to drain and emit the close frame.
	closing   chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int32

	ctx      context.Context
	cancelFn context.CancelFunc

	// Per-session envelope sequence, assigned under qmu at send time so
	// queue order and sequence order cannot diverge.
	seq uint64

	// [HEARTBEAT] unix-nano stamps; two consecutive missed pongs mark the
	// session unhealthy.
	lastPingAt  atomic.Int64
	lastPongAt  atomic.Int64
	missedPongs atomic.Int32
	unhealthy   atomic.Bool

	// [BACKPRESSURE] accounting for dropped_notice and the terminal close.
	droppedSinceNotice atomic.Uint64
	droppedTotal       atomic.Uint64
	fullSince          atomic.Int64 // unix nano, 0 while queue has headroom

	// Malformed-frame budget (protocol errors per minute).
	protoMu      sync.Mutex
	protoCount   int
	protoWindow  time.Time
}

func newSession(parent context.Context, identity model.Identity, depth int) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:          uuid.New(),
		identity:    identity,
		connectedAt: time.Now(),
		items:       make([]*Outbound, 0, depth),
		depth:       depth,
		notify:      make(chan struct{}, 1),
		closing:     make(chan struct{}),
		ctx:         ctx,
		cancelFn:    cancel,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() uuid.UUID            { return s.id }
func (s *Session) Identity() model.Identity { return s.identity }
func (s *Session) ConnectedAt() time.Time   { return s.connectedAt }
func (s *Session) State() State             { return State(s.state.Load()) }

// Context is cancelled once the session is fully torn down.
func (s *Session) Context() context.Context { return s.ctx }

// Closing fires when teardown starts; the write pump drains and closes.
func (s *Session) Closing() <-chan struct{} { return s.closing }

// CloseCode returns the code recorded at teardown, 0 if still live.
func (s *Session) CloseCode() int { return int(s.closeCode.Load()) }

// --- state machine ---

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// MarkAuthenticated moves Connecting → Authenticated after token checks.
func (s *Session) MarkAuthenticated() bool {
	return s.transition(StateConnecting, StateAuthenticated)
}

// MarkActive moves Authenticated → Active on the initial subscription set
// or first successful heartbeat.
func (s *Session) MarkActive() bool {
	return s.transition(StateAuthenticated, StateActive)
}

// Active reports whether the session may receive dispatched events.
func (s *Session) Active() bool {
	return s.State() == StateActive && !s.unhealthy.Load()
}

// SetUnhealthy flags the transient substate before heartbeat teardown.
func (s *Session) SetUnhealthy() { s.unhealthy.Store(true) }

// beginClose is invoked once by the hub; it records the code and flips
// the session into Draining.
func (s *Session) beginClose(code int) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		s.state.Store(int32(StateDraining))
		s.qmu.Lock()
		s.closed = true
		s.qmu.Unlock()
		close(s.closing)
	})
}

// FinishClose is called by the transport once the close frame has been
// written (or the drain deadline passed). It cancels the session context
// and settles the terminal state.
func (s *Session) FinishClose() {
	s.state.Store(int32(StateClosed))
	s.cancelFn()
}

// --- outbound queue ---

// EnqueueResult distinguishes queue outcomes for metrics.
type EnqueueResult int

const (
	EnqueueOK EnqueueResult = iota
	EnqueueDropped
	EnqueueClosed
)

// Enqueue applies the backpressure policy and appends the frame. Event
// frames (withSeq) consume a sequence number whether or not they are
// ultimately queued, so subscribers observe drops as sequence gaps.
func (s *Session) Enqueue(frame *event.Frame, prio event.Priority, withSeq bool) EnqueueResult {
	s.qmu.Lock()
	defer s.qmu.Unlock()

	if s.closed {
		return EnqueueClosed
	}

	if withSeq {
		s.seq++
		frame.Seq = s.seq
	}

	if len(s.items) >= s.depth {
		if prio != event.PriorityCritical {
			s.noteFull()
			s.droppedSinceNotice.Add(1)
			s.droppedTotal.Add(1)
			return EnqueueDropped
		}
		// CRITICAL evicts the oldest non-critical frame; if the whole
		// queue is critical it is still enqueued past the bound.
		for i, it := range s.items {
			if it.Priority != event.PriorityCritical {
				s.items = append(s.items[:i], s.items[i+1:]...)
				s.droppedSinceNotice.Add(1)
				s.droppedTotal.Add(1)
				break
			}
		}
	} else {
		s.fullSince.Store(0)
	}

	s.items = append(s.items, &Outbound{Frame: frame, Priority: prio, enqueuedAt: time.Now()})
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return EnqueueOK
}

func (s *Session) noteFull() {
	if s.fullSince.Load() == 0 {
		s.fullSince.Store(time.Now().UnixNano())
	}
}

// Dequeue blocks until a frame is available or ctx ends. The write pump is
// the only caller.
func (s *Session) Dequeue(ctx context.Context) (*Outbound, bool) {
	for {
		if out, ok := s.TryDequeue(); ok {
			return out, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.closing:
			// One last non-blocking look so queued frames drain.
			return s.TryDequeue()
		case <-s.notify:
		}
	}
}

// Ready fires when frames were enqueued; the write pump multiplexes it
// with its tickers and drains via TryDequeue.
func (s *Session) Ready() <-chan struct{} { return s.notify }

// TryDequeue pops the head without blocking.
func (s *Session) TryDequeue() (*Outbound, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.items) == 0 {
		return nil, false
	}
	out := s.items[0]
	s.items = s.items[1:]
	if len(s.items) < s.depth {
		s.fullSince.Store(0)
	}
	return out, true
}

// QueueLen reports the current outbound backlog.
func (s *Session) QueueLen() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.items)
}

// FullFor returns how long the queue has been saturated, 0 if it is not.
func (s *Session) FullFor(now time.Time) time.Duration {
	since := s.fullSince.Load()
	if since == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, since))
}

// CriticalWaiting reports how long the oldest queued CRITICAL frame has
// been waiting, 0 when none is queued. The queue is FIFO, so the first
// CRITICAL entry is the oldest one.
func (s *Session) CriticalWaiting(now time.Time) time.Duration {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	for _, it := range s.items {
		if it.Priority == event.PriorityCritical {
			return now.Sub(it.enqueuedAt)
		}
	}
	return 0
}

// ConsumeDropCount returns and resets the drops accumulated since the
// last dropped_notice.
func (s *Session) ConsumeDropCount() uint64 {
	return s.droppedSinceNotice.Swap(0)
}

// DroppedTotal is the lifetime backpressure drop count for this session.
func (s *Session) DroppedTotal() uint64 { return s.droppedTotal.Load() }

// --- heartbeat bookkeeping ---

// MarkPing records an outgoing ping and counts the outstanding pong.
func (s *Session) MarkPing(now time.Time) {
	s.lastPingAt.Store(now.UnixNano())
	s.missedPongs.Add(1)
}

// MarkPong resets the miss counter and returns the measured latency.
func (s *Session) MarkPong(now time.Time) time.Duration {
	s.lastPongAt.Store(now.UnixNano())
	s.missedPongs.Store(0)
	s.unhealthy.Store(false)
	ping := s.lastPingAt.Load()
	if ping == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, ping))
}

// MissedPongs is the number of pings sent since the last pong.
func (s *Session) MissedPongs() int { return int(s.missedPongs.Load()) }

// --- protocol error budget ---

// NoteProtocolError counts a malformed frame and reports whether the
// per-minute budget is exhausted.
func (s *Session) NoteProtocolError(now time.Time, budget int) bool {
	s.protoMu.Lock()
	defer s.protoMu.Unlock()
	if now.Sub(s.protoWindow) > time.Minute {
		s.protoWindow = now
		s.protoCount = 0
	}
	s.protoCount++
	return s.protoCount > budget
}
