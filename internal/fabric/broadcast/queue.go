package broadcast

import (
	"context"
	"sync"

	"github.com/orbitdns/event-fabric/internal/domain/event"
)

const laneCount = 4

// laneIndex maps priority onto its lane, 0 being CRITICAL.
func laneIndex(p event.Priority) int {
	switch p {
	case event.PriorityCritical:
		return 0
	case event.PriorityHigh:
		return 1
	case event.PriorityNormal:
		return 2
	default:
		return 3
	}
}

var laneNames = [laneCount]string{"critical", "high", "normal", "low"}

// priorityQueue is four strict-priority FIFO lanes with starvation
// protection: after starveEvery consecutive pops while lower lanes held
// work, one lower-lane event is serviced. Push never blocks: the
// CRITICAL lane is unbounded, the rest drop at laneDepth.
type priorityQueue struct {
	mu     sync.Mutex
	lanes  [laneCount][]*event.Event
	closed bool

	laneDepth   int
	starveEvery int
	// higherRuns counts consecutive pops that skipped a waiting lower lane.
	higherRuns int

	notify chan struct{}
}

func newPriorityQueue(laneDepth, starveEvery int) *priorityQueue {
	return &priorityQueue{
		laneDepth:   laneDepth,
		starveEvery: starveEvery,
		notify:      make(chan struct{}, 1),
	}
}

// Push enqueues the event on its lane. Returns false when a bounded lane
// was full and the event was dropped; CRITICAL is never dropped here.
func (q *priorityQueue) Push(ev *event.Event) bool {
	idx := laneIndex(ev.Priority)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if idx != 0 && len(q.lanes[idx]) >= q.laneDepth {
		q.mu.Unlock()
		return false
	}
	q.lanes[idx] = append(q.lanes[idx], ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an event is available or ctx ends.
func (q *priorityQueue) Pop(ctx context.Context) (*event.Event, bool) {
	for {
		if ev, ok := q.tryPop(); ok {
			return ev, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *priorityQueue) tryPop() (*event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	top := -1
	lowest := -1
	for i := 0; i < laneCount; i++ {
		if len(q.lanes[i]) == 0 {
			continue
		}
		if top == -1 {
			top = i
		}
		lowest = i
	}
	if top == -1 {
		return nil, false
	}

	pick := top
	if lowest > top && q.higherRuns >= q.starveEvery {
		// Starvation relief: service the next waiting lane below top.
		for i := top + 1; i < laneCount; i++ {
			if len(q.lanes[i]) > 0 {
				pick = i
				break
			}
		}
		q.higherRuns = 0
	} else if lowest > top {
		q.higherRuns++
	} else {
		q.higherRuns = 0
	}

	ev := q.lanes[pick][0]
	q.lanes[pick] = q.lanes[pick][1:]
	return ev, true
}

// Depths reports pending events per lane, keyed by lane name.
func (q *priorityQueue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, laneCount)
	for i, name := range laneNames {
		out[name] = len(q.lanes[i])
	}
	return out
}

// Close wakes all blocked Pops once the lanes drain.
func (q *priorityQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
