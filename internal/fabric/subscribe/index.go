// Package subscribe maintains the event-type → session index consulted on
// every dispatch. Reads vastly outnumber writes, so the index keeps an
// immutable copy-on-write map behind an atomic pointer: Snapshot never
// blocks and never observes a half-applied mutation.
package subscribe

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
)

type indexState struct {
	// byType maps an event type onto the subscribed session ids.
	byType map[event.Type]map[uuid.UUID]struct{}
	// bySession is the reverse view used for acks and teardown.
	bySession map[uuid.UUID]map[event.Type]struct{}
}

// Index is safe for concurrent use. Mutations serialize on mu and publish
// a fresh state; dispatch snapshots read the pointer lock-free.
type Index struct {
	mu    sync.Mutex
	state atomic.Pointer[indexState]
}

func NewIndex() *Index {
	idx := &Index{}
	idx.state.Store(&indexState{
		byType:    map[event.Type]map[uuid.UUID]struct{}{},
		bySession: map[uuid.UUID]map[event.Type]struct{}{},
	})
	return idx
}

// Subscribe adds the session to each type's set. Re-subscribing is a
// no-op. Returns the session's full subscription set after the mutation.
func (i *Index) Subscribe(sessionID uuid.UUID, types []event.Type) []event.Type {
	i.mu.Lock()
	defer i.mu.Unlock()

	next := i.clone()
	set := next.bySession[sessionID]
	if set == nil {
		set = map[event.Type]struct{}{}
		next.bySession[sessionID] = set
	}
	for _, t := range types {
		set[t] = struct{}{}
		subs := next.byType[t]
		if subs == nil {
			subs = map[uuid.UUID]struct{}{}
			next.byType[t] = subs
		}
		subs[sessionID] = struct{}{}
	}
	i.state.Store(next)
	return sortedTypes(set)
}

// Unsubscribe removes the session from each type's set and returns the
// remaining subscription set.
func (i *Index) Unsubscribe(sessionID uuid.UUID, types []event.Type) []event.Type {
	i.mu.Lock()
	defer i.mu.Unlock()

	next := i.clone()
	set := next.bySession[sessionID]
	for _, t := range types {
		if set != nil {
			delete(set, t)
		}
		if subs := next.byType[t]; subs != nil {
			delete(subs, sessionID)
			if len(subs) == 0 {
				delete(next.byType, t)
			}
		}
	}
	if len(set) == 0 {
		delete(next.bySession, sessionID)
	}
	i.state.Store(next)
	return sortedTypes(set)
}

// Drop removes every subscription of the session (hub teardown hook).
func (i *Index) Drop(sessionID uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()

	cur := i.state.Load()
	if _, ok := cur.bySession[sessionID]; !ok {
		return
	}
	next := i.clone()
	for t := range next.bySession[sessionID] {
		if subs := next.byType[t]; subs != nil {
			delete(subs, sessionID)
			if len(subs) == 0 {
				delete(next.byType, t)
			}
		}
	}
	delete(next.bySession, sessionID)
	i.state.Store(next)
}

// Snapshot returns the sessions subscribed to t at one instant. The slice
// is private to the caller.
func (i *Index) Snapshot(t event.Type) []uuid.UUID {
	subs := i.state.Load().byType[t]
	if len(subs) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// SubscriptionsOf lists the session's current types, sorted for stable
// acknowledgement payloads.
func (i *Index) SubscriptionsOf(sessionID uuid.UUID) []event.Type {
	return sortedTypes(i.state.Load().bySession[sessionID])
}

func (i *Index) clone() *indexState {
	cur := i.state.Load()
	next := &indexState{
		byType:    make(map[event.Type]map[uuid.UUID]struct{}, len(cur.byType)),
		bySession: make(map[uuid.UUID]map[event.Type]struct{}, len(cur.bySession)),
	}
	for t, subs := range cur.byType {
		cp := make(map[uuid.UUID]struct{}, len(subs))
		for id := range subs {
			cp[id] = struct{}{}
		}
		next.byType[t] = cp
	}
	for id, set := range cur.bySession {
		cp := make(map[event.Type]struct{}, len(set))
		for t := range set {
			cp[t] = struct{}{}
		}
		next.bySession[id] = cp
	}
	return next
}

func sortedTypes(set map[event.Type]struct{}) []event.Type {
	out := make([]event.Type, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
