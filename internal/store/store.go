// Package store defines the optional external history source consulted by
// replay jobs alongside the in-memory buffer. Deployments without a store
// plug in nothing; the in-memory window is the authoritative minimum.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/sony/gobreaker"
)

var ErrUnavailable = errors.New("store: event source unavailable")

// EventStore serves historical events for replay. Implementations are
// expected to be remote (log service, database) and therefore fallible.
type EventStore interface {
	Range(ctx context.Context, start, end time.Time, types []event.Type) ([]*event.Event, error)
}

// BreakerStore wraps an EventStore in a circuit breaker so a struggling
// backend degrades replay to the in-memory window instead of stalling
// every job on timeouts.
type BreakerStore struct {
	next EventStore
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerStore(next EventStore) *BreakerStore {
	return &BreakerStore{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "event-store",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (s *BreakerStore) Range(ctx context.Context, start, end time.Time, types []event.Type) ([]*event.Event, error) {
	out, err := s.cb.Execute(func() (any, error) {
		return s.next.Range(ctx, start, end, types)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return out.([]*event.Event), nil
}
