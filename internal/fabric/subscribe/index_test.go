package subscribe

import (
	"testing"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/stretchr/testify/assert"
)

func TestIndex_SubscribeReturnsFullSet(t *testing.T) {
	idx := NewIndex()
	id := uuid.New()

	got := idx.Subscribe(id, []event.Type{event.TypeZoneCreated})
	assert.Equal(t, []event.Type{event.TypeZoneCreated}, got)

	got = idx.Subscribe(id, []event.Type{event.TypeRecordDeleted})
	assert.Equal(t, []event.Type{event.TypeRecordDeleted, event.TypeZoneCreated}, got)
}

func TestIndex_SubscribeIdempotent(t *testing.T) {
	idx := NewIndex()
	id := uuid.New()

	idx.Subscribe(id, []event.Type{event.TypeZoneCreated})
	got := idx.Subscribe(id, []event.Type{event.TypeZoneCreated})
	assert.Equal(t, []event.Type{event.TypeZoneCreated}, got)
	assert.Len(t, idx.Snapshot(event.TypeZoneCreated), 1)
}

func TestIndex_UnsubscribeUnknownTypeNoop(t *testing.T) {
	idx := NewIndex()
	id := uuid.New()

	idx.Subscribe(id, []event.Type{event.TypeZoneCreated})
	got := idx.Unsubscribe(id, []event.Type{event.TypeHealthAlert})
	assert.Equal(t, []event.Type{event.TypeZoneCreated}, got)
}

func TestIndex_UnsubscribeRemovesFromSnapshot(t *testing.T) {
	idx := NewIndex()
	a, b := uuid.New(), uuid.New()

	idx.Subscribe(a, []event.Type{event.TypeZoneCreated})
	idx.Subscribe(b, []event.Type{event.TypeZoneCreated})

	got := idx.Unsubscribe(a, []event.Type{event.TypeZoneCreated})
	assert.Empty(t, got)
	assert.Equal(t, []uuid.UUID{b}, idx.Snapshot(event.TypeZoneCreated))
}

func TestIndex_DropClearsEverything(t *testing.T) {
	idx := NewIndex()
	id := uuid.New()

	idx.Subscribe(id, []event.Type{event.TypeZoneCreated, event.TypeHealthUpdate})
	idx.Drop(id)

	assert.Empty(t, idx.Snapshot(event.TypeZoneCreated))
	assert.Empty(t, idx.Snapshot(event.TypeHealthUpdate))
	assert.Empty(t, idx.SubscriptionsOf(id))
}

func TestIndex_SnapshotIsolatedFromMutation(t *testing.T) {
	idx := NewIndex()
	id := uuid.New()
	idx.Subscribe(id, []event.Type{event.TypeZoneCreated})

	snap := idx.Snapshot(event.TypeZoneCreated)
	idx.Drop(id)

	// The earlier snapshot is untouched by the later mutation.
	assert.Equal(t, []uuid.UUID{id}, snap)
	assert.Empty(t, idx.Snapshot(event.TypeZoneCreated))
}
