package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyEvent(i int, t event.Type, ts time.Time) *event.Event {
	return &event.Event{
		ID:        fmt.Sprintf("evt-%d", i),
		Type:      t,
		Timestamp: ts,
		Priority:  event.PriorityNormal,
	}
}

func TestHistoryBuffer_EvictsOldestAtCapacity(t *testing.T) {
	h := NewHistoryBuffer(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		h.Append(historyEvent(i, event.TypeZoneCreated, base.Add(time.Duration(i)*time.Second)))
	}

	assert.Equal(t, 3, h.Len())
	got := h.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "evt-2", got[0].ID)
	assert.Equal(t, "evt-4", got[2].ID)
}

func TestHistoryBuffer_RecentLimitsAndOrders(t *testing.T) {
	h := NewHistoryBuffer(10)
	base := time.Now()
	for i := 0; i < 6; i++ {
		h.Append(historyEvent(i, event.TypeZoneCreated, base.Add(time.Duration(i)*time.Second)))
	}

	got := h.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "evt-4", got[0].ID, "chronological order, newest last")
	assert.Equal(t, "evt-5", got[1].ID)
}

func TestHistoryBuffer_RangeFiltersTimeAndType(t *testing.T) {
	h := NewHistoryBuffer(10)
	base := time.Now()
	h.Append(historyEvent(0, event.TypeZoneCreated, base))
	h.Append(historyEvent(1, event.TypeHealthUpdate, base.Add(time.Second)))
	h.Append(historyEvent(2, event.TypeZoneCreated, base.Add(2*time.Second)))
	h.Append(historyEvent(3, event.TypeZoneCreated, base.Add(time.Hour)))

	got := h.Range(base, base.Add(time.Minute), map[event.Type]struct{}{event.TypeZoneCreated: {}})
	require.Len(t, got, 2)
	assert.Equal(t, "evt-0", got[0].ID)
	assert.Equal(t, "evt-2", got[1].ID)

	all := h.Range(base, base.Add(2*time.Hour), nil)
	assert.Len(t, all, 4, "empty type set matches everything")
}
