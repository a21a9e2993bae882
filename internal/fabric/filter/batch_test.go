package filter

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	frames []*event.Frame
	prios  []event.Priority
}

func (c *captureSink) sink(_ uuid.UUID, frame *event.Frame, prio event.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	c.prios = append(c.prios, prio)
}

func (c *captureSink) snapshot() []*event.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*event.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func eventFrame(id string) *event.Frame {
	return &event.Frame{Type: "health_update", ID: id, Timestamp: time.Now()}
}

func TestBatcher_CriticalBypassWaitsForDetachedFlush(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []string
		block   = make(chan struct{})
		blocked = make(chan struct{})
		once    sync.Once
	)
	sink := func(_ uuid.UUID, f *event.Frame, _ event.Priority) {
		name := f.ID
		if isBatch, _ := f.Data["batched"].(bool); isBatch {
			name = "batch"
			once.Do(func() {
				close(blocked)
				<-block
			})
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	b := NewBatcher(time.Hour, 16, sink)
	sid := uuid.New()
	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-1"), event.PriorityNormal)
	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-2"), event.PriorityNormal)

	// First flush detaches the batch and stalls inside the sink.
	go b.FlushSession(sid, event.TypeHealthUpdate)
	<-blocked

	// The dispatcher's CRITICAL path meanwhile: flush pending frames of
	// the type, then hand the critical frame to the sink. It must not
	// overtake the batch that is mid-flush.
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.FlushSession(sid, event.TypeHealthUpdate)
		sink(sid, eventFrame("evt-critical"), event.PriorityCritical)
	}()

	close(block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("critical path did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"batch", "evt-critical"}, order,
		"the batch already detached must reach the sink first")
}

func TestBatcher_Enabled(t *testing.T) {
	c := &captureSink{}
	assert.True(t, NewBatcher(100*time.Millisecond, 16, c.sink).Enabled())
	assert.False(t, NewBatcher(0, 16, c.sink).Enabled())
	assert.False(t, NewBatcher(100*time.Millisecond, 1, c.sink).Enabled())
}

func TestBatcher_SingleFramePassesThrough(t *testing.T) {
	c := &captureSink{}
	b := NewBatcher(20*time.Millisecond, 16, c.sink)
	sid := uuid.New()

	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-1"), event.PriorityNormal)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()[0]
	assert.Equal(t, "evt-1", got.ID, "a lone frame is not wrapped")
}

func TestBatcher_CombinesWithinWindow(t *testing.T) {
	c := &captureSink{}
	b := NewBatcher(30*time.Millisecond, 16, c.sink)
	sid := uuid.New()

	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-1"), event.PriorityNormal)
	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-2"), event.PriorityNormal)
	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-3"), event.PriorityNormal)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()[0]
	assert.Equal(t, "health_update", got.Type)
	assert.Equal(t, true, got.Data["batched"])
	assert.Equal(t, 3, got.Data["count"])
	members := got.Data["events"].([]*event.Frame)
	assert.Equal(t, "evt-1", members[0].ID, "batch preserves enqueue order")
	assert.Equal(t, "evt-3", members[2].ID)
}

func TestBatcher_MaxSizeFlushesEarly(t *testing.T) {
	c := &captureSink{}
	b := NewBatcher(time.Hour, 2, c.sink)
	sid := uuid.New()

	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-1"), event.PriorityNormal)
	assert.Empty(t, c.snapshot())
	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-2"), event.PriorityNormal)

	require.Len(t, c.snapshot(), 1, "hitting max size flushes without waiting for the window")
	assert.Equal(t, 2, c.snapshot()[0].Data["count"])
}

func TestBatcher_SeparateKeysDoNotMix(t *testing.T) {
	c := &captureSink{}
	b := NewBatcher(time.Hour, 16, c.sink)
	sid := uuid.New()

	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-1"), event.PriorityNormal)
	b.Add(sid, event.TypeZoneCreated, &event.Frame{Type: "zone_created", ID: "evt-2"}, event.PriorityNormal)

	b.FlushSession(sid, event.TypeHealthUpdate)
	require.Len(t, c.snapshot(), 1)
	assert.Equal(t, "evt-1", c.snapshot()[0].ID)
}

func TestBatcher_DropSessionDiscardsPending(t *testing.T) {
	c := &captureSink{}
	b := NewBatcher(20*time.Millisecond, 16, c.sink)
	sid := uuid.New()

	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-1"), event.PriorityNormal)
	b.DropSession(sid)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.snapshot(), "dropped sessions never see their pending batch")
}

func TestBatcher_StopFlushesAndRefuses(t *testing.T) {
	c := &captureSink{}
	b := NewBatcher(time.Hour, 16, c.sink)
	sid := uuid.New()

	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-1"), event.PriorityNormal)
	b.Stop()
	require.Len(t, c.snapshot(), 1)

	b.Add(sid, event.TypeHealthUpdate, eventFrame("evt-2"), event.PriorityNormal)
	assert.Len(t, c.snapshot(), 1, "adds after Stop are ignored")
}
