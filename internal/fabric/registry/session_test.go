package registry

import (
	"context"
	"testing"
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(userID string) model.Identity {
	return model.Identity{
		UserID: userID,
		Role:   model.RoleUser,
		Allowed: map[event.Type]struct{}{
			event.TypeZoneCreated: {},
		},
		AccessLevel: model.AccessFull,
	}
}

func newTestSession(t *testing.T, depth int) *Session {
	t.Helper()
	s := newSession(context.Background(), testIdentity("u1"), depth)
	t.Cleanup(s.FinishClose)
	return s
}

func frameOf(tp string) *event.Frame {
	return event.NewControlFrame(tp, nil)
}

func TestSession_StateMachine(t *testing.T) {
	s := newTestSession(t, 8)
	assert.Equal(t, StateConnecting, s.State())
	assert.True(t, s.MarkAuthenticated())
	assert.False(t, s.MarkAuthenticated(), "transition is one-shot")
	assert.True(t, s.MarkActive())
	assert.True(t, s.Active())

	s.SetUnhealthy()
	assert.False(t, s.Active())
}

func TestSession_EnqueueAssignsMonotonicSeq(t *testing.T) {
	s := newTestSession(t, 8)
	for i := 1; i <= 5; i++ {
		f := frameOf("zone_created")
		require.Equal(t, EnqueueOK, s.Enqueue(f, event.PriorityNormal, true))
		assert.Equal(t, uint64(i), f.Seq)
	}
}

func TestSession_CriticalWaitingTracksOldestCritical(t *testing.T) {
	s := newTestSession(t, 8)
	assert.Zero(t, s.CriticalWaiting(time.Now()))

	require.Equal(t, EnqueueOK, s.Enqueue(frameOf("a"), event.PriorityNormal, true))
	assert.Zero(t, s.CriticalWaiting(time.Now()), "no critical frame queued yet")

	require.Equal(t, EnqueueOK, s.Enqueue(frameOf("alert"), event.PriorityCritical, false))
	assert.Positive(t, s.CriticalWaiting(time.Now().Add(time.Second)))

	// Draining past the critical frame clears the measurement.
	_, ok := s.TryDequeue()
	require.True(t, ok)
	out, ok := s.TryDequeue()
	require.True(t, ok)
	require.Equal(t, event.PriorityCritical, out.Priority)
	assert.Zero(t, s.CriticalWaiting(time.Now().Add(time.Second)))
}

func TestSession_DropOnFullLeavesSeqGap(t *testing.T) {
	s := newTestSession(t, 2)
	require.Equal(t, EnqueueOK, s.Enqueue(frameOf("a"), event.PriorityNormal, true))
	require.Equal(t, EnqueueOK, s.Enqueue(frameOf("b"), event.PriorityNormal, true))

	dropped := frameOf("c")
	assert.Equal(t, EnqueueDropped, s.Enqueue(dropped, event.PriorityNormal, true))
	// The dropped frame consumed seq 3; the next accepted frame gets 4.
	assert.Equal(t, uint64(3), dropped.Seq)
	assert.Equal(t, uint64(1), s.ConsumeDropCount())
	assert.Equal(t, uint64(1), s.DroppedTotal())

	out, ok := s.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), out.Frame.Seq)

	next := frameOf("d")
	require.Equal(t, EnqueueOK, s.Enqueue(next, event.PriorityNormal, true))
	assert.Equal(t, uint64(4), next.Seq)
}

func TestSession_CriticalEvictsOldestNonCritical(t *testing.T) {
	s := newTestSession(t, 2)
	first := frameOf("first")
	require.Equal(t, EnqueueOK, s.Enqueue(first, event.PriorityNormal, true))
	require.Equal(t, EnqueueOK, s.Enqueue(frameOf("second"), event.PriorityHigh, true))

	crit := frameOf("critical")
	assert.Equal(t, EnqueueOK, s.Enqueue(crit, event.PriorityCritical, true))

	// The oldest non-critical frame is gone, counted as a drop.
	assert.Equal(t, uint64(1), s.DroppedTotal())
	out, ok := s.TryDequeue()
	require.True(t, ok)
	assert.NotEqual(t, first.Seq, out.Frame.Seq)
}

func TestSession_AllCriticalQueueGrowsPastBound(t *testing.T) {
	s := newTestSession(t, 2)
	for i := 0; i < 4; i++ {
		assert.Equal(t, EnqueueOK, s.Enqueue(frameOf("c"), event.PriorityCritical, false))
	}
	assert.Equal(t, 4, s.QueueLen())
	assert.Zero(t, s.DroppedTotal())
}

func TestSession_EnqueueAfterCloseRejected(t *testing.T) {
	s := newTestSession(t, 8)
	s.beginClose(model.CloseNormal)
	assert.Equal(t, EnqueueClosed, s.Enqueue(frameOf("x"), event.PriorityNormal, true))
	assert.Equal(t, model.CloseNormal, s.CloseCode())
}

func TestSession_DequeueUnblocksOnClose(t *testing.T) {
	s := newTestSession(t, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := s.Dequeue(context.Background())
		assert.False(t, ok)
	}()
	time.Sleep(10 * time.Millisecond)
	s.beginClose(model.CloseGoingAway)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock on close")
	}
}

func TestSession_HeartbeatBookkeeping(t *testing.T) {
	s := newTestSession(t, 8)
	now := time.Now()

	s.MarkPing(now)
	s.MarkPing(now.Add(time.Second))
	assert.Equal(t, 2, s.MissedPongs())

	latency := s.MarkPong(now.Add(1500 * time.Millisecond))
	assert.Equal(t, 0, s.MissedPongs())
	assert.Equal(t, 500*time.Millisecond, latency)
}

func TestSession_FullForTracksSaturation(t *testing.T) {
	s := newTestSession(t, 1)
	require.Equal(t, EnqueueOK, s.Enqueue(frameOf("a"), event.PriorityNormal, true))
	assert.Equal(t, EnqueueDropped, s.Enqueue(frameOf("b"), event.PriorityNormal, true))

	assert.Greater(t, s.FullFor(time.Now().Add(time.Second)), time.Duration(0))

	_, ok := s.TryDequeue()
	require.True(t, ok)
	assert.Zero(t, s.FullFor(time.Now()))
}

func TestSession_ProtocolErrorBudget(t *testing.T) {
	s := newTestSession(t, 8)
	now := time.Now()
	for i := 0; i < 5; i++ {
		assert.False(t, s.NoteProtocolError(now, 5))
	}
	assert.True(t, s.NoteProtocolError(now, 5))

	// A fresh window resets the count.
	assert.False(t, s.NoteProtocolError(now.Add(2*time.Minute), 5))
}
