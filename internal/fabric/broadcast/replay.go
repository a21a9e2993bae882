package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
)

var (
	ErrRangeTooLarge  = errors.New("broadcast: replay range too large")
	ErrInvalidRange   = errors.New("broadcast: replay range invalid")
	ErrReplayNotFound = errors.New("broadcast: replay job not found")
)

// ReplayState is the lifecycle position of a replay job.
type ReplayState string

const (
	ReplayPending   ReplayState = "pending"
	ReplayRunning   ReplayState = "running"
	ReplayStopped   ReplayState = "stopped"
	ReplayCompleted ReplayState = "completed"
	ReplayFailed    ReplayState = "failed"
)

// ReplayJob re-emits historical events over one session's channel at a
// scaled pace, tagged event_replay so clients can separate them from
// live traffic.
type ReplayJob struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Name      string
	Start     time.Time
	End       time.Time
	Types     map[event.Type]struct{}
	Speed     float64

	processed atomic.Uint64
	total     atomic.Uint64
	state     atomic.Value // ReplayState

	stop     chan struct{}
	stopOnce sync.Once
}

// State returns the job's current lifecycle position.
func (j *ReplayJob) State() ReplayState {
	return j.state.Load().(ReplayState)
}

// Progress returns processed and total counts.
func (j *ReplayJob) Progress() (processed, total uint64) {
	return j.processed.Load(), j.total.Load()
}

// requestStop is idempotent; a second call is a no-op.
func (j *ReplayJob) requestStop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *ReplayJob) statusData() map[string]any {
	processed, total := j.Progress()
	percent := float64(0)
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}
	return map[string]any{
		"replay_id": j.ID.String(),
		"status":    string(j.State()),
		"processed": processed,
		"total":     total,
		"percent":   percent,
	}
}

// replayTable tracks live jobs by id and by owning session.
type replayTable struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*ReplayJob
	bySession map[uuid.UUID]map[uuid.UUID]*ReplayJob
}

func newReplayTable() *replayTable {
	return &replayTable{
		jobs:      make(map[uuid.UUID]*ReplayJob),
		bySession: make(map[uuid.UUID]map[uuid.UUID]*ReplayJob),
	}
}

func (t *replayTable) add(j *ReplayJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[j.ID] = j
	owned := t.bySession[j.SessionID]
	if owned == nil {
		owned = make(map[uuid.UUID]*ReplayJob)
		t.bySession[j.SessionID] = owned
	}
	owned[j.ID] = j
}

func (t *replayTable) remove(j *ReplayJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, j.ID)
	if owned := t.bySession[j.SessionID]; owned != nil {
		delete(owned, j.ID)
		if len(owned) == 0 {
			delete(t.bySession, j.SessionID)
		}
	}
}

func (t *replayTable) get(id uuid.UUID) (*ReplayJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	return j, ok
}

func (t *replayTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

func (t *replayTable) stopSession(sessionID uuid.UUID) {
	t.mu.Lock()
	var owned []*ReplayJob
	for _, j := range t.bySession[sessionID] {
		owned = append(owned, j)
	}
	t.mu.Unlock()
	for _, j := range owned {
		j.requestStop()
	}
}

func (t *replayTable) stopAll() {
	t.mu.Lock()
	all := make([]*ReplayJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		all = append(all, j)
	}
	t.mu.Unlock()
	for _, j := range all {
		j.requestStop()
	}
}

// StartReplay validates the request, collects the candidate events and
// launches the pacing goroutine. The ≤7 day span precondition fails
// without any state change.
func (b *Broadcaster) StartReplay(sessionID uuid.UUID, name string, start, end time.Time, types []event.Type, speed float64) (*ReplayJob, error) {
	if !end.After(start) {
		return nil, ErrInvalidRange
	}
	if end.Sub(start) > b.config.replayMaxSpan {
		return nil, ErrRangeTooLarge
	}
	if speed <= 0 {
		speed = 1.0
	}

	typeSet := make(map[event.Type]struct{}, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, ErrInvalidEventType
		}
		typeSet[t] = struct{}{}
	}

	events, err := b.collectReplayEvents(start, end, typeSet)
	if err != nil {
		return nil, err
	}

	job := &ReplayJob{
		ID:        uuid.New(),
		SessionID: sessionID,
		Name:      name,
		Start:     start,
		End:       end,
		Types:     typeSet,
		Speed:     speed,
		stop:      make(chan struct{}),
	}
	job.state.Store(ReplayPending)
	job.total.Store(uint64(len(events)))
	b.replays.add(job)
	b.metrics.ReplaysInFlight.Inc()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.metrics.ReplaysInFlight.Dec()
		defer b.replays.remove(job)
		b.runReplay(job, events)
	}()

	return job, nil
}

// StopReplay transitions the job to stopped before its next scheduled
// emission. Stopping twice, or stopping a finished job, is a no-op.
func (b *Broadcaster) StopReplay(id uuid.UUID) error {
	job, ok := b.replays.get(id)
	if !ok {
		return ErrReplayNotFound
	}
	job.requestStop()
	return nil
}

// ReplayStatusOf returns a status frame payload for the job.
func (b *Broadcaster) ReplayStatusOf(id uuid.UUID) (map[string]any, error) {
	job, ok := b.replays.get(id)
	if !ok {
		return nil, ErrReplayNotFound
	}
	return job.statusData(), nil
}

// ReplaysInFlight is the number of live jobs (stats surface).
func (b *Broadcaster) ReplaysInFlight() int { return b.replays.count() }

// collectReplayEvents merges the in-memory window with the external
// store when one is plugged in, deduplicated by event id, oldest first.
func (b *Broadcaster) collectReplayEvents(start, end time.Time, types map[event.Type]struct{}) ([]*event.Event, error) {
	events := b.history.Range(start, end, types)

	if b.external != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		typeList := make([]event.Type, 0, len(types))
		for t := range types {
			typeList = append(typeList, t)
		}
		stored, err := b.external.Range(ctx, start, end, typeList)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]struct{}, len(events))
		for _, ev := range events {
			seen[ev.ID] = struct{}{}
		}
		for _, ev := range stored {
			if _, dup := seen[ev.ID]; !dup {
				events = append(events, ev)
			}
		}
		sort.Slice(events, func(a, bb int) bool {
			return events[a].Timestamp.Before(events[bb].Timestamp)
		})
	}
	return events, nil
}

func (b *Broadcaster) runReplay(job *ReplayJob, events []*event.Event) {
	job.state.Store(ReplayRunning)
	b.hub.SendControl(job.SessionID, event.NewControlFrame(event.MsgReplayStarted, map[string]any{
		"replay_id": job.ID.String(),
		"name":      job.Name,
		"total":     len(events),
		"speed":     job.Speed,
	}))

	lastProgress := time.Now()
	var prev time.Time

	for _, ev := range events {
		// Pacing sleep, scaled by the speed multiplier. The stop signal
		// is checked before every sleep so StopReplay takes effect within
		// one pacing interval.
		if !prev.IsZero() {
			delay := time.Duration(float64(ev.Timestamp.Sub(prev)) / job.Speed)
			if delay > 0 {
				select {
				case <-job.stop:
					b.finishReplay(job, ReplayStopped)
					return
				case <-time.After(delay):
				}
			}
		}
		select {
		case <-job.stop:
			b.finishReplay(job, ReplayStopped)
			return
		default:
		}
		prev = ev.Timestamp

		b.deliverReplayEvent(job, ev)
		job.processed.Add(1)
		b.metrics.ReplayEvents.Inc()

		if time.Since(lastProgress) >= b.config.replayProgress {
			lastProgress = time.Now()
			b.hub.SendControl(job.SessionID, event.NewControlFrame(event.MsgReplayStatus, job.statusData()))
		}
	}

	b.finishReplay(job, ReplayCompleted)
}

// deliverReplayEvent applies permission and redaction (but not rate
// limiting: the client asked for this traffic) before wrapping the
// original event in an event_replay frame.
func (b *Broadcaster) deliverReplayEvent(job *ReplayJob, ev *event.Event) {
	sess, ok := b.hub.Get(job.SessionID)
	if !ok {
		job.requestStop()
		return
	}
	identity := sess.Identity()
	if !identity.Permits(ev.Type) {
		return
	}
	payload := ev.Payload
	if identity.AccessLevel == model.AccessRedacted {
		payload = b.pipeline.Redactor().Apply(ev.Type, payload)
	}
	frame := event.NewReplayFrame(job.ID.String(), event.NewEventFrame(ev, payload))
	b.hub.Send(job.SessionID, frame, event.PriorityNormal)
}

func (b *Broadcaster) finishReplay(job *ReplayJob, state ReplayState) {
	job.state.Store(state)
	b.hub.SendControl(job.SessionID, event.NewControlFrame(event.MsgReplayStatus, job.statusData()))
	if state == ReplayStopped {
		b.hub.SendControl(job.SessionID, event.NewControlFrame(event.MsgReplayStopped, map[string]any{
			"replay_id": job.ID.String(),
		}))
	}
}
