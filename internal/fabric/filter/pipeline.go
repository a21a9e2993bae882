// Package filter implements the per-subscriber stages between dispatch
// and delivery: permission check, payload redaction, rate limiting and
// optional batching. Stages are pure functions of (identity, event, now);
// any IO they would need is pre-materialised into the Identity at connect
// time, so the dispatcher may run them on any worker.
package filter

import (
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
	"github.com/orbitdns/event-fabric/internal/fabric/registry"
)

// Verdict is the pipeline outcome for one (event, session) pair.
type Verdict int

const (
	// VerdictDeliver carries a rendered payload ready for enqueue.
	VerdictDeliver Verdict = iota
	// VerdictDenied means the identity lacks permission for the type.
	VerdictDenied
	// VerdictRateLimited means the token bucket rejected the envelope.
	VerdictRateLimited
	// VerdictError means a stage panicked; the event is skipped for this
	// session only.
	VerdictError
)

// Result is what the dispatcher acts on.
type Result struct {
	Verdict Verdict
	// Payload is the (possibly redacted) event payload, set for
	// VerdictDeliver only.
	Payload map[string]any
	// Notify requests a rate_limited control frame (VerdictRateLimited).
	Notify bool
}

// Pipeline evaluates filter stages in order with short-circuiting.
type Pipeline struct {
	redactor *Redactor
	limiter  *RateLimiter
}

func NewPipeline(redactor *Redactor, limiter *RateLimiter) *Pipeline {
	return &Pipeline{redactor: redactor, limiter: limiter}
}

// Redactor exposes the live rule set for config reload wiring.
func (p *Pipeline) Redactor() *Redactor { return p.redactor }

// Limiter exposes the bucket state for teardown wiring.
func (p *Pipeline) Limiter() *RateLimiter { return p.limiter }

// Evaluate never mutates the event and never blocks. A panic inside a
// stage is confined to this (event, session) pair.
func (p *Pipeline) Evaluate(s *registry.Session, ev *event.Event, now time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Verdict: VerdictError}
		}
	}()

	identity := s.Identity()

	// 1. Permission.
	if !identity.Permits(ev.Type) {
		return Result{Verdict: VerdictDenied}
	}

	// 2. Redaction.
	payload := ev.Payload
	if identity.AccessLevel == model.AccessRedacted {
		payload = p.redactor.Apply(ev.Type, payload)
	}

	// 3. Rate limit.
	allowed, notify := p.limiter.Allow(s.ID(), identity, ev.Type, ev.Priority, now)
	if !allowed {
		return Result{Verdict: VerdictRateLimited, Notify: notify}
	}

	return Result{Verdict: VerdictDeliver, Payload: payload}
}
