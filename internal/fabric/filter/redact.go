package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/orbitdns/event-fabric/config"
	"github.com/orbitdns/event-fabric/internal/domain/event"
)

type redactAction int

const (
	actionRemove redactAction = iota
	actionHash
)

type fieldRule struct {
	field  string
	action redactAction
}

// Redactor strips or hashes sensitive payload fields for identities at
// the redacted access level. The rule set is configuration, not code, and
// swaps atomically on reload; fields without a rule stay visible.
type Redactor struct {
	rules atomic.Pointer[map[event.Type][]fieldRule]
}

func NewRedactor() *Redactor {
	r := &Redactor{}
	empty := map[event.Type][]fieldRule{}
	r.rules.Store(&empty)
	return r
}

// Reload replaces the rule set. Unknown event types and empty field names
// are ignored rather than rejected so a partially bad document cannot
// disable redaction for the valid entries.
func (r *Redactor) Reload(doc config.RedactionRules) {
	next := make(map[event.Type][]fieldRule, len(doc))
	for rawType, rules := range doc {
		t := event.Type(rawType)
		if !t.Valid() {
			continue
		}
		compiled := make([]fieldRule, 0, len(rules))
		for _, rule := range rules {
			if rule.Field == "" {
				continue
			}
			fr := fieldRule{field: rule.Field}
			if rule.Action == "hash" {
				fr.action = actionHash
			}
			compiled = append(compiled, fr)
		}
		if len(compiled) > 0 {
			next[t] = compiled
		}
	}
	r.rules.Store(&next)
}

// Apply returns a payload copy with the type's sensitive fields removed
// or hashed. The original event payload is never mutated.
func (r *Redactor) Apply(t event.Type, payload map[string]any) map[string]any {
	rules := (*r.rules.Load())[t]
	if len(rules) == 0 {
		return payload
	}

	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, rule := range rules {
		v, present := out[rule.field]
		if !present {
			continue
		}
		switch rule.action {
		case actionHash:
			out[rule.field] = hashValue(v)
		default:
			delete(out, rule.field)
		}
	}
	return out
}

func hashValue(v any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return hex.EncodeToString(sum[:8])
}
