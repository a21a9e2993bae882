package model

import (
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
)

type Role int16

const (
	// [ZERO_VALUE_GUARD] Roles start from 1 to distinguish uninitialized data.
	RoleUser Role = iota + 1
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleUser:
		return "user"
	}
	return "unknown"
}

func ParseRole(s string) Role {
	if s == "admin" {
		return RoleAdmin
	}
	return RoleUser
}

// AccessLevel controls payload redaction for an identity.
type AccessLevel int16

const (
	AccessRedacted AccessLevel = iota + 1
	AccessFull
)

func ParseAccessLevel(s string) AccessLevel {
	if s == "full" {
		return AccessFull
	}
	return AccessRedacted
}

// Identity is the authenticated principal behind a session. It is
// materialised once from a validated token at connect time; filter stages
// read it without further IO.
type Identity struct {
	UserID      string
	Role        Role
	Allowed     map[event.Type]struct{}
	RateCaps    map[event.Type]float64 // events per minute, 0 = default
	AccessLevel AccessLevel
	ExpiresAt   time.Time
}

// IsAdmin reports whether the identity bypasses permission and rate checks.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Permits reports whether the identity may receive events of type t.
// Admin identities are permitted every registered type.
func (i Identity) Permits(t event.Type) bool {
	if i.IsAdmin() {
		return true
	}
	_, ok := i.Allowed[t]
	return ok
}

// Expired reports whether the backing token has passed its expiry.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
