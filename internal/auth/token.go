package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/orbitdns/event-fabric/internal/domain/event"
	"github.com/orbitdns/event-fabric/internal/domain/model"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
	ErrRevokedToken = errors.New("auth: token revoked")
)

// Verifier validates bearer tokens into identities. Implementations must
// be safe for concurrent use; verification happens on every connect.
type Verifier interface {
	Verify(token string) (model.Identity, error)
	Revoke(tokenID string, until time.Time)
}

// Claims is the fabric token shape issued by the management-plane auth
// server. RateCaps values are events per minute.
type Claims struct {
	Role        string             `json:"role"`
	EventTypes  []string           `json:"event_types"`
	AccessLevel string             `json:"access_level"`
	RateCaps    map[string]float64 `json:"rate_caps,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HMAC-signed tokens and tracks revocations in an
// expirable cache sized to the revocation window.
type JWTVerifier struct {
	secret  []byte
	revoked *expirable.LRU[string, time.Time]
}

func NewJWTVerifier(secret string, revocationWindow time.Duration) *JWTVerifier {
	return &JWTVerifier{
		secret:  []byte(secret),
		revoked: expirable.NewLRU[string, time.Time](4096, nil, revocationWindow),
	}
}

// Verify validates signature, expiry and revocation state, then maps the
// claims onto an Identity.
func (v *JWTVerifier) Verify(tokenString string) (model.Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Identity{}, ErrExpiredToken
		}
		return model.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return model.Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return model.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if _, found := v.revoked.Get(revocationKey(claims)); found {
		return model.Identity{}, ErrRevokedToken
	}

	return claimsToIdentity(claims), nil
}

// Revoke blacklists a token id until the given time. Sessions already
// established keep running until their own expiry check fires.
func (v *JWTVerifier) Revoke(tokenID string, until time.Time) {
	v.revoked.Add(tokenID, until)
}

func revocationKey(c *Claims) string {
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}

func claimsToIdentity(c *Claims) model.Identity {
	allowed := make(map[event.Type]struct{}, len(c.EventTypes))
	for _, raw := range c.EventTypes {
		if t := event.Type(raw); t.Valid() {
			allowed[t] = struct{}{}
		}
	}

	caps := make(map[event.Type]float64, len(c.RateCaps))
	for raw, perMinute := range c.RateCaps {
		if t := event.Type(raw); t.Valid() && perMinute > 0 {
			caps[t] = perMinute
		}
	}

	var expires time.Time
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Time
	}

	return model.Identity{
		UserID:      c.Subject,
		Role:        model.ParseRole(c.Role),
		Allowed:     allowed,
		RateCaps:    caps,
		AccessLevel: model.ParseAccessLevel(c.AccessLevel),
		ExpiresAt:   expires,
	}
}
