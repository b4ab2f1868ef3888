// Package auth authenticates API callers and maps each API key to the
// principal the violation ledger tracks.
package auth

import (
	"context"
	"slices"
	"time"
)

// Scopes grant access to route groups. "*" grants all of them.
const (
	ScopeInvoke          = "operations:invoke"
	ScopeAuditRead       = "audit:read"
	ScopeViolationsRead  = "violations:read"
	ScopeViolationsWrite = "violations:write"
	ScopeAll             = "*"
)

// AllScopes lists every scope a key can carry.
func AllScopes() []string {
	return []string{ScopeInvoke, ScopeAuditRead, ScopeViolationsRead, ScopeViolationsWrite}
}

// APIKey is a stored key. KeyHash never leaves the process. A positive
// RateLimit overrides the default calls per minute.
type APIKey struct {
	ID          string     `json:"id" yaml:"id"`
	PrincipalID string     `json:"principalId" yaml:"principal"`
	Name        string     `json:"name" yaml:"name"`
	KeyPrefix   string     `json:"keyPrefix" yaml:"prefix"`
	KeyHash     string     `json:"-" yaml:"hash"`
	Scopes      []string   `json:"scopes" yaml:"scopes"`
	RateLimit   int        `json:"rateLimit,omitempty" yaml:"rate_limit,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" yaml:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty" yaml:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"created_at,omitempty"`
}

// Actor is the authenticated caller of one request.
type Actor struct {
	PrincipalID string
	KeyID       string
	KeyName     string
	Scopes      []string
	RateLimit   int
}

func (a *Actor) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Scopes, scope) || slices.Contains(a.Scopes, ScopeAll)
}

type actorKey struct{}

func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor Middleware admitted.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(*Actor)
	return actor, ok && actor != nil
}
