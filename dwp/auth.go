package dwp

import (
	"context"
	"errors"
	"slices"
	"sort"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject names the caller. Token authenticators use a masked token.
	Subject string `json:"subject"`

	// Scopes defines what operations are permitted.
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope returns true if the identity has the given scope.
// A wildcard "*" scope grants all permissions.
func (id *Identity) HasScope(scope string) bool {
	return slices.Contains(id.Scopes, ScopeAll) || slices.Contains(id.Scopes, scope)
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("dwp: unauthorized")

// ── Token authenticator ─────────────────────────────

// TokenAuthenticator validates bearer tokens against a static table.
type TokenAuthenticator struct {
	tokens map[string]*Identity
}

// NewTokenAuthenticator creates an authenticator from a token to scopes
// table, the shape of the dwp.tokens configuration block.
func NewTokenAuthenticator(tokens map[string][]string) *TokenAuthenticator {
	a := &TokenAuthenticator{tokens: make(map[string]*Identity, len(tokens))}
	for token, scopes := range tokens {
		sorted := slices.Clone(scopes)
		sort.Strings(sorted)
		a.tokens[token] = &Identity{Subject: maskToken(token), Scopes: sorted}
	}
	return a
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	id, ok := a.tokens[token]
	if !ok || token == "" {
		return nil, ErrUnauthorized
	}
	return id, nil
}

// maskToken keeps the first four characters of a token for logs.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts all tokens with a wildcard identity.
// Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return &Identity{
		Subject: "anonymous",
		Scopes:  []string{ScopeAll},
	}, nil
}

// ── Composite authenticator ─────────────────────────

// CompositeAuthenticator tries multiple authenticators in order.
// The first successful authentication wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains multiple authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (c *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, auth := range c.authenticators {
		id, err := auth.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

// ── Scope constants ─────────────────────────────────

const (
	// ScopeTask permits polling and answering tasks.
	ScopeTask = "task"
	// ScopeExecution permits starting, describing and stopping executions.
	ScopeExecution = "execution"
	// ScopeSubscribe permits event subscriptions.
	ScopeSubscribe = "subscribe"
	// ScopeAll grants every scope.
	ScopeAll = "*"
)

// RequiredScope returns the scope required for a method. Unknown methods
// require ScopeAll.
func RequiredScope(method string) string {
	switch method {
	case MethodAuth:
		return ""
	case MethodTaskPoll, MethodTaskSuccess, MethodTaskFailure:
		return ScopeTask
	case MethodExecutionStart, MethodExecutionDescribe, MethodExecutionStop, MethodExecutionHistory:
		return ScopeExecution
	case MethodSubscribe, MethodUnsubscribe:
		return ScopeSubscribe
	default:
		return ScopeAll
	}
}
