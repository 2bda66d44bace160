// Package auth supplies short-lived access tokens for forge and git
// operations. Tokens are held in memory only.
package auth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"repopilot/pkg/secrets"
)

// Token is an access credential with an optional expiry. A zero
// ExpiresAt means the token does not expire.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at time now, leaving skew
// as a safety margin before the real expiry.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// TokenSource yields tokens on demand.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// StaticTokenSource returns a fixed token. Used in tests and for
// long-lived personal access tokens.
type StaticTokenSource struct {
	token Token
}

func NewStaticTokenSource(value string) *StaticTokenSource {
	return &StaticTokenSource{token: Token{Value: value}}
}

func (s *StaticTokenSource) Token(_ context.Context) (Token, error) {
	if s.token.Value == "" {
		return Token{}, fmt.Errorf("no token configured")
	}
	return s.token, nil
}

// EnvTokenSource reads the token from an environment variable on each
// call, so a rotated value is picked up without restart.
type EnvTokenSource struct {
	envVar string
}

func NewEnvTokenSource(envVar string) *EnvTokenSource {
	return &EnvTokenSource{envVar: envVar}
}

func (s *EnvTokenSource) Token(_ context.Context) (Token, error) {
	value := os.Getenv(s.envVar)
	if value == "" {
		return Token{}, fmt.Errorf("environment variable %s is not set", s.envVar)
	}
	return Token{Value: value}, nil
}

// SecretsTokenSource reads the token from the encrypted secrets store.
type SecretsTokenSource struct {
	store *secrets.Store
	name  string
}

func NewSecretsTokenSource(store *secrets.Store, name string) *SecretsTokenSource {
	return &SecretsTokenSource{store: store, name: name}
}

func (s *SecretsTokenSource) Token(_ context.Context) (Token, error) {
	value, err := s.store.Get(s.name)
	if err != nil {
		return Token{}, fmt.Errorf("secret %s: %w", s.name, err)
	}
	return Token{Value: value}, nil
}

// CachingTokenSource wraps another source and reuses its token until
// it is within skew of expiring.
type CachingTokenSource struct {
	src  TokenSource
	skew time.Duration
	now  func() time.Time

	mu     sync.Mutex
	cached Token
}

func NewCachingTokenSource(src TokenSource, skew time.Duration) *CachingTokenSource {
	return &CachingTokenSource{src: src, skew: skew, now: time.Now}
}

func (c *CachingTokenSource) Token(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached.Valid(c.now(), c.skew) {
		return c.cached, nil
	}

	token, err := c.src.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	c.cached = token
	return token, nil
}
