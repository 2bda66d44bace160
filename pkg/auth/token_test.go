package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	tokens []Token
	calls  int
}

func (s *countingSource) Token(_ context.Context) (Token, error) {
	t := s.tokens[s.calls]
	if s.calls < len(s.tokens)-1 {
		s.calls++
	}
	return t, nil
}

func TestTokenValid(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, Token{}.Valid(now, 0))
	assert.True(t, Token{Value: "tok"}.Valid(now, time.Hour))

	expiring := Token{Value: "tok", ExpiresAt: now.Add(10 * time.Minute)}
	assert.True(t, expiring.Valid(now, 5*time.Minute))
	assert.False(t, expiring.Valid(now, 15*time.Minute))
	assert.False(t, expiring.Valid(now.Add(time.Hour), 0))
}

func TestStaticTokenSource(t *testing.T) {
	tok, err := NewStaticTokenSource("tok-secret").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-secret", tok.Value)

	_, err = NewStaticTokenSource("").Token(context.Background())
	assert.Error(t, err)
}

func TestEnvTokenSourcePicksUpRotation(t *testing.T) {
	src := NewEnvTokenSource("REPOPILOT_TEST_TOKEN")

	_, err := src.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REPOPILOT_TEST_TOKEN")

	t.Setenv("REPOPILOT_TEST_TOKEN", "first")
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok.Value)

	t.Setenv("REPOPILOT_TEST_TOKEN", "rotated")
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated", tok.Value)
}

func TestCachingTokenSourceReusesUntilSkew(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	upstream := &countingSource{tokens: []Token{
		{Value: "tok-1", ExpiresAt: base.Add(time.Hour)},
		{Value: "tok-2", ExpiresAt: base.Add(2 * time.Hour)},
	}}

	src := NewCachingTokenSource(upstream, 5*time.Minute)
	now := base
	src.now = func() time.Time { return now }

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)

	// Well before expiry the cached token is reused.
	now = base.Add(30 * time.Minute)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)
	assert.Equal(t, 1, upstream.calls)

	// Inside the skew window the source is consulted again.
	now = base.Add(56 * time.Minute)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.Value)
}
