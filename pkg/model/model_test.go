package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider struct {
	name   string
	closed bool
}

func (p *staticProvider) Name() string { return p.name }
func (p *staticProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Content: "ok", Usage: Usage{TokensIn: 10, TokensOut: 2}}, nil
}
func (p *staticProvider) Close() error { p.closed = true; return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &staticProvider{name: "claude-sonnet-4-5"}
	b := &staticProvider{name: "gpt-4o"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.Error(t, r.Register(&staticProvider{name: "gpt-4o"}), "duplicate name")

	got, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Same(t, b, got)

	// Empty name resolves the default (first registered).
	got, err = r.Resolve("")
	require.NoError(t, err)
	assert.Same(t, a, got)

	require.NoError(t, r.SetDefault("gpt-4o"))
	got, err = r.Resolve("")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = r.Resolve("nonexistent")
	require.Error(t, err)

	require.NoError(t, r.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no providers registered")
}

func TestTransientError(t *testing.T) {
	base := errors.New("connection reset")
	err := Transient(base)
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, base), "unwraps to the cause")

	wrapped := fmt.Errorf("turn 3: %w", err)
	assert.True(t, IsTransient(wrapped), "survives wrapping")

	assert.False(t, IsTransient(errors.New("invalid api key")))
	assert.False(t, IsTransient(nil))
	assert.Nil(t, Transient(nil))
}

func TestTransientError_RetryAfter(t *testing.T) {
	err := &TransientError{StatusCode: 429, Message: "rate limited", RetryAfter: 2 * time.Second}
	assert.Equal(t, 2*time.Second, RetryAfter(err))
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "retry after")

	assert.Zero(t, RetryAfter(errors.New("permanent")))
}

func TestUsage_Add(t *testing.T) {
	u := Usage{TokensIn: 100, TokensOut: 20, Cost: 0.001}
	u.Add(Usage{TokensIn: 50, TokensOut: 5, Cost: 0.0005})
	assert.Equal(t, 150, u.TokensIn)
	assert.Equal(t, 25, u.TokensOut)
	assert.InDelta(t, 0.0015, u.Cost, 1e-12)
}

func TestEstimateCost(t *testing.T) {
	// 1M in + 1M out at sonnet pricing.
	assert.InDelta(t, 18.0, EstimateCost("claude-sonnet-4-5", 1_000_000, 1_000_000), 1e-9)

	// Dated variant resolves by prefix.
	assert.InDelta(t, 3.0, EstimateCost("claude-sonnet-4-20250514", 1_000_000, 0), 1e-9)

	// Longest prefix wins: gpt-4o-mini is not priced as gpt-4o.
	assert.InDelta(t, 0.15, EstimateCost("gpt-4o-mini-2024-07-18", 1_000_000, 0), 1e-9)

	assert.Zero(t, EstimateCost("totally-unknown-model", 1000, 1000))
}

func TestRegisterPricing_Override(t *testing.T) {
	RegisterPricing("house-model", Pricing{InputPer1M: 1.0, OutputPer1M: 2.0})
	assert.InDelta(t, 3.0, EstimateCost("house-model-v2", 1_000_000, 1_000_000), 1e-9)
}

func TestFillCost(t *testing.T) {
	u := Usage{TokensIn: 1000, TokensOut: 100}
	FillCost("claude-3-5-haiku-latest", &u)
	assert.InDelta(t, (1000*1.0+100*5.0)/1_000_000, u.Cost, 1e-12)

	// Provider-reported cost is preserved.
	reported := Usage{TokensIn: 1000, TokensOut: 100, Cost: 0.42}
	FillCost("claude-3-5-haiku-latest", &reported)
	assert.Equal(t, 0.42, reported.Cost)
}
