package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
)

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewMemorySplitStatusCache(clk)

	want := domain.SplitStatus{TotalShares: 4, RemainingShares: 3, SharePriceCents: 2500}
	require.NoError(t, c.Set(ctx, "tab-1", want, time.Minute))

	got, ok, err := c.Get(ctx, "tab-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, *got)

	clk.Advance(time.Minute)
	_, ok, err = c.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemorySplitStatusCache(nil)
	require.NoError(t, c.Set(ctx, "tab-1", domain.SplitStatus{TotalShares: 2, RemainingShares: 2}, 0))
	require.NoError(t, c.Delete(ctx, "tab-1"))

	_, ok, err := c.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoopCacheNeverHits(t *testing.T) {
	ctx := context.Background()
	var c SplitStatusCache = NoopSplitStatusCache{}
	require.NoError(t, c.Set(ctx, "tab-1", domain.SplitStatus{TotalShares: 1}, time.Minute))
	_, ok, err := c.Get(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
