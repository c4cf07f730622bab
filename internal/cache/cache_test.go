package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apilens/gateway/internal/kv"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (f *fixedClock) now() time.Time { return f.t }

func newTestCache(t *testing.T) (*Cache, *fixedClock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := kv.New("redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	clock := &fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(c, 50, clock.now), clock
}

type tenantRecord struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`
}

func TestPutGetRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	rec := tenantRecord{ID: "t1", Tier: "standard"}
	require.NoError(t, cache.Put(ctx, TenantKey("hash1"), rec, time.Hour))

	var got tenantRecord
	require.NoError(t, cache.Get(ctx, TenantKey("hash1"), &got))
	require.Equal(t, rec, got)
}

func TestGetMissRecordsMiss(t *testing.T) {
	cache, _ := newTestCache(t)
	var dst tenantRecord
	err := cache.Get(context.Background(), TenantKey("nope"), &dst)
	require.True(t, IsMiss(err))
	require.Equal(t, int64(1), cache.stats.misses)
}

func TestInvalidateTenantRemovesAllPatternedKeys(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, VendorCredKey("t1", "openai"), "blob", time.Hour))
	require.NoError(t, cache.Put(ctx, RateLimitKey("t1", "minute", 123), 5, time.Hour))
	require.NoError(t, cache.Put(ctx, PricingKey("openai", "gpt-4o"), "pricing", time.Hour))

	require.NoError(t, cache.InvalidateTenant(ctx, "t1"))

	var dst string
	require.True(t, IsMiss(cache.Get(ctx, VendorCredKey("t1", "openai"), &dst)))
	var n int
	require.True(t, IsMiss(cache.Get(ctx, RateLimitKey("t1", "minute", 123), &n)))
	// pricing is vendor-scoped, not tenant-scoped; untouched by tenant invalidation.
	require.NoError(t, cache.Get(ctx, PricingKey("openai", "gpt-4o"), &dst))
}

func TestGradeThresholds(t *testing.T) {
	s := NewStats(time.Now())
	for i := 0; i < 96; i++ {
		s.recordHit(time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		s.recordMiss(time.Millisecond)
	}
	require.Equal(t, GradeAPlus, s.Grade())
}

func TestGradeDowngradedByLatency(t *testing.T) {
	s := NewStats(time.Now())
	for i := 0; i < 96; i++ {
		s.recordHit(20 * time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		s.recordMiss(20 * time.Millisecond)
	}
	require.Equal(t, GradeA, s.Grade())
}
