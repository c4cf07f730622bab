// Package ratelimit implements sliding-window request admission per tenant
// per window class, with a burst pool, administrative bypass, and fail-open
// behavior on substrate failure.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apilens/gateway/internal/cache"
	"github.com/apilens/gateway/internal/config"
	"github.com/apilens/gateway/internal/kv"
)

// Class is a rate-limit window class.
type Class string

const (
	ClassMinute Class = "minute"
	ClassHour   Class = "hour"
	ClassDay    Class = "day"
	ClassMonth  Class = "month"
	ClassBurst  Class = "burst"
)

// Window spans in seconds. Month is the 30.44-day sliding month; calendar
// months are a quota concern, not a rate-limit concern.
const (
	spanMinute = 60
	spanHour   = 3600
	spanDay    = 86400
	spanMonth  = 2629746
	spanBurst  = 60
)

// Span returns the window span for a class.
func (c Class) Span() time.Duration {
	switch c {
	case ClassMinute:
		return spanMinute * time.Second
	case ClassHour:
		return spanHour * time.Second
	case ClassDay:
		return spanDay * time.Second
	case ClassMonth:
		return spanMonth * time.Second
	case ClassBurst:
		return spanBurst * time.Second
	}
	return 0
}

// Status is the admission outcome of a rate-limit check.
type Status string

const (
	StatusAllowed     Status = "allowed"
	StatusBurstUsed   Status = "burst_used"
	StatusRateLimited Status = "rate_limited"
	StatusBypassed    Status = "bypassed"
	StatusError       Status = "error" // substrate failure, admitted fail-open
)

// Config is a tenant's rate-limit configuration. Zero caps mean the class
// is unlimited.
type Config struct {
	TenantID     string `json:"tenant_id"`
	PerMinute    int64  `json:"per_minute"`
	PerHour      int64  `json:"per_hour"`
	PerDay       int64  `json:"per_day"`
	PerMonth     int64  `json:"per_month"`
	BurstSize    int64  `json:"burst_size"`
	Bypass       bool   `json:"bypass"`
	BypassReason string `json:"bypass_reason,omitempty"`
}

// Decision is the result of an admission check.
type Decision struct {
	Admitted       bool
	Status         Status
	Class          Class // the class that decided the outcome
	EffectiveLimit int64
	Remaining      int64
	ResetAt        time.Time
	RetryAfter     time.Duration
}

// Durable is the subset of the durable-store collaborator the limiter
// needs: the tenant's explicit rate-limit configuration row, if any.
type Durable interface {
	GetRateLimitConfig(ctx context.Context, tenantID string) (*Config, error)
}

// Limiter admits or rejects requests against shared sliding-window
// counters so multiple gateway instances agree on the same numbers.
type Limiter struct {
	kv        kv.Client
	cache     *cache.Cache
	durable   Durable
	defaults  config.RateLimitDefaults
	prefix    string
	precision int64
	failOpen  bool
	now       func() time.Time
	logger    *log.Logger

	// Process-local guard in front of the substrate: a tenant stuck in a
	// hot loop is shed here, at twice its per-minute rate, before it can
	// hammer the shared counters. The shared counters remain the source
	// of truth for the actual limit.
	guardMu sync.Mutex
	guards  map[string]*rate.Limiter
}

// New constructs a Limiter. defaults supplies per-tier envelopes used when
// a tenant has no explicit configuration row.
func New(client kv.Client, c *cache.Cache, durable Durable, defaults config.RateLimitDefaults, prefix string) *Limiter {
	precision := int64(defaults.SubWindowPrecision)
	if precision <= 0 {
		precision = 10
	}
	return &Limiter{
		kv:        client,
		cache:     c,
		durable:   durable,
		defaults:  defaults,
		prefix:    prefix,
		precision: precision,
		failOpen:  defaults.FailOpen,
		now:       time.Now,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		guards:    make(map[string]*rate.Limiter),
	}
}

// ResolveConfig returns the tenant's rate-limit configuration:
// cache → durable store → tier defaults, in that order.
func (l *Limiter) ResolveConfig(ctx context.Context, tenantID, tier string) (*Config, error) {
	key := "ratelimit-config:" + tenantID

	var cfg Config
	if err := l.cache.Get(ctx, key, &cfg); err == nil {
		return &cfg, nil
	}

	rec, err := l.durable.GetRateLimitConfig(ctx, tenantID)
	if err == nil && rec != nil {
		l.cache.Put(ctx, key, rec, 5*time.Minute) //nolint:errcheck // cache is a hint
		return rec, nil
	}

	def := l.tierDefaults(tenantID, tier)
	l.cache.Put(ctx, key, def, 5*time.Minute) //nolint:errcheck
	return def, nil
}

func (l *Limiter) tierDefaults(tenantID, tier string) *Config {
	t, ok := l.defaults.Tiers[tier]
	if !ok {
		t = l.defaults.Tiers["free"]
	}
	return &Config{
		TenantID:  tenantID,
		PerMinute: int64(t.PerMinute),
		PerHour:   int64(t.PerHour),
		PerDay:    int64(t.PerDay),
		PerMonth:  int64(t.PerMonth),
		BurstSize: int64(t.BurstSize),
	}
}

// UpdateConfig invalidates the cached configuration for a tenant after the
// management plane writes a new row. In-flight decisions on the old config
// complete unaffected.
func (l *Limiter) UpdateConfig(ctx context.Context, tenantID string) error {
	return l.cache.Delete(ctx, "ratelimit-config:"+tenantID)
}

// classLimits returns the configured (class, limit) pairs in check order,
// skipping unlimited classes.
func classLimits(cfg *Config) []struct {
	class Class
	limit int64
} {
	all := []struct {
		class Class
		limit int64
	}{
		{ClassMinute, cfg.PerMinute},
		{ClassHour, cfg.PerHour},
		{ClassDay, cfg.PerDay},
		{ClassMonth, cfg.PerMonth},
	}
	out := all[:0]
	for _, cl := range all {
		if cl.limit > 0 {
			out = append(out, cl)
		}
	}
	return out
}

// Allow runs the admission algorithm for every configured window class, in
// minute→hour→day→month order, and returns the first rejection or the
// tightest admission. The admission increment happens after the decision;
// counters briefly under-count under concurrency but never over-count
// beyond limit + burst + concurrency.
func (l *Limiter) Allow(ctx context.Context, tenantID, tier string) (*Decision, error) {
	cfg, err := l.ResolveConfig(ctx, tenantID, tier)
	if err != nil {
		cfg = l.tierDefaults(tenantID, tier)
	}

	if cfg.Bypass {
		return &Decision{
			Admitted:       true,
			Status:         StatusBypassed,
			EffectiveLimit: math.MaxInt64,
			Remaining:      math.MaxInt64,
		}, nil
	}

	if !l.localGuard(tenantID, cfg).Allow() {
		now := l.now()
		return &Decision{
			Admitted:   false,
			Status:     StatusRateLimited,
			Class:      ClassMinute,
			RetryAfter: time.Second,
			ResetAt:    now.Add(time.Second),
		}, nil
	}

	now := l.now()
	tightest := &Decision{
		Admitted:       true,
		Status:         StatusAllowed,
		EffectiveLimit: math.MaxInt64,
		Remaining:      math.MaxInt64,
	}

	for _, cl := range classLimits(cfg) {
		n, err := l.slidingCount(ctx, tenantID, cl.class, now)
		if err != nil {
			// Fail-open: a substrate failure during the check admits.
			l.logger.Printf("substrate error on %s/%s check, admitting fail-open: %v", tenantID, cl.class, err)
			if l.failOpen {
				tightest.Status = StatusError
				continue
			}
			return nil, err
		}

		if n >= cl.limit {
			// Minute exhaustion can borrow from the burst pool; the
			// other classes reject outright.
			if cl.class == ClassMinute && cfg.BurstSize > 0 {
				used, berr := l.burstUsed(ctx, tenantID, now)
				if berr == nil && used < cfg.BurstSize {
					l.incrementBurst(ctx, tenantID, now)
					l.incrementAll(ctx, tenantID, cfg, now)
					return &Decision{
						Admitted:       true,
						Status:         StatusBurstUsed,
						Class:          ClassMinute,
						EffectiveLimit: cl.limit,
						Remaining:      0,
						ResetAt:        windowReset(cl.class, now),
					}, nil
				}
			}
			reset := windowReset(cl.class, now)
			return &Decision{
				Admitted:       false,
				Status:         StatusRateLimited,
				Class:          cl.class,
				EffectiveLimit: cl.limit,
				Remaining:      0,
				ResetAt:        reset,
				RetryAfter:     reset.Sub(now),
			}, nil
		}

		if remaining := cl.limit - n - 1; remaining < tightest.Remaining {
			tightest.Class = cl.class
			tightest.EffectiveLimit = cl.limit
			tightest.Remaining = remaining
			tightest.ResetAt = windowReset(cl.class, now)
		}
	}

	l.incrementAll(ctx, tenantID, cfg, now)
	return tightest, nil
}

// slidingCount computes the two-bucket blended count for (tenant, class):
// count(w0) + count(w-1) * (1 - elapsed/sub), rounded to nearest.
func (l *Limiter) slidingCount(ctx context.Context, tenantID string, class Class, now time.Time) (int64, error) {
	sub := class.Span() / time.Duration(l.precision)
	idx := now.UnixNano() / int64(sub)

	cur, err := l.counter(ctx, tenantID, class, idx)
	if err != nil {
		return 0, err
	}
	prev, err := l.counter(ctx, tenantID, class, idx-1)
	if err != nil {
		return 0, err
	}

	elapsed := float64(now.UnixNano()%int64(sub)) / float64(sub)
	blended := float64(cur) + float64(prev)*(1-elapsed)
	return int64(math.Round(blended)), nil
}

func (l *Limiter) counter(ctx context.Context, tenantID string, class Class, idx int64) (int64, error) {
	raw, err := l.kv.Get(ctx, l.counterKey(tenantID, class, idx))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscan(string(raw), &n); err != nil {
		return 0, nil
	}
	return n, nil
}

func (l *Limiter) counterKey(tenantID string, class Class, idx int64) string {
	return fmt.Sprintf("%sratelimit:%s:%s:%d", l.prefix, tenantID, class, idx)
}

// incrementAll bumps the current sub-window of every configured class.
// Errors are logged and never block admission.
func (l *Limiter) incrementAll(ctx context.Context, tenantID string, cfg *Config, now time.Time) {
	err := l.kv.Pipelined(ctx, func(p kv.Pipeline) error {
		for _, cl := range classLimits(cfg) {
			sub := cl.class.Span() / time.Duration(l.precision)
			idx := now.UnixNano() / int64(sub)
			p.IncrBy(l.counterKey(tenantID, cl.class, idx), 1, 2*cl.class.Span())
		}
		return nil
	})
	if err != nil {
		l.logger.Printf("increment failed for %s: %v", tenantID, err)
	}
}

func (l *Limiter) burstKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("%sburst:%s:%d", l.prefix, tenantID, now.Unix()/spanBurst)
}

func (l *Limiter) burstUsed(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	raw, err := l.kv.Get(ctx, l.burstKey(tenantID, now))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	fmt.Sscan(string(raw), &n) //nolint:errcheck // malformed counter reads as zero
	return n, nil
}

func (l *Limiter) incrementBurst(ctx context.Context, tenantID string, now time.Time) {
	if _, err := l.kv.Incr(ctx, l.burstKey(tenantID, now), spanBurst*time.Second); err != nil {
		l.logger.Printf("burst increment failed for %s: %v", tenantID, err)
	}
}

// localGuard returns the per-tenant in-process limiter, sized at twice the
// tenant's per-minute rate so it only trips on single-instance hot loops.
func (l *Limiter) localGuard(tenantID string, cfg *Config) *rate.Limiter {
	l.guardMu.Lock()
	defer l.guardMu.Unlock()
	g, ok := l.guards[tenantID]
	if !ok {
		perMin := cfg.PerMinute
		if perMin <= 0 {
			perMin = 6000
		}
		g = rate.NewLimiter(rate.Limit(float64(perMin)*2/60), int(perMin*2+cfg.BurstSize))
		l.guards[tenantID] = g
	}
	return g
}

// windowReset is the start of the next full window for a class.
func windowReset(class Class, now time.Time) time.Time {
	span := int64(class.Span() / time.Second)
	next := (now.Unix()/span + 1) * span
	return time.Unix(next, 0)
}
