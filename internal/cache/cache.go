// Package cache implements the namespaced, TTL-governed layer over the
// shared substrate used for tenant records, decrypted vendor credentials,
// and pricing tables.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/apilens/gateway/internal/kv"
)

// Grade is a letter performance grade derived from hit-rate and latency.
type Grade string

const (
	GradeAPlus Grade = "A+"
	GradeA     Grade = "A"
	GradeBPlus Grade = "B+"
	GradeB     Grade = "B"
	GradeC     Grade = "C"
	GradeD     Grade = "D"
)

// Stats tracks lock-free, monotonic counters for the cache's hit/miss/set/
// delete/error activity plus a rolling average response time.
type Stats struct {
	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	errors    int64
	totalTime int64 // nanoseconds, summed
	totalOps  int64
	startedAt time.Time
}

// NewStats returns a zeroed Stats with its uptime clock started now.
func NewStats(now time.Time) *Stats {
	return &Stats{startedAt: now}
}

func (s *Stats) recordHit(d time.Duration)  { atomic.AddInt64(&s.hits, 1); s.recordLatency(d) }
func (s *Stats) recordMiss(d time.Duration) { atomic.AddInt64(&s.misses, 1); s.recordLatency(d) }
func (s *Stats) recordSet(d time.Duration)  { atomic.AddInt64(&s.sets, 1); s.recordLatency(d) }
func (s *Stats) recordDelete()              { atomic.AddInt64(&s.deletes, 1) }
func (s *Stats) recordError()               { atomic.AddInt64(&s.errors, 1) }

func (s *Stats) recordLatency(d time.Duration) {
	atomic.AddInt64(&s.totalTime, int64(d))
	atomic.AddInt64(&s.totalOps, 1)
}

// HitRate returns the fraction of gets that were hits, in [0,1].
func (s *Stats) HitRate() float64 {
	hits := atomic.LoadInt64(&s.hits)
	misses := atomic.LoadInt64(&s.misses)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// AvgResponseTimeMS returns the rolling average response time in milliseconds.
func (s *Stats) AvgResponseTimeMS() float64 {
	ops := atomic.LoadInt64(&s.totalOps)
	if ops == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&s.totalTime)) / float64(ops) / float64(time.Millisecond)
}

// Grade computes the A+/A/B+/B/C/D performance grade: hit-rate thresholds
// of 95/85/75/60/40 percent, each capped down one notch when average
// latency exceeds 10ms.
func (s *Stats) Grade() Grade {
	hr := s.HitRate() * 100
	var g Grade
	switch {
	case hr >= 95:
		g = GradeAPlus
	case hr >= 85:
		g = GradeA
	case hr >= 75:
		g = GradeBPlus
	case hr >= 60:
		g = GradeB
	case hr >= 40:
		g = GradeC
	default:
		g = GradeD
	}
	if s.AvgResponseTimeMS() > 10 {
		g = downgrade(g)
	}
	return g
}

func downgrade(g Grade) Grade {
	switch g {
	case GradeAPlus:
		return GradeA
	case GradeA:
		return GradeBPlus
	case GradeBPlus:
		return GradeB
	case GradeB:
		return GradeC
	default:
		return GradeD
	}
}

// Snapshot is a point-in-time, JSON-friendly rendering of Stats.
type Snapshot struct {
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Sets              int64   `json:"sets"`
	Deletes           int64   `json:"deletes"`
	Errors            int64   `json:"errors"`
	HitRate           float64 `json:"hit_rate"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	Grade             Grade   `json:"grade"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

func (s *Stats) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Hits:              atomic.LoadInt64(&s.hits),
		Misses:            atomic.LoadInt64(&s.misses),
		Sets:              atomic.LoadInt64(&s.sets),
		Deletes:           atomic.LoadInt64(&s.deletes),
		Errors:            atomic.LoadInt64(&s.errors),
		HitRate:           s.HitRate(),
		AvgResponseTimeMS: s.AvgResponseTimeMS(),
		Grade:             s.Grade(),
		UptimeSeconds:     now.Sub(s.startedAt).Seconds(),
	}
}

// errMiss is the sentinel error returned by Get on a cache miss, distinct
// from a substrate failure (which is also reported as a miss per the
// fail-open read policy, but logged as an error separately).
var errMiss = fmt.Errorf("cache: miss")

// IsMiss reports whether err denotes a cache miss (including a
// substrate failure recorded under the fail-open read policy).
func IsMiss(err error) bool { return err == errMiss }

// Cache is the layered, namespaced cache over the K/V substrate.
type Cache struct {
	kv        kv.Client
	stats     *Stats
	prefix    string
	scanBatch int64
	now       func() time.Time
}

// New constructs a Cache over the given substrate client.
func New(client kv.Client, scanBatch int, now func() time.Time) *Cache {
	return NewPrefixed(client, "", scanBatch, now)
}

// NewPrefixed constructs a Cache whose keys all carry the environment-tag
// prefix of §6.
func NewPrefixed(client kv.Client, prefix string, scanBatch int, now func() time.Time) *Cache {
	if scanBatch <= 0 {
		scanBatch = 200
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{kv: client, stats: NewStats(now()), prefix: prefix, scanBatch: int64(scanBatch), now: now}
}

// Put stores value (marshaled to JSON) under key with the given TTL. A
// substrate failure is recorded and surfaces as a soft failure: the
// caller proceeds without caching.
func (c *Cache) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	start := c.now()
	payload, err := json.Marshal(value)
	if err != nil {
		c.stats.recordError()
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.kv.Set(ctx, c.prefix+key, payload, ttl); err != nil {
		c.stats.recordError()
		slog.Warn("cache: put failed, proceeding uncached", "key", key, "error", err)
		return nil
	}
	c.stats.recordSet(c.now().Sub(start))
	return nil
}

// Get looks up key and unmarshals it into dst. Returns errMiss (checked
// via IsMiss) both on an actual miss and on a substrate read failure —
// reads fail open.
func (c *Cache) Get(ctx context.Context, key string, dst interface{}) error {
	start := c.now()
	raw, err := c.kv.Get(ctx, c.prefix+key)
	if err != nil {
		if err == kv.ErrNotFound {
			c.stats.recordMiss(c.now().Sub(start))
			return errMiss
		}
		c.stats.recordError()
		c.stats.recordMiss(c.now().Sub(start))
		return errMiss
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.stats.recordError()
		return fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	c.stats.recordHit(c.now().Sub(start))
	return nil
}

// Delete removes the given keys outright.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefix + k
	}
	if err := c.kv.Del(ctx, prefixed...); err != nil {
		c.stats.recordError()
		return fmt.Errorf("cache: delete: %w", err)
	}
	c.stats.recordDelete()
	return nil
}

// InvalidateTenant removes every key whose pattern contains tenantID,
// via cursor scan over the fixed key patterns of §4.2, deletions batched.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID string) error {
	patterns := []string{
		fmt.Sprintf("tenant:*%s*", tenantID),
		fmt.Sprintf("vendor-cred:%s:*", tenantID),
		fmt.Sprintf("ratelimit:%s:*", tenantID),
		fmt.Sprintf("ratelimit-config:%s", tenantID),
		fmt.Sprintf("quota-config:%s", tenantID),
		fmt.Sprintf("quota:*:%s:*", tenantID),
		fmt.Sprintf("anomaly:%s:*", tenantID),
	}
	for _, pattern := range patterns {
		err := c.kv.Scan(ctx, c.prefix+pattern, c.scanBatch, func(keys []string) error {
			c.stats.recordDelete()
			return c.kv.Del(ctx, keys...)
		})
		if err != nil {
			c.stats.recordError()
			return fmt.Errorf("cache: invalidate %s: %w", pattern, err)
		}
	}
	return nil
}

// Stats returns a snapshot of hit/miss/set/delete/error counters, hit
// rate, average response time, and derived performance grade.
func (c *Cache) Stats() Snapshot {
	return c.stats.Snapshot(c.now())
}

// Key builders for the fixed pattern set of §4.2 / §6.

func TenantKey(secretHash string) string { return "tenant:" + secretHash }

func VendorCredKey(tenantID, vendor string) string {
	return fmt.Sprintf("vendor-cred:%s:%s", tenantID, vendor)
}

func PricingKey(vendor, model string) string {
	return fmt.Sprintf("pricing:%s:%s", vendor, model)
}

func RateLimitKey(tenantID, class string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", tenantID, class, window)
}

func QuotaKey(tenantID, period string, ts int64) string {
	return fmt.Sprintf("quota:%s:%s:%d", tenantID, period, ts)
}

func AnomalyKey(tenantID, kind string, ts int64) string {
	return fmt.Sprintf("anomaly:%s:%s:%d", tenantID, kind, ts)
}
