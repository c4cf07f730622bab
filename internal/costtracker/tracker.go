// Package costtracker maintains the real-time hourly/daily/monthly cost
// counters and computes monthly projections with a confidence score.
package costtracker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/apilens/gateway/internal/kv"
	"github.com/apilens/gateway/internal/quota"
)

// Period is a real-time cost granularity.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

func (p Period) start(t time.Time) time.Time {
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	}
	return t
}

func (p Period) ttl() time.Duration {
	switch p {
	case PeriodHourly:
		return 48 * time.Hour
	case PeriodDaily:
		return 35 * 24 * time.Hour
	default:
		return 62 * 24 * time.Hour
	}
}

// projectionThreshold is the fraction of the monthly cap at which a
// projection triggers the projection_high alert.
const projectionThreshold = 0.9

// Projection is the monthly forecast for a tenant.
type Projection struct {
	TenantID     string
	CurrentUSD   float64
	ProjectedUSD float64
	ElapsedDays  float64
	DaysInMonth  int
	Confidence   float64
	High         bool
}

// Tracker owns the real-time cost counters. Writes are atomic across all
// three periods within a single pipelined operation; a quota re-evaluation
// is the caller's next step, never the tracker's (the accountant reads
// counters, it is not called back).
type Tracker struct {
	kv         kv.Client
	accountant *quota.Accountant
	prefix     string
	now        func() time.Time
	dropped    int64 // writes dropped while degraded
}

// New constructs a Tracker. accountant is used only to route the
// projection_high alert through the shared cooldown machinery.
func New(client kv.Client, accountant *quota.Accountant, prefix string) *Tracker {
	return &Tracker{kv: client, accountant: accountant, prefix: prefix, now: time.Now}
}

func (t *Tracker) key(tenantID string, p Period, start time.Time) string {
	return fmt.Sprintf("%scost:%s:%s:%d", t.prefix, tenantID, p, start.Unix())
}

// Track atomically adds cost to the tenant's hourly, daily, and monthly
// counters in one pipelined round trip.
func (t *Tracker) Track(ctx context.Context, tenantID string, cost decimal.Decimal) error {
	nanos := quota.DollarsToNanos(cost.InexactFloat64())
	if nanos <= 0 {
		return nil
	}
	now := t.now()
	return t.kv.Pipelined(ctx, func(p kv.Pipeline) error {
		for _, period := range []Period{PeriodHourly, PeriodDaily, PeriodMonthly} {
			p.IncrBy(t.key(tenantID, period, period.start(now)), nanos, period.ttl())
		}
		return nil
	})
}

// TrackDropped counts a write dropped under degraded mode.
func (t *Tracker) TrackDropped() {
	atomic.AddInt64(&t.dropped, 1)
}

// Dropped returns the number of writes dropped while degraded.
func (t *Tracker) Dropped() int64 {
	return atomic.LoadInt64(&t.dropped)
}

// Get returns the current value of one period's counter, in USD.
func (t *Tracker) Get(ctx context.Context, tenantID string, p Period) (float64, error) {
	nanos, err := t.read(ctx, t.key(tenantID, p, p.start(t.now())))
	if err != nil {
		return 0, err
	}
	return float64(nanos) / 1e9, nil
}

func (t *Tracker) read(ctx context.Context, key string) (int64, error) {
	raw, err := t.kv.Get(ctx, key)
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

// Project forecasts the month-end cost as (current monthly cost /
// elapsed days) × days in month. Confidence starts at 1.0, decays by
// min(1, elapsed/7) when history is short, and is halved again when the
// coefficient of variation across the elapsed daily costs exceeds 0.5.
func (t *Tracker) Project(ctx context.Context, tenantID string, monthlyCapUSD float64) (*Projection, error) {
	now := t.now()
	monthStart := PeriodMonthly.start(now)
	daysInMonth := PeriodMonthly.start(now).AddDate(0, 1, 0).Sub(monthStart).Hours() / 24

	current, err := t.Get(ctx, tenantID, PeriodMonthly)
	if err != nil {
		return nil, err
	}

	elapsed := now.Sub(monthStart).Hours() / 24
	if elapsed < 1.0/24 {
		elapsed = 1.0 / 24
	}

	projected := current / elapsed * daysInMonth

	confidence := math.Min(1, elapsed/7)
	if cov, ok := t.dailyCoV(ctx, tenantID, monthStart, int(elapsed), now); ok && cov > 0.5 {
		confidence /= 2
	}

	p := &Projection{
		TenantID:     tenantID,
		CurrentUSD:   current,
		ProjectedUSD: projected,
		ElapsedDays:  elapsed,
		DaysInMonth:  int(daysInMonth),
		Confidence:   confidence,
	}

	if monthlyCapUSD > 0 && projected >= projectionThreshold*monthlyCapUSD {
		p.High = true
		if t.accountant != nil {
			t.accountant.EmitProjectionAlert(ctx, tenantID, projected, monthlyCapUSD)
		}
		slog.Warn("costtracker: projection high",
			"tenant", tenantID, "projected_usd", projected, "cap_usd", monthlyCapUSD)
	}
	return p, nil
}

// dailyCoV computes the coefficient of variation across the month's
// elapsed daily cost counters. Returns ok=false with fewer than two days
// of history.
func (t *Tracker) dailyCoV(ctx context.Context, tenantID string, monthStart time.Time, days int, now time.Time) (float64, bool) {
	if days < 2 {
		return 0, false
	}
	var values []float64
	for d := 0; d < days; d++ {
		day := monthStart.AddDate(0, 0, d)
		if day.After(now) {
			break
		}
		nanos, err := t.read(ctx, t.key(tenantID, PeriodDaily, day))
		if err != nil {
			return 0, false
		}
		values = append(values, float64(nanos)/1e9)
	}
	if len(values) < 2 {
		return 0, false
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0, false
	}
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	stdev := math.Sqrt(ss / float64(len(values)-1))
	return stdev / mean, true
}
