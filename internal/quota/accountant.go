// Package quota maintains per-tenant request and cost counters across
// daily, monthly, and yearly periods, evaluates alert thresholds with
// cooldowns, and enforces the optional auto-block with grace period.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apilens/gateway/internal/cache"
	"github.com/apilens/gateway/internal/config"
	"github.com/apilens/gateway/internal/kv"
)

// ErrExceeded is returned by PreCheck when the tenant is over its monthly
// cap with auto-block on and the grace period elapsed.
var ErrExceeded = errors.New("quota: exceeded")

// Severity orders alert kinds from least to most urgent.
type Severity int

const (
	SeverityWarning Severity = iota + 1
	SeverityCritical
	SeverityDanger
	SeverityExceeded
	SeverityBlocked
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityDanger:
		return "danger"
	case SeverityExceeded:
		return "exceeded"
	case SeverityBlocked:
		return "blocked"
	}
	return "info"
}

// Alert is an emitted threshold crossing. A given (tenant, kind) alert is
// emitted at most once per cooldown.
type Alert struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Kind          string    `json:"kind"` // e.g. "warning_75", "exceeded_100"
	Severity      string    `json:"severity"`
	Metric        string    `json:"metric"` // "requests" or "cost"
	Percentage    float64   `json:"percentage"`
	Threshold     float64   `json:"threshold"`
	At            time.Time `json:"at"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// Sink receives emitted alerts; the durable store appends them and the
// notifier fans them out.
type Sink interface {
	EmitAlert(ctx context.Context, a *Alert)
}

// Config is a tenant's quota configuration. Zero caps are unlimited.
type Config struct {
	TenantID          string        `json:"tenant_id"`
	MonthlyRequestCap int64         `json:"monthly_request_cap"`
	MonthlyCostCap    float64       `json:"monthly_cost_cap"`
	DailyRequestCap   int64         `json:"daily_request_cap"`
	DailyCostCap      float64       `json:"daily_cost_cap"`
	WarningThreshold  float64       `json:"warning_threshold"`
	CriticalThreshold float64       `json:"critical_threshold"`
	DangerThreshold   float64       `json:"danger_threshold"`
	AutoBlock         bool          `json:"auto_block"`
	GracePeriod       time.Duration `json:"grace_period"`
	ResetDayOfMonth   int           `json:"reset_day_of_month"`
	TimeZone          string        `json:"time_zone"`
}

// Durable is the subset of the durable-store collaborator the accountant
// needs: the tenant's explicit quota configuration row, if any.
type Durable interface {
	GetQuotaConfig(ctx context.Context, tenantID string) (*Config, error)
}

// Usage is a point-in-time view of one period's counters.
type Usage struct {
	Requests  int64
	CostNanos int64
	Period    Period
	Start     time.Time
}

// Accountant owns the quota counters and threshold/alert machinery.
type Accountant struct {
	kv       kv.Client
	cache    *cache.Cache
	durable  Durable
	defaults config.QuotaDefaults
	sink     Sink
	prefix   string
	now      func() time.Time
}

// New constructs an Accountant.
func New(client kv.Client, c *cache.Cache, durable Durable, defaults config.QuotaDefaults, sink Sink, prefix string) *Accountant {
	return &Accountant{
		kv:       client,
		cache:    c,
		durable:  durable,
		defaults: defaults,
		sink:     sink,
		prefix:   prefix,
		now:      time.Now,
	}
}

// ResolveConfig returns the tenant's quota configuration:
// cache → durable store → tier defaults.
func (a *Accountant) ResolveConfig(ctx context.Context, tenantID, tier string) (*Config, error) {
	key := "quota-config:" + tenantID

	var cfg Config
	if err := a.cache.Get(ctx, key, &cfg); err == nil {
		return &cfg, nil
	}

	rec, err := a.durable.GetQuotaConfig(ctx, tenantID)
	if err == nil && rec != nil {
		a.applyDefaults(rec)
		a.cache.Put(ctx, key, rec, 5*time.Minute) //nolint:errcheck // cache is a hint
		return rec, nil
	}

	def := a.tierDefaults(tenantID, tier)
	a.cache.Put(ctx, key, def, 5*time.Minute) //nolint:errcheck
	return def, nil
}

func (a *Accountant) tierDefaults(tenantID, tier string) *Config {
	t, ok := a.defaults.Tiers[tier]
	if !ok {
		t = a.defaults.Tiers["free"]
	}
	cfg := &Config{
		TenantID:          tenantID,
		MonthlyRequestCap: t.MonthlyRequestCap,
		MonthlyCostCap:    t.MonthlyCostCap,
		DailyRequestCap:   t.DailyRequestCap,
		DailyCostCap:      t.DailyCostCap,
		AutoBlock:         a.defaults.AutoBlock,
	}
	a.applyDefaults(cfg)
	return cfg
}

func (a *Accountant) applyDefaults(cfg *Config) {
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = a.defaults.WarningThreshold
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = a.defaults.CriticalThreshold
	}
	if cfg.DangerThreshold == 0 {
		cfg.DangerThreshold = a.defaults.DangerThreshold
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = a.defaults.GracePeriod
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "UTC"
	}
	if cfg.ResetDayOfMonth == 0 {
		cfg.ResetDayOfMonth = 1
	}
}

func (a *Accountant) counterKey(tenantID string, p Period, start time.Time, metric string) string {
	return fmt.Sprintf("%squota:usage:%s:%s:%d:%s", a.prefix, tenantID, p, start.Unix(), metric)
}

func (a *Accountant) blockKey(tenantID string) string {
	return a.prefix + "quota:block:" + tenantID
}

func (a *Accountant) exceedStartKey(tenantID string, start time.Time) string {
	return fmt.Sprintf("%squota:exceed-start:%s:%d", a.prefix, tenantID, start.Unix())
}

// Current returns the tenant's counters for one period.
func (a *Accountant) Current(ctx context.Context, tenantID string, p Period) (*Usage, error) {
	now := a.now()
	start := p.Start(now)
	reqs, err := a.readCounter(ctx, a.counterKey(tenantID, p, start, "requests"))
	if err != nil {
		return nil, err
	}
	cost, err := a.readCounter(ctx, a.counterKey(tenantID, p, start, "cost"))
	if err != nil {
		return nil, err
	}
	return &Usage{Requests: reqs, CostNanos: cost, Period: p, Start: start}, nil
}

func (a *Accountant) readCounter(ctx context.Context, key string) (int64, error) {
	raw, err := a.kv.Get(ctx, key)
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

// PreCheck admits or rejects a forecasted single-request increment before
// cost is known. A tenant is rejected only when the monthly request cap is
// exhausted, auto-block is on, and the grace period since the first exceed
// has elapsed. Substrate failures admit; the eventual post-update still
// evaluates thresholds.
func (a *Accountant) PreCheck(ctx context.Context, tenantID, tier string) error {
	cfg, err := a.ResolveConfig(ctx, tenantID, tier)
	if err != nil || cfg.MonthlyRequestCap <= 0 || !cfg.AutoBlock {
		return nil
	}

	now := a.now()
	monthStart := PeriodMonthly.Start(now)
	reqs, err := a.readCounter(ctx, a.counterKey(tenantID, PeriodMonthly, monthStart, "requests"))
	if err != nil {
		slog.Warn("quota: pre-check substrate error, admitting", "tenant", tenantID, "error", err)
		return nil
	}
	if reqs < cfg.MonthlyRequestCap {
		return nil
	}

	exceedStart, err := a.readCounter(ctx, a.exceedStartKey(tenantID, monthStart))
	if err != nil || exceedStart == 0 {
		return nil
	}
	if now.Sub(time.Unix(exceedStart, 0)) >= cfg.GracePeriod {
		return fmt.Errorf("%w: monthly request cap %d reached", ErrExceeded, cfg.MonthlyRequestCap)
	}
	return nil
}

// PostUpdate atomically increments the request and cost counters for every
// period, then evaluates thresholds against the new monthly values and
// emits at most one alert — the highest severity crossed by this update.
func (a *Accountant) PostUpdate(ctx context.Context, tenantID, tier string, costNanos int64) (*Alert, error) {
	cfg, err := a.ResolveConfig(ctx, tenantID, tier)
	if err != nil {
		return nil, err
	}

	now := a.now()
	err = a.kv.Pipelined(ctx, func(p kv.Pipeline) error {
		for _, period := range allPeriods {
			start := period.Start(now)
			ttl := period.TTL(now)
			p.IncrBy(a.counterKey(tenantID, period, start, "requests"), 1, ttl)
			if costNanos > 0 {
				p.IncrBy(a.counterKey(tenantID, period, start, "cost"), costNanos, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	usage, err := a.Current(ctx, tenantID, PeriodMonthly)
	if err != nil {
		return nil, err
	}
	return a.evaluate(ctx, tenantID, cfg, usage, costNanos, now)
}

// evaluate finds the highest-severity threshold crossed by the latest
// update across the request and cost metrics, emits its alert (cooldown
// permitting), and sets the block state on a 100% crossing with auto-block.
func (a *Accountant) evaluate(ctx context.Context, tenantID string, cfg *Config, usage *Usage, costNanos int64, now time.Time) (*Alert, error) {
	type crossing struct {
		severity  Severity
		metric    string
		pct       float64
		threshold float64
	}
	var best *crossing

	consider := func(metric string, after, before, cap float64) {
		if cap <= 0 {
			return
		}
		pctAfter := after / cap
		pctBefore := before / cap
		for _, th := range []struct {
			frac float64
			sev  Severity
		}{
			{cfg.WarningThreshold, SeverityWarning},
			{cfg.CriticalThreshold, SeverityCritical},
			{cfg.DangerThreshold, SeverityDanger},
			{1.0, SeverityExceeded},
		} {
			if pctBefore < th.frac && pctAfter >= th.frac {
				if best == nil || th.sev > best.severity {
					best = &crossing{severity: th.sev, metric: metric, pct: pctAfter * 100, threshold: th.frac}
				}
			}
		}
	}

	consider("requests", float64(usage.Requests), float64(usage.Requests-1), float64(cfg.MonthlyRequestCap))
	consider("cost", nanosToDollars(usage.CostNanos), nanosToDollars(usage.CostNanos-costNanos), cfg.MonthlyCostCap)

	if best == nil {
		return nil, nil
	}

	if best.severity >= SeverityExceeded {
		a.markExceeded(ctx, tenantID, cfg, usage.Start, now)
		if cfg.AutoBlock {
			best.severity = SeverityBlocked
		}
	}

	kind := fmt.Sprintf("%s_%d", best.severity, int(best.threshold*100))
	if best.severity >= SeverityBlocked {
		kind = "blocked"
	}
	cooldown := a.cooldownFor(best.severity)
	if !a.claimCooldown(ctx, tenantID, kind, cooldown) {
		return nil, nil
	}

	alert := &Alert{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Kind:          kind,
		Severity:      best.severity.String(),
		Metric:        best.metric,
		Percentage:    best.pct,
		Threshold:     best.threshold,
		At:            now,
		CooldownUntil: now.Add(cooldown),
	}
	if a.sink != nil {
		a.sink.EmitAlert(ctx, alert)
	}
	slog.Info("quota: alert emitted",
		"tenant", tenantID, "kind", kind, "metric", best.metric, "pct", best.pct)
	return alert, nil
}

// markExceeded records the first 100% crossing for the month and, with
// auto-block on, sets the block state. Both are idempotent; the first
// writer wins.
func (a *Accountant) markExceeded(ctx context.Context, tenantID string, cfg *Config, monthStart, now time.Time) {
	ttl := PeriodMonthly.TTL(now)
	script := `return redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2]) and 1 or 0`
	a.kv.EvalCAS(ctx, script, //nolint:errcheck // best effort, re-evaluated next update
		[]string{a.exceedStartKey(tenantID, monthStart)},
		now.Unix(), int64(ttl.Seconds()))
	if cfg.AutoBlock {
		a.kv.Set(ctx, a.blockKey(tenantID), //nolint:errcheck
			[]byte("monthly quota exceeded"), ttl)
	}
}

func (a *Accountant) cooldownFor(s Severity) time.Duration {
	switch s {
	case SeverityWarning:
		return a.defaults.CooldownWarning
	case SeverityCritical:
		return a.defaults.CooldownCritical
	case SeverityDanger:
		return a.defaults.CooldownDanger
	case SeverityExceeded:
		return a.defaults.CooldownExceeded
	default:
		return a.defaults.CooldownBlocked
	}
}

// claimCooldown atomically claims the (tenant, kind) cooldown slot. The
// first writer wins; everyone else observes the cooldown and skips.
func (a *Accountant) claimCooldown(ctx context.Context, tenantID, kind string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	key := fmt.Sprintf("%squota:alert-cooldown:%s:%s", a.prefix, tenantID, kind)
	script := `return redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1]) and 1 or 0`
	res, err := a.kv.EvalCAS(ctx, script, []string{key}, int64(cooldown.Seconds()))
	if err != nil {
		// Cooldown state unknown; emitting a duplicate alert beats
		// dropping a real one.
		return true
	}
	n, ok := res.(int64)
	return !ok || n == 1
}

// EmitProjectionAlert routes a projection_high alert from the real-time
// cost tracker through the same cooldown machinery as threshold alerts.
func (a *Accountant) EmitProjectionAlert(ctx context.Context, tenantID string, projected, cap float64) *Alert {
	if !a.claimCooldown(ctx, tenantID, "projection_high", a.defaults.CooldownWarning) {
		return nil
	}
	now := a.now()
	alert := &Alert{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Kind:          "projection_high",
		Severity:      SeverityWarning.String(),
		Metric:        "cost",
		Percentage:    projected / cap * 100,
		Threshold:     0.9,
		At:            now,
		CooldownUntil: now.Add(a.defaults.CooldownWarning),
	}
	if a.sink != nil {
		a.sink.EmitAlert(ctx, alert)
	}
	return alert
}

// Reset clears the tenant's counters whose canonical start is strictly
// earlier than the reset instant, plus the block and exceed-start state.
// Counters for the period containing the reset instant are left alone, so
// a race with in-flight writes cannot lose fresh usage. Idempotent.
func (a *Accountant) Reset(ctx context.Context, tenantID string, resetAt time.Time) error {
	pattern := fmt.Sprintf("%squota:usage:%s:*", a.prefix, tenantID)
	var stale []string
	err := a.kv.Scan(ctx, pattern, 200, func(keys []string) error {
		for _, k := range keys {
			// Key layout: <prefix>quota:usage:<tenant>:<period>:<start>:<metric>
			parts := strings.Split(strings.TrimPrefix(k, a.prefix+"quota:usage:"+tenantID+":"), ":")
			if len(parts) != 3 {
				continue
			}
			start, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				continue
			}
			if start < resetAt.Unix() {
				stale = append(stale, k)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		if err := a.kv.Del(ctx, stale...); err != nil {
			return err
		}
	}
	var marks []string
	err = a.kv.Scan(ctx, fmt.Sprintf("%squota:exceed-start:%s:*", a.prefix, tenantID), 200, func(keys []string) error {
		marks = append(marks, keys...)
		return nil
	})
	if err != nil {
		return err
	}
	return a.kv.Del(ctx, append(marks, a.blockKey(tenantID))...)
}

func nanosToDollars(n int64) float64 {
	return float64(n) / 1e9
}

// DollarsToNanos converts a float cost at the reporting boundary into the
// integer nano-dollar unit the counters use.
func DollarsToNanos(d float64) int64 {
	return int64(d*1e9 + 0.5)
}
