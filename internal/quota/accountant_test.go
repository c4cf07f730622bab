package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/apilens/gateway/internal/cache"
	"github.com/apilens/gateway/internal/config"
	"github.com/apilens/gateway/internal/kv"
)

type stubDurable struct {
	cfg *Config
}

func (s *stubDurable) GetQuotaConfig(ctx context.Context, tenantID string) (*Config, error) {
	return s.cfg, nil
}

type captureSink struct {
	alerts []*Alert
}

func (c *captureSink) EmitAlert(ctx context.Context, a *Alert) {
	c.alerts = append(c.alerts, a)
}

func testDefaults() config.QuotaDefaults {
	return config.QuotaDefaults{
		Tiers: map[string]config.TierLimits{
			"free": {MonthlyRequestCap: 1000, MonthlyCostCap: 25},
		},
		WarningThreshold:  0.75,
		CriticalThreshold: 0.90,
		DangerThreshold:   0.95,
		GracePeriod:       24 * time.Hour,
		CooldownWarning:   60 * time.Minute,
		CooldownCritical:  30 * time.Minute,
		CooldownDanger:    15 * time.Minute,
		CooldownExceeded:  5 * time.Minute,
		CooldownBlocked:   time.Minute,
	}
}

func newTestAccountant(t *testing.T, cfg *Config) (*Accountant, *captureSink) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := kv.New("redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	sink := &captureSink{}
	a := New(client, cache.New(client, 200, nil), &stubDurable{cfg: cfg}, testDefaults(), sink, "test:")
	return a, sink
}

func TestPostUpdateIncrementsAllPeriods(t *testing.T) {
	a, _ := newTestAccountant(t, &Config{TenantID: "t1", MonthlyRequestCap: 1000})
	ctx := context.Background()

	_, err := a.PostUpdate(ctx, "t1", "free", DollarsToNanos(0.060))
	require.NoError(t, err)

	for _, p := range []Period{PeriodDaily, PeriodMonthly, PeriodYearly} {
		u, err := a.Current(ctx, "t1", p)
		require.NoError(t, err)
		require.Equal(t, int64(1), u.Requests, "period %s", p)
		require.Equal(t, DollarsToNanos(0.060), u.CostNanos, "period %s", p)
	}
}

func TestWarningThresholdAlertOnce(t *testing.T) {
	a, sink := newTestAccountant(t, &Config{TenantID: "t1", MonthlyRequestCap: 1000})
	ctx := context.Background()

	// Seed the monthly counter just below the warning line.
	now := time.Now()
	start := PeriodMonthly.Start(now)
	_, err := a.kv.IncrBy(ctx, a.counterKey("t1", PeriodMonthly, start, "requests"), 749, PeriodMonthly.TTL(now))
	require.NoError(t, err)

	alert, err := a.PostUpdate(ctx, "t1", "free", 0)
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, "warning_75", alert.Kind)
	require.Equal(t, "requests", alert.Metric)
	require.InDelta(t, 75.0, alert.Percentage, 0.01)
	require.Len(t, sink.alerts, 1)

	// Next request at 751 is inside the cooldown: no second alert.
	alert, err = a.PostUpdate(ctx, "t1", "free", 0)
	require.NoError(t, err)
	require.Nil(t, alert)
	require.Len(t, sink.alerts, 1)
}

func TestCostThresholdUsesHighestSeverity(t *testing.T) {
	a, sink := newTestAccountant(t, &Config{TenantID: "t1", MonthlyRequestCap: 1_000_000, MonthlyCostCap: 100})
	ctx := context.Background()

	// One update that jumps cost from 0 straight past the danger line.
	alert, err := a.PostUpdate(ctx, "t1", "free", DollarsToNanos(96))
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, "danger_95", alert.Kind)
	require.Equal(t, "cost", alert.Metric)
	require.Len(t, sink.alerts, 1)
}

func TestExceededWithAutoBlockEmitsBlocked(t *testing.T) {
	a, sink := newTestAccountant(t, &Config{TenantID: "t1", MonthlyRequestCap: 10, AutoBlock: true, GracePeriod: time.Nanosecond})
	ctx := context.Background()

	now := time.Now()
	start := PeriodMonthly.Start(now)
	_, err := a.kv.IncrBy(ctx, a.counterKey("t1", PeriodMonthly, start, "requests"), 9, PeriodMonthly.TTL(now))
	require.NoError(t, err)

	alert, err := a.PostUpdate(ctx, "t1", "free", 0)
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, "blocked", alert.Kind)
	require.Len(t, sink.alerts, 1)

	// Grace elapsed (nanosecond) and counter at cap: pre-check now rejects.
	time.Sleep(2 * time.Second)
	err = a.PreCheck(ctx, "t1", "free")
	require.ErrorIs(t, err, ErrExceeded)
}

func TestPreCheckAdmitsUnderCap(t *testing.T) {
	a, _ := newTestAccountant(t, &Config{TenantID: "t1", MonthlyRequestCap: 10, AutoBlock: true})
	require.NoError(t, a.PreCheck(context.Background(), "t1", "free"))
}

func TestResetClearsOldCountersAndIsIdempotent(t *testing.T) {
	a, _ := newTestAccountant(t, &Config{TenantID: "t1", MonthlyRequestCap: 1000})
	ctx := context.Background()

	now := time.Now()
	oldStart := PeriodMonthly.Start(now).AddDate(0, -1, 0)
	_, err := a.kv.IncrBy(ctx, a.counterKey("t1", PeriodMonthly, oldStart, "requests"), 500, 48*time.Hour)
	require.NoError(t, err)

	resetAt := PeriodMonthly.Start(now)
	require.NoError(t, a.Reset(ctx, "t1", resetAt))
	require.NoError(t, a.Reset(ctx, "t1", resetAt)) // idempotent

	n, err := a.readCounter(ctx, a.counterKey("t1", PeriodMonthly, oldStart, "requests"))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestResetKeepsCurrentPeriod(t *testing.T) {
	a, _ := newTestAccountant(t, &Config{TenantID: "t1", MonthlyRequestCap: 1000})
	ctx := context.Background()

	_, err := a.PostUpdate(ctx, "t1", "free", 0)
	require.NoError(t, err)

	// Reset as of the current month's start: the running month survives.
	require.NoError(t, a.Reset(ctx, "t1", PeriodMonthly.Start(time.Now())))

	u, err := a.Current(ctx, "t1", PeriodMonthly)
	require.NoError(t, err)
	require.Equal(t, int64(1), u.Requests)
}

func TestProjectionAlertRespectsCooldown(t *testing.T) {
	a, sink := newTestAccountant(t, &Config{TenantID: "t1", MonthlyCostCap: 100})
	ctx := context.Background()

	alert := a.EmitProjectionAlert(ctx, "t1", 95, 100)
	require.NotNil(t, alert)
	require.Equal(t, "projection_high", alert.Kind)

	require.Nil(t, a.EmitProjectionAlert(ctx, "t1", 96, 100))
	require.Len(t, sink.alerts, 1)
}
