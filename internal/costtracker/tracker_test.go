package costtracker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/apilens/gateway/internal/kv"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := kv.New("redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return New(client, nil, "test:")
}

func TestTrackIncrementsAllPeriods(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, "t1", decimal.RequireFromString("0.060")))
	require.NoError(t, tr.Track(ctx, "t1", decimal.RequireFromString("0.040")))

	for _, p := range []Period{PeriodHourly, PeriodDaily, PeriodMonthly} {
		v, err := tr.Get(ctx, "t1", p)
		require.NoError(t, err)
		require.InDelta(t, 0.100, v, 1e-9, "period %s", p)
	}
}

func TestTrackZeroCostIsNoop(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, "t1", decimal.Zero))
	v, err := tr.Get(ctx, "t1", PeriodMonthly)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestProjectScalesToMonth(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	// Pin time to day 10 of a 30-day month, with $100 spent so far.
	now := time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	require.NoError(t, tr.Track(ctx, "t1", decimal.NewFromInt(100)))

	p, err := tr.Project(ctx, "t1", 0)
	require.NoError(t, err)
	require.Equal(t, 30, p.DaysInMonth)
	// 100 / 9.5 elapsed days × 30 ≈ 315.8
	require.InDelta(t, 100/9.5*30, p.ProjectedUSD, 0.01)
	require.InDelta(t, 1.0, p.Confidence, 0.001)
}

func TestProjectConfidenceDecaysEarlyInMonth(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	now := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	require.NoError(t, tr.Track(ctx, "t1", decimal.NewFromInt(10)))

	p, err := tr.Project(ctx, "t1", 0)
	require.NoError(t, err)
	// 1.5 elapsed days of history: confidence = 1.5/7.
	require.InDelta(t, 1.5/7, p.Confidence, 0.001)
}

func TestProjectFlagsHighAgainstCap(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	now := time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	require.NoError(t, tr.Track(ctx, "t1", decimal.NewFromInt(500)))

	// 500 over 14 days projects to ~1071 against a 1000 cap.
	p, err := tr.Project(ctx, "t1", 1000)
	require.NoError(t, err)
	require.True(t, p.High)

	p, err = tr.Project(ctx, "t1", 10_000)
	require.NoError(t, err)
	require.False(t, p.High)
}

func TestDroppedCounter(t *testing.T) {
	tr := newTestTracker(t)
	tr.TrackDropped()
	tr.TrackDropped()
	require.Equal(t, int64(2), tr.Dropped())
}
