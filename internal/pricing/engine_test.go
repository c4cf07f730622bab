package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apilens/gateway/internal/cache"
	"github.com/apilens/gateway/internal/kv"
	"github.com/apilens/gateway/internal/usageparse"
)

type stubDurable struct {
	records []Record
	calls   int
}

func (s *stubDurable) GetPricingRecords(ctx context.Context, vendor, model string) ([]Record, error) {
	s.calls++
	return s.records, nil
}

func gpt4Record() Record {
	return Record{
		Vendor:        "openai",
		Model:         "gpt-4",
		EffectiveFrom: time.Now().Add(-24 * time.Hour),
		PricingModel:  usageparse.PerToken,
		InputPrice:    decimal.RequireFromString("0.00003"),
		OutputPrice:   decimal.RequireFromString("0.00006"),
		Currency:      "USD",
	}
}

func newTestEngine(t *testing.T, records ...Record) (*Engine, *stubDurable) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := kv.New("redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	durable := &stubDurable{records: records}
	return New(cache.New(client, 200, nil), durable, time.Hour), durable
}

func TestComputeAdmitAndBillScenario(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := gpt4Record()

	c, err := e.Compute(&rec, 1000, 500, nil)
	require.NoError(t, err)

	// 1000 × 0.00003 + 500 × 0.00006 = 0.060
	want := decimal.RequireFromString("0.060")
	require.True(t, c.Total.Sub(want).Abs().LessThan(decimal.RequireFromString("0.000000001")),
		"got %s", c.Total)
}

func TestComputeZeroUnitsZeroCost(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := gpt4Record()

	c, err := e.Compute(&rec, 0, 0, nil)
	require.NoError(t, err)
	require.True(t, c.Total.IsZero())
}

func TestComputeSingleUnitBilledExactly(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := gpt4Record()

	c, err := e.Compute(&rec, 1, 0, nil)
	require.NoError(t, err)
	require.True(t, c.Total.Equal(rec.InputPrice), "got %s", c.Total)
}

func TestComputeMonotonicInUnits(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := gpt4Record()

	prev := decimal.Zero
	for _, in := range []int64{0, 1, 10, 100, 999} {
		c, err := e.Compute(&rec, in, 50, nil)
		require.NoError(t, err)
		require.True(t, c.Total.GreaterThanOrEqual(prev), "input=%d", in)
		prev = c.Total
	}
}

func TestVolumeTierInclusiveAtThreshold(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := gpt4Record()
	rec.VolumeTiers = []VolumeTier{
		{ThresholdUSD: decimal.NewFromInt(100), Discount: decimal.RequireFromString("0.10")},
		{ThresholdUSD: decimal.NewFromInt(1000), Discount: decimal.RequireFromString("0.20")},
	}

	monthly := decimal.NewFromInt(100) // exactly at the first threshold
	c, err := e.Compute(&rec, 1000, 500, &monthly)
	require.NoError(t, err)
	require.NotNil(t, c.TierApplied)
	require.True(t, c.TierApplied.Discount.Equal(decimal.RequireFromString("0.10")))

	// 0.060 × 0.9 = 0.054
	require.True(t, c.Total.Equal(decimal.RequireFromString("0.054")), "got %s", c.Total)
}

func TestBatchDiscountAtUnitThreshold(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := gpt4Record()
	rec.BatchDiscount = decimal.RequireFromString("0.50")

	// 999 combined units: no discount.
	c, err := e.Compute(&rec, 500, 499, nil)
	require.NoError(t, err)
	require.False(t, c.BatchUsed)

	// 1000 combined units: discount applies.
	c, err = e.Compute(&rec, 500, 500, nil)
	require.NoError(t, err)
	require.True(t, c.BatchUsed)
	// (500×0.00003 + 500×0.00006) × 0.5 = 0.0225
	require.True(t, c.Total.Equal(decimal.RequireFromString("0.0225")), "got %s", c.Total)
}

func TestResolvePicksLatestEffective(t *testing.T) {
	oldRec := gpt4Record()
	oldRec.EffectiveFrom = time.Now().Add(-48 * time.Hour)
	oldRec.InputPrice = decimal.RequireFromString("0.0001")

	future := gpt4Record()
	future.EffectiveFrom = time.Now().Add(48 * time.Hour)
	future.InputPrice = decimal.RequireFromString("0.0002")

	current := gpt4Record()

	e, _ := newTestEngine(t, oldRec, future, current)
	rec, err := e.Resolve(context.Background(), "openai", "gpt-4")
	require.NoError(t, err)
	require.True(t, rec.InputPrice.Equal(current.InputPrice))
}

func TestResolveCachesWithinTTL(t *testing.T) {
	e, durable := newTestEngine(t, gpt4Record())
	ctx := context.Background()

	first, err := e.Resolve(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	second, err := e.Resolve(ctx, "openai", "gpt-4")
	require.NoError(t, err)

	require.Equal(t, 1, durable.calls)
	require.True(t, first.InputPrice.Equal(second.InputPrice))
}

func TestResolveNoRecordFailsClosed(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Resolve(context.Background(), "openai", "unknown-model")
	require.ErrorIs(t, err, ErrNoPricing)
}

func TestMalformedRecordRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := gpt4Record()
	rec.InputPrice = decimal.RequireFromString("-0.1")

	_, err := e.Compute(&rec, 1, 1, nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestValidateGrades(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// Predicted 0.060, actual 0.0606: 1.0% error, inside target.
	v, err := e.Validate(ctx, "openai", "gpt-4",
		decimal.RequireFromString("0.060"), decimal.RequireFromString("0.0606"))
	require.NoError(t, err)
	assert.Equal(t, AccuracyAPlus, v.Grade)
	assert.True(t, v.WithinTarget)

	v, err = e.Validate(ctx, "openai", "gpt-4",
		decimal.RequireFromString("0.060"), decimal.RequireFromString("0.070"))
	require.NoError(t, err)
	assert.Equal(t, AccuracyD, v.Grade)
	assert.False(t, v.WithinTarget)
}
