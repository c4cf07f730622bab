// Package pricing resolves per-model pricing records and computes request
// cost with fixed-precision decimal arithmetic. Binary floating point is
// only permitted at the external reporting boundary.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/apilens/gateway/internal/cache"
	"github.com/apilens/gateway/internal/usageparse"
)

// sigDigits is the minimum significant precision carried through every
// cost intermediate and the final rounding.
const sigDigits = 10

// batchUnitThreshold is the combined unit count at which a single request
// qualifies for the batch discount.
const batchUnitThreshold = 1000

// ErrNoPricing is returned when no active record covers (vendor, model).
// Charging without pricing is worse than refusing, so callers treat this
// as fail-closed.
var ErrNoPricing = errors.New("pricing: no active record")

// ErrMalformed flags a pricing record that violates its own invariants;
// it maps to the internal error kind.
var ErrMalformed = errors.New("pricing: malformed record")

// VolumeTier is one (threshold, discount) step. Thresholds are monotonic
// and inclusive: a monthly cost exactly at the threshold gets the discount.
type VolumeTier struct {
	ThresholdUSD decimal.Decimal `json:"threshold_usd"`
	Discount     decimal.Decimal `json:"discount"` // fraction, e.g. 0.05
}

// Record is a pricing row keyed by (vendor, model, effective-from).
type Record struct {
	Vendor        string                 `json:"vendor"`
	Model         string                 `json:"model"`
	EffectiveFrom time.Time              `json:"effective_from"`
	PricingModel  usageparse.PricingModel `json:"pricing_model"`
	InputPrice    decimal.Decimal        `json:"input_price"`  // per unit
	OutputPrice   decimal.Decimal        `json:"output_price"` // per unit
	Currency      string                 `json:"currency"`
	BatchDiscount decimal.Decimal        `json:"batch_discount"` // fraction; zero = none
	VolumeTiers   []VolumeTier           `json:"volume_tiers,omitempty"`
	Version       int                    `json:"version"`
}

func (r *Record) validate() error {
	if r.InputPrice.IsNegative() || r.OutputPrice.IsNegative() {
		return fmt.Errorf("%w: negative unit price for %s/%s", ErrMalformed, r.Vendor, r.Model)
	}
	if r.BatchDiscount.IsNegative() || r.BatchDiscount.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: batch discount out of range for %s/%s", ErrMalformed, r.Vendor, r.Model)
	}
	prev := decimal.NewFromInt(-1)
	for _, t := range r.VolumeTiers {
		if t.ThresholdUSD.LessThanOrEqual(prev) {
			return fmt.Errorf("%w: volume tiers not monotonic for %s/%s", ErrMalformed, r.Vendor, r.Model)
		}
		prev = t.ThresholdUSD
	}
	return nil
}

// Durable is the subset of the durable-store collaborator the engine
// needs: every pricing row for a (vendor, model) pair.
type Durable interface {
	GetPricingRecords(ctx context.Context, vendor, model string) ([]Record, error)
}

// Engine resolves pricing records (cache-through, one-day TTL) and
// computes costs.
type Engine struct {
	cache    *cache.Cache
	durable  Durable
	cacheTTL time.Duration
	now      func() time.Time
}

// New constructs an Engine.
func New(c *cache.Cache, durable Durable, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &Engine{cache: c, durable: durable, cacheTTL: cacheTTL, now: time.Now}
}

// Resolve returns the active pricing record for (vendor, model): the one
// with the latest effective-from that is ≤ now.
func (e *Engine) Resolve(ctx context.Context, vendor, model string) (*Record, error) {
	key := cache.PricingKey(vendor, model)

	var rec Record
	if err := e.cache.Get(ctx, key, &rec); err == nil {
		return &rec, nil
	}

	records, err := e.durable.GetPricingRecords(ctx, vendor, model)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrNoPricing, vendor, model, err)
	}

	now := e.now()
	sort.Slice(records, func(i, j int) bool {
		return records[i].EffectiveFrom.After(records[j].EffectiveFrom)
	})
	for i := range records {
		if !records[i].EffectiveFrom.After(now) {
			active := records[i]
			if err := active.validate(); err != nil {
				return nil, err
			}
			e.cache.Put(ctx, key, &active, e.cacheTTL) //nolint:errcheck // cache is a hint
			return &active, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNoPricing, vendor, model)
}

// Invalidate drops the cached record after the management plane bumps a
// pricing version.
func (e *Engine) Invalidate(ctx context.Context, vendor, model string) {
	e.cache.Delete(ctx, cache.PricingKey(vendor, model)) //nolint:errcheck // next Resolve re-fills
}

// Cost is the computed price for one request.
type Cost struct {
	InputCost   decimal.Decimal
	OutputCost  decimal.Decimal
	Subtotal    decimal.Decimal
	Total       decimal.Decimal
	TierApplied *VolumeTier
	BatchUsed   bool
	Currency    string
}

// Compute prices a request:
//
//	input_cost  = input_price  × input_units
//	output_cost = output_price × output_units
//	subtotal, then the highest volume tier ≤ monthly cost, then the batch
//	discount when input+output ≥ 1000 units, rounded to 10 significant
//	digits.
//
// monthlyCost may be nil when no volume lookup is available; tiers are
// then skipped.
func (e *Engine) Compute(rec *Record, inputUnits, outputUnits int64, monthlyCost *decimal.Decimal) (*Cost, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}

	c := &Cost{Currency: rec.Currency}
	c.InputCost = rec.InputPrice.Mul(decimal.NewFromInt(inputUnits))
	c.OutputCost = rec.OutputPrice.Mul(decimal.NewFromInt(outputUnits))
	c.Subtotal = c.InputCost.Add(c.OutputCost)

	total := c.Subtotal
	if monthlyCost != nil && len(rec.VolumeTiers) > 0 {
		// Highest threshold ≤ the tenant's current monthly cost;
		// inclusive at the boundary.
		for i := len(rec.VolumeTiers) - 1; i >= 0; i-- {
			t := rec.VolumeTiers[i]
			if monthlyCost.GreaterThanOrEqual(t.ThresholdUSD) {
				total = total.Mul(decimal.NewFromInt(1).Sub(t.Discount))
				c.TierApplied = &rec.VolumeTiers[i]
				break
			}
		}
	}
	if inputUnits+outputUnits >= batchUnitThreshold && rec.BatchDiscount.IsPositive() {
		total = total.Mul(decimal.NewFromInt(1).Sub(rec.BatchDiscount))
		c.BatchUsed = true
	}

	c.Total = roundSignificant(total, sigDigits)
	return c, nil
}

// roundSignificant rounds d to n significant decimal digits.
func roundSignificant(d decimal.Decimal, n int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	// Number of digits left of the decimal point in the coefficient.
	intDigits := int32(len(d.Abs().Truncate(0).Coefficient().String()))
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		// Leading zeros after the point are not significant; shift until
		// the first significant digit.
		shift := int32(0)
		one := decimal.NewFromInt(1)
		abs := d.Abs()
		for abs.LessThan(one) {
			abs = abs.Shift(1)
			shift++
		}
		return d.Round(n + shift - 1)
	}
	return d.Round(n - intDigits)
}
