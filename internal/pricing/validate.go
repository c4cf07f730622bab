package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccuracyGrade buckets cost-prediction error against actual vendor
// charges: A+ ≤ 1%, A ≤ 2%, B ≤ 5%, C ≤ 10%, D otherwise.
type AccuracyGrade string

const (
	AccuracyAPlus AccuracyGrade = "A+"
	AccuracyA     AccuracyGrade = "A"
	AccuracyB     AccuracyGrade = "B"
	AccuracyC     AccuracyGrade = "C"
	AccuracyD     AccuracyGrade = "D"
)

// targetErrorPct is the ±1% accuracy target against vendor billing.
var targetErrorPct = decimal.NewFromInt(1)

// Validation is one predicted-vs-actual comparison outcome.
type Validation struct {
	Vendor       string          `json:"vendor"`
	Model        string          `json:"model"`
	Predicted    decimal.Decimal `json:"predicted"`
	Actual       decimal.Decimal `json:"actual"`
	ErrorPct     decimal.Decimal `json:"error_pct"`
	Grade        AccuracyGrade   `json:"grade"`
	WithinTarget bool            `json:"within_target"`
	At           time.Time       `json:"at"`
}

// Validate computes |actual − predicted| / actual as a percentage, grades
// it, and caches the outcome under the day's audit key.
func (e *Engine) Validate(ctx context.Context, vendor, model string, predicted, actual decimal.Decimal) (*Validation, error) {
	if actual.IsZero() {
		return nil, fmt.Errorf("%w: actual charge is zero", ErrMalformed)
	}

	errPct := actual.Sub(predicted).Abs().Div(actual.Abs()).Mul(decimal.NewFromInt(100))

	v := &Validation{
		Vendor:       vendor,
		Model:        model,
		Predicted:    predicted,
		Actual:       actual,
		ErrorPct:     errPct,
		Grade:        gradeFor(errPct),
		WithinTarget: errPct.LessThanOrEqual(targetErrorPct),
		At:           e.now(),
	}

	key := fmt.Sprintf("pricing:accuracy:%s:%s:%s", vendor, model, v.At.Format("2006-01-02"))
	e.cache.Put(ctx, key, v, 7*24*time.Hour) //nolint:errcheck // audit cache is best-effort
	return v, nil
}

func gradeFor(errPct decimal.Decimal) AccuracyGrade {
	switch {
	case errPct.LessThanOrEqual(decimal.NewFromInt(1)):
		return AccuracyAPlus
	case errPct.LessThanOrEqual(decimal.NewFromInt(2)):
		return AccuracyA
	case errPct.LessThanOrEqual(decimal.NewFromInt(5)):
		return AccuracyB
	case errPct.LessThanOrEqual(decimal.NewFromInt(10)):
		return AccuracyC
	default:
		return AccuracyD
	}
}
