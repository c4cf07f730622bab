// Package anomaly runs statistical detection over rolling windows of
// hourly aggregates: z-score tests against a 168-hour baseline plus a
// seasonal hour-of-day test.
package anomaly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/apilens/gateway/internal/config"
	"github.com/apilens/gateway/internal/kv"
)

// Kind names one detection rule.
type Kind string

const (
	KindSuddenSpike    Kind = "sudden_spike"
	KindSuddenDrop     Kind = "sudden_drop"
	KindCostAnomaly    Kind = "cost_anomaly"
	KindPerfDegraded   Kind = "performance_degradation"
	KindErrorSurge     Kind = "error_surge"
	KindUnusualPattern Kind = "unusual_pattern"
)

// Severity maps |z| to urgency: ≥4 emergency, ≥3 critical, ≥2 warning,
// else info.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func severityFor(absZ float64) Severity {
	switch {
	case absZ >= 4:
		return SeverityEmergency
	case absZ >= 3:
		return SeverityCritical
	case absZ >= 2:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// HourlyAggregate is one hour of a tenant's activity, retrieved from the
// persistence collaborator.
type HourlyAggregate struct {
	Hour         time.Time `json:"hour"`
	Requests     float64   `json:"requests"`
	CostUSD      float64   `json:"cost_usd"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	ErrorRate    float64   `json:"error_rate"`
}

// Anomaly is one detection result. Its ID is deterministic over (tenant,
// kind, detection time) so re-runs never duplicate.
type Anomaly struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Kind           Kind      `json:"kind"`
	Metric         string    `json:"metric"`
	Observed       float64   `json:"observed"`
	Expected       float64   `json:"expected"`
	DeviationPct   float64   `json:"deviation_pct"`
	ZScore         float64   `json:"z_score"`
	Severity       Severity  `json:"severity"`
	Confidence     float64   `json:"confidence"` // in [0,1]
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Ongoing        bool      `json:"ongoing"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation"`
}

// Durable is the subset of the persistence collaborator the detector
// needs: the hourly aggregates feeding the baselines, and the append sink
// for detection results.
type Durable interface {
	GetHourlyAggregates(ctx context.Context, tenantID string, since time.Time) ([]HourlyAggregate, error)
	AppendAnomaly(ctx context.Context, a *Anomaly) error
}

// Notifier receives critical and emergency anomalies for external fan-out.
type Notifier interface {
	NotifyAnomaly(ctx context.Context, a *Anomaly)
}

// Detector computes baselines and applies the detection rules.
type Detector struct {
	kv       kv.Client
	durable  Durable
	notifier Notifier
	cfg      config.AnomalyConfig
	prefix   string
	now      func() time.Time
}

// New constructs a Detector.
func New(client kv.Client, durable Durable, notifier Notifier, cfg config.AnomalyConfig, prefix string) *Detector {
	return &Detector{
		kv:       client,
		durable:  durable,
		notifier: notifier,
		cfg:      cfg,
		prefix:   prefix,
		now:      time.Now,
	}
}

// baseline is mean and standard deviation over a series.
type baseline struct {
	mean  float64
	stdev float64
	n     int
}

func computeBaseline(values []float64) baseline {
	if len(values) == 0 {
		return baseline{}
	}
	mean, stdev := stat.MeanStdDev(values, nil)
	if math.IsNaN(stdev) {
		stdev = 0
	}
	return baseline{mean: mean, stdev: stdev, n: len(values)}
}

func (b baseline) z(observed, floorStdev float64) float64 {
	sd := b.stdev
	if sd < floorStdev {
		sd = floorStdev
	}
	if sd == 0 {
		return 0
	}
	return (observed - b.mean) / sd
}

// Detect pulls the tenant's hourly aggregates over the baseline window and
// runs every rule against the most recent complete hour. Baselines need at
// least the configured minimum number of points; with fewer, no rules run.
func (d *Detector) Detect(ctx context.Context, tenantID string) ([]*Anomaly, error) {
	now := d.now()
	since := now.Add(-time.Duration(d.cfg.BaselineWindowHours) * time.Hour)

	points, err := d.durable.GetHourlyAggregates(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("anomaly: aggregates for %s: %w", tenantID, err)
	}
	if len(points) < d.cfg.MinBaselinePoints+1 {
		return nil, nil
	}

	current := points[len(points)-1]
	history := points[:len(points)-1]

	requests := make([]float64, len(history))
	costs := make([]float64, len(history))
	latencies := make([]float64, len(history))
	errorRates := make([]float64, len(history))
	for i, p := range history {
		requests[i] = p.Requests
		costs[i] = p.CostUSD
		latencies[i] = p.AvgLatencyMS
		errorRates[i] = p.ErrorRate
	}

	var found []*Anomaly
	add := func(a *Anomaly) {
		if a != nil {
			found = append(found, a)
		}
	}

	reqBase := computeBaseline(requests)
	if z := reqBase.z(current.Requests, 0); z > d.cfg.SpikeZThreshold {
		add(d.build(tenantID, KindSuddenSpike, "request_volume", current, reqBase, z, now,
			"request volume spiked far above the rolling baseline",
			"check for runaway clients or a traffic surge; consider tightening per-minute limits"))
	} else if z < d.cfg.DropZThreshold {
		add(d.build(tenantID, KindSuddenDrop, "request_volume", current, reqBase, z, now,
			"request volume dropped far below the rolling baseline",
			"verify the tenant's integration is healthy; check for upstream credential failures"))
	}

	costBase := computeBaseline(costs)
	if z := costBase.z(current.CostUSD, 0); math.Abs(z) > d.cfg.CostZThreshold {
		rec := "review recent model usage; a costlier model or longer prompts may be in play"
		if z < 0 {
			rec = "spend fell sharply; confirm this is intentional and not a broken integration"
		}
		add(d.build(tenantID, KindCostAnomaly, "hourly_cost", current, costBase, z, now,
			"hourly cost deviates strongly from the rolling baseline", rec))
	}

	latBase := computeBaseline(latencies)
	if z := latBase.z(current.AvgLatencyMS, 0); z > d.cfg.LatencyZThreshold {
		add(d.build(tenantID, KindPerfDegraded, "avg_response_time", current, latBase, z, now,
			"average response time degraded against the rolling baseline",
			"inspect vendor status and gateway saturation; consider shifting traffic"))
	}

	// Error-rate stdev is floored at 1.0: a near-constant error series
	// otherwise turns any blip into an enormous z.
	errBase := computeBaseline(errorRates)
	if z := errBase.z(current.ErrorRate, 1.0); z > d.cfg.ErrorZThreshold {
		add(d.build(tenantID, KindErrorSurge, "error_rate", current, errBase, z, now,
			"error rate surged above the rolling baseline",
			"check vendor errors and credential validity for this tenant"))
	}

	// Seasonal check: an independent baseline restricted to the same
	// hour-of-day across the lookback window.
	seasonal := d.seasonalBaseline(history, current.Hour.Hour())
	if seasonal.n >= 3 {
		if z := seasonal.z(current.Requests, 0); math.Abs(z) > d.cfg.SeasonalZThreshold {
			add(d.build(tenantID, KindUnusualPattern, "request_volume", current, seasonal, z, now,
				"request volume is unusual for this hour of day",
				"compare against the tenant's typical daily cycle before acting"))
		}
	}

	for _, a := range found {
		d.persist(ctx, a)
	}
	return found, nil
}

// seasonalBaseline restricts the baseline to points sharing hourOfDay.
func (d *Detector) seasonalBaseline(history []HourlyAggregate, hourOfDay int) baseline {
	var values []float64
	for _, p := range history {
		if p.Hour.Hour() == hourOfDay {
			values = append(values, p.Requests)
		}
	}
	return computeBaseline(values)
}

func (d *Detector) build(tenantID string, kind Kind, metric string, current HourlyAggregate, b baseline, z float64, now time.Time, desc, rec string) *Anomaly {
	deviation := 0.0
	if b.mean != 0 {
		deviation = (observedFor(metric, current) - b.mean) / b.mean * 100
	}
	return &Anomaly{
		ID:             deterministicID(tenantID, kind, now),
		TenantID:       tenantID,
		Kind:           kind,
		Metric:         metric,
		Observed:       observedFor(metric, current),
		Expected:       b.mean,
		DeviationPct:   deviation,
		ZScore:         z,
		Severity:       severityFor(math.Abs(z)),
		Confidence:     math.Min(math.Abs(z)/5, 1.0),
		From:           current.Hour,
		To:             current.Hour.Add(time.Hour),
		Ongoing:        true,
		Description:    desc,
		Recommendation: rec,
	}
}

func observedFor(metric string, p HourlyAggregate) float64 {
	switch metric {
	case "request_volume":
		return p.Requests
	case "hourly_cost":
		return p.CostUSD
	case "avg_response_time":
		return p.AvgLatencyMS
	case "error_rate":
		return p.ErrorRate
	}
	return 0
}

// deterministicID hashes (tenant, kind, detection time truncated to the
// hour) so identical re-runs produce the identical identifier.
func deterministicID(tenantID string, kind Kind, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", tenantID, kind, at.Truncate(time.Hour).Unix())))
	return hex.EncodeToString(sum[:16])
}

func marshal(a *Anomaly) ([]byte, error) {
	return json.Marshal(a)
}

// persist appends the anomaly to the durable store, caches it under the
// period bucket, and fans out critical/emergency detections.
func (d *Detector) persist(ctx context.Context, a *Anomaly) {
	if err := d.durable.AppendAnomaly(ctx, a); err != nil {
		slog.Error("anomaly: append failed", "tenant", a.TenantID, "kind", a.Kind, "error", err)
	}

	key := fmt.Sprintf("%sanomaly:%s:%d", d.prefix, a.TenantID, a.From.Truncate(time.Hour).Unix())
	if payload, err := marshal(a); err == nil {
		d.kv.Set(ctx, key, payload, time.Hour) //nolint:errcheck // cache is a hint
	}

	if a.Severity == SeverityCritical || a.Severity == SeverityEmergency {
		notifyKey := fmt.Sprintf("%scritical-notify:%s:%d", d.prefix, a.TenantID, d.now().Unix())
		if payload, err := marshal(a); err == nil {
			d.kv.Set(ctx, notifyKey, payload, time.Hour) //nolint:errcheck
		}
		if d.notifier != nil {
			d.notifier.NotifyAnomaly(ctx, a)
		}
		slog.Warn("anomaly: critical detection",
			"tenant", a.TenantID, "kind", a.Kind, "z", a.ZScore, "severity", a.Severity)
	}
}
