// Package pipeline composes tenant resolution, rate limiting, quota
// accounting, the upstream call, usage parsing, cost computation, and
// anomaly scheduling into the fixed-order request path.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apilens/gateway/internal/anomaly"
	"github.com/apilens/gateway/internal/circuitbreaker"
	"github.com/apilens/gateway/internal/costtracker"
	"github.com/apilens/gateway/internal/credential"
	"github.com/apilens/gateway/internal/kv"
	"github.com/apilens/gateway/internal/pricing"
	"github.com/apilens/gateway/internal/quota"
	"github.com/apilens/gateway/internal/ratelimit"
	"github.com/apilens/gateway/internal/tenant"
	"github.com/apilens/gateway/internal/usageparse"
	"github.com/apilens/gateway/internal/vendorproxy"
)

// Outcome is the terminal state of one request pipeline.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeUnauthenticated   Outcome = "unauthenticated"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeQuotaExceeded     Outcome = "quota_exceeded"
	OutcomeCredentialMissing Outcome = "credential_missing"
	OutcomeUpstreamError     Outcome = "upstream_error"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeError             Outcome = "error"
)

// Request is the inbound surface consumed by the pipeline.
type Request struct {
	Secret          string
	Vendor          usageparse.Vendor
	Model           string
	Method          string
	Path            string
	Body            []byte
	ClientID        string
	ClientTimestamp time.Time
	Deadline        time.Time
}

// Fingerprint is the stable hash of (method, path, body digest) carried
// through the pipeline for correlation.
func (r *Request) Fingerprint() string {
	bodyDigest := sha256.Sum256(r.Body)
	sum := sha256.Sum256([]byte(r.Method + "|" + r.Path + "|" + hex.EncodeToString(bodyDigest[:])))
	return hex.EncodeToString(sum[:16])
}

// Response is the outbound surface produced by the pipeline.
type Response struct {
	Outcome        Outcome
	Status         int
	Headers        http.Header
	Body           []byte
	TenantID       string
	CostUSD        float64
	StageLatencies map[string]time.Duration
	AlertIDs       []string
	AnomalyIDs     []string
	Err            *ErrorEnvelope
}

// Telemetry is the structured record appended to the persistence
// collaborator for every pipeline that reaches the upstream call; requests
// rejected before it (auth, rate limit, quota, credential) append none.
type Telemetry struct {
	ID             string                   `json:"id"`
	Fingerprint    string                   `json:"fingerprint"`
	TenantID       string                   `json:"tenant_id"`
	Vendor         string                   `json:"vendor"`
	Model          string                   `json:"model"`
	Outcome        string                   `json:"outcome"`
	UpstreamStatus int                      `json:"upstream_status"`
	InputUnits     int64                    `json:"input_units"`
	OutputUnits    int64                    `json:"output_units"`
	CostUSD        float64                  `json:"cost_usd"`
	LowConfidence  bool                     `json:"low_confidence"`
	StageLatencies map[string]time.Duration `json:"stage_latencies"`
	TotalLatency   time.Duration            `json:"total_latency"`
	AlertIDs       []string                 `json:"alert_ids,omitempty"`
	At             time.Time                `json:"at"`
}

// Durable is the persistence slice the orchestrator writes telemetry to.
type Durable interface {
	AppendTelemetry(ctx context.Context, rec *Telemetry) error
}

// Orchestrator wires the components in strict order with explicit
// cancellation. All dependencies are injected; the orchestrator holds no
// process-wide mutable state of its own.
type Orchestrator struct {
	resolver   *tenant.Resolver
	limiter    *ratelimit.Limiter
	accountant *quota.Accountant
	creds      *credential.Store
	proxy      vendorproxy.Proxy
	parsers    *usageparse.Registry
	pricing    *pricing.Engine
	tracker    *costtracker.Tracker
	detector   *anomaly.Detector
	durable    Durable
	kv         kv.Client
	breaker    *circuitbreaker.Breaker
	metrics    *Metrics
	prefix     string
	now        func() time.Time
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Resolver   *tenant.Resolver
	Limiter    *ratelimit.Limiter
	Accountant *quota.Accountant
	Creds      *credential.Store
	Proxy      vendorproxy.Proxy
	Parsers    *usageparse.Registry
	Pricing    *pricing.Engine
	Tracker    *costtracker.Tracker
	Detector   *anomaly.Detector
	Durable    Durable
	KV         kv.Client
	Breaker    *circuitbreaker.Breaker
	Metrics    *Metrics
	Prefix     string
}

// New constructs an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		resolver:   d.Resolver,
		limiter:    d.Limiter,
		accountant: d.Accountant,
		creds:      d.Creds,
		proxy:      d.Proxy,
		parsers:    d.Parsers,
		pricing:    d.Pricing,
		tracker:    d.Tracker,
		detector:   d.Detector,
		durable:    d.Durable,
		kv:         d.KV,
		breaker:    d.Breaker,
		metrics:    d.Metrics,
		prefix:     d.Prefix,
		now:        time.Now,
	}
}

// stages, in pipeline order, for latency accounting.
const (
	stageResolve   = "resolve"
	stageRateLimit = "ratelimit"
	stageQuotaPre  = "quota_pre"
	stageCred      = "credential"
	stageProxy     = "proxy"
	stageParse     = "parse"
	stageCost      = "cost"
	stageTrack     = "track"
	stageQuotaPost = "quota_post"
)

// Handle runs one request through the full pipeline and always returns a
// Response; errors surface inside it as a stable envelope.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) *Response {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	resp := &Response{StageLatencies: make(map[string]time.Duration)}
	start := o.now()
	degraded := o.breaker != nil && o.breaker.Degraded()
	o.metrics.setDegraded(degraded)

	defer func() {
		o.metrics.observeOutcome(resp.Outcome)
	}()

	// C4: tenant resolution.
	t, err := o.timedResolve(ctx, resp, req.Secret)
	if err != nil {
		resp.Outcome = OutcomeUnauthenticated
		resp.Status = http.StatusUnauthorized
		resp.Err = envelope(KindUnauthenticated, "invalid or inactive API key", 0)
		return resp
	}
	resp.TenantID = t.ID

	// C5: rate limiting. Degraded mode fails open without touching the
	// substrate at all.
	if !degraded {
		decision, err := o.timedAllow(ctx, resp, t)
		if err == nil && decision != nil && !decision.Admitted {
			resp.Outcome = OutcomeRateLimited
			resp.Status = http.StatusTooManyRequests
			resp.Err = envelope(KindRateLimited, "rate limit exceeded", decision.RetryAfter)
			return resp
		}
	}

	// C6 pre-check.
	if !degraded {
		stageStart := o.now()
		err = o.accountant.PreCheck(ctx, t.ID, t.Tier)
		resp.StageLatencies[stageQuotaPre] = o.now().Sub(stageStart)
		o.metrics.observeStage(stageQuotaPre, resp.StageLatencies[stageQuotaPre].Seconds())
		if err != nil {
			resp.Outcome = OutcomeQuotaExceeded
			resp.Status = http.StatusPaymentRequired
			resp.Err = envelope(KindQuotaExceeded, "monthly quota exhausted", 0)
			return resp
		}
	}

	// C3: vendor credential.
	stageStart := o.now()
	cred, err := o.creds.Fetch(ctx, t.ID, t.IsolationNamespace, string(req.Vendor))
	resp.StageLatencies[stageCred] = o.now().Sub(stageStart)
	o.metrics.observeStage(stageCred, resp.StageLatencies[stageCred].Seconds())
	if err != nil {
		if errors.Is(err, credential.ErrAuthentication) {
			slog.Error("pipeline: credential authentication failure",
				"tenant", t.ID, "vendor", req.Vendor, "fingerprint", req.Fingerprint())
			resp.Outcome = OutcomeError
			resp.Status = http.StatusInternalServerError
			resp.Err = envelope(KindInternal, "internal error", 0)
			return resp
		}
		resp.Outcome = OutcomeCredentialMissing
		resp.Status = http.StatusBadGateway
		resp.Err = envelope(KindCredentialMissing,
			fmt.Sprintf("no active credential for vendor %s", req.Vendor), 0)
		return resp
	}

	// Upstream call via the injected proxy collaborator.
	stageStart = o.now()
	upstream, upErr := o.proxy.Call(ctx, req.Vendor, req.Model, cred, req.Body)
	resp.StageLatencies[stageProxy] = o.now().Sub(stageStart)
	o.metrics.observeStage(stageProxy, resp.StageLatencies[stageProxy].Seconds())

	cancelled := ctx.Err() != nil
	if upErr != nil && upstream == nil {
		if cancelled {
			resp.Outcome = OutcomeCancelled
			resp.Status = http.StatusGatewayTimeout
			resp.Err = envelope(KindUpstreamError, "request cancelled", 0)
		} else {
			resp.Outcome = OutcomeUpstreamError
			resp.Status = http.StatusBadGateway
			resp.Err = envelope(KindUpstreamError, "upstream call failed", 0)
		}
		o.appendTelemetry(req, resp, nil, 0, start)
		return resp
	}

	resp.Status = upstream.Status
	resp.Headers = upstream.Headers
	resp.Body = upstream.Body
	if statusErr := vendorproxy.ClassifyStatus(upstream.Status); statusErr != nil {
		// Pass the vendor's status through; accounting still runs on
		// whatever usage the envelope carries.
		resp.Outcome = OutcomeUpstreamError
		resp.Err = envelope(KindUpstreamError, "upstream returned an error", 0)
	} else {
		resp.Outcome = OutcomeSuccess
	}

	// C7: usage extraction. Unknown vendors fall back to the generic
	// parser inside the registry.
	stageStart = o.now()
	usage := o.parsers.Parse(req.Vendor, upstream.Body)
	if usage.ModelName == "" {
		usage.ModelName = req.Model
	}
	resp.StageLatencies[stageParse] = o.now().Sub(stageStart)
	o.metrics.observeStage(stageParse, resp.StageLatencies[stageParse].Seconds())

	// C8: cost. A pricing failure here is fail-closed: the upstream work
	// happened, but an unpriced request is surfaced, never silently free.
	cost, costErr := o.computeCost(ctx, resp, t, req, usage)
	if costErr != nil {
		resp.Outcome = OutcomeError
		resp.Err = envelope(Classify(costErr), "cost computation unavailable", 0)
		o.appendTelemetry(req, resp, usage, 0, start)
		return resp
	}
	resp.CostUSD = cost.InexactFloat64()

	// C9: real-time counters. Cancelled pipelines still account for the
	// partial response; degraded mode drops the write with a counter.
	stageStart = o.now()
	if degraded {
		o.tracker.TrackDropped()
		o.metrics.observeDroppedWrite()
	} else if err := o.tracker.Track(ctx, t.ID, cost); err != nil {
		o.recordSubstrate(err)
		o.tracker.TrackDropped()
		o.metrics.observeDroppedWrite()
	} else {
		o.recordSubstrate(nil)
	}
	resp.StageLatencies[stageTrack] = o.now().Sub(stageStart)
	o.metrics.observeStage(stageTrack, resp.StageLatencies[stageTrack].Seconds())

	// C6 post-update: skipped for cancelled pipelines.
	if !cancelled && !degraded {
		stageStart = o.now()
		alert, err := o.accountant.PostUpdate(ctx, t.ID, t.Tier, quota.DollarsToNanos(resp.CostUSD))
		resp.StageLatencies[stageQuotaPost] = o.now().Sub(stageStart)
		o.metrics.observeStage(stageQuotaPost, resp.StageLatencies[stageQuotaPost].Seconds())
		if err != nil {
			o.recordSubstrate(err)
		} else if alert != nil {
			resp.AlertIDs = append(resp.AlertIDs, alert.ID)
		}
	}
	if cancelled {
		resp.Outcome = OutcomeCancelled
	}

	o.appendTelemetry(req, resp, usage, resp.CostUSD, start)

	// C10: out-of-band anomaly sampling, at most once per tenant-hour.
	if !degraded {
		o.maybeScheduleAnomaly(t.ID)
	}
	return resp
}

func (o *Orchestrator) timedResolve(ctx context.Context, resp *Response, secret string) (*tenant.Tenant, error) {
	start := o.now()
	t, err := o.resolver.Resolve(ctx, secret)
	resp.StageLatencies[stageResolve] = o.now().Sub(start)
	o.metrics.observeStage(stageResolve, resp.StageLatencies[stageResolve].Seconds())
	return t, err
}

func (o *Orchestrator) timedAllow(ctx context.Context, resp *Response, t *tenant.Tenant) (*ratelimit.Decision, error) {
	start := o.now()
	decision, err := o.limiter.Allow(ctx, t.ID, t.Tier)
	resp.StageLatencies[stageRateLimit] = o.now().Sub(start)
	o.metrics.observeStage(stageRateLimit, resp.StageLatencies[stageRateLimit].Seconds())
	if decision != nil && decision.Status == ratelimit.StatusError {
		o.recordSubstrate(kv.ErrTransient)
	} else {
		o.recordSubstrate(nil)
	}
	return decision, err
}

// computeCost resolves pricing and prices the parsed usage, feeding the
// tenant's current monthly cost into the volume-tier lookup.
func (o *Orchestrator) computeCost(ctx context.Context, resp *Response, t *tenant.Tenant, req *Request, usage *usageparse.Usage) (decimal.Decimal, error) {
	start := o.now()
	defer func() {
		resp.StageLatencies[stageCost] = o.now().Sub(start)
		o.metrics.observeStage(stageCost, resp.StageLatencies[stageCost].Seconds())
	}()

	rec, err := o.pricing.Resolve(ctx, string(req.Vendor), usage.ModelName)
	if err != nil {
		return decimal.Zero, err
	}

	var monthly *decimal.Decimal
	if current, err := o.tracker.Get(ctx, t.ID, costtracker.PeriodMonthly); err == nil {
		d := decimal.NewFromFloat(current)
		monthly = &d
	}

	cost, err := o.pricing.Compute(rec, usage.InputUnits, usage.OutputUnits, monthly)
	if err != nil {
		return decimal.Zero, err
	}
	return cost.Total, nil
}

func (o *Orchestrator) appendTelemetry(req *Request, resp *Response, usage *usageparse.Usage, costUSD float64, start time.Time) {
	rec := &Telemetry{
		ID:             uuid.NewString(),
		Fingerprint:    req.Fingerprint(),
		TenantID:       resp.TenantID,
		Vendor:         string(req.Vendor),
		Model:          req.Model,
		Outcome:        string(resp.Outcome),
		UpstreamStatus: resp.Status,
		CostUSD:        costUSD,
		StageLatencies: resp.StageLatencies,
		TotalLatency:   o.now().Sub(start),
		AlertIDs:       resp.AlertIDs,
		At:             o.now(),
	}
	if usage != nil {
		rec.InputUnits = usage.InputUnits
		rec.OutputUnits = usage.OutputUnits
		rec.LowConfidence = usage.Confidence == usageparse.ConfidenceLow
	}

	// Telemetry persistence must not block or fail the response path.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		defer cancel()
		if err := o.durable.AppendTelemetry(ctx, rec); err != nil {
			slog.Warn("pipeline: telemetry append failed", "fingerprint", rec.Fingerprint, "error", err)
		}
	}()
}

// maybeScheduleAnomaly claims the per-tenant hourly slot and, if won,
// runs detection out-of-band.
func (o *Orchestrator) maybeScheduleAnomaly(tenantID string) {
	if o.detector == nil || o.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := o.prefix + "anomaly:last-check:" + tenantID
	script := `return redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1]) and 1 or 0`
	res, err := o.kv.EvalCAS(ctx, script, []string{key}, int64(time.Hour.Seconds()))
	if err != nil {
		return
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return
	}

	go func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer dcancel()
		if _, err := o.detector.Detect(dctx, tenantID); err != nil {
			slog.Warn("pipeline: anomaly detection failed", "tenant", tenantID, "error", err)
		}
	}()
}

func (o *Orchestrator) recordSubstrate(err error) {
	if o.breaker != nil {
		if err != nil && !errors.Is(err, kv.ErrTransient) {
			// Only substrate-transient failures feed the breaker.
			return
		}
		o.breaker.Record(err)
	}
}

// Health reports the degraded-mode indicator for the health surface.
func (o *Orchestrator) Health() map[string]interface{} {
	state := circuitbreaker.StateClosed
	if o.breaker != nil {
		state = o.breaker.State()
	}
	return map[string]interface{}{
		"breaker_state":       state.String(),
		"degraded":            state != circuitbreaker.StateClosed,
		"cost_writes_dropped": o.tracker.Dropped(),
	}
}
