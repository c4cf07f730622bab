package pipeline

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apilens/gateway/internal/anomaly"
	"github.com/apilens/gateway/internal/cache"
	"github.com/apilens/gateway/internal/circuitbreaker"
	"github.com/apilens/gateway/internal/config"
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

// fakeStore backs every durable-store interface the pipeline's
// collaborators consume.
type fakeStore struct {
	mu        sync.Mutex
	tenant    *tenant.Tenant
	creds     map[string]*credential.Record
	pricing   []pricing.Record
	rlConfig  *ratelimit.Config
	qConfig   *quota.Config
	telemetry []*Telemetry
	anomalies []*anomaly.Anomaly
	aggs      []anomaly.HourlyAggregate
}

func (f *fakeStore) GetTenantByHash(ctx context.Context, hash string) (*tenant.Tenant, error) {
	if f.tenant == nil {
		return nil, nil
	}
	t := *f.tenant
	t.SecretHash = hash
	return &t, nil
}

func (f *fakeStore) GetVendorCredential(ctx context.Context, tenantID, vendor string) (*credential.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[tenantID+":"+vendor], nil
}

func (f *fakeStore) PutVendorCredential(ctx context.Context, rec *credential.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[rec.Tenant+":"+rec.Vendor] = rec
	return nil
}

func (f *fakeStore) AppendRotationHistory(ctx context.Context, entry *credential.RotationEntry) error {
	return nil
}

func (f *fakeStore) GetPricingRecords(ctx context.Context, vendor, model string) ([]pricing.Record, error) {
	return f.pricing, nil
}

func (f *fakeStore) GetRateLimitConfig(ctx context.Context, tenantID string) (*ratelimit.Config, error) {
	return f.rlConfig, nil
}

func (f *fakeStore) GetQuotaConfig(ctx context.Context, tenantID string) (*quota.Config, error) {
	return f.qConfig, nil
}

func (f *fakeStore) AppendTelemetry(ctx context.Context, rec *Telemetry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = append(f.telemetry, rec)
	return nil
}

func (f *fakeStore) AppendAnomaly(ctx context.Context, a *anomaly.Anomaly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anomalies = append(f.anomalies, a)
	return nil
}

func (f *fakeStore) GetHourlyAggregates(ctx context.Context, tenantID string, since time.Time) ([]anomaly.HourlyAggregate, error) {
	return f.aggs, nil
}

type fakeProxy struct {
	status int
	body   []byte
	err    error
	delay  time.Duration
}

func (f *fakeProxy) Call(ctx context.Context, vendor usageparse.Vendor, model string, credentialPlain []byte, request []byte) (*vendorproxy.Response, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, vendorproxy.ErrTransport
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &vendorproxy.Response{
		Status:          f.status,
		Headers:         http.Header{"Content-Type": []string{"application/json"}},
		Body:            f.body,
		UpstreamLatency: time.Millisecond,
	}, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *fakeStore
	proxy   *fakeProxy
	tracker *costtracker.Tracker
	mr      *miniredis.Miniredis
}

const testSecret = "alens_secret"

func openAIBody() []byte {
	return []byte(`{"model":"gpt-4","usage":{"prompt_tokens":1000,"completion_tokens":500}}`)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := kv.New("redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	c := cache.New(client, 200, nil)
	store := &fakeStore{
		tenant: &tenant.Tenant{
			ID:                 "t1",
			Tier:               "premium",
			IsolationNamespace: "ns-t1",
			Active:             true,
		},
		creds: make(map[string]*credential.Record),
		pricing: []pricing.Record{{
			Vendor:        "openai",
			Model:         "gpt-4",
			EffectiveFrom: time.Now().Add(-time.Hour),
			PricingModel:  usageparse.PerToken,
			InputPrice:    decimal.RequireFromString("0.00003"),
			OutputPrice:   decimal.RequireFromString("0.00006"),
			Currency:      "USD",
		}},
	}

	resolver := tenant.New(store, c, []byte("salt"), time.Hour)
	creds := credential.New([]byte("master-key-material"), store, c, 30*time.Minute)
	require.NoError(t, creds.Store(context.Background(), "t1", "ns-t1", "openai", []byte("sk-upstream")))

	rlDefaults := config.RateLimitDefaults{
		Tiers:              map[string]config.TierLimits{"premium": {PerMinute: 600, BurstSize: 150}, "free": {PerMinute: 20}},
		SubWindowPrecision: 10,
		FailOpen:           true,
	}
	limiter := ratelimit.New(client, c, store, rlDefaults, "test:")

	qDefaults := config.QuotaDefaults{
		Tiers:             map[string]config.TierLimits{"premium": {MonthlyRequestCap: 1_000_000, MonthlyCostCap: 10_000}, "free": {}},
		WarningThreshold:  0.75,
		CriticalThreshold: 0.90,
		DangerThreshold:   0.95,
		GracePeriod:       24 * time.Hour,
		CooldownWarning:   time.Hour,
		CooldownCritical:  30 * time.Minute,
		CooldownDanger:    15 * time.Minute,
		CooldownExceeded:  5 * time.Minute,
		CooldownBlocked:   time.Minute,
	}
	accountant := quota.New(client, c, store, qDefaults, nil, "test:")
	tracker := costtracker.New(client, accountant, "test:")
	engine := pricing.New(c, store, time.Hour)
	detector := anomaly.New(client, store, nil, config.AnomalyConfig{
		BaselineWindowHours: 168, MinBaselinePoints: 20,
		SpikeZThreshold: 3.0, DropZThreshold: -2.5, CostZThreshold: 2.0,
		LatencyZThreshold: 2.0, ErrorZThreshold: 1.5, SeasonalZThreshold: 2.5,
	}, "test:")

	proxy := &fakeProxy{status: 200, body: openAIBody()}

	orch := New(Deps{
		Resolver:   resolver,
		Limiter:    limiter,
		Accountant: accountant,
		Creds:      creds,
		Proxy:      proxy,
		Parsers:    usageparse.NewRegistry(nil),
		Pricing:    engine,
		Tracker:    tracker,
		Detector:   detector,
		Durable:    store,
		KV:         client,
		Breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig("substrate")),
		Prefix:     "test:",
	})
	return &fixture{orch: orch, store: store, proxy: proxy, tracker: tracker, mr: mr}
}

func (f *fixture) telemetryCount() int {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return len(f.store.telemetry)
}

func TestAdmitAndBill(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.Handle(context.Background(), &Request{
		Secret: testSecret,
		Vendor: usageparse.VendorOpenAI,
		Model:  "gpt-4",
		Method: "POST",
		Path:   "/v1/chat/completions",
		Body:   []byte(`{"model":"gpt-4"}`),
	})

	require.Nil(t, resp.Err)
	require.Equal(t, OutcomeSuccess, resp.Outcome)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "t1", resp.TenantID)
	require.InDelta(t, 0.060, resp.CostUSD, 1e-9)
	require.Empty(t, resp.AlertIDs)

	monthly, err := f.tracker.Get(context.Background(), "t1", costtracker.PeriodMonthly)
	require.NoError(t, err)
	require.InDelta(t, 0.060, monthly, 1e-9)

	require.Eventually(t, func() bool { return f.telemetryCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestUnauthenticatedShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.store.tenant = nil

	resp := f.orch.Handle(context.Background(), &Request{
		Secret: "wrong",
		Vendor: usageparse.VendorOpenAI,
		Model:  "gpt-4",
	})

	require.Equal(t, OutcomeUnauthenticated, resp.Outcome)
	require.Equal(t, http.StatusUnauthorized, resp.Status)
	require.Equal(t, KindUnauthenticated, resp.Err.Kind)
	// Nothing past the resolver ran.
	require.NotContains(t, resp.StageLatencies, stageProxy)
}

func TestInactiveTenantIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	f.store.tenant.Active = false

	resp := f.orch.Handle(context.Background(), &Request{
		Secret: testSecret,
		Vendor: usageparse.VendorOpenAI,
		Model:  "gpt-4",
	})
	require.Equal(t, OutcomeUnauthenticated, resp.Outcome)
}

func TestRateLimitedShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.store.rlConfig = &ratelimit.Config{TenantID: "t1", PerMinute: 1}

	first := f.orch.Handle(context.Background(), &Request{
		Secret: testSecret, Vendor: usageparse.VendorOpenAI, Model: "gpt-4",
	})
	require.Equal(t, OutcomeSuccess, first.Outcome)

	second := f.orch.Handle(context.Background(), &Request{
		Secret: testSecret, Vendor: usageparse.VendorOpenAI, Model: "gpt-4",
	})
	require.Equal(t, OutcomeRateLimited, second.Outcome)
	require.Equal(t, http.StatusTooManyRequests, second.Status)
	require.Equal(t, KindRateLimited, second.Err.Kind)
	require.Positive(t, second.Err.RetryAfter)

	// The rejected request never reached the real-time cost counters: only
	// the first request's cost is recorded.
	monthly, err := f.tracker.Get(context.Background(), "t1", costtracker.PeriodMonthly)
	require.NoError(t, err)
	require.InDelta(t, 0.060, monthly, 1e-9)
}

func TestCredentialMissingShortCircuits(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.Handle(context.Background(), &Request{
		Secret: testSecret,
		Vendor: usageparse.VendorAnthropic, // no anthropic credential stored
		Model:  "claude-3-opus",
	})

	require.Equal(t, OutcomeCredentialMissing, resp.Outcome)
	require.Equal(t, KindCredentialMissing, resp.Err.Kind)
	assert.Contains(t, resp.Err.Message, "anthropic")
}

func TestUpstreamErrorPassesStatusThrough(t *testing.T) {
	f := newFixture(t)
	f.proxy.status = 429
	f.proxy.body = []byte(`{"error":{"message":"overloaded"}}`)

	resp := f.orch.Handle(context.Background(), &Request{
		Secret: testSecret, Vendor: usageparse.VendorOpenAI, Model: "gpt-4",
	})

	require.Equal(t, OutcomeUpstreamError, resp.Outcome)
	require.Equal(t, 429, resp.Status)
	require.Equal(t, KindUpstreamError, resp.Err.Kind)
	// The vendor body passes through untouched.
	require.Equal(t, f.proxy.body, resp.Body)
}

func TestCancelledDuringProxySkipsQuotaPost(t *testing.T) {
	f := newFixture(t)
	f.proxy.delay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp := f.orch.Handle(ctx, &Request{
		Secret: testSecret, Vendor: usageparse.VendorOpenAI, Model: "gpt-4",
	})

	require.Equal(t, OutcomeCancelled, resp.Outcome)
	require.NotContains(t, resp.StageLatencies, stageQuotaPost)
}

func TestFingerprintIsStable(t *testing.T) {
	a := &Request{Method: "POST", Path: "/v1/x", Body: []byte("b")}
	b := &Request{Method: "POST", Path: "/v1/x", Body: []byte("b")}
	c := &Request{Method: "POST", Path: "/v1/x", Body: []byte("other")}

	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestHealthReportsBreakerState(t *testing.T) {
	f := newFixture(t)
	h := f.orch.Health()
	require.Equal(t, "CLOSED", h["breaker_state"])
	require.Equal(t, false, h["degraded"])
}
