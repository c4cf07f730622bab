package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apilens/gateway/internal/anomaly"
	"github.com/apilens/gateway/internal/cache"
	"github.com/apilens/gateway/internal/circuitbreaker"
	"github.com/apilens/gateway/internal/config"
	"github.com/apilens/gateway/internal/costtracker"
	"github.com/apilens/gateway/internal/credential"
	"github.com/apilens/gateway/internal/durable"
	"github.com/apilens/gateway/internal/kv"
	"github.com/apilens/gateway/internal/notify"
	"github.com/apilens/gateway/internal/pipeline"
	"github.com/apilens/gateway/internal/pricing"
	"github.com/apilens/gateway/internal/quota"
	"github.com/apilens/gateway/internal/ratelimit"
	"github.com/apilens/gateway/internal/tenant"
	"github.com/apilens/gateway/internal/usageparse"
	"github.com/apilens/gateway/internal/vendorproxy"
)

// alertSink routes quota alerts to both the durable append table and the
// external notifier.
type alertSink struct {
	store    *durable.Client
	notifier *notify.Notifier
}

func (s *alertSink) EmitAlert(ctx context.Context, a *quota.Alert) {
	if err := s.store.AppendAlert(ctx, a); err != nil {
		slog.Warn("alert append failed", "tenant", a.TenantID, "kind", a.Kind, "error", err)
	}
	s.notifier.EmitAlert(ctx, a)
}

func main() {
	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	setupLogging(cfg.Log)

	client, err := kv.New(cfg.KV.URL, cfg.KV.PoolSize)
	if err != nil {
		log.Fatalf("kv: %v", err)
	}
	defer client.Close()

	store, err := durable.New(cfg.Durable.DSN)
	if err != nil {
		log.Fatalf("durable: %v", err)
	}

	var notifier *notify.Notifier
	if project := os.Getenv("PUBSUB_PROJECT"); project != "" {
		notifier, err = notify.NewNotifier(project, getEnv("PUBSUB_TOPIC", "apilens-events"))
		if err != nil {
			log.Fatalf("notify: %v", err)
		}
		defer notifier.Close()
	} else {
		notifier = notify.NewLocalNotifier()
	}

	prefix := cfg.KeyPrefix()
	c := cache.NewPrefixed(client, prefix, cfg.Cache.ScanBatchSize, nil)
	sink := &alertSink{store: store, notifier: notifier}

	resolver := tenant.New(store, c, []byte(cfg.Security.MasterEncryptionKey), cfg.Security.TenantCacheTTL)
	creds := credential.New([]byte(cfg.Security.MasterEncryptionKey), store, c, cfg.Security.VendorCredCacheTTL)
	limiter := ratelimit.New(client, c, store, cfg.RateLimit, prefix)
	accountant := quota.New(client, c, store, cfg.Quota, sink, prefix)
	tracker := costtracker.New(client, accountant, prefix)
	engine := pricing.New(c, store, cfg.Security.PricingCacheTTL)
	detector := anomaly.New(client, store, notifier, cfg.Anomaly, prefix)

	orch := pipeline.New(pipeline.Deps{
		Resolver:   resolver,
		Limiter:    limiter,
		Accountant: accountant,
		Creds:      creds,
		Proxy:      vendorproxy.NewHTTPProxy(60 * time.Second),
		Parsers:    usageparse.NewRegistry(nil),
		Pricing:    engine,
		Tracker:    tracker,
		Detector:   detector,
		Durable:    store,
		KV:         client,
		Breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig("substrate")),
		Metrics:    pipeline.NewMetrics(prometheus.DefaultRegisterer),
		Prefix:     prefix,
	})

	// The HTTP surface proper lives outside the core; this process only
	// exposes the operational endpoints.
	go serveOps(orch, c)

	slog.Info("gateway core up", "environment", cfg.Environment)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("gateway core shutting down")
}

func serveOps(orch *pipeline.Orchestrator, c *cache.Cache) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := orch.Health()
		if h["degraded"] == true {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(h["breaker_state"].(string) + "\n")) //nolint:errcheck
	})
	mux.HandleFunc("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Stats()) //nolint:errcheck
	})

	addr := getEnv("OPS_ADDR", ":9090")
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("ops server failed", "error", err)
	}
}

func setupLogging(lc config.LogConfig) {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if lc.Format == "plain" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
