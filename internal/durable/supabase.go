// Package durable implements the durable-store collaborator over
// Supabase: key-scoped reads for tenant, pricing, and limit/quota
// configuration rows, and append writes for telemetry, alerts, anomalies,
// and credential rotation history.
package durable

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/apilens/gateway/internal/anomaly"
	"github.com/apilens/gateway/internal/credential"
	"github.com/apilens/gateway/internal/pipeline"
	"github.com/apilens/gateway/internal/pricing"
	"github.com/apilens/gateway/internal/quota"
	"github.com/apilens/gateway/internal/ratelimit"
	"github.com/apilens/gateway/internal/tenant"
)

// Client wraps the Supabase Go client with the gateway's table operations.
type Client struct {
	client *supabase.Client
}

// New creates a durable-store client from the configured DSN. The service
// key comes from the environment, never from configuration files.
func New(url string) (*Client, error) {
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" {
		url = os.Getenv("SUPABASE_URL")
	}
	if url == "" || key == "" {
		return nil, fmt.Errorf("durable: SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("durable: create client: %w", err)
	}
	return &Client{client: client}, nil
}

// ============================================================================
// TENANT OPERATIONS
// ============================================================================

// tenantRow is the tenants table shape. Timestamps are strings to match
// the Supabase wire format.
type tenantRow struct {
	TenantID           string `json:"tenant_id"`
	DisplayName        string `json:"display_name"`
	Tier               string `json:"tier"`
	IsolationNamespace string `json:"isolation_namespace"`
	Active             bool   `json:"active"`
	SecretHash         string `json:"secret_hash"`
	CreatedAt          string `json:"created_at,omitempty"`
}

// GetTenantByHash retrieves the tenant owning the salted API-key hash.
// Returns nil (not error) when no row matches.
func (c *Client) GetTenantByHash(ctx context.Context, hash string) (*tenant.Tenant, error) {
	var rows []tenantRow
	_, err := c.client.From("tenants").
		Select("*", "", false).
		Eq("secret_hash", hash).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("durable: query tenants: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &tenant.Tenant{
		ID:                 r.TenantID,
		DisplayName:        r.DisplayName,
		Tier:               r.Tier,
		IsolationNamespace: r.IsolationNamespace,
		Active:             r.Active,
		SecretHash:         r.SecretHash,
	}, nil
}

// TouchAPIKeyLastUsed stamps the key's last-used timestamp. Best effort;
// the resolver does not wait on it.
func (c *Client) TouchAPIKeyLastUsed(ctx context.Context, hash string) error {
	update := map[string]interface{}{
		"last_used_at": time.Now().UTC().Format(time.RFC3339),
	}
	var rows []map[string]interface{}
	_, err := c.client.From("api_keys").
		Update(update, "", "").
		Eq("key_hash", hash).
		ExecuteTo(&rows)
	return err
}

// ============================================================================
// VENDOR CREDENTIAL OPERATIONS
// ============================================================================

// GetVendorCredential retrieves the active credential row for
// (tenant, vendor), or nil when none exists.
func (c *Client) GetVendorCredential(ctx context.Context, tenantID, vendor string) (*credential.Record, error) {
	var rows []credential.Record
	_, err := c.client.From("vendor_credentials").
		Select("*", "", false).
		Eq("tenant", tenantID).
		Eq("vendor", vendor).
		Eq("active", "true").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("durable: query vendor_credentials: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// PutVendorCredential upserts the active credential row for its
// (tenant, vendor) pair.
func (c *Client) PutVendorCredential(ctx context.Context, rec *credential.Record) error {
	var rows []credential.Record
	_, err := c.client.From("vendor_credentials").
		Upsert(rec, "tenant,vendor", "", "").
		ExecuteTo(&rows)
	return err
}

// AppendRotationHistory appends one rotation audit entry.
func (c *Client) AppendRotationHistory(ctx context.Context, entry *credential.RotationEntry) error {
	var rows []credential.RotationEntry
	_, err := c.client.From("credential_rotation_history").
		Insert(entry, false, "", "", "").
		ExecuteTo(&rows)
	return err
}

// ============================================================================
// PRICING OPERATIONS
// ============================================================================

// GetPricingRecords retrieves every pricing row for (vendor, model); the
// engine picks the active effective-from.
func (c *Client) GetPricingRecords(ctx context.Context, vendor, model string) ([]pricing.Record, error) {
	var rows []pricing.Record
	_, err := c.client.From("pricing_records").
		Select("*", "", false).
		Eq("vendor", vendor).
		Eq("model", model).
		Order("effective_from", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("durable: query pricing_records: %w", err)
	}
	return rows, nil
}

// ============================================================================
// RATE-LIMIT / QUOTA CONFIGURATION
// ============================================================================

// GetRateLimitConfig retrieves a tenant's explicit rate-limit row, or nil
// so the caller falls back to tier defaults.
func (c *Client) GetRateLimitConfig(ctx context.Context, tenantID string) (*ratelimit.Config, error) {
	var rows []ratelimit.Config
	_, err := c.client.From("rate_limit_configs").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("durable: query rate_limit_configs: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetQuotaConfig retrieves a tenant's explicit quota row, or nil.
func (c *Client) GetQuotaConfig(ctx context.Context, tenantID string) (*quota.Config, error) {
	var rows []quota.Config
	_, err := c.client.From("quota_configs").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("durable: query quota_configs: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ============================================================================
// APPEND TABLES — telemetry, alerts, anomalies
// ============================================================================

// AppendTelemetry appends one request telemetry record.
func (c *Client) AppendTelemetry(ctx context.Context, rec *pipeline.Telemetry) error {
	var rows []map[string]interface{}
	_, err := c.client.From("request_telemetry").
		Insert(rec, false, "", "", "").
		ExecuteTo(&rows)
	return err
}

// AppendAlert appends one quota alert record.
func (c *Client) AppendAlert(ctx context.Context, a *quota.Alert) error {
	var rows []map[string]interface{}
	_, err := c.client.From("quota_alerts").
		Insert(a, false, "", "", "").
		ExecuteTo(&rows)
	return err
}

// AppendAnomaly appends one anomaly detection record.
func (c *Client) AppendAnomaly(ctx context.Context, a *anomaly.Anomaly) error {
	var rows []map[string]interface{}
	_, err := c.client.From("anomalies").
		Insert(a, false, "", "", "").
		ExecuteTo(&rows)
	return err
}

// ============================================================================
// HOURLY AGGREGATES — anomaly baselines
// ============================================================================

// GetHourlyAggregates retrieves a tenant's hourly rollups since the given
// instant, oldest first, for baseline computation.
func (c *Client) GetHourlyAggregates(ctx context.Context, tenantID string, since time.Time) ([]anomaly.HourlyAggregate, error) {
	var rows []anomaly.HourlyAggregate
	_, err := c.client.From("hourly_aggregates").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Gte("hour", since.UTC().Format(time.RFC3339)).
		Order("hour", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("durable: query hourly_aggregates: %w", err)
	}
	return rows, nil
}
