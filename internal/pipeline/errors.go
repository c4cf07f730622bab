package pipeline

import (
	"errors"
	"time"

	"github.com/apilens/gateway/internal/credential"
	"github.com/apilens/gateway/internal/kv"
	"github.com/apilens/gateway/internal/pricing"
	"github.com/apilens/gateway/internal/quota"
	"github.com/apilens/gateway/internal/tenant"
	"github.com/apilens/gateway/internal/vendorproxy"
)

// Kind is the stable error classification exposed to clients. Messages
// stay free of internal details; the kind plus an optional retry-after
// hint is the whole contract.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindRateLimited        Kind = "rate_limited"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindCredentialMissing  Kind = "credential_missing"
	KindUpstreamError      Kind = "upstream_error"
	KindSubstrateTransient Kind = "substrate_transient"
	KindInternal           Kind = "internal"
)

// ErrorEnvelope is the user-visible error shape.
type ErrorEnvelope struct {
	Kind       Kind          `json:"kind"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// envelope builds the client-facing error for a pipeline failure.
func envelope(kind Kind, msg string, retryAfter time.Duration) *ErrorEnvelope {
	return &ErrorEnvelope{Kind: kind, Message: msg, RetryAfter: retryAfter}
}

// Classify maps an internal error to its stable kind. Unknown errors are
// internal: an invariant broke somewhere.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, tenant.ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, quota.ErrExceeded):
		return KindQuotaExceeded
	case errors.Is(err, credential.ErrNotFound):
		return KindCredentialMissing
	case errors.Is(err, credential.ErrAuthentication):
		return KindInternal
	case errors.Is(err, pricing.ErrNoPricing):
		return KindSubstrateTransient
	case errors.Is(err, pricing.ErrMalformed):
		return KindInternal
	case errors.Is(err, kv.ErrTransient):
		return KindSubstrateTransient
	case errors.Is(err, vendorproxy.ErrTransport),
		errors.Is(err, vendorproxy.ErrUpstreamAuth),
		errors.Is(err, vendorproxy.ErrUpstreamRateLimited),
		errors.Is(err, vendorproxy.ErrUpstreamServer),
		errors.Is(err, vendorproxy.ErrUpstreamClient):
		return KindUpstreamError
	default:
		return KindInternal
	}
}
