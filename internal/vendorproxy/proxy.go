// Package vendorproxy defines the upstream-call collaborator the pipeline
// delegates to, and the error taxonomy used to classify its failures.
// The actual wire transport lives outside the core; a minimal HTTP
// implementation is provided for wiring.
package vendorproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apilens/gateway/internal/usageparse"
)

// Upstream error variants. Callers distinguish these to decide pass-through
// status, retry hints, and anomaly accounting.
var (
	ErrTransport           = errors.New("vendorproxy: transport error")
	ErrUpstreamAuth        = errors.New("vendorproxy: upstream auth rejected")
	ErrUpstreamRateLimited = errors.New("vendorproxy: upstream rate limited")
	ErrUpstreamServer      = errors.New("vendorproxy: upstream server error")
	ErrUpstreamClient      = errors.New("vendorproxy: upstream client error")
)

// Response is the upstream call result.
type Response struct {
	Status          int
	Headers         http.Header
	Body            []byte
	UpstreamLatency time.Duration
}

// Proxy is the injected upstream-call collaborator:
// call(vendor, model, credential, request, deadline).
type Proxy interface {
	Call(ctx context.Context, vendor usageparse.Vendor, model string, credential []byte, request []byte) (*Response, error)
}

// ClassifyStatus maps an upstream HTTP status to the error taxonomy.
// Success statuses return nil.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUpstreamAuth, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUpstreamRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrUpstreamServer, status)
	default:
		return fmt.Errorf("%w: status %d", ErrUpstreamClient, status)
	}
}

// endpoints maps vendor tags to their completion endpoints. The model is
// interpolated where the vendor's path requires it.
var endpoints = map[usageparse.Vendor]string{
	usageparse.VendorOpenAI:    "https://api.openai.com/v1/chat/completions",
	usageparse.VendorAnthropic: "https://api.anthropic.com/v1/messages",
	usageparse.VendorGoogle:    "https://generativelanguage.googleapis.com/v1/models/%s:generateContent",
}

// HTTPProxy is the default Proxy over net/http. It honors the caller's
// deadline via the request context and never retries; retry policy belongs
// to the client.
type HTTPProxy struct {
	client *http.Client
}

// NewHTTPProxy constructs an HTTPProxy with the given overall timeout cap.
func NewHTTPProxy(timeout time.Duration) *HTTPProxy {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProxy{client: &http.Client{Timeout: timeout}}
}

// Call forwards the request body to the vendor with the tenant's
// credential attached the way each vendor expects.
func (p *HTTPProxy) Call(ctx context.Context, vendor usageparse.Vendor, model string, credential []byte, request []byte) (*Response, error) {
	url, ok := endpoints[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint for vendor %q", ErrUpstreamClient, vendor)
	}
	if vendor == usageparse.VendorGoogle {
		url = fmt.Sprintf(url, model)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch vendor {
	case usageparse.VendorAnthropic:
		req.Header.Set("x-api-key", string(credential))
		req.Header.Set("anthropic-version", "2023-06-01")
	case usageparse.VendorGoogle:
		req.Header.Set("x-goog-api-key", string(credential))
	default:
		req.Header.Set("Authorization", "Bearer "+string(credential))
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	return &Response{
		Status:          resp.StatusCode,
		Headers:         filterHeaders(resp.Header),
		Body:            body,
		UpstreamLatency: time.Since(start),
	}, nil
}

// passHeaders is the allowlist of upstream headers returned to clients.
var passHeaders = []string{"Content-Type", "X-Request-Id", "Retry-After"}

func filterHeaders(h http.Header) http.Header {
	out := http.Header{}
	for _, name := range passHeaders {
		if v := h.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}
