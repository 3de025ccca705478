package network

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/salvacell/offsync/internal/errors"
)

// HealthPath is probed to tell "link up" from "server reachable".
const HealthPath = "/api/health"

// Prober performs one lightweight reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProber issues HEAD {BaseURL}/api/health.
type HTTPProber struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPProber creates a prober for the given API base URL.
func NewHTTPProber(baseURL string, client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// Probe succeeds on any 2xx response.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.BaseURL+HealthPath, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "build health request", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkUnavailable, "health probe", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.ErrRemoteRequest, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	return nil
}
