package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober checks that the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProber probes a health endpoint with GET. Any 2xx or 3xx answer
// counts as reachable.
type HTTPProber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber creates a prober for url with the given per-probe timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:     url,
		Client:  &http.Client{},
		Timeout: timeout,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}
