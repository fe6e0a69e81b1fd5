package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"citywatch/internal/logging"

	"golang.org/x/time/rate"
)

const defaultUserAgent = "citywatch-investigator/0.3"

// maxResponseBytes caps JSON API response bodies.
const maxResponseBytes = 2 << 20

// maxImageBytes caps downloaded image payloads.
const maxImageBytes = 5 << 20

// Options configures an HTTP-backed adapter.
type Options struct {
	BaseURL       string
	APIKey        string
	RatePerSecond float64
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// apiClient is the shared HTTP plumbing for JSON search APIs. The limiter
// is the adapter's own provider-side bookkeeping; the shared daily quota
// is the coordinator's concern and is applied before Fetch is ever called.
type apiClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newAPIClient(o Options) *apiClient {
	c := o.HTTPClient
	if c == nil {
		c = http.DefaultClient
	}
	var lim *rate.Limiter
	if o.RatePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(o.RatePerSecond), 1)
	}
	return &apiClient{http: c, limiter: lim}
}

// errRateLimited marks provider-side 429/403 responses.
var errRateLimited = errors.New("provider rate limited")

// getJSON performs a GET and decodes the JSON body into v.
// Returns errRateLimited for 429/403; any other non-200 is a plain error.
func (c *apiClient) getJSON(ctx context.Context, rawURL string, headers map[string]string, v interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", errRateLimited, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// fetchImage downloads image bytes with a size cap. Failures are logged
// and returned; callers may keep the item without bytes.
func (c *apiClient) fetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/jpeg"
	}
	return data, ct, nil
}

// classify maps a transport error to a failure kind.
func classify(err error) FailureKind {
	if errors.Is(err, errRateLimited) {
		return FailureRateLimited
	}
	return FailureTransient
}

// domainOf extracts the host from a URL for provenance metadata.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func logFetchFailure(providerID string, q Query, err error) {
	logging.Provider("%s: %s query %q failed: %v", providerID, q.Capability, q.Text, err)
}
