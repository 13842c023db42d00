// Package provider implements the upstream geodata API client and the
// rate/budget gate that paces warming calls against it.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"geocache/internal/core"
)

// endpoint paths per request type, relative to the provider base URL.
var paths = map[core.RequestType]string{
	core.TypeRoute:        "/v1/route",
	core.TypeGeocode:      "/v1/geocode",
	core.TypeTraffic:      "/v1/traffic",
	core.TypeMatrix:       "/v1/matrix",
	core.TypeAutocomplete: "/v1/autocomplete",
}

// Config holds provider connection options.
type Config struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// Client talks to the upstream geodata provider. It implements
// core.ProviderClient for the warming executor and core.SeverityOracle
// for the traffic invalidation strategy.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

// New builds a client. A nil HTTP client gets the default transport.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if cfg.HTTP == nil {
		cfg.HTTP = NewHTTPClient(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    cfg.HTTP,
		log:     log.With("component", "provider"),
	}, nil
}

// Fetch re-issues the request described by params against the endpoint
// for typ and normalizes the response.
func (c *Client) Fetch(ctx context.Context, typ core.RequestType, params []byte) (*core.ProviderResult, error) {
	path, ok := paths[typ]
	if !ok {
		return nil, core.NewProviderError(core.KindProviderInvalid, "provider.fetch",
			fmt.Sprintf("no endpoint for request type %q", typ), nil)
	}
	if len(params) == 0 {
		params = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(params))
	if err != nil {
		return nil, core.NewProviderError(core.KindProviderInvalid, "provider.fetch", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, core.NewProviderError(core.KindProviderTimeout, "provider.fetch", "upstream timeout", err)
		}
		return nil, core.NewProviderError(core.KindProviderInvalid, "provider.fetch", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, core.NewProviderError(core.KindProviderInvalid, "provider.fetch", "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, core.NewProviderError(core.KindProviderRateLimited, "provider.fetch",
			"rate limited by upstream", nil)
	case resp.StatusCode >= 500:
		// Upstream outages retry like timeouts.
		return nil, core.NewProviderError(core.KindProviderTimeout, "provider.fetch",
			fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, core.NewProviderError(core.KindProviderInvalid, "provider.fetch",
			fmt.Sprintf("upstream rejected request with %d: %s", resp.StatusCode, snippet(body)), nil)
	}

	return c.normalize(typ, body), nil
}

// normalize extracts the envelope fields the cache cares about. The
// payload under "result" is stored verbatim; a response without the
// envelope is stored whole.
func (c *Client) normalize(typ core.RequestType, body []byte) *core.ProviderResult {
	result := &core.ProviderResult{
		Payload:    body,
		Provider:   gjson.GetBytes(body, "provider").String(),
		Confidence: gjson.GetBytes(body, "confidence").Float(),
		Cost:       gjson.GetBytes(body, "cost").Float(),
	}
	if r := gjson.GetBytes(body, "result"); r.Exists() {
		result.Payload = []byte(r.Raw)
	}
	if m := gjson.GetBytes(body, "metadata"); m.Exists() {
		result.Metadata = []byte(m.Raw)
	} else {
		result.Metadata = fmt.Appendf(nil, `{"provider":%q,"confidence":%g}`,
			result.Provider, result.Confidence)
	}
	c.log.Debug("provider fetch", "type", string(typ), "cost", result.Cost)
	return result
}

// Severity asks the traffic endpoint for the current severity in area.
// Unknown areas and transport failures report not-known rather than an
// error; the invalidation strategy simply skips the entry.
func (c *Client) Severity(ctx context.Context, area string) (int, bool) {
	params := fmt.Appendf(nil, `{"area":%q}`, area)
	result, err := c.Fetch(ctx, core.TypeTraffic, params)
	if err != nil {
		c.log.Warn("severity probe failed", "area", area, "error", err)
		return 0, false
	}
	sev := gjson.GetBytes(result.Payload, "severity")
	if !sev.Exists() {
		return 0, false
	}
	return int(sev.Int()), true
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

var (
	_ core.ProviderClient = (*Client)(nil)
	_ core.SeverityOracle = (*Client)(nil)
)
