// Package remote adapts an out-of-process scraper service to provider.Scraper.
//
// The service exposes, per provider:
//
//	GET  /providers/{provider}/overview   -> {"listings": [...]}
//	POST /providers/{provider}/offers     <- identity, -> offer record
//
// Status codes are mapped to error classes: 404, 410 and 422 are permanent;
// 408, 425, 429, 5xx and transport errors are transient.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

const (
	overviewPath = "/providers/{provider}/overview"
	offersPath   = "/providers/{provider}/offers"
)

// Options configures a Client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Transport replaces the default otelhttp-wrapped transport.
	Transport http.RoundTripper
	Now       func() time.Time
}

// Client talks to the scraper service on behalf of one provider.
type Client struct {
	provider domain.Provider
	http     *resty.Client
	now      func() time.Time
}

// New returns a Client for provider at baseURL.
func New(provider domain.Provider, baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "leasequeue/1"
	}
	if opts.Transport == nil {
		opts.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(opts.Timeout).
		SetTransport(opts.Transport).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Accept", "application/json")
	return &Client{provider: provider, http: c, now: opts.Now}
}

type overviewResponse struct {
	Listings []domain.OverviewListing `json:"listings"`
}

// ListOverview fetches the provider overview.
func (c *Client) ListOverview(ctx context.Context) ([]domain.OverviewListing, error) {
	var out overviewResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("provider", string(c.provider)).
		SetResult(&out).
		Get(overviewPath)
	if err := c.check("overview", resp, err); err != nil {
		return nil, err
	}
	for i := range out.Listings {
		if out.Listings[i].Identity.Provider == "" {
			out.Listings[i].Identity.Provider = c.provider
		}
	}
	return out.Listings, nil
}

// ScrapeFull requests the full price matrix of id.
func (c *Client) ScrapeFull(ctx context.Context, id domain.VehicleIdentity) (domain.OfferRecord, error) {
	var rec domain.OfferRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("provider", string(c.provider)).
		SetBody(id).
		SetResult(&rec).
		Post(offersPath)
	if err := c.check("scrape_full", resp, err); err != nil {
		return domain.OfferRecord{}, err
	}
	return rec, nil
}

// check classifies a transport error or a non-2xx response.
func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.Transient(c.provider, op, err)
	}
	code := resp.StatusCode()
	if resp.IsSuccess() {
		return nil
	}
	cause := fmt.Errorf("status %d: %s", code, snippet(resp.Body()))
	switch {
	case code == http.StatusNotFound, code == http.StatusGone, code == http.StatusUnprocessableEntity:
		return domain.Permanent(c.provider, op, cause)
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		se := domain.Transient(c.provider, op, cause)
		se.RetryAfter = retryAfter(resp.Header().Get("Retry-After"), c.now())
		return se
	default:
		// other 4xx mean the request itself is wrong
		return domain.Permanent(c.provider, op, cause)
	}
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
