// Package poller periodically queries the upstream tracking API scoped to
// the active regions and publishes each cycle's states to the adsb topic.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"skywatch/flight"
	"skywatch/region"
)

// ErrRateLimited marks an upstream 429; the poll loop reacts by backing off
// instead of treating it like an ordinary failure.
var ErrRateLimited = errors.New("poller: upstream rate limited")

const maxResponseBytes = 32 << 20 // states/all over a large box can be tens of MB

// UpstreamClient fetches state vectors for a bounding box from an
// OpenSky-compatible REST endpoint.
type UpstreamClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewUpstreamClient creates a client. Credentials are optional; anonymous
// access works with tighter upstream rate limits.
func NewUpstreamClient(baseURL, username, password string, timeout time.Duration) *UpstreamClient {
	return &UpstreamClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

// FetchRegion issues one bounded-box query and adapts the response into
// canonical states. The skipped count reports vectors the upstream sent
// without a usable key, position, or timestamp.
func (c *UpstreamClient) FetchRegion(ctx context.Context, r region.Region) ([]flight.State, int, error) {
	params := url.Values{}
	params.Set("lamin", formatCoord(r.SWLat))
	params.Set("lomin", formatCoord(r.SWLon))
	params.Set("lamax", formatCoord(r.NELat))
	params.Set("lomax", formatCoord(r.NELon))
	reqURL := fmt.Sprintf("%s/states/all?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("poller: build request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("poller: fetch region %s: %w", r.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, 0, fmt.Errorf("region %s: %w", r.ID, ErrRateLimited)
	default:
		return nil, 0, fmt.Errorf("poller: region %s: upstream status %d", r.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("poller: read region %s: %w", r.ID, err)
	}
	states, skipped, err := flight.ParseOpenSky(body)
	if err != nil {
		return nil, 0, fmt.Errorf("poller: region %s: %w", r.ID, err)
	}
	return states, skipped, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
