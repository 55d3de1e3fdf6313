package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fastjson"
	"golang.org/x/time/rate"
)

const (
	DefaultGeoURL           = "https://get.geojs.io/v1/ip/geo.json"
	DefaultGeoTimeout       = 3 * time.Second
	DefaultGeoRetryInterval = time.Minute
)

// ErrLookupThrottled is returned when a lookup is attempted again before the
// retry interval has passed.
var ErrLookupThrottled = errors.New("enrich: lookup throttled")

// Location is the caller's public address and coarse region.
type Location struct {
	IP     string
	Region string
}

// Locator resolves the caller's public IP and region.
type Locator interface {
	Locate(ctx context.Context) (Location, error)
}

// HTTPLocator queries a geojs-compatible JSON endpoint. At most one attempt
// is made per retry interval, so a failing endpoint is not hammered by every
// insert.
type HTTPLocator struct {
	url     string
	timeout time.Duration
	client  *fasthttp.Client
	limiter *rate.Limiter
}

func NewHTTPLocator(url string, timeout, retryInterval time.Duration) *HTTPLocator {
	if url == "" {
		url = DefaultGeoURL
	}
	if timeout <= 0 {
		timeout = DefaultGeoTimeout
	}
	if retryInterval <= 0 {
		retryInterval = DefaultGeoRetryInterval
	}
	return &HTTPLocator{
		url:     url,
		timeout: timeout,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Every(retryInterval), 1),
	}
}

func (l *HTTPLocator) Locate(ctx context.Context) (Location, error) {
	if !l.limiter.Allow() {
		return Location{}, ErrLookupThrottled
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(l.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	deadline := time.Now().Add(l.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.client.DoDeadline(req, resp, deadline); err != nil {
		return Location{}, fmt.Errorf("geo lookup failed: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return Location{}, fmt.Errorf("geo lookup returned status %d", code)
	}

	return parseLocation(resp.Body())
}

func parseLocation(body []byte) (Location, error) {
	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return Location{}, fmt.Errorf("failed to parse geo response: %w", err)
	}
	loc := Location{
		IP:     string(v.GetStringBytes("ip")),
		Region: string(v.GetStringBytes("country")),
	}
	if loc.IP == "" {
		return Location{}, errors.New("geo response has no ip")
	}
	return loc, nil
}
