// Package httpclient provides the venue-facing HTTP client with rate
// limiting, bounded retries and a circuit breaker.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_http_requests_total",
		Help: "Total number of venue HTTP requests",
	}, []string{"method"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_http_errors_total",
		Help: "Total number of failed venue HTTP requests",
	}, []string{"method"})

	latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "venue_http_request_duration_seconds",
		Help:    "Venue HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(requestsTotal, errorsTotal, latencySeconds)
}

// APIError carries a non-2xx venue response for the adapter's error parser.
type APIError struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer adds venue authentication to a request. Signing happens inside the
// retry loop so each attempt carries a fresh timestamp.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client wraps http.Client with a per-venue rate limiter and a failsafe
// pipeline (retry on 5xx/429/network, circuit breaker on consecutive 5xx).
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*http.Response]
}

// Options tunes a Client. Zero values pick the defaults used in production.
type Options struct {
	Timeout     time.Duration
	ProxyURL    string
	RateLimit   rate.Limit // requests per second
	RateBurst   int
	MaxRetries  int
	BreakerOpen time.Duration
}

// New creates a Client for baseURL. signer may be nil for public endpoints.
func New(baseURL string, signer Signer, opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = 20
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BreakerOpen == 0 {
		opts.BreakerOpen = 10 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429 || resp.StatusCode == 418
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(opts.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(opts.BreakerOpen).
		Build()

	return &Client{
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		baseURL:  baseURL,
		signer:   signer,
		limiter:  rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		pipeline: failsafe.With[*http.Response](retryPolicy, breaker),
	}, nil
}

// SetBaseURL redirects the client to another host. Used by tests running
// against a local server.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Request describes one venue call.
type Request struct {
	Method string
	Path   string
	Params map[string]string
	Body   []byte
	Signed bool
}

// Do executes req and returns the response body. Non-2xx responses become
// *APIError with any Retry-After hint attached.
func (c *Client) Do(req *http.Request, signed bool) ([]byte, error) {
	ctx := req.Context()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		attempt := req.Clone(ctx)
		if signed && c.signer != nil {
			if serr := c.signer.SignRequest(attempt); serr != nil {
				return nil, fmt.Errorf("sign request: %w", serr)
			}
		}
		// Each attempt needs a fresh body reader.
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, berr
			}
			attempt.Body = body
		}
		return c.client.Do(attempt)
	})

	requestsTotal.WithLabelValues(req.Method).Inc()
	if err != nil {
		errorsTotal.WithLabelValues(req.Method).Inc()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		errorsTotal.WithLabelValues(req.Method).Inc()
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: body}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, apiErr
	}
	return body, nil
}

// Execute builds and runs a Request against the client's base URL.
func (c *Client) Execute(ctx context.Context, req Request, build func(*http.Request) error) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q := httpReq.URL.Query()
	for k, v := range req.Params {
		q.Set(k, v)
	}
	httpReq.URL.RawQuery = q.Encode()
	if build != nil {
		if err := build(httpReq); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	body, err := c.Do(httpReq, req.Signed)
	latencySeconds.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	return body, err
}
