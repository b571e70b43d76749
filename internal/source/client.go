// Package source fetches the flat product list from the storefront backend.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/platform/resilience"
)

// maxErrorBody caps how much of a non-2xx body is kept in HTTPError
const maxErrorBody = 512

// ClientConfig holds product source client configuration
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	MaxPages  int
	UserAgent string

	// OAuth2 enables client-credentials auth when non-nil
	OAuth2 *clientcredentials.Config

	// Transport overrides the base round tripper (tests use httpmock)
	Transport http.RoundTripper

	Logger         *observability.Logger
	Metrics        *observability.Metrics
	Tracer         observability.Tracer
	CircuitBreaker *resilience.CircuitBreaker
}

// Client fetches products from the backend REST endpoint.
type Client struct {
	client   *http.Client
	baseURL  string
	maxPages int
	cb       *resilience.CircuitBreaker
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   observability.Tracer
	health   healthTracker
}

// NewClient creates a product source client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("source: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("source: invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	metrics := cfg.Metrics
	cb := cfg.CircuitBreaker
	if cb == nil {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "product-source",
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
			IsFailure:        IsOutage,
			OnStateChange: func(from, to resilience.State) {
				metrics.SetCircuitBreakerState(context.Background(), "product-source", int64(to))
			},
		})
	}
	metrics.SetCircuitBreakerState(context.Background(), cb.Name(), cb.StateInt())

	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.UserAgent != "" {
		base = &userAgentRoundTripper{wrapped: base, userAgent: cfg.UserAgent}
	}

	httpClient := &http.Client{Transport: base, Timeout: cfg.Timeout}
	if cfg.OAuth2 != nil {
		// The token endpoint is reached through the same transport
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = cfg.OAuth2.Client(tokenCtx)
		httpClient.Timeout = cfg.Timeout
	}

	return &Client{
		client:   httpClient,
		baseURL:  cfg.BaseURL,
		maxPages: cfg.MaxPages,
		cb:       cb,
		logger:   cfg.Logger.Component("source"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}, nil
}

// FetchProducts returns every product the backend lists, following
// pagination. The result is all pages or an error, never a partial list.
func (c *Client) FetchProducts(ctx context.Context) ([]Product, error) {
	ctx, span := c.tracer.StartSpan(ctx, "source.FetchProducts",
		observability.WithSpanKind(trace.SpanKindClient),
		observability.WithAttributes(attribute.String("source.url", c.baseURL)))
	defer span.End()

	start := time.Now()
	products, err := resilience.ExecuteWithResult(c.cb, ctx, c.fetchAll)
	took := time.Since(start)

	if err != nil {
		c.health.failure(time.Now(), took, err)
		c.metrics.RecordError(ctx, "source_"+ErrorKind(err))
		span.NoticeError(err)
		c.logger.LogWarn(ctx, "product source fetch failed",
			"kind", ErrorKind(err), "error", err, "duration", took)
		return nil, err
	}

	c.health.success(time.Now(), took)
	span.SetAttributes(attribute.Int("source.products", len(products)))
	c.logger.LogDebug(ctx, "product source fetch done", "products", len(products), "duration", took)
	return products, nil
}

func (c *Client) fetchAll(ctx context.Context) ([]Product, error) {
	var all []Product
	next := c.baseURL

	for page := 0; next != ""; page++ {
		if page >= c.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", ErrShape, c.maxPages)
		}

		items, nextURL, err := c.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)

		if nextURL == "" {
			break
		}
		next, err = resolveNext(next, nextURL)
		if err != nil {
			return nil, err
		}
	}

	if all == nil {
		all = []Product{}
	}
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) ([]Product, string, error) {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordExternalCall(ctx, "product-source", "products", status, time.Since(start))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to create request: %w", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	observability.InjectHTTP(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", &HTTPError{StatusCode: resp.StatusCode, URL: pageURL, Body: body}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}

	return decodePage(body)
}

// resolveNext resolves a possibly relative next link against the current page
func resolveNext(current, next string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("%w: bad page URL: %w", ErrShape, err)
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("%w: bad next link: %w", ErrShape, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Health returns the current health status of the source.
func (c *Client) Health() Health {
	return c.health.snapshot(c.cb.State().String())
}

// userAgentRoundTripper sets User-Agent on every outgoing request
type userAgentRoundTripper struct {
	wrapped   http.RoundTripper
	userAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.userAgent)
	return rt.wrapped.RoundTrip(clone)
}
