// Package httpclient implements the shared rate-limited request executor.
// Every outbound call to a provider, Solr or the OpenAlex API goes through
// one Client instance per destination, which paces requests, retries
// transient failures with growing delay, and lets callers hook per-status
// recovery handlers (e.g. auth-token refresh).
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nacsos/metacache/internal/metrics"
)

// ErrRetryExhausted is returned when a request failed more than MaxRetries
// times with a retryable status or transport error.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// DefaultRetryStatuses are retried unless overridden.
var DefaultRetryStatuses = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Delta is a partial override returned by a status handler and merged into
// the next attempt. Handlers stay declarative; the retry accounting lives in
// Do alone.
type Delta struct {
	Body    []byte
	JSON    any
	Params  url.Values
	Headers http.Header
}

// StatusHandler inspects a response and returns the override for the single
// uncounted retry that follows.
type StatusHandler func(*Response) (Delta, error)

// Config tunes one client instance.
type Config struct {
	// Source labels metrics and log lines, e.g. "SCOPUS" or "solr".
	Source string

	MaxRPS        float64
	MaxRetries    int
	TimeoutGrowth float64
	RetryStatuses []int
	Timeout       time.Duration
	Proxy         string
}

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Params  url.Values
	Headers http.Header
	Body    []byte
	JSON    any
}

// Response is the drained result of one call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client is a synchronous request executor with per-instance pacing.
type Client struct {
	cfg      Config
	limiter  *rate.Limiter
	handlers map[int]StatusHandler
	retrySet map[int]struct{}
	hc       atomic.Pointer[http.Client]
	logger   *zap.Logger

	mu     sync.Mutex
	maxRPS float64
}

// New builds a client. Zero-value fields get conservative defaults.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.MaxRPS <= 0 {
		cfg.MaxRPS = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TimeoutGrowth <= 1 {
		cfg.TimeoutGrowth = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	statuses := cfg.RetryStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryStatuses
	}
	retrySet := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		retrySet[s] = struct{}{}
	}

	c := &Client{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1),
		handlers: make(map[int]StatusHandler),
		retrySet: retrySet,
		logger:   logger,
		maxRPS:   cfg.MaxRPS,
	}
	hc, err := buildHTTPClient(cfg.Timeout, cfg.Proxy)
	if err != nil {
		return nil, err
	}
	c.hc.Store(hc)
	return c, nil
}

func buildHTTPClient(timeout time.Duration, proxy string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// OnStatus registers a handler invoked when a response carries code. The
// handler's delta is merged into exactly one retry that does not count
// against MaxRetries.
func (c *Client) OnStatus(code int, h StatusHandler) {
	c.handlers[code] = h
}

// SwitchProxy replaces the outbound proxy; in-flight state is swapped
// atomically so concurrent readers keep their old client until done.
func (c *Client) SwitchProxy(proxy string) error {
	hc, err := buildHTTPClient(c.cfg.Timeout, proxy)
	if err != nil {
		return err
	}
	c.hc.Store(hc)
	return nil
}

// Do executes the request under the pacing and retry policy. Non-retryable
// statuses are returned to the caller with a nil error for classification.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	attempts := 0
	handled := make(map[int]bool)
	cur := req

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, cur)
		metrics.ProviderRequests.WithLabelValues(c.cfg.Source).Inc()
		if err != nil {
			attempts++
			if attempts > c.cfg.MaxRetries {
				return nil, fmt.Errorf("%w: %s %s after %d attempts: %v",
					ErrRetryExhausted, cur.Method, cur.URL, attempts, err)
			}
			c.grow()
			metrics.ProviderRetries.WithLabelValues(c.cfg.Source).Inc()
			c.logger.Warn("request failed, retrying",
				zap.String("url", cur.URL), zap.Int("attempt", attempts), zap.Error(err))
			continue
		}

		if resp.OK() {
			// back to the configured pace after a clean response
			c.limiter.SetLimit(rate.Limit(c.currentMaxRPS()))
			return resp, nil
		}

		if h, ok := c.handlers[resp.StatusCode]; ok && !handled[resp.StatusCode] {
			handled[resp.StatusCode] = true
			delta, herr := h(resp)
			if herr != nil {
				return resp, fmt.Errorf("status handler for %d: %w", resp.StatusCode, herr)
			}
			cur = applyDelta(cur, delta)
			continue
		}

		if _, retryable := c.retrySet[resp.StatusCode]; retryable {
			attempts++
			if attempts > c.cfg.MaxRetries {
				return resp, fmt.Errorf("%w: %s %s kept returning %d",
					ErrRetryExhausted, cur.Method, cur.URL, resp.StatusCode)
			}
			c.grow()
			metrics.ProviderRetries.WithLabelValues(c.cfg.Source).Inc()
			c.logger.Warn("retryable status",
				zap.String("url", cur.URL), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempts))
			continue
		}

		return resp, nil
	}
}

// SetMaxRPS retunes the pace; config hot reload uses this.
func (c *Client) SetMaxRPS(rps float64) {
	if rps <= 0 {
		return
	}
	c.mu.Lock()
	c.maxRPS = rps
	c.mu.Unlock()
	c.limiter.SetLimit(rate.Limit(rps))
}

func (c *Client) currentMaxRPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxRPS
}

// grow slows the pace multiplicatively; the next 2xx resets it.
func (c *Client) grow() {
	next := float64(c.limiter.Limit()) / c.cfg.TimeoutGrowth
	if next < 0.01 {
		next = 0.01
	}
	c.limiter.SetLimit(rate.Limit(next))
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	u := req.URL
	if len(req.Params) > 0 {
		parsed, err := url.Parse(req.URL)
		if err != nil {
			return nil, err
		}
		q := parsed.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}

	body := req.Body
	if req.JSON != nil {
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, err
		}
		body = data
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.JSON != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.hc.Load().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func applyDelta(req Request, delta Delta) Request {
	if delta.Body != nil {
		req.Body = delta.Body
		req.JSON = nil
	}
	if delta.JSON != nil {
		req.JSON = delta.JSON
		req.Body = nil
	}
	if delta.Params != nil {
		if req.Params == nil {
			req.Params = url.Values{}
		}
		for k, vs := range delta.Params {
			req.Params[k] = vs
		}
	}
	if delta.Headers != nil {
		if req.Headers == nil {
			req.Headers = http.Header{}
		}
		for k, vs := range delta.Headers {
			req.Headers[k] = vs
		}
	}
	return req
}
