// Package httpclient implements the resilient HTTP client used by webhook
// and HTTP-API delivery modules: per-host circuit breaker, retry with
// exponential backoff and jitter, and strict per-request timeouts.
//
// Grounded on messages.WorkerService.calculateRetryDelay's exponential
// backoff + jitter math, generalized from a message-retry delay into a
// per-request HTTP backoff, and on hotstate.Breaker for the per-host
// circuit state.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/hotstate"
)

// RetryPolicy controls the backoff/retry behavior.
type RetryPolicy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterFactor: 0.5}
}

var retryableStatus = map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true}

func (p RetryPolicy) delay(attempt int) time.Duration {
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if exp > float64(p.MaxDelay) {
		exp = float64(p.MaxDelay)
	}
	jitter := exp * p.JitterFactor * rand.Float64()
	return time.Duration(exp + jitter)
}

// Client is a resilient HTTP client with per-host circuit breakers.
type Client struct {
	http   *http.Client
	logger *zap.Logger
	policy RetryPolicy

	mu       sync.Mutex
	breakers map[string]*hotstate.Breaker

	breakerThreshold int
	breakerWindow    time.Duration
	breakerReset     time.Duration
}

func New(logger *zap.Logger, policy RetryPolicy) *Client {
	return &Client{
		http:             &http.Client{},
		logger:           logger,
		policy:           policy,
		breakers:         make(map[string]*hotstate.Breaker),
		breakerThreshold: 5,
		breakerWindow:    30 * time.Second,
		breakerReset:     30 * time.Second,
	}
}

func (c *Client) breakerFor(host string) *hotstate.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = hotstate.NewBreaker(c.breakerThreshold, c.breakerWindow, c.breakerReset)
		c.breakers[host] = b
	}
	return b
}

// Request is a single HTTP delivery attempt.
type Request struct {
	URL                string
	Method             string
	Headers            map[string]string
	Body               []byte
	Timeout            time.Duration
	SuccessStatusCodes map[int]bool
}

// Response is the outcome of Do.
type Response struct {
	Success              bool
	StatusCode           int
	Body                 []byte
	CircuitBreakerTripped bool
	Err                  error
	Attempts             int
}

func defaultSuccessCodes() map[int]bool {
	return map[int]bool{200: true, 201: true, 202: true, 204: true}
}

// Do performs the request with retry/backoff and a per-host circuit
// breaker. When the breaker is open the request never touches the network.
func (c *Client) Do(ctx context.Context, req Request) *Response {
	host := req.URL
	if u, err := url.Parse(req.URL); err == nil {
		host = u.Host
	}
	breaker := c.breakerFor(host)

	successCodes := req.SuccessStatusCodes
	if successCodes == nil {
		successCodes = defaultSuccessCodes()
	}

	if !breaker.Allow() {
		return &Response{Success: false, CircuitBreakerTripped: true}
	}

	var lastResp *Response
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &Response{Success: false, Err: ctx.Err(), Attempts: attempt}
			case <-time.After(c.policy.delay(attempt - 1)):
			}
		}

		resp := c.attempt(ctx, req, successCodes)
		resp.Attempts = attempt + 1
		lastResp = resp

		if resp.Success {
			breaker.RecordSuccess()
			return resp
		}

		if resp.Err == nil && !retryableStatus[resp.StatusCode] {
			breaker.RecordFailure()
			return resp
		}
		// retryable: network error, timeout, or retryable status code
	}

	breaker.RecordFailure()
	return lastResp
}

func (c *Client) attempt(ctx context.Context, req Request, successCodes map[int]bool) *Response {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return &Response{Success: false, Err: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("webhook request failed", zap.String("url", req.URL), zap.Error(err))
		return &Response{Success: false, Err: err}
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	return &Response{
		Success:    successCodes[httpResp.StatusCode],
		StatusCode: httpResp.StatusCode,
		Body:       body,
	}
}

// BreakerState exposes the per-host breaker snapshot for observability.
func (c *Client) BreakerState(host string) hotstate.CircuitState {
	return c.breakerFor(host).GetCircuitState()
}
