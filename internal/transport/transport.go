// Package transport executes upstream HTTP calls with retry-on-retryable-
// status, jittered exponential backoff, Retry-After honoring, and
// idempotency-key injection, exposing three distinct body shapes per
// spec.md §4.4: buffered JSON, streaming SSE, buffered multipart. The
// retry loop is built on avast/retry-go/v4 (the domain-stack dependency
// SPEC_FULL.md wires for this concern); an optional resilience.CircuitBreaker
// wraps every buffered (JSON and multipart) attempt so a persistently
// failing upstream trips open instead of retrying forever. Streaming
// attempts do not pass through the breaker.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gomind-oss/llmgateway/core"
	"github.com/gomind-oss/llmgateway/resilience"
)

// Config is the upstream connection and retry policy, mirroring
// proxyconfig.HTTPClient.
type Config struct {
	BaseURL           string
	JSONTimeout       time.Duration
	MultipartTimeout  time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RetryableStatuses []int
	UpstreamAPIKey    string
}

// Request describes one upstream call. Constructed once per pipeline
// request; ownership moves into Transport and it is never mutated after
// submission (spec.md §3).
type Request struct {
	Method         string
	Path           string
	Headers        http.Header
	Body           []byte // ignored for multipart, which carries its body pre-encoded
	MultipartBody  []byte
	MultipartCType string // full Content-Type including boundary
	IdempotencyKey string // caller-supplied; generated if empty and method mutates state
}

// Response is a buffered upstream response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// StreamResponse is a streaming upstream response. Body must be closed by
// the caller once the stream is fully forwarded.
type StreamResponse struct {
	Status  int
	Headers http.Header
	Body    io.ReadCloser
}

// UpstreamStatusError carries a non-2xx upstream response through after
// retries are exhausted, per spec.md §4.4's failure semantics.
type UpstreamStatusError struct {
	Status  int
	Headers http.Header
	Body    []byte
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// Transport executes upstream calls over a single shared *http.Client,
// instrumented with otelhttp so every outbound call produces a span.
type Transport struct {
	cfg    Config
	client *http.Client
	logger core.Logger
	cb     *resilience.CircuitBreaker // optional; nil disables breaker wrapping
}

// New builds a Transport. cb may be nil to disable circuit-breaker wrapping.
func New(cfg Config, cb *resilience.CircuitBreaker, logger core.ComponentAwareLogger) *Transport {
	var log core.Logger = logger
	if logger != nil {
		log = logger.WithComponent("gateway/transport")
	}

	baseTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			// Force IPv4, per spec.md §6's outbound interface contract.
			FallbackDelay: -1,
		}).DialContext,
	}

	return &Transport{
		cfg:    cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(baseTransport)},
		logger: log,
		cb:     cb,
	}
}

// JSON sends req with a JSON body and awaits the full buffered response.
func (t *Transport) JSON(ctx context.Context, req Request) (*Response, error) {
	return t.bufferedCall(ctx, req, t.cfg.JSONTimeout, req.Body, "application/json")
}

// Multipart sends req's pre-encoded multipart body with a shorter default
// timeout; otherwise identical to JSON.
func (t *Transport) Multipart(ctx context.Context, req Request) (*Response, error) {
	return t.bufferedCall(ctx, req, t.cfg.MultipartTimeout, req.MultipartBody, req.MultipartCType)
}

func (t *Transport) bufferedCall(ctx context.Context, req Request, timeout time.Duration, body []byte, contentType string) (*Response, error) {
	idempotencyKey := idempotencyKeyFor(req)

	var result *Response

	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resp, callErr := t.do(callCtx, req.Method, req.Path, req.Headers, body, contentType, idempotencyKey)
			if callErr != nil {
				return callErr
			}
			result = resp
			if resp.Status >= 400 {
				return &UpstreamStatusError{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(t.cfg.MaxRetries+1)),
		retry.RetryIf(t.retryable),
		retry.DelayType(t.delayFor()),
		retry.LastErrorOnly(true),
	)

	if err != nil {
		var statusErr *UpstreamStatusError
		if errors.As(err, &statusErr) {
			return &Response{Status: statusErr.Status, Headers: statusErr.Headers, Body: statusErr.Body}, nil
		}
		return nil, core.NewGatewayError("transport.call", core.CategoryUpstreamTransp, fmt.Errorf("%w: %w", core.ErrUpstreamTransport, err))
	}
	return result, nil
}

// Streaming sends req and returns as soon as headers arrive, without
// buffering the body. Retries only apply before headers are received; once
// streaming begins, failures propagate to the caller unchanged.
func (t *Transport) Streaming(ctx context.Context, req Request) (*StreamResponse, error) {
	idempotencyKey := idempotencyKeyFor(req)

	var result *StreamResponse
	err := retry.Do(
		func() error {
			httpReq, buildErr := t.buildRequest(ctx, req.Method, req.Path, req.Headers, req.Body, "application/json", idempotencyKey)
			if buildErr != nil {
				return retry.Unrecoverable(buildErr)
			}
			resp, doErr := t.client.Do(httpReq)
			if doErr != nil {
				return doErr
			}
			if resp.StatusCode >= 400 {
				data, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				return &UpstreamStatusError{Status: resp.StatusCode, Headers: resp.Header, Body: data}
			}
			result = &StreamResponse{Status: resp.StatusCode, Headers: resp.Header, Body: resp.Body}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(t.cfg.MaxRetries+1)),
		retry.RetryIf(t.retryable),
		retry.DelayType(t.delayFor()),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var statusErr *UpstreamStatusError
		if errors.As(err, &statusErr) {
			return nil, &UpstreamStatusError{Status: statusErr.Status, Headers: statusErr.Headers, Body: statusErr.Body}
		}
		return nil, core.NewGatewayError("transport.stream", core.CategoryUpstreamTransp, fmt.Errorf("%w: %w", core.ErrUpstreamTransport, err))
	}
	return result, nil
}

func (t *Transport) do(ctx context.Context, method, path string, headers http.Header, body []byte, contentType, idempotencyKey string) (*Response, error) {
	httpReq, err := t.buildRequest(ctx, method, path, headers, body, contentType, idempotencyKey)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}

	var lastResp *http.Response
	var lastBody []byte
	exec := func() error {
		resp, doErr := t.client.Do(httpReq.Clone(ctx))
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		lastResp, lastBody = resp, data
		return nil
	}

	if t.cb != nil {
		if cbErr := t.cb.Execute(ctx, exec); cbErr != nil {
			return nil, cbErr
		}
	} else if err := exec(); err != nil {
		return nil, err
	}

	return &Response{Status: lastResp.StatusCode, Headers: lastResp.Header, Body: lastBody}, nil
}

func (t *Transport) buildRequest(ctx context.Context, method, path string, headers http.Header, body []byte, contentType, idempotencyKey string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, t.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.cfg.UpstreamAPIKey)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return httpReq, nil
}

// retryable classifies an error from one attempt as retryable, per
// spec.md §4.4: retryable statuses plus reset/refused/timeout transport
// errors; DNS failures and non-429 4xx are never retried.
func (t *Transport) retryable(err error) bool {
	var statusErr *UpstreamStatusError
	if errors.As(err, &statusErr) {
		for _, s := range t.cfg.RetryableStatuses {
			if statusErr.Status == s {
				return true
			}
		}
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true // covers ECONNRESET / ECONNREFUSED surfaced as *net.OpError
	}

	return false
}

// delayFor returns the jittered-exponential backoff, honoring a prior
// response's Retry-After header when present, per spec.md §4.4.
func (t *Transport) delayFor() retry.DelayTypeFunc {
	return func(n uint, err error, config *retry.Config) time.Duration {
		var statusErr *UpstreamStatusError
		if errors.As(err, &statusErr) {
			if ra := statusErr.Headers.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil {
					d := time.Duration(secs) * time.Second
					if d > t.cfg.MaxDelay {
						return t.cfg.MaxDelay
					}
					return d
				}
			}
		}
		base := t.cfg.BaseDelay * time.Duration(1<<n)
		jitter := time.Duration(randFloat() * float64(time.Second))
		d := base + jitter
		if d > t.cfg.MaxDelay {
			return t.cfg.MaxDelay
		}
		return d
	}
}

// idempotencyKeyFor returns req's caller-supplied key, or generates one of
// the form req_<ms>_<random> for mutating methods that lack one. The same
// key must be reused across retries of one logical call, which is why this
// is computed once per bufferedCall/Streaming invocation, not per attempt.
func idempotencyKeyFor(req Request) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), randomHex(8))
	default:
		return ""
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is a non-recoverable platform fault; the
		// idempotency key is advisory, so fall back to a fixed marker
		// rather than blocking the request.
		return "fallback"
	}
	return hex.EncodeToString(b)
}

// randFloat returns a uniform [0,1) value for jitter, sourced from
// crypto/rand to avoid a global math/rand seeding dependency.
func randFloat() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	var v uint64
	for _, byt := range b {
		v = v<<8 | uint64(byt)
	}
	return float64(v>>11) / float64(1<<53)
}
