package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/clock"

	"ex-hibiki/internal/rest"
)

const (
	defaultRequestTimeout  = 15 * time.Second
	defaultUserAgent       = "hibiki/1.0"
	maxResponseBody        = 8 << 20
	headerRequestID        = "X-Request-Id"
	headerRateLimitBucket  = "X-RateLimit-Bucket"
	headerRateLimitLimit   = "X-RateLimit-Limit"
	headerRateLimitRemain  = "X-RateLimit-Remaining"
	headerRateLimitReset   = "X-RateLimit-Reset"
	headerRateLimitAfter   = "X-RateLimit-Reset-After"
	headerRateLimitGlobal  = "X-RateLimit-Global"
	headerRateLimitRetryAt = "Retry-After"
)

// HTTPTransport performs REST calls over net/http and reports the platform's
// rate-limit headers. It never retries; the pipeline owns retries.
type HTTPTransport struct {
	baseURL       string
	authorization string
	userAgent     string
	client        *http.Client
	clock         clock.Clock
}

// TransportOption mutates HTTP transport construction.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) TransportOption {
	return func(t *HTTPTransport) {
		if userAgent != "" {
			t.userAgent = userAgent
		}
	}
}

// WithTransportClock replaces the time source used to resolve relative resets.
func WithTransportClock(source clock.Clock) TransportOption {
	return func(t *HTTPTransport) {
		if source != nil {
			t.clock = source
		}
	}
}

// NewHTTPTransport creates a transport sending to baseURL with the given
// Authorization header value.
func NewHTTPTransport(baseURL string, authorization string, options ...TransportOption) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("new http transport: empty base url")
	}

	transport := &HTTPTransport{
		baseURL:       baseURL,
		authorization: authorization,
		userAgent:     defaultUserAgent,
		client:        newHTTPClient(defaultRequestTimeout),
		clock:         clock.System,
	}
	for _, option := range options {
		option(transport)
	}

	return transport, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Do sends call and returns the status, rate-limit state and body.
func (t *HTTPTransport) Do(ctx context.Context, call rest.Call) (*rest.Response, error) {
	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, t.baseURL+call.Path, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", call.Method, call.Path, err)
	}
	if t.authorization != "" {
		req.Header.Set("Authorization", t.authorization)
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set(headerRequestID, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", call.Method, call.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", call.Method, call.Path, err)
	}

	limit := t.rateLimit(resp.Header)
	if resp.StatusCode == http.StatusTooManyRequests {
		applyRateLimitBody(&limit, data)
	}

	return &rest.Response{
		Status:    resp.StatusCode,
		RateLimit: limit,
		Body:      data,
	}, nil
}

func (t *HTTPTransport) rateLimit(header http.Header) rest.RateLimit {
	limit := rest.RateLimit{
		Global: strings.EqualFold(header.Get(headerRateLimitGlobal), "true"),
	}

	if header.Get(headerRateLimitBucket) != "" || header.Get(headerRateLimitLimit) != "" {
		limit.HasBucket = true
		limit.Limit, _ = strconv.Atoi(header.Get(headerRateLimitLimit))
		limit.Remaining, _ = strconv.Atoi(header.Get(headerRateLimitRemain))
		if after, ok := parseSeconds(header.Get(headerRateLimitAfter)); ok {
			limit.Reset = t.clock.Now().Add(after)
		} else if epoch, ok := parseSeconds(header.Get(headerRateLimitReset)); ok {
			limit.Reset = time.Unix(0, 0).Add(epoch)
		}
	}
	if retryAfter, ok := parseSeconds(header.Get(headerRateLimitRetryAt)); ok {
		limit.RetryAfter = retryAfter
	}

	return limit
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// applyRateLimitBody fills 429 details that only the body carries.
func applyRateLimitBody(limit *rest.RateLimit, body []byte) {
	var payload rateLimitBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}
	if limit.RetryAfter <= 0 && payload.RetryAfter > 0 {
		limit.RetryAfter = time.Duration(payload.RetryAfter * float64(time.Second))
	}
	if payload.Global {
		limit.Global = true
	}
}

// parseSeconds parses a possibly fractional seconds value.
func parseSeconds(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}

	return time.Duration(seconds * float64(time.Second)), true
}

// OfflineTransport rejects every call. Replay sessions without a REST
// endpoint use it so outbound requests fail fast instead of retrying.
type OfflineTransport struct{}

// Do returns a permanent rejection.
func (OfflineTransport) Do(_ context.Context, call rest.Call) (*rest.Response, error) {
	body, _ := json.Marshal(map[string]any{
		"code":    0,
		"message": "offline session cannot send " + call.Method + " " + call.Path,
	})

	return &rest.Response{Status: http.StatusForbidden, Body: body}, nil
}
