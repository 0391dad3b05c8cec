package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ex-hibiki/internal/rest"
)

func TestHTTPTransportReportsRateLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		headers     map[string]string
		body        string
		wantBucket  bool
		wantLimit   int
		wantRemain  int
		wantReset   time.Duration
		wantRetry   time.Duration
		wantGlobal  bool
		wantResetAt time.Time
	}{
		{
			name:   "bucket headers with relative reset",
			status: http.StatusOK,
			headers: map[string]string{
				"X-RateLimit-Bucket":      "abcd",
				"X-RateLimit-Limit":       "5",
				"X-RateLimit-Remaining":   "4",
				"X-RateLimit-Reset-After": "2.5",
			},
			body:       `{"id": "1"}`,
			wantBucket: true,
			wantLimit:  5,
			wantRemain: 4,
			wantReset:  2500 * time.Millisecond,
		},
		{
			name:   "absolute reset",
			status: http.StatusOK,
			headers: map[string]string{
				"X-RateLimit-Limit":     "10",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     "1700000000",
			},
			wantBucket:  true,
			wantLimit:   10,
			wantResetAt: time.Unix(1700000000, 0),
		},
		{
			name:       "global 429 from body",
			status:     http.StatusTooManyRequests,
			body:       `{"message": "You are being rate limited.", "retry_after": 0.75, "global": true}`,
			wantRetry:  750 * time.Millisecond,
			wantGlobal: true,
		},
		{
			name:   "retry after header wins",
			status: http.StatusTooManyRequests,
			headers: map[string]string{
				"Retry-After":        "3",
				"X-RateLimit-Global": "true",
			},
			body:       `{"retry_after": 9}`,
			wantRetry:  3 * time.Second,
			wantGlobal: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for key, value := range testCase.headers {
					w.Header().Set(key, value)
				}
				w.WriteHeader(testCase.status)
				_, _ = io.WriteString(w, testCase.body)
			}))
			t.Cleanup(server.Close)

			transport, err := NewHTTPTransport(server.URL, "Bot token")
			if err != nil {
				t.Fatalf("NewHTTPTransport failed: %v", err)
			}

			before := time.Now()
			resp, err := transport.Do(context.Background(), rest.Call{Method: http.MethodGet, Path: "/users/1"})
			if err != nil {
				t.Fatalf("Do failed: %v", err)
			}
			if resp.Status != testCase.status {
				t.Fatalf("Status = %d, want %d", resp.Status, testCase.status)
			}
			if string(resp.Body) != testCase.body {
				t.Fatalf("Body = %q, want %q", resp.Body, testCase.body)
			}

			limit := resp.RateLimit
			if limit.HasBucket != testCase.wantBucket {
				t.Fatalf("HasBucket = %v, want %v", limit.HasBucket, testCase.wantBucket)
			}
			if limit.Limit != testCase.wantLimit || limit.Remaining != testCase.wantRemain {
				t.Fatalf("Limit/Remaining = %d/%d, want %d/%d", limit.Limit, limit.Remaining, testCase.wantLimit, testCase.wantRemain)
			}
			if testCase.wantReset > 0 {
				earliest := before.Add(testCase.wantReset)
				if limit.Reset.Before(earliest) || limit.Reset.After(time.Now().Add(testCase.wantReset)) {
					t.Fatalf("Reset = %v, want about %v from now", limit.Reset, testCase.wantReset)
				}
			}
			if !testCase.wantResetAt.IsZero() && !limit.Reset.Equal(testCase.wantResetAt) {
				t.Fatalf("Reset = %v, want %v", limit.Reset, testCase.wantResetAt)
			}
			if limit.RetryAfter != testCase.wantRetry {
				t.Fatalf("RetryAfter = %v, want %v", limit.RetryAfter, testCase.wantRetry)
			}
			if limit.Global != testCase.wantGlobal {
				t.Fatalf("Global = %v, want %v", limit.Global, testCase.wantGlobal)
			}
		})
	}
}

func TestHTTPTransportSendsRequest(t *testing.T) {
	t.Parallel()

	type seenRequest struct {
		method, path, auth, contentType, requestID, body string
	}
	seen := make(chan seenRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			method:      r.Method,
			path:        r.URL.Path,
			auth:        r.Header.Get("Authorization"),
			contentType: r.Header.Get("Content-Type"),
			requestID:   r.Header.Get("X-Request-Id"),
			body:        string(body),
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	transport, err := NewHTTPTransport(server.URL+"/api/v9/", "Bot secret")
	if err != nil {
		t.Fatalf("NewHTTPTransport failed: %v", err)
	}
	resp, err := transport.Do(context.Background(), rest.Call{
		Method: http.MethodPost,
		Path:   "/channels/5/messages",
		Body:   []byte(`{"content":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Status != http.StatusNoContent {
		t.Fatalf("Status = %d, want 204", resp.Status)
	}

	got := <-seen
	if got.method != http.MethodPost || got.path != "/api/v9/channels/5/messages" {
		t.Fatalf("request = %s %s, want POST /api/v9/channels/5/messages", got.method, got.path)
	}
	if got.auth != "Bot secret" {
		t.Fatalf("Authorization = %q, want %q", got.auth, "Bot secret")
	}
	if got.contentType != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", got.contentType)
	}
	if got.requestID == "" {
		t.Fatal("missing request id header")
	}
	if got.body != `{"content":"hi"}` {
		t.Fatalf("body = %q", got.body)
	}
}

func TestHTTPTransportReturnsTransportErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	transport, err := NewHTTPTransport(url, "")
	if err != nil {
		t.Fatalf("NewHTTPTransport failed: %v", err)
	}
	if _, err := transport.Do(context.Background(), rest.Call{Method: http.MethodGet, Path: "/users/1"}); err == nil {
		t.Fatal("expected transport error against closed server")
	}
}

func TestOfflineTransportRejects(t *testing.T) {
	t.Parallel()

	resp, err := OfflineTransport{}.Do(context.Background(), rest.Call{Method: http.MethodDelete, Path: "/channels/1"})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Status != http.StatusForbidden {
		t.Fatalf("Status = %d, want 403", resp.Status)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	t.Parallel()

	user := false
	bot := true
	tests := []struct {
		name  string
		token string
		bot   *bool
		want  string
	}{
		{name: "default is bot", token: "abc", want: "Bot abc"},
		{name: "explicit bot", token: "abc", bot: &bot, want: "Bot abc"},
		{name: "user token", token: "abc", bot: &user, want: "abc"},
		{name: "no token", want: ""},
	}

	for _, testCase := range tests {
		if got := authorizationHeader(testCase.token, testCase.bot); got != testCase.want {
			t.Fatalf("%s: authorizationHeader = %q, want %q", testCase.name, got, testCase.want)
		}
	}
}
