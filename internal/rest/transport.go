package rest

import (
	"context"
	"encoding/json"
	"time"
)

// Call is one transmission handed to a Transport.
type Call struct {
	Method     string
	Path       string
	Body       []byte
	MajorParam string
}

// RateLimit is the throttling state reported alongside a response.
type RateLimit struct {
	// HasBucket is true when the response carried bucket headers.
	HasBucket bool
	Remaining int
	Limit     int
	Reset     time.Time
	// RetryAfter is set on 429 responses.
	RetryAfter time.Duration
	// Global is true when the 429 applies to every route.
	Global bool
}

// Response is one transport reply.
type Response struct {
	Status    int
	RateLimit RateLimit
	Body      []byte
}

// Transport performs a single HTTP exchange. It must not retry on its own.
type Transport interface {
	Do(ctx context.Context, call Call) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, call Call) (*Response, error)

// Do calls f.
func (f TransportFunc) Do(ctx context.Context, call Call) (*Response, error) {
	return f(ctx, call)
}

type errorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func parseErrorPayload(body []byte) errorPayload {
	var payload errorPayload
	if len(body) == 0 {
		return payload
	}
	_ = json.Unmarshal(body, &payload)

	return payload
}
