// Package rest implements the rate-limited outbound request pipeline.
//
// Requests are grouped into buckets by route template and major parameter.
// Each bucket transmits one request at a time in FIFO order and honors the
// remaining/reset state reported by the platform, while a weighted semaphore
// caps concurrent transmissions across all buckets.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/clock"
	"golang.org/x/sync/semaphore"

	"ex-hibiki/pkg/hibiki"
)

const (
	defaultMaxInFlight    = 8
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultRetryAfter     = time.Second
)

// Option mutates pipeline construction.
type Option func(*pipelineConfig)

type pipelineConfig struct {
	logger         *slog.Logger
	clock          clock.Clock
	maxInFlight    int64
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *pipelineConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock replaces the time source used for bucket resets and delays.
func WithClock(source clock.Clock) Option {
	return func(cfg *pipelineConfig) {
		if source != nil {
			cfg.clock = source
		}
	}
}

// WithMaxInFlight bounds concurrent transmissions across all buckets.
func WithMaxInFlight(limit int) Option {
	return func(cfg *pipelineConfig) {
		if limit > 0 {
			cfg.maxInFlight = int64(limit)
		}
	}
}

// WithMaxAttempts bounds total transmissions of one request on transport or
// server failures.
func WithMaxAttempts(attempts int) Option {
	return func(cfg *pipelineConfig) {
		if attempts > 0 {
			cfg.maxAttempts = attempts
		}
	}
}

// WithBackoff configures the exponential retry delay range.
func WithBackoff(initial, maximum time.Duration) Option {
	return func(cfg *pipelineConfig) {
		if initial > 0 {
			cfg.initialBackoff = initial
		}
		if maximum > 0 {
			cfg.maxBackoff = maximum
		}
	}
}

// Pipeline queues and transmits requests for one session.
type Pipeline struct {
	cfg       pipelineConfig
	transport Transport
	sem       *semaphore.Weighted
	callbacks *callbackQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	buckets     map[string]*bucket
	globalUntil time.Time
	closed      bool
}

type bucket struct {
	key       string
	queue     []*request
	running   bool
	known     bool
	remaining int
	limit     int
	reset     time.Time
	notBefore time.Time
}

type request struct {
	route    CompiledRoute
	body     []byte
	attempts int
	backoff  backoff.BackOff
	future   pending
}

// BucketState is a point-in-time view of one bucket.
type BucketState struct {
	Key       string
	Queued    int
	Remaining int
	Limit     int
	Reset     time.Time
}

// NewPipeline creates a pipeline sending through transport.
func NewPipeline(transport Transport, options ...Option) (*Pipeline, error) {
	if transport == nil {
		return nil, fmt.Errorf("new pipeline: nil transport")
	}

	cfg := pipelineConfig{
		logger:         slog.Default(),
		clock:          clock.System,
		maxInFlight:    defaultMaxInFlight,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, option := range options {
		option(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		cfg:       cfg,
		transport: transport,
		sem:       semaphore.NewWeighted(cfg.maxInFlight),
		callbacks: newCallbackQueue(cfg.logger),
		ctx:       ctx,
		cancel:    cancel,
		buckets:   make(map[string]*bucket),
	}, nil
}

func (p *Pipeline) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = p.cfg.initialBackoff
	exponential.MaxInterval = p.cfg.maxBackoff
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	return backoff.WithMaxRetries(exponential, uint64(p.cfg.maxAttempts-1))
}

func (p *Pipeline) submit(req *request) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.callbacks.push(func() { req.future.resolveError(hibiki.ErrPipelineClosed) })
		return
	}

	key := req.route.BucketKey()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{key: key}
		p.buckets[key] = b
	}
	b.queue = append(b.queue, req)
	if !b.running {
		b.running = true
		p.wg.Add(1)
		go p.runBucket(b)
	}
	p.mu.Unlock()
}

// forget drops a cancelled future from its bucket queue.
func (p *Pipeline) forget(key string, future pending) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[key]
	if !ok {
		return
	}
	b.queue = slices.DeleteFunc(b.queue, func(req *request) bool {
		return req.future == future
	})
}

func (p *Pipeline) runBucket(b *bucket) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed || len(b.queue) == 0 {
			b.running = false
			p.mu.Unlock()
			return
		}

		if wait := p.waitLocked(b, p.cfg.clock.Now()); wait > 0 {
			p.mu.Unlock()
			if !p.sleep(wait) {
				p.mu.Lock()
				b.running = false
				p.mu.Unlock()
				return
			}
			continue
		}

		req := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		if !req.future.claim() {
			p.mu.Unlock()
			continue
		}
		if b.known && b.remaining > 0 {
			b.remaining--
		}
		p.mu.Unlock()

		if req.future.discarded() {
			p.callbacks.push(req.future.abandon)
			continue
		}
		p.execute(b, req)
	}
}

// waitLocked returns how long b must stay idle before its next transmission.
func (p *Pipeline) waitLocked(b *bucket, now time.Time) time.Duration {
	if b.known && b.remaining <= 0 && !now.Before(b.reset) {
		b.remaining = max(b.limit, 1)
	}

	var until time.Time
	if now.Before(p.globalUntil) {
		until = p.globalUntil
	}
	if now.Before(b.notBefore) && b.notBefore.After(until) {
		until = b.notBefore
	}
	if b.known && b.remaining <= 0 && b.reset.After(until) {
		until = b.reset
	}
	if until.IsZero() {
		return 0
	}

	return until.Sub(now)
}

func (p *Pipeline) sleep(d time.Duration) bool {
	timer := p.cfg.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Pipeline) execute(b *bucket, req *request) {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.callbacks.push(func() { req.future.resolveError(hibiki.ErrPipelineClosed) })
		return
	}
	req.attempts++
	p.cfg.logger.Debug("rest request dispatched",
		"route", req.route.String(),
		"bucket", b.key,
		"attempt", req.attempts,
	)
	resp, err := p.transport.Do(p.ctx, Call{
		Method:     req.route.Route.Method,
		Path:       req.route.Path,
		Body:       req.body,
		MajorParam: req.route.MajorParam,
	})
	p.sem.Release(1)

	now := p.cfg.clock.Now()
	if err != nil {
		if p.ctx.Err() != nil {
			p.callbacks.push(func() { req.future.resolveError(hibiki.ErrPipelineClosed) })
			return
		}
		p.retryOrFail(b, req, 0, err, now)
		return
	}
	if resp == nil {
		p.retryOrFail(b, req, 0, errors.New("transport returned no response"), now)
		return
	}

	p.mu.Lock()
	p.applyRateLimitLocked(b, resp.RateLimit, now)
	p.mu.Unlock()

	if resp.Status == http.StatusTooManyRequests {
		p.requeueRateLimited(b, req, resp.RateLimit, now)
		return
	}

	switch kind := hibiki.ClassifyStatus(resp.Status); kind {
	case hibiki.RequestErrorKindTemporary:
		p.retryOrFail(b, req, resp.Status, nil, now)
	case hibiki.RequestErrorKindPermanent:
		payload := parseErrorPayload(resp.Body)
		failure := &hibiki.RequestError{
			Method:   req.route.Route.Method,
			Route:    req.route.Route.Template,
			Kind:     kind,
			Status:   resp.Status,
			Code:     payload.Code,
			Message:  payload.Message,
			Attempts: req.attempts,
		}
		p.cfg.logger.Debug("rest request rejected",
			"route", req.route.String(),
			"status", resp.Status,
			"code", payload.Code,
		)
		p.callbacks.push(func() { req.future.resolveError(failure) })
	default:
		p.callbacks.push(func() { req.future.resolveResponse(resp) })
	}
}

func (p *Pipeline) applyRateLimitLocked(b *bucket, limit RateLimit, now time.Time) {
	if limit.HasBucket {
		b.known = true
		b.remaining = limit.Remaining
		b.limit = limit.Limit
		b.reset = limit.Reset
	}
	if limit.Global {
		retryAfter := limit.RetryAfter
		if retryAfter <= 0 {
			retryAfter = defaultRetryAfter
		}
		p.globalUntil = now.Add(retryAfter)
	}
}

// requeueRateLimited puts req back at the head of its bucket. The caller
// never observes the 429.
func (p *Pipeline) requeueRateLimited(b *bucket, req *request, limit RateLimit, now time.Time) {
	retryAfter := limit.RetryAfter
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}
	p.cfg.logger.Warn("rest request rate limited",
		"route", req.route.String(),
		"bucket", b.key,
		"retry_after", retryAfter,
		"global", limit.Global,
	)

	p.mu.Lock()
	if !limit.Global {
		b.notBefore = now.Add(retryAfter)
	}
	p.requeueFrontLocked(b, req)
	p.mu.Unlock()
}

func (p *Pipeline) retryOrFail(b *bucket, req *request, status int, cause error, now time.Time) {
	delay := req.backoff.NextBackOff()
	if delay == backoff.Stop {
		failure := &hibiki.RequestError{
			Method:   req.route.Route.Method,
			Route:    req.route.Route.Template,
			Kind:     hibiki.RequestErrorKindTemporary,
			Status:   status,
			Attempts: req.attempts,
			Cause:    cause,
		}
		p.cfg.logger.Warn("rest request failed",
			"route", req.route.String(),
			"status", status,
			"attempts", req.attempts,
			"error", cause,
		)
		p.callbacks.push(func() { req.future.resolveError(failure) })
		return
	}

	p.cfg.logger.Debug("rest request retry scheduled",
		"route", req.route.String(),
		"status", status,
		"attempt", req.attempts,
		"delay", delay,
		"error", cause,
	)

	p.mu.Lock()
	b.notBefore = now.Add(delay)
	p.requeueFrontLocked(b, req)
	p.mu.Unlock()
}

func (p *Pipeline) requeueFrontLocked(b *bucket, req *request) {
	if p.closed {
		p.callbacks.push(func() { req.future.resolveError(hibiki.ErrPipelineClosed) })
		return
	}
	b.queue = slices.Insert(b.queue, 0, req)
}

// Pending returns how many requests wait in bucket queues.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, b := range p.buckets {
		total += len(b.queue)
	}

	return total
}

// Buckets returns a snapshot of known buckets ordered by key.
func (p *Pipeline) Buckets() []BucketState {
	p.mu.Lock()
	states := make([]BucketState, 0, len(p.buckets))
	for _, b := range p.buckets {
		states = append(states, BucketState{
			Key:       b.key,
			Queued:    len(b.queue),
			Remaining: b.remaining,
			Limit:     b.limit,
			Reset:     b.reset,
		})
	}
	p.mu.Unlock()

	slices.SortFunc(states, func(a, b BucketState) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		default:
			return 0
		}
	})

	return states
}

// Close fails every queued request with ErrPipelineClosed, aborts in-flight
// transmissions and waits for bucket workers and pending callbacks.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var queued []*request
	for _, b := range p.buckets {
		queued = append(queued, b.queue...)
		b.queue = nil
	}
	p.mu.Unlock()

	p.cancel()
	for _, req := range queued {
		req := req
		p.callbacks.push(func() { req.future.resolveError(hibiki.ErrPipelineClosed) })
	}

	workersDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		return fmt.Errorf("close pipeline: %w", ctx.Err())
	}

	if err := p.callbacks.close(ctx); err != nil {
		return fmt.Errorf("close pipeline: %w", err)
	}

	return nil
}
