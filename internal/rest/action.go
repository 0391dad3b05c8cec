package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"ex-hibiki/pkg/hibiki"
)

// FutureState is the lifecycle position of one queued request.
type FutureState int32

const (
	// FutureQueued means the request waits in its bucket.
	FutureQueued FutureState = iota
	// FutureInFlight means the request was claimed by a bucket worker.
	FutureInFlight
	// FutureSucceeded means onSuccess fired.
	FutureSucceeded
	// FutureFailed means onFailure fired.
	FutureFailed
	// FutureCancelled means the request was withdrawn and no callback fired.
	FutureCancelled
)

// String returns the lowercase state name.
func (s FutureState) String() string {
	switch s {
	case FutureQueued:
		return "queued"
	case FutureInFlight:
		return "in_flight"
	case FutureSucceeded:
		return "succeeded"
	case FutureFailed:
		return "failed"
	case FutureCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ParseFunc turns a successful response into a typed value.
type ParseFunc[T any] func(resp *Response) (T, error)

// DecodeJSON parses the response body as JSON into T.
func DecodeJSON[T any](resp *Response) (T, error) {
	var value T
	if err := json.Unmarshal(resp.Body, &value); err != nil {
		return value, fmt.Errorf("decode response: %w", err)
	}

	return value, nil
}

// DiscardBody ignores the response body.
func DiscardBody(*Response) (struct{}, error) {
	return struct{}{}, nil
}

// Action is a not-yet-executed request. Building one performs no I/O.
type Action[T any] struct {
	pipeline *Pipeline
	route    CompiledRoute
	body     []byte
	parse    ParseFunc[T]
	hook     func(T) (T, error)

	preset      bool
	presetValue T
	presetErr   error
}

// NewAction builds an action for route. A non-nil body is encoded as JSON.
func NewAction[T any](pipeline *Pipeline, route CompiledRoute, body any, parse ParseFunc[T]) *Action[T] {
	if parse == nil {
		parse = func(*Response) (T, error) {
			var zero T
			return zero, nil
		}
	}

	action := &Action[T]{pipeline: pipeline, route: route, parse: parse}
	if body == nil {
		return action
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		action.preset = true
		action.presetErr = fmt.Errorf("encode %s body: %w", route, err)
		return action
	}
	action.body = encoded

	return action
}

// Completed builds an action whose result is already known locally.
func Completed[T any](pipeline *Pipeline, value T) *Action[T] {
	return &Action[T]{pipeline: pipeline, preset: true, presetValue: value}
}

// Failed builds an action that fails without transmitting anything.
func Failed[T any](pipeline *Pipeline, err error) *Action[T] {
	return &Action[T]{pipeline: pipeline, preset: true, presetErr: err}
}

// Then sets the completion hook run after parsing and before onSuccess. A hook
// error turns the outcome into a failure.
func (a *Action[T]) Then(hook func(T) (T, error)) *Action[T] {
	a.hook = hook
	return a
}

// Route returns the compiled route; zero for local actions.
func (a *Action[T]) Route() CompiledRoute {
	return a.route
}

// Queue submits the action and returns at once. Exactly one of onSuccess and
// onFailure fires, once, on the pipeline callback goroutine, unless the future
// is cancelled first. Either callback may be nil.
//
// Callbacks may run concurrently with the event worker.
func (a *Action[T]) Queue(onSuccess func(T), onFailure func(error)) *Future[T] {
	future := &Future[T]{
		pipeline:  a.pipeline,
		bucketKey: a.route.BucketKey(),
		parse:     a.parse,
		hook:      a.hook,
		onSuccess: onSuccess,
		onFailure: onFailure,
		done:      make(chan struct{}),
	}

	if a.preset {
		future.state.Store(int32(FutureInFlight))
		value, err := a.presetValue, a.presetErr
		a.pipeline.callbacks.push(func() {
			if future.discard.Load() {
				future.abandon()
				return
			}
			if err != nil {
				future.finish(FutureFailed, value, err, true)
				return
			}
			future.finish(FutureSucceeded, value, nil, true)
		})
		return future
	}

	a.pipeline.submit(&request{
		route:   a.route,
		body:    a.body,
		backoff: a.pipeline.newBackOff(),
		future:  future,
	})

	return future
}

// Complete queues the action and blocks the calling goroutine until it
// resolves or ctx ends. It must not be called from a callback of the same
// pipeline.
func (a *Action[T]) Complete(ctx context.Context) (T, error) {
	return a.Queue(nil, nil).Wait(ctx)
}

// pending is the type-erased view of a Future held by bucket queues.
type pending interface {
	claim() bool
	discarded() bool
	resolveResponse(resp *Response)
	resolveError(err error)
	abandon()
}

// Future is the single-fire result of a queued action.
type Future[T any] struct {
	pipeline  *Pipeline
	bucketKey string
	parse     ParseFunc[T]
	hook      func(T) (T, error)
	onSuccess func(T)
	onFailure func(error)

	state   atomic.Int32
	discard atomic.Bool
	once    sync.Once
	done    chan struct{}
	value   T
	err     error
}

// State returns the current lifecycle state.
func (f *Future[T]) State() FutureState {
	return FutureState(f.state.Load())
}

// Done is closed once the future resolves or is cancelled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the resolved value. It is only meaningful after Done.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		var zero T
		return zero, fmt.Errorf("future %s: not resolved", f.State())
	}
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("wait request: %w", ctx.Err())
	}
}

// Cancel withdraws a queued request and reports true. Once a request is in
// flight Cancel returns false and the eventual response is discarded without
// callbacks.
func (f *Future[T]) Cancel() bool {
	if f.state.CompareAndSwap(int32(FutureQueued), int32(FutureCancelled)) {
		f.pipeline.forget(f.bucketKey, f)
		f.abandon()
		return true
	}
	if f.State() == FutureInFlight {
		f.discard.Store(true)
	}

	return false
}

func (f *Future[T]) claim() bool {
	if f.state.CompareAndSwap(int32(FutureQueued), int32(FutureInFlight)) {
		return true
	}

	return f.State() == FutureInFlight
}

func (f *Future[T]) discarded() bool {
	return f.discard.Load() || f.State() == FutureCancelled
}

func (f *Future[T]) resolveResponse(resp *Response) {
	var zero T
	if f.discarded() {
		f.abandon()
		return
	}

	value, err := f.parse(resp)
	if err == nil && f.hook != nil {
		value, err = f.hook(value)
	}
	if err != nil {
		f.finish(FutureFailed, zero, err, true)
		return
	}
	f.finish(FutureSucceeded, value, nil, true)
}

func (f *Future[T]) resolveError(err error) {
	var zero T
	if f.discarded() {
		f.abandon()
		return
	}
	f.finish(FutureFailed, zero, err, true)
}

func (f *Future[T]) abandon() {
	var zero T
	f.finish(FutureCancelled, zero, hibiki.ErrRequestCancelled, false)
}

func (f *Future[T]) finish(state FutureState, value T, err error, notify bool) {
	f.once.Do(func() {
		if notify && !f.settle(state) {
			// Cancel won the race after the caller checked discarded.
			var zero T
			state, value, err, notify = FutureCancelled, zero, hibiki.ErrRequestCancelled, false
		}
		f.value, f.err = value, err
		f.state.Store(int32(state))
		close(f.done)

		if !notify {
			return
		}
		if err != nil {
			if f.onFailure != nil {
				f.onFailure(err)
			}
			return
		}
		if f.onSuccess != nil {
			f.onSuccess(value)
		}
	})
}

// settle moves the future to a terminal state unless it was cancelled or
// discarded. Once settled, Cancel can no longer succeed.
func (f *Future[T]) settle(state FutureState) bool {
	for {
		if f.discard.Load() {
			return false
		}
		current := f.state.Load()
		if current == int32(FutureCancelled) {
			return false
		}
		if f.state.CompareAndSwap(current, int32(state)) {
			return true
		}
	}
}
