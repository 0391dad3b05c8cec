// Package dispatch routes raw gateway records to typed handlers on a single
// worker, deferring records whose guild is locked and replaying them in
// arrival order once the lock is released.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/pkg/hibiki"
)

// ErrBacklogDropped reports deferred records still waiting when Run exits.
var ErrBacklogDropped = errors.New("deferred records dropped")

// Record is one raw inbound gateway record.
type Record struct {
	// Type is the record type tag, for example "GUILD_CREATE".
	Type string
	// Payload is the decoded JSON body.
	Payload map[string]any
	// Sequence is the gateway sequence number, zero when absent.
	Sequence int64
}

// Outcome tells the router what happened to a record.
type Outcome struct {
	// Deferred asks the router to hold the record until Key is unlocked.
	Deferred bool
	// Key is the guild the record waits on.
	Key snowflake.ID
}

// Applied is the outcome of a record that was handled.
var Applied = Outcome{}

// Defer returns an outcome that parks the record behind key.
func Defer(key snowflake.ID) Outcome {
	return Outcome{Deferred: true, Key: key}
}

// Handler applies one record type.
type Handler interface {
	Handle(ctx context.Context, record Record) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, record Record) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, record Record) (Outcome, error) {
	return f(ctx, record)
}

// Locker reports guild locks and signals releases.
type Locker interface {
	IsLocked(id snowflake.ID) bool
	Released() <-chan struct{}
}

// Option mutates router construction.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(router *Router) {
		if logger != nil {
			router.logger = logger
		}
	}
}

// WithErrorHandler sets the sink for non-fatal handler errors.
func WithErrorHandler(handler func(context.Context, string, error)) Option {
	return func(router *Router) {
		if handler != nil {
			router.onError = handler
		}
	}
}

// Stats counts router activity.
type Stats struct {
	Dispatched int64
	Ignored    int64
	Deferred   int64
	Replayed   int64
	Backlogged int
}

// Router is the single inbound event worker of a session.
type Router struct {
	locks   Locker
	logger  *slog.Logger
	onError func(context.Context, string, error)

	mu       sync.RWMutex
	handlers map[string]Handler

	backlogMu sync.Mutex
	backlog   map[snowflake.ID][]Record

	lastSequence atomic.Int64
	dispatched   atomic.Int64
	ignored      atomic.Int64
	deferred     atomic.Int64
	replayed     atomic.Int64
}

// NewRouter creates a router consulting locks for deferral.
func NewRouter(locks Locker, options ...Option) (*Router, error) {
	if locks == nil {
		return nil, fmt.Errorf("new router: nil locker")
	}

	router := &Router{
		locks:    locks,
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
		backlog:  make(map[snowflake.ID][]Record),
	}
	router.onError = func(ctx context.Context, scope string, err error) {
		router.logger.ErrorContext(ctx, "hibiki dispatch error", "scope", scope, "error", err)
	}
	for _, option := range options {
		option(router)
	}

	return router, nil
}

// Register binds handler to recordType, replacing any previous binding.
func (r *Router) Register(recordType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[recordType] = handler
}

// LastSequence returns the highest sequence number seen.
func (r *Router) LastSequence() int64 {
	return r.lastSequence.Load()
}

// Backlog returns how many records wait on key.
func (r *Router) Backlog(key snowflake.ID) int {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()

	return len(r.backlog[key])
}

// Stats returns current counters.
func (r *Router) Stats() Stats {
	r.backlogMu.Lock()
	backlogged := 0
	for _, queue := range r.backlog {
		backlogged += len(queue)
	}
	r.backlogMu.Unlock()

	return Stats{
		Dispatched: r.dispatched.Load(),
		Ignored:    r.ignored.Load(),
		Deferred:   r.deferred.Load(),
		Replayed:   r.replayed.Load(),
		Backlogged: backlogged,
	}
}

// Run processes records one at a time until ctx ends, records closes, or a
// handler reports an invariant violation. Backlogs are replayed after every
// record and whenever the locker signals a release. Records still deferred
// when Run returns are reported through the error handler.
func (r *Router) Run(ctx context.Context, records <-chan Record) error {
	defer r.reportBacklog(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case record, ok := <-records:
			if !ok {
				return nil
			}
			if err := r.Dispatch(ctx, record); err != nil {
				if IsFatal(err) {
					return err
				}
				r.onError(ctx, record.Type, err)
			}
		case <-r.locks.Released():
			if err := r.Replay(ctx); err != nil {
				return err
			}
		}
	}
}

// Dispatch applies one record and then replays unlocked backlogs. It must
// only be called from the worker goroutine.
func (r *Router) Dispatch(ctx context.Context, record Record) error {
	r.trackSequence(record)

	if err := r.Replay(ctx); err != nil {
		return err
	}

	handler, ok := r.handler(record.Type)
	if !ok {
		r.ignored.Add(1)
		r.logger.DebugContext(ctx, "hibiki record ignored", "type", record.Type)
		return nil
	}

	outcome, err := r.handle(ctx, handler, record)
	if outcome.Deferred {
		r.park(ctx, outcome.Key, record)
		return err
	}
	r.dispatched.Add(1)
	if err != nil {
		return err
	}

	return r.Replay(ctx)
}

// Replay re-dispatches backlogged records for every unlocked key in arrival
// order. A record that defers again stops its key. Non-fatal errors are
// reported; the first fatal error is returned.
func (r *Router) Replay(ctx context.Context) error {
	for _, key := range r.backlogKeys() {
		if r.locks.IsLocked(key) {
			continue
		}
		if err := r.replayKey(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

func (r *Router) replayKey(ctx context.Context, key snowflake.ID) error {
	for {
		record, ok := r.peek(key)
		if !ok {
			return nil
		}

		handler, found := r.handler(record.Type)
		if !found {
			r.pop(key)
			continue
		}

		outcome, err := r.handle(ctx, handler, record)
		if outcome.Deferred {
			return nil
		}
		r.pop(key)
		r.replayed.Add(1)
		r.dispatched.Add(1)

		if err != nil {
			if IsFatal(err) {
				return err
			}
			r.onError(ctx, record.Type, err)
		}
	}
}

func (r *Router) handle(ctx context.Context, handler Handler, record Record) (outcome Outcome, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		outcome = Applied
		if cause, ok := recovered.(error); ok {
			err = fmt.Errorf("handle %s: panic recovered: %w", record.Type, cause)
		} else {
			err = fmt.Errorf("handle %s: panic recovered: %v", record.Type, recovered)
		}
		r.logger.ErrorContext(ctx, "hibiki handler panic",
			"type", record.Type,
			"panic", fmt.Sprint(recovered),
			"stack", string(debug.Stack()),
		)
	}()

	outcome, err = handler.Handle(ctx, record)
	if err != nil {
		return outcome, fmt.Errorf("handle %s: %w", record.Type, err)
	}

	return outcome, nil
}

func (r *Router) handler(recordType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[recordType]

	return handler, ok
}

func (r *Router) park(ctx context.Context, key snowflake.ID, record Record) {
	r.backlogMu.Lock()
	r.backlog[key] = append(r.backlog[key], record)
	depth := len(r.backlog[key])
	r.backlogMu.Unlock()

	r.deferred.Add(1)
	r.logger.DebugContext(ctx, "hibiki record deferred",
		"type", record.Type,
		"guild_id", key.String(),
		"backlog", depth,
	)
}

func (r *Router) reportBacklog(ctx context.Context) {
	for _, key := range r.backlogKeys() {
		depth := r.Backlog(key)
		if depth == 0 {
			continue
		}
		r.onError(ctx, "backlog", fmt.Errorf("guild %s: %d %w", key, depth, ErrBacklogDropped))
	}
}

func (r *Router) backlogKeys() []snowflake.ID {
	r.backlogMu.Lock()
	keys := make([]snowflake.ID, 0, len(r.backlog))
	for key := range r.backlog {
		keys = append(keys, key)
	}
	r.backlogMu.Unlock()
	slices.Sort(keys)

	return keys
}

func (r *Router) peek(key snowflake.ID) (Record, bool) {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()

	queue := r.backlog[key]
	if len(queue) == 0 {
		delete(r.backlog, key)
		return Record{}, false
	}

	return queue[0], true
}

func (r *Router) pop(key snowflake.ID) {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()

	queue := r.backlog[key]
	if len(queue) <= 1 {
		delete(r.backlog, key)
		return
	}
	r.backlog[key] = queue[1:]
}

func (r *Router) trackSequence(record Record) {
	if record.Sequence <= 0 {
		return
	}
	for {
		last := r.lastSequence.Load()
		if record.Sequence <= last {
			r.logger.Debug("hibiki record sequence not newer", "type", record.Type, "sequence", record.Sequence, "last", last)
			return
		}
		if r.lastSequence.CompareAndSwap(last, record.Sequence) {
			return
		}
	}
}

// IsFatal reports whether err must stop the session.
func IsFatal(err error) bool {
	return errors.Is(err, hibiki.ErrInvariantViolation)
}
