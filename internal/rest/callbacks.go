package rest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// callbackQueue runs completion callbacks one at a time in submission order on
// a single goroutine. It never blocks the submitter.
type callbackQueue struct {
	logger *slog.Logger

	mu      sync.Mutex
	items   []func()
	closed  bool
	notify  chan struct{}
	stopped chan struct{}
}

func newCallbackQueue(logger *slog.Logger) *callbackQueue {
	queue := &callbackQueue{
		logger:  logger,
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go queue.run()

	return queue
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.invoke(fn)
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) run() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.notify
			continue
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.invoke(fn)
	}
}

// close stops accepting deferred callbacks, drains the queue and waits for
// the goroutine to exit.
func (q *callbackQueue) close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close callback queue: %w", ctx.Err())
	}
}

func (q *callbackQueue) invoke(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("rest callback panic",
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
		}
	}()

	fn()
}
