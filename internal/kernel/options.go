package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/gotd/td/clock"

	"ex-hibiki/internal/rest"
	"ex-hibiki/pkg/hibiki"
)

const (
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 3 * time.Second
	defaultRecordBuffer       = 128
)

// config stores resolved session settings after option application.
type config struct {
	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	subscriptionWorker int
	handlerTimeout     time.Duration
	recordBuffer       int
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)

	accountType hibiki.AccountType
	transport   rest.Transport
	clock       clock.Clock
	restOptions []rest.Option
}

// Option mutates session construction configuration.
type Option func(*config)

// defaultConfig returns production-safe defaults for session runtime controls.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		moduleHookTimeout:  defaultModuleHookTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionWorker: defaultSubscriptionWorker,
		handlerTimeout:     defaultHandlerTimeout,
		recordBuffer:       defaultRecordBuffer,
		logger:             logger,
		onAsyncError:       asyncErrorLogger(logger),
		accountType:        hibiki.AccountTypeBot,
		clock:              clock.System,
	}
}

func asyncErrorLogger(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "hibiki async error", "scope", scope, "error", err)
	}
}

// WithModuleHookTimeout configures OnRegister/OnStart/OnShutdown timeout boundaries.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout configures overall session shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithDefaultSubscriptionBuffer configures default subscriber queue depth.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers configures default subscriber worker count.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorker = workers
		}
	}
}

// WithDefaultHandlerTimeout configures default per-event handler timeout.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithRecordBuffer sizes the channel between the inbound source and the router.
func WithRecordBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.recordBuffer = size
		}
	}
}

// WithLogger configures logger used by the session and default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = asyncErrorLogger(logger)
	}
}

// WithAsyncErrorHandler configures asynchronous worker error reporting.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithAccountType selects bot or client semantics for the session cache.
func WithAccountType(accountType hibiki.AccountType) Option {
	return func(cfg *config) {
		if accountType != "" {
			cfg.accountType = accountType
		}
	}
}

// WithTransport sets the transport the request pipeline sends through.
func WithTransport(transport rest.Transport) Option {
	return func(cfg *config) {
		if transport != nil {
			cfg.transport = transport
		}
	}
}

// WithClock replaces the time source shared by the pipeline and event stamps.
func WithClock(source clock.Clock) Option {
	return func(cfg *config) {
		if source != nil {
			cfg.clock = source
		}
	}
}

// WithMaxInFlight bounds concurrent REST transmissions.
func WithMaxInFlight(limit int) Option {
	return func(cfg *config) {
		cfg.restOptions = append(cfg.restOptions, rest.WithMaxInFlight(limit))
	}
}

// WithMaxAttempts bounds transmissions of one request on transport or server failures.
func WithMaxAttempts(attempts int) Option {
	return func(cfg *config) {
		cfg.restOptions = append(cfg.restOptions, rest.WithMaxAttempts(attempts))
	}
}

// WithRetryBackoff configures the REST retry delay range.
func WithRetryBackoff(initial, maximum time.Duration) Option {
	return func(cfg *config) {
		cfg.restOptions = append(cfg.restOptions, rest.WithBackoff(initial, maximum))
	}
}
