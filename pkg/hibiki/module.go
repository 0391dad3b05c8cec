package hibiki

import "context"

// ModuleRuntime provides session facilities to modules during registration.
type ModuleRuntime interface {
	// Services exposes the service registry for dependency lookup.
	Services() ServiceRegistry
	// Subscribe registers an asynchronous event handler owned by the module.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
}

// Module is a lifecycle-aware consumer of domestic events.
//
// Handlers can run concurrently with the event worker and with REST
// completions, so modules must be safe for concurrent use.
type Module interface {
	// Name returns a stable module identifier.
	Name() string
	// OnRegister is called once when the module is registered.
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
	// OnStart is called when the session begins consuming records.
	OnStart(ctx context.Context) error
	// OnShutdown is called during orderly shutdown.
	OnShutdown(ctx context.Context) error
}
