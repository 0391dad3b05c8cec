package hibiki

import "errors"

var (
	// ErrInvalidEvent indicates that a domestic event does not satisfy its invariants.
	ErrInvalidEvent = errors.New("hibiki: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("hibiki: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("hibiki: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("hibiki: event dropped due to backpressure")
	// ErrInvalidConfig indicates an unusable configuration value.
	ErrInvalidConfig = errors.New("hibiki: invalid config")
	// ErrSocialGraphUnsupported indicates a relationship or group operation on a
	// session type without a social graph.
	ErrSocialGraphUnsupported = errors.New("hibiki: session has no social graph")
	// ErrEntityKindMismatch indicates an entity stored under the wrong cache kind.
	ErrEntityKindMismatch = errors.New("hibiki: entity kind mismatch")
	// ErrUnknownEntity indicates a reference to an entity missing from the cache.
	ErrUnknownEntity = errors.New("hibiki: unknown entity")
	// ErrFakeUser indicates an operation that a tombstoned user cannot perform.
	ErrFakeUser = errors.New("hibiki: user is fake")
	// ErrGuildLocked indicates that a guild is mid-removal or mid-setup.
	ErrGuildLocked = errors.New("hibiki: guild locked")
	// ErrRequestCancelled is returned by blocking waits on a cancelled request.
	ErrRequestCancelled = errors.New("hibiki: request cancelled")
	// ErrPipelineClosed indicates submission to, or shutdown of, a closed pipeline.
	ErrPipelineClosed = errors.New("hibiki: request pipeline closed")
	// ErrInvalidRoute indicates a route compiled with missing or extra parameters.
	ErrInvalidRoute = errors.New("hibiki: invalid route")
	// ErrInvariantViolation marks a cache state transition that must never
	// happen. It is raised as a panic and stops the session.
	ErrInvariantViolation = errors.New("hibiki: cache invariant violation")
)

var (
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("hibiki: service already registered")
	// ErrServiceNotFound indicates missing service lookup.
	ErrServiceNotFound = errors.New("hibiki: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("hibiki: module already registered")
	// ErrSessionClosed indicates a session that already ran to completion.
	ErrSessionClosed = errors.New("hibiki: session closed")
)
