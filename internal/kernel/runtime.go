package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"ex-hibiki/pkg/hibiki"
)

// moduleRecord stores module metadata and subscriptions managed by the session.
type moduleRecord struct {
	name          string
	module        hibiki.Module
	subscriptions []hibiki.Subscription
	subMu         sync.Mutex
}

// addSubscription tracks subscriptions so module shutdown can close them deterministically.
func (m *moduleRecord) addSubscription(subscription hibiki.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes all tracked subscriptions and aggregates close errors.
// It clears the internal slice first to make repeated shutdown paths idempotent.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := append([]hibiki.Subscription(nil), m.subscriptions...)
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the session-owned implementation of hibiki.ModuleRuntime.
type moduleRuntime struct {
	moduleName string
	services   hibiki.ServiceRegistry
	bus        hibiki.EventBus
	record     *moduleRecord
	subCount   atomic.Int64
}

// Services returns the session service registry visible to the module.
func (r *moduleRuntime) Services() hibiki.ServiceRegistry {
	return r.services
}

// Subscribe registers a module-owned subscription.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest hibiki.InterestSet,
	spec hibiki.SubscriptionSpec,
	handler hibiki.EventHandler,
) (hibiki.Subscription, error) {
	seq := r.subCount.Add(1)
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("%s-subscription-%d", r.moduleName, seq)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}

	r.record.addSubscription(subscription)

	return subscription, nil
}
