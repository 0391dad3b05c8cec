// Package stats periodically logs a snapshot of session statistics.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"ex-hibiki/pkg/hibiki"
)

// DefaultSchedule reports once a minute.
const DefaultSchedule = "@every 1m"

// Module logs hibiki.SessionStats on a cron schedule.
type Module struct {
	schedule string

	logger   *slog.Logger
	provider hibiki.StatsProvider

	mu        sync.Mutex
	scheduler *cron.Cron
}

// Option mutates module construction.
type Option func(*Module)

// WithSchedule sets the cron expression. Standard five-field expressions and
// descriptors such as "@hourly" or "@every 30s" are accepted.
func WithSchedule(schedule string) Option {
	return func(m *Module) {
		if schedule != "" {
			m.schedule = schedule
		}
	}
}

// New creates a stats reporter.
func New(options ...Option) *Module {
	module := &Module{schedule: DefaultSchedule}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "stats"
}

// OnRegister validates the schedule and resolves the logger and stats services.
func (m *Module) OnRegister(_ context.Context, runtime hibiki.ModuleRuntime) error {
	if _, err := cron.ParseStandard(m.schedule); err != nil {
		return fmt.Errorf("stats schedule %q: %w: %w", m.schedule, hibiki.ErrInvalidConfig, err)
	}

	logger, err := hibiki.ResolveAs[*slog.Logger](runtime.Services(), hibiki.ServiceLogger)
	if err != nil {
		return fmt.Errorf("stats resolve logger: %w", err)
	}
	provider, err := hibiki.ResolveAs[hibiki.StatsProvider](runtime.Services(), hibiki.ServiceSessionStats)
	if err != nil {
		return fmt.Errorf("stats resolve session stats: %w", err)
	}

	m.logger = logger.With("module", m.Name())
	m.provider = provider

	return nil
}

// OnStart starts the scheduler.
func (m *Module) OnStart(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scheduler != nil {
		return nil
	}

	scheduler := cron.New()
	entryID, err := scheduler.AddFunc(m.schedule, m.report)
	if err != nil {
		return fmt.Errorf("stats schedule report: %w", err)
	}
	scheduler.Start()
	m.scheduler = scheduler
	m.logger.Debug("hibiki stats reporter scheduled", "schedule", m.schedule, "entry_id", entryID)

	return nil
}

// OnShutdown stops the scheduler, waits for a running report and logs one
// final snapshot.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.mu.Lock()
	scheduler := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()

	if scheduler == nil {
		return nil
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		return fmt.Errorf("stats stop scheduler: %w", ctx.Err())
	}
	m.report()

	return nil
}

func (m *Module) report() {
	if m.provider == nil || m.logger == nil {
		return
	}
	m.logger.Info("hibiki session stats", statsAttrs(m.provider.SessionStats())...)
}

func statsAttrs(stats hibiki.SessionStats) []any {
	kinds := make([]string, 0, len(stats.Entities))
	for kind := range stats.Entities {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	entities := make([]any, 0, len(kinds))
	for _, kind := range kinds {
		entities = append(entities, slog.Int(kind, stats.Entities[hibiki.EntityKind(kind)]))
	}

	return []any{
		slog.Group("entities", entities...),
		"locked_guilds", stats.LockedGuilds,
		"pending_requests", stats.PendingRequests,
		"rate_limit_buckets", stats.RateLimitBuckets,
		"last_sequence", stats.LastSequence,
		"records_dispatched", stats.RecordsDispatched,
		"records_ignored", stats.RecordsIgnored,
		"records_deferred", stats.RecordsDeferred,
		"records_replayed", stats.RecordsReplayed,
		"records_backlogged", stats.RecordsBacklogged,
		"events_published", stats.EventsPublished,
		"events_dropped", stats.EventsDropped,
	}
}
