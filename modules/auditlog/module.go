// Package auditlog writes one structured log line per domestic event.
package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/pkg/hibiki"
)

// Module subscribes to domestic events and logs them.
type Module struct {
	interest hibiki.InterestSet
	spec     hibiki.SubscriptionSpec
	level    slog.Level

	logger *slog.Logger

	mu     sync.Mutex
	counts map[hibiki.EventKind]int
}

// Option mutates module construction.
type Option func(*Module)

// WithKinds restricts the audit log to these event kinds.
func WithKinds(kinds ...hibiki.EventKind) Option {
	return func(m *Module) {
		m.interest.Kinds = append(m.interest.Kinds, kinds...)
	}
}

// WithGuilds restricts the audit log to events of these guilds.
func WithGuilds(ids ...snowflake.ID) Option {
	return func(m *Module) {
		m.interest.GuildIDs = append(m.interest.GuildIDs, ids...)
	}
}

// WithBuffer sets the subscription buffer and drops the oldest queued event
// when it is full, so a slow log sink never stalls the router.
func WithBuffer(size int) Option {
	return func(m *Module) {
		if size > 0 {
			m.spec.Buffer = size
			m.spec.Backpressure = hibiki.BackpressureDropOldest
		}
	}
}

// WithLevel sets the level audit lines are logged at.
func WithLevel(level slog.Level) Option {
	return func(m *Module) {
		m.level = level
	}
}

// New creates an audit log module.
func New(options ...Option) *Module {
	module := &Module{
		spec:   hibiki.SubscriptionSpec{Name: "auditlog-events", Workers: 1},
		level:  slog.LevelInfo,
		counts: make(map[hibiki.EventKind]int),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "auditlog"
}

// OnRegister resolves the logger and subscribes to events.
func (m *Module) OnRegister(ctx context.Context, runtime hibiki.ModuleRuntime) error {
	logger, err := hibiki.ResolveAs[*slog.Logger](runtime.Services(), hibiki.ServiceLogger)
	if err != nil {
		return fmt.Errorf("auditlog resolve logger: %w", err)
	}
	m.logger = logger.With("module", m.Name())

	if _, err := runtime.Subscribe(ctx, m.interest, m.spec, m.handleEvent); err != nil {
		return fmt.Errorf("auditlog subscribe: %w", err)
	}

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown logs the per-kind totals.
func (m *Module) OnShutdown(ctx context.Context) error {
	if m.logger == nil {
		return nil
	}

	counts := m.Counts()
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	attrs := make([]any, 0, len(kinds))
	for _, kind := range kinds {
		attrs = append(attrs, slog.Int(kind, counts[hibiki.EventKind(kind)]))
	}
	m.logger.InfoContext(ctx, "hibiki audit totals", slog.Group("events", attrs...))

	return nil
}

// Counts returns how many events of each kind were logged.
func (m *Module) Counts() map[hibiki.EventKind]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[hibiki.EventKind]int, len(m.counts))
	for kind, count := range m.counts {
		counts[kind] = count
	}

	return counts
}

func (m *Module) handleEvent(ctx context.Context, event *hibiki.Event) error {
	if event == nil {
		return nil
	}

	m.mu.Lock()
	m.counts[event.Kind]++
	m.mu.Unlock()

	m.logger.Log(ctx, m.level, "hibiki event", eventAttrs(event)...)

	return nil
}

func eventAttrs(event *hibiki.Event) []any {
	attrs := []any{
		"event_id", event.ID,
		"kind", string(event.Kind),
		"sequence", event.Sequence,
	}
	if event.GuildID != 0 {
		attrs = append(attrs, "guild_id", event.GuildID.String())
	}
	if event.UserID != 0 {
		attrs = append(attrs, "user_id", event.UserID.String())
	}
	if event.ChannelID != 0 {
		attrs = append(attrs, "channel_id", event.ChannelID.String())
	}
	if event.Guild != nil {
		attrs = append(attrs, "guild_name", event.Guild.Name())
	}
	if event.User != nil {
		attrs = append(attrs, "user", event.User.String(), "fake", event.User.IsFake())
	}

	return attrs
}
