package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/sync/errgroup"

	"ex-hibiki/internal/cache"
	"ex-hibiki/internal/dispatch"
	"ex-hibiki/internal/guildlock"
	"ex-hibiki/internal/handler"
	"ex-hibiki/internal/rest"
	"ex-hibiki/pkg/hibiki"
)

// Source produces inbound records for one session run.
//
// Run must stop sending and return once ctx is done. Returning nil means the
// stream ended; the router then drains what was already sent.
type Source interface {
	// Name returns a stable identifier used in logs.
	Name() string
	// Run sends records in order until ctx ends or the stream is exhausted.
	Run(ctx context.Context, records chan<- dispatch.Record) error
	// Shutdown releases source resources after Run returned.
	Shutdown(ctx context.Context) error
}

// Session owns every runtime component of one login: the entity cache, guild
// sequencer, request pipeline, dispatch router and domestic event bus.
// Nothing is shared between sessions.
type Session struct {
	cfg config

	cache    *cache.Cache
	locks    *guildlock.Sequencer
	bus      *EventBus
	pipeline *rest.Pipeline
	client   *rest.Client
	router   *dispatch.Router
	handlers *handler.Handlers
	services *ServiceRegistry

	mu          sync.RWMutex
	modules     map[string]*moduleRecord
	moduleOrder []string
	source      Source

	runMu   sync.Mutex
	running bool
	done    bool
}

// NewSession wires a session from options. WithTransport is required.
func NewSession(options ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}
	if cfg.transport == nil {
		return nil, fmt.Errorf("new session: nil transport")
	}

	entities, err := cache.New(cfg.accountType, cache.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	locks := guildlock.New()
	bus := NewEventBus(
		cfg.subscriptionBuffer,
		cfg.subscriptionWorker,
		cfg.handlerTimeout,
		cfg.onAsyncError,
		WithEventBusClock(cfg.clock),
	)

	restOptions := append([]rest.Option{
		rest.WithLogger(cfg.logger),
		rest.WithClock(cfg.clock),
	}, cfg.restOptions...)
	pipeline, err := rest.NewPipeline(cfg.transport, restOptions...)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	client, err := rest.NewClient(pipeline, entities, locks, cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	router, err := dispatch.NewRouter(locks,
		dispatch.WithLogger(cfg.logger),
		dispatch.WithErrorHandler(cfg.onAsyncError),
	)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	session := &Session{
		cfg:         cfg,
		cache:       entities,
		locks:       locks,
		bus:         bus,
		pipeline:    pipeline,
		client:      client,
		router:      router,
		services:    NewServiceRegistry(),
		modules:     make(map[string]*moduleRecord),
		moduleOrder: make([]string, 0),
	}

	handlers, err := handler.New(entities, locks, bus,
		handler.WithLogger(cfg.logger),
		handler.WithClock(cfg.clock),
		handler.WithMemberRequester(sourceMembers{session: session}),
	)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	handlers.Register(router)
	session.handlers = handlers

	if err := session.services.Register(hibiki.ServiceLogger, cfg.logger); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if err := session.services.Register(hibiki.ServiceSessionStats, hibiki.StatsProvider(session)); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	return session, nil
}

// Cache exposes the entity cache for reads.
func (s *Session) Cache() *cache.Cache {
	return s.cache
}

// Client exposes typed outbound operations.
func (s *Session) Client() *rest.Client {
	return s.client
}

// EventBus exposes the domestic event bus to integration code.
func (s *Session) EventBus() hibiki.EventBus {
	return s.bus
}

// Sequencer exposes the guild sequencer.
func (s *Session) Sequencer() *guildlock.Sequencer {
	return s.locks
}

// Services exposes the session service registry.
func (s *Session) Services() hibiki.ServiceRegistry {
	return s.services
}

// RegisterService registers a runtime service singleton.
func (s *Session) RegisterService(name string, service any) error {
	if err := s.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// SessionStats reports cache, pipeline, router and bus counters.
func (s *Session) SessionStats() hibiki.SessionStats {
	entities := make(map[hibiki.EntityKind]int)
	for kind, count := range s.cache.Stats() {
		entities[kind] = count
	}
	routerStats := s.router.Stats()

	return hibiki.SessionStats{
		Entities:          entities,
		LockedGuilds:      len(s.locks.Locked()),
		PendingRequests:   s.pipeline.Pending(),
		RateLimitBuckets:  len(s.pipeline.Buckets()),
		LastSequence:      s.router.LastSequence(),
		RecordsDispatched: routerStats.Dispatched,
		RecordsIgnored:    routerStats.Ignored,
		RecordsDeferred:   routerStats.Deferred,
		RecordsReplayed:   routerStats.Replayed,
		RecordsBacklogged: routerStats.Backlogged,
		EventsPublished:   s.bus.Published(),
		EventsDropped:     s.bus.Dropped(),
	}
}

// RegisterModule registers a lifecycle-aware module and runs OnRegister.
func (s *Session) RegisterModule(ctx context.Context, module hibiki.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}

	record := &moduleRecord{name: name, module: module}

	s.mu.Lock()
	if _, exists := s.modules[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, hibiki.ErrModuleAlreadyRegistered)
	}
	s.modules[name] = record
	s.moduleOrder = append(s.moduleOrder, name)
	s.mu.Unlock()

	runtime := &moduleRuntime{
		moduleName: name,
		services:   s.services,
		bus:        s.bus,
		record:     record,
	}

	hookCtx, cancel := context.WithTimeout(ctx, s.cfg.moduleHookTimeout)
	defer cancel()

	if err := runSafely("module "+name+" OnRegister", func() error {
		return module.OnRegister(hookCtx, runtime)
	}); err != nil {
		s.rollbackModuleRegistration(ctx, name, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	return nil
}

// Run starts modules, pumps records from source through the router, and
// blocks until ctx ends, the source is exhausted, or the router hits an
// invariant violation. A session runs at most once.
func (s *Session) Run(ctx context.Context, source Source) error {
	if source == nil {
		return fmt.Errorf("session run: nil source")
	}
	if err := s.startRun(); err != nil {
		return err
	}
	defer s.finishRun()

	s.setSource(source)
	defer s.setSource(nil)

	if err := s.startModules(ctx); err != nil {
		return errors.Join(err, s.shutdownAll(ctx, source))
	}

	s.cfg.logger.InfoContext(ctx, "hibiki session running",
		"source", source.Name(),
		"account_type", string(s.cache.AccountType()),
	)

	records := make(chan dispatch.Record, s.cfg.recordBuffer)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(records)
		err := runSafely("source "+source.Name()+" Run", func() error {
			return source.Run(groupCtx, records)
		})
		if isContextCancellation(err) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		return runSafely("router", func() error {
			return s.router.Run(groupCtx, records)
		})
	})
	runErr := group.Wait()

	if runErr == nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.shutdownTimeout)
		if err := s.bus.Flush(flushCtx); err != nil {
			s.cfg.onAsyncError(flushCtx, "flush event bus", err)
		}
		cancel()
	}

	shutdownErr := s.shutdownAll(ctx, source)
	s.cfg.logger.InfoContext(ctx, "hibiki session stopped",
		"source", source.Name(),
		"last_sequence", s.router.LastSequence(),
	)

	if runErr != nil && shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}
	if runErr != nil {
		return runErr
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	return nil
}

// startRun serializes Run invocations and rejects concurrent or repeated starts.
func (s *Session) startRun() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return fmt.Errorf("session run: already running")
	}
	if s.done {
		return fmt.Errorf("session run: %w", hibiki.ErrSessionClosed)
	}
	s.running = true

	return nil
}

// finishRun marks the session spent.
func (s *Session) finishRun() {
	s.runMu.Lock()
	s.running = false
	s.done = true
	s.runMu.Unlock()
}

func (s *Session) setSource(source Source) {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
}

func (s *Session) currentSource() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.source
}

// startModules invokes OnStart in registration order with per-module timeouts.
func (s *Session) startModules(ctx context.Context) error {
	order, modules := s.moduleSnapshot()

	for _, name := range order {
		record, exists := modules[name]
		if !exists {
			continue
		}
		hookCtx, cancel := context.WithTimeout(ctx, s.cfg.moduleHookTimeout)
		err := runSafely("module "+name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", name, err)
		}
	}

	return nil
}

func (s *Session) moduleSnapshot() ([]string, map[string]*moduleRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := append([]string(nil), s.moduleOrder...)
	modules := make(map[string]*moduleRecord, len(s.modules))
	for name, module := range s.modules {
		modules[name] = module
	}

	return order, modules
}

// shutdownAll tears down the source, modules, pipeline and bus in a bounded
// timeout window. It uses WithoutCancel so cleanup still runs after parent
// cancellation.
func (s *Session) shutdownAll(ctx context.Context, source Source) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := runSafely("source "+source.Name()+" Shutdown", func() error {
		return source.Shutdown(shutdownCtx)
	}); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := s.shutdownModules(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := s.pipeline.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := s.bus.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("session shutdown: %w", shutdownErr)
	}

	return nil
}

// shutdownModules closes module subscriptions and invokes OnShutdown in reverse order.
func (s *Session) shutdownModules(ctx context.Context) error {
	order, modules := s.moduleSnapshot()

	var shutdownErr error
	for idx := len(order) - 1; idx >= 0; idx-- {
		name := order[idx]
		record := modules[name]
		if record == nil {
			continue
		}
		if err := record.closeSubscriptions(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s subscriptions: %w", name, err))
		}
		hookCtx, cancel := context.WithTimeout(ctx, s.cfg.moduleHookTimeout)
		err := runSafely("module "+name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		cancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", name, err))
		}
	}

	return shutdownErr
}

// rollbackModuleRegistration removes a partially registered module after OnRegister failure.
func (s *Session) rollbackModuleRegistration(ctx context.Context, name string, record *moduleRecord) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		s.cfg.onAsyncError(rollbackCtx, "rollback_module_registration", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, name)
	s.moduleOrder = removeOrderedName(s.moduleOrder, name)
}

// sourceMembers forwards member list requests to the running source when it
// can send them.
type sourceMembers struct {
	session *Session
}

func (m sourceMembers) RequestMembers(ctx context.Context, guildID snowflake.ID) error {
	requester, ok := m.session.currentSource().(handler.MemberRequester)
	if !ok {
		return fmt.Errorf("request members of %s: %w", guildID, handler.ErrMembersUnavailable)
	}
	if err := requester.RequestMembers(ctx, guildID); err != nil {
		return fmt.Errorf("request members of %s: %w", guildID, err)
	}

	return nil
}

// removeOrderedName removes one name while preserving remaining order.
func removeOrderedName(ordered []string, target string) []string {
	filtered := make([]string, 0, len(ordered))
	for _, item := range ordered {
		if item != target {
			filtered = append(filtered, item)
		}
	}

	return filtered
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
