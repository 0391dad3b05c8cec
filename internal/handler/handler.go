// Package handler applies inbound gateway records to the session cache and
// publishes the domestic events that describe each transition.
//
// Handlers run on the router's single worker goroutine. Guild-scoped handlers
// consult the sequencer first and defer records for locked guilds.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/gotd/td/clock"

	"ex-hibiki/internal/cache"
	"ex-hibiki/internal/dispatch"
	"ex-hibiki/internal/guildlock"
	"ex-hibiki/pkg/hibiki"
)

// Inbound record types understood by Handlers.
const (
	RecordReady               = "READY"
	RecordGuildCreate         = "GUILD_CREATE"
	RecordGuildMembersChunk   = "GUILD_MEMBERS_CHUNK"
	RecordGuildDelete         = "GUILD_DELETE"
	RecordGuildMemberAdd      = "GUILD_MEMBER_ADD"
	RecordGuildMemberRemove   = "GUILD_MEMBER_REMOVE"
	RecordChannelCreate       = "CHANNEL_CREATE"
	RecordChannelDelete       = "CHANNEL_DELETE"
	RecordUserUpdate          = "USER_UPDATE"
	RecordRelationshipAdd     = "RELATIONSHIP_ADD"
	RecordRelationshipRemove  = "RELATIONSHIP_REMOVE"
	RecordChannelRecipientAdd = "CHANNEL_RECIPIENT_ADD"
	RecordChannelRecipientRem = "CHANNEL_RECIPIENT_REMOVE"
	RecordWebhooksUpdate      = "WEBHOOKS_UPDATE"
)

// ErrMembersUnavailable reports that the current source cannot request guild
// member lists.
var ErrMembersUnavailable = errors.New("member requests unavailable")

// MemberRequester asks the platform for the full member list of a guild. A
// nil error means the member chunks are on their way.
type MemberRequester interface {
	RequestMembers(ctx context.Context, guildID snowflake.ID) error
}

// Option mutates handler construction.
type Option func(*Handlers)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock replaces the time source stamped on events.
func WithClock(source clock.Clock) Option {
	return func(h *Handlers) {
		if source != nil {
			h.clock = source
		}
	}
}

// WithMemberRequester sets who is asked for the members of large guilds.
func WithMemberRequester(requester MemberRequester) Option {
	return func(h *Handlers) {
		h.members = requester
	}
}

// Handlers holds the state shared by all record handlers of one session.
type Handlers struct {
	cache  *cache.Cache
	locks  *guildlock.Sequencer
	sink   hibiki.EventSink
	logger *slog.Logger
	clock  clock.Clock

	members MemberRequester

	// setup tracks large guilds waiting on member chunks, with the event kind
	// to publish once the member list is complete. Worker-owned.
	setup map[snowflake.ID]hibiki.EventKind
}

// New creates record handlers bound to one session.
func New(entities *cache.Cache, locks *guildlock.Sequencer, sink hibiki.EventSink, options ...Option) (*Handlers, error) {
	if entities == nil {
		return nil, fmt.Errorf("new handlers: nil cache")
	}
	if locks == nil {
		return nil, fmt.Errorf("new handlers: nil sequencer")
	}
	if sink == nil {
		return nil, fmt.Errorf("new handlers: nil event sink")
	}

	h := &Handlers{
		cache:  entities,
		locks:  locks,
		sink:   sink,
		logger: slog.Default(),
		clock:  clock.System,
		setup:  make(map[snowflake.ID]hibiki.EventKind),
	}
	for _, option := range options {
		option(h)
	}

	return h, nil
}

// Register binds every record type to router.
func (h *Handlers) Register(router *dispatch.Router) {
	bindings := map[string]dispatch.HandlerFunc{
		RecordReady:               h.handleReady,
		RecordGuildCreate:         h.handleGuildCreate,
		RecordGuildMembersChunk:   h.handleMembersChunk,
		RecordGuildDelete:         h.handleGuildDelete,
		RecordGuildMemberAdd:      h.handleMemberAdd,
		RecordGuildMemberRemove:   h.handleMemberRemove,
		RecordChannelCreate:       h.handleChannelCreate,
		RecordChannelDelete:       h.handleChannelDelete,
		RecordUserUpdate:          h.handleUserUpdate,
		RecordRelationshipAdd:     h.handleRelationshipAdd,
		RecordRelationshipRemove:  h.handleRelationshipRemove,
		RecordChannelRecipientAdd: h.handleRecipientAdd,
		RecordChannelRecipientRem: h.handleRecipientRemove,
		RecordWebhooksUpdate:      h.handleWebhooksUpdate,
	}
	for recordType, handler := range bindings {
		router.Register(recordType, handler)
	}
}

// SetupPending lists guilds still waiting on member chunks.
func (h *Handlers) SetupPending() int {
	return len(h.setup)
}

// deferred reports whether records for guildID must wait behind a lock.
func (h *Handlers) deferred(guildID snowflake.ID) (dispatch.Outcome, bool) {
	if guildID != 0 && h.locks.IsLocked(guildID) {
		return dispatch.Defer(guildID), true
	}

	return dispatch.Applied, false
}

func (h *Handlers) newEvent(kind hibiki.EventKind, record dispatch.Record) *hibiki.Event {
	return &hibiki.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Sequence:   record.Sequence,
		OccurredAt: h.clock.Now().UTC(),
	}
}

// transitionEvents builds the release events that follow a primary event.
func (h *Handlers) transitionEvents(record dispatch.Record, guildID snowflake.ID, transitions []cache.Transition) []*hibiki.Event {
	var events []*hibiki.Event
	for _, transition := range transitions {
		var kind hibiki.EventKind
		switch {
		case transition.Tombstoned():
			kind = hibiki.EventKindUserTombstoned
		case transition.Evicted():
			kind = hibiki.EventKindUserEvicted
		default:
			continue
		}
		event := h.newEvent(kind, record)
		event.GuildID = guildID
		event.UserID = transition.User.ID()
		event.User = transition.User
		events = append(events, event)
	}

	return events
}

// publish hands events to the sink in order. Every event is attempted; the
// joined error reports the ones the sink refused.
func (h *Handlers) publish(ctx context.Context, events ...*hibiki.Event) error {
	var errs []error
	for _, event := range events {
		if err := event.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", event.Kind, err))
			continue
		}
		if err := h.sink.Publish(ctx, event); err != nil {
			h.logger.WarnContext(ctx, "hibiki event publish failed",
				"kind", string(event.Kind),
				"event_id", event.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("publish %s: %w", event.Kind, err))
		}
	}

	return errors.Join(errs...)
}
