package hibiki

import (
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// EventKind identifies one domestic cache-transition event type.
type EventKind string

const (
	// EventKindReady is emitted once the initial session state is loaded.
	EventKindReady EventKind = "session.ready"
	// EventKindGuildJoined is emitted when a guild is added with a complete member list.
	EventKindGuildJoined EventKind = "guild.joined"
	// EventKindGuildAvailable is emitted when an unavailable guild comes back.
	EventKindGuildAvailable EventKind = "guild.available"
	// EventKindGuildUnavailable is emitted on a transient guild outage.
	EventKindGuildUnavailable EventKind = "guild.unavailable"
	// EventKindGuildLeft is emitted after a guild is permanently removed and cleaned up.
	EventKindGuildLeft EventKind = "guild.left"
	// EventKindMemberJoined is emitted when a user joins a guild.
	EventKindMemberJoined EventKind = "member.joined"
	// EventKindMemberLeft is emitted when a user leaves a guild.
	EventKindMemberLeft EventKind = "member.left"
	// EventKindChannelCreated is emitted when a guild channel is created.
	EventKindChannelCreated EventKind = "channel.created"
	// EventKindChannelDeleted is emitted when a guild channel is deleted.
	EventKindChannelDeleted EventKind = "channel.deleted"
	// EventKindPrivateChannelOpened is emitted when a direct message channel opens.
	EventKindPrivateChannelOpened EventKind = "private_channel.opened"
	// EventKindPrivateChannelClosed is emitted when a direct message channel closes.
	EventKindPrivateChannelClosed EventKind = "private_channel.closed"
	// EventKindUserUpdated is emitted when a user's profile changes.
	EventKindUserUpdated EventKind = "user.updated"
	// EventKindUserTombstoned is emitted when a user record becomes fake.
	EventKindUserTombstoned EventKind = "user.tombstoned"
	// EventKindUserEvicted is emitted when a user record is hard-deleted.
	EventKindUserEvicted EventKind = "user.evicted"
	// EventKindRelationshipAdded is emitted when a relationship is created or changed.
	EventKindRelationshipAdded EventKind = "relationship.added"
	// EventKindRelationshipRemoved is emitted when a relationship is removed.
	EventKindRelationshipRemoved EventKind = "relationship.removed"
	// EventKindGroupMemberAdded is emitted when a user is added to a group.
	EventKindGroupMemberAdded EventKind = "group.member_added"
	// EventKindGroupMemberRemoved is emitted when a user is removed from a group.
	EventKindGroupMemberRemoved EventKind = "group.member_removed"
	// EventKindWebhooksUpdated is emitted when a channel's webhooks change.
	EventKindWebhooksUpdated EventKind = "webhooks.updated"
)

// Event is one domestic notification of a significant cache transition.
//
// Subscribers receive events in the order their triggering inbound records were
// processed. Entity pointers reference live cache records; after a removal
// event they are the last state the cache held.
type Event struct {
	// ID is a unique identifier for this event instance.
	ID string
	// Kind selects which entity fields are populated.
	Kind EventKind
	// Sequence is the inbound record sequence that triggered the event.
	Sequence int64
	// OccurredAt is when the runtime produced the event.
	OccurredAt time.Time
	// GuildID is set for guild-scoped events.
	GuildID snowflake.ID
	// UserID is set for user-scoped events.
	UserID snowflake.ID
	// ChannelID is set for channel-scoped events.
	ChannelID snowflake.ID
	// Guild is the affected guild record.
	Guild *Guild
	// User is the affected user record.
	User *User
	// Channel is the affected guild channel record.
	Channel *GuildChannel
	// PrivateChannel is the affected direct message channel.
	PrivateChannel *PrivateChannel
	// Relationship is the affected relationship.
	Relationship *Relationship
	// Group is the affected group.
	Group *Group
}

// Validate checks that the kind-specific fields are populated.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}

	switch e.Kind {
	case EventKindReady:
		return nil
	case EventKindGuildJoined, EventKindGuildAvailable, EventKindGuildUnavailable, EventKindGuildLeft:
		if e.GuildID == 0 || e.Guild == nil {
			return fmt.Errorf("%w: %s requires guild", ErrInvalidEvent, e.Kind)
		}
	case EventKindMemberJoined, EventKindMemberLeft:
		if e.GuildID == 0 || e.UserID == 0 {
			return fmt.Errorf("%w: %s requires guild and user ids", ErrInvalidEvent, e.Kind)
		}
	case EventKindChannelCreated, EventKindChannelDeleted:
		if e.ChannelID == 0 || e.Channel == nil {
			return fmt.Errorf("%w: %s requires channel", ErrInvalidEvent, e.Kind)
		}
	case EventKindPrivateChannelOpened, EventKindPrivateChannelClosed:
		if e.ChannelID == 0 || e.PrivateChannel == nil {
			return fmt.Errorf("%w: %s requires private channel", ErrInvalidEvent, e.Kind)
		}
	case EventKindUserUpdated, EventKindUserTombstoned, EventKindUserEvicted:
		if e.UserID == 0 || e.User == nil {
			return fmt.Errorf("%w: %s requires user", ErrInvalidEvent, e.Kind)
		}
	case EventKindRelationshipAdded, EventKindRelationshipRemoved:
		if e.UserID == 0 || e.Relationship == nil {
			return fmt.Errorf("%w: %s requires relationship", ErrInvalidEvent, e.Kind)
		}
	case EventKindGroupMemberAdded, EventKindGroupMemberRemoved:
		if e.ChannelID == 0 || e.UserID == 0 || e.Group == nil {
			return fmt.Errorf("%w: %s requires group and user", ErrInvalidEvent, e.Kind)
		}
	case EventKindWebhooksUpdated:
		if e.ChannelID == 0 {
			return fmt.Errorf("%w: %s requires channel id", ErrInvalidEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %s", ErrInvalidEvent, e.Kind)
	}

	return nil
}

// InterestSet filters which domestic events a subscriber receives.
type InterestSet struct {
	// Kinds restricts delivery to these event kinds. Empty matches all kinds.
	Kinds []EventKind
	// GuildIDs restricts delivery to events scoped to these guilds. Empty
	// matches every event, including non-guild events.
	GuildIDs []snowflake.ID
}

// Matches reports whether event passes this filter.
func (s InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(s.Kinds) > 0 && !containsKind(s.Kinds, event.Kind) {
		return false
	}
	if len(s.GuildIDs) > 0 && !containsID(s.GuildIDs, event.GuildID) {
		return false
	}

	return true
}

func containsKind(kinds []EventKind, kind EventKind) bool {
	for _, candidate := range kinds {
		if candidate == kind {
			return true
		}
	}

	return false
}

func containsID(ids []snowflake.ID, id snowflake.ID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}

	return false
}
