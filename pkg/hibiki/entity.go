package hibiki

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Entity is any cache record addressable by snowflake.
type Entity interface {
	// ID returns the cache key of the record.
	ID() snowflake.ID
}

// EntityKind names one cache map.
type EntityKind string

const (
	// EntityKindGuild stores *Guild.
	EntityKindGuild EntityKind = "guild"
	// EntityKindUser stores live *User records.
	EntityKindUser EntityKind = "user"
	// EntityKindFakeUser stores tombstoned *User records.
	EntityKindFakeUser EntityKind = "fake_user"
	// EntityKindPrivateChannel stores live *PrivateChannel records.
	EntityKindPrivateChannel EntityKind = "private_channel"
	// EntityKindFakePrivateChannel stores tombstoned *PrivateChannel records.
	EntityKindFakePrivateChannel EntityKind = "fake_private_channel"
	// EntityKindTextChannel stores guild text *GuildChannel records.
	EntityKindTextChannel EntityKind = "text_channel"
	// EntityKindVoiceChannel stores guild voice *GuildChannel records.
	EntityKindVoiceChannel EntityKind = "voice_channel"
	// EntityKindRelationship stores *Relationship keyed by user id.
	EntityKindRelationship EntityKind = "relationship"
	// EntityKindGroup stores *Group.
	EntityKindGroup EntityKind = "group"
	// EntityKindWebhook stores *Webhook.
	EntityKindWebhook EntityKind = "webhook"
)

// EntityKinds lists every cache kind in a stable order.
var EntityKinds = []EntityKind{
	EntityKindGuild,
	EntityKindUser,
	EntityKindFakeUser,
	EntityKindPrivateChannel,
	EntityKindFakePrivateChannel,
	EntityKindTextChannel,
	EntityKindVoiceChannel,
	EntityKindRelationship,
	EntityKindGroup,
	EntityKindWebhook,
}

// Message is a sent or received chat message. Messages are not cached.
type Message struct {
	ID        snowflake.ID
	ChannelID snowflake.ID
	AuthorID  snowflake.ID
	Content   string
	Timestamp time.Time
}
