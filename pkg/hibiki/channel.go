package hibiki

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/disgoorg/snowflake/v2"
)

// ChannelType mirrors the platform channel type code.
type ChannelType int

const (
	// ChannelTypeText is a guild text channel.
	ChannelTypeText ChannelType = 0
	// ChannelTypePrivate is a one-to-one direct message channel.
	ChannelTypePrivate ChannelType = 1
	// ChannelTypeVoice is a guild voice channel.
	ChannelTypeVoice ChannelType = 2
	// ChannelTypeGroup is a multi-user direct message group.
	ChannelTypeGroup ChannelType = 3
)

// String returns the lowercase type name.
func (t ChannelType) String() string {
	switch t {
	case ChannelTypeText:
		return "text"
	case ChannelTypePrivate:
		return "private"
	case ChannelTypeVoice:
		return "voice"
	case ChannelTypeGroup:
		return "group"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// IsGuildChannel reports whether the type belongs to a guild.
func (t ChannelType) IsGuildChannel() bool {
	return t == ChannelTypeText || t == ChannelTypeVoice
}

// GuildChannelInfo carries the mutable fields of a guild channel.
type GuildChannelInfo struct {
	// Name is the channel display name.
	Name string
	// Topic is the text channel topic.
	Topic string
	// Position is the sort position within the guild.
	Position int
}

// GuildChannel is a text or voice channel owned by a guild.
type GuildChannel struct {
	id          snowflake.ID
	guildID     snowflake.ID
	channelType ChannelType

	mu   sync.RWMutex
	info GuildChannelInfo
}

// NewGuildChannel creates a guild channel record.
func NewGuildChannel(id, guildID snowflake.ID, channelType ChannelType, info GuildChannelInfo) *GuildChannel {
	return &GuildChannel{
		id:          id,
		guildID:     guildID,
		channelType: channelType,
		info:        info,
	}
}

// ID returns the channel snowflake.
func (c *GuildChannel) ID() snowflake.ID {
	return c.id
}

// GuildID returns the owning guild snowflake.
func (c *GuildChannel) GuildID() snowflake.ID {
	return c.guildID
}

// Type returns the channel type.
func (c *GuildChannel) Type() ChannelType {
	return c.channelType
}

// Info returns a copy of the mutable fields.
func (c *GuildChannel) Info() GuildChannelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.info
}

// SetInfo replaces the mutable fields.
func (c *GuildChannel) SetInfo(info GuildChannelInfo) {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}

// Name returns the channel display name.
func (c *GuildChannel) Name() string {
	return c.Info().Name
}

// Mention returns the inline mention markup for this channel.
func (c *GuildChannel) Mention() string {
	return "<#" + c.id.String() + ">"
}

// PrivateChannel is a one-to-one direct message channel owned by one user.
//
// Its fake flag mirrors the owning user's tombstone state.
type PrivateChannel struct {
	id   snowflake.ID
	user *User
	fake atomic.Bool
}

// NewPrivateChannel creates a private channel bound to user.
func NewPrivateChannel(id snowflake.ID, user *User) *PrivateChannel {
	return &PrivateChannel{id: id, user: user}
}

// ID returns the channel snowflake.
func (c *PrivateChannel) ID() snowflake.ID {
	return c.id
}

// User returns the recipient record. The pointer never changes for the
// lifetime of the channel.
func (c *PrivateChannel) User() *User {
	return c.user
}

// IsFake reports whether the channel is tombstoned along with its user.
func (c *PrivateChannel) IsFake() bool {
	return c.fake.Load()
}

// SetFake toggles the tombstone flag.
func (c *PrivateChannel) SetFake(fake bool) {
	c.fake.Store(fake)
}

// String returns a compact debug form.
func (c *PrivateChannel) String() string {
	return "PC:" + c.user.Name() + "(" + c.id.String() + ")"
}
