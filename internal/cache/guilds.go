package cache

import (
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/pkg/hibiki"
)

// MemberData is one guild member as carried by inbound records.
type MemberData struct {
	User     UserData
	Nickname string
	JoinedAt time.Time
	RoleIDs  []snowflake.ID
}

// ChannelData is one guild channel as carried by inbound records.
type ChannelData struct {
	ID   snowflake.ID
	Type hibiki.ChannelType
	Info hibiki.GuildChannelInfo
}

// GuildData is a full guild record.
type GuildData struct {
	ID       snowflake.ID
	Info     hibiki.GuildInfo
	Members  []MemberData
	Channels []ChannelData
}

// GuildJoin is the result of applying a guild record.
type GuildJoin struct {
	Guild *hibiki.Guild
	// Created is true when the guild was not cached before.
	Created bool
	// WasUnavailable is true when an existing guild came back online.
	WasUnavailable bool
	// Transitions lists users revived from the tombstone maps.
	Transitions []Transition
}

// GuildRemoval is the result of RemoveGuild.
type GuildRemoval struct {
	Guild *hibiki.Guild
	// Retained lists former members kept live by another guild.
	Retained []snowflake.ID
	// Transitions lists former members that were tombstoned or evicted.
	Transitions []Transition
	// ChannelIDs lists the purged text and voice channels.
	ChannelIDs []snowflake.ID
	// WebhookIDs lists purged webhooks that posted into the guild.
	WebhookIDs []snowflake.ID
}

// Tombstoned returns users moved to the tombstone maps.
func (r GuildRemoval) Tombstoned() []*hibiki.User {
	return filterUsers(r.Transitions, Transition.Tombstoned)
}

// Evicted returns users deleted outright.
func (r GuildRemoval) Evicted() []*hibiki.User {
	return filterUsers(r.Transitions, Transition.Evicted)
}

func filterUsers(transitions []Transition, match func(Transition) bool) []*hibiki.User {
	var users []*hibiki.User
	for _, transition := range transitions {
		if match(transition) {
			users = append(users, transition.User)
		}
	}

	return users
}

// JoinGuild applies a full guild record.
//
// Applying the same record twice leaves the cache unchanged: members are
// merged by id and channels are upserted. Members absent from data are kept
// because large guilds deliver their member list in later chunks.
func (c *Cache) JoinGuild(data GuildData) (GuildJoin, error) {
	if data.ID == 0 {
		return GuildJoin{}, fmt.Errorf("join guild: missing id: %w", hibiki.ErrInvalidEvent)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	result := GuildJoin{}
	guild, exists := c.guilds.Get(data.ID)
	if exists {
		result.WasUnavailable = !guild.IsAvailable()
		guild.SetInfo(data.Info)
		guild.SetAvailable(true)
	} else {
		guild = hibiki.NewGuild(data.ID, data.Info)
		c.guilds.Put(guild)
		result.Created = true
	}
	result.Guild = guild

	result.Transitions = c.putMembersLocked(guild, data.Members)
	for _, channel := range data.Channels {
		if _, err := c.putChannelLocked(guild, channel); err != nil {
			return result, fmt.Errorf("join guild %s: %w", data.ID, err)
		}
	}

	return result, nil
}

// MarkGuildUnavailable flags a guild as temporarily unserved. Membership and
// channels are retained.
func (c *Cache) MarkGuildUnavailable(guildID snowflake.ID) (*hibiki.Guild, error) {
	guild, ok := c.guilds.Get(guildID)
	if !ok {
		return nil, fmt.Errorf("mark guild %s unavailable: %w", guildID, hibiki.ErrUnknownEntity)
	}
	guild.SetAvailable(false)

	return guild, nil
}

// AddMember adds or refreshes one guild member.
func (c *Cache) AddMember(guildID snowflake.ID, data MemberData) (*hibiki.Member, []Transition, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	guild, ok := c.guilds.Get(guildID)
	if !ok {
		return nil, nil, fmt.Errorf("add member to guild %s: %w", guildID, hibiki.ErrUnknownEntity)
	}

	transitions := c.putMembersLocked(guild, []MemberData{data})
	member, _ := guild.Member(data.User.ID)

	return member, transitions, nil
}

// AddMembers merges one member chunk into a guild.
func (c *Cache) AddMembers(guildID snowflake.ID, members []MemberData) (*hibiki.Guild, []Transition, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	guild, ok := c.guilds.Get(guildID)
	if !ok {
		return nil, nil, fmt.Errorf("add members to guild %s: %w", guildID, hibiki.ErrUnknownEntity)
	}

	return guild, c.putMembersLocked(guild, members), nil
}

func (c *Cache) putMembersLocked(guild *hibiki.Guild, members []MemberData) []Transition {
	var transitions []Transition
	for _, data := range members {
		if data.User.ID == 0 {
			continue
		}
		user, prior := c.ensureUserLocked(data.User)
		guild.PutMember(&hibiki.Member{
			User:     user,
			Nickname: data.Nickname,
			JoinedAt: data.JoinedAt,
			RoleIDs:  data.RoleIDs,
		})
		if transition, changed := c.settleFromLocked(user.ID(), prior); changed {
			transitions = append(transitions, transition)
		}
	}

	return transitions
}

// RemoveMember drops userID from one guild and settles the user.
func (c *Cache) RemoveMember(guildID, userID snowflake.ID) (*hibiki.Member, []Transition, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	guild, ok := c.guilds.Get(guildID)
	if !ok {
		return nil, nil, fmt.Errorf("remove member from guild %s: %w", guildID, hibiki.ErrUnknownEntity)
	}
	member, ok := guild.RemoveMember(userID)
	if !ok {
		return nil, nil, nil
	}

	transitions := c.settleAllLocked([]snowflake.ID{userID})
	c.logTransitions("remove_member", transitions)

	return member, transitions, nil
}

// RemoveGuild deletes a guild the session left and releases every member
// that no other root still references.
//
// Members shared with another guild stay live. The rest are tombstoned when
// a private channel, relationship or group still references them, and deleted
// otherwise. The guild's text and voice channels and webhooks are purged.
func (c *Cache) RemoveGuild(guildID snowflake.ID) (GuildRemoval, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	guild, ok := c.guilds.Get(guildID)
	if !ok {
		return GuildRemoval{}, fmt.Errorf("remove guild %s: %w", guildID, hibiki.ErrUnknownEntity)
	}

	candidates := guild.MemberIDs()
	shared := make(map[snowflake.ID]struct{})
	for _, other := range c.guilds.Snapshot() {
		if other.ID() == guildID {
			continue
		}
		for _, id := range candidates {
			if other.HasMember(id) {
				shared[id] = struct{}{}
			}
		}
	}

	c.guilds.Remove(guildID)

	removal := GuildRemoval{Guild: guild}
	released := make([]snowflake.ID, 0, len(candidates))
	for _, id := range candidates {
		if _, ok := shared[id]; ok {
			removal.Retained = append(removal.Retained, id)
			continue
		}
		released = append(released, id)
	}
	removal.Transitions = c.settleAllLocked(released)

	for _, id := range guild.TextChannelIDs() {
		c.textChannels.Remove(id)
		removal.ChannelIDs = append(removal.ChannelIDs, id)
	}
	for _, id := range guild.VoiceChannelIDs() {
		c.voiceChannels.Remove(id)
		removal.ChannelIDs = append(removal.ChannelIDs, id)
	}
	for _, webhook := range c.webhooks.Snapshot() {
		if webhook.Info().GuildID == guildID {
			c.webhooks.Remove(webhook.ID())
			removal.WebhookIDs = append(removal.WebhookIDs, webhook.ID())
		}
	}

	c.logTransitions("remove_guild", removal.Transitions)
	c.logger.Info("cache removed guild",
		"guild_id", guildID.String(),
		"members", len(candidates),
		"retained", len(removal.Retained),
		"released", len(removal.Transitions),
		"channels", len(removal.ChannelIDs),
	)

	return removal, nil
}

// PutChannel creates or updates a guild text or voice channel.
func (c *Cache) PutChannel(guildID snowflake.ID, data ChannelData) (*hibiki.GuildChannel, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	guild, ok := c.guilds.Get(guildID)
	if !ok {
		return nil, fmt.Errorf("put channel %s: guild %s: %w", data.ID, guildID, hibiki.ErrUnknownEntity)
	}

	channel, err := c.putChannelLocked(guild, data)
	if err != nil {
		return nil, fmt.Errorf("put channel %s: %w", data.ID, err)
	}

	return channel, nil
}

func (c *Cache) putChannelLocked(guild *hibiki.Guild, data ChannelData) (*hibiki.GuildChannel, error) {
	target := c.channelStore(data.Type)
	if target == nil {
		return nil, fmt.Errorf("channel type %s: %w", data.Type, hibiki.ErrEntityKindMismatch)
	}

	channel, ok := target.ComputeIfPresent(data.ID, func(current *hibiki.GuildChannel) (*hibiki.GuildChannel, bool) {
		current.SetInfo(data.Info)
		return current, true
	})
	if !ok {
		channel = hibiki.NewGuildChannel(data.ID, guild.ID(), data.Type, data.Info)
		target.Put(channel)
	}
	guild.AddChannel(data.Type, data.ID)

	return channel, nil
}

// RemoveChannel deletes a guild channel and unregisters it from its guild.
func (c *Cache) RemoveChannel(channelID snowflake.ID) (*hibiki.GuildChannel, bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	channel, ok := c.textChannels.Remove(channelID)
	if !ok {
		channel, ok = c.voiceChannels.Remove(channelID)
	}
	if !ok {
		return nil, false
	}

	if guild, found := c.guilds.Get(channel.GuildID()); found {
		guild.RemoveChannel(channel.Type(), channelID)
	}
	for _, webhook := range c.ChannelWebhooks(channelID) {
		c.webhooks.Remove(webhook.ID())
	}

	return channel, true
}

func (c *Cache) channelStore(channelType hibiki.ChannelType) *store[*hibiki.GuildChannel] {
	switch channelType {
	case hibiki.ChannelTypeText:
		return c.textChannels
	case hibiki.ChannelTypeVoice:
		return c.voiceChannels
	default:
		return nil
	}
}
