package cache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/pkg/hibiki"
)

// Cache is the per-session entity store.
//
// Reads go straight to the per-kind stores and never block on writers of other
// kinds. Operations that touch several kinds hold writeMu for their whole
// duration so no reader observes a user moving between the live and tombstone
// maps in a half-applied state that a second writer could act on.
type Cache struct {
	accountType hibiki.AccountType
	logger      *slog.Logger

	writeMu sync.Mutex

	guilds              *store[*hibiki.Guild]
	users               *store[*hibiki.User]
	fakeUsers           *store[*hibiki.User]
	privateChannels     *store[*hibiki.PrivateChannel]
	fakePrivateChannels *store[*hibiki.PrivateChannel]
	textChannels        *store[*hibiki.GuildChannel]
	voiceChannels       *store[*hibiki.GuildChannel]
	relationships       *store[*hibiki.Relationship]
	groups              *store[*hibiki.Group]
	webhooks            *store[*hibiki.Webhook]
}

// Option mutates cache construction.
type Option func(*Cache)

// WithLogger sets the logger used for placement transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(cache *Cache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// New creates an empty cache for one session.
func New(accountType hibiki.AccountType, options ...Option) (*Cache, error) {
	if err := accountType.Validate(); err != nil {
		return nil, fmt.Errorf("new cache: %w", err)
	}

	cache := &Cache{
		accountType:         accountType,
		logger:              slog.Default(),
		guilds:              newStore[*hibiki.Guild](),
		users:               newStore[*hibiki.User](),
		fakeUsers:           newStore[*hibiki.User](),
		privateChannels:     newStore[*hibiki.PrivateChannel](),
		fakePrivateChannels: newStore[*hibiki.PrivateChannel](),
		textChannels:        newStore[*hibiki.GuildChannel](),
		voiceChannels:       newStore[*hibiki.GuildChannel](),
		relationships:       newStore[*hibiki.Relationship](),
		groups:              newStore[*hibiki.Group](),
		webhooks:            newStore[*hibiki.Webhook](),
	}
	for _, option := range options {
		option(cache)
	}

	return cache, nil
}

// AccountType returns the session account type the cache was built for.
func (c *Cache) AccountType() hibiki.AccountType {
	return c.accountType
}

// Get returns one entity by kind and id.
func (c *Cache) Get(kind hibiki.EntityKind, id snowflake.ID) (hibiki.Entity, bool) {
	switch kind {
	case hibiki.EntityKindGuild:
		return getEntity(c.guilds, id)
	case hibiki.EntityKindUser:
		return getEntity(c.users, id)
	case hibiki.EntityKindFakeUser:
		return getEntity(c.fakeUsers, id)
	case hibiki.EntityKindPrivateChannel:
		return getEntity(c.privateChannels, id)
	case hibiki.EntityKindFakePrivateChannel:
		return getEntity(c.fakePrivateChannels, id)
	case hibiki.EntityKindTextChannel:
		return getEntity(c.textChannels, id)
	case hibiki.EntityKindVoiceChannel:
		return getEntity(c.voiceChannels, id)
	case hibiki.EntityKindRelationship:
		return getEntity(c.relationships, id)
	case hibiki.EntityKindGroup:
		return getEntity(c.groups, id)
	case hibiki.EntityKindWebhook:
		return getEntity(c.webhooks, id)
	default:
		return nil, false
	}
}

// Put stores one entity under kind.
//
// Put is raw map access: it does not settle users or link records across
// kinds. Event handlers use the compound operations instead.
func (c *Cache) Put(kind hibiki.EntityKind, entity hibiki.Entity) error {
	if entity == nil {
		return fmt.Errorf("put %s: nil entity", kind)
	}

	var ok bool
	switch kind {
	case hibiki.EntityKindGuild:
		ok = putEntity(c.guilds, entity)
	case hibiki.EntityKindUser:
		ok = putEntity(c.users, entity)
	case hibiki.EntityKindFakeUser:
		ok = putEntity(c.fakeUsers, entity)
	case hibiki.EntityKindPrivateChannel:
		ok = putEntity(c.privateChannels, entity)
	case hibiki.EntityKindFakePrivateChannel:
		ok = putEntity(c.fakePrivateChannels, entity)
	case hibiki.EntityKindTextChannel:
		ok = putEntity(c.textChannels, entity)
	case hibiki.EntityKindVoiceChannel:
		ok = putEntity(c.voiceChannels, entity)
	case hibiki.EntityKindRelationship:
		if !c.accountType.HasSocialGraph() {
			return fmt.Errorf("put %s: %w", kind, hibiki.ErrSocialGraphUnsupported)
		}
		ok = putEntity(c.relationships, entity)
	case hibiki.EntityKindGroup:
		if !c.accountType.HasSocialGraph() {
			return fmt.Errorf("put %s: %w", kind, hibiki.ErrSocialGraphUnsupported)
		}
		ok = putEntity(c.groups, entity)
	case hibiki.EntityKindWebhook:
		ok = putEntity(c.webhooks, entity)
	default:
		return fmt.Errorf("put %s: %w", kind, hibiki.ErrUnknownEntity)
	}
	if !ok {
		return fmt.Errorf("put %s %T: %w", kind, entity, hibiki.ErrEntityKindMismatch)
	}

	return nil
}

// Remove deletes one entity by kind and id and returns what was removed.
//
// Like Put, Remove does not cascade.
func (c *Cache) Remove(kind hibiki.EntityKind, id snowflake.ID) (hibiki.Entity, bool) {
	switch kind {
	case hibiki.EntityKindGuild:
		return removeEntity(c.guilds, id)
	case hibiki.EntityKindUser:
		return removeEntity(c.users, id)
	case hibiki.EntityKindFakeUser:
		return removeEntity(c.fakeUsers, id)
	case hibiki.EntityKindPrivateChannel:
		return removeEntity(c.privateChannels, id)
	case hibiki.EntityKindFakePrivateChannel:
		return removeEntity(c.fakePrivateChannels, id)
	case hibiki.EntityKindTextChannel:
		return removeEntity(c.textChannels, id)
	case hibiki.EntityKindVoiceChannel:
		return removeEntity(c.voiceChannels, id)
	case hibiki.EntityKindRelationship:
		return removeEntity(c.relationships, id)
	case hibiki.EntityKindGroup:
		return removeEntity(c.groups, id)
	case hibiki.EntityKindWebhook:
		return removeEntity(c.webhooks, id)
	default:
		return nil, false
	}
}

func getEntity[T hibiki.Entity](s *store[T], id snowflake.ID) (hibiki.Entity, bool) {
	item, ok := s.Get(id)
	if !ok {
		return nil, false
	}

	return item, true
}

func putEntity[T hibiki.Entity](s *store[T], entity hibiki.Entity) bool {
	item, ok := entity.(T)
	if !ok {
		return false
	}
	s.Put(item)

	return true
}

func removeEntity[T hibiki.Entity](s *store[T], id snowflake.ID) (hibiki.Entity, bool) {
	item, ok := s.Remove(id)
	if !ok {
		return nil, false
	}

	return item, true
}

// Guild returns one guild.
func (c *Cache) Guild(id snowflake.ID) (*hibiki.Guild, bool) {
	return c.guilds.Get(id)
}

// Guilds returns every guild ordered by id.
func (c *Cache) Guilds() []*hibiki.Guild {
	return c.guilds.Snapshot()
}

// User returns one live user.
func (c *Cache) User(id snowflake.ID) (*hibiki.User, bool) {
	return c.users.Get(id)
}

// Users returns every live user ordered by id.
func (c *Cache) Users() []*hibiki.User {
	return c.users.Snapshot()
}

// FakeUser returns one tombstoned user.
func (c *Cache) FakeUser(id snowflake.ID) (*hibiki.User, bool) {
	return c.fakeUsers.Get(id)
}

// FakeUsers returns every tombstoned user ordered by id.
func (c *Cache) FakeUsers() []*hibiki.User {
	return c.fakeUsers.Snapshot()
}

// ResolveUser returns the user record for id whether it is live or
// tombstoned.
func (c *Cache) ResolveUser(id snowflake.ID) (*hibiki.User, bool) {
	if user, ok := c.users.Get(id); ok {
		return user, true
	}

	return c.fakeUsers.Get(id)
}

// IsFake reports whether id is currently tombstoned.
func (c *Cache) IsFake(id snowflake.ID) bool {
	return c.fakeUsers.Has(id)
}

// PrivateChannel returns one live private channel.
func (c *Cache) PrivateChannel(id snowflake.ID) (*hibiki.PrivateChannel, bool) {
	return c.privateChannels.Get(id)
}

// FakePrivateChannel returns one tombstoned private channel.
func (c *Cache) FakePrivateChannel(id snowflake.ID) (*hibiki.PrivateChannel, bool) {
	return c.fakePrivateChannels.Get(id)
}

// ResolvePrivateChannel returns a private channel whether it is live or
// tombstoned.
func (c *Cache) ResolvePrivateChannel(id snowflake.ID) (*hibiki.PrivateChannel, bool) {
	if channel, ok := c.privateChannels.Get(id); ok {
		return channel, true
	}

	return c.fakePrivateChannels.Get(id)
}

// PrivateChannels returns every live private channel ordered by id.
func (c *Cache) PrivateChannels() []*hibiki.PrivateChannel {
	return c.privateChannels.Snapshot()
}

// TextChannel returns one guild text channel.
func (c *Cache) TextChannel(id snowflake.ID) (*hibiki.GuildChannel, bool) {
	return c.textChannels.Get(id)
}

// VoiceChannel returns one guild voice channel.
func (c *Cache) VoiceChannel(id snowflake.ID) (*hibiki.GuildChannel, bool) {
	return c.voiceChannels.Get(id)
}

// GuildChannel returns a text or voice channel.
func (c *Cache) GuildChannel(id snowflake.ID) (*hibiki.GuildChannel, bool) {
	if channel, ok := c.textChannels.Get(id); ok {
		return channel, true
	}

	return c.voiceChannels.Get(id)
}

// Relationship returns the relationship with userID.
func (c *Cache) Relationship(userID snowflake.ID) (*hibiki.Relationship, bool) {
	return c.relationships.Get(userID)
}

// Relationships returns every relationship ordered by user id.
func (c *Cache) Relationships() []*hibiki.Relationship {
	return c.relationships.Snapshot()
}

// Group returns one group channel.
func (c *Cache) Group(id snowflake.ID) (*hibiki.Group, bool) {
	return c.groups.Get(id)
}

// Groups returns every group ordered by id.
func (c *Cache) Groups() []*hibiki.Group {
	return c.groups.Snapshot()
}

// Webhook returns one webhook.
func (c *Cache) Webhook(id snowflake.ID) (*hibiki.Webhook, bool) {
	return c.webhooks.Get(id)
}

// ChannelWebhooks returns webhooks posting into channelID ordered by id.
func (c *Cache) ChannelWebhooks(channelID snowflake.ID) []*hibiki.Webhook {
	all := c.webhooks.Snapshot()
	webhooks := make([]*hibiki.Webhook, 0, len(all))
	for _, webhook := range all {
		if webhook.Info().ChannelID == channelID {
			webhooks = append(webhooks, webhook)
		}
	}

	return webhooks
}

// GuildsContainingUser returns ids of guilds whose membership set holds
// userID, ordered by id. The result is derived on every call.
func (c *Cache) GuildsContainingUser(userID snowflake.ID) []snowflake.ID {
	var ids []snowflake.ID
	for _, guild := range c.guilds.Snapshot() {
		if guild.HasMember(userID) {
			ids = append(ids, guild.ID())
		}
	}

	return ids
}

func (c *Cache) guildCount(userID snowflake.ID) int {
	count := 0
	for _, guild := range c.guilds.Snapshot() {
		if guild.HasMember(userID) {
			count++
		}
	}

	return count
}

// Stats reports entity counts per kind.
type Stats map[hibiki.EntityKind]int

// Stats returns current counts for every kind.
func (c *Cache) Stats() Stats {
	return Stats{
		hibiki.EntityKindGuild:              c.guilds.Len(),
		hibiki.EntityKindUser:               c.users.Len(),
		hibiki.EntityKindFakeUser:           c.fakeUsers.Len(),
		hibiki.EntityKindPrivateChannel:     c.privateChannels.Len(),
		hibiki.EntityKindFakePrivateChannel: c.fakePrivateChannels.Len(),
		hibiki.EntityKindTextChannel:        c.textChannels.Len(),
		hibiki.EntityKindVoiceChannel:       c.voiceChannels.Len(),
		hibiki.EntityKindRelationship:       c.relationships.Len(),
		hibiki.EntityKindGroup:              c.groups.Len(),
		hibiki.EntityKindWebhook:            c.webhooks.Len(),
	}
}
