package hibiki

import (
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// GuildInfo carries the mutable descriptive fields of a guild.
type GuildInfo struct {
	// Name is the guild display name.
	Name string
	// OwnerID identifies the owning user.
	OwnerID snowflake.ID
	// MemberCount is the platform-declared member total, which can exceed the
	// number of members loaded so far for large guilds.
	MemberCount int
	// Large reports whether the platform withheld part of the member list.
	Large bool
}

// Member binds one user record to one guild.
type Member struct {
	// User is the shared cache record for the member account.
	User *User
	// Nickname is the guild-scoped display override.
	Nickname string
	// JoinedAt is when the user joined the guild.
	JoinedAt time.Time
	// RoleIDs lists assigned role identifiers.
	RoleIDs []snowflake.ID
}

// Guild is a container entity holding a membership set and owned channels.
//
// All accessors are safe for concurrent use. Collection accessors return
// snapshots so callers never iterate live state.
type Guild struct {
	id snowflake.ID

	mu            sync.RWMutex
	info          GuildInfo
	available     bool
	members       map[snowflake.ID]*Member
	textChannels  map[snowflake.ID]struct{}
	voiceChannels map[snowflake.ID]struct{}
}

// NewGuild creates an available guild with an empty membership set.
func NewGuild(id snowflake.ID, info GuildInfo) *Guild {
	return &Guild{
		id:            id,
		info:          info,
		available:     true,
		members:       make(map[snowflake.ID]*Member),
		textChannels:  make(map[snowflake.ID]struct{}),
		voiceChannels: make(map[snowflake.ID]struct{}),
	}
}

// ID returns the guild snowflake.
func (g *Guild) ID() snowflake.ID {
	return g.id
}

// Info returns a copy of the descriptive fields.
func (g *Guild) Info() GuildInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.info
}

// SetInfo replaces the descriptive fields.
func (g *Guild) SetInfo(info GuildInfo) {
	g.mu.Lock()
	g.info = info
	g.mu.Unlock()
}

// Name returns the display name.
func (g *Guild) Name() string {
	return g.Info().Name
}

// IsAvailable reports whether the platform currently serves this guild.
func (g *Guild) IsAvailable() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.available
}

// SetAvailable toggles the availability flag without touching membership.
func (g *Guild) SetAvailable(available bool) {
	g.mu.Lock()
	g.available = available
	g.mu.Unlock()
}

// HasMember reports whether userID is in the membership set.
func (g *Guild) HasMember(userID snowflake.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.members[userID]

	return ok
}

// Member returns the membership entry for userID.
func (g *Guild) Member(userID snowflake.ID) (*Member, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	member, ok := g.members[userID]

	return member, ok
}

// MemberIDs returns a sorted snapshot of the membership set.
func (g *Guild) MemberIDs() []snowflake.ID {
	g.mu.RLock()
	ids := make([]snowflake.ID, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	slices.Sort(ids)

	return ids
}

// Members returns a snapshot of membership entries ordered by user id.
func (g *Guild) Members() []*Member {
	ids := g.MemberIDs()

	g.mu.RLock()
	defer g.mu.RUnlock()

	members := make([]*Member, 0, len(ids))
	for _, id := range ids {
		if member, ok := g.members[id]; ok {
			members = append(members, member)
		}
	}

	return members
}

// LoadedMemberCount returns how many members are present locally.
func (g *Guild) LoadedMemberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.members)
}

// MembersComplete reports whether every declared member has been loaded.
func (g *Guild) MembersComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.members) >= g.info.MemberCount
}

// PutMember inserts or replaces one membership entry.
func (g *Guild) PutMember(member *Member) {
	if member == nil || member.User == nil {
		return
	}

	g.mu.Lock()
	g.members[member.User.ID()] = member
	g.mu.Unlock()
}

// RemoveMember deletes one membership entry.
func (g *Guild) RemoveMember(userID snowflake.ID) (*Member, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	member, ok := g.members[userID]
	if ok {
		delete(g.members, userID)
	}

	return member, ok
}

// TextChannelIDs returns a sorted snapshot of owned text channel ids.
func (g *Guild) TextChannelIDs() []snowflake.ID {
	return g.channelIDs(ChannelTypeText)
}

// VoiceChannelIDs returns a sorted snapshot of owned voice channel ids.
func (g *Guild) VoiceChannelIDs() []snowflake.ID {
	return g.channelIDs(ChannelTypeVoice)
}

// AddChannel registers an owned channel id under its type.
func (g *Guild) AddChannel(channelType ChannelType, channelID snowflake.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if set := g.channelSetLocked(channelType); set != nil {
		set[channelID] = struct{}{}
	}
}

// RemoveChannel unregisters an owned channel id.
func (g *Guild) RemoveChannel(channelType ChannelType, channelID snowflake.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if set := g.channelSetLocked(channelType); set != nil {
		delete(set, channelID)
	}
}

func (g *Guild) channelIDs(channelType ChannelType) []snowflake.ID {
	g.mu.RLock()
	set := g.channelSetLocked(channelType)
	ids := make([]snowflake.ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	slices.Sort(ids)

	return ids
}

func (g *Guild) channelSetLocked(channelType ChannelType) map[snowflake.ID]struct{} {
	switch channelType {
	case ChannelTypeText:
		return g.textChannels
	case ChannelTypeVoice:
		return g.voiceChannels
	default:
		return nil
	}
}

// String returns a compact debug form.
func (g *Guild) String() string {
	return "G:" + g.Name() + "(" + g.id.String() + ")"
}
