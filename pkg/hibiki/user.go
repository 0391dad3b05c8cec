package hibiki

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/disgoorg/snowflake/v2"
)

const (
	// CDNBaseURL is the media host used to build avatar URLs.
	CDNBaseURL = "https://cdn.discordapp.com"
	// AssetsBaseURL is the static asset host used for default avatars.
	AssetsBaseURL = "https://discordapp.com/assets"
)

// defaultAvatars are selected by discriminator modulo their count.
var defaultAvatars = [...]string{
	"6debd47ed13483642cf09e832ed0bc1b",
	"322c936a8c8be1b803cd94861bdfa868",
	"dd4dbc0016779df1378e7812eabaa04d",
	"0e291f67c9274a1abdddeb3fd919cbaa",
	"1cbd08c76f8af6dddce02c5138971129",
}

// UserProfile carries the mutable display fields of a user record.
type UserProfile struct {
	// Name is the account display name.
	Name string
	// Discriminator is the four digit disambiguation suffix.
	Discriminator string
	// AvatarID is the avatar hash; empty when the user has no custom avatar.
	AvatarID string
	// Bot reports whether the account is automated.
	Bot bool
}

// User is the single live record for one platform account.
//
// Exactly one *User exists per identifier inside a session cache. Tombstoning
// flips IsFake on the same record instead of replacing it, so handles held by
// callers (for example through a PrivateChannel) stay valid by identity.
//
// Profile setters are used by the cache; applications should treat users as
// read-only.
type User struct {
	id snowflake.ID

	mu      sync.RWMutex
	profile UserProfile

	fake           atomic.Bool
	privateChannel atomic.Pointer[PrivateChannel]
}

// NewUser creates an empty user record for one identifier.
func NewUser(id snowflake.ID, profile UserProfile) *User {
	return &User{id: id, profile: profile}
}

// ID returns the user snowflake.
func (u *User) ID() snowflake.ID {
	return u.id
}

// Profile returns a copy of the current display fields.
func (u *User) Profile() UserProfile {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.profile
}

// SetProfile replaces the display fields in place.
func (u *User) SetProfile(profile UserProfile) {
	u.mu.Lock()
	u.profile = profile
	u.mu.Unlock()
}

// Name returns the display name.
func (u *User) Name() string {
	return u.Profile().Name
}

// Discriminator returns the disambiguation suffix.
func (u *User) Discriminator() string {
	return u.Profile().Discriminator
}

// AvatarID returns the avatar hash or an empty string.
func (u *User) AvatarID() string {
	return u.Profile().AvatarID
}

// IsBot reports whether the account is automated.
func (u *User) IsBot() bool {
	return u.Profile().Bot
}

// AvatarURL returns the custom avatar location, or an empty string when the
// user has none.
func (u *User) AvatarURL() string {
	avatarID := u.AvatarID()
	if avatarID == "" {
		return ""
	}

	return fmt.Sprintf("%s/avatars/%s/%s.jpg", CDNBaseURL, u.id, avatarID)
}

// DefaultAvatarID returns the platform-assigned fallback avatar hash.
func (u *User) DefaultAvatarID() string {
	discriminator, err := strconv.Atoi(u.Discriminator())
	if err != nil || discriminator < 0 {
		discriminator = 0
	}

	return defaultAvatars[discriminator%len(defaultAvatars)]
}

// DefaultAvatarURL returns the fallback avatar location.
func (u *User) DefaultAvatarURL() string {
	return AssetsBaseURL + "/" + u.DefaultAvatarID() + ".png"
}

// EffectiveAvatarURL returns AvatarURL when set and DefaultAvatarURL otherwise.
func (u *User) EffectiveAvatarURL() string {
	if avatarURL := u.AvatarURL(); avatarURL != "" {
		return avatarURL
	}

	return u.DefaultAvatarURL()
}

// Mention returns the inline mention markup for this user.
func (u *User) Mention() string {
	return "<@" + u.id.String() + ">"
}

// IsFake reports whether the record is tombstoned: it shares no guild with the
// session and is retained only because another root still references it.
func (u *User) IsFake() bool {
	return u.fake.Load()
}

// SetFake toggles the tombstone flag.
func (u *User) SetFake(fake bool) {
	u.fake.Store(fake)
}

// PrivateChannel returns the open direct-message channel when one exists.
func (u *User) PrivateChannel() (*PrivateChannel, bool) {
	channel := u.privateChannel.Load()

	return channel, channel != nil
}

// HasPrivateChannel reports whether a direct-message channel is open.
func (u *User) HasPrivateChannel() bool {
	return u.privateChannel.Load() != nil
}

// SetPrivateChannel links or, with nil, unlinks the direct-message channel.
func (u *User) SetPrivateChannel(channel *PrivateChannel) {
	u.privateChannel.Store(channel)
}

// String returns a compact debug form.
func (u *User) String() string {
	return "U:" + u.Name() + "(" + u.id.String() + ")"
}
