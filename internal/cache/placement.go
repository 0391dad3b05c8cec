package cache

import (
	"fmt"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/pkg/hibiki"
)

// Placement is where a user record currently lives.
type Placement int

const (
	// PlacementAbsent means the id has no record.
	PlacementAbsent Placement = iota
	// PlacementLive means the user shares at least one guild with the session.
	PlacementLive
	// PlacementTombstoned means the user shares no guild but is still
	// referenced by a private channel, relationship or group.
	PlacementTombstoned
)

// String returns the lowercase placement name.
func (p Placement) String() string {
	switch p {
	case PlacementAbsent:
		return "absent"
	case PlacementLive:
		return "live"
	case PlacementTombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Transition records a user moving between placements during one compound
// operation.
type Transition struct {
	User *hibiki.User
	From Placement
	To   Placement
}

// Tombstoned reports whether the transition moved a live user into the
// tombstone maps.
func (t Transition) Tombstoned() bool {
	return t.From == PlacementLive && t.To == PlacementTombstoned
}

// Evicted reports whether the transition hard-deleted an existing user.
func (t Transition) Evicted() bool {
	return t.To == PlacementAbsent && t.From != PlacementAbsent
}

// UserData is the profile snapshot carried by inbound records.
type UserData struct {
	ID      snowflake.ID
	Profile hibiki.UserProfile
}

func (c *Cache) placementLocked(id snowflake.ID) (*hibiki.User, Placement) {
	if user, ok := c.users.Get(id); ok {
		return user, PlacementLive
	}
	if user, ok := c.fakeUsers.Get(id); ok {
		return user, PlacementTombstoned
	}

	return nil, PlacementAbsent
}

// ensureUserLocked returns the single record for data.ID, creating a live one
// when absent. Existing records get their profile refreshed in place.
func (c *Cache) ensureUserLocked(data UserData) (*hibiki.User, Placement) {
	user, placement := c.placementLocked(data.ID)
	if user != nil {
		user.SetProfile(data.Profile)
		return user, placement
	}

	user = hibiki.NewUser(data.ID, data.Profile)
	c.users.Put(user)

	return user, PlacementAbsent
}

// settleLocked places the record for id according to its remaining roots:
// any guild keeps it live, otherwise a private channel, relationship or group
// keeps it tombstoned, otherwise it is deleted.
func (c *Cache) settleLocked(id snowflake.ID) (Transition, bool) {
	user, from := c.placementLocked(id)
	if user == nil {
		return Transition{}, false
	}

	var to Placement
	switch {
	case c.guildCount(id) > 0:
		to = PlacementLive
		if from == PlacementTombstoned {
			c.reviveLocked(user)
		}
	case c.hasRootLocked(user):
		to = PlacementTombstoned
		if from == PlacementLive {
			c.tombstoneLocked(user)
		}
	default:
		to = PlacementAbsent
		c.evictLocked(user)
	}

	if from == to {
		return Transition{}, false
	}
	c.logger.Debug("cache user placement changed",
		"user_id", id.String(),
		"from", from.String(),
		"to", to.String(),
	)

	return Transition{User: user, From: from, To: to}, true
}

func (c *Cache) hasRootLocked(user *hibiki.User) bool {
	if user.HasPrivateChannel() {
		return true
	}
	if !c.accountType.HasSocialGraph() {
		return false
	}
	if c.relationships.Has(user.ID()) {
		return true
	}
	for _, group := range c.groups.Snapshot() {
		if group.HasUser(user.ID()) {
			return true
		}
	}

	return false
}

// tombstoneLocked moves user and its private channel to the tombstone maps.
// Records are inserted into the destination before leaving the source so a
// concurrent reader always finds them in one of the two.
func (c *Cache) tombstoneLocked(user *hibiki.User) {
	if count := c.guildCount(user.ID()); count > 0 {
		panic(fmt.Errorf("%w: tombstone user %s while member of %d guilds",
			hibiki.ErrInvariantViolation, user.ID(), count))
	}

	user.SetFake(true)
	c.fakeUsers.Put(user)
	c.users.Remove(user.ID())

	if channel, ok := user.PrivateChannel(); ok {
		channel.SetFake(true)
		c.fakePrivateChannels.Put(channel)
		c.privateChannels.Remove(channel.ID())
	}
}

func (c *Cache) reviveLocked(user *hibiki.User) {
	user.SetFake(false)
	c.users.Put(user)
	c.fakeUsers.Remove(user.ID())

	if channel, ok := user.PrivateChannel(); ok {
		channel.SetFake(false)
		c.privateChannels.Put(channel)
		c.fakePrivateChannels.Remove(channel.ID())
	}
}

func (c *Cache) evictLocked(user *hibiki.User) {
	c.users.Remove(user.ID())
	c.fakeUsers.Remove(user.ID())
	if channel, ok := user.PrivateChannel(); ok {
		c.privateChannels.Remove(channel.ID())
		c.fakePrivateChannels.Remove(channel.ID())
	}
}

// settleFromLocked settles id and rewrites the origin when the caller created
// the record during the same operation.
func (c *Cache) settleFromLocked(id snowflake.ID, prior Placement) (Transition, bool) {
	transition, changed := c.settleLocked(id)
	if prior != PlacementAbsent {
		return transition, changed
	}
	if !changed {
		return Transition{}, false
	}
	transition.From = PlacementAbsent
	if transition.To == PlacementAbsent {
		return Transition{}, false
	}

	return transition, true
}

// settleAllLocked settles ids in order and collects the transitions.
func (c *Cache) settleAllLocked(ids []snowflake.ID) []Transition {
	var transitions []Transition
	for _, id := range ids {
		if transition, changed := c.settleLocked(id); changed {
			transitions = append(transitions, transition)
		}
	}

	return transitions
}

// UpdateUser replaces the profile of an existing live or tombstoned record.
func (c *Cache) UpdateUser(data UserData) (*hibiki.User, bool) {
	user, ok := c.ResolveUser(data.ID)
	if !ok {
		return nil, false
	}
	user.SetProfile(data.Profile)

	return user, true
}

func (c *Cache) logTransitions(op string, transitions []Transition) {
	for _, transition := range transitions {
		if !transition.Tombstoned() && !transition.Evicted() {
			continue
		}
		c.logger.Info("cache released user",
			"op", op,
			"user_id", transition.User.ID().String(),
			"placement", transition.To.String(),
		)
	}
}
