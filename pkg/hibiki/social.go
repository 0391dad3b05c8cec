package hibiki

import (
	"fmt"
	"slices"
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// RelationshipType mirrors the platform relationship code.
type RelationshipType int

const (
	// RelationshipTypeFriend is a mutual friendship.
	RelationshipTypeFriend RelationshipType = 1
	// RelationshipTypeBlocked is a block placed by the session account.
	RelationshipTypeBlocked RelationshipType = 2
	// RelationshipTypeIncoming is a pending friend request from the other user.
	RelationshipTypeIncoming RelationshipType = 3
	// RelationshipTypeOutgoing is a pending friend request sent by the session.
	RelationshipTypeOutgoing RelationshipType = 4
)

// String returns the lowercase relationship name.
func (t RelationshipType) String() string {
	switch t {
	case RelationshipTypeFriend:
		return "friend"
	case RelationshipTypeBlocked:
		return "blocked"
	case RelationshipTypeIncoming:
		return "incoming"
	case RelationshipTypeOutgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Relationship associates one user with a social-graph relationship kind.
// It is keyed by the user id.
type Relationship struct {
	user             *User
	relationshipType RelationshipType
}

// NewRelationship creates an immutable relationship entry.
func NewRelationship(user *User, relationshipType RelationshipType) *Relationship {
	return &Relationship{user: user, relationshipType: relationshipType}
}

// ID returns the related user id.
func (r *Relationship) ID() snowflake.ID {
	return r.user.ID()
}

// User returns the related user record.
func (r *Relationship) User() *User {
	return r.user
}

// Type returns the relationship kind.
func (r *Relationship) Type() RelationshipType {
	return r.relationshipType
}

// Group is a multi-user direct message channel of a client session.
type Group struct {
	id snowflake.ID

	mu      sync.RWMutex
	name    string
	ownerID snowflake.ID
	users   map[snowflake.ID]*User
}

// NewGroup creates an empty group.
func NewGroup(id snowflake.ID, name string, ownerID snowflake.ID) *Group {
	return &Group{
		id:      id,
		name:    name,
		ownerID: ownerID,
		users:   make(map[snowflake.ID]*User),
	}
}

// ID returns the group channel snowflake.
func (g *Group) ID() snowflake.ID {
	return g.id
}

// Name returns the group display name.
func (g *Group) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.name
}

// OwnerID returns the group owner.
func (g *Group) OwnerID() snowflake.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.ownerID
}

// HasUser reports whether userID is a recipient.
func (g *Group) HasUser(userID snowflake.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.users[userID]

	return ok
}

// Users returns recipients ordered by id.
func (g *Group) Users() []*User {
	g.mu.RLock()
	users := make([]*User, 0, len(g.users))
	for _, user := range g.users {
		users = append(users, user)
	}
	g.mu.RUnlock()

	slices.SortFunc(users, func(a, b *User) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})

	return users
}

// AddUser adds one recipient.
func (g *Group) AddUser(user *User) {
	if user == nil {
		return
	}

	g.mu.Lock()
	g.users[user.ID()] = user
	g.mu.Unlock()
}

// RemoveUser removes one recipient.
func (g *Group) RemoveUser(userID snowflake.ID) (*User, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	user, ok := g.users[userID]
	if ok {
		delete(g.users, userID)
	}

	return user, ok
}
