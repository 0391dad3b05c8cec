package cache

import (
	"fmt"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/pkg/hibiki"
)

// GroupData is a full group channel record.
type GroupData struct {
	ID         snowflake.ID
	Name       string
	OwnerID    snowflake.ID
	Recipients []UserData
}

func (c *Cache) requireSocialGraph(op string) error {
	if !c.accountType.HasSocialGraph() {
		return fmt.Errorf("%s: %w", op, hibiki.ErrSocialGraphUnsupported)
	}

	return nil
}

// PutRelationship records or replaces the relationship with user.
func (c *Cache) PutRelationship(user UserData, relationshipType hibiki.RelationshipType) (*hibiki.Relationship, []Transition, error) {
	if err := c.requireSocialGraph("put relationship"); err != nil {
		return nil, nil, err
	}
	if user.ID == 0 {
		return nil, nil, fmt.Errorf("put relationship: missing user id: %w", hibiki.ErrInvalidEvent)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	record, prior := c.ensureUserLocked(user)
	relationship := hibiki.NewRelationship(record, relationshipType)
	c.relationships.Put(relationship)

	var transitions []Transition
	if transition, changed := c.settleFromLocked(record.ID(), prior); changed {
		transitions = append(transitions, transition)
	}

	return relationship, transitions, nil
}

// RemoveRelationship drops the relationship with userID and settles the user.
func (c *Cache) RemoveRelationship(userID snowflake.ID) (*hibiki.Relationship, []Transition, error) {
	if err := c.requireSocialGraph("remove relationship"); err != nil {
		return nil, nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	relationship, ok := c.relationships.Remove(userID)
	if !ok {
		return nil, nil, nil
	}

	transitions := c.settleAllLocked([]snowflake.ID{userID})
	c.logTransitions("remove_relationship", transitions)

	return relationship, transitions, nil
}

// PutGroup records a group channel and its recipients.
func (c *Cache) PutGroup(data GroupData) (*hibiki.Group, []Transition, error) {
	if err := c.requireSocialGraph("put group"); err != nil {
		return nil, nil, err
	}
	if data.ID == 0 {
		return nil, nil, fmt.Errorf("put group: missing id: %w", hibiki.ErrInvalidEvent)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var previous []snowflake.ID
	if existing, ok := c.groups.Get(data.ID); ok {
		for _, user := range existing.Users() {
			previous = append(previous, user.ID())
		}
	}

	group := hibiki.NewGroup(data.ID, data.Name, data.OwnerID)
	c.groups.Put(group)

	var transitions []Transition
	current := make(map[snowflake.ID]struct{}, len(data.Recipients))
	for _, recipient := range data.Recipients {
		if recipient.ID == 0 {
			continue
		}
		user, prior := c.ensureUserLocked(recipient)
		group.AddUser(user)
		current[user.ID()] = struct{}{}
		if transition, changed := c.settleFromLocked(user.ID(), prior); changed {
			transitions = append(transitions, transition)
		}
	}

	var dropped []snowflake.ID
	for _, id := range previous {
		if _, ok := current[id]; !ok {
			dropped = append(dropped, id)
		}
	}
	transitions = append(transitions, c.settleAllLocked(dropped)...)

	return group, transitions, nil
}

// RemoveGroup drops a group channel and settles its former recipients.
func (c *Cache) RemoveGroup(groupID snowflake.ID) (*hibiki.Group, []Transition, error) {
	if err := c.requireSocialGraph("remove group"); err != nil {
		return nil, nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	group, ok := c.groups.Remove(groupID)
	if !ok {
		return nil, nil, nil
	}

	users := group.Users()
	ids := make([]snowflake.ID, 0, len(users))
	for _, user := range users {
		ids = append(ids, user.ID())
	}
	transitions := c.settleAllLocked(ids)
	c.logTransitions("remove_group", transitions)

	return group, transitions, nil
}

// AddGroupMember adds one recipient to an existing group.
func (c *Cache) AddGroupMember(groupID snowflake.ID, user UserData) (*hibiki.Group, *hibiki.User, []Transition, error) {
	if err := c.requireSocialGraph("add group member"); err != nil {
		return nil, nil, nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	group, ok := c.groups.Get(groupID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("add group member: group %s: %w", groupID, hibiki.ErrUnknownEntity)
	}

	record, prior := c.ensureUserLocked(user)
	group.AddUser(record)

	var transitions []Transition
	if transition, changed := c.settleFromLocked(record.ID(), prior); changed {
		transitions = append(transitions, transition)
	}

	return group, record, transitions, nil
}

// RemoveGroupMember removes one recipient from a group and settles the user.
func (c *Cache) RemoveGroupMember(groupID, userID snowflake.ID) (*hibiki.Group, *hibiki.User, []Transition, error) {
	if err := c.requireSocialGraph("remove group member"); err != nil {
		return nil, nil, nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	group, ok := c.groups.Get(groupID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("remove group member: group %s: %w", groupID, hibiki.ErrUnknownEntity)
	}

	user, ok := group.RemoveUser(userID)
	if !ok {
		return group, nil, nil, nil
	}

	transitions := c.settleAllLocked([]snowflake.ID{userID})
	c.logTransitions("remove_group_member", transitions)

	return group, user, transitions, nil
}

// PutWebhook stores a webhook snapshot.
func (c *Cache) PutWebhook(webhook *hibiki.Webhook) {
	if webhook == nil {
		return
	}
	c.webhooks.Put(webhook)
}

// RemoveWebhook deletes one webhook.
func (c *Cache) RemoveWebhook(id snowflake.ID) (*hibiki.Webhook, bool) {
	return c.webhooks.Remove(id)
}

// ReplaceChannelWebhooks swaps the cached webhooks of one channel for a fresh
// listing and returns the ids that disappeared.
func (c *Cache) ReplaceChannelWebhooks(channelID snowflake.ID, webhooks []*hibiki.Webhook) []snowflake.ID {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	keep := make(map[snowflake.ID]struct{}, len(webhooks))
	for _, webhook := range webhooks {
		if webhook == nil {
			continue
		}
		keep[webhook.ID()] = struct{}{}
		c.webhooks.Put(webhook)
	}

	var removed []snowflake.ID
	for _, webhook := range c.ChannelWebhooks(channelID) {
		if _, ok := keep[webhook.ID()]; !ok {
			c.webhooks.Remove(webhook.ID())
			removed = append(removed, webhook.ID())
		}
	}

	return removed
}
