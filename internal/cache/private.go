package cache

import (
	"fmt"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/pkg/hibiki"
)

// PrivateChannelOpen is the result of OpenPrivateChannel.
type PrivateChannelOpen struct {
	Channel *hibiki.PrivateChannel
	// Created is false when the channel was already cached.
	Created bool
	// Transitions lists placement changes of the recipient.
	Transitions []Transition
}

// OpenPrivateChannel caches a direct-message channel with recipient.
//
// A recipient who shares no guild with the session is created tombstoned, and
// the channel is stored with it in the tombstone maps.
func (c *Cache) OpenPrivateChannel(channelID snowflake.ID, recipient UserData) (PrivateChannelOpen, error) {
	if channelID == 0 || recipient.ID == 0 {
		return PrivateChannelOpen{}, fmt.Errorf("open private channel: missing id: %w", hibiki.ErrInvalidEvent)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if channel, ok := c.ResolvePrivateChannel(channelID); ok {
		return PrivateChannelOpen{Channel: channel}, nil
	}

	user, prior := c.ensureUserLocked(recipient)
	if previous, ok := user.PrivateChannel(); ok {
		c.privateChannels.Remove(previous.ID())
		c.fakePrivateChannels.Remove(previous.ID())
	}

	channel := hibiki.NewPrivateChannel(channelID, user)
	user.SetPrivateChannel(channel)
	if user.IsFake() {
		channel.SetFake(true)
		c.fakePrivateChannels.Put(channel)
	} else {
		c.privateChannels.Put(channel)
	}

	result := PrivateChannelOpen{Channel: channel, Created: true}
	if transition, changed := c.settleFromLocked(user.ID(), prior); changed {
		result.Transitions = append(result.Transitions, transition)
	}

	return result, nil
}

// ClosePrivateChannel removes a direct-message channel and settles its
// recipient.
func (c *Cache) ClosePrivateChannel(channelID snowflake.ID) (*hibiki.PrivateChannel, []Transition, bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	channel, ok := c.privateChannels.Remove(channelID)
	if !ok {
		channel, ok = c.fakePrivateChannels.Remove(channelID)
	}
	if !ok {
		return nil, nil, false
	}

	user := channel.User()
	if current, linked := user.PrivateChannel(); linked && current == channel {
		user.SetPrivateChannel(nil)
	}

	transitions := c.settleAllLocked([]snowflake.ID{user.ID()})
	c.logTransitions("close_private_channel", transitions)

	return channel, transitions, true
}
