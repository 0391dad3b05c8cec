package rest

import (
	"fmt"
	"log/slog"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/internal/cache"
	"ex-hibiki/internal/guildlock"
	"ex-hibiki/pkg/hibiki"
)

// Client builds actions for platform operations and folds their results into
// the session cache.
//
// Completions run on the pipeline callback goroutine, concurrently with the
// event worker. Guild-scoped completions skip cache mutation while the guild
// is locked; the gateway record that follows is authoritative.
type Client struct {
	pipeline  *Pipeline
	cache     *cache.Cache
	sequencer *guildlock.Sequencer
	logger    *slog.Logger
}

// NewClient creates a client bound to one session.
func NewClient(pipeline *Pipeline, entities *cache.Cache, sequencer *guildlock.Sequencer, logger *slog.Logger) (*Client, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("new rest client: nil pipeline")
	}
	if entities == nil {
		return nil, fmt.Errorf("new rest client: nil cache")
	}
	if sequencer == nil {
		return nil, fmt.Errorf("new rest client: nil sequencer")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		pipeline:  pipeline,
		cache:     entities,
		sequencer: sequencer,
		logger:    logger,
	}, nil
}

// Pipeline returns the underlying request pipeline.
func (c *Client) Pipeline() *Pipeline {
	return c.pipeline
}

// OpenPrivateChannel opens a direct-message channel with userID.
//
// An already open channel is returned without a round trip. A tombstoned user
// without a channel cannot be messaged and fails with ErrFakeUser.
func (c *Client) OpenPrivateChannel(userID snowflake.ID) *Action[*hibiki.PrivateChannel] {
	if user, ok := c.cache.ResolveUser(userID); ok {
		if channel, open := user.PrivateChannel(); open {
			return Completed(c.pipeline, channel)
		}
		if user.IsFake() {
			return Failed[*hibiki.PrivateChannel](c.pipeline,
				fmt.Errorf("open private channel with %s: %w", userID, hibiki.ErrFakeUser))
		}
	}

	route, err := RouteCreatePrivateChannel.Compile()
	if err != nil {
		return Failed[*hibiki.PrivateChannel](c.pipeline, err)
	}

	return NewAction(c.pipeline, route, createPrivateChannelBody{RecipientID: userID},
		func(resp *Response) (*hibiki.PrivateChannel, error) {
			payload, err := DecodeJSON[channelPayload](resp)
			if err != nil {
				return nil, err
			}
			if len(payload.Recipients) == 0 {
				return nil, fmt.Errorf("open private channel %s: no recipient: %w", payload.ID, hibiki.ErrInvalidEvent)
			}

			opened, err := c.cache.OpenPrivateChannel(payload.ID, payload.Recipients[0].data())
			if err != nil {
				return nil, fmt.Errorf("open private channel %s: %w", payload.ID, err)
			}

			return opened.Channel, nil
		})
}

// ClosePrivateChannel closes a direct-message channel.
func (c *Client) ClosePrivateChannel(channelID snowflake.ID) *Action[struct{}] {
	route, err := RouteDeleteChannel.Compile(channelID.String())
	if err != nil {
		return Failed[struct{}](c.pipeline, err)
	}

	return NewAction(c.pipeline, route, nil, func(*Response) (struct{}, error) {
		c.cache.ClosePrivateChannel(channelID)
		return struct{}{}, nil
	})
}

// RetrieveUser returns the cached record for userID, fetching it when absent.
// Fetched users that share no root with the session are returned detached and
// are not cached.
func (c *Client) RetrieveUser(userID snowflake.ID) *Action[*hibiki.User] {
	if user, ok := c.cache.ResolveUser(userID); ok {
		return Completed(c.pipeline, user)
	}

	route, err := RouteGetUser.Compile(userID.String())
	if err != nil {
		return Failed[*hibiki.User](c.pipeline, err)
	}

	return NewAction(c.pipeline, route, nil, func(resp *Response) (*hibiki.User, error) {
		payload, err := DecodeJSON[userPayload](resp)
		if err != nil {
			return nil, err
		}
		data := payload.data()
		if user, ok := c.cache.UpdateUser(data); ok {
			return user, nil
		}

		return hibiki.NewUser(data.ID, data.Profile), nil
	})
}

// SendMessage posts content into a channel.
func (c *Client) SendMessage(channelID snowflake.ID, content string) *Action[hibiki.Message] {
	if content == "" {
		return Failed[hibiki.Message](c.pipeline, fmt.Errorf("send message to %s: empty content", channelID))
	}

	route, err := RouteCreateMessage.Compile(channelID.String())
	if err != nil {
		return Failed[hibiki.Message](c.pipeline, err)
	}

	return NewAction(c.pipeline, route, createMessageBody{Content: content}, func(resp *Response) (hibiki.Message, error) {
		payload, err := DecodeJSON[messagePayload](resp)
		if err != nil {
			return hibiki.Message{}, err
		}

		return payload.message(), nil
	})
}

// LeaveGuild leaves a guild. The cache is updated by the guild removal record
// that the platform sends afterwards.
func (c *Client) LeaveGuild(guildID snowflake.ID) *Action[struct{}] {
	if _, ok := c.cache.Guild(guildID); !ok {
		return Failed[struct{}](c.pipeline, fmt.Errorf("leave guild %s: %w", guildID, hibiki.ErrUnknownEntity))
	}

	route, err := RouteLeaveGuild.Compile(guildID.String())
	if err != nil {
		return Failed[struct{}](c.pipeline, err)
	}

	return NewAction[struct{}](c.pipeline, route, nil, DiscardBody)
}

// KickMember removes userID from a guild and drops the membership locally
// unless the guild is locked.
func (c *Client) KickMember(guildID, userID snowflake.ID) *Action[struct{}] {
	route, err := RouteKickMember.Compile(guildID.String(), userID.String())
	if err != nil {
		return Failed[struct{}](c.pipeline, err)
	}

	return NewAction(c.pipeline, route, nil, func(*Response) (struct{}, error) {
		if c.sequencer.IsLocked(guildID) {
			c.logger.Debug("rest completion skipped for locked guild",
				"operation", "kick_member",
				"guild_id", guildID.String(),
			)
			return struct{}{}, nil
		}
		if _, _, err := c.cache.RemoveMember(guildID, userID); err != nil {
			c.logger.Debug("rest completion found no guild",
				"operation", "kick_member",
				"guild_id", guildID.String(),
				"error", err,
			)
		}

		return struct{}{}, nil
	})
}

// AddFriend sends or accepts a friend request. Client sessions only.
func (c *Client) AddFriend(userID snowflake.ID) *Action[struct{}] {
	if !c.cache.AccountType().HasSocialGraph() {
		return Failed[struct{}](c.pipeline, fmt.Errorf("add friend %s: %w", userID, hibiki.ErrSocialGraphUnsupported))
	}
	if relationship, ok := c.cache.Relationship(userID); ok && relationship.Type() == hibiki.RelationshipTypeFriend {
		return Completed(c.pipeline, struct{}{})
	}

	route, err := RoutePutRelationship.Compile(userID.String())
	if err != nil {
		return Failed[struct{}](c.pipeline, err)
	}

	return NewAction[struct{}](c.pipeline, route, putRelationshipBody{}, DiscardBody)
}

// RemoveRelationship removes a friend, block or pending request. Client
// sessions only.
func (c *Client) RemoveRelationship(userID snowflake.ID) *Action[struct{}] {
	if !c.cache.AccountType().HasSocialGraph() {
		return Failed[struct{}](c.pipeline, fmt.Errorf("remove relationship %s: %w", userID, hibiki.ErrSocialGraphUnsupported))
	}

	route, err := RouteDeleteRelationship.Compile(userID.String())
	if err != nil {
		return Failed[struct{}](c.pipeline, err)
	}

	return NewAction(c.pipeline, route, nil, func(*Response) (struct{}, error) {
		if _, _, err := c.cache.RemoveRelationship(userID); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, nil
	})
}

// RetrieveWebhooks lists the webhooks of a guild text channel and refreshes
// the cached set.
func (c *Client) RetrieveWebhooks(channelID snowflake.ID) *Action[[]*hibiki.Webhook] {
	route, err := RouteGetChannelWebhooks.Compile(channelID.String())
	if err != nil {
		return Failed[[]*hibiki.Webhook](c.pipeline, err)
	}

	return NewAction(c.pipeline, route, nil, func(resp *Response) ([]*hibiki.Webhook, error) {
		payloads, err := DecodeJSON[[]webhookPayload](resp)
		if err != nil {
			return nil, err
		}

		webhooks := make([]*hibiki.Webhook, 0, len(payloads))
		for _, payload := range payloads {
			webhooks = append(webhooks, payload.webhook())
		}

		channel, ok := c.cache.TextChannel(channelID)
		if ok && c.sequencer.IsLocked(channel.GuildID()) {
			return webhooks, nil
		}
		if ok {
			c.cache.ReplaceChannelWebhooks(channelID, webhooks)
		}

		return webhooks, nil
	})
}

// DeleteWebhook deletes a webhook.
func (c *Client) DeleteWebhook(webhookID snowflake.ID) *Action[struct{}] {
	route, err := RouteDeleteWebhook.Compile(webhookID.String())
	if err != nil {
		return Failed[struct{}](c.pipeline, err)
	}

	return NewAction(c.pipeline, route, nil, func(*Response) (struct{}, error) {
		c.cache.RemoveWebhook(webhookID)
		return struct{}{}, nil
	})
}
