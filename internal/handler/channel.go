package handler

import (
	"context"
	"fmt"

	"ex-hibiki/internal/dispatch"
	"ex-hibiki/pkg/hibiki"
)

func (h *Handlers) handleChannelCreate(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[channelPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("channel create: %w", err)
	}

	switch channelType := payload.channelType(); channelType {
	case hibiki.ChannelTypeText, hibiki.ChannelTypeVoice:
		if outcome, wait := h.deferred(payload.GuildID); wait {
			return outcome, nil
		}
		channel, err := h.cache.PutChannel(payload.GuildID, payload.data())
		if err != nil {
			return dispatch.Applied, fmt.Errorf("channel create: %w", err)
		}
		return dispatch.Applied, h.publish(ctx, h.channelEvent(hibiki.EventKindChannelCreated, record, channel))

	case hibiki.ChannelTypePrivate:
		if len(payload.Recipients) == 0 {
			return dispatch.Applied, fmt.Errorf("channel create %s: no recipient: %w", payload.ID, hibiki.ErrInvalidEvent)
		}
		opened, err := h.cache.OpenPrivateChannel(payload.ID, payload.Recipients[0].data())
		if err != nil {
			return dispatch.Applied, fmt.Errorf("channel create: %w", err)
		}
		if !opened.Created {
			return dispatch.Applied, nil
		}
		events := []*hibiki.Event{h.privateChannelEvent(hibiki.EventKindPrivateChannelOpened, record, opened.Channel)}
		events = append(events, h.transitionEvents(record, 0, opened.Transitions)...)
		return dispatch.Applied, h.publish(ctx, events...)

	case hibiki.ChannelTypeGroup:
		if !h.cache.AccountType().HasSocialGraph() {
			h.logger.DebugContext(ctx, "hibiki group channel ignored for bot session", "channel_id", payload.ID.String())
			return dispatch.Applied, nil
		}
		_, transitions, err := h.cache.PutGroup(payload.group())
		if err != nil {
			return dispatch.Applied, fmt.Errorf("channel create: %w", err)
		}
		return dispatch.Applied, h.publish(ctx, h.transitionEvents(record, 0, transitions)...)

	default:
		h.logger.DebugContext(ctx, "hibiki channel type ignored",
			"channel_id", payload.ID.String(),
			"type", channelType.String(),
		)
		return dispatch.Applied, nil
	}
}

func (h *Handlers) handleChannelDelete(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[channelPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("channel delete: %w", err)
	}

	switch payload.channelType() {
	case hibiki.ChannelTypeText, hibiki.ChannelTypeVoice:
		if outcome, wait := h.deferred(payload.GuildID); wait {
			return outcome, nil
		}
		channel, ok := h.cache.RemoveChannel(payload.ID)
		if !ok {
			return dispatch.Applied, nil
		}
		return dispatch.Applied, h.publish(ctx, h.channelEvent(hibiki.EventKindChannelDeleted, record, channel))

	case hibiki.ChannelTypePrivate:
		channel, transitions, ok := h.cache.ClosePrivateChannel(payload.ID)
		if !ok {
			return dispatch.Applied, nil
		}
		events := []*hibiki.Event{h.privateChannelEvent(hibiki.EventKindPrivateChannelClosed, record, channel)}
		events = append(events, h.transitionEvents(record, 0, transitions)...)
		return dispatch.Applied, h.publish(ctx, events...)

	case hibiki.ChannelTypeGroup:
		if !h.cache.AccountType().HasSocialGraph() {
			return dispatch.Applied, nil
		}
		_, transitions, err := h.cache.RemoveGroup(payload.ID)
		if err != nil {
			return dispatch.Applied, fmt.Errorf("channel delete: %w", err)
		}
		return dispatch.Applied, h.publish(ctx, h.transitionEvents(record, 0, transitions)...)

	default:
		return dispatch.Applied, nil
	}
}

func (h *Handlers) handleUserUpdate(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[userPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("user update: %w", err)
	}

	user, ok := h.cache.UpdateUser(payload.data())
	if !ok {
		return dispatch.Applied, nil
	}

	event := h.newEvent(hibiki.EventKindUserUpdated, record)
	event.UserID = user.ID()
	event.User = user

	return dispatch.Applied, h.publish(ctx, event)
}

func (h *Handlers) handleWebhooksUpdate(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[webhooksUpdatePayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("webhooks update: %w", err)
	}
	if outcome, wait := h.deferred(payload.GuildID); wait {
		return outcome, nil
	}

	dropped := h.cache.ReplaceChannelWebhooks(payload.ChannelID, nil)
	h.logger.DebugContext(ctx, "hibiki channel webhooks invalidated",
		"channel_id", payload.ChannelID.String(),
		"dropped", len(dropped),
	)

	event := h.newEvent(hibiki.EventKindWebhooksUpdated, record)
	event.GuildID = payload.GuildID
	event.ChannelID = payload.ChannelID

	return dispatch.Applied, h.publish(ctx, event)
}

func (h *Handlers) channelEvent(kind hibiki.EventKind, record dispatch.Record, channel *hibiki.GuildChannel) *hibiki.Event {
	event := h.newEvent(kind, record)
	event.GuildID = channel.GuildID()
	event.ChannelID = channel.ID()
	event.Channel = channel
	if guild, ok := h.cache.Guild(channel.GuildID()); ok {
		event.Guild = guild
	}

	return event
}

func (h *Handlers) privateChannelEvent(kind hibiki.EventKind, record dispatch.Record, channel *hibiki.PrivateChannel) *hibiki.Event {
	event := h.newEvent(kind, record)
	event.ChannelID = channel.ID()
	event.PrivateChannel = channel
	event.UserID = channel.User().ID()
	event.User = channel.User()

	return event
}
